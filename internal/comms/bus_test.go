package comms

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/ensemble/internal/fault"
)

func newTestBus(workers ...string) *Bus {
	b := NewBus("team-1", zap.NewNop())
	for _, w := range workers {
		b.Register(w)
	}
	return b
}

func TestSendDirect(t *testing.T) {
	b := newTestBus("alice", "bob", "carol")
	ctx := context.Background()

	msg, err := b.Send(ctx, SendRequest{
		Sender:     "alice",
		Recipients: []string{"bob"},
		Type:       TypeInformation,
		Content:    "analysis attached",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Delivery["bob"] != DeliveryDelivered {
		t.Fatalf("got delivery %s, want %s", msg.Delivery["bob"], DeliveryDelivered)
	}

	got, err := b.Get("bob", Filter{}, 0, SortNewestFirst)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 || got[0].ID != msg.ID {
		t.Fatalf("bob's inbox: %v", got)
	}

	// carol was not addressed
	got, _ = b.Get("carol", Filter{}, 0, SortNewestFirst)
	if len(got) != 0 {
		t.Fatalf("carol's inbox should be empty, got %d", len(got))
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	b := newTestBus("alice", "bob", "carol")

	msg, err := b.Send(context.Background(), SendRequest{
		Sender:     "alice",
		Recipients: []string{Broadcast},
		Type:       TypeCoordination,
		Content:    "sync up",
	})
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if !msg.Broadcast {
		t.Fatal("message not marked broadcast")
	}
	if len(msg.Recipients) != 2 {
		t.Fatalf("got %d recipients, want 2", len(msg.Recipients))
	}
	for _, r := range msg.Recipients {
		if r == "alice" {
			t.Fatal("broadcast delivered to sender")
		}
	}
}

func TestSendRejectsBadRecipients(t *testing.T) {
	b := newTestBus("alice", "bob")
	ctx := context.Background()

	cases := []SendRequest{
		{Sender: "alice", Recipients: []string{"alice"}, Type: TypeInformation, Content: "self"},
		{Sender: "alice", Recipients: []string{"mallory"}, Type: TypeInformation, Content: "stranger"},
		{Sender: "mallory", Recipients: []string{"bob"}, Type: TypeInformation, Content: "outsider"},
		{Sender: "alice", Recipients: []string{"bob"}, Type: TypeInformation, Content: ""},
	}
	for i, req := range cases {
		if _, err := b.Send(ctx, req); fault.KindOf(err) != fault.KindCommunicationFailed {
			t.Fatalf("case %d: got %v, want %s", i, err, fault.KindCommunicationFailed)
		}
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	b := newTestBus("alice", "bob")
	msg, _ := b.Send(context.Background(), SendRequest{
		Sender: "alice", Recipients: []string{"bob"},
		Type: TypeInformation, Content: "hi",
	})

	if b.UnreadCount("bob") != 1 {
		t.Fatalf("got %d unread, want 1", b.UnreadCount("bob"))
	}

	res, err := b.MarkRead("bob", []string{msg.ID})
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if len(res.MarkedRead) != 1 {
		t.Fatalf("got %d marked, want 1", len(res.MarkedRead))
	}

	// Second call is a no-op, not an error.
	res, err = b.MarkRead("bob", []string{msg.ID})
	if err != nil {
		t.Fatalf("second mark read: %v", err)
	}
	if len(res.MarkedRead) != 0 || len(res.AlreadyRead) != 1 {
		t.Fatalf("second call: marked=%v already=%v", res.MarkedRead, res.AlreadyRead)
	}
	if b.UnreadCount("bob") != 0 {
		t.Fatalf("got %d unread after read, want 0", b.UnreadCount("bob"))
	}

	res, _ = b.MarkRead("bob", []string{"no-such-message"})
	if len(res.NotFound) != 1 {
		t.Fatalf("unknown id should land in not_found: %+v", res)
	}
}

func TestUnreadFilter(t *testing.T) {
	b := newTestBus("alice", "bob")
	ctx := context.Background()
	m1, _ := b.Send(ctx, SendRequest{Sender: "alice", Recipients: []string{"bob"}, Type: TypeInformation, Content: "one"})
	b.Send(ctx, SendRequest{Sender: "alice", Recipients: []string{"bob"}, Type: TypeInformation, Content: "two"})

	b.MarkRead("bob", []string{m1.ID})
	msgs, _ := b.Get("bob", Filter{UnreadOnly: true}, 0, SortOldestFirst)
	if len(msgs) != 1 || msgs[0].Content != "two" {
		t.Fatalf("unread filter returned %v", msgs)
	}
}

func TestRespondRequiresFlag(t *testing.T) {
	b := newTestBus("alice", "bob")
	msg, _ := b.Send(context.Background(), SendRequest{
		Sender: "alice", Recipients: []string{"bob"},
		Type: TypeInformation, Content: "fyi",
	})

	_, err := b.Respond(context.Background(), "bob", msg.ID, "ack")
	if fault.KindOf(err) != fault.KindResponseNotRequired {
		t.Fatalf("got %v, want %s", err, fault.KindResponseNotRequired)
	}
}

func TestRespondWithinDeadline(t *testing.T) {
	b := newTestBus("alice", "bob")
	deadline := time.Now().Add(time.Hour)
	msg, _ := b.Send(context.Background(), SendRequest{
		Sender: "alice", Recipients: []string{"bob"},
		Type: TypeRequest, Content: "estimate?",
		RequiresResponse: true, ResponseDeadline: &deadline,
	})

	resp, err := b.Respond(context.Background(), "bob", msg.ID, "two days")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if resp.Late {
		t.Fatal("in-deadline response flagged late")
	}
	if resp.InResponseTo != msg.ID {
		t.Fatalf("got in_response_to %s, want %s", resp.InResponseTo, msg.ID)
	}

	// Response lands in the original sender's inbox.
	inbox, _ := b.Get("alice", Filter{Types: []MessageType{TypeResponse}}, 0, SortNewestFirst)
	if len(inbox) != 1 {
		t.Fatalf("alice should have 1 response, got %d", len(inbox))
	}
}

func TestLateResponseRecordedAndFlagged(t *testing.T) {
	b := newTestBus("alice", "bob", "carol")
	deadline := time.Now().Add(-time.Minute)
	msg, _ := b.Send(context.Background(), SendRequest{
		Sender: "alice", Recipients: []string{Broadcast},
		Type: TypeRequest, Content: "status check",
		RequiresResponse: true, ResponseDeadline: &deadline,
	})

	resp, err := b.Respond(context.Background(), "bob", msg.ID, "sorry, busy")
	if fault.KindOf(err) != fault.KindResponseDeadlinePassed {
		t.Fatalf("got %v, want %s", err, fault.KindResponseDeadlinePassed)
	}
	if resp == nil {
		t.Fatal("late response should still be recorded")
	}
	if !resp.Late {
		t.Fatal("late response not flagged")
	}

	// The recorded response is visible to the requester.
	inbox, _ := b.Get("alice", Filter{Types: []MessageType{TypeResponse}}, 0, SortNewestFirst)
	if len(inbox) != 1 || !inbox[0].Late {
		t.Fatalf("late response missing from requester inbox: %v", inbox)
	}
}

func TestGetReturnsDetachedCopies(t *testing.T) {
	b := newTestBus("alice", "bob")
	deadline := time.Now().Add(time.Hour)
	sent, _ := b.Send(context.Background(), SendRequest{
		Sender: "alice", Recipients: []string{"bob"},
		Type: TypeRequest, Content: "estimate?",
		RequiresResponse: true, ResponseDeadline: &deadline,
	})

	msgs, _ := b.Get("bob", Filter{}, 0, SortNewestFirst)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	// Writes to the returned message must not reach the bus's copy.
	msgs[0].Content = "tampered"
	msgs[0].Delivery["bob"] = DeliveryFailed
	msgs[0].Recipients[0] = "mallory"

	again, _ := b.Get("bob", Filter{}, 0, SortNewestFirst)
	if again[0].Content != "estimate?" {
		t.Fatalf("stored content changed: %q", again[0].Content)
	}
	if again[0].Delivery["bob"] != DeliveryDelivered {
		t.Fatalf("stored delivery changed: %s", again[0].Delivery["bob"])
	}
	if again[0].Recipients[0] != "bob" {
		t.Fatalf("stored recipients changed: %v", again[0].Recipients)
	}

	// A response recorded later shows up in a fresh read, not in the
	// copy handed out before it.
	if _, err := b.Respond(context.Background(), "bob", sent.ID, "two days"); err != nil {
		t.Fatalf("respond: %v", err)
	}
	inbox, _ := b.Get("alice", Filter{Types: []MessageType{TypeResponse}}, 0, SortNewestFirst)
	if len(inbox) != 1 || inbox[0].InResponseTo != sent.ID {
		t.Fatalf("response not linked: %v", inbox)
	}
}

func TestGetLimitAndOrder(t *testing.T) {
	b := newTestBus("alice", "bob")
	ctx := context.Background()
	for _, content := range []string{"first", "second", "third"} {
		b.Send(ctx, SendRequest{Sender: "alice", Recipients: []string{"bob"}, Type: TypeInformation, Content: content})
	}

	msgs, _ := b.Get("bob", Filter{}, 2, SortOldestFirst)
	if len(msgs) != 2 || msgs[0].Content != "first" {
		t.Fatalf("oldest-first limit 2: %v", msgs)
	}

	msgs, _ = b.Get("bob", Filter{}, 1, SortNewestFirst)
	if len(msgs) != 1 || msgs[0].Content != "third" {
		t.Fatalf("newest-first limit 1: %v", msgs)
	}
}
