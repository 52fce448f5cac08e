// Package comms routes directed and broadcast messages between the
// workers of one team, tracking per-recipient delivery, reads, and
// responses.
package comms

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/ensemble/internal/fault"
	"go.uber.org/zap"
)

// Broadcast is the recipient marker addressing all registered workers
// except the sender.
const Broadcast = "ALL"

// MessageType classifies worker-to-worker messages.
type MessageType string

const (
	TypeInformation  MessageType = "information"
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeCoordination MessageType = "coordination"
)

// Priority orders message urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// DeliveryState tracks per-recipient delivery. It never regresses from
// delivered back to pending.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
)

// Message is a routed message with its tracking state.
type Message struct {
	ID               string                   `json:"id"`
	Sender           string                   `json:"sender"`
	Recipients       []string                 `json:"recipients"`
	Broadcast        bool                     `json:"broadcast"`
	Type             MessageType              `json:"type"`
	Content          string                   `json:"content"`
	Priority         Priority                 `json:"priority"`
	RequiresResponse bool                     `json:"requires_response"`
	ResponseDeadline *time.Time               `json:"response_deadline,omitempty"`
	InResponseTo     string                   `json:"in_response_to,omitempty"`
	Late             bool                     `json:"late,omitempty"`
	SentAt           time.Time                `json:"sent_at"`
	Delivery         map[string]DeliveryState `json:"delivery"`
}

// clone detaches a message from the bus's stored state so callers can
// read and marshal it without holding the bus lock.
func (m *Message) clone() *Message {
	cp := *m
	cp.Recipients = append([]string(nil), m.Recipients...)
	cp.Delivery = make(map[string]DeliveryState, len(m.Delivery))
	for k, v := range m.Delivery {
		cp.Delivery[k] = v
	}
	if m.ResponseDeadline != nil {
		d := *m.ResponseDeadline
		cp.ResponseDeadline = &d
	}
	return &cp
}

// SendRequest carries the parameters of a SendMessage call.
type SendRequest struct {
	Sender           string      `json:"sender"`
	Recipients       []string    `json:"recipients"`
	Type             MessageType `json:"type"`
	Content          string      `json:"content"`
	Priority         Priority    `json:"priority"`
	RequiresResponse bool        `json:"requires_response"`
	ResponseDeadline *time.Time  `json:"response_deadline,omitempty"`
}

// Filter narrows a GetMessages query. Zero values match everything.
type Filter struct {
	Types      []MessageType `json:"types,omitempty"`
	Senders    []string      `json:"senders,omitempty"`
	Priority   Priority      `json:"priority,omitempty"`
	UnreadOnly bool          `json:"unread_only,omitempty"`
	Since      *time.Time    `json:"since,omitempty"`
}

// SortOrder controls GetMessages ordering by send time.
type SortOrder string

const (
	SortNewestFirst SortOrder = "newest_first"
	SortOldestFirst SortOrder = "oldest_first"
)

// Relay mirrors delivered messages to an external transport. The bus
// works unchanged when no relay is attached.
type Relay interface {
	Publish(ctx context.Context, recipient string, msg *Message) error
}

// Bus is the in-process message router for one team scope.
type Bus struct {
	scope    string
	mu       sync.RWMutex
	messages map[string]*Message
	inboxes  map[string][]string        // workerID -> message IDs, send order
	read     map[string]map[string]bool // messageID -> workerID -> read
	relay    Relay
	logger   *zap.Logger
}

// NewBus creates a message bus scoped to one team.
func NewBus(scope string, logger *zap.Logger) *Bus {
	return &Bus{
		scope:    scope,
		messages: make(map[string]*Message),
		inboxes:  make(map[string][]string),
		read:     make(map[string]map[string]bool),
		logger:   logger,
	}
}

// Scope returns the owning team ID.
func (b *Bus) Scope() string { return b.scope }

// SetRelay attaches an external delivery mirror.
func (b *Bus) SetRelay(r Relay) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relay = r
}

// Register adds a worker to the bus. Registering twice is a no-op.
func (b *Bus) Register(workerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inboxes[workerID]; !ok {
		b.inboxes[workerID] = nil
	}
}

// Registered reports whether a worker is known to the bus.
func (b *Bus) Registered(workerID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.inboxes[workerID]
	return ok
}

// Send routes a message to its recipients. Recipients must be registered
// team members and must not include the sender. The single recipient
// "ALL" broadcasts to every other registered worker.
func (b *Bus) Send(ctx context.Context, req SendRequest) (*Message, error) {
	if req.Content == "" {
		return nil, fault.New(fault.KindCommunicationFailed, "message content cannot be empty")
	}
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}

	b.mu.Lock()
	if _, ok := b.inboxes[req.Sender]; !ok {
		b.mu.Unlock()
		return nil, fault.New(fault.KindCommunicationFailed, "sender %s not registered on bus %s", req.Sender, b.scope)
	}

	recipients := req.Recipients
	broadcast := len(recipients) == 1 && recipients[0] == Broadcast
	if broadcast {
		recipients = recipients[:0:0]
		for id := range b.inboxes {
			if id != req.Sender {
				recipients = append(recipients, id)
			}
		}
		sort.Strings(recipients)
	} else {
		for _, r := range recipients {
			if r == req.Sender {
				b.mu.Unlock()
				return nil, fault.New(fault.KindCommunicationFailed, "sender cannot be a recipient")
			}
			if _, ok := b.inboxes[r]; !ok {
				b.mu.Unlock()
				return nil, fault.New(fault.KindCommunicationFailed, "recipient %s not registered on bus %s", r, b.scope)
			}
		}
	}
	if len(recipients) == 0 {
		b.mu.Unlock()
		return nil, fault.New(fault.KindCommunicationFailed, "message has no recipients")
	}

	msg := &Message{
		ID:               uuid.New().String(),
		Sender:           req.Sender,
		Recipients:       recipients,
		Broadcast:        broadcast,
		Type:             req.Type,
		Content:          req.Content,
		Priority:         req.Priority,
		RequiresResponse: req.RequiresResponse,
		ResponseDeadline: req.ResponseDeadline,
		SentAt:           time.Now(),
		Delivery:         make(map[string]DeliveryState, len(recipients)),
	}

	b.messages[msg.ID] = msg
	b.read[msg.ID] = make(map[string]bool, len(recipients))
	for _, r := range recipients {
		b.inboxes[r] = append(b.inboxes[r], msg.ID)
		msg.Delivery[r] = DeliveryDelivered
		b.read[msg.ID][r] = false
	}
	relay := b.relay
	b.mu.Unlock()

	// At-least-once: the in-memory delivery above is authoritative, the
	// relay mirror may duplicate but never replaces it.
	if relay != nil {
		for _, r := range recipients {
			if err := relay.Publish(ctx, r, msg); err != nil {
				b.logger.Warn("relay publish failed",
					zap.String("message", msg.ID),
					zap.String("recipient", r),
					zap.Error(err))
			}
		}
	}

	b.logger.Debug("message sent",
		zap.String("scope", b.scope),
		zap.String("id", msg.ID),
		zap.String("sender", req.Sender),
		zap.Int("recipients", len(recipients)),
		zap.Bool("broadcast", broadcast))
	return msg, nil
}

// Get returns copies of the messages addressed to a worker, filtered
// and ordered by send time. A zero limit means no limit.
func (b *Bus) Get(workerID string, f Filter, limit int, order SortOrder) ([]*Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids, ok := b.inboxes[workerID]
	if !ok {
		return nil, fault.New(fault.KindCommunicationFailed, "worker %s not registered on bus %s", workerID, b.scope)
	}

	var out []*Message
	for _, id := range ids {
		msg := b.messages[id]
		if msg == nil || !matches(msg, f) {
			continue
		}
		if f.UnreadOnly && b.read[id][workerID] {
			continue
		}
		out = append(out, msg.clone())
	}

	if order == SortNewestFirst {
		sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.After(out[j].SentAt) })
	} else {
		sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matches(msg *Message, f Filter) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if msg.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Senders) > 0 {
		found := false
		for _, s := range f.Senders {
			if msg.Sender == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Priority != "" && msg.Priority != f.Priority {
		return false
	}
	if f.Since != nil && !msg.SentAt.After(*f.Since) {
		return false
	}
	return true
}

// MarkReadResult reports the outcome of a MarkRead call per message ID.
type MarkReadResult struct {
	MarkedRead  []string `json:"marked_read"`
	AlreadyRead []string `json:"already_read"`
	NotFound    []string `json:"not_found"`
}

// MarkRead marks messages read by a worker. Marking an already-read
// message is a no-op reported under AlreadyRead, so duplicate calls
// converge on the same state.
func (b *Bus) MarkRead(workerID string, messageIDs []string) (*MarkReadResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.inboxes[workerID]; !ok {
		return nil, fault.New(fault.KindCommunicationFailed, "worker %s not registered on bus %s", workerID, b.scope)
	}

	res := &MarkReadResult{}
	for _, id := range messageIDs {
		status, ok := b.read[id]
		if !ok {
			res.NotFound = append(res.NotFound, id)
			continue
		}
		wasRecipient := false
		for _, r := range b.messages[id].Recipients {
			if r == workerID {
				wasRecipient = true
				break
			}
		}
		if !wasRecipient {
			res.NotFound = append(res.NotFound, id)
			continue
		}
		if status[workerID] {
			res.AlreadyRead = append(res.AlreadyRead, id)
			continue
		}
		status[workerID] = true
		res.MarkedRead = append(res.MarkedRead, id)
	}
	return res, nil
}

// UnreadCount returns how many delivered messages a worker has not read.
func (b *Bus) UnreadCount(workerID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, id := range b.inboxes[workerID] {
		if !b.read[id][workerID] {
			n++
		}
	}
	return n
}

// Respond records a response to a message that requires one. A response
// sent after the deadline is still recorded and delivered, but flagged
// late; the returned error then carries RESPONSE_DEADLINE_PASSED while
// the message is non-nil.
func (b *Bus) Respond(ctx context.Context, responderID, originalID, content string) (*Message, error) {
	b.mu.RLock()
	original, ok := b.messages[originalID]
	b.mu.RUnlock()
	if !ok {
		return nil, fault.New(fault.KindCommunicationFailed, "message %s not found", originalID)
	}
	if !original.RequiresResponse {
		return nil, fault.New(fault.KindResponseNotRequired, "message %s does not require a response", originalID)
	}
	isRecipient := false
	for _, r := range original.Recipients {
		if r == responderID {
			isRecipient = true
			break
		}
	}
	if !isRecipient {
		return nil, fault.New(fault.KindCommunicationFailed, "%s was not a recipient of %s", responderID, originalID)
	}

	late := original.ResponseDeadline != nil && time.Now().After(*original.ResponseDeadline)

	msg, err := b.Send(ctx, SendRequest{
		Sender:     responderID,
		Recipients: []string{original.Sender},
		Type:       TypeResponse,
		Content:    content,
		Priority:   original.Priority,
	})
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	msg.InResponseTo = originalID
	msg.Late = late
	msg = msg.clone()
	b.mu.Unlock()

	if late {
		return msg, fault.New(fault.KindResponseDeadlinePassed,
			"response to %s recorded after its deadline", originalID).
			WithRecovery("response was recorded and flagged late; no resend needed")
	}
	return msg, nil
}

// Stats summarizes bus activity.
type Stats struct {
	TotalMessages int                 `json:"total_messages"`
	TotalWorkers  int                 `json:"total_workers"`
	ByType        map[MessageType]int `json:"by_type"`
	ByPriority    map[Priority]int    `json:"by_priority"`
}

// Stats returns message counts by type and priority.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := Stats{
		TotalMessages: len(b.messages),
		TotalWorkers:  len(b.inboxes),
		ByType:        make(map[MessageType]int),
		ByPriority:    make(map[Priority]int),
	}
	for _, m := range b.messages {
		s.ByType[m.Type]++
		s.ByPriority[m.Priority]++
	}
	return s
}
