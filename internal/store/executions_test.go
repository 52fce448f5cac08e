package store

import (
	"context"
	"testing"
	"time"

	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/nidhogg/ensemble/internal/workflow"
)

// startPostgres starts a PostgreSQL testcontainer and returns a migrated
// store. Skips the test when no container runtime is available.
func startPostgres(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	// testcontainers panics (rather than returning an error) when no
	// container runtime can be detected; turn that into the skip below.
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("start postgres container: %v", r)
		}
	}()

	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("ensemble_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("start postgres container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pg connection string: %v", err)
	}

	s, err := New(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("connect store: %v", err)
	}
	t.Cleanup(s.Close)

	if err := s.Migrate(ctx, "../../migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

const (
	teamA = "c1000000-0000-0000-0000-000000000001"
	teamB = "c1000000-0000-0000-0000-000000000002"
	teamC = "c1000000-0000-0000-0000-000000000003"
)

func sampleExecution(id, teamID string, status workflow.ExecStatus, startedAt time.Time) *workflow.Execution {
	finished := startedAt.Add(time.Minute)
	return &workflow.Execution{
		ID:         id,
		TemplateID: "b5c7d1e2-0000-0000-0000-000000000001",
		TeamID:     teamID,
		Status:     status,
		Steps: map[string]*workflow.StepState{
			"analysis": {
				Step:   workflow.Step{ID: "analysis", Name: "Analysis"},
				Status: workflow.StepCompleted,
				Worker: "analyzer",
				Output: "root cause found",
				Score:  0.9,
			},
		},
		Config:     workflow.ExecutionConfig{TaskDescription: "find the bug"},
		StartedAt:  startedAt,
		FinishedAt: &finished,
		Result: &workflow.Result{
			Output:       "root cause found",
			QualityScore: 0.9,
			Contributions: []workflow.Contribution{
				{WorkerID: "analyzer", StepID: "analysis", Output: "root cause found", Score: 0.9},
			},
		},
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()

	execID := "7f3a2b1c-0000-0000-0000-000000000001"
	exec := sampleExecution(execID, teamA, workflow.ExecCompleted, time.Now().UTC().Truncate(time.Millisecond))

	if err := s.Archive(ctx, exec); err != nil {
		t.Fatalf("archive: %v", err)
	}

	got, err := s.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != workflow.ExecCompleted {
		t.Fatalf("status: got %s, want %s", got.Status, workflow.ExecCompleted)
	}
	if got.TeamID != teamA {
		t.Fatalf("team: got %s", got.TeamID)
	}
	ss, ok := got.Steps["analysis"]
	if !ok || ss.Output != "root cause found" || ss.Score != 0.9 {
		t.Fatalf("steps roundtrip: %+v", got.Steps)
	}
	if got.Result == nil || got.Result.QualityScore != 0.9 || len(got.Result.Contributions) != 1 {
		t.Fatalf("result roundtrip: %+v", got.Result)
	}
	if got.FinishedAt == nil {
		t.Fatal("finished_at lost")
	}
}

func TestArchiveUpsert(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()

	execID := "7f3a2b1c-0000-0000-0000-000000000002"
	exec := sampleExecution(execID, teamA, workflow.ExecExecuting, time.Now().UTC())
	if err := s.Archive(ctx, exec); err != nil {
		t.Fatalf("first archive: %v", err)
	}

	exec.Status = workflow.ExecFailed
	exec.Fault = "step analysis failed after 3 attempts"
	exec.Degraded = true
	if err := s.Archive(ctx, exec); err != nil {
		t.Fatalf("second archive: %v", err)
	}

	got, err := s.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != workflow.ExecFailed || !got.Degraded {
		t.Fatalf("upsert not applied: status %s degraded %v", got.Status, got.Degraded)
	}
	if got.Fault != "step analysis failed after 3 attempts" {
		t.Fatalf("fault: %q", got.Fault)
	}
}

func TestListExecutionsByTeam(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	ids := []string{
		"7f3a2b1c-0000-0000-0000-000000000010",
		"7f3a2b1c-0000-0000-0000-000000000011",
		"7f3a2b1c-0000-0000-0000-000000000012",
	}
	for i, id := range ids {
		exec := sampleExecution(id, teamB, workflow.ExecCompleted, base.Add(time.Duration(i)*time.Minute))
		if err := s.Archive(ctx, exec); err != nil {
			t.Fatalf("archive %s: %v", id, err)
		}
	}
	other := sampleExecution("7f3a2b1c-0000-0000-0000-000000000020", teamC, workflow.ExecCompleted, base)
	if err := s.Archive(ctx, other); err != nil {
		t.Fatalf("archive other: %v", err)
	}

	got, err := s.ListExecutions(ctx, teamB, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d executions, want 3", len(got))
	}
	// Newest first.
	if got[0].ID != ids[2] || got[2].ID != ids[0] {
		t.Fatalf("order: %s, %s, %s", got[0].ID, got[1].ID, got[2].ID)
	}

	limited, err := s.ListExecutions(ctx, teamB, 2)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limit ignored: %d", len(limited))
	}
}

func TestGetExecutionMissing(t *testing.T) {
	s := startPostgres(t)
	if _, err := s.GetExecution(context.Background(), "7f3a2b1c-0000-0000-0000-0000000000ff"); err == nil {
		t.Fatal("expected error for missing execution")
	}
}
