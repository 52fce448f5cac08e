package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/ensemble/internal/comms"
	"github.com/nidhogg/ensemble/internal/config"
	"github.com/nidhogg/ensemble/internal/evaluate"
	"github.com/nidhogg/ensemble/internal/fault"
	"github.com/nidhogg/ensemble/internal/runner"
	"github.com/nidhogg/ensemble/internal/sharedctx"
	"github.com/nidhogg/ensemble/internal/team"
)

// Archiver persists executions that reached a terminal status.
type Archiver interface {
	Archive(ctx context.Context, exec *Execution) error
}

// execState wraps an execution with everything needed to drive it. All
// mutation goes through es.mu, one writer at a time per execution.
type execState struct {
	mu          sync.Mutex
	exec        *Execution
	template    *Template
	team        *team.Team
	store       *sharedctx.Store
	bus         *comms.Bus
	assignments map[string]*Assignment
	load        map[string]int
	// retryPending marks steps whose retry backoff timer has not fired
	// yet; they are failed but not settled.
	retryPending map[string]bool
	rankings     []evaluate.Evaluation
	slots        chan struct{}
	done         chan struct{}
	ceiling      *time.Timer
	stopping     bool
}

func (es *execState) inFlightLocked() int {
	n := 0
	for _, a := range es.assignments {
		if a.Status == AssignmentAssigned || a.Status == AssignmentInProgress {
			n++
		}
	}
	return n
}

// Engine drives workflow executions: it owns the execution state machines,
// delegates ready steps to workers, enforces quality gates and aggregates
// results. Cross-execution operations are independent; within one execution
// all transitions are serialized.
type Engine struct {
	mu           sync.Mutex
	library      *Library
	teams        *team.Registry
	run          runner.Runner
	eval         *evaluate.Evaluator
	cfg          config.Orchestrator
	execs        map[string]*execState
	activeByTeam map[string]string
	archiver     Archiver
	logger       *zap.Logger
}

// NewEngine creates a workflow engine. A nil runner leaves execution to
// external workers completing assignments through the engine's callbacks.
func NewEngine(library *Library, teams *team.Registry, run runner.Runner, eval *evaluate.Evaluator, cfg config.Orchestrator, logger *zap.Logger) *Engine {
	return &Engine{
		library:      library,
		teams:        teams,
		run:          run,
		eval:         eval,
		cfg:          cfg.Normalized(),
		execs:        make(map[string]*execState),
		activeByTeam: make(map[string]string),
		logger:       logger,
	}
}

// SetArchiver installs the terminal-execution sink. Optional; without it
// finished executions stay in memory only.
func (e *Engine) SetArchiver(a Archiver) {
	e.mu.Lock()
	e.archiver = a
	e.mu.Unlock()
}

// Library exposes the template library.
func (e *Engine) Library() *Library { return e.library }

// Execute starts an execution of a template on a team. The team must not
// already have a live execution. Returns the execution and the initial
// assignments emitted for steps with no dependencies.
func (e *Engine) Execute(ctx context.Context, templateID, teamID string, ecfg ExecutionConfig) (*Execution, []*Assignment, error) {
	tmpl, err := e.library.Get(templateID)
	if err != nil {
		return nil, nil, err
	}
	t, err := e.teams.Get(teamID)
	if err != nil {
		return nil, nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if prevID, ok := e.activeByTeam[teamID]; ok {
		if prev := e.execs[prevID]; prev != nil {
			prev.mu.Lock()
			live := !prev.exec.Status.Terminal()
			prev.mu.Unlock()
			if live {
				return nil, nil, fault.New(fault.KindCollaborationActive,
					"team %s already has execution %s in progress", teamID, prevID).
					WithRecovery("wait for the current collaboration to finish or stop it")
			}
		}
	}

	if t.Status == team.StatusInactive {
		if t, err = e.teams.UpdateStatus(teamID, team.StatusActive); err != nil {
			return nil, nil, err
		}
	}
	if t.Status != team.StatusActive {
		return nil, nil, fault.New(fault.KindTeamNotFound, "team %s is %s, cannot collaborate", teamID, t.Status)
	}

	store, err := e.teams.Context(teamID)
	if err != nil {
		return nil, nil, err
	}
	bus, err := e.teams.Bus(teamID)
	if err != nil {
		return nil, nil, err
	}

	steps := make(map[string]*StepState, len(tmpl.Steps))
	for _, s := range tmpl.Steps {
		ss := &StepState{Step: s}
		ss.record(StepBlocked, "")
		steps[s.ID] = ss
	}

	parallelism := ecfg.MaxParallelism
	if parallelism <= 0 {
		parallelism = e.cfg.MaxParallelism
	}
	if parallelism <= 0 {
		parallelism = len(t.Bindings)
	}

	es := &execState{
		exec: &Execution{
			ID:         uuid.New().String(),
			TemplateID: tmpl.ID,
			TeamID:     teamID,
			Status:     ExecPending,
			Steps:      steps,
			Config:     ecfg,
			StartedAt:  time.Now(),
		},
		template:    tmpl,
		team:        t,
		store:       store,
		bus:         bus,
		assignments:  make(map[string]*Assignment),
		load:         make(map[string]int),
		retryPending: make(map[string]bool),
		slots:        make(chan struct{}, parallelism),
		done:         make(chan struct{}),
	}

	for k, v := range ecfg.Context {
		store.MustWrite(k, v, team.CoordinatorID)
	}
	store.MustWrite("task_description", ecfg.TaskDescription, team.CoordinatorID)

	ceiling := ecfg.MaxDuration.Duration()
	if ceiling <= 0 {
		ceiling = e.cfg.WorkflowCeiling.Duration()
	}
	execID := es.exec.ID
	es.ceiling = time.AfterFunc(ceiling, func() { e.timeout(es, execID) })

	e.execs[execID] = es
	e.activeByTeam[teamID] = execID

	es.mu.Lock()
	es.exec.Status = ExecExecuting
	initial := e.advanceLocked(es)
	es.mu.Unlock()

	e.logger.Info("execution started",
		zap.String("execution", execID),
		zap.String("template", tmpl.ID),
		zap.String("team", teamID),
		zap.Int("steps", len(steps)),
		zap.Int("initial_assignments", len(initial)))
	return es.snapshot(), initial, nil
}

func (e *Engine) state(executionID string) (*execState, error) {
	e.mu.Lock()
	es, ok := e.execs[executionID]
	e.mu.Unlock()
	if !ok {
		return nil, fault.New(fault.KindExecutionNotFound, "execution %s not found", executionID)
	}
	return es, nil
}

// Get returns a point-in-time copy of an execution.
func (e *Engine) Get(executionID string) (*Execution, error) {
	es, err := e.state(executionID)
	if err != nil {
		return nil, err
	}
	return es.snapshot(), nil
}

// Assignments returns the execution's assignments ordered by creation time.
func (e *Engine) Assignments(executionID string) ([]*Assignment, error) {
	es, err := e.state(executionID)
	if err != nil {
		return nil, err
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	out := make([]*Assignment, 0, len(es.assignments))
	for _, a := range es.assignments {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// snapshot copies the execution for safe return to callers.
func (es *execState) snapshot() *Execution {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.snapshotLocked()
}

func (es *execState) snapshotLocked() *Execution {
	cp := *es.exec
	cp.Steps = make(map[string]*StepState, len(es.exec.Steps))
	for id, ss := range es.exec.Steps {
		sscp := *ss
		sscp.History = append([]StepEvent(nil), ss.History...)
		cp.Steps[id] = &sscp
	}
	if es.exec.Result != nil {
		r := *es.exec.Result
		r.Contributions = append([]Contribution(nil), es.exec.Result.Contributions...)
		cp.Result = &r
	}
	return &cp
}

// CompleteAssignment records a successful worker callback for an
// assignment. Quality gates are applied before the step is accepted.
func (e *Engine) CompleteAssignment(executionID, assignmentID, output string, score float64) error {
	es, err := e.state(executionID)
	if err != nil {
		return err
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	a, ok := es.assignments[assignmentID]
	if !ok {
		return fault.New(fault.KindAssignmentNotFound, "assignment %s not found in execution %s", assignmentID, executionID)
	}
	if a.Status != AssignmentAssigned && a.Status != AssignmentInProgress {
		return fault.New(fault.KindAssignmentNotFound, "assignment %s already %s", assignmentID, a.Status)
	}
	e.completeAssignmentLocked(es, a, output, score)
	return nil
}

// FailAssignment records a failed worker callback. The step's failure
// policy decides what happens next.
func (e *Engine) FailAssignment(executionID, assignmentID, reason string) error {
	es, err := e.state(executionID)
	if err != nil {
		return err
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	a, ok := es.assignments[assignmentID]
	if !ok {
		return fault.New(fault.KindAssignmentNotFound, "assignment %s not found in execution %s", assignmentID, executionID)
	}
	if a.Status != AssignmentAssigned && a.Status != AssignmentInProgress {
		return fault.New(fault.KindAssignmentNotFound, "assignment %s already %s", assignmentID, a.Status)
	}
	e.failAssignmentLocked(es, a, reason)
	return nil
}

// completeAssignmentLocked accepts a worker output, checks the step's
// quality gate and either settles the step or fails it. Caller holds es.mu.
func (e *Engine) completeAssignmentLocked(es *execState, a *Assignment, output string, score float64) {
	ss := es.exec.Steps[a.StepID]
	es.load[a.WorkerID]--

	if gate, ok := es.template.Gate(a.StepID); ok && score < gate.MinScore {
		a.Status = AssignmentFailed
		ss.Score = score
		ss.record(StepFailed, fmt.Sprintf("quality gate %s: score %.2f below %.2f", gate.ID, score, gate.MinScore))
		e.logger.Warn("quality gate failed",
			zap.String("execution", es.exec.ID),
			zap.String("step", a.StepID),
			zap.Float64("score", score),
			zap.Float64("min", gate.MinScore))
		e.applyPolicyLocked(es, ss, fault.New(fault.KindQualityGateFailed,
			"step %s scored %.2f, gate requires %.2f", a.StepID, score, gate.MinScore).Error())
		return
	}

	a.Status = AssignmentCompleted
	ss.Output = output
	ss.Score = score
	ss.record(StepCompleted, "")
	now := time.Now()
	ss.Finished = &now

	es.store.MustWrite("step_"+a.StepID+"_output", output, a.WorkerID)
	es.store.MustWrite("step_"+a.StepID+"_score", score, a.WorkerID)

	if es.template.Type == TypeProblemSolving {
		e.problemSolvingHookLocked(es, ss)
	}

	e.logger.Info("step completed",
		zap.String("execution", es.exec.ID),
		zap.String("step", a.StepID),
		zap.String("worker", a.WorkerID),
		zap.Float64("score", score))

	e.onStepSettledLocked(es)
}

// onStepSettledLocked advances the execution after any step reached a
// settled state: either emit the next ready set or finish the execution.
func (e *Engine) onStepSettledLocked(es *execState) {
	if es.exec.Status.Terminal() {
		return
	}

	allSettled := true
	anyFailed := false
	for _, ss := range es.exec.Steps {
		switch ss.Status {
		case StepCompleted:
		case StepFailed:
			// A failed step waiting out its retry backoff is not settled.
			if es.retryPending[ss.Step.ID] {
				allSettled = false
			} else {
				anyFailed = true
			}
		default:
			allSettled = false
		}
	}

	if allSettled {
		if anyFailed {
			e.finishLocked(es, ExecFailed, "one or more steps failed")
		} else {
			e.finishLocked(es, ExecCompleted, "")
		}
		return
	}

	if es.stopping && es.inFlightLocked() == 0 {
		e.finishLocked(es, ExecFailed, "stopped by caller")
		return
	}

	e.advanceLocked(es)
}

// finishLocked moves the execution to a terminal status, aggregates the
// result and hands the execution to the archiver. Caller holds es.mu.
func (e *Engine) finishLocked(es *execState, status ExecStatus, reason string) {
	if es.exec.Status.Terminal() {
		return
	}
	es.exec.Status = status
	now := time.Now()
	es.exec.FinishedAt = &now
	if reason != "" {
		es.exec.Fault = reason
	}
	es.ceiling.Stop()
	close(es.done)

	es.exec.Result = es.aggregateLocked()

	e.logger.Info("execution finished",
		zap.String("execution", es.exec.ID),
		zap.String("status", string(status)),
		zap.String("reason", reason),
		zap.Float64("completion", es.exec.Progress().CompletionPercentage),
		zap.Bool("degraded", es.exec.Degraded))

	if e.archiver != nil {
		snap := es.snapshotLocked()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := e.archiver.Archive(ctx, snap); err != nil {
				e.logger.Warn("archive failed", zap.String("execution", snap.ID), zap.Error(err))
			}
		}()
	}
}

// aggregateLocked builds the final result from settled steps. Partial
// outputs are kept even on failure.
func (es *execState) aggregateLocked() *Result {
	r := &Result{}
	var outputs []string
	var scoreSum float64
	var scored int
	for _, s := range es.template.Steps {
		ss := es.exec.Steps[s.ID]
		if ss.Status != StepCompleted || ss.Skipped {
			continue
		}
		outputs = append(outputs, ss.Output)
		r.Contributions = append(r.Contributions, Contribution{
			WorkerID: ss.Worker,
			StepID:   s.ID,
			Output:   ss.Output,
			Score:    ss.Score,
		})
		scoreSum += ss.Score
		scored++
	}
	if scored > 0 {
		r.QualityScore = scoreSum / float64(scored)
	}

	if es.template.Type == TypeProblemSolving {
		if final, ok := es.exec.Steps[StepRecommendation]; ok && final.Status == StepCompleted {
			r.Output = final.Output
		}
		r.SuccessProbability = es.successProbabilityLocked()
	}
	if r.Output == "" {
		r.Output = strings.Join(outputs, "\n\n")
	}
	return r
}

// timeout fires when the execution exceeds its duration ceiling.
func (e *Engine) timeout(es *execState, executionID string) {
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.exec.Status.Terminal() {
		return
	}
	e.logger.Error("execution timed out", zap.String("execution", executionID))
	e.finishLocked(es, ExecFailed,
		fault.New(fault.KindWorkflowTimeout, "execution %s exceeded its duration ceiling", executionID).Error())
}

// Pause suspends new assignments; in-flight work finishes normally.
func (e *Engine) Pause(executionID string) (*Execution, error) {
	es, err := e.state(executionID)
	if err != nil {
		return nil, err
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.exec.Status != ExecExecuting {
		return nil, fault.New(fault.KindInvalidWorkflow, "execution %s is %s, cannot pause", executionID, es.exec.Status)
	}
	es.exec.Status = ExecPaused
	e.logger.Info("execution paused", zap.String("execution", executionID))
	return es.snapshotLocked(), nil
}

// Resume recomputes the ready set from current step statuses and
// continues a paused execution.
func (e *Engine) Resume(executionID string) (*Execution, []*Assignment, error) {
	es, err := e.state(executionID)
	if err != nil {
		return nil, nil, err
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.exec.Status != ExecPaused {
		return nil, nil, fault.New(fault.KindInvalidWorkflow, "execution %s is %s, cannot resume", executionID, es.exec.Status)
	}
	es.exec.Status = ExecExecuting
	// Failed steps left behind by an escalation go another round.
	for _, ss := range es.exec.Steps {
		if ss.Status == StepFailed && ss.Attempt < e.cfg.MaxRetries {
			ss.record(StepBlocked, "reset on resume")
		}
	}
	emitted := e.advanceLocked(es)
	e.logger.Info("execution resumed",
		zap.String("execution", executionID),
		zap.Int("assignments", len(emitted)))
	return es.snapshotLocked(), emitted, nil
}

// StopRequest controls how an execution is stopped.
type StopRequest struct {
	Force       bool `json:"force_stop"`
	SavePartial bool `json:"save_partial"`
}

// Metrics summarizes a stopped execution.
type Metrics struct {
	Duration        time.Duration `json:"duration"`
	AssignmentsMade int           `json:"assignments_made"`
	StepsCompleted  int           `json:"steps_completed"`
	Degraded        bool          `json:"degraded"`
}

// Stop halts an execution. Force fails it immediately and discards
// in-flight work; otherwise in-flight assignments finish first and no new
// ones start. Partial results are kept unless explicitly discarded.
func (e *Engine) Stop(executionID string, req StopRequest) (*Execution, Metrics, error) {
	es, err := e.state(executionID)
	if err != nil {
		return nil, Metrics{}, err
	}
	es.mu.Lock()
	defer es.mu.Unlock()

	if !es.exec.Status.Terminal() {
		if req.Force || es.inFlightLocked() == 0 {
			e.finishLocked(es, ExecFailed, "stopped by caller")
		} else {
			es.stopping = true
			es.exec.Status = ExecPaused
		}
	}
	if !req.SavePartial && es.exec.Result != nil && es.exec.Status == ExecFailed {
		es.exec.Result = &Result{}
	}

	m := Metrics{
		Duration:        time.Since(es.exec.StartedAt),
		AssignmentsMade: len(es.assignments),
		Degraded:        es.exec.Degraded,
	}
	if es.exec.FinishedAt != nil {
		m.Duration = es.exec.FinishedAt.Sub(es.exec.StartedAt)
	}
	for _, ss := range es.exec.Steps {
		if ss.Status == StepCompleted {
			m.StepsCompleted++
		}
	}
	return es.snapshotLocked(), m, nil
}

// WorkerStatus is one team member's view in a status report.
type WorkerStatus struct {
	WorkerID    string `json:"worker_id"`
	Role        string `json:"role"`
	ActiveTasks int    `json:"active_tasks"`
	Unread      int    `json:"unread_messages"`
}

// StatusReport is the detailed view of a running collaboration.
type StatusReport struct {
	Execution *Execution     `json:"execution"`
	Progress  Progress       `json:"progress"`
	Workers   []WorkerStatus `json:"workers,omitempty"`
}

// Status reports execution progress, optionally including per-worker
// detail.
func (e *Engine) Status(executionID string, includeDetails bool) (*StatusReport, error) {
	es, err := e.state(executionID)
	if err != nil {
		return nil, err
	}
	es.mu.Lock()
	defer es.mu.Unlock()

	rep := &StatusReport{
		Execution: es.snapshotLocked(),
		Progress:  es.exec.Progress(),
	}
	if includeDetails {
		for _, b := range es.team.Bindings {
			ws := WorkerStatus{
				WorkerID:    b.WorkerID,
				Role:        b.Role.Name,
				ActiveTasks: es.load[b.WorkerID],
			}
			if es.bus != nil {
				ws.Unread = es.bus.UnreadCount(b.WorkerID)
			}
			rep.Workers = append(rep.Workers, ws)
		}
	}
	return rep, nil
}

// ExecutionForTeam returns the team's most recent execution id, if any.
func (e *Engine) ExecutionForTeam(teamID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.activeByTeam[teamID]
	return id, ok
}
