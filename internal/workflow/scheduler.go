package workflow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/ensemble/internal/comms"
	"github.com/nidhogg/ensemble/internal/fault"
	"github.com/nidhogg/ensemble/internal/runner"
	"github.com/nidhogg/ensemble/internal/team"
)

// defaultEstimate applies to steps that declare no estimated duration.
const defaultEstimate = 5 * time.Minute

// advanceLocked recomputes the ready set and emits assignments for every
// step whose dependencies are all completed. Returns the new assignments.
// Caller holds es.mu.
func (e *Engine) advanceLocked(es *execState) []*Assignment {
	if es.exec.Status != ExecExecuting {
		return nil
	}

	var ready []*StepState
	for _, ss := range es.orderedSteps() {
		if ss.Status != StepBlocked {
			continue
		}
		if es.depsMetLocked(ss.Step) {
			ss.record(StepReady, "")
			ready = append(ready, ss)
		}
	}

	var out []*Assignment
	for _, ss := range ready {
		if a := e.dispatchStepLocked(es, ss); a != nil {
			out = append(out, a)
		}
	}
	return out
}

// depsMetLocked reports whether every dependency of a step is completed.
// Skipped steps count as completed.
func (es *execState) depsMetLocked(s Step) bool {
	for _, dep := range s.Dependencies {
		ds, ok := es.exec.Steps[dep]
		if !ok || ds.Status != StepCompleted {
			return false
		}
	}
	return true
}

// orderedSteps returns step states in template order for deterministic
// scheduling.
func (es *execState) orderedSteps() []*StepState {
	out := make([]*StepState, 0, len(es.exec.Steps))
	for _, s := range es.template.Steps {
		if ss, ok := es.exec.Steps[s.ID]; ok {
			out = append(out, ss)
		}
	}
	return out
}

// pickWorkerLocked selects the binding whose capability set covers the
// step's requirements. Among qualified workers the one with the fewest
// in-flight assignments wins; ties break by role name lexical order.
func (es *execState) pickWorkerLocked(s Step) (team.RoleBinding, bool) {
	var qualified []team.RoleBinding
	for _, b := range es.team.Bindings {
		if b.Role.HasCapabilities(s.RequiredCapabilities) {
			qualified = append(qualified, b)
		}
	}
	if len(qualified) == 0 {
		return team.RoleBinding{}, false
	}
	sort.SliceStable(qualified, func(i, j int) bool {
		li, lj := es.load[qualified[i].WorkerID], es.load[qualified[j].WorkerID]
		if li != lj {
			return li < lj
		}
		return qualified[i].Role.Name < qualified[j].Role.Name
	})
	return qualified[0], true
}

// dispatchStepLocked assigns a ready step to a worker and launches its
// execution. Caller holds es.mu.
func (e *Engine) dispatchStepLocked(es *execState, ss *StepState) *Assignment {
	binding, ok := es.pickWorkerLocked(ss.Step)
	if !ok {
		// Counts as a consumed attempt so a retry policy cannot loop
		// forever on a capability gap.
		ss.Attempt++
		ss.record(StepFailed, "no team member covers capabilities "+fmt.Sprint(ss.Step.RequiredCapabilities))
		e.applyPolicyLocked(es, ss, "no capable worker")
		return nil
	}

	est := ss.Step.EstimatedDuration.Duration()
	if est <= 0 {
		est = defaultEstimate
	}
	deadline := time.Now().Add(time.Duration(float64(est) * e.cfg.DeadlineOverhead))

	ss.Attempt++
	ss.Worker = binding.WorkerID
	ss.record(StepAssigned, "attempt "+fmt.Sprint(ss.Attempt))

	a := &Assignment{
		ID:          uuid.New().String(),
		ExecutionID: es.exec.ID,
		StepID:      ss.Step.ID,
		WorkerID:    binding.WorkerID,
		Priority:    ss.Step.Priority,
		Deadline:    deadline,
		Status:      AssignmentAssigned,
		Attempt:     ss.Attempt,
		CreatedAt:   time.Now(),
	}
	if a.Priority == "" {
		a.Priority = comms.PriorityNormal
	}
	es.assignments[a.ID] = a
	es.load[binding.WorkerID]++

	e.notifyAssignmentLocked(es, a)

	// Soft deadline: on expiry the assignment fails and the step's
	// failure policy applies. A completion arriving after that is
	// discarded.
	time.AfterFunc(time.Until(deadline), func() {
		e.expireAssignment(es, a.ID)
	})

	if e.run != nil {
		go e.runAssignment(es, a.ID, binding)
	}

	e.logger.Info("task assigned",
		zap.String("execution", es.exec.ID),
		zap.String("step", ss.Step.ID),
		zap.String("worker", binding.WorkerID),
		zap.Int("attempt", ss.Attempt),
		zap.Time("deadline", deadline))
	return a
}

// notifyAssignmentLocked mirrors the assignment onto the team bus so the
// worker sees it in its inbox.
func (e *Engine) notifyAssignmentLocked(es *execState, a *Assignment) {
	if es.bus == nil {
		return
	}
	ss := es.exec.Steps[a.StepID]
	_, err := es.bus.Send(context.Background(), comms.SendRequest{
		Sender:     team.CoordinatorID,
		Recipients: []string{a.WorkerID},
		Type:       comms.TypeCoordination,
		Content:    fmt.Sprintf("assignment %s: step %s (%s), deadline %s", a.ID, a.StepID, ss.Step.Name, a.Deadline.Format(time.RFC3339)),
		Priority:   a.Priority,
	})
	if err != nil {
		e.logger.Warn("assignment notification failed",
			zap.String("assignment", a.ID), zap.Error(err))
	}
}

// runAssignment drives one assignment through the execution service,
// bounded by the per-execution parallelism slots.
func (e *Engine) runAssignment(es *execState, assignmentID string, binding team.RoleBinding) {
	select {
	case es.slots <- struct{}{}:
	case <-es.done:
		return
	}
	defer func() { <-es.slots }()

	es.mu.Lock()
	a, ok := es.assignments[assignmentID]
	if !ok || a.Status != AssignmentAssigned {
		es.mu.Unlock()
		return
	}
	a.Status = AssignmentInProgress
	ss := es.exec.Steps[a.StepID]
	ss.record(StepInProgress, "")
	req := &runner.Request{
		WorkerID:        binding.WorkerID,
		Role:            binding.Role.Name,
		Capabilities:    binding.Role.Capabilities,
		Instructions:    binding.Role.Instructions,
		TaskDescription: es.taskDescriptionLocked(ss.Step),
		Context:         es.store.Snapshot(),
	}
	es.mu.Unlock()

	res, err := e.run.Execute(context.Background(), req)

	es.mu.Lock()
	defer es.mu.Unlock()
	if a.Status != AssignmentInProgress {
		// Deadline already failed this assignment; late result discarded.
		e.logger.Debug("late completion discarded",
			zap.String("assignment", a.ID), zap.String("step", a.StepID))
		return
	}
	if err != nil {
		e.failAssignmentLocked(es, a, err.Error())
		return
	}
	e.completeAssignmentLocked(es, a, res.Output, res.SelfScore)
}

func (es *execState) taskDescriptionLocked(s Step) string {
	if s.Description == "" {
		return es.exec.Config.TaskDescription
	}
	return s.Description + "\n\nOverall task: " + es.exec.Config.TaskDescription
}

// expireAssignment handles a soft deadline firing.
func (e *Engine) expireAssignment(es *execState, assignmentID string) {
	es.mu.Lock()
	defer es.mu.Unlock()
	a, ok := es.assignments[assignmentID]
	if !ok || (a.Status != AssignmentAssigned && a.Status != AssignmentInProgress) {
		return
	}
	if es.exec.Status.Terminal() {
		return
	}
	e.failAssignmentLocked(es, a, "deadline expired")
}

// failAssignmentLocked marks an assignment failed and applies the step's
// failure policy. Caller holds es.mu.
func (e *Engine) failAssignmentLocked(es *execState, a *Assignment, reason string) {
	a.Status = AssignmentFailed
	es.load[a.WorkerID]--
	ss := es.exec.Steps[a.StepID]
	ss.record(StepFailed, reason)
	e.logger.Warn("assignment failed",
		zap.String("execution", es.exec.ID),
		zap.String("step", a.StepID),
		zap.String("worker", a.WorkerID),
		zap.String("reason", reason))
	e.applyPolicyLocked(es, ss, reason)
}

// applyPolicyLocked reacts to a failed step according to its policy.
// Caller holds es.mu.
func (e *Engine) applyPolicyLocked(es *execState, ss *StepState, reason string) {
	policy := ss.Step.FailurePolicy
	if policy == "" {
		policy = PolicyRetry
	}

	switch policy {
	case PolicyRetry:
		if ss.Attempt < e.cfg.MaxRetries {
			backoff := e.cfg.RetryBackoff.Duration()
			if ss.Attempt > 1 {
				backoff <<= ss.Attempt - 1
			}
			e.logger.Info("step retry scheduled",
				zap.String("execution", es.exec.ID),
				zap.String("step", ss.Step.ID),
				zap.Int("attempt", ss.Attempt),
				zap.Duration("backoff", backoff))
			stepID := ss.Step.ID
			es.retryPending[stepID] = true
			time.AfterFunc(backoff, func() {
				e.retryStep(es, stepID)
			})
			return
		}
		e.finishLocked(es, ExecFailed,
			fmt.Sprintf("step %s failed after %d attempts: %s", ss.Step.ID, ss.Attempt, reason))

	case PolicySkip:
		ss.Skipped = true
		ss.Output = ""
		ss.record(StepCompleted, "skipped after failure")
		now := time.Now()
		ss.Finished = &now
		es.exec.Degraded = true
		e.onStepSettledLocked(es)

	case PolicyAbort:
		e.finishLocked(es, ExecFailed,
			fmt.Sprintf("step %s aborted execution: %s", ss.Step.ID, reason))

	case PolicyEscalate:
		es.exec.Status = ExecPaused
		e.logger.Warn("execution escalated",
			zap.String("execution", es.exec.ID),
			zap.String("step", ss.Step.ID))
		if es.bus != nil {
			deadline := time.Now().Add(30 * time.Minute)
			_, err := es.bus.Send(context.Background(), comms.SendRequest{
				Sender:           team.CoordinatorID,
				Recipients:       []string{comms.Broadcast},
				Type:             comms.TypeRequest,
				Content:          fmt.Sprintf("step %s failed and needs intervention: %s", ss.Step.ID, reason),
				Priority:         comms.PriorityUrgent,
				RequiresResponse: true,
				ResponseDeadline: &deadline,
			})
			if err != nil {
				e.logger.Warn("escalation broadcast failed", zap.Error(err))
			}
		}
	}
}

// retryStep re-emits an assignment for a failed step after its backoff.
func (e *Engine) retryStep(es *execState, stepID string) {
	es.mu.Lock()
	defer es.mu.Unlock()
	delete(es.retryPending, stepID)
	if es.exec.Status != ExecExecuting {
		return
	}
	ss, ok := es.exec.Steps[stepID]
	if !ok || ss.Status != StepFailed {
		return
	}
	ss.record(StepReady, "retry")
	e.dispatchStepLocked(es, ss)
}

// AssignStep manually assigns a ready step to a specific worker, bypassing
// automatic worker selection. The step's dependencies must be met.
func (e *Engine) AssignStep(executionID, stepID, workerID string) (*Assignment, error) {
	es, err := e.state(executionID)
	if err != nil {
		return nil, err
	}

	es.mu.Lock()
	defer es.mu.Unlock()

	if es.exec.Status != ExecExecuting {
		return nil, fault.New(fault.KindInvalidWorkflow, "execution %s is %s, not accepting assignments", executionID, es.exec.Status).
			WithRecovery("resume the execution before assigning steps")
	}
	ss, ok := es.exec.Steps[stepID]
	if !ok {
		return nil, fault.New(fault.KindAssignmentNotFound, "step %s not part of execution %s", stepID, executionID)
	}
	if !es.depsMetLocked(ss.Step) {
		return nil, fault.New(fault.KindStepDepsNotMet, "step %s has unmet dependencies", stepID).
			WithRecovery("complete the dependency steps first")
	}
	if ss.Status != StepBlocked && ss.Status != StepReady {
		return nil, fault.New(fault.KindStepDepsNotMet, "step %s is %s, not assignable", stepID, ss.Status)
	}

	var binding team.RoleBinding
	found := false
	for _, b := range es.team.Bindings {
		if b.WorkerID == workerID {
			binding, found = b, true
			break
		}
	}
	if !found {
		return nil, fault.New(fault.KindAssignmentNotFound, "worker %s not on team %s", workerID, es.team.ID)
	}
	if !binding.Role.HasCapabilities(ss.Step.RequiredCapabilities) {
		return nil, fault.New(fault.KindStepDepsNotMet, "worker %s lacks capabilities for step %s", workerID, stepID)
	}

	ss.record(StepReady, "manual assignment")
	est := ss.Step.EstimatedDuration.Duration()
	if est <= 0 {
		est = defaultEstimate
	}
	ss.Attempt++
	ss.Worker = workerID
	ss.record(StepAssigned, "manual")
	a := &Assignment{
		ID:          uuid.New().String(),
		ExecutionID: es.exec.ID,
		StepID:      stepID,
		WorkerID:    workerID,
		Priority:    comms.PriorityNormal,
		Deadline:    time.Now().Add(time.Duration(float64(est) * e.cfg.DeadlineOverhead)),
		Status:      AssignmentAssigned,
		Attempt:     ss.Attempt,
		CreatedAt:   time.Now(),
	}
	es.assignments[a.ID] = a
	es.load[workerID]++
	e.notifyAssignmentLocked(es, a)
	time.AfterFunc(time.Until(a.Deadline), func() { e.expireAssignment(es, a.ID) })
	if e.run != nil {
		go e.runAssignment(es, a.ID, binding)
	}
	return a, nil
}
