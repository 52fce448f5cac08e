package workflow

import (
	"time"

	"github.com/nidhogg/ensemble/internal/comms"
	"github.com/nidhogg/ensemble/internal/config"
)

// Type is a workflow category.
type Type string

const (
	TypeSequential     Type = "sequential"
	TypeParallel       Type = "parallel"
	TypeProblemSolving Type = "problem_solving"
)

// ExecStatus is a workflow execution lifecycle state.
type ExecStatus string

const (
	ExecPending   ExecStatus = "pending"
	ExecExecuting ExecStatus = "executing"
	ExecPaused    ExecStatus = "paused"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecStatus) Terminal() bool {
	return s == ExecCompleted || s == ExecFailed
}

// StepStatus tracks a single step inside an execution.
type StepStatus string

const (
	StepBlocked    StepStatus = "blocked"
	StepReady      StepStatus = "ready"
	StepAssigned   StepStatus = "assigned"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// AssignmentStatus tracks a task assignment.
type AssignmentStatus string

const (
	AssignmentAssigned   AssignmentStatus = "assigned"
	AssignmentInProgress AssignmentStatus = "in_progress"
	AssignmentCompleted  AssignmentStatus = "completed"
	AssignmentFailed     AssignmentStatus = "failed"
)

// FailurePolicy says what happens when a step fails.
type FailurePolicy string

const (
	PolicyRetry    FailurePolicy = "retry"
	PolicySkip     FailurePolicy = "skip"
	PolicyAbort    FailurePolicy = "abort"
	PolicyEscalate FailurePolicy = "escalate"
)

// Step is one unit of a workflow template.
type Step struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	RequiredCapabilities []string        `json:"required_capabilities"`
	Description          string          `json:"description"`
	EstimatedDuration    config.Duration `json:"estimated_duration"`
	Dependencies         []string        `json:"dependencies"`
	SuccessCriteria      string          `json:"success_criteria,omitempty"`
	FailurePolicy        FailurePolicy   `json:"failure_policy"`
	Priority             comms.Priority  `json:"priority,omitempty"`
}

// QualityGate is a minimum-score checkpoint after a step.
type QualityGate struct {
	ID        string  `json:"id"`
	AfterStep string  `json:"after_step"`
	MinScore  float64 `json:"min_score"`
}

// Template is a reusable workflow definition.
type Template struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Type      Type          `json:"type"`
	Steps     []Step        `json:"steps"`
	Gates     []QualityGate `json:"quality_gates"`
	CreatedAt time.Time     `json:"created_at"`
}

// Gate returns the quality gate attached after a step, if any.
func (t *Template) Gate(stepID string) (QualityGate, bool) {
	for _, g := range t.Gates {
		if g.AfterStep == stepID {
			return g, true
		}
	}
	return QualityGate{}, false
}

// Step returns the step with the given id.
func (t *Template) Step(id string) (Step, bool) {
	for _, s := range t.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// ValidationStatus is the outcome of template validation.
type ValidationStatus struct {
	IsValid  bool     `json:"is_valid"`
	Warnings []string `json:"warnings"`
	Errors   []string `json:"errors"`
}

// StepEvent is one entry in a step's history.
type StepEvent struct {
	At     time.Time  `json:"at"`
	Status StepStatus `json:"status"`
	Detail string     `json:"detail,omitempty"`
}

// StepState is the live status of a step within an execution.
type StepState struct {
	Step     Step        `json:"step"`
	Status   StepStatus  `json:"status"`
	Attempt  int         `json:"attempt"`
	Worker   string      `json:"worker,omitempty"`
	Output   string      `json:"output,omitempty"`
	Score    float64     `json:"score"`
	Skipped  bool        `json:"skipped,omitempty"`
	History  []StepEvent `json:"history"`
	Finished *time.Time  `json:"finished,omitempty"`
}

func (ss *StepState) record(status StepStatus, detail string) {
	ss.Status = status
	ss.History = append(ss.History, StepEvent{At: time.Now(), Status: status, Detail: detail})
}

// Assignment is a scheduled unit of work handed to a worker.
type Assignment struct {
	ID          string           `json:"id"`
	ExecutionID string           `json:"execution_id"`
	StepID      string           `json:"step_id"`
	WorkerID    string           `json:"worker_id"`
	Priority    comms.Priority   `json:"priority"`
	Deadline    time.Time        `json:"deadline"`
	Status      AssignmentStatus `json:"status"`
	Attempt     int              `json:"attempt"`
	CreatedAt   time.Time        `json:"created_at"`
}

// ExecutionConfig carries per-execution constraints from the caller.
type ExecutionConfig struct {
	TaskDescription  string                 `json:"task_description"`
	ExpectedOutput   string                 `json:"expected_output,omitempty"`
	Context          map[string]interface{} `json:"context,omitempty"`
	MaxDuration      config.Duration        `json:"max_duration,omitempty"`
	QualityThreshold float64                `json:"quality_threshold,omitempty"`
	MaxParallelism   int                    `json:"max_parallelism,omitempty"`
}

// Progress summarizes how far an execution has come.
type Progress struct {
	CompletedTasks       int     `json:"completed_tasks"`
	TotalTasks           int     `json:"total_tasks"`
	CompletionPercentage float64 `json:"completion_percentage"`
}

// Contribution is one worker's share of the final result.
type Contribution struct {
	WorkerID string  `json:"worker_id"`
	StepID   string  `json:"step_id"`
	Output   string  `json:"output"`
	Score    float64 `json:"score"`
}

// Result is the aggregated outcome of a finished execution.
type Result struct {
	Output             string         `json:"output"`
	QualityScore       float64        `json:"quality_score"`
	SuccessProbability float64        `json:"success_probability,omitempty"`
	Contributions      []Contribution `json:"contributions"`
}

// Execution is a running instance of a template bound to a team.
type Execution struct {
	ID         string                `json:"id"`
	TemplateID string                `json:"template_id"`
	TeamID     string                `json:"team_id"`
	Status     ExecStatus            `json:"status"`
	Steps      map[string]*StepState `json:"steps"`
	Config     ExecutionConfig       `json:"config"`
	Degraded   bool                  `json:"degraded"`
	Fault      string                `json:"fault,omitempty"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
	Result     *Result               `json:"result,omitempty"`
}

// Progress computes completion counters over the execution's steps.
func (e *Execution) Progress() Progress {
	p := Progress{TotalTasks: len(e.Steps)}
	for _, ss := range e.Steps {
		if ss.Status == StepCompleted {
			p.CompletedTasks++
		}
	}
	if p.TotalTasks > 0 {
		p.CompletionPercentage = float64(p.CompletedTasks) / float64(p.TotalTasks) * 100
	}
	return p
}
