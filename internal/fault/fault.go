// Package fault defines the structured error vocabulary shared by the
// orchestration components and the API layer.
package fault

import "fmt"

// Kind classifies an orchestration error.
type Kind string

const (
	KindInvalidTeamConfig      Kind = "INVALID_TEAM_CONFIG"
	KindAgentInitFailed        Kind = "AGENT_INITIALIZATION_FAILED"
	KindTeamNotFound           Kind = "TEAM_NOT_FOUND"
	KindExecutionNotFound      Kind = "EXECUTION_NOT_FOUND"
	KindAssignmentNotFound     Kind = "ASSIGNMENT_NOT_FOUND"
	KindStepDepsNotMet         Kind = "STEP_DEPENDENCIES_NOT_MET"
	KindQualityGateFailed      Kind = "QUALITY_GATE_FAILED"
	KindWorkflowTimeout        Kind = "WORKFLOW_TIMEOUT"
	KindInvalidWorkflow        Kind = "INVALID_WORKFLOW_DEFINITION"
	KindInvalidCriteriaWeights Kind = "INVALID_CRITERIA_WEIGHTS"
	KindResponseNotRequired    Kind = "RESPONSE_NOT_REQUIRED"
	KindResponseDeadlinePassed Kind = "RESPONSE_DEADLINE_PASSED"
	KindConflict               Kind = "CONFLICT"
	KindCommunicationFailed    Kind = "COMMUNICATION_FAILED"
	KindCollaborationActive    Kind = "COLLABORATION_IN_PROGRESS"
)

// Error carries a machine-readable kind alongside the message so the API
// layer can map it to a status code and a suggested recovery action.
type Error struct {
	Kind     Kind   `json:"kind"`
	Message  string `json:"message"`
	Recovery string `json:"recovery,omitempty"`
	Err      error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a fault with a kind and formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a fault around an underlying error.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithRecovery attaches a suggested recovery action.
func (e *Error) WithRecovery(action string) *Error {
	e.Recovery = action
	return e
}

// KindOf extracts the kind from an error chain, or "" if it carries none.
func KindOf(err error) Kind {
	for err != nil {
		if f, ok := err.(*Error); ok {
			return f.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
