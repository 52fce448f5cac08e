package team

import "time"

// Type enumerates the supported collaboration patterns.
type Type string

const (
	TypeResearch        Type = "research"
	TypeContentCreation Type = "content_creation"
	TypeProblemSolving  Type = "problem_solving"
)

// Status tracks team lifecycle state.
type Status string

const (
	StatusInactive  Status = "inactive"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
)

// Team size bounds. Creation outside these fails validation.
const (
	MinRoles = 2
	MaxRoles = 5
)

// RoleBinding assigns a worker to a role within a team.
type RoleBinding struct {
	WorkerID string         `json:"worker_id"`
	Role     RoleDefinition `json:"role"`
}

// Team is a bound, ordered set of role→worker assignments collaborating
// under one workflow instance. Mutated only through Registry transitions.
type Team struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Type      Type          `json:"type"`
	Bindings  []RoleBinding `json:"bindings"`
	Status    Status        `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// Binding returns the binding for a role kind, if present.
func (t *Team) Binding(kind RoleKind) (RoleBinding, bool) {
	for _, b := range t.Bindings {
		if b.Role.Kind == kind {
			return b, true
		}
	}
	return RoleBinding{}, false
}

// WorkerIDs returns the team's worker IDs in binding order.
func (t *Team) WorkerIDs() []string {
	ids := make([]string, len(t.Bindings))
	for i, b := range t.Bindings {
		ids[i] = b.WorkerID
	}
	return ids
}

// legalTransitions is the team lifecycle transition set.
var legalTransitions = map[Status][]Status{
	StatusInactive: {StatusActive},
	StatusActive:   {StatusCompleted, StatusFailed, StatusPaused},
	StatusPaused:   {StatusActive},
}

// CanTransition reports whether moving from to next is legal.
func CanTransition(from, next Status) bool {
	for _, s := range legalTransitions[from] {
		if s == next {
			return true
		}
	}
	return false
}
