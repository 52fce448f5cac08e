package team

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/ensemble/internal/comms"
	"github.com/nidhogg/ensemble/internal/fault"
	"github.com/nidhogg/ensemble/internal/sharedctx"
	"go.uber.org/zap"
)

// CoordinatorID is the bus identity used by the registry and the workflow
// engine when they address a team's workers.
const CoordinatorID = "coordinator"

// CreateRequest carries the parameters of a CreateTeam call.
type CreateRequest struct {
	Name  string        `json:"team_name"`
	Type  Type          `json:"team_type"`
	Roles []RoleRequest `json:"agent_roles"`
}

// RoleRequest names one role binding. WorkerID is optional; a stable ID
// is derived from the role kind when absent.
type RoleRequest struct {
	Kind     RoleKind `json:"kind"`
	WorkerID string   `json:"worker_id,omitempty"`
}

// Problem is a single validation finding. Validation collects every
// problem instead of stopping at the first.
type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Registry owns all teams in the process. It is constructed once and
// passed by reference to the scheduler, engine, and API layer.
type Registry struct {
	roles    *RoleRegistry
	mu       sync.RWMutex
	teams    map[string]*Team
	contexts map[string]*sharedctx.Store
	buses    map[string]*comms.Bus
	relay    comms.Relay
	logger   *zap.Logger
}

// NewRegistry creates an empty team registry.
func NewRegistry(roles *RoleRegistry, logger *zap.Logger) *Registry {
	return &Registry{
		roles:    roles,
		teams:    make(map[string]*Team),
		contexts: make(map[string]*sharedctx.Store),
		buses:    make(map[string]*comms.Bus),
		logger:   logger,
	}
}

// Roles exposes the role registry.
func (r *Registry) Roles() *RoleRegistry { return r.roles }

// SetRelay attaches an external message relay to every team bus
// allocated from now on.
func (r *Registry) SetRelay(relay comms.Relay) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relay = relay
}

// validate collects every problem with a create request.
func (r *Registry) validate(req CreateRequest) []Problem {
	var problems []Problem
	if strings.TrimSpace(req.Name) == "" {
		problems = append(problems, Problem{Field: "team_name", Message: "team name is required"})
	}
	switch req.Type {
	case TypeResearch, TypeContentCreation, TypeProblemSolving:
	default:
		problems = append(problems, Problem{Field: "team_type",
			Message: fmt.Sprintf("unknown team type %q", req.Type)})
	}
	if len(req.Roles) < MinRoles || len(req.Roles) > MaxRoles {
		problems = append(problems, Problem{Field: "agent_roles",
			Message: fmt.Sprintf("team must have between %d and %d roles, got %d", MinRoles, MaxRoles, len(req.Roles))})
	}
	seen := make(map[RoleKind]bool, len(req.Roles))
	for i, role := range req.Roles {
		if seen[role.Kind] {
			problems = append(problems, Problem{
				Field:   fmt.Sprintf("agent_roles[%d]", i),
				Message: fmt.Sprintf("duplicate role %q", role.Kind),
			})
			continue
		}
		seen[role.Kind] = true
		if _, ok := r.roles.Get(role.Kind); !ok {
			problems = append(problems, Problem{
				Field:   fmt.Sprintf("agent_roles[%d]", i),
				Message: fmt.Sprintf("role %q not registered", role.Kind),
			})
		}
	}
	return problems
}

// Create validates and registers a new team. The team starts inactive;
// no resources are allocated until activation, so a rejected request has
// no side effects.
func (r *Registry) Create(req CreateRequest) (*Team, error) {
	if problems := r.validate(req); len(problems) > 0 {
		msgs := make([]string, len(problems))
		for i, p := range problems {
			msgs[i] = p.Field + ": " + p.Message
		}
		return nil, fault.New(fault.KindInvalidTeamConfig, "%s", strings.Join(msgs, "; ")).
			WithRecovery("fix the listed fields and resubmit")
	}

	t := &Team{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Type:      req.Type,
		Status:    StatusInactive,
		CreatedAt: time.Now(),
	}
	workers := make(map[string]bool, len(req.Roles))
	for _, role := range req.Roles {
		def, ok := r.roles.Get(role.Kind)
		if !ok {
			return nil, fault.New(fault.KindAgentInitFailed, "role %s vanished from the registry", role.Kind)
		}
		workerID := role.WorkerID
		if workerID == "" {
			workerID = string(role.Kind) + "-" + t.ID[:8]
		}
		// Worker IDs are bus identities; a collision would merge two
		// agents' inboxes.
		if workerID == CoordinatorID {
			return nil, fault.New(fault.KindAgentInitFailed, "worker id %q is reserved for the coordinator", workerID).
				WithRecovery("choose a different worker_id")
		}
		if workers[workerID] {
			return nil, fault.New(fault.KindAgentInitFailed, "worker id %q bound to more than one role", workerID).
				WithRecovery("give each role a distinct worker_id")
		}
		workers[workerID] = true
		t.Bindings = append(t.Bindings, RoleBinding{WorkerID: workerID, Role: def})
	}

	r.mu.Lock()
	r.teams[t.ID] = t
	r.mu.Unlock()

	r.logger.Info("team created",
		zap.String("id", t.ID),
		zap.String("name", t.Name),
		zap.String("type", string(t.Type)),
		zap.Int("roles", len(t.Bindings)))
	return t, nil
}

// Get returns a team by ID.
func (r *Registry) Get(id string) (*Team, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.teams[id]
	if !ok {
		return nil, fault.New(fault.KindTeamNotFound, "team %s not found", id)
	}
	return t, nil
}

// List returns all registered teams.
func (r *Registry) List() []*Team {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Team, 0, len(r.teams))
	for _, t := range r.teams {
		out = append(out, t)
	}
	return out
}

// UpdateStatus moves a team through its lifecycle. Activation allocates
// the team's shared context and communication bus scope.
func (r *Registry) UpdateStatus(id string, next Status) (*Team, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.teams[id]
	if !ok {
		return nil, fault.New(fault.KindTeamNotFound, "team %s not found", id)
	}
	if !CanTransition(t.Status, next) {
		return nil, fault.New(fault.KindInvalidTeamConfig,
			"illegal team transition %s -> %s", t.Status, next)
	}

	t.Status = next
	if next == StatusActive && r.buses[id] == nil {
		r.allocateLocked(t)
	}
	r.logger.Info("team status changed",
		zap.String("id", id),
		zap.String("status", string(next)))
	return t, nil
}

// allocateLocked provisions the bus and shared context for an activating
// team. Caller holds the write lock.
func (r *Registry) allocateLocked(t *Team) {
	store := sharedctx.New(t.ID, r.logger)
	bus := comms.NewBus(t.ID, r.logger)
	if r.relay != nil {
		bus.SetRelay(r.relay)
	}
	bus.Register(CoordinatorID)
	for _, b := range t.Bindings {
		bus.Register(b.WorkerID)
		store.MustWrite("worker_"+b.WorkerID+"_role", string(b.Role.Kind), CoordinatorID)
	}
	r.contexts[t.ID] = store
	r.buses[t.ID] = bus
}

// Context returns a team's shared context store, allocated on activation.
func (r *Registry) Context(teamID string) (*sharedctx.Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.contexts[teamID]
	if !ok {
		return nil, fault.New(fault.KindTeamNotFound, "team %s has no shared context (not active)", teamID)
	}
	return s, nil
}

// Bus returns a team's communication bus, allocated on activation.
func (r *Registry) Bus(teamID string) (*comms.Bus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.buses[teamID]
	if !ok {
		return nil, fault.New(fault.KindTeamNotFound, "team %s has no bus (not active)", teamID)
	}
	return b, nil
}

// Teardown removes a team and releases its resources.
func (r *Registry) Teardown(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.teams[id]; !ok {
		return fault.New(fault.KindTeamNotFound, "team %s not found", id)
	}
	delete(r.teams, id)
	delete(r.contexts, id)
	delete(r.buses, id)
	r.logger.Info("team torn down", zap.String("id", id))
	return nil
}
