package team

import (
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/ensemble/internal/fault"
)

func newTestRegistry() *Registry {
	return NewRegistry(NewRoleRegistry(), zap.NewNop())
}

func problemSolvingRequest() CreateRequest {
	return CreateRequest{
		Name: "solvers",
		Type: TypeProblemSolving,
		Roles: []RoleRequest{
			{Kind: RoleProblemAnalyzer},
			{Kind: RoleSolutionStrategist},
			{Kind: RoleImplementationSpecialist},
		},
	}
}

func TestCreateTeam(t *testing.T) {
	r := newTestRegistry()
	tm, err := r.Create(problemSolvingRequest())
	if err != nil {
		t.Fatalf("create team: %v", err)
	}
	if tm.Status != StatusInactive {
		t.Fatalf("got status %s, want %s", tm.Status, StatusInactive)
	}
	if len(tm.Bindings) != 3 {
		t.Fatalf("got %d bindings, want 3", len(tm.Bindings))
	}
	for _, b := range tm.Bindings {
		if b.WorkerID == "" {
			t.Fatalf("binding for role %s has empty worker id", b.Role.Kind)
		}
	}
}

func TestCreateTeamRoleBounds(t *testing.T) {
	r := newTestRegistry()

	_, err := r.Create(CreateRequest{
		Name:  "tiny",
		Type:  TypeResearch,
		Roles: []RoleRequest{{Kind: RoleResearcher}},
	})
	if fault.KindOf(err) != fault.KindInvalidTeamConfig {
		t.Fatalf("1 role: got %v, want %s", err, fault.KindInvalidTeamConfig)
	}

	_, err = r.Create(CreateRequest{
		Name: "huge",
		Type: TypeResearch,
		Roles: []RoleRequest{
			{Kind: RoleResearcher}, {Kind: RoleAnalyst}, {Kind: RoleSynthesizer},
			{Kind: RoleWriter}, {Kind: RoleEditor}, {Kind: RoleReviewer},
		},
	})
	if fault.KindOf(err) != fault.KindInvalidTeamConfig {
		t.Fatalf("6 roles: got %v, want %s", err, fault.KindInvalidTeamConfig)
	}
}

func TestCreateTeamDuplicateRole(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Create(CreateRequest{
		Name: "dupes",
		Type: TypeResearch,
		Roles: []RoleRequest{
			{Kind: RoleResearcher},
			{Kind: RoleResearcher},
			{Kind: RoleAnalyst},
		},
	})
	if fault.KindOf(err) != fault.KindInvalidTeamConfig {
		t.Fatalf("got %v, want %s", err, fault.KindInvalidTeamConfig)
	}
}

func TestCreateTeamWorkerIDCollisions(t *testing.T) {
	r := newTestRegistry()

	_, err := r.Create(CreateRequest{
		Name: "clash",
		Type: TypeProblemSolving,
		Roles: []RoleRequest{
			{Kind: RoleProblemAnalyzer, WorkerID: "shared"},
			{Kind: RoleSolutionStrategist, WorkerID: "shared"},
			{Kind: RoleImplementationSpecialist},
		},
	})
	if fault.KindOf(err) != fault.KindAgentInitFailed {
		t.Fatalf("duplicate worker id: got %v, want %s", err, fault.KindAgentInitFailed)
	}

	_, err = r.Create(CreateRequest{
		Name: "reserved",
		Type: TypeProblemSolving,
		Roles: []RoleRequest{
			{Kind: RoleProblemAnalyzer, WorkerID: CoordinatorID},
			{Kind: RoleSolutionStrategist},
			{Kind: RoleImplementationSpecialist},
		},
	})
	if fault.KindOf(err) != fault.KindAgentInitFailed {
		t.Fatalf("reserved worker id: got %v, want %s", err, fault.KindAgentInitFailed)
	}

	if len(r.List()) != 0 {
		t.Fatalf("rejected create left %d teams behind", len(r.List()))
	}
}

func TestCreateTeamCollectsAllProblems(t *testing.T) {
	r := newTestRegistry()
	problems := r.validate(CreateRequest{
		Name:  "",
		Type:  "underwater_basket_weaving",
		Roles: []RoleRequest{{Kind: RoleResearcher}},
	})
	if len(problems) != 3 {
		t.Fatalf("got %d problems, want 3: %v", len(problems), problems)
	}
}

func TestCreateTeamNoSideEffectsOnReject(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Create(CreateRequest{Name: "", Type: TypeResearch})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(r.List()) != 0 {
		t.Fatalf("rejected create left %d teams behind", len(r.List()))
	}
}

func TestStatusTransitions(t *testing.T) {
	r := newTestRegistry()
	tm, err := r.Create(problemSolvingRequest())
	if err != nil {
		t.Fatalf("create team: %v", err)
	}

	// inactive -> completed is illegal
	if _, err := r.UpdateStatus(tm.ID, StatusCompleted); err == nil {
		t.Fatal("inactive -> completed should fail")
	}

	if _, err := r.UpdateStatus(tm.ID, StatusActive); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := r.UpdateStatus(tm.ID, StatusPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := r.UpdateStatus(tm.ID, StatusActive); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := r.UpdateStatus(tm.ID, StatusCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := r.UpdateStatus(tm.ID, StatusActive); err == nil {
		t.Fatal("completed -> active should fail")
	}
}

func TestActivationAllocatesResources(t *testing.T) {
	r := newTestRegistry()
	tm, _ := r.Create(problemSolvingRequest())

	if _, err := r.Bus(tm.ID); err == nil {
		t.Fatal("bus should not exist before activation")
	}

	if _, err := r.UpdateStatus(tm.ID, StatusActive); err != nil {
		t.Fatalf("activate: %v", err)
	}

	bus, err := r.Bus(tm.ID)
	if err != nil {
		t.Fatalf("bus after activation: %v", err)
	}
	for _, b := range tm.Bindings {
		if !bus.Registered(b.WorkerID) {
			t.Fatalf("worker %s not registered on bus", b.WorkerID)
		}
	}
	if !bus.Registered(CoordinatorID) {
		t.Fatal("coordinator not registered on bus")
	}

	store, err := r.Context(tm.ID)
	if err != nil {
		t.Fatalf("context after activation: %v", err)
	}
	for _, b := range tm.Bindings {
		v, _ := store.Read("worker_" + b.WorkerID + "_role")
		if v != string(b.Role.Kind) {
			t.Fatalf("role key for %s: got %v, want %s", b.WorkerID, v, b.Role.Kind)
		}
	}
}

func TestTeardown(t *testing.T) {
	r := newTestRegistry()
	tm, _ := r.Create(problemSolvingRequest())
	r.UpdateStatus(tm.ID, StatusActive)

	if err := r.Teardown(tm.ID); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if _, err := r.Get(tm.ID); fault.KindOf(err) != fault.KindTeamNotFound {
		t.Fatalf("got %v, want %s", err, fault.KindTeamNotFound)
	}
}

func TestRoleCapabilityMatching(t *testing.T) {
	reg := NewRoleRegistry()
	def, ok := reg.Get(RoleProblemAnalyzer)
	if !ok {
		t.Fatal("problem_analyzer not registered")
	}
	if !def.HasCapabilities([]string{"problem_decomposition"}) {
		t.Fatal("analyzer should cover problem_decomposition")
	}
	if def.HasCapabilities([]string{"problem_decomposition", "content_editing"}) {
		t.Fatal("analyzer should not cover content_editing")
	}
}
