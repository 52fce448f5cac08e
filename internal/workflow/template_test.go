package workflow

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/ensemble/internal/config"
	"github.com/nidhogg/ensemble/internal/fault"
)

func step(id string, deps ...string) Step {
	return Step{
		ID:                   id,
		Name:                 id,
		RequiredCapabilities: []string{"data_analysis"},
		EstimatedDuration:    config.Duration(time.Minute),
		Dependencies:         deps,
		FailurePolicy:        PolicyRetry,
	}
}

func TestCreateTemplate(t *testing.T) {
	l := NewLibrary(zap.NewNop())
	tmpl, vs, err := l.Create(CreateTemplateRequest{
		Name:  "pipeline",
		Type:  TypeSequential,
		Steps: []Step{step("a"), step("b", "a"), step("c", "b")},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !vs.IsValid || len(vs.Errors) != 0 {
		t.Fatalf("valid template flagged: %+v", vs)
	}
	got, err := l.Get(tmpl.ID)
	if err != nil || got.Name != "pipeline" {
		t.Fatalf("get: %v %v", got, err)
	}
}

func TestCyclicDependenciesRejected(t *testing.T) {
	l := NewLibrary(zap.NewNop())
	_, vs, err := l.Create(CreateTemplateRequest{
		Name:  "loop",
		Type:  TypeSequential,
		Steps: []Step{step("a", "b"), step("b", "a")},
	})
	if fault.KindOf(err) != fault.KindInvalidWorkflow {
		t.Fatalf("got %v, want %s", err, fault.KindInvalidWorkflow)
	}
	if vs.IsValid {
		t.Fatal("cyclic template reported valid")
	}
	found := false
	for _, e := range vs.Errors {
		if e == "dependency graph contains a cycle" {
			found = true
		}
	}
	if !found {
		t.Fatalf("cycle not reported: %v", vs.Errors)
	}
	if len(l.List()) != 0 {
		t.Fatal("invalid template was stored")
	}
}

func TestDanglingDependencyRejected(t *testing.T) {
	l := NewLibrary(zap.NewNop())
	_, vs, err := l.Create(CreateTemplateRequest{
		Name:  "dangling",
		Type:  TypeSequential,
		Steps: []Step{step("a", "ghost")},
	})
	if err == nil || vs.IsValid {
		t.Fatalf("dangling dependency accepted: %+v", vs)
	}
}

func TestSelfDependencyRejected(t *testing.T) {
	l := NewLibrary(zap.NewNop())
	_, vs, _ := l.Create(CreateTemplateRequest{
		Name:  "selfloop",
		Type:  TypeSequential,
		Steps: []Step{step("a", "a")},
	})
	if vs.IsValid {
		t.Fatal("self dependency accepted")
	}
}

func TestDuplicateStepIDRejected(t *testing.T) {
	l := NewLibrary(zap.NewNop())
	_, vs, _ := l.Create(CreateTemplateRequest{
		Name:  "dupes",
		Type:  TypeSequential,
		Steps: []Step{step("a"), step("a")},
	})
	if vs.IsValid {
		t.Fatal("duplicate step id accepted")
	}
}

func TestGateValidation(t *testing.T) {
	l := NewLibrary(zap.NewNop())
	_, vs, _ := l.Create(CreateTemplateRequest{
		Name:  "gates",
		Type:  TypeSequential,
		Steps: []Step{step("a")},
		Gates: []QualityGate{
			{ID: "g1", AfterStep: "ghost", MinScore: 0.8},
			{ID: "g2", AfterStep: "a", MinScore: 1.5},
		},
	})
	if vs.IsValid {
		t.Fatal("bad gates accepted")
	}
	if len(vs.Errors) != 2 {
		t.Fatalf("got %d errors, want 2: %v", len(vs.Errors), vs.Errors)
	}
}

func TestValidationWarnings(t *testing.T) {
	l := NewLibrary(zap.NewNop())
	_, vs, err := l.Create(CreateTemplateRequest{
		Name: "loose",
		Type: TypeSequential,
		Steps: []Step{{
			ID:            "a",
			Name:          "a",
			FailurePolicy: PolicyRetry,
		}},
	})
	if err != nil {
		t.Fatalf("warnings should not reject: %v", err)
	}
	if len(vs.Warnings) != 2 {
		t.Fatalf("got %d warnings, want 2: %v", len(vs.Warnings), vs.Warnings)
	}
}

func TestUnknownFailurePolicyRejected(t *testing.T) {
	l := NewLibrary(zap.NewNop())
	s := step("a")
	s.FailurePolicy = "shrug"
	_, vs, _ := l.Create(CreateTemplateRequest{Name: "p", Type: TypeSequential, Steps: []Step{s}})
	if vs.IsValid {
		t.Fatal("unknown failure policy accepted")
	}
}

func TestProblemSolvingTemplateShape(t *testing.T) {
	req := BuildProblemSolving(nil, 0.8)
	l := NewLibrary(zap.NewNop())
	tmpl, vs, err := l.Create(req)
	if err != nil || !vs.IsValid {
		t.Fatalf("problem-solving template invalid: %v %+v", err, vs)
	}

	// 1 analysis + 3 strategies + 1 evaluation + 3 plans + 1 recommendation
	if len(tmpl.Steps) != 9 {
		t.Fatalf("got %d steps, want 9", len(tmpl.Steps))
	}

	eval, ok := tmpl.Step(StepEvaluation)
	if !ok {
		t.Fatal("no evaluation step")
	}
	if len(eval.Dependencies) != 3 {
		t.Fatalf("evaluation depends on %d steps, want 3", len(eval.Dependencies))
	}
	for _, dep := range eval.Dependencies {
		if dep[:len(strategyPrefix)] != strategyPrefix {
			t.Fatalf("evaluation depends on non-strategy step %s", dep)
		}
	}

	for _, p := range DefaultPerspectives {
		plan, ok := tmpl.Step(planPrefix + p)
		if !ok {
			t.Fatalf("missing plan step for %s", p)
		}
		if len(plan.Dependencies) != 1 || plan.Dependencies[0] != StepEvaluation {
			t.Fatalf("plan %s deps: %v, want [evaluation]", p, plan.Dependencies)
		}
	}

	rec, _ := tmpl.Step(StepRecommendation)
	if len(rec.Dependencies) != 3 {
		t.Fatalf("recommendation depends on %d steps, want 3", len(rec.Dependencies))
	}

	if gate, ok := tmpl.Gate(StepAnalysis); !ok || gate.MinScore != 0.8 {
		t.Fatalf("analysis gate missing or wrong: %+v", gate)
	}
}
