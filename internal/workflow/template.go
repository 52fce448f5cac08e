package workflow

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/ensemble/internal/fault"
)

// CreateTemplateRequest is the payload for registering a workflow template.
type CreateTemplateRequest struct {
	Name  string        `json:"workflow_name"`
	Type  Type          `json:"workflow_type"`
	Steps []Step        `json:"steps"`
	Gates []QualityGate `json:"quality_gates"`
}

// Library stores validated workflow templates.
type Library struct {
	mu        sync.RWMutex
	templates map[string]*Template
	logger    *zap.Logger
}

// NewLibrary creates an empty template library.
func NewLibrary(logger *zap.Logger) *Library {
	return &Library{
		templates: make(map[string]*Template),
		logger:    logger,
	}
}

// Create validates and registers a template. The validation status always
// carries the full error and warning lists; a template is only stored when
// it is valid.
func (l *Library) Create(req CreateTemplateRequest) (*Template, ValidationStatus, error) {
	vs := validate(req)
	if !vs.IsValid {
		return nil, vs, fault.New(fault.KindInvalidWorkflow, "workflow %q rejected: %v", req.Name, vs.Errors).
			WithRecovery("fix the listed definition errors and resubmit")
	}

	t := &Template{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Type:      req.Type,
		Steps:     req.Steps,
		Gates:     req.Gates,
		CreatedAt: time.Now(),
	}

	l.mu.Lock()
	l.templates[t.ID] = t
	l.mu.Unlock()

	l.logger.Info("workflow template registered",
		zap.String("id", t.ID),
		zap.String("name", t.Name),
		zap.Int("steps", len(t.Steps)),
		zap.Strings("warnings", vs.Warnings))
	return t, vs, nil
}

// Register stores an already-built template, validating it first.
func (l *Library) Register(t *Template) (ValidationStatus, error) {
	vs := validate(CreateTemplateRequest{Name: t.Name, Type: t.Type, Steps: t.Steps, Gates: t.Gates})
	if !vs.IsValid {
		return vs, fault.New(fault.KindInvalidWorkflow, "workflow %q rejected: %v", t.Name, vs.Errors)
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	l.mu.Lock()
	l.templates[t.ID] = t
	l.mu.Unlock()
	return vs, nil
}

// Get resolves a template by id.
func (l *Library) Get(id string) (*Template, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.templates[id]
	if !ok {
		return nil, fault.New(fault.KindExecutionNotFound, "workflow template %s not found", id)
	}
	return t, nil
}

// List returns all templates ordered by creation time.
func (l *Library) List() []*Template {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Template, 0, len(l.templates))
	for _, t := range l.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func validate(req CreateTemplateRequest) ValidationStatus {
	vs := ValidationStatus{}

	if req.Name == "" {
		vs.Errors = append(vs.Errors, "workflow_name is required")
	}
	if len(req.Steps) == 0 {
		vs.Errors = append(vs.Errors, "workflow needs at least one step")
	}

	steps := make(map[string]Step, len(req.Steps))
	for _, s := range req.Steps {
		if s.ID == "" {
			vs.Errors = append(vs.Errors, "step with empty id")
			continue
		}
		if _, dup := steps[s.ID]; dup {
			vs.Errors = append(vs.Errors, fmt.Sprintf("duplicate step id %q", s.ID))
			continue
		}
		steps[s.ID] = s
		if len(s.RequiredCapabilities) == 0 {
			vs.Warnings = append(vs.Warnings, fmt.Sprintf("step %q declares no required capabilities, any worker qualifies", s.ID))
		}
		if s.EstimatedDuration.Duration() <= 0 {
			vs.Warnings = append(vs.Warnings, fmt.Sprintf("step %q has no estimated duration, deadline defaults apply", s.ID))
		}
		switch s.FailurePolicy {
		case PolicyRetry, PolicySkip, PolicyAbort, PolicyEscalate, "":
		default:
			vs.Errors = append(vs.Errors, fmt.Sprintf("step %q has unknown failure policy %q", s.ID, s.FailurePolicy))
		}
	}

	// Dangling dependencies
	for _, s := range req.Steps {
		for _, dep := range s.Dependencies {
			if _, ok := steps[dep]; !ok {
				vs.Errors = append(vs.Errors, fmt.Sprintf("step %q depends on unknown step %q", s.ID, dep))
			}
			if dep == s.ID {
				vs.Errors = append(vs.Errors, fmt.Sprintf("step %q depends on itself", s.ID))
			}
		}
	}

	// Cycle detection, three-color DFS
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, dep := range steps[id].Dependencies {
			if _, ok := steps[dep]; !ok {
				continue
			}
			switch color[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}
	for id := range steps {
		if color[id] == white && visit(id) {
			vs.Errors = append(vs.Errors, "dependency graph contains a cycle")
			break
		}
	}

	for _, g := range req.Gates {
		if _, ok := steps[g.AfterStep]; !ok {
			vs.Errors = append(vs.Errors, fmt.Sprintf("quality gate %q references unknown step %q", g.ID, g.AfterStep))
		}
		if g.MinScore < 0 || g.MinScore > 1 {
			vs.Errors = append(vs.Errors, fmt.Sprintf("quality gate %q min score %v outside [0,1]", g.ID, g.MinScore))
		}
	}

	vs.IsValid = len(vs.Errors) == 0
	return vs
}
