package team

import (
	"sort"
	"sync"

	"github.com/nidhogg/ensemble/internal/fault"
)

// RoleKind identifies a worker specialization. The set is closed by default
// but extensible through the RoleRegistry.
type RoleKind string

const (
	RoleResearcher               RoleKind = "researcher"
	RoleAnalyst                  RoleKind = "analyst"
	RoleSynthesizer              RoleKind = "synthesizer"
	RoleWriter                   RoleKind = "writer"
	RoleEditor                   RoleKind = "editor"
	RoleReviewer                 RoleKind = "reviewer"
	RoleProblemAnalyzer          RoleKind = "problem_analyzer"
	RoleSolutionStrategist       RoleKind = "solution_strategist"
	RoleImplementationSpecialist RoleKind = "implementation_specialist"
)

// RoleDefinition binds a role kind to its fixed capability set and the
// instruction payload handed through to the execution service.
type RoleDefinition struct {
	Kind         RoleKind `json:"kind"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
	Instructions string   `json:"instructions"`
}

// HasCapabilities reports whether the role's capability set is a superset
// of the required capabilities.
func (d RoleDefinition) HasCapabilities(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range d.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// RoleRegistry resolves role kinds to definitions. Constructed once per
// process and passed by reference; no package-level mutable state.
type RoleRegistry struct {
	mu    sync.RWMutex
	roles map[RoleKind]RoleDefinition
}

// NewRoleRegistry creates a registry preloaded with the standard roles.
func NewRoleRegistry() *RoleRegistry {
	r := &RoleRegistry{roles: make(map[RoleKind]RoleDefinition)}
	for _, def := range builtinRoles {
		r.roles[def.Kind] = def
	}
	return r
}

// Register adds a custom role definition.
func (r *RoleRegistry) Register(def RoleDefinition) error {
	if def.Kind == "" || len(def.Capabilities) == 0 {
		return fault.New(fault.KindInvalidTeamConfig, "role definition needs a kind and at least one capability")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.roles[def.Kind]; exists {
		return fault.New(fault.KindInvalidTeamConfig, "role %s already registered", def.Kind)
	}
	r.roles[def.Kind] = def
	return nil
}

// Get resolves a role kind.
func (r *RoleRegistry) Get(kind RoleKind) (RoleDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.roles[kind]
	return def, ok
}

// List returns all definitions ordered by kind.
func (r *RoleRegistry) List() []RoleDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]RoleDefinition, 0, len(r.roles))
	for _, d := range r.roles {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Kind < defs[j].Kind })
	return defs
}

// RolesForTeamType returns the recommended roles for a collaboration pattern.
func (r *RoleRegistry) RolesForTeamType(t Type) []RoleDefinition {
	kinds, ok := defaultRolesByType[t]
	if !ok {
		return nil
	}
	defs := make([]RoleDefinition, 0, len(kinds))
	for _, k := range kinds {
		if d, found := r.Get(k); found {
			defs = append(defs, d)
		}
	}
	return defs
}

var defaultRolesByType = map[Type][]RoleKind{
	TypeResearch:        {RoleResearcher, RoleAnalyst, RoleSynthesizer},
	TypeContentCreation: {RoleWriter, RoleEditor, RoleReviewer},
	TypeProblemSolving:  {RoleProblemAnalyzer, RoleSolutionStrategist, RoleImplementationSpecialist},
}

var builtinRoles = []RoleDefinition{
	{
		Kind:         RoleResearcher,
		Name:         "Researcher",
		Description:  "Gathers and validates information from multiple sources",
		Capabilities: []string{"web_search", "source_validation", "fact_checking"},
		Instructions: "You are a research specialist. Gather comprehensive information on the given topic. Focus on accuracy, relevance, and credible sources.",
	},
	{
		Kind:         RoleAnalyst,
		Name:         "Analyst",
		Description:  "Analyzes data and identifies patterns",
		Capabilities: []string{"data_analysis", "pattern_recognition", "statistical_analysis"},
		Instructions: "You are a data analyst. Examine research findings, identify patterns, validate information, and provide analytical insights.",
	},
	{
		Kind:         RoleSynthesizer,
		Name:         "Synthesizer",
		Description:  "Combines findings into coherent conclusions",
		Capabilities: []string{"information_synthesis", "report_generation", "conclusion_drawing"},
		Instructions: "You are a synthesis specialist. Combine findings from multiple sources into coherent, well-structured conclusions.",
	},
	{
		Kind:         RoleWriter,
		Name:         "Writer",
		Description:  "Creates engaging, well-structured content",
		Capabilities: []string{"content_creation", "storytelling", "audience_adaptation"},
		Instructions: "You are a content writer. Create engaging, well-structured content based on research and requirements.",
	},
	{
		Kind:         RoleEditor,
		Name:         "Editor",
		Description:  "Refines and improves content quality",
		Capabilities: []string{"content_editing", "style_improvement", "quality_assurance"},
		Instructions: "You are a content editor. Review, refine, and improve content quality, structure, and style.",
	},
	{
		Kind:         RoleReviewer,
		Name:         "Reviewer",
		Description:  "Reviews quality and provides feedback",
		Capabilities: []string{"quality_assessment", "feedback_generation", "standards_compliance"},
		Instructions: "You are a quality reviewer. Ensure content meets standards and requirements.",
	},
	{
		Kind:         RoleProblemAnalyzer,
		Name:         "Problem Analyzer",
		Description:  "Breaks down complex problems",
		Capabilities: []string{"problem_decomposition", "root_cause_analysis", "systems_thinking"},
		Instructions: "You are a problem analysis specialist. Break down complex problems into manageable components and identify key factors.",
	},
	{
		Kind:         RoleSolutionStrategist,
		Name:         "Solution Strategist",
		Description:  "Develops strategic solution approaches",
		Capabilities: []string{"strategy_development", "solution_design", "option_evaluation"},
		Instructions: "You are a solution strategist. Develop strategic approaches and solution alternatives. Focus on feasibility.",
	},
	{
		Kind:         RoleImplementationSpecialist,
		Name:         "Implementation Specialist",
		Description:  "Creates actionable implementation plans",
		Capabilities: []string{"implementation_planning", "resource_allocation", "execution_strategy"},
		Instructions: "You are an implementation specialist. Create actionable plans and implementation strategies.",
	},
}
