package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/ensemble/internal/config"
	"github.com/nidhogg/ensemble/internal/evaluate"
	"github.com/nidhogg/ensemble/internal/team"
)

// Fixed step ids of the problem-solving workflow.
const (
	StepAnalysis       = "analysis"
	StepEvaluation     = "evaluation"
	StepRecommendation = "recommendation"

	strategyPrefix = "strategy_"
	planPrefix     = "plan_"
)

// DefaultPerspectives are the strategy angles explored when the caller
// does not pick their own.
var DefaultPerspectives = []string{"technical", "business", "user_experience"}

// BuildProblemSolving produces the five-phase problem-solving template:
// one analysis step, one parallel strategy step per perspective, a single
// evaluation step over all strategies, one planning step per strategy and
// a final recommendation step.
func BuildProblemSolving(perspectives []string, qualityThreshold float64) CreateTemplateRequest {
	if len(perspectives) == 0 {
		perspectives = DefaultPerspectives
	}

	steps := []Step{{
		ID:                   StepAnalysis,
		Name:                 "Problem Analysis",
		RequiredCapabilities: []string{"problem_decomposition", "root_cause_analysis"},
		Description:          "Break the problem into components, identify root causes and risks.",
		EstimatedDuration:    config.Duration(3 * time.Minute),
		FailurePolicy:        PolicyRetry,
	}}

	var strategyIDs []string
	for _, p := range perspectives {
		id := strategyPrefix + p
		strategyIDs = append(strategyIDs, id)
		steps = append(steps, Step{
			ID:                   id,
			Name:                 "Strategy Generation (" + p + ")",
			RequiredCapabilities: []string{"strategy_development", "solution_design"},
			Description:          fmt.Sprintf("Develop a solution strategy from the %s perspective.", p),
			EstimatedDuration:    config.Duration(3 * time.Minute),
			Dependencies:         []string{StepAnalysis},
			FailurePolicy:        PolicyRetry,
		})
	}

	steps = append(steps, Step{
		ID:                   StepEvaluation,
		Name:                 "Strategy Evaluation",
		RequiredCapabilities: []string{"option_evaluation"},
		Description:          "Score each strategy on feasibility, impact, cost_efficiency and risk. Reply with JSON: {\"candidates\":[{\"id\":\"strategy_<perspective>\",\"scores\":{\"feasibility\":0.0,\"impact\":0.0,\"cost_efficiency\":0.0,\"risk\":0.0}}]}",
		EstimatedDuration:    config.Duration(2 * time.Minute),
		Dependencies:         strategyIDs,
		FailurePolicy:        PolicyRetry,
	})

	var planIDs []string
	for _, p := range perspectives {
		id := planPrefix + p
		planIDs = append(planIDs, id)
		steps = append(steps, Step{
			ID:                   id,
			Name:                 "Implementation Planning (" + p + ")",
			RequiredCapabilities: []string{"implementation_planning"},
			Description:          fmt.Sprintf("Create an actionable implementation plan for the %s strategy.", p),
			EstimatedDuration:    config.Duration(3 * time.Minute),
			Dependencies:         []string{StepEvaluation},
			FailurePolicy:        PolicyRetry,
		})
	}

	steps = append(steps, Step{
		ID:                   StepRecommendation,
		Name:                 "Recommendation Generation",
		RequiredCapabilities: []string{"strategy_development"},
		Description:          "Produce an executive summary and final recommendations from the ranked strategies and plans.",
		EstimatedDuration:    config.Duration(2 * time.Minute),
		Dependencies:         planIDs,
		FailurePolicy:        PolicyRetry,
	})

	return CreateTemplateRequest{
		Name:  "problem_solving",
		Type:  TypeProblemSolving,
		Steps: steps,
		Gates: []QualityGate{{
			ID:        "analysis_gate",
			AfterStep: StepAnalysis,
			MinScore:  qualityThreshold,
		}},
	}
}

// problemSolvingHookLocked reacts to phase transitions specific to the
// problem-solving workflow. Caller holds es.mu.
func (e *Engine) problemSolvingHookLocked(es *execState, ss *StepState) {
	switch ss.Step.ID {
	case StepEvaluation:
		e.rankStrategiesLocked(es, ss)
	case StepRecommendation:
		es.store.MustWrite("executive_summary", ss.Output, ss.Worker)
		es.store.MustWrite("success_probability", es.successProbabilityLocked(), ss.Worker)
		if insights := es.keyInsightsLocked(); len(insights) > 0 {
			es.store.MustWrite("key_insights", insights, ss.Worker)
		}
	}
}

// keyInsightsLocked collects the analysis output and the outputs of the
// ranked strategies, best first.
func (es *execState) keyInsightsLocked() []string {
	var insights []string
	if ss, ok := es.exec.Steps[StepAnalysis]; ok && ss.Status == StepCompleted && !ss.Skipped {
		insights = append(insights, ss.Output)
	}
	for _, ev := range es.rankings {
		if ss, ok := es.exec.Steps[ev.CandidateID]; ok && ss.Status == StepCompleted && !ss.Skipped {
			insights = append(insights, ss.Output)
		}
	}
	return insights
}

type evaluationReply struct {
	Candidates []struct {
		ID     string             `json:"id"`
		Scores map[string]float64 `json:"scores"`
	} `json:"candidates"`
}

// rankStrategiesLocked turns the evaluation step's output into ranked
// strategy evaluations. If the output does not carry per-criterion scores
// the strategies' self scores stand in for every criterion.
func (e *Engine) rankStrategiesLocked(es *execState, ss *StepState) {
	var reply evaluationReply
	var cands []evaluate.Candidate
	if err := json.Unmarshal([]byte(ss.Output), &reply); err == nil && len(reply.Candidates) > 0 {
		for _, c := range reply.Candidates {
			cands = append(cands, evaluate.Candidate{ID: c.ID, Scores: c.Scores})
		}
	} else {
		for _, s := range es.template.Steps {
			if len(s.ID) <= len(strategyPrefix) || s.ID[:len(strategyPrefix)] != strategyPrefix {
				continue
			}
			st := es.exec.Steps[s.ID]
			if st.Status != StepCompleted || st.Skipped {
				continue
			}
			cands = append(cands, evaluate.Candidate{ID: s.ID, Scores: map[string]float64{
				evaluate.CriterionFeasibility:    st.Score,
				evaluate.CriterionImpact:         st.Score,
				evaluate.CriterionCostEfficiency: st.Score,
				evaluate.CriterionRisk:           1 - st.Score,
			}})
		}
	}

	if len(cands) == 0 {
		e.logger.Warn("no strategies to evaluate", zap.String("execution", es.exec.ID))
		return
	}

	evals, err := e.eval.Evaluate(cands, evaluate.DefaultCriteria())
	if err != nil {
		e.logger.Error("strategy evaluation failed",
			zap.String("execution", es.exec.ID), zap.Error(err))
		return
	}
	es.rankings = evals
	es.store.MustWrite("strategy_rankings", evals, ss.Worker)

	e.logger.Info("strategies ranked",
		zap.String("execution", es.exec.ID),
		zap.String("top", evals[0].CandidateID),
		zap.Float64("top_score", evals[0].Weighted))
}

// successProbabilityLocked aggregates per-plan confidence into one number.
// Each plan's self score is weighted by the inverse rank of its strategy,
// normalized over the plans present; higher-ranked strategies pull the
// estimate harder. Plans for unranked strategies weigh as rank 1.
func (es *execState) successProbabilityLocked() float64 {
	rankOf := make(map[string]int, len(es.rankings))
	for _, ev := range es.rankings {
		rankOf[ev.CandidateID] = ev.Rank
	}

	var weightSum, acc float64
	for _, s := range es.template.Steps {
		if len(s.ID) <= len(planPrefix) || s.ID[:len(planPrefix)] != planPrefix {
			continue
		}
		st := es.exec.Steps[s.ID]
		if st.Status != StepCompleted || st.Skipped {
			continue
		}
		rank := rankOf[strategyPrefix+s.ID[len(planPrefix):]]
		if rank == 0 {
			rank = 1
		}
		w := 1 / float64(rank)
		weightSum += w
		acc += w * st.Score
	}
	if weightSum == 0 {
		return 0
	}
	return acc / weightSum
}

// StartCollaboration kicks off the team's default workflow for a task.
// Problem-solving teams run the five-phase template; other team types run
// their roles in sequence.
func (e *Engine) StartCollaboration(ctx context.Context, teamID string, ecfg ExecutionConfig) (*Execution, []*Assignment, error) {
	t, err := e.teams.Get(teamID)
	if err != nil {
		return nil, nil, err
	}

	threshold := ecfg.QualityThreshold
	if threshold <= 0 {
		threshold = e.cfg.QualityThreshold
	}

	var req CreateTemplateRequest
	if t.Type == team.TypeProblemSolving {
		req = BuildProblemSolving(nil, threshold)
	} else {
		req = buildSequential(t, threshold)
	}

	tmpl, _, err := e.library.Create(req)
	if err != nil {
		return nil, nil, err
	}
	return e.Execute(ctx, tmpl.ID, teamID, ecfg)
}

// buildSequential chains the team's roles in binding order, each step
// gated on its predecessor, with a quality gate on the final step.
func buildSequential(t *team.Team, qualityThreshold float64) CreateTemplateRequest {
	var steps []Step
	var prev string
	for _, b := range t.Bindings {
		s := Step{
			ID:                   string(b.Role.Kind),
			Name:                 b.Role.Name,
			RequiredCapabilities: b.Role.Capabilities[:1],
			Description:          b.Role.Description,
			EstimatedDuration:    config.Duration(3 * time.Minute),
			FailurePolicy:        PolicyRetry,
		}
		if prev != "" {
			s.Dependencies = []string{prev}
		}
		steps = append(steps, s)
		prev = s.ID
	}
	req := CreateTemplateRequest{
		Name:  string(t.Type),
		Type:  TypeSequential,
		Steps: steps,
	}
	if prev != "" {
		req.Gates = []QualityGate{{ID: "final_gate", AfterStep: prev, MinScore: qualityThreshold}}
	}
	return req
}
