// Package evaluate scores candidate outputs across weighted criteria and
// ranks them deterministically.
package evaluate

import (
	"fmt"
	"math"
	"sort"

	"github.com/nidhogg/ensemble/internal/fault"
	"go.uber.org/zap"
)

// Standard criterion names for problem-solving evaluations.
const (
	CriterionFeasibility    = "feasibility"
	CriterionImpact         = "impact"
	CriterionCostEfficiency = "cost_efficiency"
	CriterionRisk           = "risk"
)

// weightTolerance is the allowed deviation of the criteria weight sum
// from 1.0.
const weightTolerance = 1e-6

// DefaultCriteria returns the default problem-solving weights. Risk is
// inverted at scoring time: a lower risk score contributes more.
func DefaultCriteria() map[string]float64 {
	return map[string]float64{
		CriterionFeasibility:    0.25,
		CriterionImpact:         0.35,
		CriterionCostEfficiency: 0.25,
		CriterionRisk:           0.15,
	}
}

// Candidate is a scored-but-unranked entrant. Scores are per-criterion
// in [0,1]; out-of-range values are clamped with a warning rather than
// rejected, since the upstream content generator is opaque.
type Candidate struct {
	ID     string             `json:"id"`
	Scores map[string]float64 `json:"scores"`
}

// Evaluation is one ranked result.
type Evaluation struct {
	CandidateID string             `json:"candidate_id"`
	Scores      map[string]float64 `json:"scores"`
	Weighted    float64            `json:"weighted_total"`
	Rank        int                `json:"rank"`
	Warnings    []string           `json:"warnings,omitempty"`
}

// Evaluator ranks candidates under fixed criteria weights.
type Evaluator struct {
	logger *zap.Logger
}

// New creates an evaluator.
func New(logger *zap.Logger) *Evaluator {
	return &Evaluator{logger: logger}
}

// Evaluate scores every candidate and returns evaluations sorted
// descending by weighted total. Ties break on the feasibility score,
// then on submission order. Criteria weights must sum to 1.0 within
// tolerance or the call fails with INVALID_CRITERIA_WEIGHTS.
func (e *Evaluator) Evaluate(candidates []Candidate, criteria map[string]float64) ([]Evaluation, error) {
	if len(criteria) == 0 {
		criteria = DefaultCriteria()
	}

	sum := 0.0
	for _, w := range criteria {
		sum += w
	}
	if math.Abs(sum-1.0) > weightTolerance {
		return nil, fault.New(fault.KindInvalidCriteriaWeights,
			"criteria weights sum to %.6f, expected 1.0", sum).
			WithRecovery("normalize the weights so they sum to 1.0")
	}

	evals := make([]Evaluation, 0, len(candidates))
	for _, c := range candidates {
		ev := Evaluation{
			CandidateID: c.ID,
			Scores:      make(map[string]float64, len(criteria)),
		}
		for criterion, weight := range criteria {
			score, ok := c.Scores[criterion]
			if !ok {
				ev.Warnings = append(ev.Warnings,
					fmt.Sprintf("missing score for %q, treated as 0", criterion))
				score = 0
			}
			if score < 0 || score > 1 {
				ev.Warnings = append(ev.Warnings,
					fmt.Sprintf("score %.3f for %q out of [0,1], clamped", score, criterion))
				score = math.Max(0, math.Min(1, score))
			}
			ev.Scores[criterion] = score
			if criterion == CriterionRisk {
				// Lower risk yields the higher contribution.
				ev.Weighted += weight * (1 - score)
			} else {
				ev.Weighted += weight * score
			}
		}
		sort.Strings(ev.Warnings)
		evals = append(evals, ev)
	}

	sort.SliceStable(evals, func(i, j int) bool {
		if evals[i].Weighted != evals[j].Weighted {
			return evals[i].Weighted > evals[j].Weighted
		}
		return evals[i].Scores[CriterionFeasibility] > evals[j].Scores[CriterionFeasibility]
	})
	for i := range evals {
		evals[i].Rank = i + 1
	}

	if len(evals) > 0 {
		e.logger.Debug("evaluation complete",
			zap.Int("candidates", len(evals)),
			zap.String("top", evals[0].CandidateID),
			zap.Float64("top_score", evals[0].Weighted))
	}
	return evals, nil
}
