package bandit

import (
	"github.com/hone-ai/hone/hone/structs"
)

// ComposeReward folds per-evaluation scores into the single reward that is
// applied to an arm's statistics: the weighted mean of the scores present,
// clamped to [0, 1]. Evaluations that produced no result are dropped from
// both the numerator and the denominator rather than counted as zero, so a
// partially failed pass still yields an unbiased reward.
//
// The boolean is false when no result carried usable weight, in which case
// the caller must skip the stat update entirely.
func ComposeReward(evals []*structs.Evaluation, results []*structs.EvaluationResult) (float64, bool) {
	if len(results) == 0 {
		return 0, false
	}

	weights := make(map[structs.EvaluationMethod]float64, len(evals))
	for _, eval := range evals {
		w := eval.Weight
		if w == 0 {
			w = 1.0
		}
		weights[eval.Method] = w
	}

	var sum, totalWeight float64
	for _, result := range results {
		if result == nil {
			continue
		}
		w, ok := weights[result.Method]
		if !ok {
			w = 1.0
		}
		if w <= 0 {
			continue
		}
		sum += w * result.Score
		totalWeight += w
	}
	if totalWeight == 0 {
		return 0, false
	}

	return clamp01(sum / totalWeight), true
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
