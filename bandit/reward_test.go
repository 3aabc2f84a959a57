package bandit

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hone-ai/hone/ci"
	"github.com/hone-ai/hone/hone/structs"
)

func TestComposeReward(t *testing.T) {
	ci.Parallel(t)

	judge := &structs.Evaluation{
		ID:      "e-1",
		SkillID: "s-1",
		Method:  structs.EvalMethodLLMJudge,
		Weight:  0.8,
	}
	schema := &structs.Evaluation{
		ID:      "e-2",
		SkillID: "s-1",
		Method:  structs.EvalMethodResponseSchema,
		Weight:  0.2,
	}
	evals := []*structs.Evaluation{judge, schema}

	testCases := []struct {
		name           string
		results        []*structs.EvaluationResult
		expectedReward float64
		expectedOK     bool
	}{
		{
			name: "weighted mean",
			results: []*structs.EvaluationResult{
				{Method: structs.EvalMethodLLMJudge, Score: 1.0},
				{Method: structs.EvalMethodResponseSchema, Score: 0.5},
			},
			expectedReward: 0.9,
			expectedOK:     true,
		},
		{
			name: "missing result dropped from both sums",
			results: []*structs.EvaluationResult{
				{Method: structs.EvalMethodLLMJudge, Score: 0.75},
			},
			expectedReward: 0.75,
			expectedOK:     true,
		},
		{
			name:       "no results",
			results:    nil,
			expectedOK: false,
		},
		{
			name: "fallback score still contributes",
			results: []*structs.EvaluationResult{
				{Method: structs.EvalMethodLLMJudge, Score: 0.5, Fallback: true},
				{Method: structs.EvalMethodResponseSchema, Score: 1.0},
			},
			expectedReward: 0.6,
			expectedOK:     true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			reward, ok := ComposeReward(evals, tc.results)
			must.Eq(t, tc.expectedOK, ok)
			if tc.expectedOK {
				must.InDelta(t, tc.expectedReward, reward, 1e-9)
			}
		})
	}
}

func TestComposeReward_DefaultWeight(t *testing.T) {
	ci.Parallel(t)

	// Zero weight on the evaluation canonicalizes to 1.0, and a result with
	// no matching evaluation also defaults to 1.0.
	evals := []*structs.Evaluation{
		{ID: "e-1", Method: structs.EvalMethodLLMJudge, Weight: 0},
	}
	results := []*structs.EvaluationResult{
		{Method: structs.EvalMethodLLMJudge, Score: 0.4},
		{Method: structs.EvalMethodResponseSchema, Score: 0.8},
	}

	reward, ok := ComposeReward(evals, results)
	must.True(t, ok)
	must.InDelta(t, 0.6, reward, 1e-9)
}

func TestComposeReward_Clamped(t *testing.T) {
	ci.Parallel(t)

	// Scores outside [0, 1] should never arrive from the judge client, but
	// the composition clamps regardless.
	results := []*structs.EvaluationResult{
		{Method: structs.EvalMethodLLMJudge, Score: 1.7},
	}
	reward, ok := ComposeReward(nil, results)
	must.True(t, ok)
	must.Eq(t, 1.0, reward)
}

func TestWelford_MatchesDirectComputation(t *testing.T) {
	ci.Parallel(t)

	stat := &structs.ArmStat{ArmID: "a-1", SkillID: "s-1"}
	rewards := []float64{0.2, 0.9, 0.4, 0.4, 1.0, 0.0, 0.65}

	var sum float64
	for _, r := range rewards {
		stat.Observe(r)
		sum += r
	}

	n := float64(len(rewards))
	mean := sum / n
	var m2 float64
	for _, r := range rewards {
		m2 += (r - mean) * (r - mean)
	}

	must.Eq(t, uint64(len(rewards)), stat.N)
	must.InDelta(t, mean, stat.Mean, 1e-12)
	must.InDelta(t, m2, stat.M2, 1e-12)
	must.InDelta(t, sum, stat.TotalReward, 1e-12)
}
