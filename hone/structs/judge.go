package structs

// JudgeRequest asks the judge model to grade one response. The output format
// is fixed: judges must return the structured JudgeResponse JSON.
type JudgeRequest struct {
	// SystemPrompt carries the grading rubric built from the evaluation's
	// criteria and guidance.
	SystemPrompt string

	// UserPrompt carries the material under judgment: the original request
	// and the response the arm produced.
	UserPrompt string
}

// JudgeResponse is a judge model's structured verdict.
type JudgeResponse struct {
	// Score grades the response in [0, 1].
	Score float64

	// Reasoning is the judge's free-text justification.
	Reasoning string

	// Metadata carries provider extras such as token counts. The core does
	// not interpret it.
	Metadata map[string]string
}

// ReflectionExample pairs a log with the reward its evaluation run earned,
// for use in meta-prompt calls that need winning and losing samples.
type ReflectionExample struct {
	Log    *Log
	Reward float64
}
