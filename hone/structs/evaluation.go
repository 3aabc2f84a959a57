package structs

import (
	"fmt"
	"sort"
	"strings"

	multierror "github.com/hashicorp/go-multierror"
)

// EvaluationMethod discriminates the tagged parameter payload carried by an
// Evaluation.
type EvaluationMethod string

const (
	// EvalMethodLLMJudge scores a log by asking a judge model to grade the
	// response against criteria.
	EvalMethodLLMJudge EvaluationMethod = "llm-judge"

	// EvalMethodResponseSchema scores a log by checking the response body
	// parses as JSON and carries the required fields.
	EvalMethodResponseSchema EvaluationMethod = "response-schema"
)

// Validate returns an error unless the method is known.
func (m EvaluationMethod) Validate() error {
	switch m {
	case EvalMethodLLMJudge, EvalMethodResponseSchema:
		return nil
	default:
		return fmt.Errorf("invalid evaluation method %q", m)
	}
}

// JudgeParams configures an llm-judge evaluation.
type JudgeParams struct {
	// Criteria is what the judge grades: a rubric description.
	Criteria string

	// Guidance optionally steers the judge toward known failure modes. It
	// is rewritten by early regeneration.
	Guidance string
}

// Copy returns a copy of the params.
func (p *JudgeParams) Copy() *JudgeParams {
	if p == nil {
		return nil
	}
	np := new(JudgeParams)
	*np = *p
	return np
}

// SchemaParams configures a response-schema evaluation.
type SchemaParams struct {
	// RequiredFields are top-level JSON keys the response must contain.
	RequiredFields []string
}

// Copy returns a deep copy of the params.
func (p *SchemaParams) Copy() *SchemaParams {
	if p == nil {
		return nil
	}
	np := new(SchemaParams)
	if p.RequiredFields != nil {
		np.RequiredFields = make([]string, len(p.RequiredFields))
		copy(np.RequiredFields, p.RequiredFields)
	}
	return np
}

// Evaluation is one scoring dimension applied to every log of a skill. The
// set of evaluations for a skill is rewritten atomically by early
// regeneration, preserving ids for methods that persist across the rewrite.
type Evaluation struct {
	ID      string
	SkillID string

	// Method selects which params payload is set. Exactly one payload
	// matching the method must be non-nil.
	Method EvaluationMethod

	JudgeParams  *JudgeParams
	SchemaParams *SchemaParams

	// Weight is this evaluation's share of the composed reward, in [0, 1].
	// Zero means unset and canonicalizes to 1.
	Weight float64

	CreateIndex uint64
	ModifyIndex uint64
	CreateTime  int64
	ModifyTime  int64
}

// Copy returns a deep copy of the evaluation.
func (e *Evaluation) Copy() *Evaluation {
	if e == nil {
		return nil
	}
	ne := new(Evaluation)
	*ne = *e
	ne.JudgeParams = e.JudgeParams.Copy()
	ne.SchemaParams = e.SchemaParams.Copy()
	return ne
}

// Canonicalize fills defaulted fields in place.
func (e *Evaluation) Canonicalize() {
	if e.Weight == 0 {
		e.Weight = 1.0
	}
	if e.SchemaParams != nil && len(e.SchemaParams.RequiredFields) > 0 {
		fields := make([]string, 0, len(e.SchemaParams.RequiredFields))
		for _, f := range e.SchemaParams.RequiredFields {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
		sort.Strings(fields)
		e.SchemaParams.RequiredFields = fields
	}
}

// Validate returns all structural problems with the evaluation.
func (e *Evaluation) Validate() error {
	var mErr multierror.Error

	if e.SkillID == "" {
		_ = multierror.Append(&mErr, fmt.Errorf("missing skill id"))
	}
	if err := e.Method.Validate(); err != nil {
		_ = multierror.Append(&mErr, err)
		return mErr.ErrorOrNil()
	}
	if e.Weight < 0 || e.Weight > 1 {
		_ = multierror.Append(&mErr, fmt.Errorf("weight must be within [0, 1], got %v", e.Weight))
	}

	switch e.Method {
	case EvalMethodLLMJudge:
		if e.JudgeParams == nil {
			_ = multierror.Append(&mErr, fmt.Errorf("llm-judge evaluation requires judge params"))
		} else if e.JudgeParams.Criteria == "" {
			_ = multierror.Append(&mErr, fmt.Errorf("llm-judge evaluation requires criteria"))
		}
		if e.SchemaParams != nil {
			_ = multierror.Append(&mErr, fmt.Errorf("llm-judge evaluation must not carry schema params"))
		}
	case EvalMethodResponseSchema:
		if e.SchemaParams == nil {
			_ = multierror.Append(&mErr, fmt.Errorf("response-schema evaluation requires schema params"))
		} else if len(e.SchemaParams.RequiredFields) == 0 {
			_ = multierror.Append(&mErr, fmt.Errorf("response-schema evaluation requires at least one field"))
		}
		if e.JudgeParams != nil {
			_ = multierror.Append(&mErr, fmt.Errorf("response-schema evaluation must not carry judge params"))
		}
	}

	return mErr.ErrorOrNil()
}

// ParamsMap renders the method payload as an untyped map for storage
// boundaries and meta-prompt payloads. The typed payloads stay the source
// of truth inside the core.
func (e *Evaluation) ParamsMap() map[string]interface{} {
	switch e.Method {
	case EvalMethodLLMJudge:
		if e.JudgeParams == nil {
			return nil
		}
		return map[string]interface{}{
			"criteria": e.JudgeParams.Criteria,
			"guidance": e.JudgeParams.Guidance,
		}
	case EvalMethodResponseSchema:
		if e.SchemaParams == nil {
			return nil
		}
		fields := make([]interface{}, len(e.SchemaParams.RequiredFields))
		for i, f := range e.SchemaParams.RequiredFields {
			fields[i] = f
		}
		return map[string]interface{}{
			"required_fields": fields,
		}
	default:
		return nil
	}
}

// ApplyParamsMap overwrites the method payload from an untyped map,
// preserving the evaluation's identity. Unknown keys are ignored; values of
// the wrong type are rejected.
func (e *Evaluation) ApplyParamsMap(params map[string]interface{}) error {
	switch e.Method {
	case EvalMethodLLMJudge:
		jp := &JudgeParams{}
		if v, ok := params["criteria"]; ok {
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("criteria must be a string")
			}
			jp.Criteria = s
		}
		if v, ok := params["guidance"]; ok {
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("guidance must be a string")
			}
			jp.Guidance = s
		}
		if jp.Criteria == "" && e.JudgeParams != nil {
			jp.Criteria = e.JudgeParams.Criteria
		}
		e.JudgeParams = jp
		e.SchemaParams = nil
	case EvalMethodResponseSchema:
		sp := &SchemaParams{}
		if v, ok := params["required_fields"]; ok {
			items, ok := v.([]interface{})
			if !ok {
				return fmt.Errorf("required_fields must be a list")
			}
			for _, item := range items {
				s, ok := item.(string)
				if !ok {
					return fmt.Errorf("required_fields entries must be strings")
				}
				sp.RequiredFields = append(sp.RequiredFields, s)
			}
		}
		if len(sp.RequiredFields) == 0 && e.SchemaParams != nil {
			sp.RequiredFields = e.SchemaParams.RequiredFields
		}
		e.SchemaParams = sp
		e.JudgeParams = nil
	default:
		return fmt.Errorf("invalid evaluation method %q", e.Method)
	}
	return nil
}

// EvaluationResult is the outcome of running one evaluation against one
// log. Fallback results carry the neutral score and the failure class that
// exhausted the retries.
type EvaluationResult struct {
	Method    EvaluationMethod
	Score     float64
	Reasoning string

	// Fallback is true when the judge call failed and the neutral score
	// was substituted.
	Fallback bool

	// ErrorType is the judge failure class on fallback results.
	ErrorType string
}

// Copy returns a copy of the result.
func (r *EvaluationResult) Copy() *EvaluationResult {
	if r == nil {
		return nil
	}
	nr := new(EvaluationResult)
	*nr = *r
	return nr
}

// EvaluationRun records one complete evaluation pass over a log: every
// per-method result plus the composed reward that was folded into the arm's
// statistics.
type EvaluationRun struct {
	ID        string
	SkillID   string
	LogID     string
	ClusterID string
	ArmID     string

	Results []*EvaluationResult

	// Reward is the weighted mean of the scores, clamped to [0, 1].
	Reward float64

	// StatsUpdated is false for skills with optimization off, where the
	// run exists for observability only.
	StatsUpdated bool

	CreateIndex uint64
	ModifyIndex uint64
	CreateTime  int64
}

// Copy returns a deep copy of the run.
func (r *EvaluationRun) Copy() *EvaluationRun {
	if r == nil {
		return nil
	}
	nr := new(EvaluationRun)
	*nr = *r
	if r.Results != nil {
		nr.Results = make([]*EvaluationResult, len(r.Results))
		for i, res := range r.Results {
			nr.Results[i] = res.Copy()
		}
	}
	return nr
}

// Validate returns all structural problems with the run.
func (r *EvaluationRun) Validate() error {
	var mErr multierror.Error
	if r.SkillID == "" {
		_ = multierror.Append(&mErr, fmt.Errorf("missing skill id"))
	}
	if r.LogID == "" {
		_ = multierror.Append(&mErr, fmt.Errorf("missing log id"))
	}
	if r.ArmID == "" {
		_ = multierror.Append(&mErr, fmt.Errorf("missing arm id"))
	}
	if r.Reward < 0 || r.Reward > 1 {
		_ = multierror.Append(&mErr, fmt.Errorf("reward must be within [0, 1], got %v", r.Reward))
	}
	return mErr.ErrorOrNil()
}
