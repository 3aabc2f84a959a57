package mock

import (
	"context"
	"hash/fnv"
	"math"
	"sync"

	"github.com/hone-ai/hone/hone/structs"
)

// Embedder is a deterministic embedding port. Texts present in Vectors get
// their scripted embedding; anything else gets a stable unit vector derived
// from the text hash so distinct inputs land at distinct angles.
type Embedder struct {
	mu sync.Mutex

	// Vectors maps exact input text to its embedding.
	Vectors map[string][]float64

	// Err, when set, fails every call.
	Err error
}

func (e *Embedder) Embed(_ context.Context, text string) ([]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.Err != nil {
		return nil, e.Err
	}
	if v, ok := e.Vectors[text]; ok {
		out := make([]float64, len(v))
		copy(out, v)
		return out, nil
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	angle := float64(h.Sum64()%3600) * math.Pi / 1800
	return []float64{math.Cos(angle), math.Sin(angle)}, nil
}

// Upstream is a canned LLM provider. It records every request and replies
// with Output, or fails with Err.
type Upstream struct {
	mu sync.Mutex

	// Output is the response body returned on success. Empty defaults to a
	// small JSON document satisfying the schema evaluation fixture.
	Output string

	// OutputFn, when set, derives the response body from the request and
	// wins over Output.
	OutputFn func(*structs.UpstreamRequest) string

	// Err, when set, fails every call.
	Err error

	requests []*structs.UpstreamRequest
}

func (u *Upstream) Invoke(_ context.Context, req *structs.UpstreamRequest) (*structs.UpstreamResponse, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.requests = append(u.requests, req)

	if u.Err != nil {
		return nil, u.Err
	}
	output := u.Output
	if u.OutputFn != nil {
		output = u.OutputFn(req)
	}
	if output == "" {
		output = `{"summary": "Export hangs on large projects. Engineering is investigating."}`
	}
	return &structs.UpstreamResponse{
		Output:           output,
		Model:            req.Model,
		PromptTokens:     len(req.SystemPrompt) / 4,
		CompletionTokens: len(output) / 4,
	}, nil
}

// Requests returns a copy of every request seen so far.
func (u *Upstream) Requests() []*structs.UpstreamRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]*structs.UpstreamRequest, len(u.requests))
	copy(out, u.requests)
	return out
}

// Judge is a scripted judge port. The first FailFirst calls return Err;
// afterwards every call succeeds with Score.
type Judge struct {
	mu sync.Mutex

	// Score is returned on success. Zero defaults to 0.8.
	Score float64

	// ScoreFn, when set, derives the score from the request and is used
	// verbatim, Score and its default included.
	ScoreFn func(*structs.JudgeRequest) float64

	// Err is the failure returned while failures are scripted. When
	// FailFirst is zero a non-nil Err fails every call.
	Err error

	// FailFirst fails this many leading calls with Err, then recovers.
	FailFirst int

	calls    int
	requests []*structs.JudgeRequest
}

func (j *Judge) Judge(_ context.Context, req *structs.JudgeRequest) (*structs.JudgeResponse, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls++
	j.requests = append(j.requests, req)

	if j.Err != nil && (j.FailFirst == 0 || j.calls <= j.FailFirst) {
		return nil, j.Err
	}
	score := j.Score
	if score == 0 {
		score = 0.8
	}
	if j.ScoreFn != nil {
		score = j.ScoreFn(req)
	}
	return &structs.JudgeResponse{
		Score:     score,
		Reasoning: "Accurate summary, slightly verbose.",
	}, nil
}

// JudgeCalls returns how many times Judge has been invoked.
func (j *Judge) JudgeCalls() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.calls
}

// MetaPrompter is a scripted meta-prompt port for regeneration and
// reflection.
type MetaPrompter struct {
	mu sync.Mutex

	// Evaluations is returned from RegenerateEvaluations. When nil, the
	// current set is returned with sharpened judge guidance, mimicking an
	// in-place rewrite.
	Evaluations []*structs.Evaluation

	// SeedPrompt is returned from RegenerateSeedPrompt. Empty defaults to
	// a recognizable regenerated prompt.
	SeedPrompt string

	// Rewritten is returned from RewritePrompt. Empty defaults to a
	// recognizable reflected prompt.
	Rewritten string

	// RegenerateErr fails both regeneration calls; RewriteErr fails
	// RewritePrompt.
	RegenerateErr error
	RewriteErr    error

	regenerateCalls int
	rewriteCalls    int
}

func (m *MetaPrompter) RegenerateEvaluations(_ context.Context, _ *structs.Skill, current []*structs.Evaluation, _ []*structs.Log) ([]*structs.Evaluation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regenerateCalls++

	if m.RegenerateErr != nil {
		return nil, m.RegenerateErr
	}
	if m.Evaluations != nil {
		return m.Evaluations, nil
	}
	out := make([]*structs.Evaluation, len(current))
	for i, eval := range current {
		ne := eval.Copy()
		ne.ID = ""
		if ne.JudgeParams != nil {
			ne.JudgeParams.Guidance = "Penalize summaries that invent details or omit the root cause."
		}
		out[i] = ne
	}
	return out, nil
}

func (m *MetaPrompter) RegenerateSeedPrompt(_ context.Context, _ *structs.Skill, _ []*structs.Log) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.RegenerateErr != nil {
		return "", m.RegenerateErr
	}
	if m.SeedPrompt != "" {
		return m.SeedPrompt, nil
	}
	return "You summarize support tickets. Lead with the root cause, then the impact.", nil
}

func (m *MetaPrompter) RewritePrompt(_ context.Context, _ *structs.Skill, arm *structs.Arm, _, _ []*structs.ReflectionExample) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rewriteCalls++

	if m.RewriteErr != nil {
		return "", m.RewriteErr
	}
	if m.Rewritten != "" {
		return m.Rewritten, nil
	}
	return "You summarize support tickets. Name the failing feature first. (" + arm.Name + ")", nil
}

// RegenerateCalls returns how many times RegenerateEvaluations has run.
func (m *MetaPrompter) RegenerateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regenerateCalls
}

// RewriteCalls returns how many times RewritePrompt has run.
func (m *MetaPrompter) RewriteCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rewriteCalls
}

// Sink records every event delivered to it.
type Sink struct {
	mu     sync.Mutex
	events []*structs.Event
}

func (s *Sink) Send(_ context.Context, e *structs.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// Events returns a copy of everything delivered so far.
func (s *Sink) Events() []*structs.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*structs.Event, len(s.events))
	copy(out, s.events)
	return out
}

// EventsOfType filters delivered events by type name.
func (s *Sink) EventsOfType(eventType string) []*structs.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*structs.Event
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
