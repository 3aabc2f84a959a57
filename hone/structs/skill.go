package structs

import (
	"fmt"
	"sort"
	"strings"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

const (
	// DefaultConfigurationCount is the number of clusters, and of arms per
	// cluster, for a skill that does not set its own count.
	DefaultConfigurationCount = 3

	// MinConfigurationCount and MaxConfigurationCount bound the per-skill
	// cluster and arm counts.
	MinConfigurationCount = 1
	MaxConfigurationCount = 25

	// DefaultClusteringInterval is the number of new logs that triggers a
	// partitioning pass when the skill does not set its own interval.
	DefaultClusteringInterval = 50

	MinClusteringInterval = 1
	MaxClusteringInterval = 1000

	// DefaultReflectionMinRequests is the per-arm observation floor below
	// which selection stays in warm-up and reflection will not rewrite the
	// arm.
	DefaultReflectionMinRequests = 3

	MinReflectionMinRequests = 1
	MaxReflectionMinRequests = 1000

	// DefaultExplorationTemperature scales posterior samples during arm
	// selection. Higher values explore more.
	DefaultExplorationTemperature = 1.0

	MinExplorationTemperature = 0.1
	MaxExplorationTemperature = 10.0

	// MaxSkillNameLength bounds skill names and agent identifiers.
	MaxSkillNameLength = 128

	// MaxSystemPromptLength bounds stored system prompts, including those
	// produced by reflection.
	MaxSystemPromptLength = 32 * 1024
)

// LockPurpose names one of the two coordination locks carried on a skill
// row. Each purpose has independent acquired-at and fencing token fields so
// partitioning and reflection never contend with each other.
type LockPurpose string

const (
	// LockPurposeOptimize guards partitioning and evaluation regeneration.
	LockPurposeOptimize LockPurpose = "optimize"

	// LockPurposeReflect guards prompt reflection.
	LockPurposeReflect LockPurpose = "reflect"
)

// Validate returns an error unless the purpose is one of the two known
// values.
func (p LockPurpose) Validate() error {
	switch p {
	case LockPurposeOptimize, LockPurposeReflect:
		return nil
	default:
		return fmt.Errorf("invalid lock purpose %q", p)
	}
}

// Skill is the unit of optimization. A skill owns its clusters, arms,
// evaluations, logs, and evaluation runs; deleting a skill cascades to all
// of them. The lock field pairs and EvaluationsRegeneratedAt are the only
// cross-process coordination surface for the background controllers; all
// other derived state is recomputable from logs, arms, and stats.
type Skill struct {
	ID          string
	AgentID     string
	Name        string
	Description string

	// Defaults holds the configuration seeded into every arm of a fresh
	// cluster. Reflection mutates arm copies, never this template.
	Defaults *ArmParams

	// ConfigurationCount is both the number of clusters and the number of
	// arms per cluster. Zero means DefaultConfigurationCount.
	ConfigurationCount int

	// ClusteringInterval is the number of new embedded logs that arms the
	// partitioning trigger. Zero means DefaultClusteringInterval.
	ClusteringInterval int

	// ReflectionMinRequestsPerArm is the warm-up floor: arms below it are
	// force-selected during routing, and ongoing reflection waits for every
	// arm in a cluster to reach it. Zero means DefaultReflectionMinRequests.
	ReflectionMinRequestsPerArm int

	// ExplorationTemperature scales the posterior standard deviation when
	// sampling arms. Zero means DefaultExplorationTemperature.
	ExplorationTemperature float64

	// AllowedTemplateVariables lists the metadata keys that may be
	// interpolated into system prompts. Anything else is left verbatim.
	AllowedTemplateVariables []string

	// Optimize enables clustering, bandit selection, and the background
	// controllers. When false the skill serves a single implicit arm built
	// from Defaults and evaluation runs never touch arm stats.
	Optimize bool

	// EvaluationsRegeneratedAt is set exactly once, when early
	// regeneration completes. A zero value means it has not run.
	EvaluationsRegeneratedAt time.Time

	// LastClusteringAt is when partitioning last completed.
	LastClusteringAt time.Time

	// LastClusteringLogStartTime is the start time of the newest log
	// consumed by the most recent partitioning pass. Log eligibility for
	// the next pass is strictly after this point.
	LastClusteringLogStartTime time.Time

	// LastClusteringToken is the fencing token of the partitioning pass
	// that last wrote centroids. Centroid caches key on (skill ID, this
	// token) so entries from before a re-partition are unreachable.
	LastClusteringToken uint64

	// OptimizeLockAcquiredAt and OptimizeLockToken form the partitioning
	// lock. A zero token means unheld. Tokens are fencing tokens issued by
	// the state store and are strictly monotonic.
	OptimizeLockAcquiredAt time.Time
	OptimizeLockToken      uint64

	// ReflectLockAcquiredAt and ReflectLockToken form the reflection lock.
	ReflectLockAcquiredAt time.Time
	ReflectLockToken      uint64

	CreateIndex uint64
	ModifyIndex uint64
	CreateTime  int64
	ModifyTime  int64
}

// Copy returns a deep copy of the skill.
func (s *Skill) Copy() *Skill {
	if s == nil {
		return nil
	}
	ns := new(Skill)
	*ns = *s
	ns.Defaults = s.Defaults.Copy()
	if s.AllowedTemplateVariables != nil {
		ns.AllowedTemplateVariables = make([]string, len(s.AllowedTemplateVariables))
		copy(ns.AllowedTemplateVariables, s.AllowedTemplateVariables)
	}
	return ns
}

// Canonicalize fills defaulted fields in place. It must be called before
// Validate on user-supplied skills.
func (s *Skill) Canonicalize() {
	s.Name = strings.TrimSpace(s.Name)
	s.AgentID = strings.TrimSpace(s.AgentID)
	if s.ConfigurationCount == 0 {
		s.ConfigurationCount = DefaultConfigurationCount
	}
	if s.ClusteringInterval == 0 {
		s.ClusteringInterval = DefaultClusteringInterval
	}
	if s.ReflectionMinRequestsPerArm == 0 {
		s.ReflectionMinRequestsPerArm = DefaultReflectionMinRequests
	}
	if s.ExplorationTemperature == 0 {
		s.ExplorationTemperature = DefaultExplorationTemperature
	}
	if len(s.AllowedTemplateVariables) > 0 {
		seen := make(map[string]struct{}, len(s.AllowedTemplateVariables))
		vars := make([]string, 0, len(s.AllowedTemplateVariables))
		for _, v := range s.AllowedTemplateVariables {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			vars = append(vars, v)
		}
		sort.Strings(vars)
		s.AllowedTemplateVariables = vars
	}
	if s.Defaults != nil {
		s.Defaults.Canonicalize()
	}
}

// Validate returns all structural problems with the skill.
func (s *Skill) Validate() error {
	var mErr multierror.Error

	if s.Name == "" {
		_ = multierror.Append(&mErr, fmt.Errorf("missing skill name"))
	} else if len(s.Name) > MaxSkillNameLength {
		_ = multierror.Append(&mErr, fmt.Errorf("skill name longer than %d characters", MaxSkillNameLength))
	}
	if s.AgentID == "" {
		_ = multierror.Append(&mErr, fmt.Errorf("missing agent id"))
	} else if len(s.AgentID) > MaxSkillNameLength {
		_ = multierror.Append(&mErr, fmt.Errorf("agent id longer than %d characters", MaxSkillNameLength))
	}
	if s.ConfigurationCount < MinConfigurationCount || s.ConfigurationCount > MaxConfigurationCount {
		_ = multierror.Append(&mErr, fmt.Errorf(
			"configuration count must be in [%d, %d], got %d",
			MinConfigurationCount, MaxConfigurationCount, s.ConfigurationCount))
	}
	if s.ClusteringInterval < MinClusteringInterval || s.ClusteringInterval > MaxClusteringInterval {
		_ = multierror.Append(&mErr, fmt.Errorf(
			"clustering interval must be in [%d, %d], got %d",
			MinClusteringInterval, MaxClusteringInterval, s.ClusteringInterval))
	}
	if s.ReflectionMinRequestsPerArm < MinReflectionMinRequests || s.ReflectionMinRequestsPerArm > MaxReflectionMinRequests {
		_ = multierror.Append(&mErr, fmt.Errorf(
			"reflection min requests per arm must be in [%d, %d], got %d",
			MinReflectionMinRequests, MaxReflectionMinRequests, s.ReflectionMinRequestsPerArm))
	}
	if s.ExplorationTemperature < MinExplorationTemperature || s.ExplorationTemperature > MaxExplorationTemperature {
		_ = multierror.Append(&mErr, fmt.Errorf(
			"exploration temperature must be in [%v, %v], got %v",
			MinExplorationTemperature, MaxExplorationTemperature, s.ExplorationTemperature))
	}
	if s.Defaults == nil {
		_ = multierror.Append(&mErr, fmt.Errorf("missing default arm parameters"))
	} else if err := s.Defaults.Validate(); err != nil {
		_ = multierror.Append(&mErr, fmt.Errorf("invalid default arm parameters: %v", err))
	}

	return mErr.ErrorOrNil()
}

// EffectiveConfigurationCount returns the cluster and per-cluster arm count
// the controllers should maintain. Skills with optimization off collapse to
// a single arm.
func (s *Skill) EffectiveConfigurationCount() int {
	if !s.Optimize {
		return 1
	}
	if s.ConfigurationCount == 0 {
		return DefaultConfigurationCount
	}
	return s.ConfigurationCount
}

// EarlyRegenerationDone reports whether early regeneration has completed
// for this skill. It runs at most once.
func (s *Skill) EarlyRegenerationDone() bool {
	return !s.EvaluationsRegeneratedAt.IsZero()
}

// LockAcquiredAt returns the acquisition time for the given purpose. A zero
// time means the lock is unheld.
func (s *Skill) LockAcquiredAt(purpose LockPurpose) time.Time {
	if purpose == LockPurposeReflect {
		return s.ReflectLockAcquiredAt
	}
	return s.OptimizeLockAcquiredAt
}

// LockToken returns the current fencing token for the given purpose. Zero
// means unheld.
func (s *Skill) LockToken(purpose LockPurpose) uint64 {
	if purpose == LockPurposeReflect {
		return s.ReflectLockToken
	}
	return s.OptimizeLockToken
}

// SetLock records an acquisition for the given purpose.
func (s *Skill) SetLock(purpose LockPurpose, at time.Time, token uint64) {
	if purpose == LockPurposeReflect {
		s.ReflectLockAcquiredAt = at
		s.ReflectLockToken = token
		return
	}
	s.OptimizeLockAcquiredAt = at
	s.OptimizeLockToken = token
}

// ClearLock marks the given purpose unheld.
func (s *Skill) ClearLock(purpose LockPurpose) {
	s.SetLock(purpose, time.Time{}, 0)
}

// LockExpired reports whether a held lock has outlived its TTL. Unheld
// locks are not expired; callers check LockToken first.
func (s *Skill) LockExpired(purpose LockPurpose, now time.Time, ttl time.Duration) bool {
	at := s.LockAcquiredAt(purpose)
	if at.IsZero() {
		return false
	}
	return now.Sub(at) >= ttl
}

// ArmParams is a complete upstream call configuration: the system prompt
// plus provider routing and sampling parameters. Arms and skill defaults
// both carry one.
type ArmParams struct {
	SystemPrompt string
	Provider     string
	Model        string
	Temperature  *float64
	MaxTokens    *int
}

// Copy returns a deep copy of the parameters.
func (p *ArmParams) Copy() *ArmParams {
	if p == nil {
		return nil
	}
	np := new(ArmParams)
	*np = *p
	if p.Temperature != nil {
		t := *p.Temperature
		np.Temperature = &t
	}
	if p.MaxTokens != nil {
		m := *p.MaxTokens
		np.MaxTokens = &m
	}
	return np
}

// Canonicalize trims identifier whitespace in place.
func (p *ArmParams) Canonicalize() {
	p.Provider = strings.TrimSpace(p.Provider)
	p.Model = strings.TrimSpace(p.Model)
}

// Validate returns all structural problems with the parameters.
func (p *ArmParams) Validate() error {
	var mErr multierror.Error

	if p.SystemPrompt == "" {
		_ = multierror.Append(&mErr, fmt.Errorf("missing system prompt"))
	} else if len(p.SystemPrompt) > MaxSystemPromptLength {
		_ = multierror.Append(&mErr, fmt.Errorf("system prompt longer than %d bytes", MaxSystemPromptLength))
	}
	if p.Provider == "" {
		_ = multierror.Append(&mErr, fmt.Errorf("missing provider"))
	}
	if p.Model == "" {
		_ = multierror.Append(&mErr, fmt.Errorf("missing model"))
	}
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		_ = multierror.Append(&mErr, fmt.Errorf("temperature must be within [0, 2], got %v", *p.Temperature))
	}
	if p.MaxTokens != nil && *p.MaxTokens <= 0 {
		_ = multierror.Append(&mErr, fmt.Errorf("max tokens must be positive, got %d", *p.MaxTokens))
	}

	return mErr.ErrorOrNil()
}

// Equal reports whether two parameter sets are identical.
func (p *ArmParams) Equal(o *ArmParams) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.SystemPrompt != o.SystemPrompt ||
		p.Provider != o.Provider ||
		p.Model != o.Model {
		return false
	}
	if (p.Temperature == nil) != (o.Temperature == nil) {
		return false
	}
	if p.Temperature != nil && *p.Temperature != *o.Temperature {
		return false
	}
	if (p.MaxTokens == nil) != (o.MaxTokens == nil) {
		return false
	}
	if p.MaxTokens != nil && *p.MaxTokens != *o.MaxTokens {
		return false
	}
	return true
}

// InterpolatePrompt substitutes {{name}} placeholders in a system prompt
// with values from vars, but only for names in the allowed list.
// Placeholders that are not allowed, or have no value, are left verbatim.
func InterpolatePrompt(prompt string, allowed []string, vars map[string]string) string {
	if len(allowed) == 0 || len(vars) == 0 {
		return prompt
	}
	for _, name := range allowed {
		val, ok := vars[name]
		if !ok {
			continue
		}
		prompt = strings.ReplaceAll(prompt, "{{"+name+"}}", val)
	}
	return prompt
}

// SkillRequest is a single inference request routed through a skill.
type SkillRequest struct {
	AgentID   string
	SkillName string

	// Input is the user-visible task input forwarded to the upstream
	// provider and embedded for cluster routing.
	Input string

	// Metadata carries caller context. Keys named by the skill's
	// AllowedTemplateVariables are interpolated into the system prompt.
	Metadata map[string]string
}

// Validate returns all structural problems with the request.
func (r *SkillRequest) Validate() error {
	var mErr multierror.Error
	if r.AgentID == "" {
		_ = multierror.Append(&mErr, fmt.Errorf("missing agent id"))
	}
	if r.SkillName == "" {
		_ = multierror.Append(&mErr, fmt.Errorf("missing skill name"))
	}
	if r.Input == "" {
		_ = multierror.Append(&mErr, fmt.Errorf("missing input"))
	}
	return mErr.ErrorOrNil()
}

// SkillResponse is the synchronous reply for a routed request. Evaluation
// and learning happen after this is returned.
type SkillResponse struct {
	LogID     string
	SkillID   string
	ClusterID string
	ArmID     string

	Output   string
	Provider string
	Model    string
}

// UpstreamRequest is a fully resolved provider call. Only the system prompt
// and model are substituted by the router; the input passes through
// untouched.
type UpstreamRequest struct {
	Provider     string
	Model        string
	SystemPrompt string
	Input        string
	Temperature  *float64
	MaxTokens    *int
}

// UpstreamResponse is a successful provider reply.
type UpstreamResponse struct {
	Output           string
	Model            string
	PromptTokens     int
	CompletionTokens int
}
