package hone

import (
	"context"
	"time"

	"github.com/hone-ai/hone/hone/structs"
)

// Storage is the persistence surface the runtime consumes. The reference
// implementation is state.StateStore; other backends must honor the same
// contract: reads return copies, log queries are ordered by start time,
// lock operations are compare-and-swap with monotonic fencing tokens, and
// arm stat updates either serialize or fail with
// structs.ErrConflictingUpdate for the caller to retry.
type Storage interface {
	UpsertSkill(skill *structs.Skill) error
	SkillByID(id string) (*structs.Skill, error)
	SkillByAgentAndName(agentID, name string) (*structs.Skill, error)
	Skills() ([]*structs.Skill, error)
	DeleteSkill(id string) error

	SkillLockAcquire(skillID string, purpose structs.LockPurpose, now time.Time, ttl time.Duration) (*structs.Skill, uint64, error)
	SkillLockRelease(skillID string, purpose structs.LockPurpose, token uint64, mutate func(*structs.Skill)) error

	UpsertClusters(clusters []*structs.Cluster) error
	ClusterByID(id string) (*structs.Cluster, error)
	ClustersBySkill(skillID string) ([]*structs.Cluster, error)
	IncrementClusterSteps(clusterID string) (uint64, error)

	UpsertArms(arms []*structs.Arm) error
	ArmByID(id string) (*structs.Arm, error)
	ArmsByCluster(clusterID string) ([]*structs.Arm, error)
	ArmsBySkill(skillID string) ([]*structs.Arm, error)
	RewriteArmPrompt(armID, systemPrompt string) error

	ArmStatByArmID(armID string) (*structs.ArmStat, error)
	ArmStatsByCluster(clusterID string) (map[string]*structs.ArmStat, error)
	ArmStatsBySkill(skillID string) (map[string]*structs.ArmStat, error)
	UpdateArmStat(stat *structs.ArmStat, casIndex uint64) error
	DeleteArmStats(armIDs []string) error

	UpsertEvaluations(evals []*structs.Evaluation) error
	EvaluationsBySkill(skillID string) ([]*structs.Evaluation, error)
	ReplaceEvaluations(skillID string, evals []*structs.Evaluation) error
	ApplyRegeneration(skillID string, evals []*structs.Evaluation, seedPrompt string) error

	InsertLog(log *structs.Log) error
	LogByID(id string) (*structs.Log, error)
	LogsForSkill(skillID string, after time.Time, embeddedOnly bool, limit int) ([]*structs.Log, error)
	CountLogsForSkill(skillID string, after time.Time, embeddedOnly bool) (int, error)
	DeleteLogsBefore(skillID string, cutoff time.Time) (int, error)

	AppendEvaluationRun(run *structs.EvaluationRun) error
	EvaluationRunsForArm(armID string) ([]*structs.EvaluationRun, error)
	EvaluationRunsForLog(logID string) ([]*structs.EvaluationRun, error)
	EvaluationRunsForSkill(skillID string) ([]*structs.EvaluationRun, error)
	DeleteEvaluationRunsBefore(skillID string, cutoff time.Time) (int, error)
}

// UpstreamClient proxies resolved requests to an LLM provider. The runtime
// treats bodies as opaque; only the system prompt and model are substituted
// before the call.
type UpstreamClient interface {
	Invoke(ctx context.Context, req *structs.UpstreamRequest) (*structs.UpstreamResponse, error)
}

// JudgeClient runs one LLM-as-judge call. Failures should be returned as
// *structs.JudgeError so retry classification never inspects error text.
type JudgeClient interface {
	Judge(ctx context.Context, req *structs.JudgeRequest) (*structs.JudgeResponse, error)
}

// Embedder turns request text into the embedding used for cluster routing.
// The vector dimension is fixed per deployment; the runtime does not assume
// it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// MetaPrompter performs the LLM calls that rewrite a skill's evaluations and
// prompts. Implementations receive full entities and return replacements;
// identity management stays with the caller.
type MetaPrompter interface {
	// RegenerateEvaluations proposes a replacement evaluation set from the
	// skill's current set and early example logs. Returned evaluations may
	// omit IDs; the reflection controller matches them to existing rows by
	// method.
	RegenerateEvaluations(ctx context.Context, skill *structs.Skill, current []*structs.Evaluation, examples []*structs.Log) ([]*structs.Evaluation, error)

	// RegenerateSeedPrompt proposes a single system prompt seeded from the
	// example logs, applied to every arm of the skill.
	RegenerateSeedPrompt(ctx context.Context, skill *structs.Skill, examples []*structs.Log) (string, error)

	// RewritePrompt proposes a replacement system prompt for one arm given
	// its best and worst scored samples.
	RewritePrompt(ctx context.Context, skill *structs.Skill, arm *structs.Arm, best, worst []*structs.ReflectionExample) (string, error)
}
