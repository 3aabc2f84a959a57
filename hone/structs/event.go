package structs

// Topic is an event subscription subject.
type Topic string

const (
	TopicSkill Topic = "Skill"
)

// Event type names emitted by the runtime. Emission is fire and forget and
// carries no cross-event ordering guarantee.
const (
	TypeArmSelected            = "arm-selected"
	TypeEvaluationRunCreated   = "evaluation-run-created"
	TypeEvaluationsRegenerated = "evaluations-regenerated"
	TypePartitioningCompleted  = "partitioning-completed"
	TypeReflectionCompleted    = "reflection-completed"
)

// Event is a single named occurrence published to sinks. Key is the owning
// skill id so sinks can shard by skill.
type Event struct {
	Topic   Topic
	Type    string
	Key     string
	Index   uint64
	Payload interface{}
}

// ArmSelectedPayload accompanies TypeArmSelected.
type ArmSelectedPayload struct {
	SkillID   string
	ClusterID string
	ArmID     string
	ArmName   string
	LogID     string
}

// EvaluationRunPayload accompanies TypeEvaluationRunCreated.
type EvaluationRunPayload struct {
	Run *EvaluationRun
}

// EvaluationsRegeneratedPayload accompanies TypeEvaluationsRegenerated.
type EvaluationsRegeneratedPayload struct {
	SkillID       string
	EvaluationIDs []string
}

// PartitioningCompletedPayload accompanies TypePartitioningCompleted.
type PartitioningCompletedPayload struct {
	SkillID   string
	Clusters  int
	LogsUsed  int
	Watermark int64
}

// ReflectionCompletedPayload accompanies TypeReflectionCompleted.
type ReflectionCompletedPayload struct {
	SkillID   string
	ClusterID string
	ArmID     string
	ArmName   string
}
