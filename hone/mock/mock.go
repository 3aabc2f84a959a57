// Package mock provides realistic fixtures for the skill-optimization data
// model plus scripted implementations of the runtime's external ports.
package mock

import (
	"fmt"
	"time"

	"github.com/hone-ai/hone/helper/pointer"
	"github.com/hone-ai/hone/helper/uuid"
	"github.com/hone-ai/hone/hone/structs"
)

// Skill returns a valid optimizing skill with three configurations and a
// small clustering interval so tests can trigger partitioning cheaply.
func Skill() *structs.Skill {
	skill := &structs.Skill{
		ID:          uuid.Generate(),
		AgentID:     "agent-" + uuid.Short(),
		Name:        "summarize-ticket",
		Description: "Summarize a support ticket into a two sentence brief.",
		Defaults: &structs.ArmParams{
			SystemPrompt: "You summarize support tickets. Reply with two sentences.",
			Provider:     "openai",
			Model:        "gpt-4o-mini",
			Temperature:  pointer.Of(0.2),
			MaxTokens:    pointer.Of(512),
		},
		ConfigurationCount:          3,
		ClusteringInterval:          10,
		ReflectionMinRequestsPerArm: 3,
		ExplorationTemperature:      1.0,
		AllowedTemplateVariables:    []string{"customer_name", "product"},
		Optimize:                    true,
		CreateTime:                  time.Now().UnixNano(),
		ModifyTime:                  time.Now().UnixNano(),
	}
	skill.Canonicalize()
	return skill
}

// SkillNoOptimize returns a skill with optimization disabled, serving the
// single implicit arm built from its defaults.
func SkillNoOptimize() *structs.Skill {
	skill := Skill()
	skill.Name = "summarize-ticket-static"
	skill.Optimize = false
	return skill
}

// Cluster returns a cluster owned by the given skill with a 2-dimensional
// centroid.
func Cluster(skillID string) *structs.Cluster {
	return &structs.Cluster{
		ID:         uuid.Generate(),
		SkillID:    skillID,
		Name:       structs.SeededClusterName(0),
		Centroid:   []float64{1, 0},
		CreateTime: time.Now().UnixNano(),
		ModifyTime: time.Now().UnixNano(),
	}
}

// Arm returns a seeded arm scoped to the given cluster.
func Arm(skillID, clusterID string) *structs.Arm {
	return &structs.Arm{
		ID:        uuid.Generate(),
		SkillID:   skillID,
		ClusterID: clusterID,
		Name:      structs.SeededArmName(0),
		Params: &structs.ArmParams{
			SystemPrompt: "You summarize support tickets. Reply with two sentences.",
			Provider:     "openai",
			Model:        "gpt-4o-mini",
			Temperature:  pointer.Of(0.2),
		},
		Source:     structs.ArmSourceSeed,
		CreateTime: time.Now().UnixNano(),
		ModifyTime: time.Now().UnixNano(),
	}
}

// Arms returns n seeded arms for the cluster with canonical names.
func Arms(skillID, clusterID string, n int) []*structs.Arm {
	arms := make([]*structs.Arm, n)
	for i := 0; i < n; i++ {
		arm := Arm(skillID, clusterID)
		arm.Name = structs.SeededArmName(i)
		arms[i] = arm
	}
	return arms
}

// ArmStat returns statistics for an arm as if it had observed the given
// rewards.
func ArmStat(arm *structs.Arm, rewards ...float64) *structs.ArmStat {
	stat := &structs.ArmStat{
		ArmID:     arm.ID,
		SkillID:   arm.SkillID,
		ClusterID: arm.ClusterID,
	}
	for _, r := range rewards {
		stat.Observe(r)
	}
	return stat
}

// JudgeEvaluation returns an llm-judge evaluation for the skill.
func JudgeEvaluation(skillID string) *structs.Evaluation {
	eval := &structs.Evaluation{
		ID:      uuid.Generate(),
		SkillID: skillID,
		Method:  structs.EvalMethodLLMJudge,
		JudgeParams: &structs.JudgeParams{
			Criteria: "Response is a faithful two sentence summary of the ticket.",
			Guidance: "Penalize summaries that invent details.",
		},
		Weight:     1.0,
		CreateTime: time.Now().UnixNano(),
		ModifyTime: time.Now().UnixNano(),
	}
	return eval
}

// SchemaEvaluation returns a response-schema evaluation for the skill.
func SchemaEvaluation(skillID string) *structs.Evaluation {
	return &structs.Evaluation{
		ID:      uuid.Generate(),
		SkillID: skillID,
		Method:  structs.EvalMethodResponseSchema,
		SchemaParams: &structs.SchemaParams{
			RequiredFields: []string{"summary"},
		},
		Weight:     0.5,
		CreateTime: time.Now().UnixNano(),
		ModifyTime: time.Now().UnixNano(),
	}
}

// Log returns an embedded log attributed to the given cluster and arm.
func Log(skillID, clusterID, armID string) *structs.Log {
	return &structs.Log{
		ID:           uuid.Generate(),
		SkillID:      skillID,
		ClusterID:    clusterID,
		ArmID:        armID,
		RequestBody:  "Customer reports the export button hangs on large projects.",
		ResponseBody: `{"summary": "Export hangs on large projects. Engineering is investigating."}`,
		Embedding:    []float64{1, 0},
		StartTime:    time.Now(),
	}
}

// Logs returns n embedded logs with strictly increasing start times spaced
// one millisecond apart.
func Logs(skillID, clusterID, armID string, n int) []*structs.Log {
	base := time.Now()
	logs := make([]*structs.Log, n)
	for i := 0; i < n; i++ {
		log := Log(skillID, clusterID, armID)
		log.RequestBody = fmt.Sprintf("Ticket %d: export button hangs on large projects.", i+1)
		log.StartTime = base.Add(time.Duration(i) * time.Millisecond)
		logs[i] = log
	}
	return logs
}

// EvaluationRun returns a completed run for the given log with a single
// judge result.
func EvaluationRun(log *structs.Log) *structs.EvaluationRun {
	return &structs.EvaluationRun{
		ID:        uuid.Generate(),
		SkillID:   log.SkillID,
		LogID:     log.ID,
		ClusterID: log.ClusterID,
		ArmID:     log.ArmID,
		Results: []*structs.EvaluationResult{
			{
				Method:    structs.EvalMethodLLMJudge,
				Score:     0.8,
				Reasoning: "Accurate summary, slightly verbose.",
			},
		},
		Reward:       0.8,
		StatsUpdated: true,
		CreateTime:   time.Now().UnixNano(),
	}
}
