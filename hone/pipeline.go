package hone

import (
	"context"
	"fmt"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/hone-ai/hone/helper/uuid"
	"github.com/hone-ai/hone/hone/structs"
)

// HandleRequest serves one request through a skill: embed, route, select an
// arm, call the provider, and record the log. It returns once the upstream
// reply is in hand; evaluation and the background controllers are scheduled
// and never awaited.
//
// Failures before the upstream call fail the request. An embedder failure
// does not: the request is routed without semantic placement and its log
// carries no embedding.
func (s *Server) HandleRequest(ctx context.Context, req *structs.SkillRequest) (*structs.SkillResponse, error) {
	defer metrics.MeasureSince([]string{"hone", "request", "handle"}, time.Now())

	if err := req.Validate(); err != nil {
		return nil, err
	}

	skill, err := s.store.SkillByAgentAndName(req.AgentID, req.SkillName)
	if err != nil {
		return nil, fmt.Errorf("skill lookup failed: %v", err)
	}
	if skill == nil {
		return nil, fmt.Errorf("skill %q for agent %q: %w",
			req.SkillName, req.AgentID, structs.ErrNotFound)
	}

	embedding, err := s.embedder.Embed(ctx, req.Input)
	if err != nil {
		s.logger.Warn("embedding failed; routing without placement",
			"skill_id", skill.ID, "error", err)
		metrics.IncrCounter([]string{"hone", "request", "embed_failed"}, 1)
		embedding = nil
	}

	clusterID, err := s.router.Route(skill, embedding)
	if err != nil {
		return nil, err
	}

	arm, err := s.selectArm(skill, clusterID)
	if err != nil {
		return nil, err
	}

	resp, err := s.invokeUpstream(ctx, skill, arm, req)
	if err != nil {
		return nil, err
	}

	log := &structs.Log{
		ID:           uuid.Generate(),
		SkillID:      skill.ID,
		ClusterID:    clusterID,
		ArmID:        arm.ID,
		RequestBody:  req.Input,
		ResponseBody: resp.Output,
		Embedding:    embedding,
		Metadata:     req.Metadata,
		StartTime:    time.Now().UTC(),
	}
	if err := s.recordLog(log); err != nil {
		return nil, err
	}

	s.emit(structs.TypeArmSelected, skill.ID, &structs.ArmSelectedPayload{
		SkillID:   skill.ID,
		ClusterID: clusterID,
		ArmID:     arm.ID,
		ArmName:   arm.Name,
		LogID:     log.ID,
	})
	metrics.IncrCounterWithLabels([]string{"hone", "request", "served"}, 1,
		[]metrics.Label{{Name: "skill", Value: skill.Name}})

	s.checkTriggers(skill)

	return &structs.SkillResponse{
		LogID:     log.ID,
		SkillID:   skill.ID,
		ClusterID: clusterID,
		ArmID:     arm.ID,
		Output:    resp.Output,
		Provider:  arm.Params.Provider,
		Model:     resp.Model,
	}, nil
}

// selectArm asks the bandit for the cluster's arm to play.
func (s *Server) selectArm(skill *structs.Skill, clusterID string) (*structs.Arm, error) {
	arms, err := s.store.ArmsByCluster(clusterID)
	if err != nil {
		return nil, fmt.Errorf("arm lookup failed: %v", err)
	}
	stats, err := s.store.ArmStatsByCluster(clusterID)
	if err != nil {
		return nil, fmt.Errorf("arm stat lookup failed: %v", err)
	}
	return s.selector.Select(skill, arms, stats)
}

// invokeUpstream resolves the arm into a provider call and executes it. A
// provider failure marks the (provider, model) pair for cooldown and is
// surfaced to the caller; nothing is persisted for the request.
func (s *Server) invokeUpstream(ctx context.Context, skill *structs.Skill, arm *structs.Arm, req *structs.SkillRequest) (*structs.UpstreamResponse, error) {
	defer metrics.MeasureSince([]string{"hone", "request", "upstream"}, time.Now())

	prompt := structs.InterpolatePrompt(
		arm.Params.SystemPrompt, skill.AllowedTemplateVariables, req.Metadata)

	if s.cooldown.CoolingDown(arm.Params.Provider, arm.Params.Model) {
		s.logger.Warn("invoking recently failed provider",
			"provider", arm.Params.Provider, "model", arm.Params.Model)
		metrics.IncrCounter([]string{"hone", "upstream", "cooldown_hit"}, 1)
	}

	resp, err := s.upstream.Invoke(ctx, &structs.UpstreamRequest{
		Provider:     arm.Params.Provider,
		Model:        arm.Params.Model,
		SystemPrompt: prompt,
		Input:        req.Input,
		Temperature:  arm.Params.Temperature,
		MaxTokens:    arm.Params.MaxTokens,
	})
	if err != nil {
		s.cooldown.MarkFailed(arm.Params.Provider, arm.Params.Model)
		metrics.IncrCounter([]string{"hone", "upstream", "failed"}, 1)
		if _, ok := err.(*structs.UpstreamError); ok {
			return nil, err
		}
		return nil, structs.NewUpstreamError(arm.Params.Provider, arm.Params.Model, 0, err)
	}
	return resp, nil
}

// recordLog persists the log, advances the cluster step counter, and hands
// the log to the evaluation broker. The enqueue is skipped if the insert
// fails, so a log either exists with an evaluation scheduled or not at all.
func (s *Server) recordLog(log *structs.Log) error {
	if err := s.store.InsertLog(log); err != nil {
		return fmt.Errorf("log insert failed: %v", err)
	}
	if _, err := s.store.IncrementClusterSteps(log.ClusterID); err != nil {
		s.logger.Error("cluster step increment failed",
			"cluster_id", log.ClusterID, "error", err)
	}
	s.evalBroker.Enqueue(&EvalTask{LogID: log.ID, SkillID: log.SkillID})
	return nil
}

// checkTriggers arms the background controllers off the request path. Both
// triggers read counters from storage; failures are logged and the trigger
// re-arms on the next request.
func (s *Server) checkTriggers(skill *structs.Skill) {
	if !skill.Optimize {
		return
	}

	if !skill.EarlyRegenerationDone() {
		n, err := s.store.CountLogsForSkill(skill.ID, time.Time{}, true)
		if err != nil {
			s.logger.Error("early regeneration trigger check failed",
				"skill_id", skill.ID, "error", err)
		} else if n >= s.config.EarlyRegenMinLogs {
			if s.tryMarkInflight(skill.ID, structs.LockPurposeReflect) {
				go s.earlyRegenerate(skill.ID)
			}
		}
		// Ongoing reflection waits for early regeneration; partitioning
		// does not.
	}

	// The trigger counts the same population the partitioner consumes:
	// embedded logs past the watermark.
	n, err := s.store.CountLogsForSkill(skill.ID, skill.LastClusteringLogStartTime, true)
	if err != nil {
		s.logger.Error("partitioning trigger check failed",
			"skill_id", skill.ID, "error", err)
		return
	}
	if n >= skill.ClusteringInterval {
		if s.tryMarkInflight(skill.ID, structs.LockPurposeOptimize) {
			go s.partitionSkill(skill.ID)
		}
	}

	if skill.EarlyRegenerationDone() {
		s.maybeScheduleReflection(skill)
	}
}
