package hone

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/hone-ai/hone/helper/uuid"
	"github.com/hone-ai/hone/hone/structs"
)

// errRegenerationDone is the benign abort when the completion flag was set
// between the trigger check and the lock acquisition.
var errRegenerationDone = errors.New("early regeneration already completed")

// earlyRegenerate is the goroutine entry point for the one-shot evaluation
// and seed prompt rewrite. It owns the inflight slot taken by the trigger.
func (s *Server) earlyRegenerate(skillID string) {
	defer s.clearInflight(skillID, structs.LockPurposeReflect)
	defer metrics.MeasureSince([]string{"hone", "reflect", "regen_pass"}, time.Now())

	err := s.runEarlyRegeneration(skillID)
	switch {
	case err == nil:
	case errors.Is(err, structs.ErrLockHeld), errors.Is(err, errRegenerationDone):
		s.logger.Debug("early regeneration not needed",
			"skill_id", skillID, "reason", err)
	default:
		s.logger.Error("early regeneration failed", "skill_id", skillID, "error", err)
		metrics.IncrCounter([]string{"hone", "reflect", "regen_failed"}, 1)
	}

	s.maintNotifier.Notify(&MaintenanceResult{
		Kind:    structs.TypeEvaluationsRegenerated,
		SkillID: skillID,
		Err:     err,
	})
}

// runEarlyRegeneration rewrites the skill's evaluation set and seed prompt
// from its first embedded logs, exactly once per skill. Every arm restarts
// from the new seed with cleared statistics; the completion flag travels
// with the lock release so no second pass can slip in. Any failure releases
// the lock untouched and the next request retries.
func (s *Server) runEarlyRegeneration(skillID string) error {
	handle, err := s.locks.Acquire(skillID, structs.LockPurposeReflect,
		func(fresh *structs.Skill) error {
			if fresh.EarlyRegenerationDone() {
				return errRegenerationDone
			}
			return nil
		})
	if err != nil {
		return err
	}
	defer handle.Release(nil)

	skill := handle.Skill
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ReflectTimeout)
	defer cancel()

	if err := s.queryLimiter.Wait(ctx); err != nil {
		return err
	}
	examples, err := s.store.LogsForSkill(skillID, time.Time{}, true, s.config.EarlyRegenMinLogs)
	if err != nil {
		return fmt.Errorf("example fetch failed: %v", err)
	}
	if len(examples) == 0 {
		return fmt.Errorf("no embedded logs to regenerate from")
	}
	current, err := s.store.EvaluationsBySkill(skillID)
	if err != nil {
		return fmt.Errorf("evaluation fetch failed: %v", err)
	}

	var (
		proposed []*structs.Evaluation
		seed     string
	)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		evals, err := s.meta.RegenerateEvaluations(ctx, skill, current, examples)
		if err != nil {
			return fmt.Errorf("evaluation regeneration failed: %v", err)
		}
		proposed = evals
		return nil
	})
	g.Go(func() error {
		prompt, err := s.meta.RegenerateSeedPrompt(ctx, skill, examples)
		if err != nil {
			return fmt.Errorf("seed prompt regeneration failed: %v", err)
		}
		seed = prompt
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if seed == "" {
		return fmt.Errorf("regenerated seed prompt is empty")
	}

	matched, err := matchEvaluations(skillID, current, proposed)
	if err != nil {
		return err
	}
	if err := s.store.ApplyRegeneration(skillID, matched, seed); err != nil {
		return fmt.Errorf("regeneration write failed: %v", err)
	}

	now := time.Now().UTC()
	err = handle.Release(func(sk *structs.Skill) {
		sk.EvaluationsRegeneratedAt = now
		sk.Defaults.SystemPrompt = seed
	})
	if err != nil {
		return fmt.Errorf("completion release failed: %v", err)
	}

	ids := lo.Map(matched, func(eval *structs.Evaluation, _ int) string { return eval.ID })
	s.emit(structs.TypeEvaluationsRegenerated, skillID, &structs.EvaluationsRegeneratedPayload{
		SkillID:       skillID,
		EvaluationIDs: ids,
	})
	s.logger.Info("early regeneration completed",
		"skill_id", skillID, "evaluations", len(matched))
	metrics.IncrCounter([]string{"hone", "reflect", "regen_completed"}, 1)
	return nil
}

// matchEvaluations assigns identities to a proposed evaluation set: each
// proposal inherits the ID of an unclaimed existing evaluation with the same
// method, and genuinely new proposals get fresh IDs. Canonicalize and
// Validate run here so a malformed meta-prompt reply never reaches storage.
func matchEvaluations(skillID string, current, proposed []*structs.Evaluation) ([]*structs.Evaluation, error) {
	free := make(map[structs.EvaluationMethod][]string)
	for _, eval := range current {
		free[eval.Method] = append(free[eval.Method], eval.ID)
	}

	out := make([]*structs.Evaluation, len(proposed))
	for i, eval := range proposed {
		eval = eval.Copy()
		eval.SkillID = skillID
		if eval.ID == "" {
			if ids := free[eval.Method]; len(ids) > 0 {
				eval.ID = ids[0]
				free[eval.Method] = ids[1:]
			} else {
				eval.ID = uuid.Generate()
			}
		}
		eval.Canonicalize()
		if err := eval.Validate(); err != nil {
			return nil, fmt.Errorf("regenerated evaluation invalid: %v", err)
		}
		out[i] = eval
	}
	return out, nil
}

// maybeScheduleReflection launches an ongoing reflection pass when some
// cluster of the skill has every arm at or past the warm-up floor. Only the
// first eligible cluster is scheduled; the next completed evaluation checks
// again. Reflection never runs before early regeneration has rewritten the
// evaluation set.
func (s *Server) maybeScheduleReflection(skill *structs.Skill) {
	if !skill.Optimize || !skill.EarlyRegenerationDone() {
		return
	}
	clusterID, err := s.eligibleReflectionCluster(skill)
	if err != nil {
		s.logger.Error("reflection eligibility check failed",
			"skill_id", skill.ID, "error", err)
		return
	}
	if clusterID == "" {
		return
	}
	if s.tryMarkInflight(skill.ID, structs.LockPurposeReflect) {
		go s.reflectCluster(skill.ID, clusterID)
	}
}

// eligibleReflectionCluster returns the first cluster, by ID, whose arms all
// meet the warm-up floor, or empty when none qualifies. Arms without a stat
// row are unobserved and disqualify their cluster.
func (s *Server) eligibleReflectionCluster(skill *structs.Skill) (string, error) {
	clusters, err := s.store.ClustersBySkill(skill.ID)
	if err != nil {
		return "", err
	}
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].ID < clusters[j].ID })

	floor := uint64(skill.ReflectionMinRequestsPerArm)
	for _, cluster := range clusters {
		arms, err := s.store.ArmsByCluster(cluster.ID)
		if err != nil {
			return "", err
		}
		if len(arms) == 0 {
			continue
		}
		stats, err := s.store.ArmStatsByCluster(cluster.ID)
		if err != nil {
			return "", err
		}
		warm := lo.EveryBy(arms, func(arm *structs.Arm) bool {
			stat, ok := stats[arm.ID]
			return ok && stat.N >= floor
		})
		if warm {
			return cluster.ID, nil
		}
	}
	return "", nil
}

// reflectCluster is the goroutine entry point for one ongoing reflection
// pass over a cluster.
func (s *Server) reflectCluster(skillID, clusterID string) {
	defer s.clearInflight(skillID, structs.LockPurposeReflect)
	defer metrics.MeasureSince([]string{"hone", "reflect", "pass"}, time.Now())

	err := s.runReflection(skillID, clusterID)
	switch {
	case err == nil:
	case errors.Is(err, structs.ErrLockHeld):
		s.logger.Debug("reflection already in progress elsewhere", "skill_id", skillID)
	default:
		s.logger.Error("reflection failed",
			"skill_id", skillID, "cluster_id", clusterID, "error", err)
		metrics.IncrCounter([]string{"hone", "reflect", "failed"}, 1)
	}

	s.maintNotifier.Notify(&MaintenanceResult{
		Kind:    structs.TypeReflectionCompleted,
		SkillID: skillID,
		Err:     err,
	})
}

// runReflection rewrites the system prompt of every arm in the cluster from
// its best and worst scored samples, resetting each arm's statistics as it
// goes. The warm-up floor is re-verified under the lock: evaluation runs
// landing between the trigger and the lock can only add observations, but a
// concurrent regeneration may have cleared them.
func (s *Server) runReflection(skillID, clusterID string) error {
	handle, err := s.locks.Acquire(skillID, structs.LockPurposeReflect, nil)
	if err != nil {
		return err
	}
	defer handle.Release(nil)

	skill := handle.Skill
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ReflectTimeout)
	defer cancel()

	if err := s.queryLimiter.Wait(ctx); err != nil {
		return err
	}
	arms, err := s.store.ArmsByCluster(clusterID)
	if err != nil {
		return fmt.Errorf("arm fetch failed: %v", err)
	}
	if len(arms) == 0 {
		return fmt.Errorf("cluster %q has no arms", clusterID)
	}
	stats, err := s.store.ArmStatsByCluster(clusterID)
	if err != nil {
		return fmt.Errorf("arm stat fetch failed: %v", err)
	}

	floor := uint64(skill.ReflectionMinRequestsPerArm)
	for _, arm := range arms {
		stat, ok := stats[arm.ID]
		if !ok || stat.N < floor {
			s.logger.Debug("cluster fell below the warm-up floor; skipping reflection",
				"skill_id", skillID, "cluster_id", clusterID, "arm_id", arm.ID)
			return nil
		}
	}

	sort.Slice(arms, func(i, j int) bool { return arms[i].Name < arms[j].Name })

	for _, arm := range arms {
		if ctx.Err() != nil {
			return fmt.Errorf("reflection exceeded its %s budget", s.config.ReflectTimeout)
		}
		if err := s.reflectArm(ctx, skill, arm); err != nil {
			return fmt.Errorf("arm %q: %v", arm.Name, err)
		}
	}

	s.logger.Info("reflection completed",
		"skill_id", skillID, "cluster_id", clusterID, "arms", len(arms))
	metrics.IncrCounter([]string{"hone", "reflect", "completed"}, 1)
	return nil
}

// reflectArm rewrites one arm's system prompt from its extremes: the single
// best run and the configured number of worst ones.
func (s *Server) reflectArm(ctx context.Context, skill *structs.Skill, arm *structs.Arm) error {
	best, worst, err := s.armExtremes(ctx, arm.ID)
	if err != nil {
		return err
	}
	if len(best) == 0 {
		return fmt.Errorf("no scored samples")
	}

	prompt, err := s.meta.RewritePrompt(ctx, skill, arm, best, worst)
	if err != nil {
		return fmt.Errorf("prompt rewrite failed: %v", err)
	}
	if prompt == "" {
		return fmt.Errorf("rewritten prompt is empty")
	}

	if err := s.store.RewriteArmPrompt(arm.ID, prompt); err != nil {
		return fmt.Errorf("prompt write failed: %v", err)
	}

	s.emit(structs.TypeReflectionCompleted, skill.ID, &structs.ReflectionCompletedPayload{
		SkillID:   skill.ID,
		ClusterID: arm.ClusterID,
		ArmID:     arm.ID,
		ArmName:   arm.Name,
	})
	return nil
}

// armExtremes returns the arm's single best evaluation run and its worst
// ones, each joined to the log it scored, for use as reflection examples.
func (s *Server) armExtremes(ctx context.Context, armID string) (best, worst []*structs.ReflectionExample, err error) {
	if err := s.queryLimiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	runs, err := s.store.EvaluationRunsForArm(armID)
	if err != nil {
		return nil, nil, fmt.Errorf("run fetch failed: %v", err)
	}
	if len(runs) == 0 {
		return nil, nil, nil
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].Reward > runs[j].Reward })

	example := func(run *structs.EvaluationRun) (*structs.ReflectionExample, error) {
		log, err := s.store.LogByID(run.LogID)
		if err != nil {
			return nil, fmt.Errorf("log fetch failed: %v", err)
		}
		if log == nil {
			return nil, nil
		}
		return &structs.ReflectionExample{Log: log, Reward: run.Reward}, nil
	}

	top, err := example(runs[0])
	if err != nil {
		return nil, nil, err
	}
	if top != nil {
		best = append(best, top)
	}

	n := s.config.ReflectionWorstExamples
	for i := len(runs) - 1; i >= 0 && len(worst) < n; i-- {
		if i == 0 && len(best) > 0 {
			// The single remaining run is already the best example.
			break
		}
		ex, err := example(runs[i])
		if err != nil {
			return nil, nil, err
		}
		if ex != nil {
			worst = append(worst, ex)
		}
	}
	return best, worst, nil
}
