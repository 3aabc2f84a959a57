package hone

import (
	"context"
	"errors"
	"fmt"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/samber/lo"

	"github.com/hone-ai/hone/helper/uuid"
	"github.com/hone-ai/hone/hone/structs"
	"github.com/hone-ai/hone/kmeans"
)

// MaintenanceResult is the message broadcast on the maintenance notifier
// when a controller pass finishes, successfully or not.
type MaintenanceResult struct {
	Kind    string
	SkillID string
	Err     error
}

// partitionSkill is the goroutine entry point for one partitioning pass. It
// owns the inflight slot taken by the trigger and never lets an error escape
// to the request path.
func (s *Server) partitionSkill(skillID string) {
	defer s.clearInflight(skillID, structs.LockPurposeOptimize)
	defer metrics.MeasureSince([]string{"hone", "partition", "pass"}, time.Now())

	err := s.runPartition(skillID)
	switch {
	case err == nil:
	case errors.Is(err, structs.ErrLockHeld):
		s.logger.Debug("partitioning already in progress elsewhere", "skill_id", skillID)
	default:
		s.logger.Error("partitioning failed", "skill_id", skillID, "error", err)
		metrics.IncrCounter([]string{"hone", "partition", "failed"}, 1)
	}

	s.maintNotifier.Notify(&MaintenanceResult{
		Kind:    structs.TypePartitioningCompleted,
		SkillID: skillID,
		Err:     err,
	})
}

// runPartition re-clusters the skill's embedded logs since the watermark and
// rebinds the resulting centroids to the existing clusters so arm identity
// survives. The watermark advances even when k-means is skipped for a
// single-configuration skill.
func (s *Server) runPartition(skillID string) error {
	handle, err := s.locks.Acquire(skillID, structs.LockPurposeOptimize, nil)
	if err != nil {
		return err
	}
	defer handle.Release(nil)

	skill := handle.Skill
	ctx, cancel := context.WithTimeout(context.Background(), s.config.PartitionTimeout)
	defer cancel()

	if err := s.queryLimiter.Wait(ctx); err != nil {
		return err
	}
	logs, err := s.store.LogsForSkill(
		skillID, skill.LastClusteringLogStartTime, true, s.config.PartitionLogCap)
	if err != nil {
		return fmt.Errorf("log fetch failed: %v", err)
	}
	if len(logs) < skill.ClusteringInterval {
		s.logger.Debug("not enough logs to partition",
			"skill_id", skillID, "logs", len(logs), "interval", skill.ClusteringInterval)
		return nil
	}

	watermark := logs[len(logs)-1].StartTime
	k := skill.EffectiveConfigurationCount()

	clusterCount := 0
	if k > 1 {
		clusterCount, err = s.repartition(ctx, skill, logs, k, handle.Token)
		if err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	err = handle.Release(func(sk *structs.Skill) {
		sk.LastClusteringAt = now
		sk.LastClusteringLogStartTime = watermark
		sk.LastClusteringToken = handle.Token
	})
	if err != nil {
		return fmt.Errorf("completion release failed: %v", err)
	}

	s.emit(structs.TypePartitioningCompleted, skillID, &structs.PartitioningCompletedPayload{
		SkillID:   skillID,
		Clusters:  clusterCount,
		LogsUsed:  len(logs),
		Watermark: watermark.UnixNano(),
	})
	s.logger.Info("partitioning completed",
		"skill_id", skillID, "logs", len(logs), "clusters", clusterCount)
	metrics.IncrCounter([]string{"hone", "partition", "completed"}, 1)
	return nil
}

// repartition runs k-means over the logs' embeddings and writes the matched
// centroids back, materializing clusters for centroids no existing cluster
// claimed. It returns the skill's cluster count after the write.
func (s *Server) repartition(ctx context.Context, skill *structs.Skill, logs []*structs.Log, k int, token uint64) (int, error) {
	points := lo.Map(logs, func(log *structs.Log, _ int) []float64 { return log.Embedding })

	result, err := kmeans.Run(points, kmeans.Config{
		K:   k,
		Src: s.config.randSource(token),
	})
	if err != nil {
		return 0, fmt.Errorf("k-means failed: %v", err)
	}
	if ctx.Err() != nil {
		return 0, fmt.Errorf("partitioning exceeded its %s budget", s.config.PartitionTimeout)
	}

	if err := s.queryLimiter.Wait(ctx); err != nil {
		return 0, err
	}
	existing, err := s.store.ClustersBySkill(skill.ID)
	if err != nil {
		return 0, fmt.Errorf("cluster fetch failed: %v", err)
	}

	centroids := make([][]float64, len(existing))
	for i, cluster := range existing {
		centroids[i] = cluster.Centroid
	}
	binding, unmatched := kmeans.MatchCentroids(centroids, result.Centroids)

	var writes []*structs.Cluster
	for i, cluster := range existing {
		if binding[i] == -1 {
			continue
		}
		updated := cluster.Copy()
		updated.Centroid = result.Centroids[binding[i]]
		writes = append(writes, updated)
	}

	// Centroids beyond the existing cluster count become new clusters with
	// their own seeded arms. This is how the first partitioning pass grows
	// the single cold-start cluster to the configured count.
	var newArms []*structs.Arm
	for n, j := range unmatched {
		cluster := &structs.Cluster{
			ID:       uuid.Generate(),
			SkillID:  skill.ID,
			Name:     structs.SeededClusterName(len(existing) + n),
			Centroid: result.Centroids[j],
		}
		writes = append(writes, cluster)
		for a := 0; a < k; a++ {
			newArms = append(newArms, &structs.Arm{
				ID:        uuid.Generate(),
				SkillID:   skill.ID,
				ClusterID: cluster.ID,
				Name:      structs.SeededArmName(a),
				Params:    skill.Defaults.Copy(),
				Source:    structs.ArmSourceSeed,
			})
		}
	}

	if err := s.store.UpsertClusters(writes); err != nil {
		return 0, fmt.Errorf("centroid write failed: %v", err)
	}
	if err := s.store.UpsertArms(newArms); err != nil {
		return 0, fmt.Errorf("arm seeding failed: %v", err)
	}

	return len(existing) + len(unmatched), nil
}
