package hone

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hone-ai/hone/ci"
	"github.com/hone-ai/hone/hone/mock"
	"github.com/hone-ai/hone/hone/structs"
	"github.com/hone-ai/hone/testutil"
)

// seedWarmSkill installs a skill with one cluster, a full arm set, and one
// observed arm so identity preservation across partitioning is checkable.
func seedWarmSkill(t *testing.T, server *Server) (*structs.Skill, *structs.Cluster, []*structs.Arm) {
	t.Helper()

	skill := mock.Skill()
	must.NoError(t, server.store.UpsertSkill(skill))

	cluster := mock.Cluster(skill.ID)
	must.NoError(t, server.store.UpsertClusters([]*structs.Cluster{cluster}))

	arms := mock.Arms(skill.ID, cluster.ID, skill.ConfigurationCount)
	must.NoError(t, server.store.UpsertArms(arms))
	must.NoError(t, server.store.UpdateArmStat(mock.ArmStat(arms[0], 0.9, 0.7), 0))

	return skill, cluster, arms
}

func TestServer_Partition_GrowsClusters(t *testing.T) {
	ci.Parallel(t)

	server, _, cleanup := TestServer(t, nil)
	defer cleanup()

	skill, cluster, arms := seedWarmSkill(t, server)

	// Ten embedded logs in two separable groups.
	logs := mock.Logs(skill.ID, cluster.ID, arms[0].ID, 10)
	for i, log := range logs {
		if i < 6 {
			log.Embedding = []float64{1, float64(i) * 0.01}
		} else {
			log.Embedding = []float64{float64(i-6) * 0.01, 1}
		}
		must.NoError(t, server.store.InsertLog(log))
	}

	must.NoError(t, server.runPartition(skill.ID))

	// The pass advances the watermark and stamps its fencing token.
	fresh, err := server.store.SkillByID(skill.ID)
	must.NoError(t, err)
	must.True(t, fresh.LastClusteringLogStartTime.Equal(logs[9].StartTime))
	must.NotEq(t, 0, fresh.LastClusteringToken)
	must.False(t, fresh.LastClusteringAt.IsZero())

	// The single cold-start cluster grew to the configured count, and the
	// original cluster survived under its own ID.
	clusters, err := server.store.ClustersBySkill(skill.ID)
	must.NoError(t, err)
	must.Len(t, 3, clusters)

	found := false
	for _, c := range clusters {
		if c.ID == cluster.ID {
			found = true
		}
	}
	must.True(t, found)

	// Existing arms and their statistics are untouched; the new clusters
	// each got a fresh seeded set.
	kept, err := server.store.ArmsByCluster(cluster.ID)
	must.NoError(t, err)
	must.Len(t, 3, kept)

	stat, err := server.store.ArmStatByArmID(arms[0].ID)
	must.NoError(t, err)
	must.NotNil(t, stat)
	must.Eq(t, 2, stat.N)

	all, err := server.store.ArmsBySkill(skill.ID)
	must.NoError(t, err)
	must.Len(t, 9, all)
	for _, arm := range all {
		if arm.ClusterID == cluster.ID {
			continue
		}
		must.Eq(t, structs.ArmSourceSeed, arm.Source)
		must.Eq(t, skill.Defaults.SystemPrompt, arm.Params.SystemPrompt)
	}
}

func TestServer_Partition_SingleConfiguration(t *testing.T) {
	ci.Parallel(t)

	server, _, cleanup := TestServer(t, nil)
	defer cleanup()

	skill := mock.Skill()
	skill.ConfigurationCount = 1
	must.NoError(t, server.store.UpsertSkill(skill))

	cluster := mock.Cluster(skill.ID)
	must.NoError(t, server.store.UpsertClusters([]*structs.Cluster{cluster}))
	must.NoError(t, server.store.UpsertArms([]*structs.Arm{mock.Arm(skill.ID, cluster.ID)}))

	logs := mock.Logs(skill.ID, cluster.ID, "", 10)
	for _, log := range logs {
		must.NoError(t, server.store.InsertLog(log))
	}

	must.NoError(t, server.runPartition(skill.ID))

	// With a single configuration there is nothing to cluster, but the
	// watermark still advances so the trigger does not refire on the same
	// logs forever.
	fresh, err := server.store.SkillByID(skill.ID)
	must.NoError(t, err)
	must.True(t, fresh.LastClusteringLogStartTime.Equal(logs[9].StartTime))
	must.NotEq(t, 0, fresh.LastClusteringToken)

	clusters, err := server.store.ClustersBySkill(skill.ID)
	must.NoError(t, err)
	must.Len(t, 1, clusters)
	must.Eq(t, cluster.Centroid, clusters[0].Centroid)
}

func TestServer_Partition_InsufficientLogs(t *testing.T) {
	ci.Parallel(t)

	server, _, cleanup := TestServer(t, nil)
	defer cleanup()

	skill, cluster, arms := seedWarmSkill(t, server)

	logs := mock.Logs(skill.ID, cluster.ID, arms[0].ID, 3)
	for _, log := range logs {
		must.NoError(t, server.store.InsertLog(log))
	}

	must.NoError(t, server.runPartition(skill.ID))

	// Nothing moved: no watermark, no token, no new clusters.
	fresh, err := server.store.SkillByID(skill.ID)
	must.NoError(t, err)
	must.True(t, fresh.LastClusteringLogStartTime.IsZero())
	must.Eq(t, 0, fresh.LastClusteringToken)

	clusters, err := server.store.ClustersBySkill(skill.ID)
	must.NoError(t, err)
	must.Len(t, 1, clusters)
}

func TestServer_Partition_LockHeld(t *testing.T) {
	ci.Parallel(t)

	server, _, cleanup := TestServer(t, nil)
	defer cleanup()

	skill, cluster, arms := seedWarmSkill(t, server)
	logs := mock.Logs(skill.ID, cluster.ID, arms[0].ID, 10)
	for _, log := range logs {
		must.NoError(t, server.store.InsertLog(log))
	}

	handle, err := server.locks.Acquire(skill.ID, structs.LockPurposeOptimize, nil)
	must.NoError(t, err)
	defer handle.Release(nil)

	must.ErrorIs(t, server.runPartition(skill.ID), structs.ErrLockHeld)
}

func TestServer_Partition_Trigger(t *testing.T) {
	ci.Parallel(t)

	server, _, cleanup := TestServer(t, nil)
	defer cleanup()

	// Early regeneration is marked done and the reflection floor is out of
	// reach, so the clustering interval is the only live trigger.
	skill := mock.Skill()
	skill.EvaluationsRegeneratedAt = time.Now().UTC()
	skill.ReflectionMinRequestsPerArm = 100
	must.NoError(t, server.store.UpsertSkill(skill))

	for i := 0; i < skill.ClusteringInterval; i++ {
		_, err := server.HandleRequest(context.Background(),
			testRequest(skill, fmt.Sprintf("Ticket %d: export button hangs.", i+1)))
		must.NoError(t, err)
	}

	testutil.WaitForResult(func() (bool, error) {
		fresh, err := server.store.SkillByID(skill.ID)
		if err != nil {
			return false, err
		}
		if fresh.LastClusteringToken == 0 {
			return false, fmt.Errorf("partitioning has not completed")
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("err: %v", err)
	})

	clusters, err := server.store.ClustersBySkill(skill.ID)
	must.NoError(t, err)
	must.Len(t, skill.ConfigurationCount, clusters)
}
