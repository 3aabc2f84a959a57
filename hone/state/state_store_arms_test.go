package state

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hone-ai/hone/ci"
	"github.com/hone-ai/hone/hone/mock"
	"github.com/hone-ai/hone/hone/structs"
)

func TestStateStore_UpsertArms(t *testing.T) {
	ci.Parallel(t)

	store := TestStateStore(t)
	skill := mock.Skill()
	must.NoError(t, store.UpsertSkill(skill))

	clusterA := mock.Cluster(skill.ID)
	clusterB := mock.Cluster(skill.ID)
	clusterB.Name = structs.SeededClusterName(1)
	must.NoError(t, store.UpsertClusters([]*structs.Cluster{clusterA, clusterB}))

	armsA := mock.Arms(skill.ID, clusterA.ID, 3)
	armsB := mock.Arms(skill.ID, clusterB.ID, 3)
	must.NoError(t, store.UpsertArms(armsA))
	must.NoError(t, store.UpsertArms(armsB))

	byCluster, err := store.ArmsByCluster(clusterA.ID)
	must.NoError(t, err)
	must.Len(t, 3, byCluster)
	for _, arm := range byCluster {
		must.Eq(t, clusterA.ID, arm.ClusterID)
		must.Eq(t, structs.ArmSourceSeed, arm.Source)
	}

	bySkill, err := store.ArmsBySkill(skill.ID)
	must.NoError(t, err)
	must.Len(t, 6, bySkill)

	missing, err := store.ArmByID("does-not-exist")
	must.NoError(t, err)
	must.Nil(t, missing)
}

func TestStateStore_RewriteArmPrompt(t *testing.T) {
	ci.Parallel(t)

	store := TestStateStore(t)
	skill := mock.Skill()
	must.NoError(t, store.UpsertSkill(skill))

	cluster := mock.Cluster(skill.ID)
	must.NoError(t, store.UpsertClusters([]*structs.Cluster{cluster}))

	arms := mock.Arms(skill.ID, cluster.ID, 2)
	must.NoError(t, store.UpsertArms(arms))
	must.NoError(t, store.UpdateArmStat(mock.ArmStat(arms[0], 0.9, 0.7), 0))
	must.NoError(t, store.UpdateArmStat(mock.ArmStat(arms[1], 0.4), 0))

	rewritten := "You summarize support tickets. Name the failing feature first."
	must.NoError(t, store.RewriteArmPrompt(arms[0].ID, rewritten))

	// The rewritten arm carries the new prompt and source and has lost its
	// statistics.
	out, err := store.ArmByID(arms[0].ID)
	must.NoError(t, err)
	must.Eq(t, rewritten, out.Params.SystemPrompt)
	must.Eq(t, structs.ArmSourceReflection, out.Source)

	stat, err := store.ArmStatByArmID(arms[0].ID)
	must.NoError(t, err)
	must.Nil(t, stat)

	// Sibling arms keep their prompt and their stats.
	sibling, err := store.ArmByID(arms[1].ID)
	must.NoError(t, err)
	must.Eq(t, arms[1].Params.SystemPrompt, sibling.Params.SystemPrompt)
	must.Eq(t, structs.ArmSourceSeed, sibling.Source)

	siblingStat, err := store.ArmStatByArmID(arms[1].ID)
	must.NoError(t, err)
	must.NotNil(t, siblingStat)
	must.Eq(t, 1, siblingStat.N)

	must.ErrorIs(t, store.RewriteArmPrompt("does-not-exist", rewritten), structs.ErrNotFound)
}
