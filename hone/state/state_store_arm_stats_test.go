package state

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hone-ai/hone/ci"
	"github.com/hone-ai/hone/hone/mock"
	"github.com/hone-ai/hone/hone/structs"
)

func TestStateStore_UpdateArmStat_CAS(t *testing.T) {
	ci.Parallel(t)

	store := TestStateStore(t)
	skill := mock.Skill()
	must.NoError(t, store.UpsertSkill(skill))
	cluster := mock.Cluster(skill.ID)
	must.NoError(t, store.UpsertClusters([]*structs.Cluster{cluster}))
	arm := mock.Arm(skill.ID, cluster.ID)
	must.NoError(t, store.UpsertArms([]*structs.Arm{arm}))

	// First write creates the row; casIndex zero means "no row yet".
	stat := mock.ArmStat(arm, 0.8)
	must.NoError(t, store.UpdateArmStat(stat, 0))

	stored, err := store.ArmStatByArmID(arm.ID)
	must.NoError(t, err)
	must.NotNil(t, stored)
	must.Eq(t, 1, stored.N)
	must.Positive(t, stored.ModifyIndex)

	// Creating again with casIndex zero conflicts: a row exists.
	must.ErrorIs(t, store.UpdateArmStat(mock.ArmStat(arm, 0.5), 0), structs.ErrConflictingUpdate)

	// Updating with the stored index succeeds; the stale index conflicts.
	next := stored.Copy()
	next.Observe(0.6)
	must.NoError(t, store.UpdateArmStat(next, stored.ModifyIndex))
	must.ErrorIs(t, store.UpdateArmStat(next, stored.ModifyIndex), structs.ErrConflictingUpdate)

	// The lost update never landed: exactly two observations are recorded.
	final, err := store.ArmStatByArmID(arm.ID)
	must.NoError(t, err)
	must.Eq(t, 2, final.N)
}

func TestStateStore_ArmStat_RoundTrip(t *testing.T) {
	ci.Parallel(t)

	store := TestStateStore(t)
	skill := mock.Skill()
	must.NoError(t, store.UpsertSkill(skill))
	cluster := mock.Cluster(skill.ID)
	must.NoError(t, store.UpsertClusters([]*structs.Cluster{cluster}))
	arm := mock.Arm(skill.ID, cluster.ID)
	must.NoError(t, store.UpsertArms([]*structs.Arm{arm}))

	// Rewards chosen to leave non-terminating binary fractions in the
	// running mean and m2.
	stat := mock.ArmStat(arm, 1.0/3.0, 0.7, 0.123456789, 0.9999999)
	must.NoError(t, store.UpdateArmStat(stat, 0))

	out, err := store.ArmStatByArmID(arm.ID)
	must.NoError(t, err)

	// Stored statistics round-trip bit identically.
	must.Eq(t, stat.N, out.N)
	must.Eq(t, stat.Mean, out.Mean)
	must.Eq(t, stat.M2, out.M2)
	must.Eq(t, stat.TotalReward, out.TotalReward)
}

func TestStateStore_ArmStatsByCluster(t *testing.T) {
	ci.Parallel(t)

	store := TestStateStore(t)
	skill := mock.Skill()
	must.NoError(t, store.UpsertSkill(skill))
	cluster := mock.Cluster(skill.ID)
	must.NoError(t, store.UpsertClusters([]*structs.Cluster{cluster}))

	arms := mock.Arms(skill.ID, cluster.ID, 3)
	must.NoError(t, store.UpsertArms(arms))

	// Only two of the three arms have observations.
	must.NoError(t, store.UpdateArmStat(mock.ArmStat(arms[0], 0.8), 0))
	must.NoError(t, store.UpdateArmStat(mock.ArmStat(arms[2], 0.3, 0.4), 0))

	stats, err := store.ArmStatsByCluster(cluster.ID)
	must.NoError(t, err)
	must.MapLen(t, 2, stats)
	must.MapContainsKey(t, stats, arms[0].ID)
	must.MapContainsKey(t, stats, arms[2].ID)
	must.Eq(t, 2, stats[arms[2].ID].N)

	bySkill, err := store.ArmStatsBySkill(skill.ID)
	must.NoError(t, err)
	must.MapLen(t, 2, bySkill)

	must.NoError(t, store.DeleteArmStats([]string{arms[0].ID, arms[2].ID}))
	stats, err = store.ArmStatsByCluster(cluster.ID)
	must.NoError(t, err)
	must.MapLen(t, 0, stats)
}
