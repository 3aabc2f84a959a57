package state

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hone-ai/hone/ci"
	"github.com/hone-ai/hone/hone/mock"
	"github.com/hone-ai/hone/hone/structs"
)

func TestStateStore_AppendEvaluationRun(t *testing.T) {
	ci.Parallel(t)

	store := TestStateStore(t)
	skill := mock.Skill()
	must.NoError(t, store.UpsertSkill(skill))
	cluster := mock.Cluster(skill.ID)
	must.NoError(t, store.UpsertClusters([]*structs.Cluster{cluster}))
	arm := mock.Arm(skill.ID, cluster.ID)
	must.NoError(t, store.UpsertArms([]*structs.Arm{arm}))
	log := mock.Log(skill.ID, cluster.ID, arm.ID)
	must.NoError(t, store.InsertLog(log))

	run := mock.EvaluationRun(log)
	run.CreateTime = 0
	must.NoError(t, store.AppendEvaluationRun(run))

	byLog, err := store.EvaluationRunsForLog(log.ID)
	must.NoError(t, err)
	must.Len(t, 1, byLog)
	must.Eq(t, run.ID, byLog[0].ID)
	must.Positive(t, byLog[0].CreateTime)
	must.Eq(t, 0.8, byLog[0].Reward)
	must.Len(t, 1, byLog[0].Results)

	byArm, err := store.EvaluationRunsForArm(arm.ID)
	must.NoError(t, err)
	must.Len(t, 1, byArm)

	// Runs are append-only.
	must.ErrorIs(t, store.AppendEvaluationRun(run), structs.ErrConflictingUpdate)
}

func TestStateStore_EvaluationRunsForSkill(t *testing.T) {
	ci.Parallel(t)

	store := TestStateStore(t)
	skill := mock.Skill()
	must.NoError(t, store.UpsertSkill(skill))
	cluster := mock.Cluster(skill.ID)
	must.NoError(t, store.UpsertClusters([]*structs.Cluster{cluster}))
	arm := mock.Arm(skill.ID, cluster.ID)
	must.NoError(t, store.UpsertArms([]*structs.Arm{arm}))

	base := time.Now()
	logs := mock.Logs(skill.ID, cluster.ID, arm.ID, 4)
	var runs []*structs.EvaluationRun
	for i, log := range logs {
		must.NoError(t, store.InsertLog(log))
		run := mock.EvaluationRun(log)
		run.CreateTime = base.Add(time.Duration(i) * time.Second).UnixNano()
		runs = append(runs, run)
	}

	// Append newest first to prove reads order by create time.
	for i := len(runs) - 1; i >= 0; i-- {
		must.NoError(t, store.AppendEvaluationRun(runs[i]))
	}

	out, err := store.EvaluationRunsForSkill(skill.ID)
	must.NoError(t, err)
	must.Len(t, 4, out)
	for i := 1; i < len(out); i++ {
		must.Less(t, out[i].CreateTime, out[i-1].CreateTime)
	}
	must.Eq(t, runs[0].ID, out[0].ID)

	// Retention pruning is strictly-before the cutoff.
	n, err := store.DeleteEvaluationRunsBefore(skill.ID, base.Add(2*time.Second))
	must.NoError(t, err)
	must.Eq(t, 2, n)

	remaining, err := store.EvaluationRunsForSkill(skill.ID)
	must.NoError(t, err)
	must.Len(t, 2, remaining)
	must.Eq(t, runs[2].ID, remaining[0].ID)
}
