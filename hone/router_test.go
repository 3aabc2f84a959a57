package hone

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hone-ai/hone/ci"
	"github.com/hone-ai/hone/helper/testlog"
	"github.com/hone-ai/hone/hone/mock"
	"github.com/hone-ai/hone/hone/state"
	"github.com/hone-ai/hone/hone/structs"
)

func testRouter(t *testing.T) (*Router, *state.StateStore) {
	t.Helper()
	store := state.TestStateStore(t)
	router, err := NewRouter(testlog.HCLogger(t), store, 8)
	must.NoError(t, err)
	return router, store
}

func TestRouter_ColdStart(t *testing.T) {
	ci.Parallel(t)

	router, store := testRouter(t)
	skill := mock.Skill()
	must.NoError(t, store.UpsertSkill(skill))

	clusterID, err := router.Route(skill, []float64{1, 0})
	must.NoError(t, err)
	must.NotEq(t, "", clusterID)

	// One cluster, centered on the request's own embedding.
	clusters, err := store.ClustersBySkill(skill.ID)
	must.NoError(t, err)
	must.Len(t, 1, clusters)
	must.Eq(t, clusterID, clusters[0].ID)
	must.Eq(t, []float64{1, 0}, clusters[0].Centroid)
	must.Eq(t, structs.SeededClusterName(0), clusters[0].Name)

	// One arm per configuration slot, all copies of the skill defaults.
	arms, err := store.ArmsByCluster(clusterID)
	must.NoError(t, err)
	must.Len(t, skill.ConfigurationCount, arms)
	for _, arm := range arms {
		must.Eq(t, structs.ArmSourceSeed, arm.Source)
		must.Eq(t, skill.Defaults.SystemPrompt, arm.Params.SystemPrompt)
	}

	// Routing again reuses the seeded cluster.
	again, err := router.Route(skill, []float64{0.9, 0.1})
	must.NoError(t, err)
	must.Eq(t, clusterID, again)
}

func TestRouter_ColdStart_NoEmbedding(t *testing.T) {
	ci.Parallel(t)

	router, store := testRouter(t)
	skill := mock.Skill()
	must.NoError(t, store.UpsertSkill(skill))

	_, err := router.Route(skill, nil)
	must.Error(t, err)

	clusters, err := store.ClustersBySkill(skill.ID)
	must.NoError(t, err)
	must.Len(t, 0, clusters)
}

func TestRouter_NearestCentroid(t *testing.T) {
	ci.Parallel(t)

	router, store := testRouter(t)
	skill := mock.Skill()
	must.NoError(t, store.UpsertSkill(skill))

	left := mock.Cluster(skill.ID)
	left.Centroid = []float64{-1, 0}
	right := mock.Cluster(skill.ID)
	right.Centroid = []float64{1, 0}
	must.NoError(t, store.UpsertClusters([]*structs.Cluster{left, right}))

	got, err := router.Route(skill, []float64{0.8, 0.2})
	must.NoError(t, err)
	must.Eq(t, right.ID, got)

	got, err = router.Route(skill, []float64{-0.5, 0})
	must.NoError(t, err)
	must.Eq(t, left.ID, got)

	// Equidistant embeddings land on the lowest cluster ID.
	got, err = router.Route(skill, []float64{0, 5})
	must.NoError(t, err)
	want := left.ID
	if right.ID < left.ID {
		want = right.ID
	}
	must.Eq(t, want, got)
}

func TestRouter_DegradedRouting(t *testing.T) {
	ci.Parallel(t)

	router, store := testRouter(t)
	skill := mock.Skill()
	must.NoError(t, store.UpsertSkill(skill))

	a := mock.Cluster(skill.ID)
	b := mock.Cluster(skill.ID)
	must.NoError(t, store.UpsertClusters([]*structs.Cluster{a, b}))

	// A nil embedding cannot be placed semantically but must still serve.
	got, err := router.Route(skill, nil)
	must.NoError(t, err)
	want := a.ID
	if b.ID < a.ID {
		want = b.ID
	}
	must.Eq(t, want, got)
}

func TestRouter_CacheKeyedByToken(t *testing.T) {
	ci.Parallel(t)

	router, store := testRouter(t)
	skill := mock.Skill()
	must.NoError(t, store.UpsertSkill(skill))

	first := mock.Cluster(skill.ID)
	first.Centroid = []float64{0, 1}
	must.NoError(t, store.UpsertClusters([]*structs.Cluster{first}))

	got, err := router.Route(skill, []float64{10, 10})
	must.NoError(t, err)
	must.Eq(t, first.ID, got)

	// A new cluster written behind the cache is invisible until the skill's
	// partitioning token moves.
	second := mock.Cluster(skill.ID)
	second.Centroid = []float64{10, 10}
	must.NoError(t, store.UpsertClusters([]*structs.Cluster{second}))

	got, err = router.Route(skill, []float64{10, 10})
	must.NoError(t, err)
	must.Eq(t, first.ID, got)

	bumped := skill.Copy()
	bumped.LastClusteringToken = 7
	got, err = router.Route(bumped, []float64{10, 10})
	must.NoError(t, err)
	must.Eq(t, second.ID, got)
}
