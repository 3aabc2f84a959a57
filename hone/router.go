package hone

import (
	"fmt"
	"sort"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	lru "github.com/hashicorp/golang-lru/v2"
	"gonum.org/v1/gonum/floats"

	"github.com/hone-ai/hone/helper/uuid"
	"github.com/hone-ai/hone/hone/structs"
)

// centroidKey identifies one skill's centroid set in the router cache. The
// fencing token of the last completed partitioning pass is part of the key,
// so entries written before a re-partition are unreachable the moment the
// pass commits and no explicit invalidation is needed.
type centroidKey struct {
	skillID string
	token   uint64
}

// clusterRef is the slice of a cluster the router needs to pick a
// destination.
type clusterRef struct {
	id       string
	centroid []float64
}

// Router maps a request embedding to the skill cluster with the nearest
// centroid. Skills with no clusters yet are seeded on first use with a
// single cluster centered on the request's own embedding.
type Router struct {
	logger hclog.Logger
	store  Storage
	cache  *lru.Cache[centroidKey, []clusterRef]

	// seedMu serializes first-request cluster creation so concurrent cold
	// starts on the same skill cannot double-seed it.
	seedMu sync.Mutex
}

// NewRouter returns a router with an LRU centroid cache of the given size.
func NewRouter(logger hclog.Logger, store Storage, cacheSize int) (*Router, error) {
	if cacheSize <= 0 {
		cacheSize = 512
	}
	cache, err := lru.New[centroidKey, []clusterRef](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to build centroid cache: %v", err)
	}
	return &Router{
		logger: logger.Named("router"),
		store:  store,
		cache:  cache,
	}, nil
}

// Route returns the cluster ID the request belongs to. A nil embedding means
// the embedder failed; the request still gets served from the skill's first
// cluster, it just cannot be placed semantically.
func (r *Router) Route(skill *structs.Skill, embedding []float64) (string, error) {
	defer metrics.MeasureSince([]string{"hone", "router", "route"}, time.Now())

	refs, err := r.centroids(skill)
	if err != nil {
		return "", err
	}

	if len(refs) == 0 {
		return r.seedSkill(skill, embedding)
	}

	if embedding == nil {
		// Degraded routing: no embedding to compare against, so fall back
		// to the first cluster by ID rather than failing the request.
		metrics.IncrCounter([]string{"hone", "router", "degraded"}, 1)
		return refs[0].id, nil
	}

	best := refs[0]
	bestDist := floats.Distance(embedding, best.centroid, 2)
	for _, ref := range refs[1:] {
		if len(ref.centroid) != len(embedding) {
			return "", fmt.Errorf("embedding dimension %d does not match centroid dimension %d",
				len(embedding), len(ref.centroid))
		}
		// Strict inequality keeps the lowest cluster ID on ties; refs are
		// sorted by ID.
		if d := floats.Distance(embedding, ref.centroid, 2); d < bestDist {
			best = ref
			bestDist = d
		}
	}
	return best.id, nil
}

// centroids returns the skill's cluster refs sorted by ID, from cache when
// the skill's partitioning token still matches.
func (r *Router) centroids(skill *structs.Skill) ([]clusterRef, error) {
	key := centroidKey{skillID: skill.ID, token: skill.LastClusteringToken}
	if refs, ok := r.cache.Get(key); ok {
		return refs, nil
	}

	clusters, err := r.store.ClustersBySkill(skill.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters: %v", err)
	}
	if len(clusters) == 0 {
		// An empty set is never cached: the next request must observe the
		// clusters seeded meanwhile.
		return nil, nil
	}

	refs := make([]clusterRef, len(clusters))
	for i, c := range clusters {
		refs[i] = clusterRef{id: c.ID, centroid: c.Centroid}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].id < refs[j].id })

	r.cache.Add(key, refs)
	return refs, nil
}

// seedSkill creates the skill's first cluster centered on the request's own
// embedding, with one arm per configuration slot copied from the skill
// defaults. Later partitioning passes split this starting point into the
// full cluster count.
func (r *Router) seedSkill(skill *structs.Skill, embedding []float64) (string, error) {
	r.seedMu.Lock()
	defer r.seedMu.Unlock()

	// Another request may have seeded while we waited on the mutex.
	clusters, err := r.store.ClustersBySkill(skill.ID)
	if err != nil {
		return "", fmt.Errorf("failed to list clusters: %v", err)
	}
	if len(clusters) > 0 {
		sort.Slice(clusters, func(i, j int) bool { return clusters[i].ID < clusters[j].ID })
		return clusters[0].ID, nil
	}

	if embedding == nil {
		// The first centroid is anchored on the first request's embedding.
		// With no clusters and no embedding there is nowhere to serve from.
		return "", fmt.Errorf("cannot seed skill %q without an embedding", skill.Name)
	}

	cluster := &structs.Cluster{
		ID:       uuid.Generate(),
		SkillID:  skill.ID,
		Name:     structs.SeededClusterName(0),
		Centroid: append(make([]float64, 0, len(embedding)), embedding...),
	}
	if err := r.store.UpsertClusters([]*structs.Cluster{cluster}); err != nil {
		return "", fmt.Errorf("failed to seed cluster: %v", err)
	}

	count := skill.EffectiveConfigurationCount()
	arms := make([]*structs.Arm, count)
	for i := 0; i < count; i++ {
		arms[i] = &structs.Arm{
			ID:        uuid.Generate(),
			SkillID:   skill.ID,
			ClusterID: cluster.ID,
			Name:      structs.SeededArmName(i),
			Params:    skill.Defaults.Copy(),
			Source:    structs.ArmSourceSeed,
		}
	}
	if err := r.store.UpsertArms(arms); err != nil {
		return "", fmt.Errorf("failed to seed arms: %v", err)
	}

	r.logger.Debug("seeded skill on first request",
		"skill_id", skill.ID, "cluster_id", cluster.ID, "arms", count)
	metrics.IncrCounter([]string{"hone", "router", "seeded"}, 1)
	return cluster.ID, nil
}
