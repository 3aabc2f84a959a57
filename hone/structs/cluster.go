package structs

import (
	"fmt"
	"math"

	multierror "github.com/hashicorp/go-multierror"
)

const (
	// PriorVariance is the posterior variance assumed for arms with fewer
	// than two observations.
	PriorVariance = 1.0
)

// Cluster is a centroid in embedding space grouping semantically similar
// requests under one set of arms. All centroids of a skill share one
// dimension. Cluster identity is stable across partitioning passes so that
// arm statistics survive re-clustering.
type Cluster struct {
	ID      string
	SkillID string
	Name    string

	// Centroid is the cluster's position in embedding space.
	Centroid []float64

	// TotalSteps counts routing decisions that chose this cluster. It is
	// incremented atomically by the router and reset to zero by early
	// regeneration.
	TotalSteps uint64

	CreateIndex uint64
	ModifyIndex uint64
	CreateTime  int64
	ModifyTime  int64
}

// Copy returns a deep copy of the cluster.
func (c *Cluster) Copy() *Cluster {
	if c == nil {
		return nil
	}
	nc := new(Cluster)
	*nc = *c
	if c.Centroid != nil {
		nc.Centroid = make([]float64, len(c.Centroid))
		copy(nc.Centroid, c.Centroid)
	}
	return nc
}

// Validate returns all structural problems with the cluster.
func (c *Cluster) Validate() error {
	var mErr multierror.Error
	if c.SkillID == "" {
		_ = multierror.Append(&mErr, fmt.Errorf("missing skill id"))
	}
	if c.Name == "" {
		_ = multierror.Append(&mErr, fmt.Errorf("missing cluster name"))
	}
	if len(c.Centroid) == 0 {
		_ = multierror.Append(&mErr, fmt.Errorf("missing centroid"))
	}
	for i, v := range c.Centroid {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			_ = multierror.Append(&mErr, fmt.Errorf("centroid component %d is not finite", i))
			break
		}
	}
	return mErr.ErrorOrNil()
}

// ArmSource records how an arm's current parameters were produced.
type ArmSource string

const (
	// ArmSourceSeed marks parameters copied from the skill defaults.
	ArmSourceSeed ArmSource = "seed"

	// ArmSourceReflection marks parameters rewritten by reflection.
	ArmSourceReflection ArmSource = "reflection"
)

// Arm is one configuration the bandit can choose from, scoped to a single
// cluster. Arm names are unique within their cluster.
type Arm struct {
	ID        string
	SkillID   string
	ClusterID string
	Name      string

	// Params is the upstream call configuration this arm plays.
	Params *ArmParams

	// Source records whether the current params came from seeding or from
	// a reflection rewrite.
	Source ArmSource

	CreateIndex uint64
	ModifyIndex uint64
	CreateTime  int64
	ModifyTime  int64
}

// Copy returns a deep copy of the arm.
func (a *Arm) Copy() *Arm {
	if a == nil {
		return nil
	}
	na := new(Arm)
	*na = *a
	na.Params = a.Params.Copy()
	return na
}

// Validate returns all structural problems with the arm.
func (a *Arm) Validate() error {
	var mErr multierror.Error
	if a.SkillID == "" {
		_ = multierror.Append(&mErr, fmt.Errorf("missing skill id"))
	}
	if a.ClusterID == "" {
		_ = multierror.Append(&mErr, fmt.Errorf("missing cluster id"))
	}
	if a.Name == "" {
		_ = multierror.Append(&mErr, fmt.Errorf("missing arm name"))
	}
	if a.Params == nil {
		_ = multierror.Append(&mErr, fmt.Errorf("missing arm parameters"))
	} else if err := a.Params.Validate(); err != nil {
		_ = multierror.Append(&mErr, fmt.Errorf("invalid arm parameters: %v", err))
	}
	switch a.Source {
	case ArmSourceSeed, ArmSourceReflection:
	default:
		_ = multierror.Append(&mErr, fmt.Errorf("invalid arm source %q", a.Source))
	}
	return mErr.ErrorOrNil()
}

// SeededClusterName returns the canonical name for the i-th cluster of a
// fresh partition, counting from zero.
func SeededClusterName(i int) string {
	return fmt.Sprintf("cluster-%02d", i+1)
}

// SeededArmName returns the canonical name for the i-th arm of a cluster,
// counting from zero. Names stay unique within the cluster across
// reflection rewrites.
func SeededArmName(i int) string {
	return fmt.Sprintf("cfg-%02d", i+1)
}

// ArmStat carries the rolling Bayesian sufficient statistics for one arm.
// Updates use Welford's online algorithm so mean and variance are exact
// regardless of arrival order. Stats are reset, not rescaled, when
// reflection rewrites the arm.
type ArmStat struct {
	ArmID     string
	SkillID   string
	ClusterID string

	// N is the number of rewards folded in.
	N uint64

	// Mean is the running mean reward.
	Mean float64

	// M2 is the running sum of squared deviations from the mean.
	M2 float64

	// TotalReward is the running sum of rewards.
	TotalReward float64

	CreateIndex uint64
	ModifyIndex uint64
}

// Copy returns a copy of the stat.
func (s *ArmStat) Copy() *ArmStat {
	if s == nil {
		return nil
	}
	ns := new(ArmStat)
	*ns = *s
	return ns
}

// Observe folds one reward into the statistics.
func (s *ArmStat) Observe(reward float64) {
	s.N++
	delta := reward - s.Mean
	s.Mean += delta / float64(s.N)
	s.M2 += delta * (reward - s.Mean)
	if s.M2 < 0 {
		s.M2 = 0
	}
	s.TotalReward += reward
}

// Posterior returns the mean and variance of the Gaussian posterior over
// the arm's true reward. With fewer than two observations the variance is
// the wide prior.
func (s *ArmStat) Posterior() (mean, variance float64) {
	if s == nil || s.N == 0 {
		return 0, PriorVariance
	}
	if s.N < 2 {
		return s.Mean, PriorVariance
	}
	n := float64(s.N)
	return s.Mean, s.M2 / (n * (n - 1))
}

// Validate returns all structural problems with the stat.
func (s *ArmStat) Validate() error {
	var mErr multierror.Error
	if s.ArmID == "" {
		_ = multierror.Append(&mErr, fmt.Errorf("missing arm id"))
	}
	if s.SkillID == "" {
		_ = multierror.Append(&mErr, fmt.Errorf("missing skill id"))
	}
	if s.M2 < 0 {
		_ = multierror.Append(&mErr, fmt.Errorf("m2 must be non-negative, got %v", s.M2))
	}
	if math.IsNaN(s.Mean) || math.IsInf(s.Mean, 0) {
		_ = multierror.Append(&mErr, fmt.Errorf("mean is not finite"))
	}
	return mErr.ErrorOrNil()
}
