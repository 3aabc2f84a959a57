// Package bandit implements the arm-selection policy for a single cluster:
// Thompson sampling over Gaussian posteriors built from each arm's rolling
// statistics, with a warm-up floor that force-feeds under-observed arms.
// The package is pure decision logic; persistence and reward delivery live
// with the caller.
package bandit

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/hone-ai/hone/hone/structs"
)

// Selector draws arms for routed requests. Sampling consumes a shared
// random source, so a Selector is safe for concurrent use but draws are
// serialized.
type Selector struct {
	mu  sync.Mutex
	src rand.Source
}

// NewSelector returns a selector backed by the given source. A nil source
// gets a randomly seeded one; tests inject a fixed seed for determinism.
func NewSelector(src rand.Source) *Selector {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Selector{src: src}
}

// Select returns the arm to play for one request against the given cluster.
// Arms without a stat entry are treated as never pulled. The stats map is
// keyed by arm ID.
//
// Selection order:
//
//  1. Skills with optimization off always play the first arm, so repeated
//     requests are deterministic.
//  2. If any arm is below the skill's warm-up floor, the least-pulled such
//     arm is returned. Ties resolve by arm name, which rotates pulls across
//     tied arms as their counts advance.
//  3. Otherwise each arm's posterior is sampled and the argmax wins.
func (s *Selector) Select(skill *structs.Skill, arms []*structs.Arm, stats map[string]*structs.ArmStat) (*structs.Arm, error) {
	if len(arms) == 0 {
		return nil, fmt.Errorf("no arms to select from")
	}

	ordered := make([]*structs.Arm, len(arms))
	copy(ordered, arms)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Name != ordered[j].Name {
			return ordered[i].Name < ordered[j].Name
		}
		return ordered[i].ID < ordered[j].ID
	})

	if !skill.Optimize || len(ordered) == 1 {
		return ordered[0], nil
	}

	if arm := warmupArm(skill, ordered, stats); arm != nil {
		return arm, nil
	}

	return s.sampleArm(skill, ordered, stats), nil
}

// warmupArm returns the least-pulled arm below the warm-up floor, or nil
// when every arm has met it.
func warmupArm(skill *structs.Skill, ordered []*structs.Arm, stats map[string]*structs.ArmStat) *structs.Arm {
	floor := uint64(skill.ReflectionMinRequestsPerArm)
	if floor == 0 {
		floor = structs.DefaultReflectionMinRequests
	}

	var pick *structs.Arm
	var pickN uint64
	for _, arm := range ordered {
		n := pullCount(stats, arm.ID)
		if n >= floor {
			continue
		}
		if pick == nil || n < pickN {
			pick = arm
			pickN = n
		}
	}
	return pick
}

// sampleArm draws one posterior sample per arm and returns the argmax. The
// exploration temperature scales every posterior's standard deviation, so
// low temperatures collapse to greedy exploitation and high temperatures
// flatten the arms toward uniform.
func (s *Selector) sampleArm(skill *structs.Skill, ordered []*structs.Arm, stats map[string]*structs.ArmStat) *structs.Arm {
	tau := skill.ExplorationTemperature
	if tau == 0 {
		tau = structs.DefaultExplorationTemperature
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	best := ordered[0]
	bestSample := math.Inf(-1)
	for _, arm := range ordered {
		mean, variance := stats[arm.ID].Posterior()
		sigma := tau * math.Sqrt(variance)

		sample := mean
		if sigma > 0 {
			sample = distuv.Normal{Mu: mean, Sigma: sigma, Src: s.src}.Rand()
		}
		if sample > bestSample {
			best = arm
			bestSample = sample
		}
	}
	return best
}

// pullCount returns the observation count for an arm, treating a missing
// stat row as zero. Stats are deleted outright on reset, so absence is the
// common case right after seeding or reflection.
func pullCount(stats map[string]*structs.ArmStat, armID string) uint64 {
	if stat, ok := stats[armID]; ok {
		return stat.N
	}
	return 0
}
