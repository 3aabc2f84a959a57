package bandit

import (
	"math/rand/v2"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hone-ai/hone/ci"
	"github.com/hone-ai/hone/hone/structs"
)

func testSelectSkill() *structs.Skill {
	return &structs.Skill{
		ID:                          "s-1",
		AgentID:                     "agent-1",
		Name:                        "summarize",
		ConfigurationCount:          3,
		ReflectionMinRequestsPerArm: 3,
		ExplorationTemperature:      1.0,
		Optimize:                    true,
	}
}

func testArms(n int) []*structs.Arm {
	arms := make([]*structs.Arm, n)
	for i := range arms {
		arms[i] = &structs.Arm{
			ID:      structs.SeededArmName(i) + "-id",
			SkillID: "s-1",
			Name:    structs.SeededArmName(i),
		}
	}
	return arms
}

// statFor builds a stat whose posterior has the given mean and a variance
// derived from m2.
func statFor(armID string, n uint64, mean, m2 float64) *structs.ArmStat {
	return &structs.ArmStat{
		ArmID:   armID,
		SkillID: "s-1",
		N:       n,
		Mean:    mean,
		M2:      m2,
	}
}

func TestSelector_NoArms(t *testing.T) {
	ci.Parallel(t)

	sel := NewSelector(rand.NewPCG(1, 2))
	_, err := sel.Select(testSelectSkill(), nil, nil)
	must.Error(t, err)
}

func TestSelector_SingleArm(t *testing.T) {
	ci.Parallel(t)

	sel := NewSelector(rand.NewPCG(1, 2))
	skill := testSelectSkill()
	skill.ConfigurationCount = 1
	arms := testArms(1)

	for i := 0; i < 10; i++ {
		arm, err := sel.Select(skill, arms, nil)
		must.NoError(t, err)
		must.Eq(t, arms[0].ID, arm.ID)
	}
}

func TestSelector_OptimizeOff(t *testing.T) {
	ci.Parallel(t)

	sel := NewSelector(rand.NewPCG(1, 2))
	skill := testSelectSkill()
	skill.Optimize = false
	arms := testArms(3)

	// With optimization off the selection is deterministic regardless of
	// accumulated stats.
	stats := map[string]*structs.ArmStat{
		arms[2].ID: statFor(arms[2].ID, 50, 0.99, 0.1),
	}
	for i := 0; i < 10; i++ {
		arm, err := sel.Select(skill, arms, stats)
		must.NoError(t, err)
		must.Eq(t, arms[0].ID, arm.ID)
	}
}

func TestSelector_WarmupFloor(t *testing.T) {
	ci.Parallel(t)

	sel := NewSelector(rand.NewPCG(1, 2))
	skill := testSelectSkill()
	arms := testArms(3)

	stats := map[string]*structs.ArmStat{
		arms[0].ID: statFor(arms[0].ID, 2, 0.5, 0.1),
		arms[2].ID: statFor(arms[2].ID, 5, 0.5, 0.1),
	}

	// The never-pulled arm is selected first.
	arm, err := sel.Select(skill, arms, stats)
	must.NoError(t, err)
	must.Eq(t, arms[1].ID, arm.ID)

	// Selection stays pinned to under-observed arms until every arm has
	// met the floor, rotating through ties as counts advance.
	stats[arms[1].ID] = statFor(arms[1].ID, 0, 0, 0)
	for i := 0; i < 4; i++ {
		arm, err = sel.Select(skill, arms, stats)
		must.NoError(t, err)

		stat := stats[arm.ID]
		must.True(t, stat.N < uint64(skill.ReflectionMinRequestsPerArm),
			must.Sprintf("selected arm %q had n=%d, expected below floor", arm.Name, stat.N))
		stat.Observe(0.5)
	}

	// All arms at the floor: selection switches to posterior sampling and
	// never returns an error.
	for _, s := range stats {
		for s.N < uint64(skill.ReflectionMinRequestsPerArm) {
			s.Observe(0.5)
		}
	}
	_, err = sel.Select(skill, arms, stats)
	must.NoError(t, err)
}

func TestSelector_LowTemperatureExploits(t *testing.T) {
	ci.Parallel(t)

	sel := NewSelector(rand.NewPCG(7, 11))
	skill := testSelectSkill()
	skill.ExplorationTemperature = structs.MinExplorationTemperature
	arms := testArms(3)

	// Distinct means, all past the warm-up floor, modest spread.
	stats := map[string]*structs.ArmStat{
		arms[0].ID: statFor(arms[0].ID, 50, 0.30, 0.5),
		arms[1].ID: statFor(arms[1].ID, 50, 0.90, 0.5),
		arms[2].ID: statFor(arms[2].ID, 40, 0.50, 0.5),
	}

	wins := 0
	for i := 0; i < 100; i++ {
		arm, err := sel.Select(skill, arms, stats)
		must.NoError(t, err)
		if arm.ID == arms[1].ID {
			wins++
		}
	}
	must.GreaterEq(t, 90, wins, must.Sprintf("highest-mean arm won only %d/100 trials", wins))
}

func TestSelector_HighTemperatureExplores(t *testing.T) {
	ci.Parallel(t)

	sel := NewSelector(rand.NewPCG(7, 11))
	skill := testSelectSkill()
	skill.ExplorationTemperature = structs.MaxExplorationTemperature
	arms := testArms(3)

	stats := map[string]*structs.ArmStat{
		arms[0].ID: statFor(arms[0].ID, 30, 0.40, 2.0),
		arms[1].ID: statFor(arms[1].ID, 30, 0.60, 2.0),
		arms[2].ID: statFor(arms[2].ID, 30, 0.50, 2.0),
	}

	selected := make(map[string]int)
	for i := 0; i < 100; i++ {
		arm, err := sel.Select(skill, arms, stats)
		must.NoError(t, err)
		selected[arm.ID]++
	}
	for _, arm := range arms {
		must.Positive(t, selected[arm.ID],
			must.Sprintf("arm %q was never selected in 100 trials", arm.Name))
	}
}

func TestSelector_ZeroVarianceExploits(t *testing.T) {
	ci.Parallel(t)

	sel := NewSelector(rand.NewPCG(3, 5))
	skill := testSelectSkill()
	arms := testArms(2)

	// Identical rewards collapse m2 to zero; the posterior degenerates to
	// the observed mean and the higher one must always win.
	stats := map[string]*structs.ArmStat{
		arms[0].ID: statFor(arms[0].ID, 10, 0.4, 0),
		arms[1].ID: statFor(arms[1].ID, 10, 0.8, 0),
	}
	for i := 0; i < 20; i++ {
		arm, err := sel.Select(skill, arms, stats)
		must.NoError(t, err)
		must.Eq(t, arms[1].ID, arm.ID)
	}
}
