package hone

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hone-ai/hone/ci"
	"github.com/hone-ai/hone/hone/mock"
	"github.com/hone-ai/hone/hone/structs"
	"github.com/hone-ai/hone/testutil"
)

// testRequest builds a request addressed to the skill.
func testRequest(skill *structs.Skill, input string) *structs.SkillRequest {
	return &structs.SkillRequest{
		AgentID:   skill.AgentID,
		SkillName: skill.Name,
		Input:     input,
	}
}

func TestServer_HandleRequest_ColdStart(t *testing.T) {
	ci.Parallel(t)

	server, _, cleanup := TestServer(t, nil)
	defer cleanup()

	skill := mock.Skill()
	must.NoError(t, server.store.UpsertSkill(skill))
	must.NoError(t, server.store.UpsertEvaluations(
		[]*structs.Evaluation{mock.SchemaEvaluation(skill.ID)}))

	resp, err := server.HandleRequest(context.Background(),
		testRequest(skill, "Customer reports the export button hangs."))
	must.NoError(t, err)
	must.NotEq(t, "", resp.LogID)
	must.Eq(t, skill.ID, resp.SkillID)
	must.Eq(t, "openai", resp.Provider)
	must.Eq(t, "gpt-4o-mini", resp.Model)
	must.StrContains(t, resp.Output, "summary")

	// The first request seeds exactly one cluster with a full arm set.
	clusters, err := server.store.ClustersBySkill(skill.ID)
	must.NoError(t, err)
	must.Len(t, 1, clusters)
	must.Eq(t, resp.ClusterID, clusters[0].ID)
	must.One(t, clusters[0].TotalSteps)

	arms, err := server.store.ArmsByCluster(resp.ClusterID)
	must.NoError(t, err)
	must.Len(t, skill.ConfigurationCount, arms)

	log, err := server.store.LogByID(resp.LogID)
	must.NoError(t, err)
	must.NotNil(t, log)
	must.True(t, log.HasEmbedding())
	must.Eq(t, resp.ArmID, log.ArmID)

	// Evaluation lands asynchronously; the schema evaluation scores the
	// canned upstream body a full 1.0.
	runs := testutil.WaitForEvaluationRuns(t, server.store, resp.LogID, 1)
	must.Len(t, 1, runs)
	must.Eq(t, 1.0, runs[0].Reward)
	must.True(t, runs[0].StatsUpdated)
	must.Len(t, 1, runs[0].Results)
	must.False(t, runs[0].Results[0].Fallback)

	stat, err := server.store.ArmStatByArmID(resp.ArmID)
	must.NoError(t, err)
	must.NotNil(t, stat)
	must.One(t, stat.N)
	must.Eq(t, 1.0, stat.Mean)
}

func TestServer_HandleRequest_Validation(t *testing.T) {
	ci.Parallel(t)

	server, _, cleanup := TestServer(t, nil)
	defer cleanup()

	_, err := server.HandleRequest(context.Background(), &structs.SkillRequest{
		AgentID: "agent-x",
	})
	must.Error(t, err)
	must.StrContains(t, err.Error(), "missing skill name")
}

func TestServer_HandleRequest_UnknownSkill(t *testing.T) {
	ci.Parallel(t)

	server, _, cleanup := TestServer(t, nil)
	defer cleanup()

	_, err := server.HandleRequest(context.Background(), &structs.SkillRequest{
		AgentID:   "agent-x",
		SkillName: "no-such-skill",
		Input:     "hello",
	})
	must.ErrorIs(t, err, structs.ErrNotFound)
}

func TestServer_HandleRequest_UpstreamFailure(t *testing.T) {
	ci.Parallel(t)

	server, ports, cleanup := TestServer(t, nil)
	defer cleanup()

	skill := mock.Skill()
	must.NoError(t, server.store.UpsertSkill(skill))
	ports.Upstream.Err = fmt.Errorf("status 503")

	_, err := server.HandleRequest(context.Background(),
		testRequest(skill, "Customer reports the export button hangs."))
	must.ErrorIs(t, err, structs.ErrUpstreamFailure)

	// Nothing persisted: a failed request leaves no log and no evaluation.
	n, err := server.store.CountLogsForSkill(skill.ID, time.Time{}, false)
	must.NoError(t, err)
	must.Zero(t, n)

	// The failing pair is marked for cooldown.
	must.True(t, server.cooldown.CoolingDown("openai", "gpt-4o-mini"))
}

func TestServer_HandleRequest_EmbedderFailure(t *testing.T) {
	ci.Parallel(t)

	server, ports, cleanup := TestServer(t, nil)
	defer cleanup()

	// A skill with an existing cluster serves degraded when the embedder is
	// down; its log carries no embedding.
	skill := mock.Skill()
	must.NoError(t, server.store.UpsertSkill(skill))
	cluster := mock.Cluster(skill.ID)
	must.NoError(t, server.store.UpsertClusters([]*structs.Cluster{cluster}))
	must.NoError(t, server.store.UpsertArms(mock.Arms(skill.ID, cluster.ID, 3)))

	ports.Embedder.Err = fmt.Errorf("embedding service down")

	resp, err := server.HandleRequest(context.Background(),
		testRequest(skill, "Customer reports the export button hangs."))
	must.NoError(t, err)
	must.Eq(t, cluster.ID, resp.ClusterID)

	log, err := server.store.LogByID(resp.LogID)
	must.NoError(t, err)
	must.False(t, log.HasEmbedding())

	// A cold skill cannot serve without an embedding: there is nothing to
	// anchor its first centroid on.
	cold := mock.Skill()
	cold.Name = "summarize-ticket-cold"
	must.NoError(t, server.store.UpsertSkill(cold))

	_, err = server.HandleRequest(context.Background(),
		testRequest(cold, "Another ticket."))
	must.Error(t, err)
}

func TestServer_HandleRequest_OptimizeFalse(t *testing.T) {
	ci.Parallel(t)

	server, _, cleanup := TestServer(t, nil)
	defer cleanup()

	skill := mock.SkillNoOptimize()
	must.NoError(t, server.store.UpsertSkill(skill))
	must.NoError(t, server.store.UpsertEvaluations(
		[]*structs.Evaluation{mock.SchemaEvaluation(skill.ID)}))

	resp, err := server.HandleRequest(context.Background(),
		testRequest(skill, "Customer reports the export button hangs."))
	must.NoError(t, err)

	// A non-optimizing skill serves one implicit arm.
	arms, err := server.store.ArmsByCluster(resp.ClusterID)
	must.NoError(t, err)
	must.Len(t, 1, arms)

	again, err := server.HandleRequest(context.Background(),
		testRequest(skill, "Second ticket about the export button."))
	must.NoError(t, err)
	must.Eq(t, resp.ArmID, again.ArmID)

	// Evaluation still runs for observability, but never touches stats.
	runs := testutil.WaitForEvaluationRuns(t, server.store, resp.LogID, 1)
	must.False(t, runs[0].StatsUpdated)

	stat, err := server.store.ArmStatByArmID(resp.ArmID)
	must.NoError(t, err)
	must.Nil(t, stat)
}

func TestServer_HandleRequest_EmitsArmSelected(t *testing.T) {
	ci.Parallel(t)

	server, ports, cleanup := TestServer(t, nil)
	defer cleanup()

	skill := mock.Skill()
	must.NoError(t, server.store.UpsertSkill(skill))

	resp, err := server.HandleRequest(context.Background(),
		testRequest(skill, "Customer reports the export button hangs."))
	must.NoError(t, err)

	// Sink delivery is asynchronous.
	testutil.WaitForResult(func() (bool, error) {
		events := ports.Sink.EventsOfType(structs.TypeArmSelected)
		if len(events) == 0 {
			return false, fmt.Errorf("no arm-selected event yet")
		}
		payload := events[0].Payload.(*structs.ArmSelectedPayload)
		if payload.LogID != resp.LogID {
			return false, fmt.Errorf("event for wrong log %q", payload.LogID)
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("err: %v", err)
	})
}

func TestServer_HandleRequest_InterpolatesMetadata(t *testing.T) {
	ci.Parallel(t)

	server, ports, cleanup := TestServer(t, nil)
	defer cleanup()

	skill := mock.Skill()
	skill.Defaults.SystemPrompt = "You summarize tickets for {{customer_name}} about {{product}}."
	must.NoError(t, server.store.UpsertSkill(skill))

	req := testRequest(skill, "Customer reports the export button hangs.")
	req.Metadata = map[string]string{
		"customer_name": "Acme",
		"product":       "Exporter",
		"secret":        "do-not-interpolate",
	}
	_, err := server.HandleRequest(context.Background(), req)
	must.NoError(t, err)

	upstream := ports.Upstream.Requests()
	must.Len(t, 1, upstream)
	must.Eq(t, "You summarize tickets for Acme about Exporter.", upstream[0].SystemPrompt)
}

func TestServer_HandleRequest_ErrNotFoundUnwraps(t *testing.T) {
	ci.Parallel(t)

	server, _, cleanup := TestServer(t, nil)
	defer cleanup()

	skill := mock.Skill()
	must.NoError(t, server.store.UpsertSkill(skill))

	// Right agent, wrong skill name and vice versa both miss.
	_, err := server.HandleRequest(context.Background(), &structs.SkillRequest{
		AgentID:   skill.AgentID,
		SkillName: "other",
		Input:     "hello",
	})
	must.True(t, errors.Is(err, structs.ErrNotFound))

	_, err = server.HandleRequest(context.Background(), &structs.SkillRequest{
		AgentID:   "other-agent",
		SkillName: skill.Name,
		Input:     "hello",
	})
	must.True(t, errors.Is(err, structs.ErrNotFound))
}

// The judge favors responses that name the failing feature, and only one of
// the two arms prompts for them. Selection mass has to shift to that arm
// once the warm-up floor is cleared.
func TestServer_HandleRequest_ConvergesOnBetterArm(t *testing.T) {
	ci.Parallel(t)
	ci.SkipSlow(t, "serves a few hundred requests through the full loop")

	server, ports, cleanup := TestServer(t, func(c *Config) {
		// Keep the background controllers out of the way so the sampler
		// is the only moving part.
		c.EarlyRegenMinLogs = 1 << 20
	})
	defer cleanup()

	skill := mock.Skill()
	skill.ClusteringInterval = structs.MaxClusteringInterval
	must.NoError(t, server.store.UpsertSkill(skill))
	must.NoError(t, server.store.UpsertEvaluations(
		[]*structs.Evaluation{mock.JudgeEvaluation(skill.ID)}))

	cluster := mock.Cluster(skill.ID)
	must.NoError(t, server.store.UpsertClusters([]*structs.Cluster{cluster}))

	arms := mock.Arms(skill.ID, cluster.ID, 2)
	arms[0].Params.SystemPrompt = "You summarize support tickets. Name the failing feature first."
	arms[1].Params.SystemPrompt = "You summarize support tickets. Keep it brief."
	must.NoError(t, server.store.UpsertArms(arms))

	ports.Upstream.OutputFn = func(req *structs.UpstreamRequest) string {
		if strings.Contains(req.SystemPrompt, "failing feature") {
			return `{"summary": "The export pipeline stalls on large projects."}`
		}
		return `{"summary": "Something is broken."}`
	}
	ports.Judge.ScoreFn = func(req *structs.JudgeRequest) float64 {
		if strings.Contains(req.UserPrompt, "export pipeline") {
			return 0.9
		}
		return 0.2
	}

	const rounds = 200
	counts := make(map[string]int, 2)
	for i := 0; i < rounds; i++ {
		resp, err := server.HandleRequest(context.Background(),
			testRequest(skill, fmt.Sprintf("Ticket %d: the export button hangs.", i)))
		must.NoError(t, err)
		counts[resp.ArmID]++

		// Wait out the evaluation so the next draw sees this reward.
		testutil.WaitForEvaluationRuns(t, server.store, resp.LogID, 1)
	}

	must.Eq(t, rounds, counts[arms[0].ID]+counts[arms[1].ID])
	must.Greater(t, rounds*3/4, counts[arms[0].ID])

	stat, err := server.store.ArmStatByArmID(arms[0].ID)
	must.NoError(t, err)
	must.NotNil(t, stat)
	must.Eq(t, 0.9, stat.Mean)
}
