package spawner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antfarm-dev/antfarm/pkg/config"
	"github.com/antfarm-dev/antfarm/pkg/events"
	"github.com/antfarm-dev/antfarm/pkg/models"
	"github.com/antfarm-dev/antfarm/pkg/pipeline"
	"github.com/antfarm-dev/antfarm/pkg/store"
	"github.com/antfarm-dev/antfarm/pkg/workflow"
)

func newSpawnerTestEnv(t *testing.T) (*pipeline.Engine, *store.Client) {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(context.Background(), store.DefaultConfig(dir))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{StateDir: dir}
	emitter := events.NewEmitter(events.NewJournal(cfg.JournalPath()), events.NewNotifier())
	engine := pipeline.New(st, emitter, cfg)
	engine.FrontendChanged = func(string, string) bool { return false }
	return engine, st
}

func spawnerTestSpec() *workflow.Spec {
	return &workflow.Spec{
		ID:     "website",
		Agents: []workflow.Agent{{ID: "planner", TimeoutSeconds: 900, Thinking: "medium"}},
		Steps:  []workflow.Step{{ID: "plan", Agent: "planner", Input: "Plan: {{task}}"}},
	}
}

// fakeGateway accepts calls and resolves the session on the first poll.
func fakeGateway(t *testing.T, calls *[]CallRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/agents/call":
			var req CallRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			*calls = append(*calls, req)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted", "runId": "gw-run"})
		case strings.HasPrefix(r.URL.Path, "/api/agents/runs/"):
			_ = json.NewEncoder(w).Encode(map[string]string{"sessionId": "sess-42", "status": "running"})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestPeekAndSpawnHappyPath(t *testing.T) {
	engine, st := newSpawnerTestEnv(t)
	ctx := context.Background()
	spec := spawnerTestSpec()

	run, err := engine.StartRun(ctx, spec, "build it", pipeline.StartOptions{Scheduler: models.SchedulerDaemon})
	require.NoError(t, err)

	var calls []CallRequest
	srv := fakeGateway(t, &calls)
	defer srv.Close()

	s := New(st, engine, NewGatewayClient(srv.URL))
	result, err := s.PeekAndSpawn(ctx, "planner", spec, models.SpawnSourceDaemon)
	require.NoError(t, err)
	assert.True(t, result.Spawned)
	assert.Equal(t, "sess-42", result.SessionID)

	require.Len(t, calls, 1)
	call := calls[0]
	assert.Equal(t, "website_planner", call.AgentID)
	assert.Equal(t, "agent:website_planner:workflow:"+run.ID+":plan", call.SessionKey)
	assert.Equal(t, 900, call.Timeout)
	assert.Equal(t, "medium", call.Thinking)
	assert.Contains(t, call.Message, "Plan: build it")
	assert.Contains(t, call.Message, "antfarm step complete "+result.Claim.StepRowID)
	assert.Regexp(t, regexp.MustCompile(`^antfarm:`+run.ID+`:plan:root:[0-9a-f]{8}$`), call.IdempotencyKey)

	step, err := st.GetStep(ctx, result.Claim.StepRowID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusRunning, step.Status)

	sessions, err := st.SessionsByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "sess-42", sessions[0].SessionID)
	assert.Equal(t, models.SpawnSourceDaemon, sessions[0].SpawnedBy)
}

func TestPeekAndSpawnNoWork(t *testing.T) {
	engine, st := newSpawnerTestEnv(t)

	s := New(st, engine, NewGatewayClient("http://127.0.0.1:1"))
	result, err := s.PeekAndSpawn(context.Background(), "planner", spawnerTestSpec(), models.SpawnSourceDaemon)

	require.NoError(t, err)
	assert.False(t, result.Spawned)
	assert.Equal(t, "no_work", result.Reason)
}

func TestPeekAndSpawnGatewayFailureRollsBack(t *testing.T) {
	engine, st := newSpawnerTestEnv(t)
	ctx := context.Background()
	spec := spawnerTestSpec()

	run, err := engine.StartRun(ctx, spec, "build it", pipeline.StartOptions{Scheduler: models.SchedulerDaemon})
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := New(st, engine, NewGatewayClient(srv.URL))
	result, err := s.PeekAndSpawn(ctx, "planner", spec, models.SpawnSourceDaemon)

	require.Error(t, err)
	assert.Equal(t, "spawn_failed", result.Reason)
	assert.True(t, result.Rollback)

	// The claim was released; the step is claimable again.
	steps, err := st.StepsByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPending, steps[0].Status)
}

func TestPeekAndSpawnUnknownAgentRollsBack(t *testing.T) {
	engine, st := newSpawnerTestEnv(t)
	ctx := context.Background()

	// The run was started from a spec revision that declared the agent.
	oldSpec := spawnerTestSpec()
	_, err := engine.StartRun(ctx, oldSpec, "build it", pipeline.StartOptions{Scheduler: models.SchedulerDaemon})
	require.NoError(t, err)

	newSpec := &workflow.Spec{
		ID:     "website",
		Agents: []workflow.Agent{{ID: "renamed"}},
		Steps:  []workflow.Step{{ID: "plan", Agent: "renamed"}},
	}

	s := New(st, engine, NewGatewayClient("http://127.0.0.1:1"))
	result, err := s.PeekAndSpawn(ctx, "planner", newSpec, models.SpawnSourceDaemon)

	require.Error(t, err)
	assert.Equal(t, "unknown_agent", result.Reason)
	assert.True(t, result.Rollback)
}

func TestPeekAndSpawnClaimsLoopStory(t *testing.T) {
	engine, st := newSpawnerTestEnv(t)
	ctx := context.Background()

	spec := &workflow.Spec{
		ID:     "website",
		Agents: []workflow.Agent{{ID: "planner"}, {ID: "dev"}},
		Steps: []workflow.Step{
			{ID: "plan", Agent: "planner", Input: "Plan: {{task}}", Expects: "STORIES_JSON"},
			{ID: "implement", Agent: "dev", Type: models.StepTypeLoop, Input: "Implement {{current_story_title}}"},
		},
	}

	_, err := engine.StartRun(ctx, spec, "build it", pipeline.StartOptions{Scheduler: models.SchedulerDaemon})
	require.NoError(t, err)

	var calls []CallRequest
	srv := fakeGateway(t, &calls)
	defer srv.Close()
	s := New(st, engine, NewGatewayClient(srv.URL))

	// Plan step produces one story.
	plan, err := s.PeekAndSpawn(ctx, "planner", spec, models.SpawnSourceDaemon)
	require.NoError(t, err)
	require.True(t, plan.Spawned)
	_, err = engine.CompleteStep(ctx, plan.Claim.StepRowID,
		`STORIES_JSON: [{"id":"s1","title":"First","description":"d","acceptanceCriteria":["a"]}]`)
	require.NoError(t, err)

	// First dev spawn claims the loop step and its first story together.
	first, err := s.PeekAndSpawn(ctx, "dev", spec, models.SpawnSourceDaemon)
	require.NoError(t, err)
	require.True(t, first.Spawned)
	assert.True(t, first.Claim.IsStory)
	assert.Equal(t, "s1", first.Claim.StoryID)

	// While the story runs, another dev spawn finds it already claimed.
	second, err := s.PeekAndSpawn(ctx, "dev", spec, models.SpawnSourceDaemon)
	require.NoError(t, err)
	assert.False(t, second.Spawned)
	assert.Equal(t, "story_already_claimed", second.Reason)
}

func TestBuildPromptIncludesProtocol(t *testing.T) {
	prompt := buildPrompt(&pipeline.ClaimResult{
		StepRowID: "row-1",
		Input:     "Do the thing",
		Expects:   "SUMMARY, BRANCH",
	})

	assert.True(t, strings.HasPrefix(prompt, "Do the thing"))
	assert.Contains(t, prompt, "antfarm step complete row-1")
	assert.Contains(t, prompt, `antfarm step fail row-1 "<reason>"`)
	assert.Contains(t, prompt, "Expected keys: SUMMARY, BRANCH.")
}

func TestIdempotencyKeyScopes(t *testing.T) {
	root := idempotencyKey(&pipeline.ClaimResult{RunID: "r1", StepID: "plan"})
	assert.Regexp(t, `^antfarm:r1:plan:root:[0-9a-f]{8}$`, root)

	story := idempotencyKey(&pipeline.ClaimResult{RunID: "r1", StepID: "implement", IsStory: true, StoryID: "s1"})
	assert.Regexp(t, `^antfarm:r1:implement:s1:[0-9a-f]{8}$`, story)

	// The nonce makes retried spawns distinct.
	assert.NotEqual(t, root, idempotencyKey(&pipeline.ClaimResult{RunID: "r1", StepID: "plan"}))
}
