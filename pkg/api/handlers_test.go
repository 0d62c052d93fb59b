package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antfarm-dev/antfarm/pkg/config"
	"github.com/antfarm-dev/antfarm/pkg/events"
	"github.com/antfarm-dev/antfarm/pkg/models"
	"github.com/antfarm-dev/antfarm/pkg/pipeline"
	"github.com/antfarm-dev/antfarm/pkg/store"
	"github.com/antfarm-dev/antfarm/pkg/workflow"
)

type apiTestEnv struct {
	server *Server
	engine *pipeline.Engine
	store  *store.Client
}

func newAPITestEnv(t *testing.T) *apiTestEnv {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(context.Background(), store.DefaultConfig(dir))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{StateDir: dir}
	journal := events.NewJournal(cfg.JournalPath())
	emitter := events.NewEmitter(journal, events.NewNotifier())
	engine := pipeline.New(st, emitter, cfg)
	engine.FrontendChanged = func(string, string) bool { return false }

	specs := workflow.NewCache(cfg.WorkflowDir, time.Minute)
	return &apiTestEnv{
		server: NewServer(":0", st, journal, specs),
		engine: engine,
		store:  st,
	}
}

func (env *apiTestEnv) get(t *testing.T, path string) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	env.server.httpServer.Handler.ServeHTTP(rec, req)

	var body map[string]json.RawMessage
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func apiTestSpec() *workflow.Spec {
	return &workflow.Spec{
		ID:     "website",
		Agents: []workflow.Agent{{ID: "planner"}},
		Steps:  []workflow.Step{{ID: "plan", Agent: "planner", Input: "Plan: {{task}}"}},
	}
}

func TestHealthz(t *testing.T) {
	env := newAPITestEnv(t)

	rec, body := env.get(t, "/healthz")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `"healthy"`, string(body["status"]))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestListRuns(t *testing.T) {
	env := newAPITestEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := env.engine.StartRun(ctx, apiTestSpec(), "task", pipeline.StartOptions{Scheduler: models.SchedulerDaemon})
		require.NoError(t, err)
	}

	rec, body := env.get(t, "/api/runs?limit=2")
	assert.Equal(t, http.StatusOK, rec.Code)

	var runs []models.Run
	require.NoError(t, json.Unmarshal(body["runs"], &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, int64(3), runs[0].RunNumber, "newest first")
}

func TestGetRunWithDetails(t *testing.T) {
	env := newAPITestEnv(t)
	ctx := context.Background()

	run, err := env.engine.StartRun(ctx, apiTestSpec(), "build it", pipeline.StartOptions{Scheduler: models.SchedulerDaemon})
	require.NoError(t, err)

	rec, body := env.get(t, "/api/runs/"+run.ID)
	assert.Equal(t, http.StatusOK, rec.Code)

	var steps []models.Step
	require.NoError(t, json.Unmarshal(body["steps"], &steps))
	require.Len(t, steps, 1)
	assert.Equal(t, "plan", steps[0].StepID)

	var runCtx map[string]string
	require.NoError(t, json.Unmarshal(body["context"], &runCtx))
	assert.Equal(t, "build it", runCtx["task"])
}

func TestGetRunNotFound(t *testing.T) {
	env := newAPITestEnv(t)

	rec, body := env.get(t, "/api/runs/nonexistent")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `"run not found"`, string(body["error"]))
}

func TestListEventsFiltersByRun(t *testing.T) {
	env := newAPITestEnv(t)
	ctx := context.Background()

	run, err := env.engine.StartRun(ctx, apiTestSpec(), "task", pipeline.StartOptions{Scheduler: models.SchedulerDaemon})
	require.NoError(t, err)
	other, err := env.engine.StartRun(ctx, apiTestSpec(), "task", pipeline.StartOptions{Scheduler: models.SchedulerDaemon})
	require.NoError(t, err)

	rec, body := env.get(t, "/api/events?run_id="+run.ID[:8])
	assert.Equal(t, http.StatusOK, rec.Code)

	var evs []events.Event
	require.NoError(t, json.Unmarshal(body["events"], &evs))
	require.NotEmpty(t, evs)
	for _, ev := range evs {
		assert.Equal(t, run.ID, ev.RunID)
		assert.NotEqual(t, other.ID, ev.RunID)
	}
}

func TestCacheStats(t *testing.T) {
	env := newAPITestEnv(t)

	rec, body := env.get(t, "/api/cache/stats")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `0`, string(body["hits"]))
	assert.JSONEq(t, `0`, string(body["size"]))
}
