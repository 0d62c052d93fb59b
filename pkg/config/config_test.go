package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ANTFARM_STATE_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.StateDir)
	assert.Equal(t, filepath.Join(dir, "workflows"), cfg.WorkflowDir)
	assert.Equal(t, "http://localhost:4280", cfg.GatewayURL)
	assert.Empty(t, cfg.HTTPAddr)
	assert.Equal(t, 30*time.Second, cfg.TickInterval)
	assert.Equal(t, 2*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 1, cfg.SpawnParallelism)
	assert.Empty(t, cfg.WorkflowAllowList)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ANTFARM_STATE_DIR", t.TempDir())
	t.Setenv("ANTFARM_GATEWAY_URL", "http://gw:9000")
	t.Setenv("ANTFARM_HTTP_ADDR", ":8420")
	t.Setenv("ANTFARM_TICK_INTERVAL_MS", "45000")
	t.Setenv("ANTFARM_SPAWN_PARALLELISM", "4")
	t.Setenv("ANTFARM_WORKFLOWS", "website, deploy ,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://gw:9000", cfg.GatewayURL)
	assert.Equal(t, ":8420", cfg.HTTPAddr)
	assert.Equal(t, 45*time.Second, cfg.TickInterval)
	assert.Equal(t, 4, cfg.SpawnParallelism)
	assert.Equal(t, []string{"website", "deploy"}, cfg.WorkflowAllowList)
}

func TestValidateEnforcesFloors(t *testing.T) {
	cfg := &Config{
		StateDir:         "/tmp/antfarm",
		TickInterval:     time.Second,
		SpawnParallelism: 0,
	}

	require.NoError(t, cfg.Validate())
	assert.Equal(t, MinTickInterval, cfg.TickInterval)
	assert.Equal(t, 1, cfg.SpawnParallelism)
}

func TestValidateRequiresStateDir(t *testing.T) {
	assert.Error(t, (&Config{}).Validate())
}

func TestInvalidEnvValuesFallBack(t *testing.T) {
	t.Setenv("ANTFARM_STATE_DIR", t.TempDir())
	t.Setenv("ANTFARM_TICK_INTERVAL_MS", "not-a-number")
	t.Setenv("ANTFARM_SPAWN_PARALLELISM", "lots")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.TickInterval)
	assert.Equal(t, 1, cfg.SpawnParallelism)
}

func TestDerivedPaths(t *testing.T) {
	cfg := &Config{StateDir: "/var/lib/antfarm"}

	assert.Equal(t, "/var/lib/antfarm/antfarm.db", cfg.DatabasePath())
	assert.Equal(t, "/var/lib/antfarm/events.jsonl", cfg.JournalPath())
	assert.Equal(t, "/var/lib/antfarm/daemon.pid", cfg.PIDFilePath())
	assert.Equal(t, "/var/lib/antfarm/progress", cfg.ProgressDir())
}

func TestWorkflowAllowed(t *testing.T) {
	open := &Config{StateDir: "x"}
	assert.True(t, open.WorkflowAllowed("anything"))

	restricted := &Config{StateDir: "x", WorkflowAllowList: []string{"website"}}
	assert.True(t, restricted.WorkflowAllowed("website"))
	assert.False(t, restricted.WorkflowAllowed("other"))
}
