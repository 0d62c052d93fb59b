// Package config provides runtime configuration for the antfarm daemon
// and CLI, loaded from the environment with sane defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// MinTickInterval is the floor for the daemon's main tick.
const MinTickInterval = 10 * time.Second

// Config is the process-wide runtime configuration. It is constructed
// once at startup and wired explicitly into each component — there are no
// ambient globals.
type Config struct {
	// StateDir roots all persistent state: the database file, the event
	// journal, progress files, and the daemon PID file.
	StateDir string

	// WorkflowDir holds <workflow-id>.yaml definition files.
	WorkflowDir string

	// GatewayURL is the base URL of the external worker gateway.
	GatewayURL string

	// HTTPAddr is the dashboard API listen address; empty disables it.
	HTTPAddr string

	// TickInterval is the daemon's main scheduling cadence.
	TickInterval time.Duration

	// SweepInterval is the cadence of the stale-claim sweep.
	SweepInterval time.Duration

	// SessionGCInterval is the cadence of active-session garbage collection.
	SessionGCInterval time.Duration

	// SpecCacheTTL bounds how long a parsed workflow spec is trusted.
	SpecCacheTTL time.Duration

	// WorkflowAllowList restricts the daemon to the named workflow ids.
	// Empty means all daemon-scheduled workflows.
	WorkflowAllowList []string

	// SpawnParallelism bounds concurrent spawns per workflow per tick.
	// 1 keeps the single-spawn-at-a-time behaviour.
	SpawnParallelism int
}

// Load builds the configuration from the environment.
func Load() (*Config, error) {
	stateDir := getEnv("ANTFARM_STATE_DIR", defaultStateDir())

	cfg := &Config{
		StateDir:          stateDir,
		WorkflowDir:       getEnv("ANTFARM_WORKFLOW_DIR", filepath.Join(stateDir, "workflows")),
		GatewayURL:        getEnv("ANTFARM_GATEWAY_URL", "http://localhost:4280"),
		HTTPAddr:          getEnv("ANTFARM_HTTP_ADDR", ""),
		TickInterval:      getDurationMS("ANTFARM_TICK_INTERVAL_MS", 30*time.Second),
		SweepInterval:     getDurationMS("ANTFARM_SWEEP_INTERVAL_MS", 2*time.Minute),
		SessionGCInterval: getDurationMS("ANTFARM_SESSION_GC_INTERVAL_MS", 10*time.Minute),
		SpecCacheTTL:      getDurationMS("ANTFARM_SPEC_CACHE_TTL_MS", 5*time.Minute),
		SpawnParallelism:  getInt("ANTFARM_SPAWN_PARALLELISM", 1),
	}

	if allow := os.Getenv("ANTFARM_WORKFLOWS"); allow != "" {
		for _, id := range strings.Split(allow, ",") {
			if id = strings.TrimSpace(id); id != "" {
				cfg.WorkflowAllowList = append(cfg.WorkflowAllowList, id)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces interval floors and required fields.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state directory is required")
	}
	if c.TickInterval < MinTickInterval {
		c.TickInterval = MinTickInterval
	}
	if c.SpawnParallelism < 1 {
		c.SpawnParallelism = 1
	}
	return nil
}

// DatabasePath is the SQLite file location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.StateDir, "antfarm.db")
}

// JournalPath is the event journal location.
func (c *Config) JournalPath() string {
	return filepath.Join(c.StateDir, "events.jsonl")
}

// PIDFilePath is the daemon singleton PID file location.
func (c *Config) PIDFilePath() string {
	return filepath.Join(c.StateDir, "daemon.pid")
}

// ProgressDir holds per-run progress files written by long-lived loop
// agents and surfaced to workers through the {{progress}} placeholder.
func (c *Config) ProgressDir() string {
	return filepath.Join(c.StateDir, "progress")
}

// WorkflowAllowed reports whether the daemon may schedule a workflow.
func (c *Config) WorkflowAllowed(workflowID string) bool {
	if len(c.WorkflowAllowList) == 0 {
		return true
	}
	for _, id := range c.WorkflowAllowList {
		if id == workflowID {
			return true
		}
	}
	return false
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".antfarm"
	}
	return filepath.Join(home, ".antfarm")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getDurationMS(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	ms, err := strconv.Atoi(val)
	if err != nil || ms <= 0 {
		return defaultVal
	}
	return time.Duration(ms) * time.Millisecond
}
