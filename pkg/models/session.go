package models

import "time"

// SpawnSource identifies which scheduler spawned a worker.
type SpawnSource string

const (
	SpawnSourceDaemon SpawnSource = "daemon"
	SpawnSourceCron   SpawnSource = "cron"
)

// ActiveSession records a worker believed to be running. The composite key
// is (agent_id, step_id, story_id); story_id is the empty string when the
// worker executes a step rather than a story (SQLite NULLs would break the
// composite primary key, so the column is NOT NULL DEFAULT '').
type ActiveSession struct {
	AgentID   string      `db:"agent_id" json:"agent_id"`
	StepID    string      `db:"step_id" json:"step_id"`
	StoryID   string      `db:"story_id" json:"story_id"`
	RunID     string      `db:"run_id" json:"run_id"`
	SessionID string      `db:"session_id" json:"session_id"`
	SpawnedBy SpawnSource `db:"spawned_by" json:"spawned_by"`
	SpawnedAt time.Time   `db:"spawned_at" json:"spawned_at"`
}
