// Package models contains the persistent domain types shared across the
// store, pipeline engine, spawner, and daemon.
package models

import "time"

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsValid checks if the run status is a known value.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is absorbing: once a run reaches a
// terminal status no operation may transition it out.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// Scheduler identifies the policy driving a run. An empty value is treated
// as cron for backwards compatibility with rows written before the column
// existed.
type Scheduler string

const (
	SchedulerCron   Scheduler = "cron"
	SchedulerDaemon Scheduler = "daemon"
)

// IsValid checks if the scheduler is a known value (empty allowed).
func (s Scheduler) IsValid() bool {
	return s == "" || s == SchedulerCron || s == SchedulerDaemon
}

// Run is one execution of a workflow for a particular task.
type Run struct {
	ID         string    `db:"id" json:"id"`
	RunNumber  int64     `db:"run_number" json:"run_number"`
	WorkflowID string    `db:"workflow_id" json:"workflow_id"`
	Task       string    `db:"task" json:"task"`
	Status     RunStatus `db:"status" json:"status"`
	ContextRaw string    `db:"context" json:"-"`
	NotifyURL  string    `db:"notify_url" json:"notify_url,omitempty"`
	Scheduler  Scheduler `db:"scheduler" json:"scheduler,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Context decodes the run's context column. A corrupt or empty column
// yields an empty context rather than an error — downstream template
// resolution renders missing keys as literals.
func (r *Run) Context() Context {
	return DecodeContext(r.ContextRaw)
}
