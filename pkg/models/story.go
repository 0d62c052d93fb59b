package models

import (
	"encoding/json"
	"time"
)

// DefaultStoryMaxRetries is the per-story retry budget applied at ingestion.
const DefaultStoryMaxRetries = 2

// MaxStoriesPerRun caps how many stories a single STORIES_JSON payload may
// ingest into a run.
const MaxStoriesPerRun = 20

// StoryStatus is the lifecycle status of a story. It mirrors the step
// lifecycle minus the waiting state: stories start pending.
type StoryStatus string

const (
	StoryStatusPending  StoryStatus = "pending"
	StoryStatusClaiming StoryStatus = "claiming"
	StoryStatusRunning  StoryStatus = "running"
	StoryStatusDone     StoryStatus = "done"
	StoryStatusFailed   StoryStatus = "failed"
)

// IsValid checks if the story status is a known value.
func (s StoryStatus) IsValid() bool {
	switch s {
	case StoryStatusPending, StoryStatusClaiming, StoryStatusRunning,
		StoryStatusDone, StoryStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the story has finished.
func (s StoryStatus) IsTerminal() bool {
	return s == StoryStatusDone || s == StoryStatusFailed
}

// Story is a self-contained work item ingested at runtime from a planner
// step's STORIES_JSON output and executed inside a loop step.
type Story struct {
	ID                 string      `db:"id" json:"id"`
	RunID              string      `db:"run_id" json:"run_id"`
	StoryIndex         int         `db:"story_index" json:"story_index"`
	StoryID            string      `db:"story_id" json:"story_id"`
	Title              string      `db:"title" json:"title"`
	Description        string      `db:"description" json:"description"`
	AcceptanceCriteria string      `db:"acceptance_criteria" json:"-"`
	Status             StoryStatus `db:"status" json:"status"`
	Output             string      `db:"output" json:"output,omitempty"`
	RetryCount         int         `db:"retry_count" json:"retry_count"`
	MaxRetries         int         `db:"max_retries" json:"max_retries"`
	CreatedAt          time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time   `db:"updated_at" json:"updated_at"`
}

// Criteria decodes the acceptance_criteria column (a JSON string array).
func (s *Story) Criteria() []string {
	if s.AcceptanceCriteria == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s.AcceptanceCriteria), &out); err != nil {
		return nil
	}
	return out
}

// EncodeCriteria serialises acceptance criteria for storage.
func EncodeCriteria(criteria []string) string {
	if len(criteria) == 0 {
		return "[]"
	}
	b, err := json.Marshal(criteria)
	if err != nil {
		return "[]"
	}
	return string(b)
}
