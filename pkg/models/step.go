package models

import (
	"encoding/json"
	"time"
)

// StepStatus is the lifecycle status of a step.
//
// Lifecycle for single steps: waiting → pending → claiming → running →
// done|failed. The only backward transitions are claiming → pending
// (spawn rollback / stale-claim sweep) and failed → pending (retry).
type StepStatus string

const (
	StepStatusWaiting  StepStatus = "waiting"
	StepStatusPending  StepStatus = "pending"
	StepStatusClaiming StepStatus = "claiming"
	StepStatusRunning  StepStatus = "running"
	StepStatusDone     StepStatus = "done"
	StepStatusFailed   StepStatus = "failed"
)

// IsValid checks if the step status is a known value.
func (s StepStatus) IsValid() bool {
	switch s {
	case StepStatusWaiting, StepStatusPending, StepStatusClaiming,
		StepStatusRunning, StepStatusDone, StepStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the step has finished.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusDone || s == StepStatusFailed
}

// StepType distinguishes single-shot steps from story loops.
type StepType string

const (
	StepTypeSingle StepType = "single"
	StepTypeLoop   StepType = "loop"
)

// IsValid checks if the step type is a known value (empty means single).
func (t StepType) IsValid() bool {
	return t == "" || t == StepTypeSingle || t == StepTypeLoop
}

// LoopConfig configures a loop step's verify-each behavior. Stored as JSON
// in the steps.loop_config column.
type LoopConfig struct {
	// VerifyEach routes every story completion through VerifyStep before
	// the next story is picked up.
	VerifyEach bool `json:"verifyEach,omitempty" yaml:"verifyEach,omitempty"`
	// VerifyStep names the step (by human step id) that judges each story.
	VerifyStep string `json:"verifyStep,omitempty" yaml:"verifyStep,omitempty"`
}

// Step is one ordered unit of work within a run, owned by a single agent.
type Step struct {
	ID             string     `db:"id" json:"id"`
	RunID          string     `db:"run_id" json:"run_id"`
	StepID         string     `db:"step_id" json:"step_id"`
	AgentID        string     `db:"agent_id" json:"agent_id"`
	StepIndex      int        `db:"step_index" json:"step_index"`
	InputTemplate  string     `db:"input_template" json:"input_template"`
	Expects        string     `db:"expects" json:"expects,omitempty"`
	Type           StepType   `db:"step_type" json:"type"`
	LoopConfigRaw  string     `db:"loop_config" json:"-"`
	MaxRetries     int        `db:"max_retries" json:"max_retries"`
	RetryCount     int        `db:"retry_count" json:"retry_count"`
	AbandonedCount int        `db:"abandoned_count" json:"abandoned_count"`
	Status         StepStatus `db:"status" json:"status"`
	CurrentStoryID string     `db:"current_story_id" json:"current_story_id,omitempty"`
	Output         string     `db:"output" json:"output,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// IsLoop reports whether the step iterates over stories.
func (s *Step) IsLoop() bool {
	return s.Type == StepTypeLoop
}

// LoopConfig decodes the loop_config column. Returns nil for single steps
// or when the column is empty/corrupt.
func (s *Step) LoopConfig() *LoopConfig {
	if s.LoopConfigRaw == "" {
		return nil
	}
	var cfg LoopConfig
	if err := json.Unmarshal([]byte(s.LoopConfigRaw), &cfg); err != nil {
		return nil
	}
	return &cfg
}
