// Package workflow provides workflow definition loading, validation, and
// the in-memory spec cache consulted by the daemon on every tick.
package workflow

import (
	"fmt"

	"github.com/antfarm-dev/antfarm/pkg/models"
)

// Default timeouts and retry budgets applied when a definition omits them.
const (
	DefaultTimeoutSeconds = 3600
	DefaultMaxRetries     = 2
	DefaultThinking       = "low"
)

// Spec is a parsed workflow definition: the agents it names and the
// ordered steps a run advances through. Specs are immutable once loaded;
// the cache hands out shared pointers.
type Spec struct {
	ID          string  `yaml:"id" validate:"required"`
	Name        string  `yaml:"name"`
	Description string  `yaml:"description"`
	Agents      []Agent `yaml:"agents" validate:"required,min=1,dive"`
	Steps       []Step  `yaml:"steps" validate:"required,min=1,dive"`

	// PollingTimeoutSeconds is a legacy workflow-level timeout. It is only
	// consulted when an agent declares no timeout of its own.
	PollingTimeoutSeconds int `yaml:"pollingTimeoutSeconds"`
}

// Agent is a named role mapping to a worker identity.
type Agent struct {
	ID             string `yaml:"id" validate:"required"`
	Name           string `yaml:"name"`
	TimeoutSeconds int    `yaml:"timeoutSeconds" validate:"omitempty,min=1"`
	Thinking       string `yaml:"thinking" validate:"omitempty,oneof=off minimal low medium high"`
}

// Step is one declared pipeline step.
type Step struct {
	ID         string             `yaml:"id" validate:"required"`
	Agent      string             `yaml:"agent" validate:"required"`
	Input      string             `yaml:"input"`
	Expects    string             `yaml:"expects"`
	Type       models.StepType    `yaml:"type"`
	Loop       *models.LoopConfig `yaml:"loop"`
	MaxRetries *int               `yaml:"maxRetries" validate:"omitempty,min=0"`
}

// AgentByID resolves an agent declaration.
func (s *Spec) AgentByID(id string) (*Agent, bool) {
	for i := range s.Agents {
		if s.Agents[i].ID == id {
			return &s.Agents[i], true
		}
	}
	return nil, false
}

// StepByID resolves a step declaration.
func (s *Spec) StepByID(id string) (*Step, bool) {
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return &s.Steps[i], true
		}
	}
	return nil, false
}

// TimeoutFor resolves the effective worker timeout for an agent:
// agent.timeoutSeconds wins; the workflow-level polling timeout is a
// lower-precedence alias; the built-in default applies last.
func (s *Spec) TimeoutFor(agent *Agent) int {
	if agent != nil && agent.TimeoutSeconds > 0 {
		return agent.TimeoutSeconds
	}
	if s.PollingTimeoutSeconds > 0 {
		return s.PollingTimeoutSeconds
	}
	return DefaultTimeoutSeconds
}

// MaxTimeoutSeconds returns the largest effective timeout across the
// spec's agents. The sweeper uses it to decide when a running step has
// been abandoned.
func (s *Spec) MaxTimeoutSeconds() int {
	max := 0
	for i := range s.Agents {
		if t := s.TimeoutFor(&s.Agents[i]); t > max {
			max = t
		}
	}
	if max == 0 {
		return DefaultTimeoutSeconds
	}
	return max
}

// RetriesFor resolves a step's retry budget.
func (s *Spec) RetriesFor(step *Step) int {
	if step.MaxRetries != nil {
		return *step.MaxRetries
	}
	return DefaultMaxRetries
}

// String implements fmt.Stringer for log lines.
func (s *Spec) String() string {
	return fmt.Sprintf("workflow %s (%d agents, %d steps)", s.ID, len(s.Agents), len(s.Steps))
}
