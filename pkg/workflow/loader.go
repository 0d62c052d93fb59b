package workflow

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/antfarm-dev/antfarm/pkg/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads, defaults, and validates a workflow definition file.
func Load(path string) (*Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSpecNotFound, path)
		}
		return nil, fmt.Errorf("failed to read workflow definition: %w", err)
	}
	return Parse(raw, path)
}

// Parse parses definition bytes. The path is used only for error context
// and for defaulting a missing workflow id from the file name.
func Parse(raw []byte, path string) (*Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidYAML, path, err)
	}

	if spec.ID == "" {
		base := filepath.Base(path)
		spec.ID = base[:len(base)-len(filepath.Ext(base))]
	}

	applyDefaults(&spec)

	if err := validateSpec(&spec); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrValidationFailed, path, err)
	}

	slog.Debug("Workflow definition loaded", "workflow_id", spec.ID,
		"agents", len(spec.Agents), "steps", len(spec.Steps))
	return &spec, nil
}

// applyDefaults fills omitted fields. mergo only writes zero-valued
// destinations, so explicit values always win.
func applyDefaults(spec *Spec) {
	agentDefaults := Agent{Thinking: DefaultThinking}
	for i := range spec.Agents {
		_ = mergo.Merge(&spec.Agents[i], agentDefaults)
	}
	for i := range spec.Steps {
		if spec.Steps[i].Type == "" {
			spec.Steps[i].Type = models.StepTypeSingle
		}
	}
}

// validateSpec runs struct-tag validation plus the cross-reference checks
// tags cannot express.
func validateSpec(spec *Spec) error {
	if err := validate.Struct(spec); err != nil {
		return err
	}

	agents := make(map[string]bool, len(spec.Agents))
	for _, a := range spec.Agents {
		if agents[a.ID] {
			return NewValidationError("agent", a.ID, "", fmt.Errorf("duplicate agent id"))
		}
		agents[a.ID] = true
	}

	steps := make(map[string]*Step, len(spec.Steps))
	for i := range spec.Steps {
		st := &spec.Steps[i]
		if _, dup := steps[st.ID]; dup {
			return NewValidationError("step", st.ID, "", fmt.Errorf("duplicate step id"))
		}
		steps[st.ID] = st

		if !agents[st.Agent] {
			return NewValidationError("step", st.ID, "agent",
				fmt.Errorf("unknown agent '%s'", st.Agent))
		}
		if !st.Type.IsValid() {
			return NewValidationError("step", st.ID, "type",
				fmt.Errorf("invalid step type '%s'", st.Type))
		}
		if st.Loop != nil && st.Type != models.StepTypeLoop {
			return NewValidationError("step", st.ID, "loop",
				fmt.Errorf("loop config on a non-loop step"))
		}
	}

	for _, st := range spec.Steps {
		if st.Loop == nil || st.Loop.VerifyStep == "" {
			continue
		}
		verify, ok := steps[st.Loop.VerifyStep]
		if !ok {
			return NewValidationError("step", st.ID, "loop.verifyStep",
				fmt.Errorf("unknown verify step '%s'", st.Loop.VerifyStep))
		}
		if verify.ID == st.ID {
			return NewValidationError("step", st.ID, "loop.verifyStep",
				fmt.Errorf("a loop step cannot verify itself"))
		}
	}

	return nil
}
