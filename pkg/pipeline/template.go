package pipeline

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/antfarm-dev/antfarm/pkg/models"
)

// placeholderRe matches {{name}} and {{name.subname}} placeholders.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+(?:\.[A-Za-z0-9_]+)*)\s*\}\}`)

// Interpolate resolves placeholders against the context. A missing key
// renders as the literal `[missing: name]` — never an error, because
// downstream steps may legitimately observe that a key is absent.
func Interpolate(template string, ctx models.Context) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])

		if v, ok := ctx[name]; ok {
			return v
		}

		// name.subname: resolve subname inside a JSON-object value.
		if dot := strings.Index(name, "."); dot > 0 {
			if v, ok := lookupNested(ctx, name[:dot], name[dot+1:]); ok {
				return v
			}
		}

		return "[missing: " + name + "]"
	})
}

// lookupNested reads a sub-field out of a context value that holds a JSON
// object.
func lookupNested(ctx models.Context, name, sub string) (string, bool) {
	raw, ok := ctx[name]
	if !ok {
		return "", false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return "", false
	}
	v, ok := obj[sub]
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

// resolveInput renders an input template against the base context
// augmented with run_id, the frontend-change heuristic when the run
// carries repo/branch keys, and the progress file for runs that have
// ingested stories. The augmented keys are ephemeral; they are never
// written back to the run.
func (e *Engine) resolveInput(template string, run *models.Run, base models.Context, hasStories bool) string {
	ctx := base.Clone()
	ctx["run_id"] = run.ID

	if repo, branch := ctx["repo"], ctx["branch"]; repo != "" && branch != "" {
		ctx["has_frontend_changes"] = strconv.FormatBool(e.FrontendChanged(repo, branch))
	}

	if hasStories {
		if progress := e.readProgress(run.ID); progress != "" {
			ctx["progress"] = progress
		}
	}

	return Interpolate(template, ctx)
}
