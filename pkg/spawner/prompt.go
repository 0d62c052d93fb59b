package spawner

import (
	"fmt"
	"strings"

	"github.com/antfarm-dev/antfarm/pkg/pipeline"
)

// buildPrompt wraps the resolved step input with the completion protocol
// the worker must follow. The step row id is the handle workers report
// back with; it goes into the prompt verbatim.
func buildPrompt(claim *pipeline.ClaimResult) string {
	var b strings.Builder
	b.WriteString(claim.Input)
	b.WriteString("\n\n---\n")
	fmt.Fprintf(&b, "When you are finished, report your result:\n")
	fmt.Fprintf(&b, "- On success, run `antfarm step complete %s` and write your output to its standard input.\n", claim.StepRowID)
	fmt.Fprintf(&b, "- On failure, run `antfarm step fail %s \"<reason>\"`.\n", claim.StepRowID)
	b.WriteString("Format the output as one or more `KEY: value` lines. ")
	b.WriteString("A key starts at column 0 and matches [A-Z_]+; a multi-line value continues until the next key. ")
	if claim.Expects != "" {
		fmt.Fprintf(&b, "Expected keys: %s.", claim.Expects)
	}
	return b.String()
}
