package pipeline

import (
	"regexp"
	"strings"

	"github.com/antfarm-dev/antfarm/pkg/models"
)

// storiesKey is the output key carrying the stories payload; it is never
// merged into the run context.
const storiesKey = "STORIES_JSON"

// keyLineRe matches a KEY: at column 0 beginning a new output field.
var keyLineRe = regexp.MustCompile(`^([A-Z_]+):(.*)$`)

// ParseOutput parses worker output into context entries. Lines matching
// `^[A-Z_]+:` begin a key; subsequent lines accumulate (newline-joined)
// into its value until the next key or end of output. Keys are lowercased
// and values trimmed. The STORIES_JSON block is excluded — it is consumed
// by ingestion, not the context.
func ParseOutput(output string) models.Context {
	ctx := models.Context{}

	var key string
	var value []string
	flush := func() {
		if key == "" || key == storiesKey {
			key = ""
			value = nil
			return
		}
		ctx[strings.ToLower(key)] = strings.TrimSpace(strings.Join(value, "\n"))
		key = ""
		value = nil
	}

	for _, line := range strings.Split(output, "\n") {
		if m := keyLineRe.FindStringSubmatch(line); m != nil {
			flush()
			key = m[1]
			value = []string{strings.TrimSpace(m[2])}
			continue
		}
		if key != "" {
			value = append(value, line)
		}
	}
	flush()

	return ctx
}

// ExtractStoriesJSON returns the raw payload following a STORIES_JSON:
// key, accumulated up to the next KEY: line or end of output. The second
// return reports whether the block was present at all.
func ExtractStoriesJSON(output string) (string, bool) {
	var payload []string
	inBlock := false

	for _, line := range strings.Split(output, "\n") {
		if m := keyLineRe.FindStringSubmatch(line); m != nil {
			if inBlock {
				break
			}
			if m[1] == storiesKey {
				inBlock = true
				payload = append(payload, strings.TrimSpace(m[2]))
			}
			continue
		}
		if inBlock {
			payload = append(payload, line)
		}
	}

	if !inBlock {
		return "", false
	}
	return strings.TrimSpace(strings.Join(payload, "\n")), true
}
