package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseOutputSingleKeys(t *testing.T) {
	out := ParseOutput("BRANCH: feature/login\nSTATUS: ok\n")

	assert.Equal(t, "feature/login", out["branch"])
	assert.Equal(t, "ok", out["status"])
}

func TestParseOutputMultiLineValue(t *testing.T) {
	out := ParseOutput("SUMMARY: first line\nsecond line\nthird line\nNEXT: done")

	assert.Equal(t, "first line\nsecond line\nthird line", out["summary"])
	assert.Equal(t, "done", out["next"])
}

func TestParseOutputKeyMustStartAtColumnZero(t *testing.T) {
	out := ParseOutput("NOTES: top\n  INDENTED: not a key\nEND: yes")

	assert.Equal(t, "top\n  INDENTED: not a key", out["notes"])
	assert.Equal(t, "yes", out["end"])
	assert.NotContains(t, out, "indented")
}

func TestParseOutputLowercaseKeysOnly(t *testing.T) {
	out := ParseOutput("Mixed: skipped\nUPPER_SNAKE: kept")

	assert.NotContains(t, out, "mixed")
	assert.Equal(t, "kept", out["upper_snake"])
}

func TestParseOutputExcludesStoriesJSON(t *testing.T) {
	out := ParseOutput("PLAN: three stories\nSTORIES_JSON: [\n{\"id\":\"s1\"}\n]\nAFTER: tail")

	assert.Equal(t, "three stories", out["plan"])
	assert.Equal(t, "tail", out["after"])
	assert.NotContains(t, out, "stories_json")
}

func TestParseOutputIgnoresLeadingProse(t *testing.T) {
	out := ParseOutput("some preamble the worker printed\nRESULT: fine")

	assert.Len(t, out, 1)
	assert.Equal(t, "fine", out["result"])
}

func TestExtractStoriesJSON(t *testing.T) {
	payload, ok := ExtractStoriesJSON("PLAN: x\nSTORIES_JSON: [\n  {\"id\": \"s1\"}\n]\nAFTER: y")

	assert.True(t, ok)
	assert.Equal(t, "[\n  {\"id\": \"s1\"}\n]", payload)
}

func TestExtractStoriesJSONAbsent(t *testing.T) {
	_, ok := ExtractStoriesJSON("RESULT: nothing here")
	assert.False(t, ok)
}

func TestExtractStoriesJSONRunsToEOF(t *testing.T) {
	payload, ok := ExtractStoriesJSON("STORIES_JSON: [1,\n2,\n3]")

	assert.True(t, ok)
	assert.Equal(t, "[1,\n2,\n3]", payload)
}
