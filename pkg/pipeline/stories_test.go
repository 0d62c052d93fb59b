package pipeline

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validStoriesPayload(n int) string {
	stories := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		stories = append(stories, map[string]any{
			"id":                 fmt.Sprintf("s%d", i+1),
			"title":              fmt.Sprintf("Story %d", i+1),
			"description":        "do the thing",
			"acceptanceCriteria": []string{"it works"},
		})
	}
	b, _ := json.Marshal(stories)
	return string(b)
}

func TestParseStoriesValid(t *testing.T) {
	stories, err := ParseStories(validStoriesPayload(3))

	require.NoError(t, err)
	require.Len(t, stories, 3)
	assert.Equal(t, "s1", stories[0].ID)
	assert.Equal(t, []string{"it works"}, stories[0].criteria())
}

func TestParseStoriesSnakeCaseCriteria(t *testing.T) {
	stories, err := ParseStories(`[{"id":"s1","title":"T","description":"D","acceptance_criteria":["a","b"]}]`)

	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, stories[0].criteria())
}

func TestParseStoriesAtCap(t *testing.T) {
	_, err := ParseStories(validStoriesPayload(20))
	assert.NoError(t, err)
}

func TestParseStoriesOverCap(t *testing.T) {
	_, err := ParseStories(validStoriesPayload(21))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum is 20")
}

func TestParseStoriesRejectsDuplicateIDs(t *testing.T) {
	payload := `[
		{"id":"s1","title":"A","description":"d","acceptanceCriteria":["x"]},
		{"id":"s1","title":"B","description":"d","acceptanceCriteria":["x"]}
	]`

	_, err := ParseStories(payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate story id")
}

func TestParseStoriesRejectsEmptyCriteria(t *testing.T) {
	payload := `[{"id":"s1","title":"A","description":"d","acceptanceCriteria":[]}]`

	_, err := ParseStories(payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acceptance criteria")
}

func TestParseStoriesRejectsMissingFields(t *testing.T) {
	cases := map[string]string{
		"empty id":          `[{"id":"","title":"A","description":"d","acceptanceCriteria":["x"]}]`,
		"empty title":       `[{"id":"s1","title":"","description":"d","acceptanceCriteria":["x"]}]`,
		"empty description": `[{"id":"s1","title":"A","description":"","acceptanceCriteria":["x"]}]`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseStories(payload)
			assert.Error(t, err)
		})
	}
}

func TestParseStoriesRejectsMalformedJSON(t *testing.T) {
	_, err := ParseStories(`[{"id":"s1"`)
	assert.Error(t, err)
}

func TestParseStoriesRejectsEmptyArray(t *testing.T) {
	_, err := ParseStories(`[]`)
	assert.Error(t, err)
}
