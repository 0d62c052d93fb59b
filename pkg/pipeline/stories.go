package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/antfarm-dev/antfarm/pkg/models"
	"github.com/antfarm-dev/antfarm/pkg/store"
)

// storyInput is one element of a STORIES_JSON payload. Acceptance criteria
// are accepted under both the camelCase and snake_case key.
type storyInput struct {
	ID                    string   `json:"id"`
	Title                 string   `json:"title"`
	Description           string   `json:"description"`
	AcceptanceCriteria    []string `json:"acceptanceCriteria"`
	AcceptanceCriteriaAlt []string `json:"acceptance_criteria"`
}

func (s *storyInput) criteria() []string {
	if len(s.AcceptanceCriteria) > 0 {
		return s.AcceptanceCriteria
	}
	return s.AcceptanceCriteriaAlt
}

// ParseStories decodes and validates a STORIES_JSON payload: every story
// needs a non-empty id, title, description, and acceptance criteria; ids
// must be unique; at most MaxStoriesPerRun stories.
func ParseStories(payload string) ([]storyInput, error) {
	var stories []storyInput
	if err := json.Unmarshal([]byte(payload), &stories); err != nil {
		return nil, fmt.Errorf("invalid STORIES_JSON payload: %w", err)
	}

	if len(stories) == 0 {
		return nil, fmt.Errorf("STORIES_JSON payload contains no stories")
	}
	if len(stories) > models.MaxStoriesPerRun {
		return nil, fmt.Errorf("STORIES_JSON payload has %d stories, maximum is %d",
			len(stories), models.MaxStoriesPerRun)
	}

	seen := make(map[string]bool, len(stories))
	for i := range stories {
		s := &stories[i]
		switch {
		case s.ID == "":
			return nil, fmt.Errorf("story %d has an empty id", i)
		case s.Title == "":
			return nil, fmt.Errorf("story '%s' has an empty title", s.ID)
		case s.Description == "":
			return nil, fmt.Errorf("story '%s' has an empty description", s.ID)
		case len(s.criteria()) == 0:
			return nil, fmt.Errorf("story '%s' has no acceptance criteria", s.ID)
		case seen[s.ID]:
			return nil, fmt.Errorf("duplicate story id '%s'", s.ID)
		}
		seen[s.ID] = true
	}
	return stories, nil
}

// ingestStories creates story rows for a run. Ingestion happens once per
// run: if any stories already exist the payload is ignored.
func (e *Engine) ingestStories(ctx context.Context, tx *store.Tx, runID string, stories []storyInput) error {
	count, err := tx.CountStoriesByRun(ctx, runID)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	for i, in := range stories {
		story := &models.Story{
			ID:                 uuid.NewString(),
			RunID:              runID,
			StoryIndex:         i,
			StoryID:            in.ID,
			Title:              in.Title,
			Description:        in.Description,
			AcceptanceCriteria: models.EncodeCriteria(in.criteria()),
			Status:             models.StoryStatusPending,
			MaxRetries:         models.DefaultStoryMaxRetries,
		}
		if err := tx.CreateStory(ctx, story); err != nil {
			return err
		}
	}
	return nil
}
