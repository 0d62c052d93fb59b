package store

import (
	"context"
	"fmt"
	"time"

	"github.com/antfarm-dev/antfarm/pkg/models"
)

// CreateStory inserts a story row. Timestamps are set by the store.
func (s Queries) CreateStory(ctx context.Context, story *models.Story) error {
	ts := now()
	story.CreatedAt = ts
	story.UpdatedAt = ts
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO stories (id, run_id, story_index, story_id, title, description,
		                      acceptance_criteria, status, output, retry_count, max_retries,
		                      created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		story.ID, story.RunID, story.StoryIndex, story.StoryID, story.Title,
		story.Description, story.AcceptanceCriteria, story.Status, story.Output,
		story.RetryCount, story.MaxRetries, story.CreatedAt, story.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert story: %w", err)
	}
	return nil
}

// GetStory fetches a story by row id.
func (s Queries) GetStory(ctx context.Context, id string) (*models.Story, error) {
	var story models.Story
	if err := s.q.GetContext(ctx, &story, `SELECT * FROM stories WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return &story, nil
}

// StoriesByRun returns a run's stories ordered by story index.
func (s Queries) StoriesByRun(ctx context.Context, runID string) ([]models.Story, error) {
	var stories []models.Story
	if err := s.q.SelectContext(ctx, &stories,
		`SELECT * FROM stories WHERE run_id = ? ORDER BY story_index`, runID); err != nil {
		return nil, fmt.Errorf("failed to query stories for run: %w", err)
	}
	return stories, nil
}

// CountStoriesByRun counts a run's stories (used for idempotent ingestion).
func (s Queries) CountStoriesByRun(ctx context.Context, runID string) (int, error) {
	var count int
	if err := s.q.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM stories WHERE run_id = ?`, runID); err != nil {
		return 0, fmt.Errorf("failed to count stories: %w", err)
	}
	return count, nil
}

// NextPendingStory returns the lowest-index pending story of a run.
func (s Queries) NextPendingStory(ctx context.Context, runID string) (*models.Story, error) {
	var story models.Story
	err := s.q.GetContext(ctx, &story,
		`SELECT * FROM stories WHERE run_id = ? AND status = ?
		 ORDER BY story_index LIMIT 1`,
		runID, models.StoryStatusPending)
	if err != nil {
		return nil, notFound(err)
	}
	return &story, nil
}

// MostRecentDoneStory returns the run's most recently completed story.
// Used by the verify-each branch to find the story being judged.
func (s Queries) MostRecentDoneStory(ctx context.Context, runID string) (*models.Story, error) {
	var story models.Story
	err := s.q.GetContext(ctx, &story,
		`SELECT * FROM stories WHERE run_id = ? AND status = ?
		 ORDER BY updated_at DESC, story_index DESC LIMIT 1`,
		runID, models.StoryStatusDone)
	if err != nil {
		return nil, notFound(err)
	}
	return &story, nil
}

// UpdateStoryStatus sets the story status and touches updated_at.
func (s Queries) UpdateStoryStatus(ctx context.Context, id string, status models.StoryStatus) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE stories SET status = ?, updated_at = ? WHERE id = ?`, status, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update story status: %w", err)
	}
	return nil
}

// UpdateStoryStatusOutput sets the story status and stores its output.
func (s Queries) UpdateStoryStatusOutput(ctx context.Context, id string, status models.StoryStatus, output string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE stories SET status = ?, output = ?, updated_at = ? WHERE id = ?`,
		status, output, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update story status and output: %w", err)
	}
	return nil
}

// SetStoryRetryStatus sets the status and retry counter together.
func (s Queries) SetStoryRetryStatus(ctx context.Context, id string, status models.StoryStatus, retryCount int) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE stories SET status = ?, retry_count = ?, updated_at = ? WHERE id = ?`,
		status, retryCount, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update story retry status: %w", err)
	}
	return nil
}

// RunningStories returns all stories in status running across runs that
// are themselves still running.
func (s Queries) RunningStories(ctx context.Context) ([]models.Story, error) {
	var stories []models.Story
	err := s.q.SelectContext(ctx, &stories,
		`SELECT stories.* FROM stories
		 JOIN runs ON runs.id = stories.run_id
		 WHERE stories.status = ? AND runs.status = ?`,
		models.StoryStatusRunning, models.RunStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to query running stories: %w", err)
	}
	return stories, nil
}

// StoriesInStatusOlderThan returns stories in the given status whose
// updated_at is older than cutoff and whose run is not terminal.
func (s Queries) StoriesInStatusOlderThan(ctx context.Context, status models.StoryStatus, cutoff time.Time) ([]models.Story, error) {
	var stories []models.Story
	err := s.q.SelectContext(ctx, &stories,
		`SELECT stories.* FROM stories
		 JOIN runs ON runs.id = stories.run_id
		 WHERE stories.status = ? AND stories.updated_at < ?
		   AND runs.status NOT IN (?, ?, ?)
		 ORDER BY stories.updated_at`,
		status, cutoff.UTC(),
		models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s stories: %w", status, err)
	}
	return stories, nil
}
