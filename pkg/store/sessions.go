package store

import (
	"context"
	"fmt"

	"github.com/antfarm-dev/antfarm/pkg/models"
)

// InsertSession records a live worker session. The composite primary key
// rejects a duplicate spawn for the same (agent, step, story).
func (s Queries) InsertSession(ctx context.Context, session *models.ActiveSession) error {
	if session.SpawnedAt.IsZero() {
		session.SpawnedAt = now()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO active_sessions (agent_id, step_id, story_id, run_id, session_id, spawned_by, spawned_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.AgentID, session.StepID, session.StoryID, session.RunID,
		session.SessionID, session.SpawnedBy, session.SpawnedAt)
	if err != nil {
		return fmt.Errorf("failed to insert active session: %w", err)
	}
	return nil
}

// DeleteSession removes a session by composite key.
func (s Queries) DeleteSession(ctx context.Context, agentID, stepID, storyID string) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM active_sessions WHERE agent_id = ? AND step_id = ? AND story_id = ?`,
		agentID, stepID, storyID)
	if err != nil {
		return fmt.Errorf("failed to delete active session: %w", err)
	}
	return nil
}

// DeleteSessionsByStep removes all sessions referencing a step.
func (s Queries) DeleteSessionsByStep(ctx context.Context, stepID string) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM active_sessions WHERE step_id = ?`, stepID)
	if err != nil {
		return fmt.Errorf("failed to delete sessions for step: %w", err)
	}
	return nil
}

// ListSessions returns all active sessions, oldest first.
func (s Queries) ListSessions(ctx context.Context) ([]models.ActiveSession, error) {
	var sessions []models.ActiveSession
	if err := s.q.SelectContext(ctx, &sessions,
		`SELECT * FROM active_sessions ORDER BY spawned_at`); err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	return sessions, nil
}

// SessionsByRun returns the active sessions of one run.
func (s Queries) SessionsByRun(ctx context.Context, runID string) ([]models.ActiveSession, error) {
	var sessions []models.ActiveSession
	if err := s.q.SelectContext(ctx, &sessions,
		`SELECT * FROM active_sessions WHERE run_id = ? ORDER BY spawned_at`, runID); err != nil {
		return nil, fmt.Errorf("failed to query sessions for run: %w", err)
	}
	return sessions, nil
}
