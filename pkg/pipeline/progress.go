package pipeline

import (
	"log/slog"
	"os"
	"path/filepath"
)

// readProgress reads the run's progress file, maintained externally by
// long-lived loop agents. Missing or unreadable files resolve to "".
func (e *Engine) readProgress(runID string) string {
	raw, err := os.ReadFile(e.progressPath(runID))
	if err != nil {
		return ""
	}
	return string(raw)
}

// archiveProgress moves a completed run's progress file aside so a future
// run of the same workflow starts clean. Best-effort.
func (e *Engine) archiveProgress(runID string) {
	src := e.progressPath(runID)
	if _, err := os.Stat(src); err != nil {
		return
	}

	archiveDir := filepath.Join(e.cfg.ProgressDir(), "archive")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		slog.Warn("Failed to create progress archive directory", "error", err)
		return
	}
	dst := filepath.Join(archiveDir, runID+".md")
	if err := os.Rename(src, dst); err != nil {
		slog.Warn("Failed to archive progress file", "run_id", runID, "error", err)
	}
}

func (e *Engine) progressPath(runID string) string {
	return filepath.Join(e.cfg.ProgressDir(), runID+".md")
}
