package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// maxJournalBytes is the rotation threshold; one .1 backup is kept.
const maxJournalBytes = 10 << 20

// Journal appends newline-delimited JSON event records to a single file.
type Journal struct {
	path     string
	maxBytes int64
	mu       sync.Mutex
}

// NewJournal creates a journal writing to path (parent directory is
// created lazily on first append).
func NewJournal(path string) *Journal {
	return &Journal{path: path, maxBytes: maxJournalBytes}
}

// Append writes one event record. Best-effort: failures are logged, never
// returned, so pipeline transitions are never blocked on journal I/O.
func (j *Journal) Append(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}

	line, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("Failed to marshal journal event", "event", ev.Event, "error", err)
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.rotateIfNeeded(int64(len(line) + 1)); err != nil {
		slog.Warn("Journal rotation failed", "path", j.path, "error", err)
	}

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		if mkErr := os.MkdirAll(filepath.Dir(j.path), 0o755); mkErr == nil {
			f, err = os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		}
		if err != nil {
			slog.Warn("Failed to open journal file", "path", j.path, "error", err)
			return
		}
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Warn("Failed to append journal event", "path", j.path, "error", err)
	}
}

// rotateIfNeeded moves the journal to a .1 backup when appending incoming
// bytes would push it over the cap. Only one backup generation is kept.
func (j *Journal) rotateIfNeeded(incoming int64) error {
	info, err := os.Stat(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size()+incoming <= j.maxBytes {
		return nil
	}
	backup := j.path + ".1"
	if err := os.Rename(j.path, backup); err != nil {
		return fmt.Errorf("failed to rotate journal: %w", err)
	}
	return nil
}

// Recent returns the newest events, newest first.
func (j *Journal) Recent(limit int) ([]Event, error) {
	return j.query(limit, func(Event) bool { return true })
}

// ByRun returns the newest events of one run, newest first. A prefix of
// the run id is accepted, matching CLI ergonomics for truncated ids.
func (j *Journal) ByRun(runID string, limit int) ([]Event, error) {
	return j.query(limit, func(ev Event) bool {
		return strings.HasPrefix(ev.RunID, runID)
	})
}

func (j *Journal) query(limit int, match func(Event) bool) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	var all []Event
	for _, path := range []string{j.path + ".1", j.path} {
		evs, err := readJournalFile(path, match)
		if err != nil {
			return nil, err
		}
		all = append(all, evs...)
	}

	// Newest first, capped.
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	for i, k := 0, len(all)-1; i < k; i, k = i+1, k-1 {
		all[i], all[k] = all[k], all[i]
	}
	return all, nil
}

func readJournalFile(path string, match func(Event) bool) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			// Skip torn or corrupt lines; the journal is best-effort.
			continue
		}
		if match(ev) {
			out = append(out, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan journal: %w", err)
	}
	return out, nil
}
