package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"log/slog"
)

// acquirePIDFile enforces singleton semantics on a host: it fails when the
// recorded PID belongs to a live process and reclaims stale files left by
// a crashed daemon.
func acquirePIDFile(path string) error {
	if raw, err := os.ReadFile(path); err == nil {
		pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err == nil && pid > 0 && processAlive(pid) {
			return fmt.Errorf("daemon already running (pid %d, %s)", pid, path)
		}
		slog.Warn("Reclaiming stale PID file", "path", path, "stale_pid", strings.TrimSpace(string(raw)))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// releasePIDFile removes the PID file if it still records this process.
func releasePIDFile(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if pid, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil && pid == os.Getpid() {
		if err := os.Remove(path); err != nil {
			slog.Warn("Failed to remove PID file", "path", path, "error", err)
		}
	}
}

// processAlive probes a PID with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
