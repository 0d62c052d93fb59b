package pipeline

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// frontendMarkers are the path fragments and extensions that count a
// changed file as frontend work.
var frontendMarkers = []string{
	"frontend/", "ui/", "web/", "client/", "components/", "pages/", "styles/",
}

var frontendExtensions = []string{
	".tsx", ".jsx", ".vue", ".svelte", ".css", ".scss", ".html",
}

// gitFrontendChanged reports whether the branch diff against main touches
// frontend paths. Heuristic and best-effort: any git failure (missing
// repo, missing main, detached worktree) reports false.
func gitFrontendChanged(repoDir, branch string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "diff", "--name-only", "main..."+branch)
	out, err := cmd.Output()
	if err != nil {
		slog.Debug("Frontend-change heuristic skipped", "repo", repoDir, "branch", branch, "error", err)
		return false
	}

	for _, file := range strings.Split(string(out), "\n") {
		if isFrontendPath(strings.TrimSpace(file)) {
			return true
		}
	}
	return false
}

func isFrontendPath(path string) bool {
	if path == "" {
		return false
	}
	lower := strings.ToLower(path)
	for _, marker := range frontendMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	for _, ext := range frontendExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
