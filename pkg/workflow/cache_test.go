package workflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cacheDefinition(id, name string) string {
	return `
id: ` + id + `
name: ` + name + `
agents:
  - id: worker
steps:
  - id: only
    agent: worker
    input: "Do {{task}}"
`
}

func newTestCache(t *testing.T, ttl time.Duration) (*Cache, string) {
	t.Helper()
	dir := t.TempDir()
	return NewCache(dir, ttl), dir
}

func writeWorkflow(t *testing.T, dir, id, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, id+".yaml"), []byte(cacheDefinition(id, name)), 0o644))
}

func TestCacheLoadsAndHits(t *testing.T) {
	c, dir := newTestCache(t, time.Minute)
	writeWorkflow(t, dir, "deploy", "Deploy")

	first, err := c.GetSpec("deploy")
	require.NoError(t, err)
	assert.Equal(t, "Deploy", first.Name)

	second, err := c.GetSpec("deploy")
	require.NoError(t, err)
	assert.Same(t, first, second, "a fresh entry must be served from memory")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
}

func TestCacheMissingDefinition(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)

	_, err := c.GetSpec("ghost")
	assert.ErrorIs(t, err, ErrSpecNotFound)

	// No negative caching: still an error, still a miss.
	_, err = c.GetSpec("ghost")
	assert.ErrorIs(t, err, ErrSpecNotFound)
	assert.Equal(t, 0, c.Stats().Size)
}

func TestCacheExpiryReloadsChangedFile(t *testing.T) {
	c, dir := newTestCache(t, time.Millisecond)
	writeWorkflow(t, dir, "deploy", "Deploy v1")

	first, err := c.GetSpec("deploy")
	require.NoError(t, err)
	assert.Equal(t, "Deploy v1", first.Name)

	writeWorkflow(t, dir, "deploy", "Deploy v2")
	time.Sleep(5 * time.Millisecond)

	second, err := c.GetSpec("deploy")
	require.NoError(t, err)
	assert.Equal(t, "Deploy v2", second.Name)
}

func TestCacheExpiryReusesUnchangedFile(t *testing.T) {
	c, dir := newTestCache(t, time.Millisecond)
	writeWorkflow(t, dir, "deploy", "Deploy")

	first, err := c.GetSpec("deploy")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	second, err := c.GetSpec("deploy")
	require.NoError(t, err)
	assert.Same(t, first, second, "an unchanged digest must not re-parse")
	assert.Equal(t, int64(1), c.Stats().Hits)
}

func TestCacheRejectsIDMismatch(t *testing.T) {
	c, dir := newTestCache(t, time.Minute)
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "deploy.yaml"), []byte(cacheDefinition("other-id", "X")), 0o644))

	_, err := c.GetSpec("deploy")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declares id 'other-id'")
}

func TestCachePath(t *testing.T) {
	c := NewCache("/var/lib/antfarm/workflows", 0)
	assert.Equal(t, "/var/lib/antfarm/workflows/deploy.yaml", c.Path("deploy"))
}
