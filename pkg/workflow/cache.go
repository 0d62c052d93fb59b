package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL is how long a parsed spec is trusted before the on-disk
// definition is re-checked.
const DefaultCacheTTL = 5 * time.Minute

// cacheEntry holds a parsed spec with its load time and content digest.
type cacheEntry struct {
	spec     *Spec
	digest   string
	loadedAt time.Time
}

// CacheStats are the cache's operational counters.
type CacheStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// Cache maps workflow id → parsed spec with TTL expiry and content-digest
// invalidation. Entries past TTL are re-read from disk; an unchanged
// digest refreshes the entry without re-parsing. There is no negative
// caching: a missing definition errors on every lookup.
type Cache struct {
	dir string
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]*cacheEntry
	hits    int64
	misses  int64

	group singleflight.Group
}

// NewCache creates a spec cache over a directory of <workflow-id>.yaml
// definition files.
func NewCache(dir string, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		dir:     dir,
		ttl:     ttl,
		entries: make(map[string]*cacheEntry),
	}
}

// GetSpec returns the parsed spec for a workflow id, loading from disk on
// miss, TTL expiry, or content change. Concurrent lookups of the same id
// share a single load.
func (c *Cache) GetSpec(workflowID string) (*Spec, error) {
	c.mu.RLock()
	entry, ok := c.entries[workflowID]
	c.mu.RUnlock()

	if ok && time.Since(entry.loadedAt) < c.ttl {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return entry.spec, nil
	}

	v, err, _ := c.group.Do(workflowID, func() (any, error) {
		return c.load(workflowID, entry)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Spec), nil
}

// load re-reads the definition file. When the previous entry's digest
// still matches, the parsed spec is reused and only the TTL is refreshed.
func (c *Cache) load(workflowID string, prev *cacheEntry) (*Spec, error) {
	path := c.Path(workflowID)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSpecNotFound, workflowID)
		}
		return nil, fmt.Errorf("failed to read workflow definition: %w", err)
	}

	sum := sha256.Sum256(raw)
	digest := hex.EncodeToString(sum[:])

	if prev != nil && prev.digest == digest {
		c.store(workflowID, &cacheEntry{spec: prev.spec, digest: digest, loadedAt: time.Now()}, true)
		return prev.spec, nil
	}

	spec, err := Parse(raw, path)
	if err != nil {
		return nil, err
	}
	if spec.ID != workflowID {
		// Definitions are addressed by file name; a mismatched inline id
		// would let two ids alias one spec.
		return nil, NewValidationError("workflow", workflowID, "id",
			fmt.Errorf("definition declares id '%s'", spec.ID))
	}

	c.store(workflowID, &cacheEntry{spec: spec, digest: digest, loadedAt: time.Now()}, false)
	return spec, nil
}

func (c *Cache) store(workflowID string, entry *cacheEntry, hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[workflowID] = entry
	if hit {
		c.hits++
	} else {
		c.misses++
	}
}

// Path returns the definition file location for a workflow id.
func (c *Cache) Path(workflowID string) string {
	return filepath.Join(c.dir, workflowID+".yaml")
}

// Stats returns the cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return CacheStats{Hits: c.hits, Misses: c.misses, Size: len(c.entries), HitRate: rate}
}
