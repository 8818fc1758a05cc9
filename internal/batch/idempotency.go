package batch

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/codeatlas-io/codeatlas/internal/types"
)

// Batch identity is content-derived: the same set of items yields the same
// key regardless of submission order, so a reordered resubmit replays the
// cached result instead of hitting the store again.

// EntityBatchKey derives the idempotency key for an entity batch.
func EntityBatchKey(entities []*types.Entity) string {
	pairs := make([]string, 0, len(entities))
	for _, e := range entities {
		pairs = append(pairs, e.ID+"\x00"+string(e.Kind)+"\x00"+e.Hash)
	}
	return hashPairs("entities", pairs)
}

// RelationshipBatchKey derives the idempotency key for a relationship batch.
func RelationshipBatchKey(rels []*types.Relationship) string {
	pairs := make([]string, 0, len(rels))
	for _, r := range rels {
		pairs = append(pairs, r.FromID+"\x00"+r.ToID+"\x00"+string(r.Type)+"\x00"+r.SiteHash)
	}
	return hashPairs("relationships", pairs)
}

// FragmentBatchKey derives the idempotency key for a fragment batch.
func FragmentBatchKey(frags []*types.ChangeFragment) string {
	pairs := make([]string, 0, len(frags))
	for _, f := range frags {
		pairs = append(pairs, f.ID+"\x00"+string(f.Kind)+"\x00"+string(f.Op))
	}
	return hashPairs("fragments", pairs)
}

func hashPairs(domain string, pairs []string) string {
	sort.Strings(pairs)
	h := sha256.New()
	h.Write([]byte(domain))
	for _, p := range pairs {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

type cacheEntry struct {
	res       *types.BatchResult
	expiresAt time.Time
}

// resultCache retains batch results keyed by idempotency key until their TTL
// lapses. Entries are pruned lazily on read and by the periodic sweep.
type resultCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func newResultCache() *resultCache {
	return &resultCache{entries: make(map[string]cacheEntry)}
}

func (c *resultCache) get(key string, now time.Time) (*types.BatchResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !now.Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.res.Clone(), true
}

func (c *resultCache) put(key string, res *types.BatchResult, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{res: res.Clone(), expiresAt: expiresAt}
}

func (c *resultCache) sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
