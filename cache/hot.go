// Package cache implements the bounded in-memory index of recently seen
// threat records, consulted ahead of the durable store for deduplication and
// query serving.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/visa2any/frauddetex-sub001/core/threat"
)

// Eviction policy defaults.
const (
	DefaultMaxEntries = 1000
	DefaultMaxAge     = time.Hour
)

// HotCache is a bounded map from threat id to record. Eviction is two-phase:
// age-based first (by record timestamp, not insertion time), then size-based
// on the survivors, newest kept.
type HotCache struct {
	mu         sync.RWMutex
	entries    map[string]*threat.Record
	maxEntries int
	maxAge     time.Duration
}

// New creates a cache with the given bounds; zero values select the
// defaults.
func New(maxEntries int, maxAge time.Duration) *HotCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &HotCache{
		entries:    make(map[string]*threat.Record),
		maxEntries: maxEntries,
		maxAge:     maxAge,
	}
}

// Put inserts or replaces a record by id.
func (hc *HotCache) Put(rec *threat.Record) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.entries[rec.ID] = rec
}

// Get returns the cached record for id, or nil.
func (hc *HotCache) Get(id string) *threat.Record {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.entries[id]
}

// Has reports whether id is cached.
func (hc *HotCache) Has(id string) bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	_, ok := hc.entries[id]
	return ok
}

// Len returns the current entry count.
func (hc *HotCache) Len() int {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return len(hc.entries)
}

// Records returns a snapshot slice of all cached records. Queries running
// concurrently with an eviction pass see either the pre- or post-eviction
// state, never a partially evicted map.
func (hc *HotCache) Records() []*threat.Record {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	out := make([]*threat.Record, 0, len(hc.entries))
	for _, rec := range hc.entries {
		out = append(out, rec)
	}
	return out
}

// Evict runs the maintenance policy and returns how many entries were
// removed. Phase 1 drops every entry whose record timestamp is older than
// maxAge relative to now; phase 2 sorts the survivors by timestamp
// descending and keeps only the newest maxEntries.
func (hc *HotCache) Evict(now time.Time) int {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	before := len(hc.entries)
	cutoff := now.Add(-hc.maxAge).UnixMilli()

	for id, rec := range hc.entries {
		if rec.Timestamp < cutoff {
			delete(hc.entries, id)
		}
	}

	if len(hc.entries) > hc.maxEntries {
		survivors := make([]*threat.Record, 0, len(hc.entries))
		for _, rec := range hc.entries {
			survivors = append(survivors, rec)
		}
		sort.Slice(survivors, func(i, j int) bool {
			return survivors[i].Timestamp > survivors[j].Timestamp
		})
		for _, rec := range survivors[hc.maxEntries:] {
			delete(hc.entries, rec.ID)
		}
	}

	return before - len(hc.entries)
}
