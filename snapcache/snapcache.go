// Package snapcache is the in-memory paginated snapshot cache. The
// dispatcher stores post-processed ARIA snapshot pages under a
// fingerprint so follow-up page requests skip the child entirely.
package snapcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pithecene-io/pwproxy/types"
)

// Entry is one cached snapshot: all pages of one post-processed
// payload. Immutable after insertion; only eviction removes it.
type Entry struct {
	Fingerprint string
	Pages       []string
	TotalItems  int
	PageSize    int
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Page is one lookup result.
type Page struct {
	Page       string
	PageIndex  int
	TotalPages int
	TotalItems int
	HasMore    bool
}

// Cache holds snapshot entries keyed by fingerprint. Purely in-memory;
// does not survive restart.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	now func() time.Time
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		entries: map[string]*Entry{},
		now:     time.Now,
	}
}

// NewWithClock creates a cache with an overridden wall clock. Test use.
func NewWithClock(now func() time.Time) *Cache {
	c := New()
	c.now = now
	return c
}

// Store inserts an entry. A fingerprint already present is left
// untouched: identical fingerprints imply identical page content, so
// the first insertion wins.
func (c *Cache) Store(fingerprint string, pages []string, totalItems, pageSize int, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[fingerprint]; exists {
		return
	}
	now := c.now()
	c.entries[fingerprint] = &Entry{
		Fingerprint: fingerprint,
		Pages:       pages,
		TotalItems:  totalItems,
		PageSize:    pageSize,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

// Lookup returns one page of a cached snapshot. Fails NotFound for an
// unknown or expired fingerprint, a page size differing from the
// stored one, or a page index out of range.
func (c *Cache) Lookup(fingerprint string, pageIndex, pageSize int) (Page, error) {
	c.mu.RLock()
	entry, ok := c.entries[fingerprint]
	c.mu.RUnlock()

	if !ok || entry.ExpiresAt.Before(c.now()) {
		return Page{}, fmt.Errorf("%w: snapshot %s", types.ErrNotFound, fingerprint)
	}
	if pageSize != entry.PageSize {
		return Page{}, fmt.Errorf("%w: snapshot %s has page size %d, not %d",
			types.ErrNotFound, fingerprint, entry.PageSize, pageSize)
	}
	if pageIndex < 0 || pageIndex >= len(entry.Pages) {
		return Page{}, fmt.Errorf("%w: snapshot %s page %d of %d",
			types.ErrNotFound, fingerprint, pageIndex, len(entry.Pages))
	}

	return Page{
		Page:       entry.Pages[pageIndex],
		PageIndex:  pageIndex,
		TotalPages: len(entry.Pages),
		TotalItems: entry.TotalItems,
		HasMore:    pageIndex < len(entry.Pages)-1,
	}, nil
}

// Contains reports whether a live entry exists for the fingerprint.
func (c *Cache) Contains(fingerprint string) bool {
	c.mu.RLock()
	entry, ok := c.entries[fingerprint]
	c.mu.RUnlock()
	return ok && !entry.ExpiresAt.Before(c.now())
}

// EvictExpired removes every entry past its expiry and returns the
// count removed.
func (c *Cache) EvictExpired() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for fp, entry := range c.entries {
		if entry.ExpiresAt.Before(now) {
			delete(c.entries, fp)
			removed++
		}
	}
	return removed
}

// Len returns the number of live and expired-but-unevicted entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// RunEvictor evicts on the given interval until ctx is cancelled.
func (c *Cache) RunEvictor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.EvictExpired()
		}
	}
}
