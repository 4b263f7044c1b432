package search

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Jeskrill/PriceWiseApi/models"
	"github.com/Jeskrill/PriceWiseApi/normalize"
)

const (
	// CacheTTL is how long a query's aggregation state stays warm.
	CacheTTL = 10 * time.Minute

	// MaxCacheItems caps the merged pool per entry.
	MaxCacheItems = 200

	// maxCacheEntries is the soft cap on the entry map; exceeding it
	// triggers opportunistic eviction of expired entries.
	maxCacheEntries = 300

	// maxEvictionsPerCall bounds the cleanup work done inline on a lookup.
	maxEvictionsPerCall = 100
)

// Entry is the per-(query, sources) aggregation state. All fields except
// key are guarded by mu. The entry object survives resets so in-flight
// background fillers keep a valid target.
type Entry struct {
	key string

	mu        sync.Mutex
	expiresAt time.Time

	// items is append-only within a TTL window; ordering is imposed on read.
	items []models.Item

	// seen holds "source|id" keys for O(1) dedup. |seen| == |items| always.
	seen map[string]struct{}

	// sourceLimits is the per-source fill watermark: the highest limit
	// already requested, gating redundant refetches.
	sourceLimits map[string]int

	// pendingSources are sources whose fetch outlived the orchestrator's
	// deadline and now completes in the background.
	pendingSources map[string]struct{}

	// Cursor state for the page-wise fast source.
	yandexNextPage  int
	yandexRS        string
	yandexExhausted bool
}

// reset drains the entry in place and re-arms the TTL. Stragglers writing
// into a reset entry are harmless: the dedup set is empty and their items
// are valid for the new window.
func (e *Entry) reset(now time.Time) {
	e.expiresAt = now.Add(CacheTTL)
	e.items = e.items[:0]
	e.seen = make(map[string]struct{})
	e.sourceLimits = make(map[string]int)
	e.pendingSources = make(map[string]struct{})
	e.yandexNextPage = 1
	e.yandexRS = ""
	e.yandexExhausted = false
}

func (e *Entry) yandexCount() int {
	n := 0
	for _, it := range e.items {
		if it.Source == "market.yandex.ru" {
			n++
		}
	}
	return n
}

// add appends an item unless its "source|id" key is already present.
func (e *Entry) add(item models.Item) bool {
	k := item.Key()
	if _, dup := e.seen[k]; dup {
		return false
	}
	e.seen[k] = struct{}{}
	e.items = append(e.items, item)
	return true
}

// sortItems orders the pool by (price or +inf, source, id). Unknown prices
// sink to the bottom.
func (e *Entry) sortItems() {
	sortItems(e.items)
}

func sortItems(items []models.Item) {
	sort.Slice(items, func(i, j int) bool {
		pi, pj := items[i].Price, items[j].Price
		if pi == 0 {
			pi = 1_000_000_000
		}
		if pj == 0 {
			pj = 1_000_000_000
		}
		if pi != pj {
			return pi < pj
		}
		if items[i].Source != items[j].Source {
			return items[i].Source < items[j].Source
		}
		return items[i].ID < items[j].ID
	})
}

// Cache is the process-wide map of search entries.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// CacheKey derives the entry key: normalized query plus the sorted source
// set, so "  Iphone 15 " and "iphone 15" share state.
func CacheKey(query string, sources []string) string {
	sorted := make([]string, len(sources))
	copy(sorted, sources)
	sort.Strings(sorted)
	return normalize.Query(query) + "|" + strings.Join(sorted, ",")
}

// GetOrCreate returns the entry for key, creating and arming it if absent.
// When the map outgrows the soft cap, up to 100 expired entries whose lock
// is free are evicted on the way.
func (c *Cache) GetOrCreate(key string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		entry = &Entry{key: key}
		entry.reset(c.now())
		c.entries[key] = entry
	}

	if len(c.entries) > maxCacheEntries {
		now := c.now()
		evicted := 0
		for k, e := range c.entries {
			if evicted >= maxEvictionsPerCall {
				break
			}
			if k == key {
				continue
			}
			if !e.mu.TryLock() {
				continue
			}
			expired := !e.expiresAt.After(now)
			e.mu.Unlock()
			if expired {
				delete(c.entries, k)
				evicted++
			}
		}
	}

	return entry
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
