package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"
	"sync"
	"time"

	dispatch "github.com/ZanzyTHEbar/dragonscale-dispatch"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/logging"
)

const (
	DefaultCapacity = 200
	DefaultTTL      = time.Hour
)

// Entry is a cached generation result.
type Entry struct {
	Key       string
	Value     string
	CreatedAt time.Time
	LastHitAt time.Time
	HitCount  int
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	HitRate     float64 `json:"hit_rate"` // percent, two decimals
	Size        int     `json:"cache_size"`
	Capacity    int     `json:"capacity"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
}

// ResponseCache is a bounded LRU cache with an absolute time-to-live per entry.
// All operations are serialized by a single mutex.
type ResponseCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // front is most recently used
	items    map[string]*list.Element

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64

	now    func() time.Time
	logger logging.Logger

	janitorInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
}

// Option configures a ResponseCache.
type Option func(*ResponseCache)

// WithCapacity sets the maximum number of entries. Non-positive values are ignored.
func WithCapacity(n int) Option {
	return func(c *ResponseCache) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithTTL sets the absolute lifetime of an entry. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(c *ResponseCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(c *ResponseCache) {
		c.now = now
	}
}

// WithLogger sets the logger used for evictions and purges.
func WithLogger(l logging.Logger) Option {
	return func(c *ResponseCache) {
		c.logger = l
	}
}

// WithJanitor starts a background goroutine purging expired entries every interval.
// Call Close to stop it.
func WithJanitor(interval time.Duration) Option {
	return func(c *ResponseCache) {
		c.janitorInterval = interval
	}
}

// New creates a ResponseCache.
func New(opts ...Option) *ResponseCache {
	c := &ResponseCache{
		capacity: DefaultCapacity,
		ttl:      DefaultTTL,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
		logger:   logging.Nop(),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.janitorInterval > 0 {
		c.wg.Add(1)
		go c.cleanupLoop(c.janitorInterval)
	}
	return c
}

// Key derives the cache key for a query on a tier.
// Surrounding and repeated whitespace is ignored; case is significant.
func Key(query string, tier dispatch.Tier) string {
	normalized := strings.Join(strings.Fields(query), " ")
	sum := sha256.Sum256([]byte(string(tier) + "\x00" + normalized))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached value for query on tier.
// A hit refreshes recency; an expired entry is purged and counts as a miss.
func (c *ResponseCache) Get(query string, tier dispatch.Tier) (string, bool) {
	key := Key(query, tier)

	c.mu.Lock()
	defer c.mu.Unlock()

	el, found := c.items[key]
	if !found {
		c.misses++
		return "", false
	}

	entry := el.Value.(*Entry)
	now := c.now()
	if c.expired(entry, now) {
		c.removeElement(el)
		c.expirations++
		c.misses++
		return "", false
	}

	entry.HitCount++
	entry.LastHitAt = now
	c.order.MoveToFront(el)
	c.hits++
	return entry.Value, true
}

// Set stores value for query on tier. Overwriting resets the value, creation
// time and recency of the entry; counters are untouched.
func (c *ResponseCache) Set(query string, tier dispatch.Tier, value string) {
	key := Key(query, tier)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, found := c.items[key]; found {
		entry := el.Value.(*Entry)
		entry.Value = value
		entry.CreatedAt = now
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&Entry{Key: key, Value: value, CreatedAt: now})
	c.items[key] = el

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.removeElement(oldest)
		c.evictions++
		c.logger.Debug("cache entry evicted", map[string]interface{}{
			"key":  oldest.Value.(*Entry).Key,
			"size": c.order.Len(),
		})
	}
}

// Delete removes the entry for query on tier, reporting whether it existed.
func (c *ResponseCache) Delete(query string, tier dispatch.Tier) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, found := c.items[Key(query, tier)]
	if !found {
		return false
	}
	c.removeElement(el)
	return true
}

// PurgeExpired removes every expired entry and returns how many were removed.
func (c *ResponseCache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if c.expired(el.Value.(*Entry), now) {
			c.removeElement(el)
			c.expirations++
			removed++
		}
		el = prev
	}
	return removed
}

// Clear drops all entries. Counters are kept.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.items = make(map[string]*list.Element)
}

// Len returns the number of stored entries, including ones that expired but were not yet purged.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *ResponseCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		HitRate:     hitRate(c.hits, c.misses),
		Size:        c.order.Len(),
		Capacity:    c.capacity,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}

// ResetStats zeroes all counters. Entries are kept.
func (c *ResponseCache) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hits, c.misses, c.evictions, c.expirations = 0, 0, 0, 0
}

// Close stops the janitor, if one is running. It is safe to call more than once.
func (c *ResponseCache) Close() error {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	c.wg.Wait()
	return nil
}

func (c *ResponseCache) expired(e *Entry, now time.Time) bool {
	return now.Sub(e.CreatedAt) >= c.ttl
}

func (c *ResponseCache) removeElement(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*Entry).Key)
}

// cleanupLoop periodically removes expired entries.
func (c *ResponseCache) cleanupLoop(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if n := c.PurgeExpired(); n > 0 {
				c.logger.Debug("cache purged expired entries", map[string]interface{}{"removed": n})
			}
		}
	}
}

func hitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return math.Round(float64(hits)/float64(total)*10000) / 100
}
