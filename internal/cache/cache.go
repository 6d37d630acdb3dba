package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/tracevault/promptguard-engine/internal/metrics"
)

// Entry is one cached completion. Token counts ride along so a hit can be
// accounted as cached tokens in the usage ledger.
type Entry struct {
	Fingerprint      string    `json:"fingerprint"`
	Model            string    `json:"model"`
	Completion       string    `json:"completion"`
	PromptTokens     int       `json:"promptTokens"`
	CompletionTokens int       `json:"completionTokens"`
	StoredAt         time.Time `json:"storedAt"`
}

// Config controls the two cache tiers. Redis is optional; when nil the
// cache runs purely in-process.
type Config struct {
	MaxEntries int
	TTL        time.Duration
	Redis      *redis.Client
	KeyPrefix  string
}

type lruItem struct {
	entry    *Entry
	deadline time.Time
}

// ResponseCache is an LRU+TTL completion cache with an optional shared
// Redis tier behind it. L1 misses fall through to L2; L2 hits are promoted.
// Redis failures degrade to a miss, never to an error.
type ResponseCache struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	lru     *list.List // front = most recent
	max     int
	ttl     time.Duration
	l2      *redis.Client
	prefix  string
	flights singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64

	log *logrus.Entry
}

func NewResponseCache(cfg Config) *ResponseCache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1024
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "pge:resp:"
	}
	return &ResponseCache{
		items:  make(map[string]*list.Element),
		lru:    list.New(),
		max:    cfg.MaxEntries,
		ttl:    cfg.TTL,
		l2:     cfg.Redis,
		prefix: cfg.KeyPrefix,
		log:    logrus.WithField("component", "cache"),
	}
}

// Get returns the entry for a fingerprint, or nil on miss. Expired entries
// are purged on the way out.
func (c *ResponseCache) Get(ctx context.Context, fingerprint string) *Entry {
	c.mu.Lock()
	if el, ok := c.items[fingerprint]; ok {
		item := el.Value.(*lruItem)
		if time.Now().Before(item.deadline) {
			c.lru.MoveToFront(el)
			c.mu.Unlock()
			c.hits.Add(1)
			return item.entry
		}
		c.removeLocked(el)
	}
	c.mu.Unlock()

	if entry := c.l2Get(ctx, fingerprint); entry != nil {
		c.store(entry, c.ttl)
		c.hits.Add(1)
		return entry
	}
	c.misses.Add(1)
	return nil
}

// Put stores a completion under its fingerprint. Callers must not pass
// responses from blocked or no-cache requests; the cache does not second-guess.
func (c *ResponseCache) Put(ctx context.Context, entry *Entry, ttl time.Duration) {
	if entry == nil || entry.Fingerprint == "" {
		return
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	c.store(entry, ttl)
	c.l2Set(ctx, entry, ttl)
}

// Populate deduplicates concurrent fills of the same cold fingerprint: one
// caller runs fill, the rest block and share its result. shared reports
// whether this caller reused another flight's value.
func (c *ResponseCache) Populate(ctx context.Context, fingerprint string, ttl time.Duration, fill func() (*Entry, error)) (entry *Entry, shared bool, err error) {
	if e := c.Get(ctx, fingerprint); e != nil {
		return e, true, nil
	}
	v, err, shared := c.flights.Do(fingerprint, func() (interface{}, error) {
		e, err := fill()
		if err != nil {
			return nil, err
		}
		if e != nil {
			c.Put(ctx, e, ttl)
		}
		return e, nil
	})
	if err != nil {
		return nil, shared, err
	}
	e, _ := v.(*Entry)
	return e, shared, nil
}

// Stats reports hit/miss counters and the current L1 size.
func (c *ResponseCache) Stats() (hits, misses int64, size int) {
	c.mu.Lock()
	size = c.lru.Len()
	c.mu.Unlock()
	return c.hits.Load(), c.misses.Load(), size
}

// Run sweeps expired entries until ctx is done. Expiry is also enforced
// lazily on Get, so the sweep only bounds memory between lookups.
func (c *ResponseCache) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *ResponseCache) store(entry *Entry, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[entry.Fingerprint]; ok {
		el.Value.(*lruItem).entry = entry
		el.Value.(*lruItem).deadline = time.Now().Add(ttl)
		c.lru.MoveToFront(el)
		return
	}
	el := c.lru.PushFront(&lruItem{entry: entry, deadline: time.Now().Add(ttl)})
	c.items[entry.Fingerprint] = el

	for c.lru.Len() > c.max {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}
	metrics.Default.CacheEntries.Set(float64(c.lru.Len()))
}

func (c *ResponseCache) removeLocked(el *list.Element) {
	item := el.Value.(*lruItem)
	delete(c.items, item.entry.Fingerprint)
	c.lru.Remove(el)
}

func (c *ResponseCache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*lruItem).deadline.Before(now) {
			c.removeLocked(el)
		}
		el = prev
	}
	metrics.Default.CacheEntries.Set(float64(c.lru.Len()))
}
