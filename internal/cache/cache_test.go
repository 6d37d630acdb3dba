package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintFieldSeparation(t *testing.T) {
	temp := 0.7

	base := Fingerprint("gpt-4o", &temp, "sys", "user")
	assert.Equal(t, base, Fingerprint("gpt-4o", &temp, "sys", "user"), "fingerprint must be deterministic")

	// Shifting bytes between adjacent fields must change the key.
	assert.NotEqual(t, base, Fingerprint("gpt-4osys", &temp, "", "user"))
	assert.NotEqual(t, base, Fingerprint("gpt-4o", &temp, "sysuser", ""))
}

func TestFingerprintTemperatureBucket(t *testing.T) {
	a, b := 0.70, 0.72
	assert.Equal(t, Fingerprint("m", &a, "s", "u"), Fingerprint("m", &b, "s", "u"),
		"temperatures in the same decimal bucket share an entry")

	c := 0.8
	assert.NotEqual(t, Fingerprint("m", &a, "s", "u"), Fingerprint("m", &c, "s", "u"))

	d := 1.0
	assert.Equal(t, Fingerprint("m", nil, "s", "u"), Fingerprint("m", &d, "s", "u"),
		"absent temperature hashes like the upstream default")
}

func TestCacheGetPutRoundtrip(t *testing.T) {
	c := NewResponseCache(Config{MaxEntries: 10, TTL: time.Minute})
	ctx := context.Background()

	assert.Nil(t, c.Get(ctx, "missing"))

	entry := &Entry{
		Fingerprint:      "fp-1",
		Model:            "gpt-4o-mini",
		Completion:       "hello",
		PromptTokens:     12,
		CompletionTokens: 3,
	}
	c.Put(ctx, entry, 0)

	got := c.Get(ctx, "fp-1")
	require.NotNil(t, got)
	assert.Equal(t, "hello", got.Completion)
	assert.Equal(t, 12, got.PromptTokens)
	assert.False(t, got.StoredAt.IsZero())

	hits, misses, size := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
	assert.Equal(t, 1, size)
}

func TestCacheLRUEviction(t *testing.T) {
	c := NewResponseCache(Config{MaxEntries: 2, TTL: time.Minute})
	ctx := context.Background()

	c.Put(ctx, &Entry{Fingerprint: "a", Completion: "1"}, 0)
	c.Put(ctx, &Entry{Fingerprint: "b", Completion: "2"}, 0)

	// Touch "a" so "b" becomes the eviction candidate.
	require.NotNil(t, c.Get(ctx, "a"))

	c.Put(ctx, &Entry{Fingerprint: "c", Completion: "3"}, 0)

	assert.NotNil(t, c.Get(ctx, "a"))
	assert.Nil(t, c.Get(ctx, "b"), "least recently used entry must be evicted")
	assert.NotNil(t, c.Get(ctx, "c"))
}

func TestCacheTTLExpiry(t *testing.T) {
	c := NewResponseCache(Config{MaxEntries: 10, TTL: time.Minute})
	ctx := context.Background()

	c.Put(ctx, &Entry{Fingerprint: "short", Completion: "x"}, 10*time.Millisecond)
	require.NotNil(t, c.Get(ctx, "short"))

	time.Sleep(25 * time.Millisecond)
	assert.Nil(t, c.Get(ctx, "short"))
}

func TestCacheSharedTier(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := NewRedisClient(mr.Addr(), "", 0)
	ctx := context.Background()

	writer := NewResponseCache(Config{MaxEntries: 10, TTL: time.Minute, Redis: rdb})
	writer.Put(ctx, &Entry{Fingerprint: "fp-shared", Completion: "from-l2", PromptTokens: 5}, time.Minute)

	// A fresh instance has a cold L1 and must fall through to Redis.
	reader := NewResponseCache(Config{MaxEntries: 10, TTL: time.Minute, Redis: rdb})
	got := reader.Get(ctx, "fp-shared")
	require.NotNil(t, got)
	assert.Equal(t, "from-l2", got.Completion)
	assert.Equal(t, 5, got.PromptTokens)

	// The hit must have been promoted into L1.
	mr.Close()
	assert.NotNil(t, reader.Get(ctx, "fp-shared"))
}

func TestCacheSharedTierCorruptEntry(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	require.NoError(t, mr.Set("pge:resp:bad", "{not-json"))

	c := NewResponseCache(Config{MaxEntries: 10, TTL: time.Minute, Redis: NewRedisClient(mr.Addr(), "", 0)})
	assert.Nil(t, c.Get(context.Background(), "bad"))
	assert.False(t, mr.Exists("pge:resp:bad"), "corrupt entries are dropped from the shared tier")
}

func TestCacheRedisDownDegradesToMiss(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	c := NewResponseCache(Config{MaxEntries: 10, TTL: time.Minute, Redis: NewRedisClient(mr.Addr(), "", 0)})
	mr.Close()

	ctx := context.Background()
	assert.Nil(t, c.Get(ctx, "anything"))

	// Writes must not panic or error out of Put either.
	c.Put(ctx, &Entry{Fingerprint: "fp", Completion: "x"}, time.Minute)
	assert.NotNil(t, c.Get(ctx, "fp"), "L1 keeps working while the shared tier is down")
}

func TestPopulateSingleFlight(t *testing.T) {
	c := NewResponseCache(Config{MaxEntries: 10, TTL: time.Minute})
	ctx := context.Background()

	var fills atomic.Int32
	release := make(chan struct{})

	fill := func() (*Entry, error) {
		fills.Add(1)
		<-release
		return &Entry{Fingerprint: "cold", Completion: "filled"}, nil
	}

	var wg sync.WaitGroup
	results := make([]*Entry, 8)
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = c.Populate(ctx, "cold", time.Minute, fill)
		}(i)
	}

	// Let every goroutine reach the flight before the fill completes.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), fills.Load(), "a cold key populates at most once")
	for i := range results {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		assert.Equal(t, "filled", results[i].Completion)
	}

	assert.NotNil(t, c.Get(ctx, "cold"), "populated value lands in the cache")
}
