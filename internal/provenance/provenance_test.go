package provenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tracevault/promptguard-engine/pkg/models"
)

func appendN(t *testing.T, c *Chain, sessionID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := c.Append(context.Background(), sessionID, models.ActivityDecision,
			fmt.Sprintf("decision-%d", i),
			map[string]string{"action": "allow", "step": fmt.Sprintf("%d", i)},
			[]string{"input"}, []string{"output"})
		require.NoError(t, err)
	}
}

func TestChainLinksAndVerifies(t *testing.T) {
	store := NewMemoryStore()
	c := NewChain(store, "test-secret")
	ctx := context.Background()

	appendN(t, c, "sess-1", 4)

	records, err := store.RecordsBySession(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, records, 4)

	assert.Equal(t, "", records[0].PreviousHash, "genesis record links to the empty hash")
	for i := 1; i < len(records); i++ {
		assert.Equal(t, records[i-1].RecordHash, records[i].PreviousHash)
		assert.Equal(t, i, records[i].Sequence)
	}

	v := Verify(records)
	assert.True(t, v.OK)
	assert.Equal(t, -1, v.BrokenAt)
	assert.Equal(t, 4, v.Length)
}

func TestVerifyDetectsTamperedRecord(t *testing.T) {
	store := NewMemoryStore()
	c := NewChain(store, "test-secret")

	appendN(t, c, "sess-1", 5)

	records, err := store.RecordsBySession(context.Background(), "sess-1")
	require.NoError(t, err)

	records[2].Attributes["action"] = "block" // rewrite history

	v := Verify(records)
	assert.False(t, v.OK)
	assert.Equal(t, 2, v.BrokenAt, "the first edited record is reported")
}

func TestVerifyDetectsRelinkedTail(t *testing.T) {
	store := NewMemoryStore()
	c := NewChain(store, "test-secret")

	appendN(t, c, "sess-1", 3)
	records, _ := store.RecordsBySession(context.Background(), "sess-1")

	// An attacker who re-hashes a forged record still breaks the link of
	// its successor.
	records[1].ActivityName = "forged"
	records[1].RecordHash = hashRecord(records[1])

	v := Verify(records)
	assert.False(t, v.OK)
	assert.Equal(t, 2, v.BrokenAt)
}

func TestHashIsReproducible(t *testing.T) {
	rec := models.ProvenanceRecord{
		ID:           "fixed-id",
		SessionID:    "s",
		Sequence:     3,
		ActivityType: models.ActivityLLMCall,
		ActivityName: "chat",
		Attributes:   map[string]string{"b": "2", "a": "1", "c": "3"},
		Used:         []string{"u1"},
		Generated:    []string{"g1"},
		PreviousHash: "abc",
	}

	first := hashRecord(rec)

	// Rebuild the attribute map in a different insertion order.
	rec.Attributes = map[string]string{"c": "3", "a": "1", "b": "2"}
	assert.Equal(t, first, hashRecord(rec), "canonical encoding is independent of map order")

	rec.Attributes["a"] = "changed"
	assert.NotEqual(t, first, hashRecord(rec))
}

func TestConcurrentAppendsStayTotallyOrdered(t *testing.T) {
	store := NewMemoryStore()
	c := NewChain(store, "test-secret")

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Append(context.Background(), "sess-1", models.ActivityToolCall, "tool", nil, nil, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	records, err := store.RecordsBySession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, records, 32)

	v := Verify(records)
	assert.True(t, v.OK, "concurrent appends must still form one unbroken chain")
}

func TestChainsAreIndependentPerSession(t *testing.T) {
	store := NewMemoryStore()
	c := NewChain(store, "test-secret")

	appendN(t, c, "sess-a", 2)
	appendN(t, c, "sess-b", 3)

	a, _ := store.RecordsBySession(context.Background(), "sess-a")
	b, _ := store.RecordsBySession(context.Background(), "sess-b")
	require.Len(t, a, 2)
	require.Len(t, b, 3)
	assert.Equal(t, "", a[0].PreviousHash)
	assert.Equal(t, "", b[0].PreviousHash)
	assert.True(t, Verify(a).OK)
	assert.True(t, Verify(b).OK)
}

func TestChainResumesAfterRestart(t *testing.T) {
	store := NewMemoryStore()

	first := NewChain(store, "test-secret")
	appendN(t, first, "sess-1", 3)

	// A fresh Chain over the same store models a process restart.
	second := NewChain(store, "test-secret")
	appendN(t, second, "sess-1", 2)

	records, err := store.RecordsBySession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.True(t, Verify(records).OK, "appends after restart keep the chain intact")
}

func TestExportDigest(t *testing.T) {
	store := NewMemoryStore()
	c := NewChain(store, "anchor-secret")
	ctx := context.Background()

	appendN(t, c, "sess-1", 3)

	digest, err := c.Export(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 3, digest.Length)
	assert.NotEmpty(t, digest.LastHash)
	assert.True(t, c.VerifyExport(*digest))

	// A different secret must reject the digest.
	other := NewChain(store, "other-secret")
	assert.False(t, other.VerifyExport(*digest))

	// Truncating the stored chain changes what an export would attest.
	store.mu.Lock()
	store.chains["sess-1"] = store.chains["sess-1"][:2]
	store.mu.Unlock()

	truncated, err := c.Export(ctx, "sess-1")
	require.NoError(t, err)
	assert.NotEqual(t, digest.Digest, truncated.Digest)
	assert.NotEqual(t, digest.LastHash, truncated.LastHash)
}

type failingStore struct{ *MemoryStore }

func (f *failingStore) AppendRecord(context.Context, models.ProvenanceRecord) error {
	return errors.New("disk full")
}

func TestAppendFailureSurfaces(t *testing.T) {
	c := NewChain(&failingStore{MemoryStore: NewMemoryStore()}, "s")

	_, err := c.Append(context.Background(), "sess-1", models.ActivityDecision, "d", nil, nil, nil)
	require.Error(t, err, "a provenance write failure is fatal for the decision")
}
