package db

import (
	"context"
	"sync"
	"time"

	"github.com/tracevault/promptguard-engine/pkg/models"
)

// memoryMaxRows bounds the in-memory accounting history. Oldest rows are
// dropped first; the budget map is small (one entry per day) and kept whole.
const memoryMaxRows = 10000

// MemoryStore keeps everything in process memory. It backs tests and
// DATABASE_URL-less runs; nothing survives a restart, which the gateway
// treats as a fresh budget day.
type MemoryStore struct {
	mu          sync.RWMutex
	usage       []models.UsageRecord
	budgets     map[string]float64
	chains      map[string][]models.ProvenanceRecord
	divergences []models.ShadowDivergence
	keyHashes   map[string]string // hash → name
	keyTouched  map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		budgets:    make(map[string]float64),
		chains:     make(map[string][]models.ProvenanceRecord),
		keyHashes:  make(map[string]string),
		keyTouched: make(map[string]time.Time),
	}
}

func (m *MemoryStore) SaveUsage(_ context.Context, rec models.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	m.usage = append(m.usage, rec)
	if len(m.usage) > memoryMaxRows {
		m.usage = m.usage[len(m.usage)-memoryMaxRows:]
	}
	return nil
}

func (m *MemoryStore) RecentUsage(_ context.Context, limit int) ([]models.UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if limit > len(m.usage) {
		limit = len(m.usage)
	}
	// Newest first.
	out := make([]models.UsageRecord, limit)
	for i := 0; i < limit; i++ {
		out[i] = m.usage[len(m.usage)-1-i]
	}
	return out, nil
}

func (m *MemoryStore) UsageTotals(_ context.Context, since time.Time) (UsageTotals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var t UsageTotals
	for _, rec := range m.usage {
		if rec.Timestamp.Before(since) {
			continue
		}
		t.Requests++
		t.PromptTokens += int64(rec.PromptTokens)
		t.CompletionTokens += int64(rec.CompletionTokens)
		t.CachedTokens += int64(rec.CachedTokens)
		t.CostUSD += rec.CostUSD
		if rec.CacheStatus == "hit" {
			t.CacheHits++
		}
		if rec.Failed {
			t.Failed++
		}
	}
	return t, nil
}

func (m *MemoryStore) SaveBudgetDay(_ context.Context, day string, spentUSD float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.budgets[day] = spentUSD
	return nil
}

func (m *MemoryStore) BudgetDay(_ context.Context, day string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.budgets[day], nil
}

func (m *MemoryStore) AppendRecord(_ context.Context, record models.ProvenanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains[record.SessionID] = append(m.chains[record.SessionID], record)
	return nil
}

func (m *MemoryStore) RecordsBySession(_ context.Context, sessionID string) ([]models.ProvenanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.chains[sessionID]
	out := make([]models.ProvenanceRecord, len(chain))
	copy(out, chain)
	return out, nil
}

func (m *MemoryStore) LastRecord(_ context.Context, sessionID string) (*models.ProvenanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.chains[sessionID]
	if len(chain) == 0 {
		return nil, nil
	}
	last := chain[len(chain)-1]
	return &last, nil
}

func (m *MemoryStore) SaveDivergence(_ context.Context, d models.ShadowDivergence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}
	m.divergences = append(m.divergences, d)
	if len(m.divergences) > memoryMaxRows {
		m.divergences = m.divergences[len(m.divergences)-memoryMaxRows:]
	}
	return nil
}

func (m *MemoryStore) RecentDivergences(_ context.Context, limit int) ([]models.ShadowDivergence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if limit > len(m.divergences) {
		limit = len(m.divergences)
	}
	out := make([]models.ShadowDivergence, limit)
	for i := 0; i < limit; i++ {
		out[i] = m.divergences[len(m.divergences)-1-i]
	}
	return out, nil
}

func (m *MemoryStore) UpsertAPIKey(_ context.Context, _, keyHash, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyHashes[keyHash] = name
	return nil
}

func (m *MemoryStore) ActiveKeyHashes(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hashes := make([]string, 0, len(m.keyHashes))
	for h := range m.keyHashes {
		hashes = append(hashes, h)
	}
	return hashes, nil
}

func (m *MemoryStore) TouchAPIKey(_ context.Context, keyHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyTouched[keyHash] = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Close() {}
