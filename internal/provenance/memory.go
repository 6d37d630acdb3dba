package provenance

import (
	"context"
	"sync"

	"github.com/tracevault/promptguard-engine/pkg/models"
)

// MemoryStore keeps chains in process memory. Used when no database is
// configured, and by tests.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]models.ProvenanceRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[string][]models.ProvenanceRecord)}
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
	records := m.chains[sessionID]
	out := make([]models.ProvenanceRecord, len(records))
	copy(out, records)
	return out, nil
}

func (m *MemoryStore) LastRecord(_ context.Context, sessionID string) (*models.ProvenanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := m.chains[sessionID]
	if len(records) == 0 {
		return nil, nil
	}
	last := records[len(records)-1]
	return &last, nil
}
