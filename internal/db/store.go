package db

import (
	"context"
	"time"

	"github.com/tracevault/promptguard-engine/pkg/models"
)

// Store is the persistence surface the gateway depends on. PostgresStore is
// the durable implementation; MemoryStore backs tests and runs without a
// DATABASE_URL. Both satisfy provenance.Store so audit chains persist
// wherever the accounting rows do.
type Store interface {
	// Usage accounting
	SaveUsage(ctx context.Context, rec models.UsageRecord) error
	RecentUsage(ctx context.Context, limit int) ([]models.UsageRecord, error)
	UsageTotals(ctx context.Context, since time.Time) (UsageTotals, error)

	// Budget ledger durability
	SaveBudgetDay(ctx context.Context, day string, spentUSD float64) error
	BudgetDay(ctx context.Context, day string) (float64, error)

	// Provenance chain rows
	AppendRecord(ctx context.Context, record models.ProvenanceRecord) error
	RecordsBySession(ctx context.Context, sessionID string) ([]models.ProvenanceRecord, error)
	LastRecord(ctx context.Context, sessionID string) (*models.ProvenanceRecord, error)

	// Shadow evaluation results
	SaveDivergence(ctx context.Context, d models.ShadowDivergence) error
	RecentDivergences(ctx context.Context, limit int) ([]models.ShadowDivergence, error)

	// API key digests
	UpsertAPIKey(ctx context.Context, id, keyHash, name string) error
	ActiveKeyHashes(ctx context.Context) ([]string, error)
	TouchAPIKey(ctx context.Context, keyHash string) error

	Close()
}

// UsageTotals aggregates accounting rows for the reporting endpoints.
type UsageTotals struct {
	Requests         int     `json:"requests"`
	PromptTokens     int64   `json:"promptTokens"`
	CompletionTokens int64   `json:"completionTokens"`
	CachedTokens     int64   `json:"cachedTokens"`
	CostUSD          float64 `json:"costUsd"`
	CacheHits        int     `json:"cacheHits"`
	Failed           int     `json:"failed"`
}
