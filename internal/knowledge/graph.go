package knowledge

import (
	"context"

	"github.com/tracevault/promptguard-engine/pkg/models"
)

// Stats summarizes the graph for health and admin endpoints.
type Stats struct {
	Samples      int64 `json:"samples"`
	Detected     int64 `json:"detected"`
	Keywords     int64 `json:"keywords"`
	Techniques   int64 `json:"techniques"`
	Similarities int64 `json:"similarities"`
}

// Graph is the knowledge store surface. Writes are idempotent upserts keyed
// by sample_id, keyword value, or technique id; reads degrade gracefully on
// the caller's side when they fail.
type Graph interface {
	UpsertSample(ctx context.Context, sample models.AttackSample) error
	LinkKeyword(ctx context.Context, sampleID, keyword string, position int) error
	LinkTechnique(ctx context.Context, sampleID, techniqueID string) error
	LinkSimilarity(ctx context.Context, aID, bID string, similarity float64) error
	LinkDetection(ctx context.Context, sampleID, signatureID string, confidence float64) error
	FindSimilarByKeywords(ctx context.Context, keywords []string, minOverlap float64, limit int) ([]models.SimilarSample, error)
	Stats(ctx context.Context) (Stats, error)
	Close(ctx context.Context) error
}
