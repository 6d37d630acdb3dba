package knowledge

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tracevault/promptguard-engine/pkg/models"
)

// MemoryStore is the graph fallback used when no Neo4j endpoint is
// configured. Same semantics, process lifetime only.
type MemoryStore struct {
	mu         sync.RWMutex
	samples    map[string]models.AttackSample
	keywords   map[string]map[string]int     // sampleID → keyword → position
	techniques map[string]map[string]bool    // sampleID → technique ids
	similar    map[string]map[string]float64 // sampleID → sampleID → similarity
	detections map[string]map[string]float64 // sampleID → signatureID → confidence
}

func NewMemoryStore() *MemoryStore {
	logrus.WithField("component", "knowledge").
		Warn("[Knowledge] no graph endpoint configured, using in-memory store")
	return &MemoryStore{
		samples:    make(map[string]models.AttackSample),
		keywords:   make(map[string]map[string]int),
		techniques: make(map[string]map[string]bool),
		similar:    make(map[string]map[string]float64),
		detections: make(map[string]map[string]float64),
	}
}

func (m *MemoryStore) UpsertSample(_ context.Context, sample models.AttackSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.samples[sample.SampleID]; ok {
		sample.CreatedAt = existing.CreatedAt
	}
	m.samples[sample.SampleID] = sample
	return nil
}

func (m *MemoryStore) LinkKeyword(_ context.Context, sampleID, keyword string, position int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keywords[sampleID] == nil {
		m.keywords[sampleID] = make(map[string]int)
	}
	m.keywords[sampleID][keyword] = position
	return nil
}

func (m *MemoryStore) LinkTechnique(_ context.Context, sampleID, techniqueID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.techniques[sampleID] == nil {
		m.techniques[sampleID] = make(map[string]bool)
	}
	m.techniques[sampleID][techniqueID] = true
	return nil
}

func (m *MemoryStore) LinkSimilarity(_ context.Context, aID, bID string, similarity float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.similar[aID] == nil {
		m.similar[aID] = make(map[string]float64)
	}
	m.similar[aID][bID] = similarity
	return nil
}

func (m *MemoryStore) LinkDetection(_ context.Context, sampleID, signatureID string, confidence float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.detections[sampleID] == nil {
		m.detections[sampleID] = make(map[string]float64)
	}
	m.detections[sampleID][signatureID] = confidence
	return nil
}

func (m *MemoryStore) FindSimilarByKeywords(_ context.Context, keywords []string, minOverlap float64, limit int) ([]models.SimilarSample, error) {
	if len(keywords) == 0 || limit <= 0 {
		return nil, nil
	}
	query := make(map[string]bool, len(keywords))
	for _, k := range keywords {
		query[k] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.SimilarSample
	for id, sample := range m.samples {
		if !sample.Detected {
			continue
		}
		var shared []string
		for kw := range m.keywords[id] {
			if query[kw] {
				shared = append(shared, kw)
			}
		}
		overlap := float64(len(shared)) / float64(len(keywords))
		if overlap < minOverlap || len(shared) == 0 {
			continue
		}
		sort.Strings(shared)
		out = append(out, models.SimilarSample{
			Sample:         sample,
			Similarity:     overlap,
			SharedKeywords: shared,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		if out[i].Sample.RiskScore != out[j].Sample.RiskScore {
			return out[i].Sample.RiskScore > out[j].Sample.RiskScore
		}
		return out[i].Sample.SampleID < out[j].Sample.SampleID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{Samples: int64(len(m.samples))}
	for _, sample := range m.samples {
		if sample.Detected {
			s.Detected++
		}
	}
	uniqueKeywords := make(map[string]bool)
	for _, kws := range m.keywords {
		for kw := range kws {
			uniqueKeywords[kw] = true
		}
	}
	s.Keywords = int64(len(uniqueKeywords))
	uniqueTechniques := make(map[string]bool)
	for _, ts := range m.techniques {
		for t := range ts {
			uniqueTechniques[t] = true
		}
	}
	s.Techniques = int64(len(uniqueTechniques))
	for _, edges := range m.similar {
		s.Similarities += int64(len(edges))
	}
	return s, nil
}

func (m *MemoryStore) Close(context.Context) error { return nil }
