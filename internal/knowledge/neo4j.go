package knowledge

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/sirupsen/logrus"
	"github.com/tracevault/promptguard-engine/pkg/models"
)

// GraphStore keeps the attack corpus in Neo4j. Every write is a MERGE so
// replaying the same sample, keyword, or edge converges instead of
// duplicating.
type GraphStore struct {
	driver neo4j.DriverWithContext
	log    *logrus.Entry
}

func NewGraphStore(ctx context.Context, uri, user, password string) (*GraphStore, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}

	g := &GraphStore{
		driver: driver,
		log:    logrus.WithField("component", "knowledge"),
	}
	if err := g.ensureSchema(ctx); err != nil {
		// Schema statements need admin rights on some deployments; the
		// store still works without them, just slower.
		g.log.WithError(err).Warn("[Knowledge] could not ensure graph schema")
	}
	g.log.WithField("uri", uri).Info("[Knowledge] connected to graph store")
	return g, nil
}

func (g *GraphStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		"CREATE CONSTRAINT attack_sample_id IF NOT EXISTS FOR (s:AttackSample) REQUIRE s.sample_id IS UNIQUE",
		"CREATE CONSTRAINT attack_keyword_value IF NOT EXISTS FOR (k:AttackKeyword) REQUIRE k.value IS UNIQUE",
		"CREATE CONSTRAINT attack_technique_id IF NOT EXISTS FOR (t:AttackTechnique) REQUIRE t.technique_id IS UNIQUE",
		"CREATE CONSTRAINT attack_signature_id IF NOT EXISTS FOR (g:AttackSignature) REQUIRE g.signature_id IS UNIQUE",
		"CREATE INDEX attack_sample_detected IF NOT EXISTS FOR (s:AttackSample) ON (s.detected)",
		"CREATE INDEX attack_sample_category IF NOT EXISTS FOR (s:AttackSample) ON (s.category)",
	}
	for _, stmt := range statements {
		if err := g.write(ctx, stmt, nil); err != nil {
			return err
		}
	}
	return nil
}

func (g *GraphStore) UpsertSample(ctx context.Context, sample models.AttackSample) error {
	now := time.Now().UTC()
	created := sample.CreatedAt
	if created.IsZero() {
		created = now
	}
	return g.write(ctx, `
		MERGE (s:AttackSample {sample_id: $sample_id})
		ON CREATE SET s.created_at = $created_at
		SET s.text = $text,
		    s.normalized_text = $normalized_text,
		    s.category = $category,
		    s.source = $source,
		    s.risk_score = $risk_score,
		    s.risk_level = $risk_level,
		    s.detected = $detected,
		    s.updated_at = $updated_at`,
		map[string]any{
			"sample_id":       sample.SampleID,
			"text":            sample.Text,
			"normalized_text": sample.NormalizedText,
			"category":        string(sample.Category),
			"source":          sample.Source,
			"risk_score":      sample.RiskScore,
			"risk_level":      string(sample.RiskLevel),
			"detected":        sample.Detected,
			"created_at":      created.Format(time.RFC3339Nano),
			"updated_at":      now.Format(time.RFC3339Nano),
		})
}

func (g *GraphStore) LinkKeyword(ctx context.Context, sampleID, keyword string, position int) error {
	return g.write(ctx, `
		MERGE (k:AttackKeyword {value: $keyword})
		WITH k
		MATCH (s:AttackSample {sample_id: $sample_id})
		MERGE (s)-[r:CONTAINS_KEYWORD]->(k)
		SET r.position = $position`,
		map[string]any{"sample_id": sampleID, "keyword": keyword, "position": position})
}

func (g *GraphStore) LinkTechnique(ctx context.Context, sampleID, techniqueID string) error {
	return g.write(ctx, `
		MERGE (t:AttackTechnique {technique_id: $technique_id})
		WITH t
		MATCH (s:AttackSample {sample_id: $sample_id})
		MERGE (s)-[:USES_TECHNIQUE]->(t)`,
		map[string]any{"sample_id": sampleID, "technique_id": techniqueID})
}

func (g *GraphStore) LinkSimilarity(ctx context.Context, aID, bID string, similarity float64) error {
	return g.write(ctx, `
		MATCH (a:AttackSample {sample_id: $a})
		MATCH (b:AttackSample {sample_id: $b})
		MERGE (a)-[r:SIMILAR_TO]->(b)
		SET r.similarity = $similarity`,
		map[string]any{"a": aID, "b": bID, "similarity": similarity})
}

func (g *GraphStore) LinkDetection(ctx context.Context, sampleID, signatureID string, confidence float64) error {
	return g.write(ctx, `
		MERGE (g:AttackSignature {signature_id: $signature_id})
		WITH g
		MATCH (s:AttackSample {sample_id: $sample_id})
		MERGE (s)-[r:DETECTED_BY]->(g)
		SET r.confidence = $confidence`,
		map[string]any{"sample_id": sampleID, "signature_id": signatureID, "confidence": confidence})
}

// FindSimilarByKeywords returns detected samples whose keyword sets overlap
// the query by at least minOverlap, best first.
func (g *GraphStore) FindSimilarByKeywords(ctx context.Context, keywords []string, minOverlap float64, limit int) ([]models.SimilarSample, error) {
	if len(keywords) == 0 || limit <= 0 {
		return nil, nil
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	rows, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (s:AttackSample)-[:CONTAINS_KEYWORD]->(k:AttackKeyword)
			WHERE k.value IN $keywords AND s.detected = true
			WITH s, collect(DISTINCT k.value) AS shared
			WITH s, shared, toFloat(size(shared)) / $total AS overlap
			WHERE overlap >= $min_overlap
			RETURN s.sample_id AS sample_id,
			       s.text AS text,
			       s.normalized_text AS normalized_text,
			       s.category AS category,
			       s.risk_score AS risk_score,
			       s.risk_level AS risk_level,
			       shared AS shared,
			       overlap AS overlap
			ORDER BY overlap DESC, risk_score DESC, sample_id
			LIMIT $limit`,
			map[string]any{
				"keywords":    keywords,
				"total":       float64(len(keywords)),
				"min_overlap": minOverlap,
				"limit":       limit,
			})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("similar-by-keywords query: %w", err)
	}

	records, _ := rows.([]*neo4j.Record)
	out := make([]models.SimilarSample, 0, len(records))
	for _, rec := range records {
		out = append(out, models.SimilarSample{
			Sample: models.AttackSample{
				SampleID:       stringValue(rec, "sample_id"),
				Text:           stringValue(rec, "text"),
				NormalizedText: stringValue(rec, "normalized_text"),
				Category:       models.AttackCategory(stringValue(rec, "category")),
				RiskScore:      floatValue(rec, "risk_score"),
				RiskLevel:      models.Severity(stringValue(rec, "risk_level")),
				Detected:       true,
			},
			Similarity:     floatValue(rec, "overlap"),
			SharedKeywords: stringSlice(rec, "shared"),
		})
	}
	return out, nil
}

func (g *GraphStore) Stats(ctx context.Context) (Stats, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	rows, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (s:AttackSample)
			WITH count(s) AS samples,
			     sum(CASE WHEN s.detected THEN 1 ELSE 0 END) AS detected
			OPTIONAL MATCH (k:AttackKeyword)
			WITH samples, detected, count(k) AS keywords
			OPTIONAL MATCH (t:AttackTechnique)
			WITH samples, detected, keywords, count(t) AS techniques
			OPTIONAL MATCH ()-[r:SIMILAR_TO]->()
			RETURN samples, detected, keywords, techniques, count(r) AS similarities`,
			nil)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return Stats{}, fmt.Errorf("stats query: %w", err)
	}

	records, _ := rows.([]*neo4j.Record)
	if len(records) == 0 {
		return Stats{}, nil
	}
	rec := records[0]
	return Stats{
		Samples:      intValue(rec, "samples"),
		Detected:     intValue(rec, "detected"),
		Keywords:     intValue(rec, "keywords"),
		Techniques:   intValue(rec, "techniques"),
		Similarities: intValue(rec, "similarities"),
	}, nil
}

func (g *GraphStore) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

func (g *GraphStore) write(ctx context.Context, cypher string, params map[string]any) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	return err
}

func stringValue(rec *neo4j.Record, key string) string {
	if v, ok := rec.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func floatValue(rec *neo4j.Record, key string) float64 {
	if v, ok := rec.Get(key); ok {
		switch n := v.(type) {
		case float64:
			return n
		case int64:
			return float64(n)
		}
	}
	return 0
}

func intValue(rec *neo4j.Record, key string) int64 {
	if v, ok := rec.Get(key); ok {
		switch n := v.(type) {
		case int64:
			return n
		case float64:
			return int64(n)
		}
	}
	return 0
}

func stringSlice(rec *neo4j.Record, key string) []string {
	v, ok := rec.Get(key)
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
