package db

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/tracevault/promptguard-engine/pkg/models"
)

// schemaSQL is compiled into the binary at build time.
// This ensures schema init works inside the Docker runtime image which
// does not copy internal/db/schema.sql into the final stage.
//
//go:embed schema.sql
var schemaSQL string

type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	logrus.Info("[Postgres] Connected")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema() error {
	_, err := s.pool.Exec(context.Background(), schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}

	logrus.Info("[Postgres] Gateway schema initialized")
	return nil
}

// SaveUsage appends one accounting row. Rows are never updated.
func (s *PostgresStore) SaveUsage(ctx context.Context, rec models.UsageRecord) error {
	sql := `
		INSERT INTO usage_records
			(ts, agent_id, session_id, model, tier, request_type,
			 prompt_tokens, completion_tokens, cached_tokens, cost_usd,
			 cache_status, latency_ms, compressed, failed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14);
	`
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, sql,
		ts, rec.AgentID, rec.SessionID, rec.Model, string(rec.Tier), string(rec.RequestType),
		rec.PromptTokens, rec.CompletionTokens, rec.CachedTokens, rec.CostUSD,
		rec.CacheStatus, rec.LatencyMS, rec.Compressed, rec.Failed,
	)
	return err
}

// RecentUsage returns the newest accounting rows, newest first.
func (s *PostgresStore) RecentUsage(ctx context.Context, limit int) ([]models.UsageRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	sql := `
		SELECT ts, agent_id, session_id, model, tier, request_type,
		       prompt_tokens, completion_tokens, cached_tokens, cost_usd,
		       cache_status, latency_ms, compressed, failed
		FROM usage_records
		ORDER BY ts DESC
		LIMIT $1;
	`
	rows, err := s.pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]models.UsageRecord, 0, limit)
	for rows.Next() {
		var rec models.UsageRecord
		var tier, reqType string
		if err := rows.Scan(&rec.Timestamp, &rec.AgentID, &rec.SessionID, &rec.Model, &tier, &reqType,
			&rec.PromptTokens, &rec.CompletionTokens, &rec.CachedTokens, &rec.CostUSD,
			&rec.CacheStatus, &rec.LatencyMS, &rec.Compressed, &rec.Failed); err != nil {
			return nil, err
		}
		rec.Tier = models.ModelTier(tier)
		rec.RequestType = models.RequestType(reqType)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UsageTotals aggregates accounting rows at or after the cutoff.
func (s *PostgresStore) UsageTotals(ctx context.Context, since time.Time) (UsageTotals, error) {
	sql := `
		SELECT COUNT(*),
		       COALESCE(SUM(prompt_tokens), 0),
		       COALESCE(SUM(completion_tokens), 0),
		       COALESCE(SUM(cached_tokens), 0),
		       COALESCE(SUM(cost_usd), 0),
		       COUNT(*) FILTER (WHERE cache_status = 'hit'),
		       COUNT(*) FILTER (WHERE failed)
		FROM usage_records
		WHERE ts >= $1;
	`
	var t UsageTotals
	err := s.pool.QueryRow(ctx, sql, since).Scan(
		&t.Requests, &t.PromptTokens, &t.CompletionTokens, &t.CachedTokens,
		&t.CostUSD, &t.CacheHits, &t.Failed,
	)
	return t, err
}

// SaveBudgetDay upserts the committed spend for one UTC day key.
func (s *PostgresStore) SaveBudgetDay(ctx context.Context, day string, spentUSD float64) error {
	sql := `
		INSERT INTO budget_days (day, spent_usd)
		VALUES ($1, $2)
		ON CONFLICT (day) DO UPDATE
		SET spent_usd = EXCLUDED.spent_usd, updated_at = NOW();
	`
	_, err := s.pool.Exec(ctx, sql, day, spentUSD)
	return err
}

// BudgetDay returns the committed spend for a day key, zero when absent.
func (s *PostgresStore) BudgetDay(ctx context.Context, day string) (float64, error) {
	var spent float64
	err := s.pool.QueryRow(ctx, `SELECT spent_usd FROM budget_days WHERE day = $1`, day).Scan(&spent)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	return spent, err
}

// AppendRecord persists one provenance record. The (session_id, sequence)
// uniqueness constraint makes a concurrent double-append fail loudly instead
// of silently forking the chain.
func (s *PostgresStore) AppendRecord(ctx context.Context, record models.ProvenanceRecord) error {
	sql := `
		INSERT INTO provenance_records
			(id, session_id, sequence, ts, activity_type, activity_name,
			 attributes, used, generated, previous_hash, record_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
	`
	_, err := s.pool.Exec(ctx, sql,
		record.ID, record.SessionID, record.Sequence, record.Timestamp,
		string(record.ActivityType), record.ActivityName,
		record.Attributes, record.Used, record.Generated,
		record.PreviousHash, record.RecordHash,
	)
	return err
}

// RecordsBySession returns a session's chain in sequence order.
func (s *PostgresStore) RecordsBySession(ctx context.Context, sessionID string) ([]models.ProvenanceRecord, error) {
	sql := `
		SELECT id, session_id, sequence, ts, activity_type, activity_name,
		       attributes, used, generated, previous_hash, record_hash
		FROM provenance_records
		WHERE session_id = $1
		ORDER BY sequence ASC;
	`
	rows, err := s.pool.Query(ctx, sql, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]models.ProvenanceRecord, 0)
	for rows.Next() {
		rec, err := scanProvenanceRow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// LastRecord returns the highest-sequence record of a session, nil when the
// session has no chain yet.
func (s *PostgresStore) LastRecord(ctx context.Context, sessionID string) (*models.ProvenanceRecord, error) {
	sql := `
		SELECT id, session_id, sequence, ts, activity_type, activity_name,
		       attributes, used, generated, previous_hash, record_hash
		FROM provenance_records
		WHERE session_id = $1
		ORDER BY sequence DESC
		LIMIT 1;
	`
	rows, err := s.pool.Query(ctx, sql, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	rec, err := scanProvenanceRow(rows)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanProvenanceRow(rows pgx.Rows) (models.ProvenanceRecord, error) {
	var rec models.ProvenanceRecord
	var activity string
	err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Sequence, &rec.Timestamp,
		&activity, &rec.ActivityName,
		&rec.Attributes, &rec.Used, &rec.Generated,
		&rec.PreviousHash, &rec.RecordHash)
	rec.ActivityType = models.ActivityType(activity)
	return rec, err
}

// SaveDivergence persists one live/candidate disagreement.
func (s *PostgresStore) SaveDivergence(ctx context.Context, d models.ShadowDivergence) error {
	sql := `
		INSERT INTO shadow_divergences
			(ts, sample_id, input_text, live_risk, shadow_risk, live_blocked, shadow_blocked, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
	`
	ts := d.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, sql,
		ts, d.SampleID, d.Text, d.LiveRisk, d.ShadowRisk, d.LiveBlocked, d.ShadowBlocked, d.Detail)
	return err
}

// RecentDivergences returns the newest shadow divergences, newest first.
func (s *PostgresStore) RecentDivergences(ctx context.Context, limit int) ([]models.ShadowDivergence, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	sql := `
		SELECT ts, sample_id, input_text, live_risk, shadow_risk, live_blocked, shadow_blocked, detail
		FROM shadow_divergences
		ORDER BY ts DESC
		LIMIT $1;
	`
	rows, err := s.pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	divergences := make([]models.ShadowDivergence, 0, limit)
	for rows.Next() {
		var d models.ShadowDivergence
		if err := rows.Scan(&d.Timestamp, &d.SampleID, &d.Text, &d.LiveRisk, &d.ShadowRisk,
			&d.LiveBlocked, &d.ShadowBlocked, &d.Detail); err != nil {
			return nil, err
		}
		divergences = append(divergences, d)
	}
	return divergences, rows.Err()
}

// UpsertAPIKey registers a key digest, reactivating it if previously disabled.
func (s *PostgresStore) UpsertAPIKey(ctx context.Context, id, keyHash, name string) error {
	sql := `
		INSERT INTO api_keys (id, key_hash, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (key_hash) DO UPDATE
		SET name = EXCLUDED.name, active = TRUE;
	`
	_, err := s.pool.Exec(ctx, sql, id, keyHash, name)
	return err
}

// ActiveKeyHashes returns the digests of every active API key.
func (s *PostgresStore) ActiveKeyHashes(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key_hash FROM api_keys WHERE active`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hashes := make([]string, 0)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// TouchAPIKey stamps a key's last use. Best effort; callers throttle it.
func (s *PostgresStore) TouchAPIKey(ctx context.Context, keyHash string) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE key_hash = $1`, keyHash)
	return err
}

// GetPool exposes the connection pool for subsystems with bespoke queries
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}
