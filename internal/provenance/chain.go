package provenance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tracevault/promptguard-engine/pkg/models"
)

// Store is the append-only persistence behind the chains. Records for a
// session come back in sequence order.
type Store interface {
	AppendRecord(ctx context.Context, record models.ProvenanceRecord) error
	RecordsBySession(ctx context.Context, sessionID string) ([]models.ProvenanceRecord, error)
	LastRecord(ctx context.Context, sessionID string) (*models.ProvenanceRecord, error)
}

// ExportDigest anchors a chain's tail out of band: anyone holding the
// shared secret can later confirm the store did not truncate the chain.
type ExportDigest struct {
	SessionID  string    `json:"sessionId"`
	Length     int       `json:"length"`
	LastHash   string    `json:"lastHash"`
	Digest     string    `json:"digest"`
	ExportedAt time.Time `json:"exportedAt"`
}

type tail struct {
	mu       sync.Mutex
	loaded   bool
	lastHash string
	nextSeq  int
	length   int
}

// Chain maintains one hash-linked record sequence per session. A
// per-session mutex serializes appends so the chain is totally ordered
// even under concurrent guard decisions.
type Chain struct {
	store  Store
	secret []byte

	mu    sync.Mutex
	tails map[string]*tail

	log *logrus.Entry
}

func NewChain(store Store, secret string) *Chain {
	return &Chain{
		store:  store,
		secret: []byte(secret),
		tails:  make(map[string]*tail),
		log:    logrus.WithField("component", "provenance"),
	}
}

// Append creates the next record for the session and persists it. A
// persistence failure leaves the chain untouched and must fail the guard
// decision that requested the record.
func (c *Chain) Append(ctx context.Context, sessionID string, activity models.ActivityType, name string, attrs map[string]string, used, generated []string) (*models.ProvenanceRecord, error) {
	t := c.tailFor(sessionID)

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.loaded {
		if err := c.loadTail(ctx, sessionID, t); err != nil {
			return nil, fmt.Errorf("load chain tail: %w", err)
		}
	}

	rec := models.ProvenanceRecord{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		Sequence:     t.nextSeq,
		Timestamp:    time.Now().UTC(),
		ActivityType: activity,
		ActivityName: name,
		Attributes:   attrs,
		Used:         used,
		Generated:    generated,
		PreviousHash: t.lastHash,
	}
	rec.RecordHash = hashRecord(rec)

	if err := c.store.AppendRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("append provenance record: %w", err)
	}

	t.lastHash = rec.RecordHash
	t.nextSeq++
	t.length++
	return &rec, nil
}

// VerifySession loads a session's chain and verifies every link.
func (c *Chain) VerifySession(ctx context.Context, sessionID string) (models.ChainVerification, error) {
	records, err := c.store.RecordsBySession(ctx, sessionID)
	if err != nil {
		return models.ChainVerification{}, fmt.Errorf("load chain: %w", err)
	}
	return Verify(records), nil
}

// Verify walks a chain and reports the first broken link. A chain is
// broken when a record's stored hash does not match its recomputation,
// when it does not reference its predecessor's hash, or when sequence
// numbers are not dense from zero.
func Verify(records []models.ProvenanceRecord) models.ChainVerification {
	prevHash := ""
	for i, rec := range records {
		if rec.Sequence != i || rec.PreviousHash != prevHash || hashRecord(rec) != rec.RecordHash {
			return models.ChainVerification{OK: false, BrokenAt: i, Length: len(records)}
		}
		prevHash = rec.RecordHash
	}
	return models.ChainVerification{OK: true, BrokenAt: -1, Length: len(records)}
}

// Export signs the chain tail with the shared secret. Empty sessions
// export a zero-length digest over the empty hash.
func (c *Chain) Export(ctx context.Context, sessionID string) (*ExportDigest, error) {
	records, err := c.store.RecordsBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load chain: %w", err)
	}

	lastHash := ""
	if len(records) > 0 {
		lastHash = records[len(records)-1].RecordHash
	}

	mac := hmac.New(sha256.New, c.secret)
	fmt.Fprintf(mac, "%s\x1e%d\x1e%s", sessionID, len(records), lastHash)

	return &ExportDigest{
		SessionID:  sessionID,
		Length:     len(records),
		LastHash:   lastHash,
		Digest:     hex.EncodeToString(mac.Sum(nil)),
		ExportedAt: time.Now().UTC(),
	}, nil
}

// VerifyExport checks a previously issued digest against the secret.
func (c *Chain) VerifyExport(d ExportDigest) bool {
	mac := hmac.New(sha256.New, c.secret)
	fmt.Fprintf(mac, "%s\x1e%d\x1e%s", d.SessionID, d.Length, d.LastHash)
	want, err := hex.DecodeString(d.Digest)
	if err != nil {
		return false
	}
	return hmac.Equal(want, mac.Sum(nil))
}

func (c *Chain) tailFor(sessionID string) *tail {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tails[sessionID]
	if !ok {
		t = &tail{}
		c.tails[sessionID] = t
	}
	return t
}

// loadTail recovers the chain position from the store, so appends resume
// correctly after a restart. Called with the tail mutex held.
func (c *Chain) loadTail(ctx context.Context, sessionID string, t *tail) error {
	last, err := c.store.LastRecord(ctx, sessionID)
	if err != nil {
		return err
	}
	if last != nil {
		t.lastHash = last.RecordHash
		t.nextSeq = last.Sequence + 1
		t.length = last.Sequence + 1
	}
	t.loaded = true
	return nil
}
