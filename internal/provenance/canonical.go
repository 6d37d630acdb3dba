package provenance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/tracevault/promptguard-engine/pkg/models"
)

// canonicalJSON renders the hashed view of a record: map keys sorted (the
// encoder guarantees that), timestamps in UTC RFC3339Nano, nil collections
// normalized to empty ones. RecordHash itself is excluded so the encoding
// is the hash input, and PreviousHash is appended separately by hashRecord.
func canonicalJSON(r models.ProvenanceRecord) []byte {
	attrs := r.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	used := r.Used
	if used == nil {
		used = []string{}
	}
	generated := r.Generated
	if generated == nil {
		generated = []string{}
	}

	doc := map[string]any{
		"id":            r.ID,
		"session_id":    r.SessionID,
		"sequence":      r.Sequence,
		"timestamp":     r.Timestamp.UTC().Format(time.RFC3339Nano),
		"activity_type": string(r.ActivityType),
		"activity_name": r.ActivityName,
		"attributes":    attrs,
		"used":          used,
		"generated":     generated,
	}

	// Marshalling a map of JSON-safe primitives cannot fail.
	data, _ := json.Marshal(doc)
	return data
}

// hashRecord chains a record onto its predecessor:
// SHA-256(canonical_json ‖ previous_hash), hex encoded. The first record of
// a session hashes with an empty previous_hash.
func hashRecord(r models.ProvenanceRecord) string {
	h := sha256.New()
	h.Write(canonicalJSON(r))
	h.Write([]byte(r.PreviousHash))
	return hex.EncodeToString(h.Sum(nil))
}
