package models

import "time"

// ActivityType labels what a provenance record describes.
type ActivityType string

const (
	ActivityUserInput ActivityType = "user_input"
	ActivityToolCall  ActivityType = "tool_call"
	ActivityDecision  ActivityType = "decision"
	ActivityLLMCall   ActivityType = "llm_call"
)

// ProvenanceRecord is one hash-linked entry in a session's audit chain.
// RecordHash = SHA-256(canonical serialization ‖ PreviousHash); the first
// record's PreviousHash is the empty string. Records never hold pointers to
// each other — (Sequence, PreviousHash) keeps the log linear.
type ProvenanceRecord struct {
	ID           string            `json:"id"`
	SessionID    string            `json:"sessionId"`
	Sequence     int               `json:"sequence"`
	Timestamp    time.Time         `json:"timestamp"`
	ActivityType ActivityType      `json:"activityType"`
	ActivityName string            `json:"activityName"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	Used         []string          `json:"used,omitempty"`      // input handles
	Generated    []string          `json:"generated,omitempty"` // output handles
	PreviousHash string            `json:"previousHash"`
	RecordHash   string            `json:"recordHash"`
}

// ChainVerification is the result of walking a provenance chain.
type ChainVerification struct {
	OK       bool `json:"ok"`
	BrokenAt int  `json:"brokenAt"` // index of the first bad record; -1 when OK
	Length   int  `json:"length"`
}
