package models

import "time"

// AttackCategory classifies the technique an adversarial prompt employs.
type AttackCategory string

const (
	CategoryInstructionOverride AttackCategory = "instruction_override"
	CategoryRoleManipulation    AttackCategory = "role_manipulation"
	CategorySystemExtraction    AttackCategory = "system_extraction"
	CategoryJailbreak           AttackCategory = "jailbreak"
	CategoryPrivilegeEscalation AttackCategory = "privilege_escalation"
	CategoryEncoding            AttackCategory = "encoding"
	CategoryDataExtraction      AttackCategory = "data_extraction"
	CategoryUnknown             AttackCategory = "unknown"
)

// Severity levels, ordered none < low < medium < high < critical.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityRank maps a severity to its ordinal for threshold comparisons.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Threat is a single detection emitted by one classifier source.
// Confidence expresses attribution certainty; SourceRisk is the source's
// risk contribution to fusion and defaults to Confidence when zero (the
// graph classifier caps Confidence at 0.75 yet contributes the matched
// sample's stored risk).
type Threat struct {
	Type        string   `json:"type"`    // "injection" or "pii"
	Subtype     string   `json:"subtype"` // category or "graph_rag_<category>"
	SourceID    string   `json:"sourceId"`
	Span        [2]int   `json:"span"` // [start, end) byte offsets into the scanned text
	Confidence  float64  `json:"confidence"`
	SourceRisk  float64  `json:"sourceRisk,omitempty"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// ScanVerdict is the fused output of the detection engine for one input.
type ScanVerdict struct {
	Safe         bool     `json:"safe"`
	RiskScore    float64  `json:"riskScore"` // 0.0 - 1.0, max of source contributions
	RiskLevel    Severity `json:"riskLevel"`
	Threats      []Threat `json:"threats"`
	IntentBypass bool     `json:"intentBypass"` // benign-intent veto suppressed low-confidence threats
	LatencyMS    int64    `json:"latencyMs"`
}

// AttackSample is the Knowledge Store entity for one observed prompt.
// Immutable except for Detected, RiskScore, RiskLevel and UpdatedAt.
type AttackSample struct {
	SampleID       string         `json:"sampleId"` // 16 hex chars of SHA-256(normalized text)
	Text           string         `json:"text"`
	NormalizedText string         `json:"normalizedText"`
	Category       AttackCategory `json:"category"`
	Source         string         `json:"source"` // which classifier or feed produced it
	RiskScore      float64        `json:"riskScore"`
	RiskLevel      Severity       `json:"riskLevel"`
	Detected       bool           `json:"detected"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// SimilarSample is one Knowledge Store similarity-search hit.
type SimilarSample struct {
	Sample         AttackSample `json:"sample"`
	Similarity     float64      `json:"similarity"` // shared / |input keywords|
	SharedKeywords []string     `json:"sharedKeywords"`
}

// PIIType identifies the kind of personal data a span contains.
type PIIType string

const (
	PIIEmail          PIIType = "EMAIL"
	PIIPhone          PIIType = "PHONE"
	PIICreditCard     PIIType = "CREDIT_CARD"
	PIIIPAddress      PIIType = "IP_ADDRESS"
	PIISSN            PIIType = "SSN"
	PIIPassport       PIIType = "PASSPORT"
	PIIRRN            PIIType = "KR_RRN"
	PIIDriverLicence  PIIType = "KR_DRIVER_LICENCE"
	PIIBankAccount    PIIType = "KR_BANK_ACCOUNT"
	PIIKoreanPassport PIIType = "KR_PASSPORT"
)

// PIIMatch is one accepted personal-data span. Spans within a single
// detection result never overlap; the earlier match wins.
type PIIMatch struct {
	Type       PIIType  `json:"type"`
	Value      string   `json:"value"`
	Span       [2]int   `json:"span"`
	Confidence float64  `json:"confidence"`
	Severity   Severity `json:"severity"`
	Validated  bool     `json:"validated"` // passed the per-type checksum/structural validator
}
