package models

import "time"

// GuardAction is the final disposition the Runtime Guard applies to a request.
type GuardAction string

const (
	ActionAllow           GuardAction = "allow"
	ActionBlock           GuardAction = "block"
	ActionWarn            GuardAction = "warn"
	ActionDowngrade       GuardAction = "downgrade"
	ActionCompress        GuardAction = "compress"
	ActionCacheHit        GuardAction = "cache_hit"
	ActionRequireApproval GuardAction = "require_approval"
)

// RequestType buckets prompt complexity for routing decisions.
type RequestType string

const (
	RequestSimple   RequestType = "simple"
	RequestModerate RequestType = "moderate"
	RequestComplex  RequestType = "complex"
)

// ModelTier orders models by cost class.
type ModelTier string

const (
	TierCheap    ModelTier = "cheap"
	TierStandard ModelTier = "standard"
	TierPremium  ModelTier = "premium"
)

// TierRank maps a tier to its ordinal (cheap=0).
func TierRank(t ModelTier) int {
	switch t {
	case TierPremium:
		return 2
	case TierStandard:
		return 1
	default:
		return 0
	}
}

// GuardDecision summarizes what the gate decided for one request.
type GuardDecision struct {
	RequestID         string            `json:"requestId"`
	SessionID         string            `json:"sessionId,omitempty"`
	Allowed           bool              `json:"allowed"`
	Action            GuardAction       `json:"action"`
	OriginalModel     string            `json:"originalModel"`
	SelectedModel     string            `json:"selectedModel"`
	SecurityRiskScore float64           `json:"securityRiskScore"`
	SecurityThreats   []Threat          `json:"securityThreats,omitempty"`
	CacheHit          bool              `json:"cacheHit"`
	CachedResponse    string            `json:"cachedResponse,omitempty"`
	CompressedSystem  string            `json:"-"` // rewritten prompts travel internally only
	CompressedUser    string            `json:"-"`
	EstimatedCost     float64           `json:"estimatedCost"`
	EstimatedTokens   int               `json:"estimatedTokens"`
	Reason            string            `json:"reason,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// UsageRecord is one append-only accounting row per completed request.
type UsageRecord struct {
	Timestamp        time.Time   `json:"timestamp"`
	AgentID          string      `json:"agentId"`
	SessionID        string      `json:"sessionId"`
	Model            string      `json:"model"`
	Tier             ModelTier   `json:"tier"`
	RequestType      RequestType `json:"requestType"`
	PromptTokens     int         `json:"promptTokens"`
	CompletionTokens int         `json:"completionTokens"`
	CachedTokens     int         `json:"cachedTokens"` // tokens served from cache instead of upstream
	CostUSD          float64     `json:"costUsd"`
	CacheStatus      string      `json:"cacheStatus"` // "hit"/"miss"/"bypass"
	LatencyMS        int64       `json:"latencyMs"`
	Compressed       bool        `json:"compressed"`
	Failed           bool        `json:"failed,omitempty"` // upstream call failed after reservation
}

// CostPolicy is the active budget and permission configuration.
type CostPolicy struct {
	DailyBudgetUSD              float64       `json:"dailyBudgetUsd"`
	MonthlyBudgetUSD            float64       `json:"monthlyBudgetUsd"`
	PerRequestLimitUSD          float64       `json:"perRequestLimitUsd"`
	AutoCompressThresholdTokens int           `json:"autoCompressThresholdTokens"`
	AutoDowngradeThresholdUSD   float64       `json:"autoDowngradeThresholdUsd"`
	DefaultTier                 ModelTier     `json:"defaultTier"`
	AllowExpensiveTier          bool          `json:"allowExpensiveTier"`
	ForceCheapForTypes          []RequestType `json:"forceCheapForTypes,omitempty"`
	AlertAtBudgetPercent        float64       `json:"alertAtBudgetPercent"`
	OnPerRequestExceed          GuardAction   `json:"onPerRequestExceed"` // require_approval or downgrade
	MaxActionsPerMinute         int           `json:"maxActionsPerMinute"`
	DeniedAgents                []string      `json:"deniedAgents,omitempty"`
	DeniedModels                []string      `json:"deniedModels,omitempty"`
}

// PolicyDecision is the Policy Engine's verdict before the upstream call.
type PolicyDecision struct {
	Allowed        bool        `json:"allowed"`
	Action         GuardAction `json:"action"`
	SuggestedModel string      `json:"suggestedModel,omitempty"`
	SuggestedTier  ModelTier   `json:"suggestedTier,omitempty"`
	CompressPrompt bool        `json:"compressPrompt"`
	UseCache       bool        `json:"useCache"`
	Reason         string      `json:"reason,omitempty"`
}

// SessionStatus state machine: active → flagged → closed. Closed is terminal.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionFlagged SessionStatus = "flagged"
	SessionClosed  SessionStatus = "closed"
)
