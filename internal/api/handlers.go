package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tracevault/promptguard-engine/internal/alert"
	"github.com/tracevault/promptguard-engine/internal/cache"
	"github.com/tracevault/promptguard-engine/internal/db"
	"github.com/tracevault/promptguard-engine/internal/detect"
	"github.com/tracevault/promptguard-engine/internal/guard"
	"github.com/tracevault/promptguard-engine/internal/knowledge"
	"github.com/tracevault/promptguard-engine/internal/metrics"
	"github.com/tracevault/promptguard-engine/internal/policy"
	"github.com/tracevault/promptguard-engine/internal/provenance"
	"github.com/tracevault/promptguard-engine/internal/shadow"
	"github.com/tracevault/promptguard-engine/internal/upstream"
	"github.com/tracevault/promptguard-engine/pkg/models"
)

// APIHandler owns the wired gateway components. Optional fields (Graph,
// Shadow, Chain) may be nil; their endpoints report the capability as
// disabled instead of failing.
type APIHandler struct {
	Guard    *guard.Guard
	Upstream *upstream.Client
	Store    db.Store
	Graph    knowledge.Graph
	Ingestor *knowledge.Ingestor
	Cache    *cache.ResponseCache
	Chain    *provenance.Chain
	Policy   *policy.Engine
	Alerts   *alert.Manager
	Shadow   *shadow.Evaluator
	Hub      *Hub
	Patterns *detect.PatternClassifier
	Metrics  *metrics.GatewayMetrics
}

func (h *APIHandler) metricsOrDefault() *metrics.GatewayMetrics {
	if h.Metrics != nil {
		return h.Metrics
	}
	return metrics.Default
}

// ─────────────────────────── completion routes ───────────────────────────

// handleChatCompletions serves the OpenAI-compatible surface.
// POST /v1/chat/completions
func (h *APIHandler) handleChatCompletions(c *gin.Context) {
	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		respondInvalid(c, errors.New("model and messages are required"))
		return
	}
	if req.LastUserMessage() == "" {
		respondInvalid(c, errors.New("at least one user message is required"))
		return
	}

	resp, ok := h.completeChat(c, req)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, resp)
}

// messagesRequest is the Anthropic-dialect body for POST /v1/messages.
// Content may be a plain string or an array of typed blocks.
type messagesRequest struct {
	Model       string          `json:"model" binding:"required"`
	System      json.RawMessage `json:"system,omitempty"`
	Messages    []messagesTurn  `json:"messages" binding:"required"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature,omitempty"`
	AgentID     string          `json:"agent_id,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
}

type messagesTurn struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// handleMessages adapts the messages dialect onto the same guard path and
// shapes the reply back, so Anthropic-native agents need no client changes.
// POST /v1/messages
func (h *APIHandler) handleMessages(c *gin.Context) {
	var req messagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}

	chat := models.ChatRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		AgentID:     req.AgentID,
		SessionID:   req.SessionID,
	}
	if sys := textContent(req.System); sys != "" {
		chat.Messages = append(chat.Messages, models.ChatMessage{Role: "system", Content: sys})
	}
	for _, turn := range req.Messages {
		chat.Messages = append(chat.Messages, models.ChatMessage{Role: turn.Role, Content: textContent(turn.Content)})
	}
	if chat.LastUserMessage() == "" {
		respondInvalid(c, errors.New("at least one user message is required"))
		return
	}

	resp, ok := h.completeChat(c, chat)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, messagesShape(resp))
}

// completeChat runs one request through the guard, the provider and the
// settlement path. When it returns ok=false the error response has already
// been written.
func (h *APIHandler) completeChat(c *gin.Context, req models.ChatRequest) (*models.ChatResponse, bool) {
	agentID := req.AgentID
	if agentID == "" {
		agentID = c.GetString("principal")
	}
	greq := guard.Request{
		RequestID:    uuid.NewString(),
		AgentID:      agentID,
		SessionID:    req.SessionID,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt(),
		UserMessage:  req.LastUserMessage(),
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		HasTools:     len(req.Tools) > 0,
		NoCache:      c.GetHeader("X-Gateway-No-Cache") == "true",
	}

	res, err := h.Guard.BeforeRequest(c.Request.Context(), greq)
	if err != nil {
		if errors.Is(err, guard.ErrProvenance) {
			respondAudit(c, err)
		} else {
			respondInternal(c, err)
		}
		return nil, false
	}

	dec := res.Decision
	c.Header("X-Gateway-Request-Id", dec.RequestID)
	if !dec.Allowed {
		respondDenied(c, dec)
		return nil, false
	}

	if dec.Action == models.ActionCacheHit {
		c.Header("X-Gateway-Cache", "hit")
		c.Header("X-Gateway-Model", dec.SelectedModel)
		resp := cachedChatResponse(dec)
		return &resp, true
	}

	start := time.Now()
	resp, err := h.Upstream.ChatCompletion(c.Request.Context(), res.Selection.Provider, applyPrompts(req, res.System, res.User), dec.SelectedModel)
	latency := time.Since(start)
	h.metricsOrDefault().RecordUpstream(res.Selection.Provider, err, latency.Seconds())
	if err != nil {
		if ferr := h.Guard.OnUpstreamFailure(c.Request.Context(), res, err, latency); ferr != nil {
			respondAudit(c, ferr)
			return nil, false
		}
		respondUpstream(c, err)
		return nil, false
	}

	out, err := h.Guard.AfterResponse(c.Request.Context(), res, resp.FirstContent(),
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens, latency)
	if err != nil {
		respondAudit(c, err)
		return nil, false
	}

	if out.Sanitized && len(resp.Choices) > 0 {
		resp.Choices[0].Message.Content = out.Text
		c.Header("X-Gateway-Sanitized", "true")
	}
	if !out.Safe {
		// Delivered but flagged; SOC sees the decision record and alert.
		c.Header("X-Gateway-Output-Flagged", "true")
	}
	c.Header("X-Gateway-Cache", "miss")
	c.Header("X-Gateway-Model", dec.SelectedModel)
	c.Header("X-Gateway-Action", string(dec.Action))
	return resp, true
}

// ───────────────────────────── scan routes ────────────────────────────

// handleScanInput serves detection without forwarding.
// POST /scan/input
func (h *APIHandler) handleScanInput(c *gin.Context) {
	var req models.ScanInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	resp, err := h.Guard.ScanInput(c.Request.Context(), req)
	if err != nil {
		respondAudit(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleScanOutput serves PII and leak scanning for completion text.
// POST /scan/output
func (h *APIHandler) handleScanOutput(c *gin.Context) {
	var req models.ScanOutputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	c.JSON(http.StatusOK, h.Guard.ScanOutput(req))
}

// ───────────────────────────── health ─────────────────────────────────

// handleHealth reports capabilities for service discovery.
// GET /health
func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "operational",
		"engine":     "promptguard-engine",
		"signatures": h.Patterns.CatalogueSize(),
		"vocabulary": detect.VocabularySize(),
		"capabilities": gin.H{
			"knowledge_graph": h.Graph != nil,
			"shadow_eval":     h.Shadow != nil,
			"provenance":      h.Chain != nil,
			"alerts":          h.Alerts != nil,
		},
	})
}

// ───────────────────────────── admin routes ───────────────────────────

// handleStats aggregates component counters for the dashboard.
// GET /admin/stats
func (h *APIHandler) handleStats(c *gin.Context) {
	pol := h.Policy.Policy()
	day, month, _ := h.Policy.Ledger().Snapshot("")
	hits, misses, entries := h.Cache.Stats()
	sessions := h.Guard.Sessions()

	stats := gin.H{
		"cache": gin.H{"hits": hits, "misses": misses, "entries": entries},
		"budget": gin.H{
			"daySpentUsd":      day.Spent,
			"dayReservedUsd":   day.Reserved,
			"monthSpentUsd":    month.Spent,
			"dailyBudgetUsd":   pol.DailyBudgetUSD,
			"monthlyBudgetUsd": pol.MonthlyBudgetUSD,
			"openReservations": h.Policy.Ledger().OpenReservations(),
		},
		"sessions": gin.H{
			"tracked": sessions.TrackedCount(),
			"flagged": sessions.Flagged(),
		},
		"signatures":       h.Patterns.Describe(),
		"websocketClients": h.Hub.ClientCount(),
	}
	if h.Ingestor != nil {
		stats["ingest"] = gin.H{
			"ingested":   h.Ingestor.Ingested(),
			"dropped":    h.Ingestor.Dropped(),
			"failed":     h.Ingestor.Failed(),
			"queueDepth": h.Ingestor.QueueDepth(),
		}
	}
	if h.Graph != nil {
		if gs, err := h.Graph.Stats(c.Request.Context()); err == nil {
			stats["graph"] = gs
		}
	}
	c.JSON(http.StatusOK, stats)
}

// handleUsage returns accounting totals plus the most recent rows.
// GET /admin/usage?limit=50&hours=24
func (h *APIHandler) handleUsage(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	hours, _ := strconv.Atoi(c.DefaultQuery("hours", "24"))
	if hours <= 0 {
		hours = 24
	}

	ctx := c.Request.Context()
	totals, err := h.Store.UsageTotals(ctx, time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		respondInternal(c, err)
		return
	}
	recent, err := h.Store.RecentUsage(ctx, limit)
	if err != nil {
		respondInternal(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"windowHours": hours,
		"totals":      totals,
		"recent":      recent,
	})
}

// handleAlerts returns recent alert history, newest first.
// GET /admin/alerts?limit=100&severity=high
func (h *APIHandler) handleAlerts(c *gin.Context) {
	if h.Alerts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "alerts_disabled"})
		return
	}
	if sev := c.Query("severity"); sev != "" {
		c.JSON(http.StatusOK, gin.H{"alerts": h.Alerts.AlertsBySeverity(models.Severity(sev))})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	c.JSON(http.StatusOK, gin.H{"alerts": h.Alerts.RecentAlerts(limit)})
}

// handleSessions lists tracked sessions needing attention.
// GET /admin/sessions
func (h *APIHandler) handleSessions(c *gin.Context) {
	sessions := h.Guard.Sessions()
	c.JSON(http.StatusOK, gin.H{
		"tracked": sessions.TrackedCount(),
		"flagged": sessions.Flagged(),
	})
}

// handleCloseSession moves a session to its terminal state.
// POST /admin/sessions/:id/close
func (h *APIHandler) handleCloseSession(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		respondInvalid(c, errors.New("session id is required"))
		return
	}
	h.Guard.Sessions().Close(id)
	c.JSON(http.StatusOK, gin.H{"sessionId": id, "status": models.SessionClosed})
}

// handleGetPolicy returns the active cost policy.
// GET /admin/policy
func (h *APIHandler) handleGetPolicy(c *gin.Context) {
	c.JSON(http.StatusOK, h.Policy.Policy())
}

// handleSetPolicy replaces the active cost policy.
// PUT /admin/policy
func (h *APIHandler) handleSetPolicy(c *gin.Context) {
	var p models.CostPolicy
	if err := c.ShouldBindJSON(&p); err != nil {
		respondInvalid(c, err)
		return
	}
	if p.DailyBudgetUSD < 0 || p.MonthlyBudgetUSD < 0 || p.PerRequestLimitUSD < 0 {
		respondInvalid(c, errors.New("budgets must be non-negative"))
		return
	}
	h.Policy.SetPolicy(p)
	c.JSON(http.StatusOK, h.Policy.Policy())
}

// handleProvenanceRecords returns a session's full audit chain.
// GET /admin/provenance/:session
func (h *APIHandler) handleProvenanceRecords(c *gin.Context) {
	records, err := h.Store.RecordsBySession(c.Request.Context(), c.Param("session"))
	if err != nil {
		respondInternal(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId": c.Param("session"),
		"length":    len(records),
		"records":   records,
	})
}

// handleProvenanceVerify walks the chain and reports the first break.
// POST /admin/provenance/:session/verify
func (h *APIHandler) handleProvenanceVerify(c *gin.Context) {
	if h.Chain == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "provenance_disabled"})
		return
	}
	verification, err := h.Chain.VerifySession(c.Request.Context(), c.Param("session"))
	if err != nil {
		respondInternal(c, err)
		return
	}
	c.JSON(http.StatusOK, verification)
}

// handleProvenanceExport returns the chain with a signed digest for
// offline archival.
// GET /admin/provenance/:session/export
func (h *APIHandler) handleProvenanceExport(c *gin.Context) {
	if h.Chain == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "provenance_disabled"})
		return
	}
	digest, err := h.Chain.Export(c.Request.Context(), c.Param("session"))
	if err != nil {
		respondInternal(c, err)
		return
	}
	c.JSON(http.StatusOK, digest)
}

// handleShadowReport summarizes candidate-catalogue evaluation.
// GET /admin/shadow
func (h *APIHandler) handleShadowReport(c *gin.Context) {
	if h.Shadow == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shadow_disabled"})
		return
	}
	divergences, err := h.Store.RecentDivergences(c.Request.Context(), 20)
	if err != nil {
		respondInternal(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"report":            h.Shadow.Report(),
		"recentDivergences": divergences,
	})
}

// ───────────────────────────── helpers ────────────────────────────────

// applyPrompts rewrites the system message and the last user turn with the
// guard's effective prompts. Other turns pass through untouched.
func applyPrompts(req models.ChatRequest, system, user string) models.ChatRequest {
	out := req
	out.Messages = make([]models.ChatMessage, len(req.Messages))
	copy(out.Messages, req.Messages)

	lastUser := -1
	for i := range out.Messages {
		if out.Messages[i].Role == "system" && system != "" {
			out.Messages[i].Content = system
			system = "" // only the first system turn is replaced
		}
		if out.Messages[i].Role == "user" {
			lastUser = i
		}
	}
	if lastUser >= 0 && user != "" {
		out.Messages[lastUser].Content = user
	}
	return out
}

// cachedChatResponse synthesizes a completion body from a cache-hit
// decision. Usage is zero: nothing was spent upstream.
func cachedChatResponse(dec models.GuardDecision) models.ChatResponse {
	return models.ChatResponse{
		ID:      "chatcmpl-" + dec.RequestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   dec.SelectedModel,
		Choices: []models.ChatChoice{{
			Index:        0,
			Message:      models.ChatMessage{Role: "assistant", Content: dec.CachedResponse},
			FinishReason: "stop",
		}},
	}
}

// messagesShape translates an OpenAI-shaped response into the messages
// dialect.
func messagesShape(resp *models.ChatResponse) gin.H {
	content := resp.FirstContent()
	stopReason := "end_turn"
	if len(resp.Choices) > 0 && resp.Choices[0].FinishReason == "length" {
		stopReason = "max_tokens"
	}
	return gin.H{
		"id":          "msg_" + resp.ID,
		"type":        "message",
		"role":        "assistant",
		"model":       resp.Model,
		"content":     []gin.H{{"type": "text", "text": content}},
		"stop_reason": stopReason,
		"usage": gin.H{
			"input_tokens":  resp.Usage.PromptTokens,
			"output_tokens": resp.Usage.CompletionTokens,
		},
	}
}

// textContent extracts plain text from a messages-dialect content value,
// which is either a JSON string or an array of typed blocks.
func textContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}
