package guard

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tracevault/promptguard-engine/internal/alert"
	"github.com/tracevault/promptguard-engine/internal/cache"
	"github.com/tracevault/promptguard-engine/internal/compress"
	"github.com/tracevault/promptguard-engine/internal/detect"
	"github.com/tracevault/promptguard-engine/internal/db"
	"github.com/tracevault/promptguard-engine/internal/metrics"
	"github.com/tracevault/promptguard-engine/internal/pii"
	"github.com/tracevault/promptguard-engine/internal/policy"
	"github.com/tracevault/promptguard-engine/internal/provenance"
	"github.com/tracevault/promptguard-engine/internal/router"
	"github.com/tracevault/promptguard-engine/pkg/models"
)

// Runtime Guard
//
// Inline gate between callers and upstream LLM providers. Every request
// passes BeforeRequest; every completed upstream call passes AfterResponse;
// failures pass OnUpstreamFailure so reservations never leak.
//
// BeforeRequest order is fixed:
//   1. security scan (fusion + PII)
//   2. cache probe
//   3. routing and policy evaluation (reserves budget atomically)
//   4. prompt compression
//
// A provenance write failure aborts the request: an unrecorded decision
// must never reach upstream.

// ErrProvenance marks a failed audit-chain write. Transport maps it to 500.
var ErrProvenance = errors.New("provenance write failed")

// Request is one inbound completion attempt reduced to the fields the gate
// inspects. Handlers build it from either wire dialect.
type Request struct {
	RequestID    string
	AgentID      string
	SessionID    string
	Model        string
	SystemPrompt string
	UserMessage  string
	Temperature  *float64
	MaxTokens    int
	HasTools     bool
	NoCache      bool
}

// Result pairs the public decision with the settlement state that
// AfterResponse and OnUpstreamFailure need once upstream returns.
type Result struct {
	Decision    models.GuardDecision
	Selection   router.Selection
	Fingerprint string
	System      string // effective prompts after compression
	User        string

	verdict     models.ScanVerdict
	reservation *policy.Reservation
	request     Request
	started     time.Time
}

// Response is the settled outcome AfterResponse hands back to transport.
type Response struct {
	Text        string // completion text, sanitized when enabled
	Sanitized   bool
	PIIMatches  []models.PIIMatch
	LeakThreats []models.Threat
	LeakRisk    float64
	Safe        bool
	ActualCost  float64
}

// Observer taps scanned traffic without ever blocking the request path.
type Observer interface {
	Observe(text string) bool
}

// Deps wires the guard pipeline. Store, Alerts, Shadow, Compressor and
// Metrics may be nil; the guard degrades to the remaining stages.
type Deps struct {
	Fusion     *detect.Fusion
	PII        *pii.Scanner
	Cache      *cache.ResponseCache
	Router     *router.Router
	Compressor *compress.Compressor
	Policy     *policy.Engine
	Chain      *provenance.Chain
	Sessions   *SessionTracker
	Store      db.Store
	Alerts     *alert.Manager
	Shadow     Observer
	Metrics    *metrics.GatewayMetrics
}

// Config carries the guard's own knobs; detection and budget thresholds
// live with their components.
type Config struct {
	ProvenanceEnabled bool
	AutoSanitize      bool          // rewrite completions that carry PII
	CacheTTL          time.Duration // response cache entry lifetime
}

// Guard is the inline decision engine.
type Guard struct {
	deps Deps
	cfg  Config
	log  *logrus.Entry
}

func New(deps Deps, cfg Config) *Guard {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if deps.Sessions == nil {
		deps.Sessions = NewSessionTracker(0, nil)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Default
	}
	return &Guard{
		deps: deps,
		cfg:  cfg,
		log:  logrus.WithField("component", "guard"),
	}
}

// Sessions exposes the tracker for admin handlers.
func (g *Guard) Sessions() *SessionTracker { return g.deps.Sessions }

// BeforeRequest runs the full inbound gate. A nil error with
// Decision.Allowed == false is a verdict, not a failure; a non-nil error
// means the provenance chain could not be extended and the request must
// not proceed (any reservation has already been released).
func (g *Guard) BeforeRequest(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	res := &Result{request: req, started: start}

	// Closed sessions are terminal: refuse before scanning.
	if g.deps.Sessions.Status(req.SessionID) == models.SessionClosed {
		dec := g.baseDecision(req, models.ActionBlock, "session_closed")
		dec.Metadata["stage"] = "session"
		if err := g.appendProvenance(ctx, req.SessionID, models.ActivityDecision, "request_refused", map[string]string{
			"action": "block",
			"reason": "session_closed",
		}, req.RequestID); err != nil {
			return nil, err
		}
		g.deps.Metrics.RecordDenial("session_closed")
		return g.finish(res, dec, "request"), nil
	}

	// ─── 1. Security scan ─────────────────────────────────────────────
	verdict := g.deps.Fusion.Scan(ctx, req.UserMessage)
	res.verdict = verdict

	if g.deps.Shadow != nil {
		g.deps.Shadow.Observe(req.UserMessage)
	}
	g.deps.Sessions.NoteRisk(req.SessionID, verdict.RiskScore, !verdict.Safe)

	threats := append([]models.Threat(nil), verdict.Threats...)
	for _, t := range verdict.Threats {
		g.deps.Metrics.RecordThreat(t.Subtype, t.Type)
	}
	if g.deps.PII != nil {
		for _, m := range g.deps.PII.Detect(req.UserMessage) {
			threats = append(threats, piiThreat(m))
			g.deps.Metrics.RecordPII(string(m.Type), "request")
		}
	}

	if !verdict.Safe {
		dec := g.baseDecision(req, models.ActionBlock, "security")
		dec.SecurityRiskScore = verdict.RiskScore
		dec.SecurityThreats = threats
		dec.Metadata["stage"] = "security"
		dec.Metadata["risk_level"] = string(verdict.RiskLevel)
		if err := g.appendProvenance(ctx, req.SessionID, models.ActivityDecision, "request_blocked", map[string]string{
			"action":     "block",
			"reason":     "security",
			"risk_score": formatRisk(verdict.RiskScore),
			"threats":    strconv.Itoa(len(verdict.Threats)),
		}, req.RequestID); err != nil {
			return nil, err
		}
		if g.deps.Alerts != nil {
			g.deps.Alerts.EmitBlocked(dec)
		}
		g.deps.Metrics.RecordDenial("security")
		return g.finish(res, dec, "request"), nil
	}

	if ctx.Err() != nil {
		return g.abortTimeout(ctx, res, nil)
	}

	// ─── 2. Cache probe ───────────────────────────────────────────────
	res.Fingerprint = cache.Fingerprint(req.Model, req.Temperature, req.SystemPrompt, req.UserMessage)
	if !req.NoCache && g.deps.Cache != nil {
		if entry := g.deps.Cache.Get(ctx, res.Fingerprint); entry != nil {
			g.deps.Metrics.RecordCacheLookup(true)
			return g.serveCacheHit(ctx, res, req, verdict, threats, entry)
		}
		g.deps.Metrics.RecordCacheLookup(false)
	}
	if ctx.Err() != nil {
		return g.abortTimeout(ctx, res, nil)
	}

	// ─── 3. Route and policy ──────────────────────────────────────────
	pol := g.deps.Policy.Policy()
	sel := g.deps.Router.Route(req.UserMessage, req.Model, req.MaxTokens, req.HasTools, &pol)

	pd, reservation := g.deps.Policy.Evaluate(policy.EvalInput{
		AgentID:         req.AgentID,
		SessionID:       req.SessionID,
		Model:           sel.Model,
		Tier:            sel.Tier,
		RequestType:     sel.RequestType,
		EstimatedCost:   sel.EstimatedCost,
		EstimatedTokens: sel.EstimatedTokens,
	})
	if !pd.Allowed {
		dec := g.baseDecision(req, pd.Action, pd.Reason)
		dec.SelectedModel = sel.Model
		dec.SecurityRiskScore = verdict.RiskScore
		dec.SecurityThreats = threats
		dec.EstimatedCost = sel.EstimatedCost
		dec.EstimatedTokens = sel.EstimatedTokens
		dec.Metadata["stage"] = "policy"
		if err := g.appendProvenance(ctx, req.SessionID, models.ActivityDecision, "request_denied", map[string]string{
			"action": string(pd.Action),
			"reason": pd.Reason,
			"model":  sel.Model,
			"cost":   formatUSD(sel.EstimatedCost),
		}, req.RequestID); err != nil {
			return nil, err
		}
		g.deps.Metrics.RecordDenial("policy")
		return g.finish(res, dec, "request"), nil
	}

	// Policy may order a tier downgrade on an otherwise allowed request.
	if pd.Action == models.ActionDowngrade && pd.SuggestedTier != "" {
		g.applyTierDowngrade(&sel, pd.SuggestedTier, pd.Reason)
	}

	action := models.ActionAllow
	reason := sel.Reason
	if sel.Downgraded {
		action = models.ActionDowngrade
		g.deps.Metrics.RecordDowngrade(string(g.deps.Router.TierOf(req.Model)), string(sel.Tier))
	} else if pd.Action == models.ActionWarn {
		action = models.ActionWarn
		reason = pd.Reason
	}

	// ─── 4. Compression ───────────────────────────────────────────────
	system, user := req.SystemPrompt, req.UserMessage
	tokensSaved := 0
	if g.deps.Compressor != nil {
		if ns, nu, saved := g.deps.Compressor.Compress(system, user, pd.CompressPrompt); saved > 0 {
			system, user = ns, nu
			tokensSaved = saved
			if action != models.ActionDowngrade {
				action = models.ActionCompress
			}
			g.deps.Metrics.TokensSaved.Add(float64(saved))
		}
	}
	res.System, res.User = system, user

	estTokens := sel.EstimatedTokens
	estCost := sel.EstimatedCost
	if tokensSaved > 0 {
		completion := sel.EstimatedTokens - sel.PromptTokens
		prompt := compress.EstimateTokens(user)
		estTokens = prompt + completion
		estCost = g.deps.Router.EstimateCost(sel.Model, prompt, completion)
	}

	dec := g.baseDecision(req, action, reason)
	dec.Allowed = true
	dec.SelectedModel = sel.Model
	dec.SecurityRiskScore = verdict.RiskScore
	dec.SecurityThreats = threats
	dec.CompressedSystem = system
	dec.CompressedUser = user
	dec.EstimatedCost = estCost
	dec.EstimatedTokens = estTokens
	if tokensSaved > 0 {
		dec.Metadata["tokens_saved"] = strconv.Itoa(tokensSaved)
	}
	if pd.Action == models.ActionWarn && action != models.ActionWarn {
		dec.Metadata["policy_warning"] = pd.Reason
	}

	if err := g.appendProvenance(ctx, req.SessionID, models.ActivityDecision, "request_allowed", map[string]string{
		"action":     string(action),
		"model":      sel.Model,
		"provider":   sel.Provider,
		"cost":       formatUSD(estCost),
		"risk_score": formatRisk(verdict.RiskScore),
	}, req.RequestID); err != nil {
		g.deps.Policy.Ledger().Release(reservation)
		return nil, err
	}

	res.Selection = sel
	res.reservation = reservation
	return g.finish(res, dec, "request"), nil
}

// AfterResponse settles an allowed request once upstream returned: output
// scan, cache population, reservation commit, usage accounting and the
// llm_call provenance record. A non-nil error is a provenance write failure.
func (g *Guard) AfterResponse(ctx context.Context, res *Result, text string, promptTokens, completionTokens int, upstreamLatency time.Duration) (*Response, error) {
	req := res.request
	out := &Response{Text: text}

	// ─── 1. Output scan ───────────────────────────────────────────────
	var matches []models.PIIMatch
	if g.deps.PII != nil {
		matches = g.deps.PII.Detect(text)
	}
	leak := g.deps.Fusion.ScanResponse(text)

	out.PIIMatches = matches
	out.LeakThreats = leak.Threats
	out.LeakRisk = leak.RiskScore
	out.Safe = leak.Safe && len(matches) == 0

	for _, m := range matches {
		g.deps.Metrics.RecordPII(string(m.Type), "response")
	}
	for _, t := range leak.Threats {
		g.deps.Metrics.RecordThreat(t.Subtype, "response_scan")
	}
	if len(matches) > 0 && g.cfg.AutoSanitize {
		out.Text = pii.Sanitize(text, matches, pii.ModeLabel)
		out.Sanitized = true
	}

	// ─── 2. Cache population ──────────────────────────────────────────
	// Only completions safe to replay are stored: no leak signatures, and
	// no PII that would survive in the cached text.
	if g.deps.Cache != nil && !req.NoCache && res.Fingerprint != "" &&
		leak.Safe && (len(matches) == 0 || out.Sanitized) {
		g.deps.Cache.Put(ctx, &cache.Entry{
			Fingerprint:      res.Fingerprint,
			Model:            res.Selection.Model,
			Completion:       out.Text,
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
		}, g.cfg.CacheTTL)
	}

	// ─── 3. Commit the reservation at actual cost ─────────────────────
	actual := g.deps.Router.EstimateCost(res.Selection.Model, promptTokens, completionTokens)
	out.ActualCost = actual
	if res.reservation != nil {
		g.deps.Policy.Ledger().Commit(res.reservation, actual)
		res.reservation = nil
	}
	day, _, _ := g.deps.Policy.Ledger().Snapshot(req.SessionID)
	g.deps.Metrics.RecordCommit(actual, day.Spent)
	if g.deps.Alerts != nil {
		if due, _ := g.deps.Policy.BudgetAlertDue(); due {
			g.deps.Alerts.EmitBudgetThreshold(day.Spent, g.deps.Policy.Policy().DailyBudgetUSD)
		}
	}

	// ─── 4. Usage accounting ──────────────────────────────────────────
	cacheStatus := "miss"
	if req.NoCache {
		cacheStatus = "bypass"
	}
	g.saveUsage(ctx, models.UsageRecord{
		Timestamp:        time.Now().UTC(),
		AgentID:          req.AgentID,
		SessionID:        req.SessionID,
		Model:            res.Selection.Model,
		Tier:             res.Selection.Tier,
		RequestType:      res.Selection.RequestType,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUSD:          actual,
		CacheStatus:      cacheStatus,
		LatencyMS:        upstreamLatency.Milliseconds(),
		Compressed:       res.Decision.Metadata["tokens_saved"] != "",
	})

	// ─── 5. Provenance ────────────────────────────────────────────────
	attrs := map[string]string{
		"model":             res.Selection.Model,
		"provider":          res.Selection.Provider,
		"prompt_tokens":     strconv.Itoa(promptTokens),
		"completion_tokens": strconv.Itoa(completionTokens),
		"cost_usd":          formatUSD(actual),
		"leak_safe":         strconv.FormatBool(leak.Safe),
		"pii_matches":       strconv.Itoa(len(matches)),
	}
	if err := g.appendProvenance(ctx, req.SessionID, models.ActivityLLMCall, "chat_completion", attrs, req.RequestID); err != nil {
		return out, err
	}

	outcome := "pass"
	switch {
	case !leak.Safe:
		outcome = "leak"
	case out.Sanitized:
		outcome = "sanitize"
	}
	g.deps.Metrics.RecordDecision(outcome, "response", time.Since(res.started).Seconds())
	return out, nil
}

// OnUpstreamFailure releases the reservation and accounts the failed call.
// Budgets only ever charge for tokens that actually arrived.
func (g *Guard) OnUpstreamFailure(ctx context.Context, res *Result, upstreamErr error, latency time.Duration) error {
	req := res.request
	if res.reservation != nil {
		g.deps.Policy.Ledger().Release(res.reservation)
		res.reservation = nil
	}

	timedOut := errors.Is(upstreamErr, context.DeadlineExceeded) || ctx.Err() != nil
	g.log.WithError(upstreamErr).WithFields(logrus.Fields{
		"request": req.RequestID,
		"model":   res.Selection.Model,
		"timeout": timedOut,
	}).Warn("Upstream call failed after reservation")

	g.saveUsage(ctx, models.UsageRecord{
		Timestamp:   time.Now().UTC(),
		AgentID:     req.AgentID,
		SessionID:   req.SessionID,
		Model:       res.Selection.Model,
		Tier:        res.Selection.Tier,
		RequestType: res.Selection.RequestType,
		CacheStatus: "miss",
		LatencyMS:   latency.Milliseconds(),
		Failed:      true,
	})

	attrs := map[string]string{
		"action": "fail",
		"model":  res.Selection.Model,
		"error":  upstreamErr.Error(),
	}
	if timedOut {
		attrs["timeout"] = "true"
	}
	// The request context may already be dead; the audit write still happens.
	return g.appendProvenance(context.WithoutCancel(ctx), req.SessionID, models.ActivityDecision, "upstream_failed", attrs, req.RequestID)
}

// ScanInput serves the detection-only endpoint. Verdicts accrue session
// risk exactly like gated traffic, so probing a session flags it.
func (g *Guard) ScanInput(ctx context.Context, in models.ScanInputRequest) (models.ScanInputResponse, error) {
	verdict := g.deps.Fusion.Scan(ctx, in.Text)
	g.deps.Sessions.NoteRisk(in.SessionID, verdict.RiskScore, !verdict.Safe)
	if g.deps.Shadow != nil {
		g.deps.Shadow.Observe(in.Text)
	}
	for _, t := range verdict.Threats {
		g.deps.Metrics.RecordThreat(t.Subtype, t.Type)
	}

	if in.SessionID != "" {
		attrs := map[string]string{
			"safe":       strconv.FormatBool(verdict.Safe),
			"risk_score": formatRisk(verdict.RiskScore),
		}
		if err := g.appendProvenance(ctx, in.SessionID, models.ActivityUserInput, "scan_input", attrs, ""); err != nil {
			return models.ScanInputResponse{}, err
		}
	}

	return models.ScanInputResponse{
		Safe:         verdict.Safe,
		RiskScore:    verdict.RiskScore,
		RiskLevel:    verdict.RiskLevel,
		Threats:      verdict.Threats,
		IntentBypass: verdict.IntentBypass,
		LatencyMS:    verdict.LatencyMS,
	}, nil
}

// ScanOutput serves the response-side endpoint: PII plus leak signatures,
// with optional sanitization.
func (g *Guard) ScanOutput(in models.ScanOutputRequest) models.ScanOutputResponse {
	start := time.Now()

	var matches []models.PIIMatch
	if g.deps.PII != nil {
		matches = g.deps.PII.Detect(in.Text)
	}
	leak := g.deps.Fusion.ScanResponse(in.Text)

	resp := models.ScanOutputResponse{
		Safe:        leak.Safe && len(matches) == 0,
		PIIMatches:  matches,
		LeakThreats: leak.Threats,
		LatencyMS:   time.Since(start).Milliseconds(),
	}
	if in.AutoSanitize && len(matches) > 0 {
		resp.SanitizedText = pii.Sanitize(in.Text, matches, pii.ModeLabel)
	}
	for _, m := range matches {
		g.deps.Metrics.RecordPII(string(m.Type), "scan")
	}
	return resp
}

// ─────────────────────────── internals ───────────────────────────

// serveCacheHit builds the replay decision: zero upstream cost, tokens
// accounted as cached, no reservation.
func (g *Guard) serveCacheHit(ctx context.Context, res *Result, req Request, verdict models.ScanVerdict, threats []models.Threat, entry *cache.Entry) (*Result, error) {
	dec := g.baseDecision(req, models.ActionCacheHit, "cache_hit")
	dec.Allowed = true
	dec.SelectedModel = entry.Model
	dec.SecurityRiskScore = verdict.RiskScore
	dec.SecurityThreats = threats
	dec.CacheHit = true
	dec.CachedResponse = entry.Completion
	dec.EstimatedTokens = entry.PromptTokens + entry.CompletionTokens

	if err := g.appendProvenance(ctx, req.SessionID, models.ActivityDecision, "cache_hit", map[string]string{
		"action": "cache_hit",
		"model":  entry.Model,
	}, req.RequestID); err != nil {
		return nil, err
	}

	g.saveUsage(ctx, models.UsageRecord{
		Timestamp:        time.Now().UTC(),
		AgentID:          req.AgentID,
		SessionID:        req.SessionID,
		Model:            entry.Model,
		Tier:             g.deps.Router.TierOf(entry.Model),
		RequestType:      g.deps.Router.Classify(req.UserMessage, req.HasTools, req.MaxTokens),
		PromptTokens:     entry.PromptTokens,
		CompletionTokens: entry.CompletionTokens,
		CachedTokens:     entry.PromptTokens + entry.CompletionTokens,
		CostUSD:          0,
		CacheStatus:      "hit",
		LatencyMS:        time.Since(res.started).Milliseconds(),
	})

	return g.finish(res, dec, "request"), nil
}

// abortTimeout turns an expired gate deadline into a refusal. Nothing has
// been reserved unless a reservation is passed in, and the audit write uses
// a detached context so it survives the dead one.
func (g *Guard) abortTimeout(ctx context.Context, res *Result, reservation *policy.Reservation) (*Result, error) {
	req := res.request
	if reservation != nil {
		g.deps.Policy.Ledger().Release(reservation)
	}

	dec := g.baseDecision(req, models.ActionBlock, "timeout")
	dec.Metadata["stage"] = "timeout"
	if err := g.appendProvenance(context.WithoutCancel(ctx), req.SessionID, models.ActivityDecision, "request_timeout", map[string]string{
		"action":  "block",
		"reason":  "timeout",
		"timeout": "true",
	}, req.RequestID); err != nil {
		return nil, err
	}
	g.deps.Metrics.RecordDenial("timeout")
	return g.finish(res, dec, "request"), nil
}

func (g *Guard) baseDecision(req Request, action models.GuardAction, reason string) models.GuardDecision {
	return models.GuardDecision{
		RequestID:     req.RequestID,
		SessionID:     req.SessionID,
		Allowed:       false,
		Action:        action,
		OriginalModel: req.Model,
		SelectedModel: req.Model,
		Reason:        reason,
		Metadata:      map[string]string{},
	}
}

func (g *Guard) finish(res *Result, dec models.GuardDecision, direction string) *Result {
	res.Decision = dec
	g.deps.Metrics.RecordDecision(string(dec.Action), direction, time.Since(res.started).Seconds())
	g.log.WithFields(logrus.Fields{
		"request": dec.RequestID,
		"session": dec.SessionID,
		"action":  dec.Action,
		"model":   dec.SelectedModel,
		"risk":    dec.SecurityRiskScore,
	}).Debug("Gate decision")
	return res
}

// applyTierDowngrade re-prices the selection onto the cheapest model of the
// suggested tier, keeping the token estimate.
func (g *Guard) applyTierDowngrade(sel *router.Selection, tier models.ModelTier, reason string) {
	name := g.deps.Router.CheapestOfTier(tier)
	if name == "" || name == sel.Model {
		return
	}
	completion := sel.EstimatedTokens - sel.PromptTokens
	sel.Model = name
	sel.Provider = g.deps.Router.ProviderOf(name)
	sel.Tier = g.deps.Router.TierOf(name)
	sel.EstimatedCost = g.deps.Router.EstimateCost(name, sel.PromptTokens, completion)
	sel.Downgraded = true
	if reason != "" {
		sel.Reason = "policy_downgrade"
	}
}

// appendProvenance extends the session chain. Failures are wrapped in
// ErrProvenance so transport can map them; requests without a session are
// not chained.
func (g *Guard) appendProvenance(ctx context.Context, sessionID string, activity models.ActivityType, name string, attrs map[string]string, requestID string) error {
	if !g.cfg.ProvenanceEnabled || g.deps.Chain == nil || sessionID == "" {
		return nil
	}
	var generated []string
	if requestID != "" {
		generated = []string{requestID}
	}
	if _, err := g.deps.Chain.Append(ctx, sessionID, activity, name, attrs, nil, generated); err != nil {
		g.deps.Metrics.ProvenanceFailures.Inc()
		return fmt.Errorf("%w: %v", ErrProvenance, err)
	}
	g.deps.Metrics.ProvenanceAppends.Inc()
	return nil
}

func (g *Guard) saveUsage(ctx context.Context, rec models.UsageRecord) {
	if g.deps.Store == nil {
		return
	}
	if err := g.deps.Store.SaveUsage(ctx, rec); err != nil {
		g.log.WithError(err).Warn("Usage record write failed")
	}
}

func piiThreat(m models.PIIMatch) models.Threat {
	return models.Threat{
		Type:        "pii",
		Subtype:     string(m.Type),
		Span:        m.Span,
		Confidence:  m.Confidence,
		Severity:    m.Severity,
		Description: "personal data in prompt",
	}
}

func formatRisk(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }
func formatUSD(v float64) string  { return strconv.FormatFloat(v, 'f', 6, 64) }
