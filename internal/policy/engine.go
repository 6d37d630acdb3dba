package policy

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tracevault/promptguard-engine/pkg/models"
)

// EvalInput carries everything the engine needs to judge one request.
type EvalInput struct {
	AgentID         string
	SessionID       string
	Model           string
	Tier            models.ModelTier
	RequestType     models.RequestType
	EstimatedCost   float64
	EstimatedTokens int
}

// Engine applies the active CostPolicy to requests and keeps the budget
// ledger honest. Checks run in a fixed order: denylists, budgets,
// per-request caps, session limits, allow.
type Engine struct {
	mu     sync.RWMutex
	policy models.CostPolicy

	ledger  *Ledger
	actions map[string][]time.Time // session → action timestamps, last minute

	now func() time.Time
	log *logrus.Entry
}

func NewEngine(p models.CostPolicy, ledger *Ledger) *Engine {
	if ledger == nil {
		ledger = NewLedger()
	}
	return &Engine{
		policy:  p,
		ledger:  ledger,
		actions: make(map[string][]time.Time),
		now:     time.Now,
		log:     logrus.WithField("component", "policy"),
	}
}

// DefaultPolicy is the shipping configuration; main overrides its budget
// figures from the environment.
func DefaultPolicy() models.CostPolicy {
	return models.CostPolicy{
		DailyBudgetUSD:              50,
		MonthlyBudgetUSD:            1000,
		PerRequestLimitUSD:          1.0,
		AutoCompressThresholdTokens: 2000,
		AutoDowngradeThresholdUSD:   0.10,
		DefaultTier:                 models.TierStandard,
		AllowExpensiveTier:          true,
		AlertAtBudgetPercent:        80,
		OnPerRequestExceed:          models.ActionRequireApproval,
		MaxActionsPerMinute:         60,
	}
}

// Policy returns a copy of the active policy.
func (e *Engine) Policy() models.CostPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// SetPolicy swaps the active policy. Takes effect for the next evaluation.
func (e *Engine) SetPolicy(p models.CostPolicy) {
	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
	e.log.Info("[Policy] active policy replaced")
}

// Ledger exposes the budget ledger for commit/release after upstream calls.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// Evaluate runs the ordered checks. When the request may proceed, the
// estimated cost is already reserved; the caller must settle the returned
// reservation with Commit or Release.
func (e *Engine) Evaluate(in EvalInput) (models.PolicyDecision, *Reservation) {
	p := e.Policy()

	// (a) hard denies
	if contains(p.DeniedAgents, in.AgentID) {
		return deny(fmt.Sprintf("agent %q is denied by policy", in.AgentID)), nil
	}
	if contains(p.DeniedModels, in.Model) {
		return deny(fmt.Sprintf("model %q is denied by policy", in.Model)), nil
	}

	// (b) budget windows, counting committed plus in-flight reservations.
	// The authoritative check happens inside TryReserve below; this early
	// read only keeps budget blocks ahead of cap and session verdicts.
	day, month, _ := e.ledger.Snapshot(in.SessionID)
	if p.DailyBudgetUSD > 0 && day.Total()+in.EstimatedCost > p.DailyBudgetUSD {
		return deny(fmt.Sprintf("daily budget exhausted: %.2f of %.2f USD", day.Total(), p.DailyBudgetUSD)), nil
	}
	if p.MonthlyBudgetUSD > 0 && month.Total()+in.EstimatedCost > p.MonthlyBudgetUSD {
		return deny(fmt.Sprintf("monthly budget exhausted: %.2f of %.2f USD", month.Total(), p.MonthlyBudgetUSD)), nil
	}

	dec := models.PolicyDecision{
		Allowed:        true,
		Action:         models.ActionAllow,
		CompressPrompt: e.shouldCompress(p, in),
		UseCache:       true,
	}

	// (c) per-request cap
	if p.PerRequestLimitUSD > 0 && in.EstimatedCost > p.PerRequestLimitUSD {
		reason := fmt.Sprintf("estimated cost %.4f exceeds per-request limit %.2f", in.EstimatedCost, p.PerRequestLimitUSD)
		if p.OnPerRequestExceed != models.ActionDowngrade {
			return models.PolicyDecision{
				Allowed: false,
				Action:  models.ActionRequireApproval,
				Reason:  reason,
			}, nil
		}
		dec.Action = models.ActionDowngrade
		dec.SuggestedTier = models.TierCheap
		dec.Reason = reason
	}

	// expensive-tier permission
	if dec.Action == models.ActionAllow && !p.AllowExpensiveTier && in.Tier == models.TierPremium {
		dec.Action = models.ActionDowngrade
		dec.SuggestedTier = models.TierStandard
		dec.Reason = "premium tier disabled by policy"
	}

	// (d) session limits
	if p.MaxActionsPerMinute > 0 && in.SessionID != "" {
		n := e.noteAction(in.SessionID)
		switch {
		case n > p.MaxActionsPerMinute:
			return deny(fmt.Sprintf("session exceeded %d actions per minute", p.MaxActionsPerMinute)), nil
		case float64(n) >= 0.8*float64(p.MaxActionsPerMinute) && dec.Action == models.ActionAllow:
			dec.Action = models.ActionWarn
			dec.Reason = fmt.Sprintf("session nearing action limit: %d of %d per minute", n, p.MaxActionsPerMinute)
		}
	}

	// (e) reserve and allow. A concurrent request may have consumed the
	// remaining headroom since the precheck; that surfaces here as a block.
	res, err := e.ledger.TryReserve(in.SessionID, in.EstimatedCost, p.DailyBudgetUSD, p.MonthlyBudgetUSD)
	if err != nil {
		return deny(err.Error()), nil
	}
	return dec, res
}

// BudgetAlertDue reports whether day spend has crossed the alert percent.
func (e *Engine) BudgetAlertDue() (bool, float64) {
	p := e.Policy()
	if p.DailyBudgetUSD <= 0 || p.AlertAtBudgetPercent <= 0 {
		return false, 0
	}
	day, _, _ := e.ledger.Snapshot("")
	pct := 100 * day.Spent / p.DailyBudgetUSD
	return pct >= p.AlertAtBudgetPercent, pct
}

func (e *Engine) shouldCompress(p models.CostPolicy, in EvalInput) bool {
	return p.AutoCompressThresholdTokens > 0 && in.EstimatedTokens > p.AutoCompressThresholdTokens
}

// noteAction records one action for the session and returns how many
// landed inside the rolling minute.
func (e *Engine) noteAction(sessionID string) int {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.actions[sessionID][:0]
	for _, ts := range e.actions[sessionID] {
		if now.Sub(ts) < time.Minute {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	e.actions[sessionID] = kept
	return len(kept)
}

func deny(reason string) models.PolicyDecision {
	return models.PolicyDecision{
		Allowed: false,
		Action:  models.ActionBlock,
		Reason:  reason,
	}
}

func contains(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
