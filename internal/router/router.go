package router

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tracevault/promptguard-engine/pkg/models"
)

// ModelSpec describes one routable model with per-1k-token pricing.
type ModelSpec struct {
	Name        string
	Provider    string
	Tier        models.ModelTier
	InputPer1K  float64
	OutputPer1K float64
}

// DefaultCatalogue lists the models the gateway knows how to price and route.
// Prices are USD per 1k tokens.
func DefaultCatalogue() []ModelSpec {
	return []ModelSpec{
		{Name: "gpt-4o-mini", Provider: "openai", Tier: models.TierCheap, InputPer1K: 0.00015, OutputPer1K: 0.0006},
		{Name: "gpt-4.1-mini", Provider: "openai", Tier: models.TierCheap, InputPer1K: 0.0004, OutputPer1K: 0.0016},
		{Name: "claude-3-5-haiku", Provider: "anthropic", Tier: models.TierCheap, InputPer1K: 0.0008, OutputPer1K: 0.004},
		{Name: "gpt-4o", Provider: "openai", Tier: models.TierStandard, InputPer1K: 0.0025, OutputPer1K: 0.01},
		{Name: "gpt-4.1", Provider: "openai", Tier: models.TierStandard, InputPer1K: 0.002, OutputPer1K: 0.008},
		{Name: "claude-sonnet-4", Provider: "anthropic", Tier: models.TierStandard, InputPer1K: 0.003, OutputPer1K: 0.015},
		{Name: "o1", Provider: "openai", Tier: models.TierPremium, InputPer1K: 0.015, OutputPer1K: 0.06},
		{Name: "claude-opus-4", Provider: "anthropic", Tier: models.TierPremium, InputPer1K: 0.015, OutputPer1K: 0.075},
	}
}

// Selection is the routing outcome for one request.
type Selection struct {
	Model           string
	Provider        string
	Tier            models.ModelTier
	RequestType     models.RequestType
	PromptTokens    int
	EstimatedTokens int
	EstimatedCost   float64
	Downgraded      bool
	Reason          string
}

// Router classifies request complexity and picks the model to serve it.
// It tracks recent provider picks so price ties keep requests on the
// provider already warm in the rolling hour.
type Router struct {
	mu      sync.Mutex
	specs   map[string]ModelSpec
	ordered []ModelSpec
	recent  map[string][]time.Time

	downgradeThreshold float64

	log *logrus.Entry
}

const localityWindow = time.Hour

func New(catalogue []ModelSpec, downgradeThresholdUSD float64) *Router {
	if len(catalogue) == 0 {
		catalogue = DefaultCatalogue()
	}
	specs := make(map[string]ModelSpec, len(catalogue))
	for _, s := range catalogue {
		specs[s.Name] = s
	}
	return &Router{
		specs:              specs,
		ordered:            catalogue,
		recent:             make(map[string][]time.Time),
		downgradeThreshold: downgradeThresholdUSD,
		log:                logrus.WithField("component", "router"),
	}
}

// ─────────────────────────── complexity ───────────────────────────

var analysisKeywords = []string{
	"analyze", "analyse", "architecture", "refactor", "algorithm",
	"optimize", "optimise", "implement", "debug", "design",
	"step by step", "trade-off", "tradeoff", "prove",
	"분석", "설계", "구현", "알고리즘",
}

// Classify buckets a request into simple, moderate, or complex from its
// length, keyword density, and explicit signals such as tool use.
func (r *Router) Classify(text string, hasTools bool, maxTokens int) models.RequestType {
	lower := strings.ToLower(text)

	score := 0
	if len(text) > 400 {
		score++
	}
	if len(text) > 1600 {
		score++
	}
	if strings.Count(text, "```") >= 2 {
		score++
	}
	if bulletLines(text) >= 4 {
		score++
	}
	if keywordHits(lower) >= 2 {
		score++
	}
	if hasTools {
		score++
	}
	if maxTokens > 2000 {
		score++
	}

	switch {
	case score >= 3:
		return models.RequestComplex
	case score >= 1:
		return models.RequestModerate
	default:
		return models.RequestSimple
	}
}

func bulletLines(text string) int {
	n := 0
	for _, line := range strings.Split(text, "\n") {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "- ") || strings.HasPrefix(t, "* ") || strings.HasPrefix(t, "• ") {
			n++
		}
	}
	return n
}

func keywordHits(lower string) int {
	n := 0
	for _, kw := range analysisKeywords {
		if strings.Contains(lower, kw) {
			n++
		}
	}
	return n
}

func neededTier(rt models.RequestType) models.ModelTier {
	switch rt {
	case models.RequestComplex:
		return models.TierPremium
	case models.RequestModerate:
		return models.TierStandard
	default:
		return models.TierCheap
	}
}

// ─────────────────────────── selection ───────────────────────────

// Route picks the serving model for a request. The declared model survives
// unless the policy forces the cheap tier for this request type, or the
// request is simple and its estimated cost crosses the downgrade threshold.
func (r *Router) Route(text, declaredModel string, maxTokens int, hasTools bool, policy *models.CostPolicy) Selection {
	reqType := r.Classify(text, hasTools, maxTokens)
	promptTokens := estimateTokens(text)
	completionTokens := completionEstimate(reqType, maxTokens)

	sel := Selection{
		Model:           declaredModel,
		Provider:        r.ProviderOf(declaredModel),
		Tier:            r.TierOf(declaredModel),
		RequestType:     reqType,
		PromptTokens:    promptTokens,
		EstimatedTokens: promptTokens + completionTokens,
		Reason:          "declared",
	}
	sel.EstimatedCost = r.EstimateCost(declaredModel, promptTokens, completionTokens)

	threshold := r.downgradeThreshold
	if policy != nil && policy.AutoDowngradeThresholdUSD > 0 {
		threshold = policy.AutoDowngradeThresholdUSD
	}

	switch {
	case policy != nil && forcesCheap(policy, reqType) && models.TierRank(sel.Tier) > models.TierRank(models.TierCheap):
		pick := r.cheapestAtLeast(models.TierCheap, promptTokens, completionTokens)
		r.applyPick(&sel, pick, promptTokens, completionTokens, "force_cheap")

	case reqType == models.RequestSimple && sel.EstimatedCost > threshold:
		pick := r.cheapestAtLeast(neededTier(reqType), promptTokens, completionTokens)
		if pick.Name != "" && pick.Name != declaredModel {
			r.applyPick(&sel, pick, promptTokens, completionTokens, "auto_downgrade")
		}
	}

	r.noteSelection(sel.Provider)
	return sel
}

func (r *Router) applyPick(sel *Selection, pick ModelSpec, promptTokens, completionTokens int, reason string) {
	if pick.Name == "" {
		return
	}
	sel.Model = pick.Name
	sel.Provider = pick.Provider
	sel.Tier = pick.Tier
	sel.EstimatedCost = costOf(pick, promptTokens, completionTokens)
	sel.Downgraded = true
	sel.Reason = reason
	r.log.WithFields(logrus.Fields{
		"model":  pick.Name,
		"reason": reason,
	}).Debug("[Router] rerouted request")
}

func forcesCheap(policy *models.CostPolicy, rt models.RequestType) bool {
	for _, t := range policy.ForceCheapForTypes {
		if t == rt {
			return true
		}
	}
	return false
}

// CheapestOfTier returns the name of the cheapest model at or above minTier
// for a nominal workload. Used to resolve policy downgrade suggestions.
func (r *Router) CheapestOfTier(minTier models.ModelTier) string {
	return r.cheapestAtLeast(minTier, 1000, 500).Name
}

func (r *Router) cheapestAtLeast(minTier models.ModelTier, promptTokens, completionTokens int) ModelSpec {
	const eps = 1e-12
	bestCost := math.MaxFloat64
	var ties []ModelSpec
	for _, spec := range r.ordered {
		if models.TierRank(spec.Tier) < models.TierRank(minTier) {
			continue
		}
		cost := costOf(spec, promptTokens, completionTokens)
		switch {
		case cost < bestCost-eps:
			bestCost = cost
			ties = ties[:0]
			ties = append(ties, spec)
		case math.Abs(cost-bestCost) <= eps:
			ties = append(ties, spec)
		}
	}
	if len(ties) == 0 {
		return ModelSpec{}
	}
	if len(ties) == 1 {
		return ties[0]
	}
	return r.breakTie(ties)
}

// breakTie prefers the provider used most in the rolling hour, then the
// alphabetically first model name.
func (r *Router) breakTie(candidates []ModelSpec) ModelSpec {
	counts := r.recentCounts()
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := counts[candidates[i].Provider], counts[candidates[j].Provider]
		if ci != cj {
			return ci > cj
		}
		return candidates[i].Name < candidates[j].Name
	})
	return candidates[0]
}

// ─────────────────────────── pricing ───────────────────────────

// unknownSpec prices models missing from the catalogue as mid-range so cost
// guards still bite.
var unknownSpec = ModelSpec{Provider: "openai", Tier: models.TierStandard, InputPer1K: 0.0025, OutputPer1K: 0.01}

// EstimateCost prices a request in USD for the given token split.
func (r *Router) EstimateCost(model string, promptTokens, completionTokens int) float64 {
	spec, ok := r.specs[model]
	if !ok {
		spec = unknownSpec
	}
	return costOf(spec, promptTokens, completionTokens)
}

// TierOf resolves a model's tier, defaulting unknown models to standard.
func (r *Router) TierOf(model string) models.ModelTier {
	if spec, ok := r.specs[model]; ok {
		return spec.Tier
	}
	return models.TierStandard
}

// ProviderOf resolves a model's provider, defaulting to the
// OpenAI-compatible endpoint.
func (r *Router) ProviderOf(model string) string {
	if spec, ok := r.specs[model]; ok {
		return spec.Provider
	}
	return "openai"
}

func costOf(spec ModelSpec, promptTokens, completionTokens int) float64 {
	return spec.InputPer1K*float64(promptTokens)/1000 + spec.OutputPer1K*float64(completionTokens)/1000
}

// estimateTokens mirrors the compressor's heuristic of four bytes per token.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}

func completionEstimate(rt models.RequestType, maxTokens int) int {
	if maxTokens > 0 {
		return maxTokens
	}
	switch rt {
	case models.RequestComplex:
		return 1024
	case models.RequestModerate:
		return 512
	default:
		return 256
	}
}

// ─────────────────────────── locality ───────────────────────────

func (r *Router) noteSelection(provider string) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.recent[provider][:0]
	for _, ts := range r.recent[provider] {
		if now.Sub(ts) < localityWindow {
			kept = append(kept, ts)
		}
	}
	r.recent[provider] = append(kept, now)
}

func (r *Router) recentCounts() map[string]int {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[string]int, len(r.recent))
	for provider, stamps := range r.recent {
		n := 0
		for _, ts := range stamps {
			if now.Sub(ts) < localityWindow {
				n++
			}
		}
		counts[provider] = n
	}
	return counts
}
