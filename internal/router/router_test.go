package router

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tracevault/promptguard-engine/pkg/models"
)

func TestClassifyBuckets(t *testing.T) {
	r := New(nil, 0.10)

	assert.Equal(t, models.RequestSimple, r.Classify("What is 2+2?", false, 0))

	moderate := strings.Repeat("please summarize this paragraph ", 20)
	assert.Equal(t, models.RequestModerate, r.Classify(moderate, false, 0))

	complexText := "Analyze the architecture below and refactor it.\n" +
		"```go\nfunc main() {}\n```\n" +
		"- constraint one\n- constraint two\n- constraint three\n- constraint four\n" +
		strings.Repeat("additional context ", 30)
	assert.Equal(t, models.RequestComplex, r.Classify(complexText, false, 0))
}

func TestRouteSimpleExpensiveDowngrades(t *testing.T) {
	r := New(nil, 0.10)
	policy := &models.CostPolicy{AutoDowngradeThresholdUSD: 0.10}

	// max_tokens makes the estimate cross the threshold on a premium model.
	declared := "claude-opus-4"
	declaredCost := r.EstimateCost(declared, estimateTokens("What is the capital of France?"), 2000)
	require.Greater(t, declaredCost, 0.10)

	sel := r.Route("What is the capital of France?", declared, 2000, false, policy)

	assert.Equal(t, models.RequestSimple, sel.RequestType)
	assert.True(t, sel.Downgraded)
	assert.Equal(t, "auto_downgrade", sel.Reason)
	assert.Equal(t, "gpt-4o-mini", sel.Model)
	assert.Less(t, sel.EstimatedCost, declaredCost, "a downgrade must never cost more than the declared model")
}

func TestRouteCheapDeclaredStaysUnderThreshold(t *testing.T) {
	r := New(nil, 0.10)

	sel := r.Route("What is the capital of France?", "gpt-4o-mini", 0, false, &models.CostPolicy{AutoDowngradeThresholdUSD: 0.10})

	assert.False(t, sel.Downgraded)
	assert.Equal(t, "gpt-4o-mini", sel.Model)
	assert.Equal(t, "declared", sel.Reason)
}

func TestRouteComplexKeepsDeclaredModel(t *testing.T) {
	r := New(nil, 0.10)

	text := "Analyze the architecture below and refactor it.\n" +
		"```go\nfunc main() {}\n```\n" +
		"- one\n- two\n- three\n- four\n" +
		strings.Repeat("design context ", 40)
	sel := r.Route(text, "claude-opus-4", 4000, false, &models.CostPolicy{AutoDowngradeThresholdUSD: 0.10})

	assert.Equal(t, models.RequestComplex, sel.RequestType)
	assert.False(t, sel.Downgraded)
	assert.Equal(t, "claude-opus-4", sel.Model)
}

func TestRouteForceCheap(t *testing.T) {
	r := New(nil, 0.10)
	policy := &models.CostPolicy{
		ForceCheapForTypes: []models.RequestType{models.RequestSimple},
	}

	sel := r.Route("short question", "gpt-4o", 0, false, policy)

	assert.True(t, sel.Downgraded)
	assert.Equal(t, "force_cheap", sel.Reason)
	assert.Equal(t, models.TierCheap, sel.Tier)

	// Already-cheap declarations are left alone.
	sel = r.Route("short question", "gpt-4o-mini", 0, false, policy)
	assert.False(t, sel.Downgraded)
	assert.Equal(t, "gpt-4o-mini", sel.Model)
}

func TestTieBreaksTowardRecentProviderThenAlphabetical(t *testing.T) {
	catalogue := []ModelSpec{
		{Name: "alpha-1", Provider: "providerA", Tier: models.TierCheap, InputPer1K: 0.001, OutputPer1K: 0.002},
		{Name: "beta-1", Provider: "providerB", Tier: models.TierCheap, InputPer1K: 0.001, OutputPer1K: 0.002},
	}

	// Cold router: no locality signal, alphabetical order decides.
	r := New(catalogue, 0.10)
	assert.Equal(t, "alpha-1", r.CheapestOfTier(models.TierCheap))

	// Routing on providerB warms it up and flips the tie.
	r.Route("hi", "beta-1", 0, false, nil)
	assert.Equal(t, "beta-1", r.CheapestOfTier(models.TierCheap))
}

func TestEstimateCostUnknownModel(t *testing.T) {
	r := New(nil, 0.10)

	assert.InDelta(t, 0.0125, r.EstimateCost("gpt-4o", 1000, 1000), 1e-9)
	assert.InDelta(t, 0.0125, r.EstimateCost("some-unlisted-model", 1000, 1000), 1e-9,
		"unknown models price as mid-range")
	assert.Equal(t, models.TierStandard, r.TierOf("some-unlisted-model"))
	assert.Equal(t, "openai", r.ProviderOf("some-unlisted-model"))
}
