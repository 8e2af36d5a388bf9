package tsrouter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tokenshield/tokenshield/internal/tscounter"
)

func TestComplexity_ShortPlainPromptIsLow(t *testing.T) {
	score := Complexity("hi there")
	assert.Less(t, score, 20.0)
}

func TestComplexity_TechnicalPromptIsHigher(t *testing.T) {
	plain := Complexity("tell me a short story about a cat")
	technical := Complexity("explain the time complexity of this recursive algorithm and its asynchronous concurrency model, function(x) { return f(x-1) + f(x-2); }")
	assert.Greater(t, technical, plain)
}

func TestRouter_SkipsWhenTierRouted(t *testing.T) {
	r := New(Config{
		Tiers:               []Tier{{ModelID: "gpt-4o-mini", MaxComplexity: 30}, {ModelID: "gpt-4o", MaxComplexity: 100}},
		ComplexityThreshold: 0,
	})
	res := r.Route("a very complex technical algorithm query", "gpt-4o", true)
	assert.False(t, res.Routed)
	assert.Equal(t, "gpt-4o", res.SelectedModel)
}

func TestRouter_PicksCheapestCoveringTier(t *testing.T) {
	r := New(Config{
		Tiers: []Tier{
			{ModelID: "gpt-4o-mini", MaxComplexity: 20},
			{ModelID: "gpt-4o", MaxComplexity: 100},
		},
		ComplexityThreshold: 0,
	})
	res := r.Route("hi", "gpt-4o", false)
	assert.Equal(t, "gpt-4o-mini", res.SelectedModel)
	assert.True(t, res.Routed)
}

func TestRouter_BelowThresholdSkipsRouting(t *testing.T) {
	r := New(Config{
		Tiers:               []Tier{{ModelID: "gpt-4o-mini", MaxComplexity: 100}},
		ComplexityThreshold: 50,
	})
	res := r.Route("hi", "gpt-4o", false)
	assert.False(t, res.Routed)
	assert.Equal(t, "gpt-4o", res.SelectedModel)
}

func TestRouter_NoTiersNeverRoutes(t *testing.T) {
	r := New(Config{})
	res := r.Route("anything at all", "gpt-4o", false)
	assert.False(t, res.Routed)
	assert.Equal(t, "gpt-4o", res.SelectedModel)
}

func TestSavings_ComputesDifference(t *testing.T) {
	est := tscounter.NewEstimator()
	saved := Savings(est, "gpt-4o", "gpt-4o-mini", 1_000_000, 1_000_000)
	assert.InDelta(t, (5.00+15.00)-(0.15+0.60), saved, 0.0001)
}

func TestSavings_UnknownModelSwallowsToZero(t *testing.T) {
	est := tscounter.NewEstimator()
	saved := Savings(est, "gpt-4o", "totally-unknown-model", 1000, 1000)
	assert.Equal(t, 0.0, saved)
}
