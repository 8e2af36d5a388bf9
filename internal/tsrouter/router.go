// Package tsrouter implements the model router (component M): a
// complexity-scored tier selector, generalized from the teacher's
// routing.Strategy instance-selection interface
// (internal/services/llm/models/routing/strategy.go) into "pick the
// cheapest tier whose maxComplexity covers the score" rather than "pick
// a healthy instance". See spec §4.11.
package tsrouter

import (
	"regexp"
	"sort"
	"strings"

	"github.com/tokenshield/tokenshield/internal/tscounter"
)

// Tier is one candidate model and the complexity ceiling it's willing
// to handle.
type Tier struct {
	ModelID       string
	MaxComplexity float64
}

// Config configures the router's tier table and activation threshold.
type Config struct {
	Tiers               []Tier
	ComplexityThreshold float64
}

// Router scores a prompt's complexity and selects the cheapest tier
// that covers it.
type Router struct {
	tiers     []Tier // sorted ascending by MaxComplexity
	threshold float64
}

func New(cfg Config) *Router {
	tiers := append([]Tier(nil), cfg.Tiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MaxComplexity < tiers[j].MaxComplexity })
	return &Router{tiers: tiers, threshold: cfg.ComplexityThreshold}
}

var technicalTermPattern = regexp.MustCompile(`(?i)\b(algorithm|function|database|api|kubernetes|concurrency|regex|compile|integral|derivative|asynchronous|recursion|protocol)\b`)
var punctuationPattern = regexp.MustCompile(`[;{}()<>\[\]=]`)

// Complexity computes a weighted [0,100] score from prompt length,
// punctuation density, and technical term density, per spec §4.11.
func Complexity(prompt string) float64 {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return 0
	}

	lengthScore := clamp(float64(len(trimmed))/10, 0, 100)

	puncCount := len(punctuationPattern.FindAllString(trimmed, -1))
	punctuationScore := clamp(float64(puncCount)*5, 0, 100)

	words := strings.Fields(trimmed)
	techCount := len(technicalTermPattern.FindAllString(trimmed, -1))
	var techDensity float64
	if len(words) > 0 {
		techDensity = float64(techCount) / float64(len(words))
	}
	technicalScore := clamp(techDensity*300, 0, 100)

	score := 0.5*lengthScore + 0.2*punctuationScore + 0.3*technicalScore
	return clamp(score, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Result is the outcome of Route.
type Result struct {
	Routed        bool
	SelectedModel string
	Complexity    float64
}

// Route scores prompt and picks the cheapest (lowest MaxComplexity)
// tier whose MaxComplexity still covers the score. If tierRouted is
// true (a user-budget tier override already picked a model), Route is
// skipped entirely, per spec §4.8/§4.11's tierRouted contract.
func (r *Router) Route(prompt string, originalModel string, tierRouted bool) Result {
	if tierRouted || len(r.tiers) == 0 {
		return Result{Routed: false, SelectedModel: originalModel}
	}

	score := Complexity(prompt)
	if score < r.threshold {
		return Result{Routed: false, SelectedModel: originalModel, Complexity: score}
	}

	for _, tier := range r.tiers {
		if tier.MaxComplexity >= score {
			return Result{Routed: tier.ModelID != originalModel, SelectedModel: tier.ModelID, Complexity: score}
		}
	}

	// No tier covers the score: fall back to the highest-ceiling tier
	// rather than leaving the request unrouted.
	last := r.tiers[len(r.tiers)-1]
	return Result{Routed: last.ModelID != originalModel, SelectedModel: last.ModelID, Complexity: score}
}

// Savings computes cost(originalModel) - cost(chosenModel) at the given
// token counts, swallowing an unknown-model estimator error to 0 per
// spec §7 ("for ledger/router savings it is swallowed to saved=0").
func Savings(estimator *tscounter.Estimator, originalModel, chosenModel string, inputTokens, outputTokens int) float64 {
	original, err := estimator.Estimate(originalModel, inputTokens, outputTokens)
	if err != nil {
		return 0
	}
	chosen, err := estimator.Estimate(chosenModel, inputTokens, outputTokens)
	if err != nil {
		return 0
	}
	return original - chosen
}
