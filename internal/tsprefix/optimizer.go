// Package tsprefix implements the prefix optimizer (component F): it
// reorders messages so that stable content (system prompts, pins, and
// conversation summaries) sits first, maximizing the length of the
// prefix a provider's prompt cache can match. See spec §4.5.
package tsprefix

import (
	"strings"

	"github.com/tokenshield/tokenshield/internal/tscounter"
	"github.com/tokenshield/tokenshield/internal/tstypes"
)

// Provider identifies which discount schedule and activation rule apply.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
)

// discountRate is the provider's fraction of input price saved on a
// prefix-cache hit, per spec §4.5.
var discountRate = map[Provider]float64{
	ProviderOpenAI:    0.5,
	ProviderAnthropic: 0.9,
	ProviderGoogle:    0.75,
}

// openAIMinPrefixTokens is OpenAI's minimum prefix length to activate its
// prompt cache at all.
const openAIMinPrefixTokens = 1024

// anthropicBreakpointTokens is the system-message length threshold above
// which Anthropic gets a second cache breakpoint at position 0.
const anthropicBreakpointTokens = 200

// Result is the reordered message list plus savings/breakpoint metadata
// for the caller to attach to a request.
type Result struct {
	Messages      []tstypes.Message
	PrefixTokens  int
	EstimatedSavings float64
	// Breakpoints are Anthropic cache_control insertion points, expressed
	// as indices into Messages after which a breakpoint should be placed.
	Breakpoints []int
}

// isStable classifies a message as stable content that a provider's
// prompt cache can anchor on: system messages, explicitly pinned
// messages, and conversation summaries synthesized by the context
// fitter.
func isStable(m tstypes.Message) bool {
	if m.Role == tstypes.RoleSystem || m.Pinned {
		return true
	}
	trimmed := strings.ToLower(strings.TrimSpace(m.Content))
	return strings.HasPrefix(trimmed, "previous conversation summary") ||
		strings.HasPrefix(trimmed, "summary:")
}

// Optimize reorders messages stable-first, then volatile, preserving
// original order within each group, and estimates the provider-side
// prompt-cache savings for the given model/provider/price.
func Optimize(messages []tstypes.Message, provider Provider, inputPricePerMillion float64, counter *tscounter.Counter) Result {
	var stable, volatile []tstypes.Message
	for _, m := range messages {
		if isStable(m) {
			stable = append(stable, m)
		} else {
			volatile = append(volatile, m)
		}
	}

	out := make([]tstypes.Message, 0, len(messages))
	out = append(out, stable...)
	out = append(out, volatile...)

	prefixTokens := 0
	for _, m := range stable {
		prefixTokens += counter.CountTokens(m.Content)
	}

	savings := 0.0
	if provider == ProviderOpenAI && prefixTokens < openAIMinPrefixTokens {
		// Below OpenAI's activation floor the prompt cache never engages,
		// so the reorder still happens (it's harmless) but yields no
		// estimated savings.
	} else if prefixTokens > 0 {
		savings = float64(prefixTokens) / 1e6 * inputPricePerMillion * discountRate[provider]
	}

	var breakpoints []int
	if provider == ProviderAnthropic && len(stable) > 0 {
		breakpoints = append(breakpoints, len(stable)-1)
		if len(stable) > 0 && stable[0].Role == tstypes.RoleSystem {
			if counter.CountTokens(stable[0].Content) > anthropicBreakpointTokens {
				breakpoints = append([]int{0}, breakpoints...)
			}
		}
	}

	return Result{
		Messages:         out,
		PrefixTokens:     prefixTokens,
		EstimatedSavings: savings,
		Breakpoints:      breakpoints,
	}
}
