// Package tscounter implements the token counter (component A) and cost
// estimator (component B). OpenAI counting is bit-exact via the public BPE
// vocabulary in github.com/pkoukk/tiktoken-go; every other provider falls
// back to a conservative per-provider estimate with a declared margin of
// error, per spec §4.1.
package tscounter

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/tokenshield/tokenshield/internal/tstypes"
)

// Accuracy describes how a token count was produced.
type Accuracy string

const (
	AccuracyExact       Accuracy = "exact"
	AccuracyApproximate Accuracy = "approximate"
)

// Provider is the upstream LLM vendor, used to pick a counting strategy
// and margin of error.
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderGoogle     Provider = "google"
	ProviderOpenSource Provider = "open-source"
	ProviderOther      Provider = ""
)

// marginOfError is the declared over-estimation margin applied to
// approximate counts, spec §4.1.
var marginOfError = map[Provider]float64{
	ProviderAnthropic:  0.35,
	ProviderGoogle:     0.15,
	ProviderOpenSource: 0.15,
	ProviderOther:      0.00,
}

// ChatUsage is the result of counting a full message list, including the
// OpenAI-style per-message overhead.
type ChatUsage struct {
	Total      int
	PerMessage []int
	Overhead   int
	Accuracy   Accuracy
	Margin     float64
}

// Counter counts tokens for a given provider. One Counter is created per
// provider encountered; construction is cheap enough to do per-request
// but callers typically cache one per provider via NewRegistry.
type Counter struct {
	provider Provider
	enc      *tiktoken.Tiktoken // nil for non-OpenAI providers
}

// New returns a Counter for provider. OpenAI counters lazily load the BPE
// vocabulary on first use; errors loading it fall back to the approximate
// estimator rather than failing construction, since the spec requires the
// counter to always return a number.
func New(provider Provider) *Counter {
	return &Counter{provider: provider}
}

func (c *Counter) encoding() *tiktoken.Tiktoken {
	if c.provider != ProviderOpenAI {
		return nil
	}
	if c.enc != nil {
		return c.enc
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil
	}
	c.enc = enc
	return c.enc
}

// CountTokens counts a single piece of text.
func (c *Counter) CountTokens(text string) int {
	if enc := c.encoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return estimateTokens(text, c.provider)
}

// CountChatTokens counts a full message list, including OpenAI's documented
// per-message and per-name overhead:
//
//	total = sum(4 + tokens(role) + tokens(content) + (name present ? 1 : 0)) + 3
func (c *Counter) CountChatTokens(messages []tstypes.Message) ChatUsage {
	per := make([]int, len(messages))
	sum := 0
	for i, m := range messages {
		t := 4 + c.CountTokens(string(m.Role)) + c.CountTokens(m.Content)
		if m.Name != "" {
			t++
		}
		per[i] = t
		sum += t
	}
	sum += 3

	accuracy := AccuracyExact
	margin := 0.0
	if c.encoding() == nil {
		accuracy = AccuracyApproximate
		margin = marginOfError[c.provider]
	}

	return ChatUsage{
		Total:      sum,
		PerMessage: per,
		Overhead:   3,
		Accuracy:   accuracy,
		Margin:     margin,
	}
}

// estimateTokens is the conservative fallback for providers without a
// public bit-exact tokenizer: ~4 characters per token for English text,
// rounded up, then inflated by the provider's margin of error so the
// estimate errs toward over-counting (safer for admission checks).
func estimateTokens(text string, provider Provider) int {
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	chars := len(text)
	// Blend a word-count and character-count heuristic; character count
	// dominates for dense/non-whitespace text (code, CJK).
	base := (chars + 3) / 4
	if words > base {
		base = words
	}
	margin := marginOfError[provider]
	return base + int(float64(base)*margin)
}

// Registry caches one Counter per provider so the pipeline does not
// reload the BPE vocabulary on every request.
type Registry struct {
	mu       sync.Mutex
	counters map[Provider]*Counter
}

func NewRegistry() *Registry {
	return &Registry{counters: make(map[Provider]*Counter)}
}

func (r *Registry) Get(provider Provider) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[provider]; ok {
		return c
	}
	c := New(provider)
	r.counters[provider] = c
	return c
}
