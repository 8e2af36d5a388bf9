// Package tscontext implements the context fitter (component E):
// token-budget-aware message trimming with pinning, per spec §4.4.
package tscontext

import (
	"github.com/tokenshield/tokenshield/internal/tscounter"
	"github.com/tokenshield/tokenshield/internal/tstypes"
)

// Config controls the fitter's token budget.
type Config struct {
	MaxContextTokens int
	ReservedForOutput int
	// Summarize, when true, synthesizes a single pinned summary message
	// from evicted content if it fits in the remaining budget.
	Summarize bool
}

// Result is the fitted message list plus accounting for the
// context:trimmed event.
type Result struct {
	Messages       []tstypes.Message
	Evicted        int
	OriginalTokens int
	TrimmedTokens  int
	SavedTokens    int
}

const chatPrimingTokens = 3
const summaryPreviewChars = 100

// Fit partitions messages into pinned (system or Pinned=true) and
// unpinned, then keeps as many unpinned messages — newest first — as fit
// in the remaining budget after reserving for output and pinned content.
// Output order is pinned (original order) then kept (original order),
// per spec §4.4.
func Fit(messages []tstypes.Message, cfg Config, counter *tscounter.Counter) Result {
	var pinned, unpinned []tstypes.Message
	for _, m := range messages {
		if m.Role == tstypes.RoleSystem || m.Pinned {
			pinned = append(pinned, m)
		} else {
			unpinned = append(unpinned, m)
		}
	}

	originalTokens := counter.CountChatTokens(messages).Total

	pinnedTokens := 0
	for _, m := range pinned {
		pinnedTokens += messageTokens(m, counter)
	}

	remaining := cfg.MaxContextTokens - cfg.ReservedForOutput - pinnedTokens - chatPrimingTokens

	kept := make([]bool, len(unpinned))
	for i := len(unpinned) - 1; i >= 0; i-- {
		t := messageTokens(unpinned[i], counter)
		if t <= remaining {
			kept[i] = true
			remaining -= t
		}
	}

	var evictedMessages []tstypes.Message
	var keptMessages []tstypes.Message
	for i, m := range unpinned {
		if kept[i] {
			keptMessages = append(keptMessages, m)
		} else {
			evictedMessages = append(evictedMessages, m)
		}
	}

	finalPinned := pinned
	if cfg.Summarize && len(evictedMessages) > 0 {
		if summary, ok := buildSummary(evictedMessages, remaining, counter); ok {
			finalPinned = append(append([]tstypes.Message{}, pinned...), summary)
		}
	}

	out := make([]tstypes.Message, 0, len(finalPinned)+len(keptMessages))
	out = append(out, finalPinned...)
	out = append(out, keptMessages...)

	trimmedTokens := counter.CountChatTokens(out).Total
	return Result{
		Messages:       out,
		Evicted:        len(evictedMessages),
		OriginalTokens: originalTokens,
		TrimmedTokens:  trimmedTokens,
		SavedTokens:    originalTokens - trimmedTokens,
	}
}

func messageTokens(m tstypes.Message, counter *tscounter.Counter) int {
	t := 4 + counter.CountTokens(string(m.Role)) + counter.CountTokens(m.Content)
	if m.Name != "" {
		t++
	}
	return t
}

// buildSummary synthesizes a single pinned message containing the first
// 100 characters of each evicted message, included only if it fits in the
// remaining budget.
func buildSummary(evicted []tstypes.Message, remaining int, counter *tscounter.Counter) (tstypes.Message, bool) {
	content := "previous conversation summary:"
	for _, m := range evicted {
		preview := m.Content
		if len(preview) > summaryPreviewChars {
			preview = preview[:summaryPreviewChars]
		}
		content += "\n- [" + string(m.Role) + "] " + preview
	}
	summary := tstypes.Message{Role: tstypes.RoleSystem, Content: content, Pinned: true}
	if messageTokens(summary, counter) > remaining {
		return tstypes.Message{}, false
	}
	return summary, true
}
