// Package tsstream implements the stream tracker (component L):
// incremental output-token accounting for a streamed completion, with
// exactly-once terminal recording guarded by a single boolean flag under
// the component mutex, per spec §4.10/§4.11 and the design note
// "exact-once stream recording".
package tsstream

import (
	"sync"

	"github.com/tokenshield/tokenshield/internal/tscounter"
)

// Usage is the accounting snapshot returned by Finish/Abort.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Tracker accumulates output tokens chunk by chunk as a stream is
// consumed.
type Tracker struct {
	mu      sync.Mutex
	counter *tscounter.Counter

	inputTokens  int
	outputTokens int

	recorded bool // flipped exactly once by Finish or Abort
}

// New constructs a Tracker. inputTokens is typically the pre-call
// estimate from the token counter; it may also be set later with
// SetInputTokens before the first chunk arrives.
func New(counter *tscounter.Counter, inputTokens int) *Tracker {
	return &Tracker{counter: counter, inputTokens: inputTokens}
}

// SetInputTokens overrides the up-front input token estimate, e.g. once
// the real prompt token count is known.
func (t *Tracker) SetInputTokens(tokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTokens = tokens
}

// AddChunk accumulates tokens from one incremental piece of generated
// text.
func (t *Tracker) AddChunk(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outputTokens += t.counter.CountTokens(text)
}

// Finish marks the stream complete and returns the final usage. It is a
// no-op returning the same usage on any call after the first, so a
// caller racing completion/cancellation can never double-record.
func (t *Tracker) Finish() (Usage, bool) {
	return t.terminal()
}

// Abort marks the stream canceled mid-flight and returns whatever was
// counted so far. Same exactly-once semantics as Finish — the two share
// one terminal flag.
func (t *Tracker) Abort() (Usage, bool) {
	return t.terminal()
}

// terminal returns (usage, true) the first time it's called on this
// Tracker and (usage, false) on every call after, so callers can tell
// whether they're the one responsible for recording.
func (t *Tracker) terminal() (Usage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	usage := Usage{InputTokens: t.inputTokens, OutputTokens: t.outputTokens}
	if t.recorded {
		return usage, false
	}
	t.recorded = true
	return usage, true
}
