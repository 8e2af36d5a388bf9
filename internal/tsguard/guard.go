// Package tsguard implements the request guard (component G): an
// admission predicate chaining input-length, token, dedup, debounce,
// rate-limit, and cost-ceiling checks, plus a debounce(fn) helper for
// collapsing rapid-fire callers. See spec §4.6.
package tsguard

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tokenshield/tokenshield/internal/tsevents"
)

// Config holds the guard's admission thresholds. Zero values fall back
// to spec.md §4.6's documented defaults.
type Config struct {
	MinInputLength       int
	MaxInputTokens       int // 0 means unlimited
	DeduplicateWindow    time.Duration
	DebounceWindow       time.Duration
	MaxRequestsPerMinute int
	MaxCostPerHour       float64 // 0 means unlimited
	DeduplicateInFlight  bool

	Events *tsevents.Bus
}

const defaultMinInputLength = 2

// BlockReason names why an admission check failed.
type BlockReason string

const (
	ReasonTooShort        BlockReason = "prompt too short"
	ReasonTooManyTokens   BlockReason = "prompt exceeds maxInputTokens"
	ReasonDuplicate       BlockReason = "duplicate prompt within deduplicateWindow"
	ReasonDebounced       BlockReason = "debounced"
	ReasonRateLimited     BlockReason = "maxRequestsPerMinute exceeded"
	ReasonHourlyCostLimit BlockReason = "projected hourly spend exceeds maxCostPerHour"
	ReasonInFlight        BlockReason = "equivalent request already in flight"
)

// Decision is the result of Check.
type Decision struct {
	Allowed bool
	Reason  BlockReason
}

type spendSample struct {
	at   time.Time
	cost float64
}

// Guard holds the admission state for one Shield instance. It is
// protected by mu per the fixed component lock order in spec §5 (guard
// comes after breaker and userBudget, before cache).
type Guard struct {
	cfg Config
	mu  sync.Mutex

	lastRequestAt time.Time
	fingerprints  map[string]time.Time // normalized prompt -> seen-at
	hourlySpend   []spendSample
	inFlight      map[string]bool

	blockedCount    int
	cumulativeSaved float64

	limiter *rate.Limiter
}

// New constructs a Guard, applying spec.md §4.6 defaults for any unset
// field.
func New(cfg Config) *Guard {
	if cfg.MinInputLength == 0 {
		cfg.MinInputLength = defaultMinInputLength
	}
	g := &Guard{
		cfg:          cfg,
		fingerprints: make(map[string]time.Time),
		inFlight:     make(map[string]bool),
	}
	if cfg.MaxRequestsPerMinute > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(float64(cfg.MaxRequestsPerMinute)/60.0), cfg.MaxRequestsPerMinute)
	}
	return g
}

// Check runs the first-failure-wins admission chain from spec.md §4.6.
// On admission it records the timestamp and prompt fingerprint and
// resets the debounce window; callers of a blocked request get no state
// mutation besides the blocked/savings counters.
func (g *Guard) Check(prompt string, estimatedCost float64, modelComplexity func(string) int) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	trimmed := strings.TrimSpace(prompt)

	if len(trimmed) < g.cfg.MinInputLength {
		return g.block(ReasonTooShort, estimatedCost)
	}

	if g.cfg.MaxInputTokens > 0 && modelComplexity != nil {
		if modelComplexity(prompt) > g.cfg.MaxInputTokens {
			return g.block(ReasonTooManyTokens, estimatedCost)
		}
	}

	norm := normalize(trimmed)
	if g.cfg.DeduplicateWindow > 0 {
		if seenAt, ok := g.fingerprints[norm]; ok && now.Sub(seenAt) < g.cfg.DeduplicateWindow {
			return g.block(ReasonDuplicate, estimatedCost)
		}
	}

	if g.cfg.DebounceWindow > 0 && !g.lastRequestAt.IsZero() {
		if now.Sub(g.lastRequestAt) < g.cfg.DebounceWindow {
			return g.block(ReasonDebounced, estimatedCost)
		}
	}

	// The trailing-60s request cap is enforced with x/time/rate's token
	// bucket (capacity maxRequestsPerMinute, refilled at
	// maxRequestsPerMinute/60 per second) rather than a hand-rolled
	// sliding window. The reservation is provisional: it's canceled if a
	// later check in this same chain still blocks the request, so a
	// request that ultimately fails admission never consumes a token.
	var reservation *rate.Reservation
	if g.limiter != nil {
		reservation = g.limiter.ReserveN(now, 1)
		if !reservation.OK() || reservation.DelayFrom(now) > 0 {
			if reservation.OK() {
				reservation.CancelAt(now)
			}
			return g.block(ReasonRateLimited, estimatedCost)
		}
	}

	if g.cfg.MaxCostPerHour > 0 {
		g.pruneHourlySpendLocked(now)
		projected := estimatedCost
		for _, s := range g.hourlySpend {
			projected += s.cost
		}
		if projected > g.cfg.MaxCostPerHour {
			if reservation != nil {
				reservation.CancelAt(now)
			}
			return g.block(ReasonHourlyCostLimit, estimatedCost)
		}
	}

	if g.cfg.DeduplicateInFlight && g.inFlight[norm] {
		if reservation != nil {
			reservation.CancelAt(now)
		}
		return g.block(ReasonInFlight, estimatedCost)
	}

	g.lastRequestAt = now
	g.fingerprints[norm] = now
	g.blockedCount = 0
	if g.cfg.DeduplicateInFlight {
		g.inFlight[norm] = true
	}

	return Decision{Allowed: true}
}

// Release clears the in-flight marker for prompt, to be called once the
// downstream call settles (success, cache hit, or error).
func (g *Guard) Release(prompt string) {
	if !g.cfg.DeduplicateInFlight {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, normalize(strings.TrimSpace(prompt)))
}

// RecordSpend appends a cost sample to the rolling hourly-spend window,
// to be called after a real API cost is known.
func (g *Guard) RecordSpend(cost float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hourlySpend = append(g.hourlySpend, spendSample{at: time.Now(), cost: cost})
}

func (g *Guard) block(reason BlockReason, estimatedCost float64) Decision {
	g.blockedCount++
	g.cumulativeSaved += estimatedCost
	if g.cfg.Events != nil {
		g.cfg.Events.Emit(tsevents.RequestBlocked, tsevents.RequestBlockedPayload{
			Reason: string(reason), EstimatedCost: estimatedCost,
		})
	}
	return Decision{Allowed: false, Reason: reason}
}

// Stats is a read-only snapshot; it MUST NOT mutate the cost log, per
// spec.md §4.6.
type Stats struct {
	BlockedCount    int
	CumulativeSaved float64
}

func (g *Guard) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{BlockedCount: g.blockedCount, CumulativeSaved: g.cumulativeSaved}
}

func (g *Guard) pruneHourlySpendLocked(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(g.hourlySpend) && g.hourlySpend[i].at.Before(cutoff) {
		i++
	}
	g.hourlySpend = g.hourlySpend[i:]
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
