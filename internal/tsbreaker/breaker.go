// Package tsbreaker implements the circuit breaker (component H): three
// rolling cost windows (session, hour, day) instead of the teacher's
// single failure counter, generalized from failure-count threshold to
// dollar-spend threshold per spec §4.7.
package tsbreaker

import (
	"sync"
	"time"

	"github.com/tokenshield/tokenshield/internal/tsevents"
)

// Action controls what a tripped window does to admission.
type Action string

const (
	ActionWarn     Action = "warn"     // never blocks, only emits warnings
	ActionThrottle Action = "throttle" // blocks the meter but allowed=true, reason="Throttled"
	ActionStop     Action = "stop"     // blocks hard
)

// LimitType names which window tripped.
type LimitType string

const (
	LimitSession LimitType = "session"
	LimitHour    LimitType = "hour"
	LimitDay     LimitType = "day"
)

// windowSpec pairs a LimitType with its duration (0 means unbounded, i.e.
// the session window).
var windowSpecs = []struct {
	typ LimitType
	dur time.Duration
}{
	{LimitSession, 0},
	{LimitHour, time.Hour},
	{LimitDay, 24 * time.Hour},
}

// Config sets the dollar limit per window and the tripped action. A
// limit of 0 means "block everything" for that window.
type Config struct {
	SessionLimit float64
	HourLimit    float64
	DayLimit     float64
	Action       Action

	Events *tsevents.Bus
}

type sample struct {
	at   time.Time
	cost float64
}

type window struct {
	typ     LimitType
	dur     time.Duration
	limit   float64
	samples []sample
	warned  bool // idempotent per threshold crossing
}

func (w *window) pruneLocked(now time.Time) {
	if w.dur == 0 {
		return
	}
	cutoff := now.Add(-w.dur)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	w.samples = w.samples[i:]
}

func (w *window) spentLocked() float64 {
	total := 0.0
	for _, s := range w.samples {
		total += s.cost
	}
	return total
}

// Decision is the result of Check.
type Decision struct {
	Allowed      bool
	Reason       string
	LimitType    LimitType
	PercentUsed  float64
}

// Breaker tracks the three rolling windows of spend. Manager wraps a
// single Breaker shared by every model.
type Breaker struct {
	mu      sync.Mutex
	cfg     Config
	windows []*window
}

// New constructs a Breaker over the session, hour and day windows.
func New(cfg Config) *Breaker {
	if cfg.Action == "" {
		cfg.Action = ActionStop
	}
	b := &Breaker{cfg: cfg}
	limits := map[LimitType]float64{LimitSession: cfg.SessionLimit, LimitHour: cfg.HourLimit, LimitDay: cfg.DayLimit}
	for _, spec := range windowSpecs {
		b.windows = append(b.windows, &window{typ: spec.typ, dur: spec.dur, limit: limits[spec.typ]})
	}
	return b
}

// percentUsed returns 999 (never +Inf) when limit is 0, per spec §4.7.
func percentUsed(projected, limit float64) float64 {
	if limit <= 0 {
		return 999
	}
	return projected / limit * 100
}

// Check evaluates estimatedInput+estimatedOutput cost against every
// window and returns Blocked iff any window's projected spend meets or
// exceeds its limit. Warnings fire once per threshold crossing at 80%
// projected usage.
func (b *Breaker) Check(model string, estimatedCost float64) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var tripped *window
	var trippedPercent float64

	for _, w := range b.windows {
		w.pruneLocked(now)
		projected := w.spentLocked() + estimatedCost
		pct := percentUsed(projected, w.limit)

		if pct >= 80 && !w.warned {
			w.warned = true
			b.emitWarning(model, w.typ, pct)
		} else if pct < 80 {
			w.warned = false
		}

		if w.limit <= 0 || projected >= w.limit {
			if tripped == nil {
				tripped = w
				trippedPercent = pct
			}
		}
	}

	if tripped == nil {
		return Decision{Allowed: true}
	}

	switch b.cfg.Action {
	case ActionWarn:
		return Decision{Allowed: true}
	case ActionThrottle:
		return Decision{Allowed: true, Reason: "Throttled", LimitType: tripped.typ, PercentUsed: trippedPercent}
	default:
		b.emitTripped(model, tripped.typ, trippedPercent)
		return Decision{Allowed: false, Reason: "circuit breaker open: " + string(tripped.typ) + " limit reached", LimitType: tripped.typ, PercentUsed: trippedPercent}
	}
}

// RecordSpend appends a cost sample to every window after the real API
// call completes.
func (b *Breaker) RecordSpend(cost float64, model string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	for _, w := range b.windows {
		w.samples = append(w.samples, sample{at: now, cost: cost})
	}
}

// Reset clears all window state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, w := range b.windows {
		w.samples = nil
		w.warned = false
	}
}

func (b *Breaker) emitWarning(model string, limitType LimitType, pct float64) {
	if b.cfg.Events == nil {
		return
	}
	b.cfg.Events.Emit(tsevents.BreakerWarning, tsevents.BreakerWarningPayload{
		Model: model, LimitType: string(limitType), PercentUsed: pct,
	})
}

func (b *Breaker) emitTripped(model string, limitType LimitType, pct float64) {
	if b.cfg.Events == nil {
		return
	}
	b.cfg.Events.Emit(tsevents.BreakerTripped, tsevents.BreakerTrippedPayload{
		Model: model, LimitType: string(limitType), PercentUsed: pct,
	})
}

// Manager holds the single shared session/hour/day ceiling for one Shield
// instance, per spec.md §2's "Global spending ceilings" and §3's singular,
// unkeyed BreakerState. Earlier revisions sharded state per model id, which
// let a caller defeat every ceiling by round-robining model ids; model is
// now accepted only to label Decisions and events, never to select
// separate state.
type Manager struct {
	breaker *Breaker
}

// NewManager constructs a Manager wrapping one shared Breaker built from cfg.
func NewManager(cfg Config) *Manager {
	return &Manager{breaker: New(cfg)}
}

func (m *Manager) Check(model string, estimatedCost float64) Decision {
	return m.breaker.Check(model, estimatedCost)
}

func (m *Manager) RecordSpend(model string, cost float64) {
	m.breaker.RecordSpend(cost, model)
}

func (m *Manager) ResetAll() {
	m.breaker.Reset()
}
