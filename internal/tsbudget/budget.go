// Package tsbudget implements the user budget manager (component I):
// per-user daily/monthly spend windows with in-flight dollar reservation,
// modeled after the teacher's BudgetService cache-of-structs shape
// (internal/services/budget/service.go) but adding the reserve/settle/
// release contract the teacher's strictly-after-the-fact RecordUsage
// lacks. See spec §4.8.
package tsbudget

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tokenshield/tokenshield/internal/tsevents"
)

var ErrLimitExceeded = errors.New("tsbudget: daily or monthly limit exceeded")

// Limits is one user's daily and monthly dollar ceilings, and an
// optional routed model tier.
type Limits struct {
	DailyLimit   float64
	MonthlyLimit float64
	// Tier, if non-empty, overrides the request model before the
	// complexity router runs; the pipeline marks the context
	// tierRouted=true so the router doesn't re-override it.
	Tier string
}

type state struct {
	limits Limits

	spentToday     float64
	spentThisMonth float64
	inflight       float64

	dayStart   time.Time
	monthStart time.Time

	warnedDay   bool
	warnedMonth bool
}

func newState(limits Limits, now time.Time) *state {
	return &state{
		limits:     limits,
		dayStart:   startOfDay(now),
		monthStart: startOfMonth(now),
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}

// rolloverLocked advances the day/month window boundaries, zeroing spend
// on rollover, per spec §4.8 ("Window boundaries advance on read").
func (s *state) rolloverLocked(now time.Time) {
	if now.After(s.dayStart.Add(24 * time.Hour)) {
		s.spentToday = 0
		s.dayStart = startOfDay(now)
		s.warnedDay = false
	}
	if startOfMonth(now).After(s.monthStart) {
		s.spentThisMonth = 0
		s.monthStart = startOfMonth(now)
		s.warnedMonth = false
	}
}

// Manager tracks per-user budget state.
type Manager struct {
	mu     sync.Mutex
	users  map[string]*state
	events *tsevents.Bus
	logger *zap.Logger

	// defaultLimits seeds the state of any user id Reserve sees that was
	// never registered via SetLimits, so an operator-wide fallback ceiling
	// applies instead of blocking every unconfigured user forever.
	defaultLimits Limits
}

// Config configures a Manager.
type Config struct {
	Events *tsevents.Bus
	Logger *zap.Logger

	// DefaultDailyLimit and DefaultMonthlyLimit apply to any user id not
	// explicitly registered via SetLimits, per spec §4.8's default tier.
	DefaultDailyLimit   float64
	DefaultMonthlyLimit float64
}

func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		users:  make(map[string]*state),
		events: cfg.Events,
		logger: logger,
		defaultLimits: Limits{
			DailyLimit:   cfg.DefaultDailyLimit,
			MonthlyLimit: cfg.DefaultMonthlyLimit,
		},
	}
}

// SetLimits registers or updates a user's limits. New users start with
// zero spend and zero in-flight.
func (m *Manager) SetLimits(userID string, limits Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.users[userID]; ok {
		s.limits = limits
		return
	}
	m.users[userID] = newState(limits, time.Now())
}

// Reserve atomically checks spent+inflight+estimatedCost against both
// the daily and monthly limit and, if both pass, adds estimatedCost to
// inflight. Every successful Reserve must be paired with exactly one
// Settle or Release call, per spec §4.8's mandatory contract. A user id
// that was never registered via SetLimits is seeded here from the
// manager's default limits instead of being rejected outright, so a
// first-time caller isn't blocked forever just for being new.
func (m *Manager) Reserve(userID string, estimatedCost float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.users[userID]
	if !ok {
		s = newState(m.defaultLimits, time.Now())
		m.users[userID] = s
	}

	now := time.Now()
	s.rolloverLocked(now)

	projectedDay := s.spentToday + s.inflight + estimatedCost
	projectedMonth := s.spentThisMonth + s.inflight + estimatedCost

	if s.limits.DailyLimit > 0 && projectedDay > s.limits.DailyLimit {
		if m.events != nil {
			m.events.Emit(tsevents.BudgetExceeded, tsevents.BudgetEventPayload{
				UserID: userID, Window: "today", Spent: projectedDay, Limit: s.limits.DailyLimit,
			})
		}
		return ErrLimitExceeded
	}
	if s.limits.MonthlyLimit > 0 && projectedMonth > s.limits.MonthlyLimit {
		if m.events != nil {
			m.events.Emit(tsevents.BudgetExceeded, tsevents.BudgetEventPayload{
				UserID: userID, Window: "thisMonth", Spent: projectedMonth, Limit: s.limits.MonthlyLimit,
			})
		}
		return ErrLimitExceeded
	}

	s.inflight += estimatedCost
	m.maybeWarnLocked(userID, s, projectedDay, projectedMonth)
	return nil
}

// Settle records actualCost against spend and releases inflightAmount
// from the reservation, flooring inflight at 0.
func (m *Manager) Settle(userID string, actualCost, inflightAmount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.users[userID]
	if !ok {
		return
	}
	now := time.Now()
	s.rolloverLocked(now)
	s.spentToday += actualCost
	s.spentThisMonth += actualCost
	s.inflight -= inflightAmount
	if s.inflight < 0 {
		s.inflight = 0
	}
	if m.events != nil {
		m.events.Emit(tsevents.BudgetSpend, tsevents.BudgetEventPayload{
			UserID: userID, Window: "today", Spent: s.spentToday, Limit: s.limits.DailyLimit,
		})
	}
}

// Release returns inflightAmount to the pool without recording spend,
// used on a cache hit, downstream admission failure, or API error, per
// spec §4.8.
func (m *Manager) Release(userID string, inflightAmount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.users[userID]
	if !ok {
		return
	}
	s.inflight -= inflightAmount
	if s.inflight < 0 {
		s.inflight = 0
	}
}

// Tier returns the user's routed model tier and true, or "" and false
// when the user is unknown or has no tier set.
func (m *Manager) Tier(userID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.users[userID]
	if !ok || s.limits.Tier == "" {
		return "", false
	}
	return s.limits.Tier, true
}

// Snapshot is a read-only view of a user's budget state.
type Snapshot struct {
	SpentToday     float64
	SpentThisMonth float64
	Inflight       float64
	DailyLimit     float64
	MonthlyLimit   float64
}

func (m *Manager) Snapshot(userID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.users[userID]
	if !ok {
		return Snapshot{}, false
	}
	s.rolloverLocked(time.Now())
	return Snapshot{
		SpentToday:     s.spentToday,
		SpentThisMonth: s.spentThisMonth,
		Inflight:       s.inflight,
		DailyLimit:     s.limits.DailyLimit,
		MonthlyLimit:   s.limits.MonthlyLimit,
	}, true
}

func (m *Manager) maybeWarnLocked(userID string, s *state, projectedDay, projectedMonth float64) {
	if m.events == nil {
		return
	}
	if s.limits.DailyLimit > 0 && projectedDay >= 0.8*s.limits.DailyLimit && !s.warnedDay {
		s.warnedDay = true
		m.events.Emit(tsevents.BudgetWarning, tsevents.BudgetEventPayload{
			UserID: userID, Window: "today", Spent: projectedDay, Limit: s.limits.DailyLimit,
		})
	}
	if s.limits.MonthlyLimit > 0 && projectedMonth >= 0.8*s.limits.MonthlyLimit && !s.warnedMonth {
		s.warnedMonth = true
		m.events.Emit(tsevents.BudgetWarning, tsevents.BudgetEventPayload{
			UserID: userID, Window: "thisMonth", Spent: projectedMonth, Limit: s.limits.MonthlyLimit,
		})
	}
}
