// Package tsmetrics is a ready-to-use Prometheus subscriber for a
// Shield's event bus: cache hit rate, breaker trips, budget exceed
// events, and ledger spend, grounded on the teacher's
// internal/middleware/metrics.go counters/histograms (promauto-based)
// and internal/services/monitoring/metrics/metrics_worker.go. Unlike the
// teacher's package-global promauto vars, every metric here lives on a
// private prometheus.Registry so more than one Shield can run in the
// same process without a duplicate-registration panic. Per SPEC_FULL.md
// §6.4, this is an optional, not required, consumer of the event bus.
package tsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tokenshield/tokenshield/internal/tsevents"
)

// Metrics holds one Shield instance's Prometheus collectors.
type Metrics struct {
	Registry *prometheus.Registry

	cacheHits        *prometheus.CounterVec
	cacheMisses      prometheus.Counter
	guardBlocked     *prometheus.CounterVec
	breakerTrips     *prometheus.CounterVec
	budgetExceeded   *prometheus.CounterVec
	ledgerSpend      prometheus.Counter
	ledgerSaved      prometheus.Counter
	routerDowngrades prometheus.Counter
	storageErrors    *prometheus.CounterVec
}

// New constructs a Metrics with its own registry and registers every
// collector.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenshield_cache_hits_total",
			Help: "Total cache hits by match type.",
		}, []string{"match_type"}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokenshield_cache_misses_total",
			Help: "Total cache misses.",
		}),
		guardBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenshield_guard_blocked_total",
			Help: "Total requests blocked by the request guard, by reason.",
		}, []string{"reason"}),
		breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenshield_breaker_trips_total",
			Help: "Total circuit breaker trips by limit type.",
		}, []string{"limit_type"}),
		budgetExceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenshield_budget_exceeded_total",
			Help: "Total user budget windows exceeded.",
		}, []string{"window"}),
		ledgerSpend: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokenshield_ledger_spend_dollars_total",
			Help: "Cumulative recorded spend.",
		}),
		ledgerSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokenshield_ledger_saved_dollars_total",
			Help: "Cumulative estimated savings across all components.",
		}),
		routerDowngrades: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokenshield_router_downgrades_total",
			Help: "Total requests routed to a cheaper tier.",
		}),
		storageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenshield_storage_errors_total",
			Help: "Total persistence failures by module.",
		}, []string{"module"}),
	}

	m.Registry.MustRegister(
		m.cacheHits, m.cacheMisses, m.guardBlocked, m.breakerTrips,
		m.budgetExceeded, m.ledgerSpend, m.ledgerSaved, m.routerDowngrades,
		m.storageErrors,
	)
	return m
}

// Subscribe wires every collector to bus, returning an Unsubscribe per
// event so the caller's dispose() path can detach cleanly.
func (m *Metrics) Subscribe(bus *tsevents.Bus) []tsevents.Unsubscribe {
	return []tsevents.Unsubscribe{
		bus.On(tsevents.CacheHit, func(payload any) {
			p, ok := payload.(tsevents.CacheHitPayload)
			if !ok {
				return
			}
			m.cacheHits.WithLabelValues(string(p.MatchType)).Inc()
			m.ledgerSaved.Add(p.SavedCost)
		}),
		bus.On(tsevents.CacheMiss, func(payload any) {
			m.cacheMisses.Inc()
		}),
		bus.On(tsevents.RequestBlocked, func(payload any) {
			p, ok := payload.(tsevents.RequestBlockedPayload)
			if !ok {
				return
			}
			m.guardBlocked.WithLabelValues(p.Reason).Inc()
		}),
		bus.On(tsevents.BreakerTripped, func(payload any) {
			p, ok := payload.(tsevents.BreakerTrippedPayload)
			if !ok {
				return
			}
			m.breakerTrips.WithLabelValues(p.LimitType).Inc()
		}),
		bus.On(tsevents.BudgetExceeded, func(payload any) {
			p, ok := payload.(tsevents.BudgetEventPayload)
			if !ok {
				return
			}
			m.budgetExceeded.WithLabelValues(p.Window).Inc()
		}),
		bus.On(tsevents.LedgerEntry, func(payload any) {
			p, ok := payload.(tsevents.LedgerEntryPayload)
			if !ok {
				return
			}
			m.ledgerSpend.Add(p.Cost)
			m.ledgerSaved.Add(p.Saved)
		}),
		bus.On(tsevents.RouterDowngraded, func(payload any) {
			m.routerDowngrades.Inc()
		}),
		bus.On(tsevents.StorageErrorName, func(payload any) {
			p, ok := payload.(tsevents.StorageErrorPayload)
			if !ok {
				return
			}
			m.storageErrors.WithLabelValues(p.Module).Inc()
		}),
	}
}
