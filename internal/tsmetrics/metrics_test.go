package tsmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenshield/tokenshield/internal/tsevents"
)

func TestMetrics_CacheHitIncrementsCounterAndSavings(t *testing.T) {
	m := New()
	bus := tsevents.New(nil)
	unsubs := m.Subscribe(bus)
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	bus.Emit(tsevents.CacheHit, tsevents.CacheHitPayload{MatchType: tsevents.MatchFuzzy, Similarity: 0.9, SavedCost: 0.02})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.cacheHits.WithLabelValues("fuzzy")))
	assert.InDelta(t, 0.02, testutil.ToFloat64(m.ledgerSaved), 0.0001)
}

func TestMetrics_CacheMissIncrementsCounter(t *testing.T) {
	m := New()
	bus := tsevents.New(nil)
	m.Subscribe(bus)

	bus.Emit(tsevents.CacheMiss, tsevents.CacheMissPayload{Prompt: "hi"})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.cacheMisses))
}

func TestMetrics_RequestBlockedLabelsByReason(t *testing.T) {
	m := New()
	bus := tsevents.New(nil)
	m.Subscribe(bus)

	bus.Emit(tsevents.RequestBlocked, tsevents.RequestBlockedPayload{Reason: "duplicate"})
	bus.Emit(tsevents.RequestBlocked, tsevents.RequestBlockedPayload{Reason: "duplicate"})
	bus.Emit(tsevents.RequestBlocked, tsevents.RequestBlockedPayload{Reason: "rateLimited"})

	assert.Equal(t, float64(2), testutil.ToFloat64(m.guardBlocked.WithLabelValues("duplicate")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.guardBlocked.WithLabelValues("rateLimited")))
}

func TestMetrics_BreakerTrippedLabelsByLimitType(t *testing.T) {
	m := New()
	bus := tsevents.New(nil)
	m.Subscribe(bus)

	bus.Emit(tsevents.BreakerTripped, tsevents.BreakerTrippedPayload{Model: "gpt-4o", LimitType: "hour", PercentUsed: 120})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.breakerTrips.WithLabelValues("hour")))
}

func TestMetrics_BudgetExceededLabelsByWindow(t *testing.T) {
	m := New()
	bus := tsevents.New(nil)
	m.Subscribe(bus)

	bus.Emit(tsevents.BudgetExceeded, tsevents.BudgetEventPayload{UserID: "u1", Window: "today", Spent: 10, Limit: 10})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.budgetExceeded.WithLabelValues("today")))
}

func TestMetrics_LedgerEntryAccumulatesSpendAndSavings(t *testing.T) {
	m := New()
	bus := tsevents.New(nil)
	m.Subscribe(bus)

	bus.Emit(tsevents.LedgerEntry, tsevents.LedgerEntryPayload{Model: "gpt-4o", Cost: 0.05, Saved: 0.01})
	bus.Emit(tsevents.LedgerEntry, tsevents.LedgerEntryPayload{Model: "gpt-4o", Cost: 0.03, Saved: 0.02})

	assert.InDelta(t, 0.08, testutil.ToFloat64(m.ledgerSpend), 0.0001)
	assert.InDelta(t, 0.03, testutil.ToFloat64(m.ledgerSaved), 0.0001)
}

func TestMetrics_RouterDowngradedIncrementsCounter(t *testing.T) {
	m := New()
	bus := tsevents.New(nil)
	m.Subscribe(bus)

	bus.Emit(tsevents.RouterDowngraded, tsevents.RouterDowngradedPayload{OriginalModel: "gpt-4o", SelectedModel: "gpt-4o-mini"})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.routerDowngrades))
}

func TestMetrics_StorageErrorLabelsByModule(t *testing.T) {
	m := New()
	bus := tsevents.New(nil)
	m.Subscribe(bus)

	bus.Emit(tsevents.StorageErrorName, tsevents.StorageErrorPayload{Module: "tsledger", Operation: "persist"})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.storageErrors.WithLabelValues("tsledger")))
}

func TestMetrics_RegistryGatherSucceeds(t *testing.T) {
	m := New()
	_, err := m.Registry.Gather()
	require.NoError(t, err)
}

func TestMetrics_UnsubscribeStopsDelivery(t *testing.T) {
	m := New()
	bus := tsevents.New(nil)
	unsubs := m.Subscribe(bus)

	for _, u := range unsubs {
		u()
	}
	bus.Emit(tsevents.CacheMiss, tsevents.CacheMissPayload{Prompt: "hi"})

	assert.Equal(t, float64(0), testutil.ToFloat64(m.cacheMisses))
}
