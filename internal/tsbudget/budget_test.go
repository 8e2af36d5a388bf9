package tsbudget

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenshield/tokenshield/internal/tsevents"
)

func TestManager_ReserveSettleRoundTrip(t *testing.T) {
	m := New(Config{})
	m.SetLimits("user-1", Limits{DailyLimit: 10, MonthlyLimit: 100})

	require.NoError(t, m.Reserve("user-1", 2))
	snap, ok := m.Snapshot("user-1")
	require.True(t, ok)
	assert.Equal(t, 2.0, snap.Inflight)

	m.Settle("user-1", 1.5, 2)
	snap, _ = m.Snapshot("user-1")
	assert.Equal(t, 1.5, snap.SpentToday)
	assert.Equal(t, 0.0, snap.Inflight)
}

func TestManager_ReserveBlocksOverDailyLimit(t *testing.T) {
	m := New(Config{})
	m.SetLimits("user-1", Limits{DailyLimit: 5, MonthlyLimit: 1000})

	require.NoError(t, m.Reserve("user-1", 4))
	err := m.Reserve("user-1", 4)
	assert.ErrorIs(t, err, ErrLimitExceeded)
}

func TestManager_ReserveBlocksOverMonthlyLimit(t *testing.T) {
	m := New(Config{})
	m.SetLimits("user-1", Limits{DailyLimit: 1000, MonthlyLimit: 5})

	require.NoError(t, m.Reserve("user-1", 4))
	err := m.Reserve("user-1", 4)
	assert.ErrorIs(t, err, ErrLimitExceeded)
}

func TestManager_ReleaseFloorsAtZero(t *testing.T) {
	m := New(Config{})
	m.SetLimits("user-1", Limits{DailyLimit: 10, MonthlyLimit: 100})

	require.NoError(t, m.Reserve("user-1", 2))
	m.Release("user-1", 5) // over-release should floor, not go negative

	snap, _ := m.Snapshot("user-1")
	assert.Equal(t, 0.0, snap.Inflight)
}

func TestManager_UnknownUserGetsDefaultLimitsLazily(t *testing.T) {
	m := New(Config{DefaultDailyLimit: 5, DefaultMonthlyLimit: 50})

	require.NoError(t, m.Reserve("nobody", 1))
	snap, ok := m.Snapshot("nobody")
	require.True(t, ok)
	assert.Equal(t, 5.0, snap.DailyLimit)
	assert.Equal(t, 50.0, snap.MonthlyLimit)

	err := m.Reserve("nobody", 10)
	assert.ErrorIs(t, err, ErrLimitExceeded, "the default daily ceiling must still apply to a lazily created user")
}

func TestManager_UnknownUserWithNoDefaultsIsUnbounded(t *testing.T) {
	m := New(Config{})
	require.NoError(t, m.Reserve("nobody", 1))
}

func TestManager_TierRouting(t *testing.T) {
	m := New(Config{})
	m.SetLimits("user-1", Limits{DailyLimit: 10, Tier: "gpt-4o-mini"})

	tier, ok := m.Tier("user-1")
	require.True(t, ok)
	assert.Equal(t, "gpt-4o-mini", tier)

	_, ok = m.Tier("nobody")
	assert.False(t, ok)
}

func TestManager_WarningFiresOnceAt80Percent(t *testing.T) {
	bus := tsevents.New(nil)
	var fired int
	bus.On(tsevents.BudgetWarning, func(payload any) { fired++ })

	m := New(Config{Events: bus})
	m.SetLimits("user-1", Limits{DailyLimit: 10})

	require.NoError(t, m.Reserve("user-1", 8))
	assert.Equal(t, 1, fired)
}
