package tsbreaker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenshield/tokenshield/internal/tsevents"
)

func TestBreaker_AllowsUnderLimit(t *testing.T) {
	b := New(Config{SessionLimit: 10, HourLimit: 10, DayLimit: 10})
	d := b.Check("gpt-4o-mini", 1)
	assert.True(t, d.Allowed)
}

func TestBreaker_StopBlocksAtLimit(t *testing.T) {
	b := New(Config{SessionLimit: 5, HourLimit: 100, DayLimit: 100, Action: ActionStop})
	d := b.Check("gpt-4o-mini", 5)
	assert.False(t, d.Allowed)
	assert.Equal(t, LimitSession, d.LimitType)
}

func TestBreaker_ZeroLimitBlocksEverythingWithFinitePercent(t *testing.T) {
	b := New(Config{SessionLimit: 0, Action: ActionStop})
	d := b.Check("gpt-4o-mini", 0.0001)
	require.False(t, d.Allowed)
	assert.Equal(t, 999.0, d.PercentUsed)
}

func TestBreaker_ThrottleAllowsButFlagsThrottled(t *testing.T) {
	b := New(Config{SessionLimit: 5, Action: ActionThrottle})
	d := b.Check("gpt-4o-mini", 5)
	assert.True(t, d.Allowed)
	assert.Equal(t, "Throttled", d.Reason)
}

func TestBreaker_WarnNeverBlocks(t *testing.T) {
	b := New(Config{SessionLimit: 1, Action: ActionWarn})
	d := b.Check("gpt-4o-mini", 100)
	assert.True(t, d.Allowed)
}

func TestBreaker_WarningFiresAt80Percent(t *testing.T) {
	bus := tsevents.New(nil)
	var fired int
	bus.On(tsevents.BreakerWarning, func(payload any) {
		fired++
	})

	b := New(Config{SessionLimit: 10, HourLimit: 100, DayLimit: 100, Action: ActionStop, Events: bus})
	b.Check("gpt-4o-mini", 8) // 80% exactly
	b.Check("gpt-4o-mini", 8) // still >=80%, must not re-fire (idempotent)
	assert.Equal(t, 1, fired)
}

func TestBreaker_RecordSpendAccumulates(t *testing.T) {
	b := New(Config{SessionLimit: 10, HourLimit: 100, DayLimit: 100, Action: ActionStop})
	b.RecordSpend(4, "gpt-4o-mini")
	b.RecordSpend(4, "gpt-4o-mini")
	d := b.Check("gpt-4o-mini", 3)
	assert.False(t, d.Allowed)
}

func TestBreaker_ResetClearsState(t *testing.T) {
	b := New(Config{SessionLimit: 10, HourLimit: 100, DayLimit: 100, Action: ActionStop})
	b.RecordSpend(10, "gpt-4o-mini")
	assert.False(t, b.Check("gpt-4o-mini", 1).Allowed)

	b.Reset()
	assert.True(t, b.Check("gpt-4o-mini", 1).Allowed)
}

func TestManager_LimitsAreGlobalAcrossModels(t *testing.T) {
	m := NewManager(Config{SessionLimit: 5, HourLimit: 100, DayLimit: 100, Action: ActionStop})
	m.RecordSpend("gpt-4o-mini", 5)

	assert.False(t, m.Check("gpt-4o-mini", 1).Allowed, "the shared session ceiling must block regardless of model")
	assert.False(t, m.Check("claude-3-haiku", 1).Allowed, "round-robining model ids must not reset or bypass the shared ceiling")
}
