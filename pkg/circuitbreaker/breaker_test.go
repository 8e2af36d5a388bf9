package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSimpleBreaker_OpensAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)
	assert.False(t, b.IsOpen())

	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.IsOpen())

	b.RecordFailure()
	assert.True(t, b.IsOpen())
}

func TestSimpleBreaker_RecordSuccessResetsFailures(t *testing.T) {
	b := New(2, time.Minute)
	b.RecordFailure()
	b.RecordSuccess()

	isOpen, failures := b.GetState()
	assert.False(t, isOpen)
	assert.Equal(t, 0, failures)
}

func TestSimpleBreaker_ClosesAfterCooldown(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	b.RecordFailure()
	assert.True(t, b.IsOpen())

	time.Sleep(20 * time.Millisecond)
	assert.False(t, b.IsOpen())

	isOpen, failures := b.GetState()
	assert.False(t, isOpen)
	assert.Equal(t, 0, failures)
}

func TestManager_TracksBreakersPerModel(t *testing.T) {
	m := NewManager(1, time.Minute)
	m.RecordFailure("gpt-4o")
	assert.True(t, m.IsOpen("gpt-4o"))
	assert.False(t, m.IsOpen("gpt-4o-mini"))
}

func TestManager_ResetAllClearsEveryBreaker(t *testing.T) {
	m := NewManager(1, time.Minute)
	m.RecordFailure("gpt-4o")
	m.RecordFailure("claude-3")
	m.ResetAll()

	assert.False(t, m.IsOpen("gpt-4o"))
	assert.False(t, m.IsOpen("claude-3"))
}
