package tsstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenshield/tokenshield/internal/tscounter"
)

func TestTracker_AccumulatesChunks(t *testing.T) {
	counter := tscounter.New(tscounter.ProviderOpenAI)
	tr := New(counter, 100)

	tr.AddChunk("hello ")
	tr.AddChunk("world")

	usage, recorded := tr.Finish()
	require.True(t, recorded)
	assert.Equal(t, 100, usage.InputTokens)
	assert.Greater(t, usage.OutputTokens, 0)
}

func TestTracker_FinishIsExactlyOnce(t *testing.T) {
	counter := tscounter.New(tscounter.ProviderOpenAI)
	tr := New(counter, 0)
	tr.AddChunk("some text")

	_, first := tr.Finish()
	_, second := tr.Finish()

	assert.True(t, first)
	assert.False(t, second)
}

func TestTracker_AbortAfterPartialChunksSharesTerminalFlag(t *testing.T) {
	counter := tscounter.New(tscounter.ProviderOpenAI)
	tr := New(counter, 10)
	tr.AddChunk("partial")

	usage, recorded := tr.Abort()
	require.True(t, recorded)
	assert.Greater(t, usage.OutputTokens, 0)

	_, again := tr.Finish()
	assert.False(t, again)
}

func TestTracker_SetInputTokensBeforeFirstChunk(t *testing.T) {
	counter := tscounter.New(tscounter.ProviderOpenAI)
	tr := New(counter, 0)
	tr.SetInputTokens(42)

	usage, _ := tr.Finish()
	assert.Equal(t, 42, usage.InputTokens)
}
