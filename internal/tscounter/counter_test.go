package tscounter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenshield/tokenshield/internal/tstypes"
)

func TestCounter_OpenAI_Exact(t *testing.T) {
	c := New(ProviderOpenAI)
	usage := c.CountChatTokens([]tstypes.Message{
		{Role: tstypes.RoleSystem, Content: "You are a helpful assistant."},
		{Role: tstypes.RoleUser, Content: "Hello there!"},
	})
	assert.Equal(t, AccuracyExact, usage.Accuracy)
	assert.Equal(t, 0.0, usage.Margin)
	assert.Greater(t, usage.Total, 0)
	assert.Len(t, usage.PerMessage, 2)
}

func TestCounter_NonOpenAI_Approximate(t *testing.T) {
	for provider, margin := range map[Provider]float64{
		ProviderAnthropic:  0.35,
		ProviderGoogle:     0.15,
		ProviderOpenSource: 0.15,
		ProviderOther:      0.00,
	} {
		c := New(provider)
		usage := c.CountChatTokens([]tstypes.Message{{Role: tstypes.RoleUser, Content: "some prompt text here"}})
		assert.Equal(t, AccuracyApproximate, usage.Accuracy)
		assert.Equal(t, margin, usage.Margin, "provider=%s", provider)
	}
}

func TestCounter_EmptyText(t *testing.T) {
	c := New(ProviderAnthropic)
	assert.Equal(t, 0, c.CountTokens(""))
}

func TestRegistry_CachesPerProvider(t *testing.T) {
	r := NewRegistry()
	a := r.Get(ProviderOpenAI)
	b := r.Get(ProviderOpenAI)
	assert.Same(t, a, b)
	c := r.Get(ProviderAnthropic)
	assert.NotSame(t, a, c)
}

func TestEstimator_KnownModel(t *testing.T) {
	e := NewEstimator()
	cost, err := e.Estimate("gpt-4o-mini", 5000, 5000)
	require.NoError(t, err)
	assert.InDelta(t, (5000.0/1e6)*0.15+(5000.0/1e6)*0.60, cost, 1e-9)
}

func TestEstimator_UnknownModel(t *testing.T) {
	e := NewEstimator()
	_, err := e.Estimate("not-a-real-model", 10, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, tstypes.ErrUnknownModel)
}

func TestEstimator_Register(t *testing.T) {
	e := NewEstimator()
	e.Register("custom-model", Price{InputPerMillion: 1, OutputPerMillion: 2})
	cost, err := e.Estimate("custom-model", 1_000_000, 1_000_000)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, cost, 1e-9)
}
