package tspipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenshield/tokenshield/internal/tsbreaker"
	"github.com/tokenshield/tokenshield/internal/tsbudget"
	"github.com/tokenshield/tokenshield/internal/tscache"
	"github.com/tokenshield/tokenshield/internal/tscontext"
	"github.com/tokenshield/tokenshield/internal/tscounter"
	"github.com/tokenshield/tokenshield/internal/tsevents"
	"github.com/tokenshield/tokenshield/internal/tsguard"
	"github.com/tokenshield/tokenshield/internal/tsledger"
	"github.com/tokenshield/tokenshield/internal/tstypes"
)

// unregisteredModel has no entry in tscounter.NewEstimator()'s price table,
// so Estimate returns tstypes.ErrUnknownModel for it.
const unregisteredModel = "some-unpriced-model"

func newTestPipeline(t *testing.T) (*Pipeline, Config) {
	t.Helper()
	cfg := Config{
		Counters:             tscounter.NewRegistry(),
		Estimator:            tscounter.NewEstimator(),
		Events:               tsevents.New(nil),
		Cache:                tscache.New(tscache.Config{MaxEntries: 10, SimilarityThreshold: 0.85}),
		Guard:                tsguard.New(tsguard.Config{}),
		Breakers:             tsbreaker.NewManager(tsbreaker.Config{SessionLimit: 1.0, HourLimit: 100, DayLimit: 100, Action: tsbreaker.ActionStop}),
		Budget:               tsbudget.New(tsbudget.Config{}),
		Ledger:               tsledger.New(tsledger.Config{}),
		ContextFitterEnabled: true,
		ContextConfig:        tscontext.Config{MaxContextTokens: 8000, ReservedForOutput: 500},
		PrefixEnabled:        false,
	}
	return New(cfg), cfg
}

func chatParams(model, prompt string) tstypes.Params {
	return tstypes.Params{
		Model:    model,
		Messages: []tstypes.Message{{Role: tstypes.RoleUser, Content: prompt}},
	}
}

func TestPipeline_CacheMissThenStoreThenHit(t *testing.T) {
	p, _ := newTestPipeline(t)
	params := chatParams("gpt-4o-mini", "what is the capital of France?")

	rc1, p1, err := p.TransformParams(params)
	require.NoError(t, err)
	require.Nil(t, rc1.CacheHit)

	result, err := p.WrapGenerate(context.Background(), rc1, p1, func(ctx context.Context, params tstypes.Params) (GenerateResult, error) {
		return GenerateResult{Text: "Paris", Usage: tstypes.Usage{PromptTokens: 10, CompletionTokens: 2}, FinishReason: "stop"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Paris", result.Text)
	assert.False(t, result.Cached)

	rc2, p2, err := p.TransformParams(params)
	require.NoError(t, err)
	require.NotNil(t, rc2.CacheHit)

	result2, err := p.WrapGenerate(context.Background(), rc2, p2, func(ctx context.Context, params tstypes.Params) (GenerateResult, error) {
		t.Fatal("doGenerate must not be called on a cache hit")
		return GenerateResult{}, nil
	})
	require.NoError(t, err)
	assert.True(t, result2.Cached)
	assert.Equal(t, "Paris", result2.Text)
}

func TestPipeline_GuardDedupWindowBlocksRepeat(t *testing.T) {
	p, _ := newTestPipeline(t)
	p.cfg.Guard = tsguard.New(tsguard.Config{DeduplicateWindow: 5 * time.Second})
	params := chatParams("gpt-4o-mini", "tell me a joke")

	rc1, p1, err := p.TransformParams(params)
	require.NoError(t, err)
	_, err = p.WrapGenerate(context.Background(), rc1, p1, func(ctx context.Context, params tstypes.Params) (GenerateResult, error) {
		return GenerateResult{Text: "joke1", Usage: tstypes.Usage{PromptTokens: 5, CompletionTokens: 5}}, nil
	})
	require.NoError(t, err)

	_, _, err = p.TransformParams(chatParams("gpt-4o-mini", "tell me a different joke so cache misses"))
	require.NoError(t, err)

	_, _, err = p.TransformParams(params)
	require.Error(t, err)
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
}

func TestPipeline_BreakerSessionLimitTripsAdmission(t *testing.T) {
	p, _ := newTestPipeline(t)

	for i := 0; i < 3; i++ {
		rc, params, err := p.TransformParams(chatParams("gpt-4o", "a fairly long and different prompt number "+string(rune('a'+i))))
		if err != nil {
			var blocked *BlockedError
			require.ErrorAs(t, err, &blocked)
			return
		}
		_, err = p.WrapGenerate(context.Background(), rc, params, func(ctx context.Context, params tstypes.Params) (GenerateResult, error) {
			return GenerateResult{Text: "x", Usage: tstypes.Usage{PromptTokens: 50000, CompletionTokens: 50000}}, nil
		})
		require.NoError(t, err)
	}
	t.Fatal("expected breaker to trip within 3 expensive gpt-4o calls against a $1 session limit")
}

func TestPipeline_UnknownModelBlocksAtBreakerInsteadOfCostingZero(t *testing.T) {
	p, _ := newTestPipeline(t)

	_, _, err := p.TransformParams(chatParams(unregisteredModel, "what happens with no price table entry?"))
	require.Error(t, err)
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
}

func TestPipeline_UnknownTierModelBlocksAtBudgetInsteadOfCostingZero(t *testing.T) {
	p, cfg := newTestPipeline(t)
	p.cfg.Breakers = nil
	cfg.Budget.SetLimits("user-3", tsbudget.Limits{DailyLimit: 100, MonthlyLimit: 1000, Tier: unregisteredModel})

	params := tstypes.Params{Model: "gpt-4o-mini", UserID: "user-3", Messages: []tstypes.Message{{Role: tstypes.RoleUser, Content: "route me to an unpriced tier"}}}
	_, _, err := p.TransformParams(params)
	require.Error(t, err)
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)

	snap, ok := cfg.Budget.Snapshot("user-3")
	require.True(t, ok)
	assert.Equal(t, 0.0, snap.Inflight, "a blocked unknown-model reservation must never have been reserved")
}

func TestPipeline_CacheHitRecordsToLedger(t *testing.T) {
	p, cfg := newTestPipeline(t)
	params := chatParams("gpt-4o-mini", "what is the capital of Italy?")

	rc1, p1, err := p.TransformParams(params)
	require.NoError(t, err)
	_, err = p.WrapGenerate(context.Background(), rc1, p1, func(ctx context.Context, params tstypes.Params) (GenerateResult, error) {
		return GenerateResult{Text: "Rome", Usage: tstypes.Usage{PromptTokens: 10, CompletionTokens: 2}}, nil
	})
	require.NoError(t, err)
	countAfterFirstCall := cfg.Ledger.EntryCount()

	rc2, p2, err := p.TransformParams(params)
	require.NoError(t, err)
	require.NotNil(t, rc2.CacheHit)
	_, err = p.WrapGenerate(context.Background(), rc2, p2, func(ctx context.Context, params tstypes.Params) (GenerateResult, error) {
		t.Fatal("must not call doGenerate on cache hit")
		return GenerateResult{}, nil
	})
	require.NoError(t, err)

	assert.Equal(t, countAfterFirstCall+1, cfg.Ledger.EntryCount(), "a cache hit must append its own ledger entry")
	summary := cfg.Ledger.GetSummary()
	assert.Equal(t, 1, summary.CacheHits)
	assert.Greater(t, summary.TotalSaved, 0.0)
}

func TestPipeline_ContextTrimEvictsOldestUnpinnedMessages(t *testing.T) {
	p, _ := newTestPipeline(t)
	p.cfg.ContextConfig = tscontext.Config{MaxContextTokens: 40, ReservedForOutput: 5}

	messages := []tstypes.Message{
		{Role: tstypes.RoleSystem, Content: "you are a helpful assistant"},
		{Role: tstypes.RoleUser, Content: "first very old message padded out to be long enough to matter here"},
		{Role: tstypes.RoleAssistant, Content: "first reply"},
		{Role: tstypes.RoleUser, Content: "latest question"},
	}
	rc, _, err := p.TransformParams(tstypes.Params{Model: "gpt-4o-mini", Messages: messages})
	require.NoError(t, err)

	assert.Greater(t, rc.ContextTrim.Evicted, 0)
	assert.Less(t, rc.ContextTrim.TrimmedTokens, rc.ContextTrim.OriginalTokens)

	var hasLatest bool
	for _, m := range rc.Messages {
		if m.Content == "latest question" {
			hasLatest = true
		}
	}
	assert.True(t, hasLatest, "the newest unpinned message must survive trimming")
}

func TestPipeline_UserBudgetReleasedNotSettledOnCacheHit(t *testing.T) {
	p, cfg := newTestPipeline(t)
	cfg.Budget.SetLimits("user-1", tsbudget.Limits{DailyLimit: 10, MonthlyLimit: 100})

	params := tstypes.Params{Model: "gpt-4o-mini", UserID: "user-1", Messages: []tstypes.Message{{Role: tstypes.RoleUser, Content: "cache me please"}}}

	rc1, p1, err := p.TransformParams(params)
	require.NoError(t, err)
	_, err = p.WrapGenerate(context.Background(), rc1, p1, func(ctx context.Context, params tstypes.Params) (GenerateResult, error) {
		return GenerateResult{Text: "cached response", Usage: tstypes.Usage{PromptTokens: 10, CompletionTokens: 10}}, nil
	})
	require.NoError(t, err)

	snapBefore, ok := cfg.Budget.Snapshot("user-1")
	require.True(t, ok)

	rc2, p2, err := p.TransformParams(params)
	require.NoError(t, err)
	require.NotNil(t, rc2.CacheHit)

	_, err = p.WrapGenerate(context.Background(), rc2, p2, func(ctx context.Context, params tstypes.Params) (GenerateResult, error) {
		t.Fatal("must not call doGenerate on cache hit")
		return GenerateResult{}, nil
	})
	require.NoError(t, err)

	snapAfter, ok := cfg.Budget.Snapshot("user-1")
	require.True(t, ok)
	assert.Equal(t, snapBefore.SpentToday, snapAfter.SpentToday, "a cache hit must not add to settled spend")
	assert.Equal(t, 0.0, snapAfter.Inflight, "the cache-hit reservation must be released, not left in-flight")
}

type fakeChunkReader struct {
	chunks  []string
	idx     int
	cancel  chan struct{}
	blocked bool
}

func (f *fakeChunkReader) Next(ctx context.Context) (string, bool, error) {
	if f.blocked {
		select {
		case <-f.cancel:
			return "", false, errors.New("stream canceled")
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
	if f.idx >= len(f.chunks) {
		return "", true, nil
	}
	c := f.chunks[f.idx]
	f.idx++
	return c, f.idx >= len(f.chunks), nil
}

func TestPipeline_StreamCancelMidFlightCreditsExactlyOnce(t *testing.T) {
	p, _ := newTestPipeline(t)
	params := chatParams("gpt-4o-mini", "stream me a long answer")

	rc, outParams, err := p.TransformParams(params)
	require.NoError(t, err)

	reader := &fakeChunkReader{chunks: []string{"partial ", "output "}}
	stream, err := p.WrapStream(context.Background(), rc, outParams, func(ctx context.Context, params tstypes.Params) (ChunkReader, error) {
		return reader, nil
	})
	require.NoError(t, err)

	_, done, err := stream.Next(context.Background())
	require.NoError(t, err)
	require.False(t, done)

	stream.Cancel()
	stream.Cancel() // second call must be a no-op, not a double-record

	usage1, first1 := stream.tracker.Finish()
	usage2, first2 := stream.tracker.Finish()
	assert.False(t, first1, "terminal state was already recorded by Cancel")
	assert.False(t, first2)
	assert.Equal(t, usage1, usage2, "usage snapshot must be stable across repeated terminal calls")
}

func TestPipeline_StreamNaturalCompletionStoresToCache(t *testing.T) {
	p, _ := newTestPipeline(t)
	params := chatParams("gpt-4o-mini", "stream me a short answer")

	rc, outParams, err := p.TransformParams(params)
	require.NoError(t, err)

	reader := &fakeChunkReader{chunks: []string{"hello ", "world"}}
	stream, err := p.WrapStream(context.Background(), rc, outParams, func(ctx context.Context, params tstypes.Params) (ChunkReader, error) {
		return reader, nil
	})
	require.NoError(t, err)

	for {
		_, done, err := stream.Next(context.Background())
		require.NoError(t, err)
		if done {
			break
		}
	}

	result := p.cfg.Cache.Lookup("stream me a short answer", "gpt-4o-mini")
	assert.True(t, result.Hit)
	assert.Equal(t, "hello world", result.Entry.Response)
}

func TestPipeline_DoGenerateErrorReleasesReservationWithoutSettling(t *testing.T) {
	p, cfg := newTestPipeline(t)
	cfg.Budget.SetLimits("user-2", tsbudget.Limits{DailyLimit: 5, MonthlyLimit: 50})

	params := tstypes.Params{Model: "gpt-4o-mini", UserID: "user-2", Messages: []tstypes.Message{{Role: tstypes.RoleUser, Content: "will fail downstream"}}}
	rc, outParams, err := p.TransformParams(params)
	require.NoError(t, err)

	_, err = p.WrapGenerate(context.Background(), rc, outParams, func(ctx context.Context, params tstypes.Params) (GenerateResult, error) {
		return GenerateResult{}, errors.New("upstream boom")
	})
	require.Error(t, err)

	snap, ok := cfg.Budget.Snapshot("user-2")
	require.True(t, ok)
	assert.Equal(t, 0.0, snap.SpentToday)
	assert.Equal(t, 0.0, snap.Inflight)
}
