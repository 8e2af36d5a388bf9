// Package tspipeline implements the pipeline orchestrator (component K):
// it assembles every other component into transformParams / wrapGenerate
// / wrapStream, reshaping the teacher's staged http.Handler middleware
// chain (internal/middleware/*.go: CacheMiddleware, BudgetMiddleware,
// RateLimitMiddleware) into an explicit ordered Go-function pipeline over
// a typed RequestContext rather than http.Handler composition, since
// these three operations wrap a generator function, not an HTTP request.
// See spec §4.10 and the design note against private-sentinel map keys.
package tspipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tokenshield/tokenshield/internal/tsbreaker"
	"github.com/tokenshield/tokenshield/internal/tsbudget"
	"github.com/tokenshield/tokenshield/internal/tscache"
	"github.com/tokenshield/tokenshield/internal/tscontext"
	"github.com/tokenshield/tokenshield/internal/tscounter"
	"github.com/tokenshield/tokenshield/internal/tsevents"
	"github.com/tokenshield/tokenshield/internal/tsguard"
	"github.com/tokenshield/tokenshield/internal/tsledger"
	"github.com/tokenshield/tokenshield/internal/tsprefix"
	"github.com/tokenshield/tokenshield/internal/tsrouter"
	"github.com/tokenshield/tokenshield/internal/tsstream"
	"github.com/tokenshield/tokenshield/internal/tstypes"
)

// BlockedError is returned by TransformParams when any admission stage
// refuses the request. It is not retryable by the library; callers may
// retry after the named window, per spec §7.
type BlockedError struct {
	Reason        string
	EstimatedCost float64
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("tspipeline: blocked: %s", e.Reason)
}

// RequestContext is the per-request metadata the pipeline threads through
// its stages and back into wrapGenerate/wrapStream. It is a typed struct,
// not an opaque map keyed by a private sentinel, so every field a later
// stage needs is visible at compile time (design note, spec §9 note 1).
type RequestContext struct {
	RequestID     string
	UserID        string
	OriginalModel string
	Model         string
	Provider      tscounter.Provider

	Messages []tstypes.Message

	EstimatedInputTokens  int
	EstimatedOutputTokens int
	EstimatedCost         float64

	TierRouted bool

	BudgetReserved bool
	BudgetInflight float64

	GuardAdmitted bool
	guardPrompt   string

	CacheHit     *tscache.Result
	ContextTrim  tscontext.Result
	RouterResult tsrouter.Result
	PrefixResult tsprefix.Result
}

// Prompt returns the last user message this request context was built
// from, the basis of both the guard's and cache's fingerprints.
func (rc *RequestContext) Prompt() string {
	return tstypes.LastUserMessage(rc.Messages)
}

// ProviderResolver maps a model id to the provider whose tokenizer and
// prefix-cache discount rate apply, e.g. "gpt-4o" -> tscounter.ProviderOpenAI.
type ProviderResolver func(modelID string) tscounter.Provider

// Config wires every component into the orchestrator. Nil component
// pointers disable that pipeline stage entirely (capability interfaces
// with null implementations, spec §9 note 2), letting a Shield run with
// only a subset of the core enabled.
type Config struct {
	Counters  *tscounter.Registry
	Estimator *tscounter.Estimator
	Events    *tsevents.Bus

	Cache    *tscache.Cache
	Guard    *tsguard.Guard
	Breakers *tsbreaker.Manager
	Budget   *tsbudget.Manager
	Ledger   *tsledger.Ledger
	Router   *tsrouter.Router

	ContextFitterEnabled bool
	ContextConfig        tscontext.Config

	PrefixEnabled bool

	ResolveProvider ProviderResolver

	// DefaultOutputTokenEstimate is used for admission/budget checks when
	// the caller doesn't supply params.MaxOutputTokens.
	DefaultOutputTokenEstimate int

	Logger *zap.Logger
}

// Pipeline is the orchestrator for one Shield instance. It holds no lock
// of its own: every stage delegates to its component's own mutex, in the
// fixed order from spec §5 (breaker < userBudget < guard < cache < ledger).
type Pipeline struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config) *Pipeline {
	if cfg.DefaultOutputTokenEstimate <= 0 {
		cfg.DefaultOutputTokenEstimate = 500
	}
	if cfg.ResolveProvider == nil {
		cfg.ResolveProvider = defaultResolveProvider
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, logger: cfg.Logger}
}

func defaultResolveProvider(modelID string) tscounter.Provider {
	switch {
	case strings.HasPrefix(modelID, "gpt-"):
		return tscounter.ProviderOpenAI
	case strings.HasPrefix(modelID, "claude-"):
		return tscounter.ProviderAnthropic
	case strings.HasPrefix(modelID, "gemini-"):
		return tscounter.ProviderGoogle
	default:
		return tscounter.ProviderOther
	}
}

func (p *Pipeline) counterFor(model string) *tscounter.Counter {
	return p.cfg.Counters.Get(p.cfg.ResolveProvider(model))
}

// estimateCostChecked returns the estimator's raw result, including
// tstypes.ErrUnknownModel for a model the estimator has no price table
// entry for. Admission call sites (breaker, user budget) must see this
// error so an untabled model can't sail past a cost-based ceiling with
// an implicit $0; recordSuccess's savings accounting uses estimateCost
// instead, which keeps swallowing it to 0.
func (p *Pipeline) estimateCostChecked(model string, inputTokens, outputTokens int) (float64, error) {
	if p.cfg.Estimator == nil {
		return 0, nil
	}
	return p.cfg.Estimator.Estimate(model, inputTokens, outputTokens)
}

func (p *Pipeline) estimateCost(model string, inputTokens, outputTokens int) float64 {
	cost, err := p.estimateCostChecked(model, inputTokens, outputTokens)
	if err != nil {
		return 0
	}
	return cost
}

// TransformParams runs every pre-call stage in the fixed order from spec
// §4.10: breaker -> userBudget (may route the model) -> guard ->
// cacheLookup -> contextTrim -> router (skipped if tierRouted) ->
// prefixOptimize. A cache hit short-circuits contextTrim/router/prefix
// and is reported via RequestContext.CacheHit so WrapGenerate/WrapStream
// can synthesize a result without calling the generator.
func (p *Pipeline) TransformParams(params tstypes.Params) (*RequestContext, tstypes.Params, error) {
	rc := &RequestContext{
		RequestID:     uuid.NewString(),
		UserID:        params.UserID,
		OriginalModel: params.Model,
		Model:         params.Model,
		Messages:      params.Messages,
	}
	rc.Provider = p.cfg.ResolveProvider(rc.Model)
	counter := p.counterFor(rc.Model)

	rc.EstimatedInputTokens = counter.CountChatTokens(rc.Messages).Total
	rc.EstimatedOutputTokens = params.MaxOutputTokens
	if rc.EstimatedOutputTokens <= 0 {
		rc.EstimatedOutputTokens = p.cfg.DefaultOutputTokenEstimate
	}
	cost, costErr := p.estimateCostChecked(rc.Model, rc.EstimatedInputTokens, rc.EstimatedOutputTokens)
	rc.EstimatedCost = cost
	unknownModel := errors.Is(costErr, tstypes.ErrUnknownModel)

	if p.cfg.Breakers != nil {
		if unknownModel {
			return nil, tstypes.Params{}, &BlockedError{Reason: fmt.Sprintf("cannot admit %q: no price table entry", rc.Model)}
		}
		decision := p.cfg.Breakers.Check(rc.Model, rc.EstimatedCost)
		if !decision.Allowed {
			return nil, tstypes.Params{}, &BlockedError{Reason: decision.Reason, EstimatedCost: rc.EstimatedCost}
		}
	}

	if p.cfg.Budget != nil && rc.UserID != "" {
		if tier, ok := p.cfg.Budget.Tier(rc.UserID); ok && tier != "" {
			rc.Model = tier
			rc.TierRouted = true
			cost, costErr = p.estimateCostChecked(rc.Model, rc.EstimatedInputTokens, rc.EstimatedOutputTokens)
			rc.EstimatedCost = cost
			unknownModel = errors.Is(costErr, tstypes.ErrUnknownModel)
		}
		if unknownModel {
			return nil, tstypes.Params{}, &BlockedError{Reason: fmt.Sprintf("cannot admit %q: no price table entry", rc.Model)}
		}
		if err := p.cfg.Budget.Reserve(rc.UserID, rc.EstimatedCost); err != nil {
			return nil, tstypes.Params{}, &BlockedError{Reason: err.Error(), EstimatedCost: rc.EstimatedCost}
		}
		rc.BudgetReserved = true
		rc.BudgetInflight = rc.EstimatedCost
	}

	prompt := rc.Prompt()
	rc.guardPrompt = prompt

	if p.cfg.Guard != nil {
		decision := p.cfg.Guard.Check(prompt, rc.EstimatedCost, counter.CountTokens)
		if !decision.Allowed {
			p.releaseBudgetLocked(rc)
			return nil, tstypes.Params{}, &BlockedError{Reason: string(decision.Reason), EstimatedCost: rc.EstimatedCost}
		}
		rc.GuardAdmitted = true
	}

	if p.cfg.Events != nil {
		p.cfg.Events.Emit(tsevents.RequestAllowed, tsevents.RequestAllowedPayload{Prompt: prompt, Model: rc.Model})
	}

	if p.cfg.Cache != nil {
		result := p.cfg.Cache.Lookup(prompt, rc.Model)
		if result.Hit {
			rc.CacheHit = &result
			if p.cfg.Events != nil {
				p.cfg.Events.Emit(tsevents.CacheHit, tsevents.CacheHitPayload{
					MatchType: result.MatchType, Similarity: result.Similarity, SavedCost: rc.EstimatedCost,
				})
			}
			return rc, tstypes.Params{Model: rc.Model, Messages: rc.Messages, UserID: rc.UserID}, nil
		}
		if p.cfg.Events != nil {
			p.cfg.Events.Emit(tsevents.CacheMiss, tsevents.CacheMissPayload{Prompt: prompt})
		}
	}

	if p.cfg.ContextFitterEnabled {
		result := tscontext.Fit(rc.Messages, p.cfg.ContextConfig, counter)
		rc.Messages = result.Messages
		rc.ContextTrim = result
		if p.cfg.Events != nil && result.Evicted > 0 {
			p.cfg.Events.Emit(tsevents.ContextTrimmed, tsevents.ContextTrimmedPayload{
				OriginalTokens: result.OriginalTokens, TrimmedTokens: result.TrimmedTokens, SavedTokens: result.SavedTokens,
			})
		}
	}

	if p.cfg.Router != nil && !rc.TierRouted {
		res := p.cfg.Router.Route(prompt, rc.Model, rc.TierRouted)
		rc.RouterResult = res
		if res.Routed {
			saved := tsrouter.Savings(p.cfg.Estimator, rc.Model, res.SelectedModel, rc.EstimatedInputTokens, rc.EstimatedOutputTokens)
			if p.cfg.Events != nil {
				p.cfg.Events.Emit(tsevents.RouterDowngraded, tsevents.RouterDowngradedPayload{
					OriginalModel: rc.Model, SelectedModel: res.SelectedModel, Complexity: res.Complexity, SavedCost: saved,
				})
			}
			rc.Model = res.SelectedModel
			counter = p.counterFor(rc.Model)
		}
	}

	if p.cfg.PrefixEnabled {
		price, _ := p.cfg.Estimator.Price(rc.Model)
		result := tsprefix.Optimize(rc.Messages, prefixProvider(p.cfg.ResolveProvider(rc.Model)), price.InputPerMillion, counter)
		rc.Messages = result.Messages
		rc.PrefixResult = result
	}

	return rc, tstypes.Params{Model: rc.Model, Messages: rc.Messages, UserID: rc.UserID, MaxOutputTokens: params.MaxOutputTokens}, nil
}

func prefixProvider(p tscounter.Provider) tsprefix.Provider {
	switch p {
	case tscounter.ProviderAnthropic:
		return tsprefix.ProviderAnthropic
	case tscounter.ProviderGoogle:
		return tsprefix.ProviderGoogle
	default:
		return tsprefix.ProviderOpenAI
	}
}

// releaseBudgetLocked releases an acquired-but-unsettled budget
// reservation on an error path, per spec §4.10's in-flight safety rule.
func (p *Pipeline) releaseBudgetLocked(rc *RequestContext) {
	if rc.BudgetReserved && p.cfg.Budget != nil {
		p.cfg.Budget.Release(rc.UserID, rc.BudgetInflight)
		rc.BudgetReserved = false
	}
}

func (p *Pipeline) releaseGuard(rc *RequestContext) {
	if rc.GuardAdmitted && p.cfg.Guard != nil {
		p.cfg.Guard.Release(rc.guardPrompt)
	}
}

// GenerateResult is the outcome of a wrapped non-streaming call.
type GenerateResult struct {
	Text         string
	Usage        tstypes.Usage
	FinishReason string
	Cached       bool
}

// GenerateFunc performs the real provider call; TokenShield never calls
// the provider itself (spec §1 Non-goals).
type GenerateFunc func(ctx context.Context, params tstypes.Params) (GenerateResult, error)

// WrapGenerate either synthesizes a cache-hit result without invoking
// doGenerate, or calls it, records usage across ledger/breaker/budget/
// cache, and returns. Exactly one of settle or release is called for any
// reservation TransformParams acquired, per spec §4.10.
func (p *Pipeline) WrapGenerate(ctx context.Context, rc *RequestContext, params tstypes.Params, doGenerate GenerateFunc) (GenerateResult, error) {
	if rc.CacheHit != nil {
		p.releaseBudgetLocked(rc)
		p.releaseGuard(rc)
		entry := rc.CacheHit.Entry
		if p.cfg.Ledger != nil {
			p.cfg.Ledger.RecordCacheHit(rc.Model, entry.InputTokens, entry.OutputTokens, rc.EstimatedCost)
		}
		return GenerateResult{
			Text:         entry.Response,
			Usage:        tstypes.Usage{PromptTokens: entry.InputTokens, CompletionTokens: entry.OutputTokens},
			FinishReason: "stop",
			Cached:       true,
		}, nil
	}

	result, err := doGenerate(ctx, params)
	if err != nil {
		p.releaseBudgetLocked(rc)
		p.releaseGuard(rc)
		return GenerateResult{}, err
	}

	p.recordSuccess(rc, result.Usage)
	if p.cfg.Cache != nil {
		p.cfg.Cache.Store(rc.Prompt(), result.Text, rc.Model, result.Usage.PromptTokens, result.Usage.CompletionTokens)
	}
	p.releaseGuard(rc)
	return result, nil
}

// recordSuccess settles the budget reservation, records ledger/breaker
// spend, and credits cache/context/prefix/router savings, called exactly
// once per admitted request that actually reached the provider.
func (p *Pipeline) recordSuccess(rc *RequestContext, usage tstypes.Usage) {
	cost := p.estimateCost(rc.Model, usage.PromptTokens, usage.CompletionTokens)

	if p.cfg.Breakers != nil {
		p.cfg.Breakers.RecordSpend(rc.Model, cost)
	}
	if p.cfg.Budget != nil && rc.BudgetReserved {
		p.cfg.Budget.Settle(rc.UserID, cost, rc.BudgetInflight)
		rc.BudgetReserved = false
	}
	if p.cfg.Guard != nil {
		p.cfg.Guard.RecordSpend(cost)
	}
	if p.cfg.Ledger != nil {
		var routerSaved float64
		if rc.RouterResult.Routed && p.cfg.Estimator != nil {
			routerSaved = tsrouter.Savings(p.cfg.Estimator, rc.OriginalModel, rc.Model, usage.PromptTokens, usage.CompletionTokens)
		}
		p.cfg.Ledger.Record(tsledger.Entry{
			Module:       "pipeline",
			Model:        rc.Model,
			InputTokens:  usage.PromptTokens,
			OutputTokens: usage.CompletionTokens,
			Cost:         cost,
			Savings: tsledger.Savings{
				Context: p.contextSavings(rc),
				Prefix:  rc.PrefixResult.EstimatedSavings,
				Router:  routerSaved,
			},
		})
	}
}

// contextSavings prices the tokens the context fitter trimmed at the
// request model's input rate.
func (p *Pipeline) contextSavings(rc *RequestContext) float64 {
	if rc.ContextTrim.SavedTokens <= 0 {
		return 0
	}
	return p.estimateCost(rc.Model, rc.ContextTrim.SavedTokens, 0)
}

// ChunkReader is the caller-supplied incremental reader WrapStream wraps.
// Next returns io.EOF-equivalent semantics via done=true.
type ChunkReader interface {
	Next(ctx context.Context) (chunk string, done bool, err error)
}

// StreamFunc opens the underlying stream; TokenShield never makes the
// call itself.
type StreamFunc func(ctx context.Context, params tstypes.Params) (ChunkReader, error)

// WrappedStream is a pass-through reader that tallies output tokens
// incrementally and records ledger/breaker/user-budget exactly once on
// done, error, or Cancel, per spec §4.10's stream lifecycle.
type WrappedStream struct {
	p       *Pipeline
	rc      *RequestContext
	reader  ChunkReader
	tracker *tsstream.Tracker
	text    strings.Builder
	mu      sync.Mutex
}

// WrapStream opens doStream and returns a WrappedStream, or releases the
// pipeline's reservation and propagates the error if opening fails.
func (p *Pipeline) WrapStream(ctx context.Context, rc *RequestContext, params tstypes.Params, doStream StreamFunc) (*WrappedStream, error) {
	if rc.CacheHit != nil {
		p.releaseBudgetLocked(rc)
		p.releaseGuard(rc)
		return &WrappedStream{p: p, rc: rc, tracker: tsstream.New(p.counterFor(rc.Model), rc.EstimatedInputTokens)}, nil
	}

	reader, err := doStream(ctx, params)
	if err != nil {
		p.releaseBudgetLocked(rc)
		p.releaseGuard(rc)
		return nil, err
	}
	return &WrappedStream{
		p:       p,
		rc:      rc,
		reader:  reader,
		tracker: tsstream.New(p.counterFor(rc.Model), rc.EstimatedInputTokens),
	}, nil
}

// Next pulls the next chunk. Every pull is a suspension point; a
// cancelled ctx propagates to the underlying reader, per spec §4.10.
func (s *WrappedStream) Next(ctx context.Context) (string, bool, error) {
	if s.reader == nil {
		// Synthesized cache-hit stream: the whole response was already
		// attached as a single chunk by the caller via cached text, so
		// there is nothing further to pull.
		s.finish(nil)
		return "", true, nil
	}

	chunk, done, err := s.reader.Next(ctx)
	if err != nil {
		s.finish(err)
		return "", true, err
	}
	if chunk != "" {
		s.mu.Lock()
		s.text.WriteString(chunk)
		s.mu.Unlock()
		s.tracker.AddChunk(chunk)
	}
	if done {
		s.finish(nil)
	}
	return chunk, done, nil
}

// CachedText returns the cached response text when this stream was
// synthesized from a cache hit, so a caller can emit it as the stream's
// single chunk.
func (s *WrappedStream) CachedText() (string, bool) {
	if s.rc.CacheHit == nil {
		return "", false
	}
	return s.rc.CacheHit.Entry.Response, true
}

// Cancel signals downstream consumer cancellation. It funnels through the
// same recordOnce path as a natural done/error terminal state, per spec
// §4.10's stream lifecycle invariant ("all three MUST funnel through a
// single recordOnce sentinel").
func (s *WrappedStream) Cancel() {
	s.finish(context.Canceled)
}

// finish is the stream's recordOnce sentinel: whichever of Next (done or
// error) or Cancel calls it first performs the accounting; every
// subsequent call is a no-op, because tsstream.Tracker's terminal() flag
// is itself exactly-once.
func (s *WrappedStream) finish(cause error) {
	var usage tsstream.Usage
	var first bool
	if cause != nil {
		usage, first = s.tracker.Abort()
	} else {
		usage, first = s.tracker.Finish()
	}
	if !first {
		return
	}

	if s.rc.CacheHit != nil {
		s.p.releaseBudgetLocked(s.rc)
		s.p.releaseGuard(s.rc)
		entry := s.rc.CacheHit.Entry
		if s.p.cfg.Ledger != nil {
			s.p.cfg.Ledger.RecordCacheHit(s.rc.Model, entry.InputTokens, entry.OutputTokens, s.rc.EstimatedCost)
		}
		return
	}

	finalUsage := tstypes.Usage{PromptTokens: usage.InputTokens, CompletionTokens: usage.OutputTokens}
	s.p.recordSuccess(s.rc, finalUsage)

	if cause == nil && s.p.cfg.Cache != nil {
		s.mu.Lock()
		text := s.text.String()
		s.mu.Unlock()
		if text != "" {
			s.p.cfg.Cache.Store(s.rc.Prompt(), text, s.rc.Model, usage.InputTokens, usage.OutputTokens)
		}
	}
	s.p.releaseGuard(s.rc)
}
