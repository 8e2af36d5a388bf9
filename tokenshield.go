// Package tokenshield is a client-side interception layer that sits in
// front of LLM providers: for every outbound request it performs
// admission control, prompt optimization, response caching, model
// routing, and post-hoc cost accounting, wrapping a caller-supplied
// generate/stream function rather than making the provider call itself.
// See SPEC_FULL.md for the full design; this file wires the internal
// components (tscounter..tsrouter) behind one instance-scoped Shield.
package tokenshield

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tokenshield/tokenshield/internal/tsbreaker"
	"github.com/tokenshield/tokenshield/internal/tsbudget"
	"github.com/tokenshield/tokenshield/internal/tscache"
	"github.com/tokenshield/tokenshield/internal/tsconfig"
	"github.com/tokenshield/tokenshield/internal/tscontext"
	"github.com/tokenshield/tokenshield/internal/tscounter"
	"github.com/tokenshield/tokenshield/internal/tsevents"
	"github.com/tokenshield/tokenshield/internal/tsguard"
	"github.com/tokenshield/tokenshield/internal/tsledger"
	"github.com/tokenshield/tokenshield/internal/tslogger"
	"github.com/tokenshield/tokenshield/internal/tsmetrics"
	"github.com/tokenshield/tokenshield/internal/tspipeline"
	"github.com/tokenshield/tokenshield/internal/tsrouter"
	"github.com/tokenshield/tokenshield/internal/tsstorage"
	"github.com/tokenshield/tokenshield/internal/tstypes"
)

// Re-exported data-model types so callers never import internal/tstypes
// directly.
type (
	Message = tstypes.Message
	Params  = tstypes.Params
	Usage   = tstypes.Usage
	Role    = tstypes.Role
)

const (
	RoleSystem    = tstypes.RoleSystem
	RoleUser      = tstypes.RoleUser
	RoleAssistant = tstypes.RoleAssistant
	RoleTool      = tstypes.RoleTool
)

// GenerateResult is the outcome of a non-streaming call.
type GenerateResult = tspipeline.GenerateResult

// GenerateFunc performs the real provider call.
type GenerateFunc = tspipeline.GenerateFunc

// ChunkReader is the caller-supplied incremental stream reader.
type ChunkReader = tspipeline.ChunkReader

// StreamFunc opens the real provider stream.
type StreamFunc = tspipeline.StreamFunc

// Stream is a pass-through reader that tallies tokens and records
// accounting exactly once on completion, error, or Cancel.
type Stream = tspipeline.WrappedStream

// Shield is one independent instance of the interception layer. Multiple
// Shields in the same process share no state, per spec §5.
type Shield struct {
	cfg      *tsconfig.Config
	pipeline *tspipeline.Pipeline
	events   *tsevents.Bus
	logger   *zap.Logger

	cache    *tscache.Cache
	guard    *tsguard.Guard
	breakers *tsbreaker.Manager
	budget   *tsbudget.Manager
	ledger   *tsledger.Ledger
	router   *tsrouter.Router
	metrics  *tsmetrics.Metrics

	metricsUnsubs []tsevents.Unsubscribe
	startedAt     time.Time
	closeOnce     sync.Once
}

// New loads configuration from configPath (a directory containing
// tokenshield.yaml, or "" to rely on defaults/env) and constructs a
// Shield with every module the configuration enables.
func New(configPath string) (*Shield, error) {
	cfg, err := tsconfig.Load(configPath)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg)
}

// NewWithConfig constructs a Shield from an already-loaded Config,
// letting a caller build one programmatically instead of via YAML/env.
func NewWithConfig(cfg *tsconfig.Config) (*Shield, error) {
	logger, err := tslogger.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	s := &Shield{
		cfg:       cfg,
		logger:    logger,
		events:    tsevents.New(logger),
		startedAt: time.Now(),
	}

	counters := tscounter.NewRegistry()
	estimator := tscounter.NewEstimator()

	store := tsstorage.NewMemoryStore()

	if cfg.Modules.Cache {
		s.cache = tscache.New(tscache.Config{
			MaxEntries:          cfg.Cache.MaxEntries,
			TTL:                 time.Duration(cfg.Cache.TTLMs) * time.Millisecond,
			SimilarityThreshold: cfg.Cache.SimilarityThreshold,
			Persist:             cfg.Cache.Persist,
			Store:               store,
			Events:              s.events,
			Logger:              logger,
		})
	}

	if cfg.Modules.Guard {
		s.guard = tsguard.New(tsguard.Config{
			MinInputLength:       cfg.Guard.MinInputLength,
			MaxInputTokens:       cfg.Guard.MaxInputTokens,
			DeduplicateWindow:    time.Duration(cfg.Guard.DeduplicateWindowMs) * time.Millisecond,
			DebounceWindow:       time.Duration(cfg.Guard.DebounceMs) * time.Millisecond,
			MaxRequestsPerMinute: cfg.Guard.MaxRequestsPerMinute,
			MaxCostPerHour:       cfg.Guard.MaxCostPerHour,
			DeduplicateInFlight:  cfg.Guard.DeduplicateInFlight,
			Events:               s.events,
		})
	}

	s.breakers = tsbreaker.NewManager(tsbreaker.Config{
		SessionLimit: cfg.Breaker.Limits.PerSession,
		HourLimit:    cfg.Breaker.Limits.PerHour,
		DayLimit:     cfg.Breaker.Limits.PerDay,
		Action:       tsbreaker.Action(cfg.Breaker.Action),
		Events:       s.events,
	})

	s.budget = tsbudget.New(tsbudget.Config{
		Events:              s.events,
		Logger:              logger,
		DefaultDailyLimit:   cfg.UserBudget.Budgets.DefaultDaily,
		DefaultMonthlyLimit: cfg.UserBudget.Budgets.DefaultMonthly,
	})
	for _, u := range cfg.UserBudget.Budgets.Users {
		s.budget.SetLimits(u.UserID, tsbudget.Limits{
			DailyLimit:   coalesce(u.DailyLimit, cfg.UserBudget.Budgets.DefaultDaily),
			MonthlyLimit: coalesce(u.MonthlyLimit, cfg.UserBudget.Budgets.DefaultMonthly),
			Tier:         u.Tier,
		})
	}

	s.ledger = tsledger.New(tsledger.Config{
		Persist:   cfg.Ledger.Persist,
		Store:     store,
		HashChain: true,
		Events:    s.events,
		Logger:    logger,
	})

	if cfg.Modules.Router {
		var tiers []tsrouter.Tier
		for _, t := range cfg.Router.Tiers {
			tiers = append(tiers, tsrouter.Tier{ModelID: t.ModelID, MaxComplexity: t.MaxComplexity})
		}
		s.router = tsrouter.New(tsrouter.Config{Tiers: tiers, ComplexityThreshold: cfg.Router.ComplexityThreshold})
	}

	s.metrics = tsmetrics.New()
	s.metricsUnsubs = s.metrics.Subscribe(s.events)

	s.pipeline = tspipeline.New(tspipeline.Config{
		Counters:             counters,
		Estimator:            estimator,
		Events:               s.events,
		Cache:                s.cache,
		Guard:                s.guard,
		Breakers:             s.breakers,
		Budget:               s.budget,
		Ledger:               s.ledger,
		Router:               s.router,
		ContextFitterEnabled: cfg.Modules.Context,
		ContextConfig: tscontext.Config{
			MaxContextTokens:  cfg.Context.MaxInputTokens,
			ReservedForOutput: cfg.Context.ReserveForOutput,
		},
		PrefixEnabled: cfg.Modules.Prefix,
		Logger:        logger,
	})

	return s, nil
}

func coalesce(v, fallback float64) float64 {
	if v > 0 {
		return v
	}
	return fallback
}

// Generate runs the full pipeline around a single non-streaming call:
// admission, cache lookup, and (on miss) doGenerate, followed by
// accounting. A BlockedError is returned if any admission stage refuses
// the request.
func (s *Shield) Generate(ctx context.Context, params Params, doGenerate GenerateFunc) (GenerateResult, error) {
	rc, outParams, err := s.pipeline.TransformParams(params)
	if err != nil {
		return GenerateResult{}, remapBlocked(err)
	}
	result, err := s.pipeline.WrapGenerate(ctx, rc, outParams, doGenerate)
	if err != nil {
		return GenerateResult{}, &DownstreamError{Err: err}
	}
	return result, nil
}

// Stream runs the full pipeline around a streaming call, returning a
// pass-through Stream whose Next/Cancel methods the caller drives.
func (s *Shield) Stream(ctx context.Context, params Params, doStream StreamFunc) (*Stream, error) {
	rc, outParams, err := s.pipeline.TransformParams(params)
	if err != nil {
		return nil, remapBlocked(err)
	}
	stream, err := s.pipeline.WrapStream(ctx, rc, outParams, doStream)
	if err != nil {
		return nil, &DownstreamError{Err: err}
	}
	return stream, nil
}

func remapBlocked(err error) error {
	var pb *tspipeline.BlockedError
	if errors.As(err, &pb) {
		return &BlockedError{Reason: pb.Reason, EstimatedCost: pb.EstimatedCost}
	}
	return err
}

// Metrics returns the Shield's Prometheus event-bus subscriber, so a
// caller can register its Registry with their own /metrics handler. Per
// spec.md §1, the metrics/dashboard layer is an external collaborator;
// this is the library's ready-to-use adapter for it.
func (s *Shield) Metrics() *tsmetrics.Metrics {
	return s.metrics
}

// Events returns the Shield's event bus for callers that want to observe
// admission/cache/breaker/budget/ledger events directly.
func (s *Shield) Events() *tsevents.Bus {
	return s.events
}

// Health is the result of HealthCheck.
type Health struct {
	Healthy          bool
	Uptime           time.Duration
	Modules          map[string]bool
	CacheHitRate     *float64
	GuardBlockedRate *float64
	BreakerTripped   *bool
	TotalSpent       *float64
	TotalSaved       *float64
}

// HealthCheck reports the Shield's liveness and, for every enabled
// module, a headline statistic: cache hit rate, guard blocked rate, and
// ledger totals. BreakerTripped is never set, so Healthy is always true;
// a tripped breaker shows only as blocked requests. Uptime and
// the modules map follow the teacher's cmd/server/main.go lite-mode
// detection pattern, generalized from "which external deps connected" to
// "which optional components this instance enabled."
func (s *Shield) HealthCheck() Health {
	h := Health{
		Healthy: true,
		Uptime:  time.Since(s.startedAt),
		Modules: map[string]bool{
			"guard":   s.cfg.Modules.Guard,
			"cache":   s.cfg.Modules.Cache,
			"context": s.cfg.Modules.Context,
			"router":  s.cfg.Modules.Router,
			"prefix":  s.cfg.Modules.Prefix,
			"ledger":  s.cfg.Modules.Ledger,
		},
	}

	total := s.ledger.EntryCount()

	if s.cache != nil {
		summary := s.ledger.GetSummary()
		rate := 0.0
		if total > 0 {
			rate = float64(summary.CacheHits) / float64(total)
		}
		h.CacheHitRate = &rate
	}
	if s.guard != nil {
		stats := s.guard.Stats()
		rate := 0.0
		if attempted := total + stats.BlockedCount; attempted > 0 {
			rate = float64(stats.BlockedCount) / float64(attempted)
		}
		h.GuardBlockedRate = &rate
	}
	if s.ledger != nil {
		summary := s.ledger.GetSummary()
		spent, saved := summary.TotalSpent, summary.TotalSaved
		h.TotalSpent = &spent
		h.TotalSaved = &saved
	}

	return h
}

// Close releases background resources (async persistence workers). It is
// idempotent.
func (s *Shield) Close() error {
	s.closeOnce.Do(func() {
		if s.cache != nil {
			s.cache.Close()
		}
		if s.ledger != nil {
			s.ledger.Close()
		}
		for _, u := range s.metricsUnsubs {
			u()
		}
		_ = s.logger.Sync()
	})
	return nil
}
