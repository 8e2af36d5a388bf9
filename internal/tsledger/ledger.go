// Package tsledger implements the cost ledger (component J): an
// append-only, monotonically sequenced log of spend and savings,
// generalized from the teacher's GORM-persisted BudgetService records
// into an in-memory slice with optional async persistence and optional
// SHA-256 hash chaining. See spec §4.9.
package tsledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tokenshield/tokenshield/internal/tsevents"
	"github.com/tokenshield/tokenshield/internal/tsstorage"
)

const genesisHash = "genesis"

// Savings breaks down the different ways a request's cost was reduced.
type Savings struct {
	Cache   float64
	Context float64
	Prefix  float64
	Router  float64
}

// Entry is one append-only ledger row.
type Entry struct {
	Seq          int64
	Timestamp    time.Time
	Module       string
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         float64
	Savings      Savings

	PrevHash string
	Hash     string
}

// Config controls optional persistence and hash chaining.
type Config struct {
	Persist     bool
	Store       tsstorage.Store
	HashChain   bool
	Events      *tsevents.Bus
	Logger      *zap.Logger
}

const keyPrefix = "tsledger:"

// Ledger is the append-only log for one Shield instance.
type Ledger struct {
	cfg     Config
	mu      sync.Mutex
	entries []Entry
	lastSeq int64
	writer  *tsstorage.AsyncWriter
}

func New(cfg Config) *Ledger {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	l := &Ledger{cfg: cfg}
	if cfg.Persist && cfg.Store != nil {
		l.writer = tsstorage.NewAsyncWriter(cfg.Store, 256, func(op string, err error) {
			if cfg.Events != nil {
				cfg.Events.Emit(tsevents.StorageErrorName, tsevents.StorageErrorPayload{Module: "ledger", Operation: op, Err: err})
			}
		})
	}
	return l
}

// Record appends entry, assigning seq = last+1 and the current
// timestamp, then emits ledger:entry.
func (l *Ledger) Record(entry Entry) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastSeq++
	entry.Seq = l.lastSeq
	entry.Timestamp = time.Now()

	if l.cfg.HashChain {
		prev := genesisHash
		if len(l.entries) > 0 {
			prev = l.entries[len(l.entries)-1].Hash
		}
		entry.PrevHash = prev
		entry.Hash = chainHash(entry)
	}

	l.entries = append(l.entries, entry)
	l.maybePersistLocked(entry)

	if l.cfg.Events != nil {
		l.cfg.Events.Emit(tsevents.LedgerEntry, tsevents.LedgerEntryPayload{
			Model: entry.Model, InputTokens: entry.InputTokens, OutputTokens: entry.OutputTokens,
			Cost: entry.Cost, Saved: entry.Savings.Cache + entry.Savings.Context + entry.Savings.Prefix + entry.Savings.Router,
		})
	}

	return entry
}

// RecordCacheHit records a zero-cost entry whose Savings.Cache is the
// estimated cost of the avoided call, per spec §4.9.
func (l *Ledger) RecordCacheHit(model string, savedInputTokens, savedOutputTokens int, estimatedCost float64) Entry {
	return l.Record(Entry{
		Module:       "cache",
		Model:        model,
		InputTokens:  savedInputTokens,
		OutputTokens: savedOutputTokens,
		Cost:         0,
		Savings:      Savings{Cache: estimatedCost},
	})
}

func chainHash(e Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%d|%s|%s|%f|%f|%s",
		e.Seq, e.Timestamp.UnixNano(), e.Module, e.Model, e.Cost,
		e.Savings.Cache+e.Savings.Context+e.Savings.Prefix+e.Savings.Router, e.PrevHash)
	return hex.EncodeToString(h.Sum(nil))
}

// Summary is the aggregate view returned by GetSummary.
type Summary struct {
	TotalSpent float64
	TotalSaved float64
	ByModule   map[string]float64
	CacheHits  int
}

func (l *Ledger) GetSummary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Summary{ByModule: make(map[string]float64)}
	for _, e := range l.entries {
		s.TotalSpent += e.Cost
		saved := e.Savings.Cache + e.Savings.Context + e.Savings.Prefix + e.Savings.Router
		s.TotalSaved += saved
		s.ByModule[e.Module] += e.Cost
		if e.Module == "cache" {
			s.CacheHits++
		}
	}
	return s
}

// EntryCount returns the number of entries recorded so far.
func (l *Ledger) EntryCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// IntegrityResult is returned by VerifyIntegrity.
type IntegrityResult struct {
	Valid      bool
	FirstBadSeq int64
}

// VerifyIntegrity walks the hash chain and reports the first broken
// link, if any. It always returns Valid=true when hash chaining is
// disabled, since there is nothing to verify.
func (l *Ledger) VerifyIntegrity() IntegrityResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.cfg.HashChain {
		return IntegrityResult{Valid: true}
	}

	prev := genesisHash
	for _, e := range l.entries {
		if e.PrevHash != prev || e.Hash != chainHash(e) {
			return IntegrityResult{Valid: false, FirstBadSeq: e.Seq}
		}
		prev = e.Hash
	}
	return IntegrityResult{Valid: true}
}

// Hydrate restores lastSeq to the maximum of the supplied previously
// persisted entries, used on startup to resume seq numbering without
// replaying the full entry list into memory.
func (l *Ledger) Hydrate(maxSeq int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if maxSeq > l.lastSeq {
		l.lastSeq = maxSeq
	}
}

func (l *Ledger) maybePersistLocked(e Entry) {
	if l.writer == nil {
		return
	}
	key := fmt.Sprintf("%s%d", keyPrefix, e.Seq)
	l.writer.Enqueue(key, []byte(fmt.Sprintf("%d:%s:%f", e.Seq, e.Model, e.Cost)), 0)
}

// Close stops the background persistence worker, if any.
func (l *Ledger) Close() {
	if l.writer != nil {
		l.writer.Close()
	}
}
