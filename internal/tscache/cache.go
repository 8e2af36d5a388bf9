// Package tscache implements the response cache (component D): an exact
// fingerprint lookup backed by a fuzzy MinHash/LSH lookup, LRU+TTL
// eviction, and optional fire-and-forget persistence. See spec §4.3.
package tscache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tokenshield/tokenshield/internal/tsevents"
	"github.com/tokenshield/tokenshield/internal/tsstorage"
)

// Config controls the cache's size, eviction, and LSH geometry.
type Config struct {
	MaxEntries int
	TTL        time.Duration

	// SimilarityThreshold is the minimum estimated Jaccard similarity for
	// a fuzzy match to count as a hit. Short prompts (<10 chars) apply
	// Threshold+0.05, per spec §4.3.
	SimilarityThreshold float64

	// Bands and Rows must multiply to NumHashes (H). Defaults: 8 bands x
	// 8 rows = 64 hashes, matching spec §3's "H typically 64".
	Bands     int
	Rows      int
	NumHashes int

	Persist bool
	Store   tsstorage.Store
	Events  *tsevents.Bus
	Logger  *zap.Logger
}

const keyPrefix = "tscache:"

// Entry is a stored response, matching spec §3 CacheEntry.
type Entry struct {
	Fingerprint  string
	Model        string
	Prompt       string
	Response     string
	InputTokens  int
	OutputTokens int
	StoredAt     time.Time
	TTL          time.Duration
	Hits         int

	lastAccess time.Time
	sig        []uint64
}

func (e *Entry) expired(now time.Time) bool {
	return e.TTL > 0 && now.After(e.StoredAt.Add(e.TTL))
}

// Result is returned by Lookup.
type Result struct {
	Hit        bool
	MatchType  tsevents.MatchType
	Similarity float64
	Entry      *Entry
}

// Cache is the response cache. All mutating operations are serialized by
// mu, per the fixed component lock order in spec §5 (cache after
// breaker/userBudget/guard).
type Cache struct {
	cfg Config

	mu          chan struct{} // binary semaphore; see lock()/unlock()
	entries     []*Entry
	exactIndex  map[string]int // fingerprint -> index into entries
	bandBuckets []map[uint64][]int

	writer *tsstorage.AsyncWriter
}

// New constructs a Cache. It panics with an error describing the bad
// geometry (a plain error that does not wrap tokenshield.ErrConfig) if
// the caller supplies an explicit NumHashes that does not divide evenly
// by Bands, per spec §7 ConfigError ("thrown immediately from the
// constructor").
func New(cfg Config) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.85
	}
	switch {
	case cfg.Bands == 0 && cfg.Rows == 0 && cfg.NumHashes == 0:
		cfg.Bands, cfg.Rows = 8, 8
	case cfg.NumHashes != 0 && cfg.Bands != 0:
		if cfg.NumHashes%cfg.Bands != 0 {
			panic(validateLSH(cfg.Bands, cfg.NumHashes/cfg.Bands, cfg.NumHashes))
		}
		cfg.Rows = cfg.NumHashes / cfg.Bands
	case cfg.Bands == 0:
		cfg.Bands = 8
	case cfg.Rows == 0:
		cfg.Rows = 8
	}
	cfg.NumHashes = cfg.Bands * cfg.Rows
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	c := &Cache{
		cfg:         cfg,
		mu:          make(chan struct{}, 1),
		exactIndex:  make(map[string]int),
		bandBuckets: make([]map[uint64][]int, cfg.Bands),
	}
	for i := range c.bandBuckets {
		c.bandBuckets[i] = make(map[uint64][]int)
	}
	if cfg.Persist && cfg.Store != nil {
		c.writer = tsstorage.NewAsyncWriter(cfg.Store, 256, func(op string, err error) {
			c.emitStorageError(op, err)
		})
	}
	return c
}

func (c *Cache) lock()   { c.mu <- struct{}{} }
func (c *Cache) unlock() { <-c.mu }

// Fingerprint returns the exact-match key for a (lastUserText, model)
// pair: the SHA-256 of the normalized, trimmed, lowercased concatenation.
func Fingerprint(lastUserText, model string) string {
	norm := strings.TrimSpace(strings.ToLower(lastUserText)) + "\x00" + model
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

// Lookup performs the two-stage lookup: exact first, then fuzzy.
func (c *Cache) Lookup(prompt, model string) Result {
	c.lock()
	defer c.unlock()

	c.purgeExpiredLocked()

	fp := Fingerprint(prompt, model)
	if idx, ok := c.exactIndex[fp]; ok {
		e := c.entries[idx]
		e.Hits++
		e.lastAccess = time.Now()
		return Result{Hit: true, MatchType: tsevents.MatchExact, Similarity: 1.0, Entry: e}
	}

	set := shingles(prompt)
	sig := signature(set, c.cfg.NumHashes)

	threshold := c.cfg.SimilarityThreshold
	if len(strings.TrimSpace(prompt)) < 10 {
		threshold += 0.05
	}

	var best *Entry
	var bestSim float64
	seen := make(map[int]bool)
	for band := 0; band < c.cfg.Bands; band++ {
		key := bandKey(sig, band, c.cfg.Rows)
		for _, idx := range c.bandBuckets[band][key] {
			if idx < 0 || idx >= len(c.entries) || seen[idx] {
				continue
			}
			seen[idx] = true
			cand := c.entries[idx]
			if cand.Model != model {
				continue
			}
			sim := estimatedJaccard(sig, cand.sig)
			if sim >= threshold && sim > bestSim {
				best = cand
				bestSim = sim
			}
		}
	}

	if best != nil {
		best.Hits++
		best.lastAccess = time.Now()
		return Result{Hit: true, MatchType: tsevents.MatchFuzzy, Similarity: bestSim, Entry: best}
	}

	return Result{Hit: false}
}

// Store inserts a new entry, evicting the least-recently-accessed entry
// by swap-remove if the cache is already at MaxEntries, per spec §4.3.
func (c *Cache) Store(prompt, response, model string, inputTokens, outputTokens int) *Entry {
	c.lock()
	defer c.unlock()

	fp := Fingerprint(prompt, model)
	if idx, ok := c.exactIndex[fp]; ok {
		// Re-storing an identical (prompt, model) pair updates the
		// existing live entry in place rather than creating a duplicate,
		// satisfying cache idempotence (spec §8).
		e := c.entries[idx]
		e.Response = response
		e.InputTokens = inputTokens
		e.OutputTokens = outputTokens
		e.StoredAt = time.Now()
		e.lastAccess = e.StoredAt
		c.maybePersist(e)
		return e
	}

	if len(c.entries) >= c.cfg.MaxEntries {
		c.evictLRULocked()
	}

	set := shingles(prompt)
	sig := signature(set, c.cfg.NumHashes)
	now := time.Now()
	e := &Entry{
		Fingerprint:  fp,
		Model:        model,
		Prompt:       prompt,
		Response:     response,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		StoredAt:     now,
		TTL:          c.cfg.TTL,
		lastAccess:   now,
		sig:          sig,
	}

	idx := len(c.entries)
	c.entries = append(c.entries, e)
	c.exactIndex[fp] = idx
	for band := 0; band < c.cfg.Bands; band++ {
		key := bandKey(sig, band, c.cfg.Rows)
		c.bandBuckets[band][key] = append(c.bandBuckets[band][key], idx)
	}

	c.maybePersist(e)
	return e
}

// evictLRULocked removes the entry with the oldest lastAccess via
// swap-remove: the last entry takes the victim's slot, and only that
// entry's O(bands) bucket-row memberships are rewritten — never a full
// O(size*bands) rebuild (spec §4.3 / design note "MinHash eviction").
func (c *Cache) evictLRULocked() {
	if len(c.entries) == 0 {
		return
	}
	victim := 0
	for i, e := range c.entries {
		if e.lastAccess.Before(c.entries[victim].lastAccess) {
			victim = i
		}
	}

	c.removeFromBucketsLocked(c.entries[victim], victim)
	delete(c.exactIndex, c.entries[victim].Fingerprint)

	last := len(c.entries) - 1
	if victim != last {
		moved := c.entries[last]
		c.entries[victim] = moved
		c.exactIndex[moved.Fingerprint] = victim
		c.removeFromBucketsLocked(moved, last)
		c.addToBucketsLocked(moved, victim)
	}
	c.entries = c.entries[:last]
}

func (c *Cache) removeFromBucketsLocked(e *Entry, idx int) {
	for band := 0; band < c.cfg.Bands; band++ {
		key := bandKey(e.sig, band, c.cfg.Rows)
		bucket := c.bandBuckets[band][key]
		for i, v := range bucket {
			if v == idx {
				bucket[i] = bucket[len(bucket)-1]
				bucket = bucket[:len(bucket)-1]
				break
			}
		}
		if len(bucket) == 0 {
			delete(c.bandBuckets[band], key)
		} else {
			c.bandBuckets[band][key] = bucket
		}
	}
}

func (c *Cache) addToBucketsLocked(e *Entry, idx int) {
	for band := 0; band < c.cfg.Bands; band++ {
		key := bandKey(e.sig, band, c.cfg.Rows)
		c.bandBuckets[band][key] = append(c.bandBuckets[band][key], idx)
	}
}

// purgeExpiredLocked deletes TTL-expired entries, checked lazily on every
// lookup per spec §4.3.
func (c *Cache) purgeExpiredLocked() {
	now := time.Now()
	for i := 0; i < len(c.entries); {
		if c.entries[i].expired(now) {
			c.removeFromBucketsLocked(c.entries[i], i)
			delete(c.exactIndex, c.entries[i].Fingerprint)
			last := len(c.entries) - 1
			if i != last {
				moved := c.entries[last]
				c.entries[i] = moved
				c.exactIndex[moved.Fingerprint] = i
				c.removeFromBucketsLocked(moved, last)
				c.addToBucketsLocked(moved, i)
			}
			c.entries = c.entries[:last]
			continue
		}
		i++
	}
}

// Len reports the number of live entries (test/diagnostic helper).
func (c *Cache) Len() int {
	c.lock()
	defer c.unlock()
	return len(c.entries)
}

func (c *Cache) maybePersist(e *Entry) {
	if c.writer == nil {
		return
	}
	key := keyPrefix + e.Fingerprint
	c.writer.Enqueue(key, []byte(e.Response), e.TTL)
}

func (c *Cache) emitStorageError(op string, err error) {
	if c.cfg.Events == nil {
		return
	}
	c.cfg.Events.Emit(tsevents.StorageErrorName, tsevents.StorageErrorPayload{
		Module: "cache", Operation: op, Err: err,
	})
}

// Close stops the background persistence worker, if any.
func (c *Cache) Close() {
	if c.writer != nil {
		c.writer.Close()
	}
}

func validateLSH(bands, rows, numHashes int) error {
	if bands*rows != numHashes {
		return fmt.Errorf("tscache: bands(%d) * rows(%d) must equal numHashes(%d)", bands, rows, numHashes)
	}
	return nil
}
