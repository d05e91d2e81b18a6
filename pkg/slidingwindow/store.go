// Package slidingwindow provides a keyed, time-bounded occurrence store.
//
// Each key owns an ordered sequence of timestamped entries. Recording prunes
// entries that fell out of the trailing window, and counting only sees
// entries inside it.
//
// Thread Safety: keys are spread across maphash shards. A shard lock is held
// only to find or create a key; all window work happens under the key's own
// mutex, so detectors working on different keys never contend.
//
// Memory Management:
//   - LRU eviction per shard (golang-lru/v2), bounded by MaxKeysPerShard.
//     A full shard first drops keys whose windows have emptied; only when
//     none has does the least recently used live key go.
//   - Per-key entry cap, oldest entries dropped first. Counts saturate at
//     MaxEntriesPerKey, so thresholds must not exceed it.
//   - Cleanup removes keys whose windows have emptied
package slidingwindow

import (
	"context"
	"hash/maphash"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

var hashSeed = maphash.MakeSeed()

// Entry is one recorded occurrence.
type Entry[T any] struct {
	At    time.Time
	Value T
}

type keyWindow[T any] struct {
	mu      sync.Mutex
	entries []Entry[T]
	// retain is the widest window this key was recorded with; Cleanup prunes
	// against it.
	retain time.Duration
}

type shard[T any] struct {
	mu   sync.Mutex
	keys *lru.Cache[string, *keyWindow[T]]
}

type Config struct {
	ShardCount       int
	MaxKeysPerShard  int
	MaxEntriesPerKey int
	CleanupInterval  time.Duration
	// Clock returns the current time; defaults to time.Now.
	Clock func() time.Time
}

// DefaultConfig returns production defaults: 16 shards of up to 10K keys.
func DefaultConfig() Config {
	return Config{
		ShardCount:       16,
		MaxKeysPerShard:  10000,
		MaxEntriesPerKey: 4096,
		CleanupInterval:  30 * time.Second,
		Clock:            time.Now,
	}
}

// Store is a sharded sliding-window counter store. Keys are expected to be
// namespaced by the caller ("brute-force:alice"), so windows of different
// detectors never collide.
type Store[T any] struct {
	shards     []*shard[T]
	maxKeys    int
	maxEntries atomic.Int64
	interval   time.Duration
	clock      func() time.Time

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

func New[T any](cfg Config) *Store[T] {
	def := DefaultConfig()
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = def.ShardCount
	}
	if cfg.MaxKeysPerShard <= 0 {
		cfg.MaxKeysPerShard = def.MaxKeysPerShard
	}
	if cfg.MaxEntriesPerKey <= 0 {
		cfg.MaxEntriesPerKey = def.MaxEntriesPerKey
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	shards := make([]*shard[T], cfg.ShardCount)
	for i := range shards {
		// lru.New only fails on a non-positive size.
		cache, _ := lru.New[string, *keyWindow[T]](cfg.MaxKeysPerShard)
		shards[i] = &shard[T]{keys: cache}
	}

	s := &Store[T]{
		shards:      shards,
		maxKeys:     cfg.MaxKeysPerShard,
		interval:    cfg.CleanupInterval,
		clock:       cfg.Clock,
		stopCleanup: make(chan struct{}),
	}
	s.maxEntries.Store(int64(cfg.MaxEntriesPerKey))
	return s
}

// MaxEntriesPerKey returns the per-key entry cap; no window can count
// beyond it.
func (s *Store[T]) MaxEntriesPerKey() int {
	return int(s.maxEntries.Load())
}

// SetMaxEntriesPerKey changes the cap for subsequent records. Non-positive
// values are ignored.
func (s *Store[T]) SetMaxEntriesPerKey(n int) {
	if n > 0 {
		s.maxEntries.Store(int64(n))
	}
}

func (s *Store[T]) getShard(key string) *shard[T] {
	var h maphash.Hash
	h.SetSeed(hashSeed)
	h.WriteString(key)
	return s.shards[h.Sum64()%uint64(len(s.shards))]
}

func (s *Store[T]) lookup(key string, create bool) *keyWindow[T] {
	sh := s.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.keys.Get(key)
	if !ok && create {
		if sh.keys.Len() >= s.maxKeys {
			s.evictEmpty(sh, s.clock())
		}
		w = &keyWindow[T]{}
		sh.keys.Add(key, w)
	}
	return w
}

// Now returns the store's clock reading.
func (s *Store[T]) Now() time.Time {
	return s.clock()
}

// Record appends an occurrence at ts and prunes the key's entries older than
// now-window. It returns the number of entries left inside the window.
// Occurrences already outside the window are not stored.
func (s *Store[T]) Record(key string, ts time.Time, window time.Duration, value T) int {
	w := s.lookup(key, true)
	cutoff := s.clock().Add(-window)

	w.mu.Lock()
	defer w.mu.Unlock()

	if window > w.retain {
		w.retain = window
	}
	w.prune(cutoff)
	if ts.Before(cutoff) {
		return w.countSince(cutoff)
	}
	w.insert(Entry[T]{At: ts, Value: value}, s.MaxEntriesPerKey())
	return w.countSince(cutoff)
}

// Count returns the occurrences of key within the trailing window as of now.
func (s *Store[T]) Count(key string, window time.Duration) int {
	w := s.lookup(key, false)
	if w == nil {
		return 0
	}
	cutoff := s.clock().Add(-window)

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.countSince(cutoff)
}

// Entries returns a copy of the key's entries within the window, oldest first.
func (s *Store[T]) Entries(key string, window time.Duration) []Entry[T] {
	w := s.lookup(key, false)
	if w == nil {
		return nil
	}
	cutoff := s.clock().Add(-window)

	w.mu.Lock()
	defer w.mu.Unlock()

	i := w.firstIndexAfter(cutoff)
	if i == len(w.entries) {
		return nil
	}
	out := make([]Entry[T], len(w.entries)-i)
	copy(out, w.entries[i:])
	return out
}

// Reset forgets a key.
func (s *Store[T]) Reset(key string) {
	sh := s.getShard(key)
	sh.mu.Lock()
	sh.keys.Remove(key)
	sh.mu.Unlock()
}

// Len returns the number of tracked keys.
func (s *Store[T]) Len() int {
	n := 0
	for _, sh := range s.shards {
		n += sh.keys.Len()
	}
	return n
}

// StartCleanup launches a background goroutine that evicts emptied keys
// every CleanupInterval until ctx is done or StopCleanup is called.
func (s *Store[T]) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCleanup:
				return
			case <-ticker.C:
				s.Cleanup()
			}
		}
	}()
}

// StopCleanup is idempotent.
func (s *Store[T]) StopCleanup() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// Cleanup prunes every key against its widest window and evicts keys with
// no remaining occurrences. Shards are swept in parallel. It returns the
// number of evicted keys.
func (s *Store[T]) Cleanup() int {
	now := s.clock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		evicted int
	)
	for _, sh := range s.shards {
		wg.Add(1)
		go func(sh *shard[T]) {
			defer wg.Done()
			n := s.cleanupShard(sh, now)
			mu.Lock()
			evicted += n
			mu.Unlock()
		}(sh)
	}
	wg.Wait()
	return evicted
}

func (s *Store[T]) cleanupShard(sh *shard[T], now time.Time) int {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return s.evictEmpty(sh, now)
}

// evictEmpty removes the shard's keys with no occurrences left. The caller
// holds sh.mu.
func (s *Store[T]) evictEmpty(sh *shard[T], now time.Time) int {
	evicted := 0
	for _, key := range sh.keys.Keys() {
		w, ok := sh.keys.Peek(key)
		if !ok {
			continue
		}
		w.mu.Lock()
		w.prune(now.Add(-w.retain))
		empty := len(w.entries) == 0
		w.mu.Unlock()

		if empty {
			sh.keys.Remove(key)
			evicted++
		}
	}
	return evicted
}

// firstIndexAfter returns the index of the first entry not before cutoff.
func (w *keyWindow[T]) firstIndexAfter(cutoff time.Time) int {
	return sort.Search(len(w.entries), func(i int) bool {
		return !w.entries[i].At.Before(cutoff)
	})
}

func (w *keyWindow[T]) countSince(cutoff time.Time) int {
	return len(w.entries) - w.firstIndexAfter(cutoff)
}

func (w *keyWindow[T]) prune(cutoff time.Time) {
	i := w.firstIndexAfter(cutoff)
	if i == 0 {
		return
	}
	n := copy(w.entries, w.entries[i:])
	clear(w.entries[n:])
	w.entries = w.entries[:n]
}

// insert keeps entries ordered by timestamp; producers are not coordinated,
// so occurrences may arrive out of order.
func (w *keyWindow[T]) insert(e Entry[T], max int) {
	i := sort.Search(len(w.entries), func(i int) bool {
		return w.entries[i].At.After(e.At)
	})
	w.entries = append(w.entries, Entry[T]{})
	copy(w.entries[i+1:], w.entries[i:])
	w.entries[i] = e

	if len(w.entries) > max {
		over := len(w.entries) - max
		n := copy(w.entries, w.entries[over:])
		clear(w.entries[n:])
		w.entries = w.entries[:n]
	}
}
