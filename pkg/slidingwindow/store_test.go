package slidingwindow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now atomic.Int64
}

func newFakeClock(t time.Time) *fakeClock {
	c := &fakeClock{}
	c.now.Store(t.UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time {
	return time.Unix(0, c.now.Load()).UTC()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now.Add(int64(d))
}

func newTestStore(clock *fakeClock) *Store[int] {
	cfg := DefaultConfig()
	cfg.ShardCount = 4
	cfg.Clock = clock.Now
	return New[int](cfg)
}

var epoch = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func TestStore_RecordAndCount(t *testing.T) {
	clock := newFakeClock(epoch)
	store := newTestStore(clock)

	for i := 1; i <= 5; i++ {
		n := store.Record("brute-force:alice", clock.Now(), 5*time.Minute, i)
		assert.Equal(t, i, n, "Record %d should report %d occurrences", i, i)
		clock.Advance(10 * time.Second)
	}

	assert.Equal(t, 5, store.Count("brute-force:alice", 5*time.Minute))
	assert.Equal(t, 2, store.Count("brute-force:alice", 15*time.Second))
	assert.Equal(t, 0, store.Count("brute-force:bob", 5*time.Minute))
}

func TestStore_WindowExpiry(t *testing.T) {
	clock := newFakeClock(epoch)
	store := newTestStore(clock)

	store.Record("k", clock.Now(), time.Minute, 0)
	store.Record("k", clock.Now(), time.Minute, 0)

	clock.Advance(61 * time.Second)
	assert.Equal(t, 0, store.Count("k", time.Minute))

	n := store.Record("k", clock.Now(), time.Minute, 0)
	assert.Equal(t, 1, n)
}

func TestStore_StaleOccurrenceNotStored(t *testing.T) {
	clock := newFakeClock(epoch)
	store := newTestStore(clock)

	n := store.Record("k", clock.Now().Add(-2*time.Minute), time.Minute, 0)
	assert.Equal(t, 0, n)
	assert.Empty(t, store.Entries("k", time.Minute))
}

func TestStore_OutOfOrderEntriesStaySorted(t *testing.T) {
	clock := newFakeClock(epoch)
	store := newTestStore(clock)

	store.Record("k", epoch.Add(-10*time.Second), time.Minute, 2)
	store.Record("k", epoch.Add(-30*time.Second), time.Minute, 1)
	store.Record("k", epoch, time.Minute, 3)

	entries := store.Entries("k", time.Minute)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, i+1, e.Value)
	}
}

func TestStore_NamespacesDoNotCollide(t *testing.T) {
	clock := newFakeClock(epoch)
	store := newTestStore(clock)

	store.Record("brute-force:10.0.0.1", clock.Now(), time.Minute, 0)
	store.Record("ransomware:10.0.0.1", clock.Now(), time.Minute, 0)
	store.Record("ransomware:10.0.0.1", clock.Now(), time.Minute, 0)

	assert.Equal(t, 1, store.Count("brute-force:10.0.0.1", time.Minute))
	assert.Equal(t, 2, store.Count("ransomware:10.0.0.1", time.Minute))
}

func TestStore_EntryCap(t *testing.T) {
	clock := newFakeClock(epoch)
	cfg := DefaultConfig()
	cfg.MaxEntriesPerKey = 3
	cfg.Clock = clock.Now
	store := New[int](cfg)

	for i := 0; i < 5; i++ {
		store.Record("k", clock.Now(), time.Minute, i)
		clock.Advance(time.Millisecond)
	}

	entries := store.Entries("k", time.Minute)
	require.Len(t, entries, 3)
	assert.Equal(t, 2, entries[0].Value)
	assert.Equal(t, 4, entries[2].Value)
}

func TestStore_KeyEviction(t *testing.T) {
	clock := newFakeClock(epoch)
	cfg := DefaultConfig()
	cfg.ShardCount = 1
	cfg.MaxKeysPerShard = 2
	cfg.Clock = clock.Now
	store := New[int](cfg)

	store.Record("a", clock.Now(), time.Minute, 0)
	store.Record("b", clock.Now(), time.Minute, 0)
	store.Record("c", clock.Now(), time.Minute, 0)

	assert.Equal(t, 2, store.Len())
	assert.Equal(t, 0, store.Count("a", time.Minute))
}

func TestStore_FullShardEvictsEmptyKeysFirst(t *testing.T) {
	clock := newFakeClock(epoch)
	cfg := DefaultConfig()
	cfg.ShardCount = 1
	cfg.MaxKeysPerShard = 2
	cfg.Clock = clock.Now
	store := New[int](cfg)

	store.Record("attack", clock.Now(), time.Hour, 0)
	store.Record("expired", clock.Now(), 10*time.Second, 0)
	clock.Advance(time.Minute)

	store.Record("spray", clock.Now(), time.Hour, 0)

	assert.Equal(t, 2, store.Len())
	assert.Equal(t, 1, store.Count("attack", time.Hour), "A live window must survive while an empty one can go")
	assert.Equal(t, 1, store.Count("spray", time.Hour))
}

func TestStore_MaxEntriesPerKey(t *testing.T) {
	clock := newFakeClock(epoch)
	cfg := DefaultConfig()
	cfg.MaxEntriesPerKey = 2
	cfg.Clock = clock.Now
	store := New[int](cfg)
	assert.Equal(t, 2, store.MaxEntriesPerKey())

	for i := 0; i < 4; i++ {
		store.Record("k", clock.Now(), time.Minute, i)
	}
	assert.Equal(t, 2, store.Count("k", time.Minute))

	store.SetMaxEntriesPerKey(0)
	assert.Equal(t, 2, store.MaxEntriesPerKey())
	store.SetMaxEntriesPerKey(10)
	for i := 0; i < 4; i++ {
		store.Record("k", clock.Now(), time.Minute, i)
	}
	assert.Equal(t, 6, store.Count("k", time.Minute))
}

func TestStore_Cleanup(t *testing.T) {
	clock := newFakeClock(epoch)
	store := newTestStore(clock)

	store.Record("short", clock.Now(), 10*time.Second, 0)
	store.Record("long", clock.Now(), time.Hour, 0)
	require.Equal(t, 2, store.Len())

	clock.Advance(time.Minute)
	evicted := store.Cleanup()

	assert.Equal(t, 1, evicted)
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, 1, store.Count("long", time.Hour))
}

func TestStore_Reset(t *testing.T) {
	clock := newFakeClock(epoch)
	store := newTestStore(clock)

	store.Record("k", clock.Now(), time.Minute, 0)
	store.Reset("k")
	assert.Equal(t, 0, store.Count("k", time.Minute))
	assert.Equal(t, 0, store.Len())
}

func TestStore_StartStopCleanup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CleanupInterval = time.Millisecond
	store := New[int](cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store.Record("k", time.Now(), time.Nanosecond, 0)
	store.StartCleanup(ctx)

	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)

	store.StopCleanup()
	store.StopCleanup()
}

func TestStore_ConcurrentKeys(t *testing.T) {
	store := New[int](DefaultConfig())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", g)
			for i := 0; i < 200; i++ {
				store.Record(key, time.Now(), time.Hour, i)
				store.Count(key, time.Hour)
			}
		}(g)
	}
	wg.Wait()

	for g := 0; g < 8; g++ {
		assert.Equal(t, 200, store.Count(fmt.Sprintf("k%d", g), time.Hour))
	}
}

func BenchmarkStore_Record(b *testing.B) {
	store := New[struct{}](DefaultConfig())
	now := time.Now()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		store.Record("brute-force:10.0.0.1", now, time.Minute, struct{}{})
	}
}

func BenchmarkStore_RecordParallel(b *testing.B) {
	store := New[struct{}](DefaultConfig())

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			store.Record(fmt.Sprintf("k%d", i%1024), time.Now(), time.Minute, struct{}{})
			i++
		}
	})
}
