package cache

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func entry(partition, key, body string) *Entry {
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	return &Entry{Key: key, Partition: partition, Status: http.StatusOK, Header: h, Body: []byte(body)}
}

func TestStorePutAndMatch(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryProvider())

	require.NoError(t, s.Put(ctx, entry("pages@v1", "GET:https://a.test/", "hello")))
	e, ok, err := s.Match(ctx, "pages@v1", "GET:https://a.test/")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", string(e.Body))
	require.Equal(t, http.StatusOK, e.Status)
	require.Equal(t, "text/plain", e.Header.Get("content-type"))
	require.Equal(t, "pages@v1", e.Partition)

	_, ok, err = s.Match(ctx, "pages@v1", "GET:https://a.test/missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStorePutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewStore(NewMemoryProvider(), WithClock(clock.Now))
	require.NoError(t, s.Configure(PartitionConfig{Name: "p", MaxEntries: Entries(3)}))

	require.NoError(t, s.Put(ctx, entry("p", "k", "same")))
	keysOnce, err := s.Keys(ctx, "p")
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, entry("p", "k", "same")))
	keysTwice, err := s.Keys(ctx, "p")
	require.NoError(t, err)
	require.Equal(t, keysOnce, keysTwice)

	e, ok, err := s.Match(ctx, "p", "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "same", string(e.Body))
}

func TestStoreBoundInvariant(t *testing.T) {
	ctx := context.Background()
	for _, max := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("max=%d", max), func(t *testing.T) {
			var evicted int
			s := NewStore(NewMemoryProvider(), WithEvictionObserver(func(_ context.Context, _ string, n int, reason string) {
				require.Equal(t, "overflow", reason)
				evicted += n
			}))
			require.NoError(t, s.Configure(PartitionConfig{Name: "images@v1", MaxEntries: Entries(max)}))
			for i := 0; i < 12; i++ {
				require.NoError(t, s.Put(ctx, entry("images@v1", fmt.Sprintf("k%d", i), "x")))
				n, err := s.Count(ctx, "images@v1")
				require.NoError(t, err)
				require.LessOrEqual(t, n, max)
			}
			// the newest entries survive, oldest-inserted first out
			keys, err := s.Keys(ctx, "images@v1")
			require.NoError(t, err)
			want := make([]string, 0, max)
			for i := 12 - max; i < 12; i++ {
				want = append(want, fmt.Sprintf("k%d", i))
			}
			require.Equal(t, want, keys)
			require.Equal(t, 12-max, evicted)
		})
	}
}

func TestStoreEvictionIsFIFONotLRU(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryProvider())
	require.NoError(t, s.Configure(PartitionConfig{Name: "p", MaxEntries: Entries(2)}))
	require.NoError(t, s.Put(ctx, entry("p", "a", "a")))
	require.NoError(t, s.Put(ctx, entry("p", "b", "b")))
	// reading a does not protect it
	_, ok, err := s.Match(ctx, "p", "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Put(ctx, entry("p", "c", "c")))

	keys, err := s.Keys(ctx, "p")
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, keys)
}

func TestStoreExpiryInvariant(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewStore(NewMemoryProvider(), WithClock(clock.Now))
	require.NoError(t, s.Configure(PartitionConfig{Name: "api@v1", MaxAge: 10 * time.Second}))
	require.NoError(t, s.Put(ctx, entry("api@v1", "k", "v")))

	clock.Advance(10 * time.Second)
	_, ok, err := s.Match(ctx, "api@v1", "k")
	require.NoError(t, err)
	require.True(t, ok, "entry at exactly maxAge is still served")

	clock.Advance(time.Millisecond)
	_, ok, err = s.Match(ctx, "api@v1", "k")
	require.NoError(t, err)
	require.False(t, ok)

	has, err := s.Has(ctx, "api@v1", "k")
	require.NoError(t, err)
	require.False(t, has, "expired entry is purged on read")
}

func TestStoreRevisionHonorsMaxAge(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewStore(NewMemoryProvider(), WithClock(clock.Now))
	require.NoError(t, s.Configure(PartitionConfig{Name: "precache", MaxAge: time.Hour}))
	e := entry("precache", "GET:https://a.test/offline.html", "offline")
	e.Revision = "3"
	require.NoError(t, s.Put(ctx, e))

	rev, ok, err := s.Revision(ctx, "precache", e.Key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "3", rev)

	clock.Advance(time.Hour + time.Second)
	rev, ok, err = s.Revision(ctx, "precache", e.Key)
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, rev)

	has, err := s.Has(ctx, "precache", e.Key)
	require.NoError(t, err)
	require.False(t, has)
}

func TestStoreZeroCapacityRejectsWrites(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryProvider())
	require.NoError(t, s.Configure(PartitionConfig{Name: "p", MaxEntries: Entries(0)}))
	require.False(t, s.Admits("p"))
	require.True(t, s.Admits("other"))
	require.ErrorIs(t, s.Put(ctx, entry("p", "k", "v")), ErrZeroCapacity)
	n, err := s.Count(ctx, "p")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestStoreSweep(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewStore(NewMemoryProvider(), WithClock(clock.Now))
	require.NoError(t, s.Configure(PartitionConfig{Name: "short", MaxAge: time.Minute}))
	require.NoError(t, s.Configure(PartitionConfig{Name: "long", MaxAge: time.Hour}))

	require.NoError(t, s.Put(ctx, entry("short", "old", "v")))
	require.NoError(t, s.Put(ctx, entry("long", "old", "v")))
	require.NoError(t, s.Put(ctx, entry("unbounded", "old", "v")))
	clock.Advance(2 * time.Minute)
	require.NoError(t, s.Put(ctx, entry("short", "new", "v")))

	purged, err := s.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	keys, err := s.Keys(ctx, "short")
	require.NoError(t, err)
	require.Equal(t, []string{"new"}, keys)
	n, err := s.Count(ctx, "long")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestStoreCorruptedEntryIsAMiss(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()
	s := NewStore(p)
	require.NoError(t, p.Put(ctx, "p", Record{Key: "k", StoredAt: time.Now(), Bytes: []byte("garbage")}))

	_, ok, err := s.Match(ctx, "p", "k")
	require.NoError(t, err)
	require.False(t, ok)
	has, err := s.Has(ctx, "p", "k")
	require.NoError(t, err)
	require.False(t, has)
}

func TestStoreDropPartition(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryProvider())
	require.NoError(t, s.Put(ctx, entry("pages@v1", "a", "v")))
	require.NoError(t, s.Put(ctx, entry("pages@v2", "a", "v")))
	require.NoError(t, s.DropPartition(ctx, "pages@v1"))
	names, err := s.Partitions(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"pages@v2"}, names)
}

func TestPartitionName(t *testing.T) {
	name := PartitionName("first-party-api", "v42")
	require.Equal(t, "first-party-api@v42", name)
	purpose, version, ok := ParsePartitionName(name)
	require.True(t, ok)
	require.Equal(t, "first-party-api", purpose)
	require.Equal(t, "v42", version)

	_, _, ok = ParsePartitionName("legacy")
	require.False(t, ok)
	_, _, ok = ParsePartitionName("trailing@")
	require.False(t, ok)
}

func TestPartitionConfigValidate(t *testing.T) {
	require.Error(t, PartitionConfig{}.Validate())
	require.Error(t, PartitionConfig{Name: "p", MaxEntries: Entries(-1)}.Validate())
	require.Error(t, PartitionConfig{Name: "p", MaxAge: -time.Second}.Validate())
	require.NoError(t, PartitionConfig{Name: "p", MaxEntries: Entries(0)}.Validate())
}

func TestFIFOEvictStable(t *testing.T) {
	now := time.Unix(100, 0)
	index := []Record{
		{Key: "a", StoredAt: now},
		{Key: "b", StoredAt: now},
		{Key: "c", StoredAt: now},
	}
	expired, overflow := FIFO{}.Evict(index, PartitionConfig{Name: "p", MaxEntries: Entries(1)}, now)
	require.Empty(t, expired)
	require.Equal(t, []string{"a", "b"}, overflow)
}
