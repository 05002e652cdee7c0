package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func providers(t *testing.T) map[string]Provider {
	t.Helper()
	sqlite, err := NewSQLiteProvider(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	ldb, err := NewLevelDBProvider(filepath.Join(t.TempDir(), "leveldb"))
	require.NoError(t, err)
	ps := map[string]Provider{
		"memory":  NewMemoryProvider(),
		"sqlite":  sqlite,
		"leveldb": ldb,
	}
	t.Cleanup(func() {
		for _, p := range ps {
			_ = p.Close()
		}
	})
	return ps
}

func TestProviderContract(t *testing.T) {
	ctx := context.Background()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Unix(1700000000, 0)
			require.NoError(t, p.Put(ctx, "pages@v1", Record{Key: "a", StoredAt: now, Bytes: []byte("A")}))
			require.NoError(t, p.Put(ctx, "pages@v1", Record{Key: "b", StoredAt: now, Revision: "r1", Bytes: []byte("B")}))
			require.NoError(t, p.Put(ctx, "images@v1", Record{Key: "c", StoredAt: now, Bytes: []byte("C")}))

			rec, ok, err := p.Get(ctx, "pages@v1", "b")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "B", string(rec.Bytes))
			require.Equal(t, "r1", rec.Revision)
			require.True(t, rec.StoredAt.Equal(now))

			_, ok, err = p.Get(ctx, "pages@v1", "c")
			require.NoError(t, err)
			require.False(t, ok)

			has, err := p.Has(ctx, "images@v1", "c")
			require.NoError(t, err)
			require.True(t, has)

			// replacing a key moves it to the newest position
			require.NoError(t, p.Put(ctx, "pages@v1", Record{Key: "a", StoredAt: now, Bytes: []byte("A2")}))
			index, err := p.Index(ctx, "pages@v1")
			require.NoError(t, err)
			require.Len(t, index, 2)
			require.Equal(t, "b", index[0].Key)
			require.Equal(t, "a", index[1].Key)
			require.Nil(t, index[0].Bytes)

			names, err := p.Partitions(ctx)
			require.NoError(t, err)
			require.ElementsMatch(t, []string{"pages@v1", "images@v1"}, names)

			require.NoError(t, p.Delete(ctx, "pages@v1", "a"))
			require.NoError(t, p.Delete(ctx, "pages@v1", "missing"))
			index, err = p.Index(ctx, "pages@v1")
			require.NoError(t, err)
			require.Len(t, index, 1)

			require.NoError(t, p.DropPartition(ctx, "pages@v1"))
			names, err = p.Partitions(ctx)
			require.NoError(t, err)
			require.Equal(t, []string{"images@v1"}, names)
		})
	}
}

func TestProviderConcurrentWritesSameKey(t *testing.T) {
	ctx := context.Background()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					body := []byte(fmt.Sprintf("writer-%d", i))
					assert.NoError(t, p.Put(ctx, "p", Record{Key: "k", StoredAt: time.Now(), Bytes: body}))
				}(i)
			}
			wg.Wait()
			rec, ok, err := p.Get(ctx, "p", "k")
			require.NoError(t, err)
			require.True(t, ok)
			require.Regexp(t, `^writer-\d+$`, string(rec.Bytes))
			index, err := p.Index(ctx, "p")
			require.NoError(t, err)
			require.Len(t, index, 1)
		})
	}
}

func TestLevelDBSequenceSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "leveldb")
	p, err := NewLevelDBProvider(path)
	require.NoError(t, err)
	require.NoError(t, p.Put(ctx, "p", Record{Key: "first", StoredAt: time.Now()}))
	require.NoError(t, p.Put(ctx, "p", Record{Key: "second", StoredAt: time.Now()}))
	require.NoError(t, p.Close())

	p, err = NewLevelDBProvider(path)
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.Put(ctx, "p", Record{Key: "first", StoredAt: time.Now()}))
	index, err := p.Index(ctx, "p")
	require.NoError(t, err)
	require.Len(t, index, 2)
	require.Equal(t, "second", index[0].Key)
	require.Equal(t, "first", index[1].Key)
}

func TestMemoryProviderClosed(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()
	require.NoError(t, p.Put(ctx, "pages@v1", Record{Key: "GET:https://a.test/", StoredAt: time.Now()}))
	require.NoError(t, p.Close())

	err := p.Put(ctx, "pages@v1", Record{Key: "GET:https://a.test/b", StoredAt: time.Now()})
	require.ErrorIs(t, err, ErrProviderClose)
	names, err := p.Partitions(ctx)
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestSQLiteInMemoryProvidersAreIsolated(t *testing.T) {
	ctx := context.Background()
	a, err := NewSQLiteProvider("")
	require.NoError(t, err)
	defer a.Close()
	b, err := NewSQLiteProvider("")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Put(ctx, "pages@v1", Record{Key: "GET:https://a.test/", StoredAt: time.Now()}))
	has, err := b.Has(ctx, "pages@v1", "GET:https://a.test/")
	require.NoError(t, err)
	require.False(t, has)
	names, err := b.Partitions(ctx)
	require.NoError(t, err)
	require.Empty(t, names)
}
