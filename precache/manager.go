// Package precache fetches and stores a fixed manifest of versioned assets.
package precache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"github.com/always-cache/fetchcache/cache"
	"github.com/always-cache/fetchcache/observe"
	cachekey "github.com/always-cache/fetchcache/pkg/cache-key"
	"github.com/always-cache/fetchcache/strategy"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var ErrBadStatus = errors.New("precache: unexpected status")

// cacheBustParam is added to precache requests when cache busting is on,
// so that intermediate HTTP caches cannot answer with an old revision.
const cacheBustParam = "__rev"

// Failure is a manifest entry that could not be precached.
type Failure struct {
	URL string
	Err error
}

// Report is the result of a Sync.
type Report struct {
	Added   []string
	Updated []string
	Skipped []string
	Failed  []Failure
}

type result int

const (
	resultSkipped result = iota
	resultAdded
	resultUpdated
)

var resultNames = map[result]string{
	resultSkipped: "skipped",
	resultAdded:   "added",
	resultUpdated: "updated",
}

// Manager keeps a partition in sync with a manifest.
type Manager struct {
	store       *cache.Store
	network     strategy.Fetcher
	partition   string
	keyer       cachekey.CacheKeyer
	base        *url.URL
	concurrency int
	cacheBust   bool
	log         zerolog.Logger
	metrics     *observe.Metrics
	group       singleflight.Group
}

type Option func(*Manager)

// WithConcurrency bounds the number of parallel fetches. Defaults to 4.
func WithConcurrency(n int) Option {
	return func(m *Manager) { m.concurrency = n }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.log = logger }
}

// WithCacheBust adds the revision as a query parameter to precache requests.
// The parameter is not part of the cache key.
func WithCacheBust(on bool) Option {
	return func(m *Manager) { m.cacheBust = on }
}

// WithBaseURL resolves relative manifest URLs.
func WithBaseURL(base *url.URL) Option {
	return func(m *Manager) { m.base = base }
}

func WithMetrics(metrics *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

func NewManager(store *cache.Store, network strategy.Fetcher, partition string, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		network:     network,
		partition:   partition,
		concurrency: 4,
		log:         log.Logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.network == nil {
		m.network = http.DefaultClient
	}
	if m.concurrency < 1 {
		m.concurrency = 1
	}
	m.log = m.log.With().Str("component", "precache").Str("partition", partition).Logger()
	return m
}

// Partition returns the partition the manager writes to.
func (m *Manager) Partition() string {
	return m.partition
}

func (m *Manager) resolve(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() && m.base != nil {
		u = m.base.ResolveReference(u)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("precache: %s: %w", raw, cachekey.ErrRelativeURL)
	}
	return u, nil
}

// Sync fetches every manifest entry that has no stored copy with the same
// revision. A failing entry is reported and does not stop the others.
// The returned error is only set if ctx ends before all entries settled.
func (m *Manager) Sync(ctx context.Context, manifest Manifest) (Report, error) {
	var (
		mu     sync.Mutex
		report Report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, entry := range dedupe(manifest, m.log) {
		entry := entry
		g.Go(func() error {
			res, err := m.syncEntry(gctx, entry)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.log.Warn().Err(err).Str("url", entry.URL).Msg("Could not precache")
				report.Failed = append(report.Failed, Failure{URL: entry.URL, Err: err})
				m.metrics.Precached(ctx, "failed")
				return nil
			}
			switch res {
			case resultAdded:
				report.Added = append(report.Added, entry.URL)
			case resultUpdated:
				report.Updated = append(report.Updated, entry.URL)
			default:
				report.Skipped = append(report.Skipped, entry.URL)
			}
			m.metrics.Precached(ctx, resultNames[res])
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(report.Added)
	sort.Strings(report.Updated)
	sort.Strings(report.Skipped)
	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].URL < report.Failed[j].URL })
	m.log.Info().
		Int("added", len(report.Added)).
		Int("updated", len(report.Updated)).
		Int("skipped", len(report.Skipped)).
		Int("failed", len(report.Failed)).
		Msg("Precache sync done")
	return report, ctx.Err()
}

// dedupe drops repeated URLs; the last entry wins.
func dedupe(manifest Manifest, logger zerolog.Logger) Manifest {
	idx := make(map[string]int, len(manifest))
	out := make(Manifest, 0, len(manifest))
	for _, e := range manifest {
		if i, ok := idx[e.URL]; ok {
			if out[i].Revision != e.Revision {
				logger.Warn().Str("url", e.URL).Msg("Manifest lists URL with conflicting revisions")
			}
			out[i] = e
			continue
		}
		idx[e.URL] = len(out)
		out = append(out, e)
	}
	return out
}

func (m *Manager) syncEntry(ctx context.Context, entry Entry) (result, error) {
	u, err := m.resolve(entry.URL)
	if err != nil {
		return resultSkipped, err
	}
	key, err := m.keyer.KeyFor(http.MethodGet, u)
	if err != nil {
		return resultSkipped, err
	}
	// concurrent syncs of the same revision share one fetch
	v, err, shared := m.group.Do(key+"\x00"+entry.Revision, func() (interface{}, error) {
		return m.fetchAndStore(ctx, u, key, entry.Revision)
	})
	if err != nil {
		return resultSkipped, err
	}
	if shared {
		m.log.Trace().Str("key", key).Msg("Joined in-flight precache")
	}
	return v.(result), nil
}

func (m *Manager) fetchAndStore(ctx context.Context, u *url.URL, key, revision string) (result, error) {
	rev, exists, err := m.store.Revision(ctx, m.partition, key)
	if err != nil {
		return resultSkipped, err
	}
	if exists && rev == revision {
		m.log.Trace().Str("key", key).Str("revision", revision).Msg("Precached copy is current")
		return resultSkipped, nil
	}

	fetchURL := *u
	if m.cacheBust && revision != "" {
		q := fetchURL.Query()
		q.Set(cacheBustParam, revision)
		fetchURL.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL.String(), nil)
	if err != nil {
		return resultSkipped, err
	}
	res, err := m.network.Do(req)
	if err != nil {
		return resultSkipped, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		io.Copy(io.Discard, res.Body)
		return resultSkipped, fmt.Errorf("%w: %d", ErrBadStatus, res.StatusCode)
	}
	e, err := cache.ReadEntry(res)
	if err != nil {
		return resultSkipped, err
	}
	e.Key = key
	e.Partition = m.partition
	e.Revision = revision
	if err := m.store.Put(ctx, e); err != nil {
		return resultSkipped, err
	}
	m.log.Debug().Str("url", u.String()).Str("revision", revision).Msg("Precached")
	if exists {
		return resultUpdated, nil
	}
	return resultAdded, nil
}

// Cleanup removes precached entries whose URL is no longer in the manifest.
// It returns the number of removed entries.
func (m *Manager) Cleanup(ctx context.Context, manifest Manifest) (int, error) {
	keep := make(map[string]bool, len(manifest))
	for _, e := range manifest {
		u, err := m.resolve(e.URL)
		if err != nil {
			continue
		}
		if key, err := m.keyer.KeyFor(http.MethodGet, u); err == nil {
			keep[key] = true
		}
	}
	keys, err := m.store.Keys(ctx, m.partition)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		if keep[key] {
			continue
		}
		if err := m.store.Delete(ctx, m.partition, key); err != nil {
			return removed, err
		}
		m.log.Debug().Str("key", key).Msg("Removed stale precache entry")
		removed++
	}
	return removed, nil
}

// Match returns the precached entry for rawURL.
func (m *Manager) Match(ctx context.Context, rawURL string) (*cache.Entry, bool, error) {
	u, err := m.resolve(rawURL)
	if err != nil {
		return nil, false, err
	}
	key, err := m.keyer.KeyFor(http.MethodGet, u)
	if err != nil {
		return nil, false, err
	}
	return m.store.Match(ctx, m.partition, key)
}
