package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	serializer "github.com/always-cache/fetchcache/pkg/response-serializer"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EvictionObserver is told about every entry the store purges.
// Reason is one of "expired", "overflow" or "reset".
type EvictionObserver func(ctx context.Context, partition string, count int, reason string)

// Store is the partition store: named, bounded collections of entries on top
// of a Provider. There is one store per process; it is passed to everything
// that reads or writes cache state.
//
// Reads run concurrently. Writes are serialized per partition, and the entry
// bound of a partition is enforced before Put returns.
type Store struct {
	provider Provider
	policy   Policy
	clock    func() time.Time
	log      zerolog.Logger
	onEvict  EvictionObserver

	mu      sync.RWMutex
	configs map[string]PartitionConfig
	locks   map[string]*sync.Mutex
}

type StoreOption func(*Store)

// WithClock replaces time.Now, mostly for tests.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) { s.clock = clock }
}

// WithLogger sets the logger. The global zerolog logger is used otherwise.
func WithLogger(logger zerolog.Logger) StoreOption {
	return func(s *Store) { s.log = logger }
}

// WithPolicy replaces the FIFO eviction policy.
func WithPolicy(p Policy) StoreOption {
	return func(s *Store) { s.policy = p }
}

// WithEvictionObserver registers a callback for purged entries.
func WithEvictionObserver(fn EvictionObserver) StoreOption {
	return func(s *Store) { s.onEvict = fn }
}

func NewStore(provider Provider, opts ...StoreOption) *Store {
	s := &Store{
		provider: provider,
		policy:   FIFO{},
		clock:    time.Now,
		log:      log.Logger,
		configs:  make(map[string]PartitionConfig),
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "store").Logger()
	return s
}

// Configure declares the bounds of a partition.
// Partitions without configuration are unbounded.
func (s *Store) Configure(cfg PartitionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.Name] = cfg
	return nil
}

// Config returns the bounds of a partition.
func (s *Store) Config(partition string) PartitionConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[partition]
	if !ok {
		return PartitionConfig{Name: partition}
	}
	return cfg
}

// Admits reports whether the partition accepts writes at all.
func (s *Store) Admits(partition string) bool {
	cfg := s.Config(partition)
	return cfg.MaxEntries == nil || *cfg.MaxEntries > 0
}

// Now returns the store's clock reading.
func (s *Store) Now() time.Time {
	return s.clock()
}

// Provider returns the underlying storage substrate.
func (s *Store) Provider() Provider {
	return s.provider
}

func (s *Store) lock(partition string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[partition]
	if !ok {
		l = &sync.Mutex{}
		s.locks[partition] = l
	}
	return l
}

// Match returns the entry stored under key, if it exists and has not
// outlived the partition's MaxAge. Expired entries are purged on read.
func (s *Store) Match(ctx context.Context, partition, key string) (*Entry, bool, error) {
	rec, ok, err := s.provider.Get(ctx, partition, key)
	if err != nil || !ok {
		return nil, false, err
	}
	cfg := s.Config(partition)
	if Expired(rec.StoredAt, cfg.MaxAge, s.clock()) {
		s.purgeIfExpired(ctx, cfg, key)
		return nil, false, nil
	}
	sr, err := serializer.BytesToStoredResponse(rec.Bytes)
	if err != nil {
		// a corrupted entry is dropped and reported as a miss
		s.log.Error().Err(err).Str("partition", partition).Str("key", key).Msg("Could not read from cache")
		if err := s.provider.Delete(ctx, partition, key); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("Could not purge corrupted entry")
		}
		return nil, false, nil
	}
	return &Entry{
		Key:       key,
		Partition: partition,
		Status:    sr.Status,
		Header:    sr.Header,
		Body:      sr.Body,
		StoredAt:  rec.StoredAt,
		Revision:  rec.Revision,
	}, true, nil
}

// purgeIfExpired re-checks expiry under the partition lock so that a fresh
// entry written concurrently is not removed.
func (s *Store) purgeIfExpired(ctx context.Context, cfg PartitionConfig, key string) {
	l := s.lock(cfg.Name)
	l.Lock()
	defer l.Unlock()
	rec, ok, err := s.provider.Get(ctx, cfg.Name, key)
	if err != nil || !ok || !Expired(rec.StoredAt, cfg.MaxAge, s.clock()) {
		return
	}
	if err := s.provider.Delete(ctx, cfg.Name, key); err != nil {
		s.log.Warn().Err(err).Str("partition", cfg.Name).Str("key", key).Msg("Could not purge expired entry")
		return
	}
	s.log.Trace().Str("partition", cfg.Name).Str("key", key).Msg("Purged expired entry on read")
	s.evicted(ctx, cfg.Name, 1, "expired")
}

// Revision returns the revision metadata of a stored entry without reading
// its body. Entries past the partition's MaxAge are purged and reported as
// missing, as in Match.
func (s *Store) Revision(ctx context.Context, partition, key string) (string, bool, error) {
	rec, ok, err := s.provider.Get(ctx, partition, key)
	if err != nil || !ok {
		return "", false, err
	}
	cfg := s.Config(partition)
	if Expired(rec.StoredAt, cfg.MaxAge, s.clock()) {
		s.purgeIfExpired(ctx, cfg, key)
		return "", false, nil
	}
	return rec.Revision, true, nil
}

// Put stores the entry, replacing any entry with the same key, and then
// applies the partition's eviction policy. It sets e.StoredAt.
func (s *Store) Put(ctx context.Context, e *Entry) error {
	if e.Key == "" || e.Partition == "" {
		return ErrInvalidKey
	}
	cfg := s.Config(e.Partition)
	if cfg.MaxEntries != nil && *cfg.MaxEntries == 0 {
		return ErrZeroCapacity
	}
	b, err := serializer.StoredResponseToBytes(serializer.StoredResponse{
		Status: e.Status,
		Header: e.Header,
		Body:   e.Body,
	})
	if err != nil {
		return fmt.Errorf("cache: serialize %s: %w", e.Key, err)
	}

	l := s.lock(e.Partition)
	l.Lock()
	defer l.Unlock()

	now := s.clock()
	e.StoredAt = now
	if err := s.provider.Put(ctx, e.Partition, Record{
		Key:      e.Key,
		StoredAt: now,
		Revision: e.Revision,
		Bytes:    b,
	}); err != nil {
		return err
	}
	s.log.Trace().Str("partition", e.Partition).Str("key", e.Key).Msg("Cache write")

	if cfg.Bounded() {
		return s.enforceLocked(ctx, cfg, now)
	}
	return nil
}

func (s *Store) enforceLocked(ctx context.Context, cfg PartitionConfig, now time.Time) error {
	index, err := s.provider.Index(ctx, cfg.Name)
	if err != nil {
		return err
	}
	expired, overflow := s.policy.Evict(index, cfg, now)
	if err := s.deleteAll(ctx, cfg.Name, expired); err != nil {
		return err
	}
	s.evicted(ctx, cfg.Name, len(expired), "expired")
	if err := s.deleteAll(ctx, cfg.Name, overflow); err != nil {
		return err
	}
	s.evicted(ctx, cfg.Name, len(overflow), "overflow")
	return nil
}

func (s *Store) deleteAll(ctx context.Context, partition string, keys []string) error {
	for _, key := range keys {
		if err := s.provider.Delete(ctx, partition, key); err != nil {
			return err
		}
		s.log.Trace().Str("partition", partition).Str("key", key).Msg("Evicted entry")
	}
	return nil
}

func (s *Store) evicted(ctx context.Context, partition string, n int, reason string) {
	if n == 0 || s.onEvict == nil {
		return
	}
	s.onEvict(ctx, partition, n, reason)
}

// Delete removes one entry.
func (s *Store) Delete(ctx context.Context, partition, key string) error {
	l := s.lock(partition)
	l.Lock()
	defer l.Unlock()
	return s.provider.Delete(ctx, partition, key)
}

// Has checks if an entry exists, regardless of its age.
func (s *Store) Has(ctx context.Context, partition, key string) (bool, error) {
	return s.provider.Has(ctx, partition, key)
}

// Keys lists the keys of a partition, oldest-inserted first.
func (s *Store) Keys(ctx context.Context, partition string) ([]string, error) {
	index, err := s.provider.Index(ctx, partition)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(index))
	for i, rec := range index {
		keys[i] = rec.Key
	}
	return keys, nil
}

// Count returns the number of entries in a partition.
func (s *Store) Count(ctx context.Context, partition string) (int, error) {
	index, err := s.provider.Index(ctx, partition)
	return len(index), err
}

// Partitions lists all partitions that hold entries.
func (s *Store) Partitions(ctx context.Context) ([]string, error) {
	names, err := s.provider.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// DropPartition destroys a whole partition.
func (s *Store) DropPartition(ctx context.Context, partition string) error {
	l := s.lock(partition)
	l.Lock()
	defer l.Unlock()
	n, err := s.provider.Index(ctx, partition)
	if err != nil {
		return err
	}
	if err := s.provider.DropPartition(ctx, partition); err != nil {
		return err
	}
	s.log.Debug().Str("partition", partition).Int("entries", len(n)).Msg("Dropped partition")
	s.evicted(ctx, partition, len(n), "reset")
	return nil
}

// Sweep removes age-expired entries from every bounded partition and returns
// the number of purged entries.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	names, err := s.provider.Partitions(ctx)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		cfg := s.Config(name)
		if cfg.MaxAge <= 0 {
			continue
		}
		n, err := s.sweepPartition(ctx, cfg)
		purged += n
		if err != nil {
			return purged, err
		}
	}
	return purged, nil
}

func (s *Store) sweepPartition(ctx context.Context, cfg PartitionConfig) (int, error) {
	l := s.lock(cfg.Name)
	l.Lock()
	defer l.Unlock()
	index, err := s.provider.Index(ctx, cfg.Name)
	if err != nil {
		return 0, err
	}
	now := s.clock()
	expired := make([]string, 0)
	for _, rec := range index {
		if Expired(rec.StoredAt, cfg.MaxAge, now) {
			expired = append(expired, rec.Key)
		}
	}
	if err := s.deleteAll(ctx, cfg.Name, expired); err != nil {
		return 0, err
	}
	s.evicted(ctx, cfg.Name, len(expired), "expired")
	return len(expired), nil
}
