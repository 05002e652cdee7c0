// Package fetchcache is a client-local HTTP cache and request router.
// Every outbound request of the host application is handed to the Engine,
// which serves it from a versioned cache partition, from the network, or both,
// depending on the route it matches.
package fetchcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/always-cache/fetchcache/admission"
	"github.com/always-cache/fetchcache/cache"
	"github.com/always-cache/fetchcache/lifecycle"
	"github.com/always-cache/fetchcache/observe"
	cachekey "github.com/always-cache/fetchcache/pkg/cache-key"
	"github.com/always-cache/fetchcache/precache"
	"github.com/always-cache/fetchcache/router"
	"github.com/always-cache/fetchcache/strategy"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrUnknownCommand = errors.New("fetchcache: unknown command")
	ErrClosed         = errors.New("fetchcache: engine is closed")
)

// Engine wires the partition store, routes, strategies, precache and
// lifecycle of one build version.
type Engine struct {
	cfg    Config
	origin *url.URL

	store        *cache.Store
	provider     cache.Provider
	ownsProvider bool

	router   *router.Router
	handlers []strategy.Handler
	precache *precache.Manager
	scope    *lifecycle.Scope
	ctrl     *lifecycle.Controller

	network strategy.Fetcher
	log     zerolog.Logger
	metrics *observe.Metrics

	// Optional function for mutating the intercepted request.
	requestModifier func(*http.Request)
	// Optional function for transforming every response handed back.
	responseModifier func(*http.Response) error

	plugins       map[string]strategy.Plugins
	clock         func() time.Time
	meterProvider metric.MeterProvider

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	bg        sync.WaitGroup
}

type Option func(*Engine)

// WithLogger sets the logger. The global zerolog logger is used otherwise.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.log = logger }
}

// WithNetwork replaces the client used for network requests. It must not
// route requests back into the engine.
func WithNetwork(network strategy.Fetcher) Option {
	return func(e *Engine) { e.network = network }
}

// WithProvider uses an existing storage substrate instead of the configured
// one. The engine does not close it.
func WithProvider(p cache.Provider) Option {
	return func(e *Engine) { e.provider = p }
}

// WithScope shares a lifecycle scope between engines of different versions.
func WithScope(s *lifecycle.Scope) Option {
	return func(e *Engine) { e.scope = s }
}

// WithPlugins attaches plugins to the named route. Validators are appended
// to the configured admission chain; the other slots replace the defaults.
func WithPlugins(route string, p strategy.Plugins) Option {
	return func(e *Engine) { e.plugins[route] = p }
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// WithClock replaces time.Now for the partition store.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithRequestModifier sets a function for mutating each intercepted request,
// e.g. for adding headers the origin needs.
func WithRequestModifier(fn func(*http.Request)) Option {
	return func(e *Engine) { e.requestModifier = fn }
}

// WithResponseModifier sets a function for transforming each response
// before it is handed back.
func WithResponseModifier(fn func(*http.Response) error) Option {
	return func(e *Engine) { e.responseModifier = fn }
}

// New builds an engine from a validated configuration.
func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:     cfg,
		log:     log.Logger,
		plugins: make(map[string]strategy.Plugins),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With().Str("version", cfg.Version).Logger()

	if cfg.Origin != "" {
		e.origin, _ = url.Parse(cfg.Origin)
	}
	if e.network == nil {
		e.network = &http.Client{
			Transport: http.DefaultTransport,
			// redirects are handed back, as the host's client follows them
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	metrics, err := observe.FromProvider(e.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("fetchcache: metrics: %w", err)
	}
	e.metrics = metrics

	if e.provider == nil {
		p, err := openProvider(cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("fetchcache: storage: %w", err)
		}
		e.provider = p
		e.ownsProvider = true
	}
	storeOpts := []cache.StoreOption{
		cache.WithLogger(e.log),
		cache.WithEvictionObserver(e.metrics.Evicted),
	}
	if e.clock != nil {
		storeOpts = append(storeOpts, cache.WithClock(e.clock))
	}
	e.store = cache.NewStore(e.provider, storeOpts...)
	for _, p := range cfg.Partitions {
		version := cfg.Version
		if p.Name == cfg.Precache.Partition {
			version = ""
		}
		if err := e.store.Configure(p.config(version)); err != nil {
			e.closeProvider()
			return nil, err
		}
	}

	concurrency := cfg.Precache.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	e.precache = precache.NewManager(e.store, e.network, cache.PartitionName(cfg.Precache.Partition, ""),
		precache.WithBaseURL(e.origin),
		precache.WithConcurrency(concurrency),
		precache.WithCacheBust(cfg.Precache.CacheBust),
		precache.WithLogger(e.log),
		precache.WithMetrics(e.metrics),
	)

	e.router = router.New()
	for i, spec := range cfg.Routes {
		route, err := e.buildRoute(spec)
		if err != nil {
			e.closeProvider()
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}
		if err := e.router.Register(route); err != nil {
			e.closeProvider()
			return nil, err
		}
		e.handlers = append(e.handlers, route.Handler)
	}
	e.router.Seal()

	if e.scope == nil {
		e.scope = lifecycle.NewScope(lifecycle.WithLogger(e.log))
	}
	e.ctrl = lifecycle.NewController(cfg.Version, e.install, e.activate)
	return e, nil
}

func openProvider(cfg StorageConfig) (cache.Provider, error) {
	switch cfg.Provider {
	case ProviderSQLite:
		return cache.NewSQLiteProvider(cfg.Path)
	case ProviderLevelDB:
		return cache.NewLevelDBProvider(cfg.Path)
	default:
		return cache.NewMemoryProvider(), nil
	}
}

// partition returns the physical name of a partition of this version.
// The precache partition carries no version token: it outlives builds and
// its entries are kept current by revision.
func (e *Engine) partition(purpose string) string {
	if purpose == e.cfg.Precache.Partition {
		return purpose
	}
	return cache.PartitionName(purpose, e.cfg.Version)
}

func (e *Engine) buildRoute(spec RouteSpec) (router.Route, error) {
	match, err := e.predicate(spec.Match)
	if err != nil {
		return router.Route{}, err
	}
	keyer, err := cachekey.NewCacheKeyer(spec.IgnoreQuery, spec.IgnoreParams...)
	if err != nil {
		return router.Route{}, err
	}
	opts := strategy.Options{
		Name:               spec.Name,
		Store:              e.store,
		Partition:          e.partition(spec.Partition),
		Network:            e.network,
		Plugins:            e.routePlugins(spec),
		Keyer:              keyer,
		MaxBodySize:        spec.MaxBodySize,
		Timeout:            time.Duration(spec.Timeout),
		AwaitNetworkOnMiss: spec.AwaitNetworkOnMiss,
		Logger:             &e.log,
		Metrics:            e.metrics,
	}
	var h strategy.Handler
	switch normalizeStrategy(spec.Strategy) {
	case StrategyNetworkFirst:
		h = strategy.NewNetworkFirst(opts)
	case StrategyCacheFirst:
		h = strategy.NewCacheFirst(opts)
	default:
		h = strategy.NewNetworkOnly(opts)
	}
	return router.Route{Name: spec.Name, Match: match, Handler: h}, nil
}

func (e *Engine) predicate(m MatchSpec) (router.Predicate, error) {
	methods := []string(m.Methods)
	if len(methods) == 0 {
		methods = []string{http.MethodGet}
	}
	ps := []router.Predicate{router.Method(methods...)}
	if len(m.Mode) > 0 {
		ps = append(ps, router.Mode(m.Mode...))
	}
	if m.PathPrefix != "" {
		ps = append(ps, router.PathPrefix(m.PathPrefix))
	}
	if m.Regexp != "" {
		re, err := router.Regexp(m.Regexp)
		if err != nil {
			return nil, err
		}
		ps = append(ps, re)
	}
	if len(m.Origin) > 0 {
		ps = append(ps, router.Origin(m.Origin...))
	}
	if m.SameOrigin {
		ps = append(ps, router.SameOrigin(e.origin))
	}
	if len(m.Destination) > 0 {
		ps = append(ps, router.Destination(m.Destination...))
	}
	if len(m.Extension) > 0 {
		ps = append(ps, router.Extension(m.Extension...))
	}
	return router.All(ps...), nil
}

func (e *Engine) routePlugins(spec RouteSpec) strategy.Plugins {
	a := spec.Admission
	statuses := a.Statuses
	if len(statuses) == 0 {
		statuses = []int{0, http.StatusOK}
	}
	chain := admission.Chain{admission.StatusAllowList(statuses...)}
	if a.MaxBodySize > 0 {
		chain = append(chain, admission.MaxBodySize(a.MaxBodySize))
	}
	if a.RequireJSONField != "" {
		chain = append(chain, admission.RequireJSONKind(a.RequireJSONField, a.RequireJSONKind))
	}
	if len(a.StripHeaders) > 0 {
		chain = append(chain, admission.StripHeaders(a.StripHeaders...))
	}
	if len(a.SetHeaders) > 0 {
		chain = append(chain, admission.SetHeaders(a.SetHeaders))
	}

	p := strategy.Plugins{CacheableResponse: chain}
	if spec.Fallback != "" {
		p.HandlerDidError = e.precachedFallback(spec.Fallback)
	}
	if extra, ok := e.plugins[spec.Name]; ok {
		p.CacheableResponse = append(p.CacheableResponse, extra.CacheableResponse...)
		if extra.CacheWillUpdate != nil {
			p.CacheWillUpdate = extra.CacheWillUpdate
		}
		if extra.HandlerDidError != nil {
			p.HandlerDidError = extra.HandlerDidError
		}
		if extra.FetchDidFail != nil {
			p.FetchDidFail = extra.FetchDidFail
		}
	}
	return p
}

// precachedFallback serves a precached URL verbatim.
func (e *Engine) precachedFallback(fallback string) func(context.Context, *http.Request, error) (*http.Response, error) {
	return func(ctx context.Context, req *http.Request, cause error) (*http.Response, error) {
		entry, ok, err := e.precache.Match(ctx, fallback)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("fallback %s is not precached", fallback)
		}
		return entry.Response(req), nil
	}
}

// Start registers this version with its scope: install (precache), wait for
// clients of the previous version, activate (drop partitions of other
// versions). It also starts the background age sweep. Start blocks until the
// version is active or registration failed.
func (e *Engine) Start(ctx context.Context) error {
	select {
	case <-e.stop:
		return ErrClosed
	default:
	}
	e.startOnce.Do(func() {
		if e.cfg.SweepInterval > 0 {
			e.bg.Add(1)
			go e.sweepLoop(time.Duration(e.cfg.SweepInterval))
		}
	})
	return e.scope.Register(ctx, e.ctrl)
}

func (e *Engine) install(ctx context.Context) error {
	if len(e.cfg.Precache.Manifest) == 0 {
		return nil
	}
	report, err := e.precache.Sync(ctx, e.cfg.Precache.Manifest)
	if err != nil {
		return err
	}
	if len(report.Failed) > 0 {
		e.log.Warn().Int("failed", len(report.Failed)).Msg("Installed with missing precache entries")
	}
	return nil
}

// activate drops every partition whose version token differs from ours and
// the precache entries no longer in the manifest. The precache partition has
// no version token and is left to Cleanup.
func (e *Engine) activate(ctx context.Context) error {
	names, err := e.store.Partitions(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		_, version, ok := cache.ParsePartitionName(name)
		if !ok || version == e.cfg.Version {
			continue
		}
		if err := e.store.DropPartition(ctx, name); err != nil {
			return err
		}
		e.log.Info().Str("partition", name).Msg("Deleted partition of old version")
	}
	if _, err := e.precache.Cleanup(ctx, e.cfg.Precache.Manifest); err != nil {
		return err
	}
	return nil
}

// Active reports whether this engine's version controls the scope.
func (e *Engine) Active() bool {
	return e.scope.Active() == e.ctrl
}

// State returns the lifecycle state of this engine's version.
func (e *Engine) State() lifecycle.State {
	return e.ctrl.State()
}

func (e *Engine) Scope() *lifecycle.Scope {
	return e.scope
}

func (e *Engine) Store() *cache.Store {
	return e.store
}

func (e *Engine) Precache() *precache.Manager {
	return e.precache
}

func (e *Engine) Config() Config {
	return e.cfg
}

// sweepLoop runs the age sweep on a ticker until the engine is closed.
func (e *Engine) sweepLoop(interval time.Duration) {
	defer e.bg.Done()
	e.log.Info().Msgf("Starting cache sweep loop with interval %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			n, err := e.store.Sweep(ctx)
			if err != nil {
				e.log.Error().Err(err).Msg("Could not sweep cache")
				continue
			}
			if n > 0 {
				e.log.Debug().Int("purged", n).Msg("Swept expired entries")
			} else {
				e.log.Trace().Msg("No expired entries")
			}
		}
	}
}

// Wait blocks until all background cache fills have finished.
func (e *Engine) Wait() {
	for _, h := range e.handlers {
		if w, ok := h.(interface{ Wait() }); ok {
			w.Wait()
		}
	}
}

// Close stops the sweep loop, waits for background fills and closes the
// storage if the engine opened it. Requests after Close fail with ErrClosed.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.stop)
		e.bg.Wait()
		for _, h := range e.handlers {
			if c, ok := h.(interface{ Close() }); ok {
				c.Close()
			}
		}
		err = e.closeProvider()
	})
	return err
}

func (e *Engine) closeProvider() error {
	if !e.ownsProvider {
		return nil
	}
	return e.provider.Close()
}
