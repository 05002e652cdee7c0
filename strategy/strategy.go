// Package strategy implements the fetch strategies that decide, per request,
// whether to answer from a cache partition, from the network or from both.
package strategy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/always-cache/fetchcache/admission"
	"github.com/always-cache/fetchcache/cache"
	"github.com/always-cache/fetchcache/observe"
	cachekey "github.com/always-cache/fetchcache/pkg/cache-key"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNoResponse is returned when neither network, cache nor fallback
	// produced a response.
	ErrNoResponse = errors.New("strategy: no response")
	// ErrTimeout is the network error NetworkFirst reports when its timer
	// fires first.
	ErrTimeout = errors.New("strategy: network timeout")
)

// Handler answers one intercepted request.
type Handler interface {
	Handle(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Fetcher issues network requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Plugins are the optional callbacks of a route. Every slot may be nil.
type Plugins struct {
	// CacheableResponse decides if a network response may be stored.
	// An empty chain admits status 0 and 200 only.
	CacheableResponse admission.Chain
	// CacheWillUpdate gets the admitted entry right before it is written.
	// Returning nil skips the write.
	CacheWillUpdate func(ctx context.Context, req *http.Request, e *cache.Entry) *cache.Entry
	// HandlerDidError produces a substitute response when network and cache
	// both failed. Returning an error or a nil response propagates the failure.
	HandlerDidError func(ctx context.Context, req *http.Request, err error) (*http.Response, error)
	// FetchDidFail is told about network failures. It cannot change the outcome.
	FetchDidFail func(ctx context.Context, req *http.Request, err error)
}

// Options configure a strategy.
type Options struct {
	// Name of the route, used in logs and metrics.
	Name      string
	Store     *cache.Store
	Partition string
	Network   Fetcher
	Plugins   Plugins
	Keyer     cachekey.CacheKeyer
	// Bodies larger than this are passed through without being cached.
	// Zero means no limit.
	MaxBodySize int64
	// Timeout of the network race (NetworkFirst only). Defaults to 3s.
	Timeout time.Duration
	// AwaitNetworkOnMiss makes NetworkFirst keep waiting for the network
	// after a timeout when the cache has no entry, instead of failing fast.
	AwaitNetworkOnMiss bool
	// Logger to use. The global zerolog logger is used if nil.
	Logger  *zerolog.Logger
	Metrics *observe.Metrics
}

// DefaultTimeout of the NetworkFirst race.
const DefaultTimeout = 3 * time.Second

// base holds what all caching strategies share.
type base struct {
	opts Options
	kind string
	log  zerolog.Logger
	bg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func newBase(kind string, opts Options) *base {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.Network == nil {
		opts.Network = http.DefaultClient
	}
	return &base{
		opts: opts,
		kind: kind,
		log: logger.With().
			Str("route", opts.Name).
			Str("strategy", kind).
			Str("partition", opts.Partition).
			Logger(),
	}
}

// Wait blocks until all background cache fills have finished.
func (b *base) Wait() {
	b.bg.Wait()
}

// Close stops new background fills and waits for the running ones.
func (b *base) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.bg.Wait()
}

// background runs fn as a tracked background fill. It reports false if the
// handler is closed, in which case fn is not run.
func (b *base) background(fn func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.bg.Add(1)
	go func() {
		defer b.bg.Done()
		fn()
	}()
	return true
}

func (b *base) record(ctx context.Context, out *Outcome, source string) {
	out.Strategy = b.kind
	out.Source = source
	b.opts.Metrics.Request(ctx, b.opts.Name, b.kind, source)
}

type fetched struct {
	res *http.Response
	// entry is nil if the body could not be buffered
	entry *cache.Entry
	err   error
}

// fetch issues the request and buffers the response body so that it can be
// both returned and stored.
func (b *base) fetch(ctx context.Context, req *http.Request) fetched {
	out := req.Clone(ctx)
	out.RequestURI = ""
	b.log.Trace().Str("url", req.URL.String()).Msg("Fetching from network")
	res, err := b.opts.Network.Do(out)
	if err != nil {
		return fetched{err: err}
	}
	body, complete, err := readBody(res.Body, b.opts.MaxBodySize)
	if err != nil {
		res.Body.Close()
		return fetched{err: err}
	}
	if !complete {
		b.log.Trace().Str("url", req.URL.String()).Msg("Body too large to cache, passing through")
		res.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), res.Body), res.Body}
		return fetched{res: res}
	}
	res.Body.Close()
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	header := res.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return fetched{
		res:   res,
		entry: &cache.Entry{Status: res.StatusCode, Header: header, Body: body},
	}
}

func readBody(body io.Reader, limit int64) ([]byte, bool, error) {
	if limit <= 0 {
		b, err := io.ReadAll(body)
		return b, true, err
	}
	b, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, false, err
	}
	return b, int64(len(b)) <= limit, nil
}

func (b *base) fetchFailed(ctx context.Context, req *http.Request, err error) {
	b.log.Warn().Err(err).Str("url", req.URL.String()).Msg("Network request failed")
	if b.opts.Plugins.FetchDidFail != nil {
		b.opts.Plugins.FetchDidFail(ctx, req, err)
	}
}

// lookup returns a response built from the cached entry for req.
func (b *base) lookup(ctx context.Context, req *http.Request) (*http.Response, bool) {
	if req.Method != http.MethodGet {
		return nil, false
	}
	key, err := b.opts.Keyer.GetKey(req)
	if err != nil {
		b.log.Warn().Err(err).Str("url", req.URL.String()).Msg("Could not get cache key")
		return nil, false
	}
	e, ok, err := b.opts.Store.Match(ctx, b.opts.Partition, key)
	if err != nil {
		b.log.Error().Err(err).Str("key", key).Msg("Could not read from cache")
		return nil, false
	}
	if !ok {
		b.log.Trace().Str("key", key).Msg("Cache miss")
		return nil, false
	}
	b.log.Trace().Str("key", key).Msg("Cache hit")
	res := e.Response(req)
	age := int(e.Age(b.opts.Store.Now()).Seconds())
	if age < 0 {
		age = 0
	}
	res.Header.Set("Age", strconv.Itoa(age))
	return res, true
}

// store admits and writes a network response. It reports whether the entry
// was written. Admission failures never reach the caller.
func (b *base) store(ctx context.Context, req *http.Request, f fetched) bool {
	if f.entry == nil || req.Method != http.MethodGet {
		return false
	}
	if !b.opts.Store.Admits(b.opts.Partition) {
		b.log.Trace().Str("url", req.URL.String()).Msg("Partition admits no entries")
		return false
	}
	key, err := b.opts.Keyer.GetKey(req)
	if err != nil {
		b.log.Warn().Err(err).Str("url", req.URL.String()).Msg("Could not get cache key")
		return false
	}
	candidate := f.entry.Clone()
	candidate.Key = key
	candidate.Partition = b.opts.Partition

	admitted, reason := b.opts.Plugins.CacheableResponse.Admit(ctx, req, candidate)
	if admitted == nil {
		b.log.Debug().Str("key", key).Str("reason", reason).Int("status", candidate.Status).Msg("Response not cacheable")
		b.opts.Metrics.Rejected(ctx, b.opts.Partition, reason)
		return false
	}
	if hook := b.opts.Plugins.CacheWillUpdate; hook != nil {
		if admitted = hook(ctx, req, admitted); admitted == nil {
			b.log.Trace().Str("key", key).Msg("Cache update cancelled by plugin")
			return false
		}
	}
	// the key and partition are not the validators' to change
	admitted.Key = key
	admitted.Partition = b.opts.Partition
	if err := b.opts.Store.Put(ctx, admitted); err != nil {
		b.log.Error().Err(err).Str("key", key).Msg("Could not write to cache")
		return false
	}
	b.opts.Metrics.Stored(ctx, b.opts.Partition)
	b.log.Trace().Str("key", key).Msg("Stored response")
	return true
}

// fallback runs the HandlerDidError plugin or wraps the failure.
func (b *base) fallback(ctx context.Context, req *http.Request, out *Outcome, cause error) (*http.Response, error) {
	if hook := b.opts.Plugins.HandlerDidError; hook != nil {
		res, err := hook(ctx, req, cause)
		if err == nil && res != nil {
			b.log.Debug().Err(cause).Str("url", req.URL.String()).Msg("Serving fallback")
			b.record(ctx, out, SourceFallback)
			return res, nil
		}
		if err != nil {
			b.log.Warn().Err(err).Str("url", req.URL.String()).Msg("Fallback failed")
		}
	}
	b.record(ctx, out, SourceError)
	out.Err = cause
	return nil, fmt.Errorf("%w: %s: %w", ErrNoResponse, req.URL, cause)
}
