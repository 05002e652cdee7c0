package strategy

import (
	"context"
	"net/http"
)

// CacheFirst serves the cached entry if there is one. On a miss it fetches,
// stores the response if admitted, and returns it either way.
type CacheFirst struct {
	*base
}

func NewCacheFirst(opts Options) *CacheFirst {
	return &CacheFirst{base: newBase(KindCacheFirst, opts)}
}

func (c *CacheFirst) Handle(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := outcomeFrom(ctx)
	if res, ok := c.lookup(ctx, req); ok {
		c.record(ctx, out, SourceCache)
		return res, nil
	}
	f := c.fetch(ctx, req)
	if f.err != nil {
		c.fetchFailed(ctx, req, f.err)
		return c.fallback(ctx, req, out, f.err)
	}
	out.Stored = c.store(context.WithoutCancel(ctx), req, f)
	c.record(ctx, out, SourceNetwork)
	return f.res, nil
}
