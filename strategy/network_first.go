package strategy

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// NetworkFirst races the network against a timer. A network response that
// settles first is stored and returned. Otherwise the cached entry is served,
// and failing that, the fallback.
//
// A response that arrives after the timer fired is still admitted and stored
// in the background, but never returned. The network fetch and the cache
// fill run on a context that is not cancelled with the caller's.
type NetworkFirst struct {
	*base
	timeout time.Duration
}

func NewNetworkFirst(opts Options) *NetworkFirst {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &NetworkFirst{base: newBase(KindNetworkFirst, opts), timeout: timeout}
}

func (n *NetworkFirst) Handle(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := outcomeFrom(ctx)
	fillCtx := context.WithoutCancel(ctx)
	done := make(chan fetched, 1)
	go func() {
		done <- n.fetch(fillCtx, req)
	}()

	timer := time.NewTimer(n.timeout)
	defer timer.Stop()

	var netErr error
	select {
	case f := <-done:
		if f.err == nil {
			return n.fromNetwork(fillCtx, req, out, f), nil
		}
		netErr = f.err
		n.fetchFailed(ctx, req, f.err)
	case <-timer.C:
		netErr = ErrTimeout
		n.log.Debug().Str("url", req.URL.String()).Dur("timeout", n.timeout).Msg("Network timed out")
	case <-ctx.Done():
		n.fillLater(fillCtx, req, done)
		return nil, ctx.Err()
	}

	res, hit := n.lookup(ctx, req)
	if errors.Is(netErr, ErrTimeout) {
		if hit || !n.opts.AwaitNetworkOnMiss {
			n.fillLater(fillCtx, req, done)
		} else {
			select {
			case f := <-done:
				if f.err == nil {
					return n.fromNetwork(fillCtx, req, out, f), nil
				}
				netErr = f.err
				n.fetchFailed(ctx, req, f.err)
			case <-ctx.Done():
				n.fillLater(fillCtx, req, done)
				return nil, ctx.Err()
			}
		}
	}
	if hit {
		out.Err = netErr
		n.record(ctx, out, SourceCache)
		return res, nil
	}
	return n.fallback(ctx, req, out, netErr)
}

func (n *NetworkFirst) fromNetwork(ctx context.Context, req *http.Request, out *Outcome, f fetched) *http.Response {
	out.Stored = n.store(ctx, req, f)
	n.record(ctx, out, SourceNetwork)
	return f.res
}

// fillLater waits for an outstanding fetch and stores its response. Once the
// handler is closed the response is discarded.
func (n *NetworkFirst) fillLater(ctx context.Context, req *http.Request, done <-chan fetched) {
	ok := n.background(func() {
		f := <-done
		if f.err != nil {
			n.fetchFailed(ctx, req, f.err)
			return
		}
		if f.entry == nil {
			f.res.Body.Close()
			return
		}
		if n.store(ctx, req, f) {
			n.log.Debug().Str("url", req.URL.String()).Msg("Updated cache after timeout")
		}
	})
	if ok {
		return
	}
	n.log.Debug().Str("url", req.URL.String()).Msg("Closed, discarding late response")
	go func() {
		if f := <-done; f.res != nil {
			f.res.Body.Close()
		}
	}()
}
