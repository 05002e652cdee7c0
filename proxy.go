package fetchcache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/always-cache/fetchcache/router"
	"github.com/always-cache/fetchcache/strategy"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// hop-by-hop headers are not forwarded to the origin
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RoundTrip is the hand-off point for the host application: install the
// engine as the Transport of an http.Client and every request made with that
// client goes through the route table. Before the engine's version is active,
// and for requests no route matches, the request goes to the network as is
// and nothing is cached.
func (e *Engine) RoundTrip(req *http.Request) (*http.Response, error) {
	res, _, err := e.handle(req)
	return res, err
}

// handle runs the request through the matching route. The outcome is nil if
// no route handled the request.
func (e *Engine) handle(req *http.Request) (*http.Response, *strategy.Outcome, error) {
	select {
	case <-e.stop:
		return nil, nil, ErrClosed
	default:
	}
	if e.requestModifier != nil {
		req = req.Clone(req.Context())
		e.requestModifier(req)
	}
	var (
		res *http.Response
		out *strategy.Outcome
		err error
	)
	route, ok := e.route(req)
	if ok {
		var ctx context.Context
		ctx, out = strategy.WithOutcome(req.Context())
		res, err = route.Handler.Handle(ctx, req)
	} else {
		res, err = e.passthrough(req)
	}
	if err != nil {
		return nil, out, err
	}
	if e.responseModifier != nil {
		if err := e.responseModifier(res); err != nil {
			res.Body.Close()
			return nil, out, err
		}
	}
	return res, out, nil
}

func (e *Engine) route(req *http.Request) (router.Route, bool) {
	if !e.Active() {
		e.log.Trace().Str("url", req.URL.String()).Str("state", e.State().String()).Msg("Not active, bypassing")
		return router.Route{}, false
	}
	route, ok := e.router.Match(req)
	if !ok {
		e.log.Trace().Str("url", req.URL.String()).Msg("No route, bypassing")
	}
	return route, ok
}

func (e *Engine) passthrough(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.RequestURI = ""
	return e.network.Do(out)
}

// ServeHTTP implements the http.Handler interface, making the engine a
// forward proxy for absolute request URLs and a reverse proxy to the
// configured origin for relative ones.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, ok := e.outboundRequest(r)
	if !ok {
		http.Error(w, "no origin for relative request URL", http.StatusBadRequest)
		return
	}
	logger := e.requestLogger(r)
	res, out, err := e.handle(req)
	cs := cacheStatusFor(req.Method, out)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, strategy.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		logger.Warn().Err(err).Str("url", req.URL.String()).Msg("Could not get response")
		w.Header().Set("Cache-Status", cs.String())
		http.Error(w, http.StatusText(status), status)
		logRequest(logger, r, status, cs)
		return
	}
	defer res.Body.Close()

	copyHeader(w.Header(), res.Header)
	w.Header().Add("Cache-Status", cs.String())
	status := res.StatusCode
	// opaque responses have no status to hand on
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		logger.Error().Err(err).Msg("Could not write response body to client")
	}
	logRequest(logger, r, status, cs)
	logger.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

// outboundRequest turns an inbound proxy request into the request the engine
// handles: absolute URL, no hop-by-hop headers.
func (e *Engine) outboundRequest(r *http.Request) (*http.Request, bool) {
	req := r.Clone(r.Context())
	req.RequestURI = ""
	if !req.URL.IsAbs() {
		if e.origin == nil {
			return nil, false
		}
		req.URL.Scheme = e.origin.Scheme
		req.URL.Host = e.origin.Host
		req.Host = e.origin.Host
	}
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}
	return req, true
}

// requestLogger returns the logger attached to the request by hlog, or the
// engine's logger.
func (e *Engine) requestLogger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		return &e.log
	}
	return logger
}

func logRequest(logger *zerolog.Logger, r *http.Request, status int, cs CacheStatus) {
	hit := 0
	if cs.status == CacheStatusHit {
		hit = 1
	}
	logger.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("status", status).
		Str("cacheStatus", string(cs.status)).
		Str("fwd", string(cs.fwdReason)).
		Bool("stored", cs.stored).
		Int("hit", hit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// headers added by an upstream proxy are not handed on
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
