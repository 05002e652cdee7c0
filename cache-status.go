package fetchcache

import (
	"errors"
	"fmt"

	"github.com/always-cache/fetchcache/strategy"
)

const cacheStatusName = "Fetchcache"

type CacheStatusStatus string

const (
	CacheStatusHit = "hit"
	CacheStatusFwd = "fwd"
)

type CacheStatusFwdReason string

const (
	// The engine was configured to not handle this request.
	CacheStatusFwdBypass = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	CacheStatusFwdMethod = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	CacheStatusFwdUriMiss = "uri-miss"

	// The cache was able to select a response for the request, but
	// the route's strategy asks the network first.
	CacheStatusFwdRequest = "request"
)

// CacheStatus is the value of the Cache-Status response header.
type CacheStatus struct {
	status    CacheStatusStatus
	fwdReason CacheStatusFwdReason
	stored    bool
	detail    string
}

func (cs *CacheStatus) Hit() {
	cs.status = CacheStatusHit
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) {
	cs.status = CacheStatusFwd
	cs.fwdReason = reason
}

func (cs *CacheStatus) Stored() {
	cs.stored = true
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", cacheStatusName, cs.status)
	if cs.status == CacheStatusFwd && cs.fwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.fwdReason)
	}
	if cs.stored {
		status = status + "; stored"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}

// cacheStatusFor describes how a request was handled.
// A nil outcome means no route handled the request.
func cacheStatusFor(method string, out *strategy.Outcome) CacheStatus {
	cs := CacheStatus{}
	if out == nil || out.Source == "" {
		cs.Forward(CacheStatusFwdBypass)
		return cs
	}
	switch out.Source {
	case strategy.SourceCache:
		cs.Hit()
		if errors.Is(out.Err, strategy.ErrTimeout) {
			cs.Detail("timeout")
		} else if out.Err != nil {
			cs.Detail("network-error")
		}
		return cs
	case strategy.SourceFallback:
		cs.Forward(CacheStatusFwdUriMiss)
		cs.Detail("fallback")
		return cs
	case strategy.SourceError:
		cs.Forward(CacheStatusFwdUriMiss)
		cs.Detail("error")
		return cs
	}
	switch {
	case out.Strategy == strategy.KindNetworkOnly:
		cs.Forward(CacheStatusFwdBypass)
	case method != "GET":
		cs.Forward(CacheStatusFwdMethod)
	case out.Strategy == strategy.KindNetworkFirst:
		cs.Forward(CacheStatusFwdRequest)
	default:
		cs.Forward(CacheStatusFwdUriMiss)
	}
	if out.Stored {
		cs.Stored()
	}
	return cs
}
