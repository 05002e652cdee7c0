// Package admission decides whether a network response may be written to
// the cache. Validators run in order; the first rejection wins.
package admission

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/always-cache/fetchcache/cache"

	"github.com/rs/zerolog/log"
)

var (
	ErrStatus   = errors.New("admission: status not allowed")
	ErrBody     = errors.New("admission: body not acceptable")
	ErrTooLarge = errors.New("admission: body too large")
	ErrRejected = errors.New("admission: rejected")
	ErrPanic    = errors.New("admission: validator panicked")
)

// Rejection reasons, as reported by Chain.Admit.
const (
	ReasonStatus   = "status"
	ReasonBody     = "body"
	ReasonTooLarge = "size"
	ReasonPanic    = "panic"
	ReasonRejected = "rejected"
	ReasonError    = "error"
)

// Validator inspects a candidate entry. It returns the entry to store,
// possibly transformed. Returning a nil entry or an error rejects it;
// both are treated the same way.
//
// Validators must not modify the request.
type Validator func(ctx context.Context, req *http.Request, e *cache.Entry) (*cache.Entry, error)

// Func adapts a predicate to a Validator.
func Func(fn func(req *http.Request, e *cache.Entry) bool) Validator {
	return func(_ context.Context, req *http.Request, e *cache.Entry) (*cache.Entry, error) {
		if !fn(req, e) {
			return nil, ErrRejected
		}
		return e, nil
	}
}

// Chain is an ordered list of validators.
type Chain []Validator

// Default is applied when no validators are configured:
// only complete (200) and opaque (0) responses are admitted.
func Default() Chain {
	return Chain{StatusAllowList(0, http.StatusOK)}
}

// Admit runs the validators in order. It returns the entry to store, or nil
// and a short rejection reason. A panicking validator is a rejection.
func (c Chain) Admit(ctx context.Context, req *http.Request, e *cache.Entry) (*cache.Entry, string) {
	if len(c) == 0 {
		c = Default()
	}
	cur := e
	for i, v := range c {
		next, err := run(ctx, v, req, cur)
		if err == nil && next == nil {
			err = ErrRejected
		}
		if err != nil {
			reason := Reason(err)
			log.Trace().Err(err).Str("key", e.Key).Int("validator", i).Str("reason", reason).Msg("Response not admitted")
			return nil, reason
		}
		cur = next
	}
	return cur, ""
}

func run(ctx context.Context, v Validator, req *http.Request, e *cache.Entry) (res *cache.Entry, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return v(ctx, req, e)
}

// Reason maps a validator error to its rejection reason.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrStatus):
		return ReasonStatus
	case errors.Is(err, ErrBody):
		return ReasonBody
	case errors.Is(err, ErrTooLarge):
		return ReasonTooLarge
	case errors.Is(err, ErrPanic):
		return ReasonPanic
	case errors.Is(err, ErrRejected):
		return ReasonRejected
	default:
		return ReasonError
	}
}
