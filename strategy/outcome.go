package strategy

import "context"

// Strategy kinds.
const (
	KindNetworkFirst = "NetworkFirst"
	KindCacheFirst   = "CacheFirst"
	KindNetworkOnly  = "NetworkOnly"
)

// Where a response came from.
const (
	SourceCache    = "hit"
	SourceNetwork  = "network"
	SourceFallback = "fallback"
	SourceError    = "error"
)

// Outcome describes how a strategy handled a request.
type Outcome struct {
	// Strategy is the kind of handler that ran, e.g. NetworkFirst.
	Strategy string
	Source   string
	// Stored is set if the network response was written to the cache
	// before the handler returned.
	Stored bool
	// Err is the network or cache failure, if any.
	Err error
}

type outcomeKey struct{}

// WithOutcome returns a context under which handlers report their outcome
// into the returned Outcome.
func WithOutcome(ctx context.Context) (context.Context, *Outcome) {
	out := &Outcome{}
	return context.WithValue(ctx, outcomeKey{}, out), out
}

func outcomeFrom(ctx context.Context) *Outcome {
	if out, ok := ctx.Value(outcomeKey{}).(*Outcome); ok {
		return out
	}
	return &Outcome{}
}
