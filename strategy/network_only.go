package strategy

import (
	"context"
	"net/http"

	"github.com/always-cache/fetchcache/observe"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NetworkOnly always goes to the network and never touches the cache.
// Failures are propagated as they are.
type NetworkOnly struct {
	name    string
	network Fetcher
	didFail func(ctx context.Context, req *http.Request, err error)
	log     zerolog.Logger
	metrics *observe.Metrics
}

func NewNetworkOnly(opts Options) *NetworkOnly {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	network := opts.Network
	if network == nil {
		network = http.DefaultClient
	}
	return &NetworkOnly{
		name:    opts.Name,
		network: network,
		didFail: opts.Plugins.FetchDidFail,
		log:     logger.With().Str("route", opts.Name).Str("strategy", KindNetworkOnly).Logger(),
		metrics: opts.Metrics,
	}
}

func (n *NetworkOnly) Handle(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := outcomeFrom(ctx)
	out.Strategy = KindNetworkOnly
	r := req.Clone(ctx)
	r.RequestURI = ""
	res, err := n.network.Do(r)
	if err != nil {
		n.log.Warn().Err(err).Str("url", req.URL.String()).Msg("Network request failed")
		if n.didFail != nil {
			n.didFail(ctx, req, err)
		}
		out.Source = SourceError
		out.Err = err
		n.metrics.Request(ctx, n.name, KindNetworkOnly, SourceError)
		return nil, err
	}
	out.Source = SourceNetwork
	n.metrics.Request(ctx, n.name, KindNetworkOnly, SourceNetwork)
	return res, nil
}

// Wait is a no-op; NetworkOnly has no background work.
func (n *NetworkOnly) Wait() {}
