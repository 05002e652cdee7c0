// Package router maps intercepted requests to strategy handlers.
// Routes are evaluated in registration order and the first match wins.
package router

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/always-cache/fetchcache/strategy"
)

var (
	ErrSealed       = errors.New("router: routes are sealed")
	ErrInvalidRoute = errors.New("router: invalid route")
)

// Route binds a predicate to a strategy handler.
type Route struct {
	Name    string
	Match   Predicate
	Handler strategy.Handler
}

// Router holds the registered routes.
// Routes can only be added until Seal is called.
type Router struct {
	mu     sync.RWMutex
	routes []Route
	sealed bool
}

func New() *Router {
	return &Router{}
}

// Register appends a route.
func (rt *Router) Register(route Route) error {
	if route.Match == nil || route.Handler == nil {
		return fmt.Errorf("%w: %s: predicate and handler are required", ErrInvalidRoute, route.Name)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.sealed {
		return ErrSealed
	}
	rt.routes = append(rt.routes, route)
	return nil
}

// Seal makes the route table immutable.
func (rt *Router) Seal() {
	rt.mu.Lock()
	rt.sealed = true
	rt.mu.Unlock()
}

// Match returns the first route whose predicate matches r.
func (rt *Router) Match(r *http.Request) (Route, bool) {
	return rt.MatchRequest(NewRequest(r))
}

// MatchRequest is Match for an already built request view.
func (rt *Router) MatchRequest(req Request) (Route, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, route := range rt.routes {
		if route.Match(req) {
			return route, true
		}
	}
	return Route{}, false
}

// Routes returns a copy of the route table.
func (rt *Router) Routes() []Route {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return append([]Route(nil), rt.routes...)
}
