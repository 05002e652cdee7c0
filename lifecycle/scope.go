package lifecycle

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Scope holds the versions competing for control over a set of clients:
// at most one active and one waiting controller.
type Scope struct {
	mu      sync.Mutex
	active  *Controller
	waiting *Controller
	clients map[*Client]struct{}
	skip    bool
	// changed is closed and replaced whenever clients or the skip flag change
	changed   chan struct{}
	listeners []func(c *Controller, from, to State)

	group singleflight.Group
	log   zerolog.Logger
}

type ScopeOption func(*Scope)

func WithLogger(logger zerolog.Logger) ScopeOption {
	return func(s *Scope) { s.log = logger }
}

func NewScope(opts ...ScopeOption) *Scope {
	s := &Scope{
		clients: make(map[*Client]struct{}),
		changed: make(chan struct{}),
		log:     log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "lifecycle").Logger()
	return s
}

// OnStateChange registers a listener for state transitions of every
// controller registered with the scope.
func (s *Scope) OnStateChange(fn func(c *Controller, from, to State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Scope) stateChanged(c *Controller, from, to State) {
	s.log.Debug().Str("version", c.Version).Str("from", from.String()).Str("to", to.String()).Msg("State change")
	s.mu.Lock()
	listeners := append([]func(*Controller, State, State){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(c, from, to)
	}
}

// broadcastLocked wakes up everyone waiting for a change.
func (s *Scope) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Register installs ctrl, waits until the active version has no clients
// left (or SkipWaiting is called), activates ctrl and makes it control all
// open clients. Concurrent calls for the same version collapse into one.
//
// If install fails, ctrl becomes redundant and the active version keeps
// serving.
func (s *Scope) Register(ctx context.Context, ctrl *Controller) error {
	_, err, _ := s.group.Do(ctrl.Version, func() (interface{}, error) {
		return nil, s.register(ctx, ctrl)
	})
	return err
}

func (s *Scope) register(ctx context.Context, ctrl *Controller) error {
	ctrl.mu.Lock()
	ctrl.onChange = s.stateChanged
	ctrl.mu.Unlock()

	if err := ctrl.install(ctx); err != nil {
		s.log.Error().Err(err).Str("version", ctrl.Version).Msg("Install failed, keeping current version")
		return err
	}

	s.mu.Lock()
	if prev := s.waiting; prev != nil && prev != ctrl {
		_ = prev.transition(StateRedundant)
	}
	s.waiting = ctrl
	s.broadcastLocked()
	s.mu.Unlock()

	if err := s.waitForRelease(ctx, ctrl); err != nil {
		s.abandon(ctrl)
		s.log.Warn().Err(err).Str("version", ctrl.Version).Msg("Stopped waiting for activation")
		return err
	}

	if err := ctrl.activate(ctx); err != nil {
		s.abandon(ctrl)
		s.log.Error().Err(err).Str("version", ctrl.Version).Msg("Activate failed, keeping current version")
		return err
	}

	s.mu.Lock()
	prev := s.active
	s.active = ctrl
	if s.waiting == ctrl {
		s.waiting = nil
	}
	s.skip = false
	claimed := 0
	for c := range s.clients {
		if c.controller != ctrl {
			c.controller = ctrl
			claimed++
		}
	}
	s.broadcastLocked()
	s.mu.Unlock()

	if prev != nil && prev != ctrl {
		_ = prev.transition(StateRedundant)
	}
	s.log.Info().Str("version", ctrl.Version).Int("claimed", claimed).Msg("Version active")
	return nil
}

// abandon takes ctrl out of the waiting slot and makes it redundant.
func (s *Scope) abandon(ctrl *Controller) {
	s.mu.Lock()
	if s.waiting == ctrl {
		s.waiting = nil
		s.broadcastLocked()
	}
	s.mu.Unlock()
	_ = ctrl.transition(StateRedundant)
}

// waitForRelease blocks while clients of the active version are open.
func (s *Scope) waitForRelease(ctx context.Context, ctrl *Controller) error {
	for {
		s.mu.Lock()
		if s.waiting != ctrl {
			s.mu.Unlock()
			return ErrInvalidTransition
		}
		n := s.controlledLocked(s.active)
		if s.skip || s.active == nil || n == 0 {
			s.mu.Unlock()
			return nil
		}
		changed := s.changed
		s.mu.Unlock()

		s.log.Debug().Str("version", ctrl.Version).Int("clients", n).Msg("Waiting for clients of the active version")
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Scope) controlledLocked(ctrl *Controller) int {
	if ctrl == nil {
		return 0
	}
	n := 0
	for c := range s.clients {
		if c.controller == ctrl {
			n++
		}
	}
	return n
}

// SkipWaiting makes the waiting (or next installed) version activate without
// waiting for the clients of the active version.
func (s *Scope) SkipWaiting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skip = true
	s.broadcastLocked()
}

// Active returns the active controller, if any.
func (s *Scope) Active() *Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Waiting returns the installed controller waiting for activation, if any.
func (s *Scope) Waiting() *Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting
}

// Client is an open client of the scope, e.g. a browser tab or a
// long-running consumer of the engine.
type Client struct {
	scope      *Scope
	controller *Controller
}

// Connect opens a client controlled by the active version.
func (s *Scope) Connect() *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &Client{scope: s, controller: s.active}
	s.clients[c] = struct{}{}
	s.broadcastLocked()
	return c
}

// Clients returns the number of open clients.
func (s *Scope) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Controller returns the version controlling the client, or nil.
func (c *Client) Controller() *Controller {
	c.scope.mu.Lock()
	defer c.scope.mu.Unlock()
	return c.controller
}

// Close releases the client.
func (c *Client) Close() {
	s := c.scope
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	s.broadcastLocked()
}
