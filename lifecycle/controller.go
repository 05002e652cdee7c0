// Package lifecycle runs engine versions through install, wait and activate,
// and hands open clients over to the active version.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrInstallFailed     = errors.New("lifecycle: install failed")
	ErrActivateFailed    = errors.New("lifecycle: activate failed")
	ErrInvalidTransition = errors.New("lifecycle: invalid transition")
)

// Controller is one engine version.
type Controller struct {
	Version string
	// Install prepares the version, e.g. precaches its assets.
	Install func(ctx context.Context) error
	// Activate runs right before the version takes control, e.g. to delete
	// partitions of older versions.
	Activate func(ctx context.Context) error

	mu       sync.Mutex
	state    State
	onChange func(c *Controller, from, to State)
}

func NewController(version string, install, activate func(ctx context.Context) error) *Controller {
	return &Controller{Version: version, Install: install, Activate: activate}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) transition(to State) error {
	c.mu.Lock()
	from := c.state
	if !canTransition(from, to) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s: %s -> %s", ErrInvalidTransition, c.Version, from, to)
	}
	c.state = to
	notify := c.onChange
	c.mu.Unlock()
	if notify != nil {
		notify(c, from, to)
	}
	return nil
}

func (c *Controller) install(ctx context.Context) error {
	if err := c.transition(StateInstalling); err != nil {
		return err
	}
	if c.Install != nil {
		if err := c.Install(ctx); err != nil {
			_ = c.transition(StateRedundant)
			return fmt.Errorf("%w: %s: %w", ErrInstallFailed, c.Version, err)
		}
	}
	return c.transition(StateInstalled)
}

func (c *Controller) activate(ctx context.Context) error {
	if err := c.transition(StateActivating); err != nil {
		return err
	}
	if c.Activate != nil {
		if err := c.Activate(ctx); err != nil {
			_ = c.transition(StateRedundant)
			return fmt.Errorf("%w: %s: %w", ErrActivateFailed, c.Version, err)
		}
	}
	return c.transition(StateActive)
}
