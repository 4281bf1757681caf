// Package supervisor owns the reconnect/backoff state machine for one remote
// endpoint. Each endpoint gets its own instance; nothing else mutates its
// connection state.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marketsync/internal/models"
	"marketsync/internal/retry"
	"marketsync/logger"
)

// Dialer establishes (or re-establishes) the underlying connection.
type Dialer func(ctx context.Context) error

// Supervisor drives one endpoint through the connection lifecycle.
type Supervisor struct {
	name   string
	dial   Dialer
	policy retry.Policy

	mu           sync.RWMutex
	state        models.ConnectionState
	connected    chan struct{}
	onDisconnect []func(error)
	onFailed     []func(name string, err error)
	failedOnce   bool

	log *logger.Log
}

// NewSupervisor starts in the Disconnected state. The policy's MaxAttempts is
// the reconnect attempt budget before the endpoint is declared Failed.
func NewSupervisor(name string, dial Dialer, policy retry.Policy) *Supervisor {
	return &Supervisor{
		name:      name,
		dial:      dial,
		policy:    policy,
		state:     models.StateDisconnected,
		connected: make(chan struct{}),
		log:       logger.GetLogger(),
	}
}

// State reports the current connection state.
func (s *Supervisor) State() models.ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// OnDisconnect registers a handler invoked whenever the endpoint drops.
func (s *Supervisor) OnDisconnect(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = append(s.onDisconnect, fn)
}

// OnFailed registers a handler invoked exactly once when the reconnect budget
// is exhausted. Used to raise the operator alert.
func (s *Supervisor) OnFailed(fn func(name string, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFailed = append(s.onFailed, fn)
}

func (s *Supervisor) setState(state models.ConnectionState) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	// The channel is closed exactly while the state is terminal for waiters:
	// Connected (proceed) or Failed (give up).
	wasClosed := prev == models.StateConnected || prev == models.StateFailed
	nowClosed := state == models.StateConnected || state == models.StateFailed
	if nowClosed && !wasClosed {
		close(s.connected)
	}
	if !nowClosed && wasClosed {
		s.connected = make(chan struct{})
	}
	s.mu.Unlock()

	if prev != state {
		s.log.WithComponent("supervisor").WithFields(logger.Fields{
			"endpoint": s.name,
			"from":     prev,
			"to":       state,
		}).Info("connection state changed")
	}
}

// Connect performs the initial connection attempt. A failure leaves the
// supervisor in the Error state without consuming the reconnect budget.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.setState(models.StateConnecting)
	if err := s.dial(ctx); err != nil {
		s.setState(models.StateError)
		return fmt.Errorf("connect %s: %w", s.name, err)
	}
	s.setState(models.StateConnected)
	return nil
}

// NotifyDisconnect transitions into Reconnecting and drives the backoff loop
// until the endpoint recovers or the attempt budget is exhausted. A recovered
// connection resets the attempt counter and unblocks paused consumers.
func (s *Supervisor) NotifyDisconnect(ctx context.Context, cause error) {
	s.mu.RLock()
	handlers := append(([]func(error))(nil), s.onDisconnect...)
	s.mu.RUnlock()
	for _, fn := range handlers {
		fn(cause)
	}

	s.setState(models.StateReconnecting)

	attempt := 0
	err := s.policy.DoNotify(ctx, func() error {
		attempt++
		return s.dial(ctx)
	}, func(err error, next time.Duration) {
		s.log.WithComponent("supervisor").WithError(err).WithFields(logger.Fields{
			"endpoint": s.name,
			"attempt":  attempt,
			"next_in":  next,
		}).Warn("reconnect attempt failed")
	})

	if err == nil {
		s.setState(models.StateConnected)
		s.log.WithComponent("supervisor").WithFields(logger.Fields{
			"endpoint": s.name,
			"attempts": attempt,
		}).Info("endpoint reconnected")
		return
	}

	s.setState(models.StateFailed)

	s.mu.Lock()
	alreadyFailed := s.failedOnce
	s.failedOnce = true
	failedHandlers := append(([]func(string, error))(nil), s.onFailed...)
	s.mu.Unlock()

	if !alreadyFailed {
		for _, fn := range failedHandlers {
			fn(s.name, err)
		}
	}
}

// WaitConnected blocks until the endpoint is Connected, the supervisor is
// Failed, or ctx is cancelled. Consumers use it to pause during reconnects.
func (s *Supervisor) WaitConnected(ctx context.Context) error {
	for {
		s.mu.RLock()
		state := s.state
		ch := s.connected
		s.mu.RUnlock()

		switch state {
		case models.StateConnected:
			return nil
		case models.StateFailed:
			return fmt.Errorf("endpoint %s permanently failed", s.name)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}
