// Package shutdown runs registered closers in reverse order once the
// process is asked to stop.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultTimeout bounds the whole shutdown sequence.
const DefaultTimeout = 30 * time.Second

// CloserFunc releases one component.
type CloserFunc func(ctx context.Context) error

type closer struct {
	name string
	fn   CloserFunc
}

// Manager coordinates the graceful shutdown of application components.
type Manager struct {
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	closers []closer
	once    sync.Once
	err     error
}

// NewManager creates a new Manager. A zero timeout selects DefaultTimeout.
func NewManager(timeout time.Duration, logger *slog.Logger) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		timeout: timeout,
		logger:  logger.With("component", "shutdown"),
	}
}

// Add registers a named closer. Closers run in reverse registration order.
func (m *Manager) Add(name string, fn CloserFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closers = append(m.closers, closer{name: name, fn: fn})
}

// Wait blocks until SIGINT or SIGTERM is received or ctx is done, then
// shuts down.
func (m *Manager) Wait(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.logger.Info("shutdown signal received", "signal", sig)
	case <-ctx.Done():
		m.logger.Info("shutdown requested", "cause", context.Cause(ctx))
	}
	return m.Shutdown(context.WithoutCancel(ctx))
}

// Shutdown calls every closer in reverse order under the manager timeout.
// A failing closer does not stop the others. Only the first call runs the
// closers; later calls return the same result.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.once.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()

		m.mu.Lock()
		closers := append([]closer(nil), m.closers...)
		m.mu.Unlock()

		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			c := closers[i]
			if err := c.fn(ctx); err != nil {
				m.logger.Error("shutdown error", "closer", c.name, "err", err)
				errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			}
		}
		m.err = errors.Join(errs...)
		m.logger.Info("shutdown complete", "closers", len(closers))
	})
	return m.err
}
