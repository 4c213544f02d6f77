// Package shutdown coordinates signal handling and ordered teardown for the
// API server and the dispatch worker.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultTimeout bounds the whole teardown sequence.
const DefaultTimeout = 30 * time.Second

// ErrTimeout is returned when teardown does not finish within the timeout.
var ErrTimeout = errors.New("shutdown timeout exceeded")

// Component is something that must be released when the process stops.
type Component interface {
	Name() string
	Shutdown(ctx context.Context) error
}

type funcComponent struct {
	name string
	fn   func(ctx context.Context) error
}

func (c funcComponent) Name() string                       { return c.name }
func (c funcComponent) Shutdown(ctx context.Context) error { return c.fn(ctx) }

// Func wraps fn as a Component.
func Func(name string, fn func(ctx context.Context) error) Component {
	return funcComponent{name: name, fn: fn}
}

// Closer wraps an io.Closer such as a database handle.
func Closer(name string, c io.Closer) Component {
	return Func(name, func(context.Context) error { return c.Close() })
}

// Coordinator turns SIGINT/SIGTERM into context cancellation and then tears
// down registered components in reverse registration order.
type Coordinator struct {
	mu         sync.Mutex
	components []Component
	timeout    time.Duration
	logger     *slog.Logger
	signalCh   chan os.Signal

	once     sync.Once
	err      error
	exitCode int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets the teardown timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSignalChannel replaces OS signal delivery, used by tests.
func WithSignalChannel(ch chan os.Signal) Option {
	return func(c *Coordinator) {
		c.signalCh = ch
	}
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a component. Later registrations are shut down first.
func (c *Coordinator) Register(component Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, component)
	c.logger.Debug("registered shutdown component", "name", component.Name())
}

// Context returns a child of parent that is cancelled on the first signal.
// The returned stop function releases the signal handler.
func (c *Coordinator) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := c.signalCh
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}

	go func() {
		select {
		case sig := <-sigCh:
			c.logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		if c.signalCh == nil {
			signal.Stop(sigCh)
		}
		cancel()
	}
}

// Shutdown releases every registered component one at a time, newest first,
// under a shared deadline. It runs once; later calls return the first result.
func (c *Coordinator) Shutdown() error {
	c.once.Do(func() {
		c.logger.Info("initiating graceful shutdown", "timeout", c.timeout)

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		c.mu.Lock()
		components := make([]Component, len(c.components))
		copy(components, c.components)
		c.mu.Unlock()

		var errs []error
		for i := len(components) - 1; i >= 0; i-- {
			comp := components[i]
			if ctx.Err() != nil {
				c.logger.Warn("shutdown timeout exceeded, skipping component", "name", comp.Name())
				errs = append(errs, fmt.Errorf("%s: %w", comp.Name(), ErrTimeout))
				continue
			}
			c.logger.Info("shutting down component", "name", comp.Name())
			if err := comp.Shutdown(ctx); err != nil {
				c.logger.Error("component shutdown error", "name", comp.Name(), "error", err)
				if errors.Is(err, context.DeadlineExceeded) {
					err = ErrTimeout
				}
				errs = append(errs, fmt.Errorf("%s: %w", comp.Name(), err))
			}
		}

		c.mu.Lock()
		c.err = errors.Join(errs...)
		if c.err != nil {
			c.exitCode = 1
		}
		c.mu.Unlock()
		if c.err != nil {
			return
		}
		c.logger.Info("all components shut down successfully")
	})
	return c.err
}

// ExitCode is 0 after a clean shutdown and 1 otherwise.
func (c *Coordinator) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}
