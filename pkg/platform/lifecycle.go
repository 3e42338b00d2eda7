package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// hook is one named start/stop pair. Either func may be nil.
type hook struct {
	name  string
	start func(context.Context) error
	stop  func(context.Context) error
}

// Lifecycle starts components in registration order and stops them in
// reverse.
type Lifecycle struct {
	mu      sync.Mutex
	hooks   []hook
	started int // hooks successfully started
	running bool
}

// NewLifecycle creates a new lifecycle manager.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{}
}

// Append registers a named start/stop pair.
func (l *Lifecycle) Append(name string, start, stop func(context.Context) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, hook{name: name, start: start, stop: stop})
}

// Component is something that can be started and stopped.
type Component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// RegisterComponent registers a component with the lifecycle.
func (l *Lifecycle) RegisterComponent(name string, c Component) {
	l.Append(name, c.Start, c.Stop)
}

// Closer is something that can be closed.
type Closer interface {
	Close() error
}

// RegisterCloser registers a closer to be closed on shutdown.
func (l *Lifecycle) RegisterCloser(name string, c Closer) {
	l.Append(name, nil, func(context.Context) error { return c.Close() })
}

// Start runs the start hooks. If one fails, the hooks already started are
// stopped in reverse order and the error is returned.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return errors.New("lifecycle already started")
	}

	for i, h := range l.hooks {
		if h.start != nil {
			if err := h.start(ctx); err != nil {
				l.stopFrom(ctx, i-1, func(name string, err error) {
					slog.Warn("lifecycle rollback: stop failed", "component", name, "error", err)
				})
				return fmt.Errorf("starting %s: %w", h.name, err)
			}
		}
		l.started = i + 1
	}

	l.running = true
	return nil
}

// Stop runs the stop hooks in reverse order, continuing past failures.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return nil
	}

	var errs []error
	l.stopFrom(ctx, l.started-1, func(name string, err error) {
		errs = append(errs, fmt.Errorf("stopping %s: %w", name, err))
	})
	l.running = false
	return errors.Join(errs...)
}

func (l *Lifecycle) stopFrom(ctx context.Context, last int, onErr func(string, error)) {
	for i := last; i >= 0; i-- {
		h := l.hooks[i]
		if h.stop == nil {
			continue
		}
		if err := h.stop(ctx); err != nil {
			onErr(h.name, err)
		}
	}
	l.started = 0
}

// IsStarted returns whether the lifecycle has been started.
func (l *Lifecycle) IsStarted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}
