// Package shutdown coordinates graceful teardown of the render daemon.
// Steps registered during startup run in reverse order on shutdown, so
// the API stops accepting work before the pool drains and the store closes.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

type step struct {
	name string
	fn   func(context.Context) error
}

// Manager handles graceful shutdown
type Manager struct {
	steps    []step
	mu       sync.Mutex
	timeout  time.Duration
	doneChan chan struct{}
	once     sync.Once
}

// New creates a shutdown manager with an overall teardown timeout
func New(timeout time.Duration) *Manager {
	return &Manager{
		steps:    make([]step, 0),
		timeout:  timeout,
		doneChan: make(chan struct{}),
	}
}

// Register adds a named shutdown step.
// Steps are called in reverse registration order (LIFO).
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step{name: name, fn: fn})
}

// Wait blocks until SIGTERM or SIGINT is received
func (m *Manager) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	fmt.Printf("\n[Shutdown] Received signal: %v\n", sig)

	m.once.Do(func() {
		close(m.doneChan)
	})
}

// Done returns a channel that is closed once shutdown has been initiated
func (m *Manager) Done() <-chan struct{} {
	return m.doneChan
}

// Shutdown executes all registered steps in reverse order. Errors are
// reported per step and do not stop the remaining steps.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	for i := len(m.steps) - 1; i >= 0; i-- {
		s := m.steps[i]
		if err := s.fn(ctx); err != nil {
			fmt.Printf("[Shutdown] Step %q error: %v\n", s.name, err)
		}
	}

	fmt.Println("[Shutdown] Graceful shutdown complete")
}

// WaitWithContext blocks until a shutdown signal or context cancellation.
// On a signal it runs the registered steps before returning.
func (m *Manager) WaitWithContext(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigChan:
		fmt.Printf("\n[Shutdown] Received signal: %v\n", sig)
		m.once.Do(func() {
			close(m.doneChan)
		})
		m.Shutdown()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopHTTPServer creates a shutdown step for an http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop %s server: %w", name, err)
		}
		return nil
	}
}

// CloseResource creates a shutdown step for an io.Closer
func CloseResource(closer interface{ Close() error }, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("failed to close %s: %w", name, err)
		}
		return nil
	}
}

// WaitForIdle creates a shutdown step that polls until checkFunc reports
// true or the shutdown context expires. Used to let in-flight renders
// finish before their dependencies are torn down.
func WaitForIdle(checkFunc func() bool, pollInterval time.Duration, resourceName string) func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			if checkFunc() {
				return nil
			}

			select {
			case <-ctx.Done():
				return fmt.Errorf("timeout waiting for %s: %w", resourceName, ctx.Err())
			case <-ticker.C:
			}
		}
	}
}
