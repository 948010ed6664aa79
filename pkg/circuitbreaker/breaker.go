// Package circuitbreaker guards mount commands against unreachable file
// servers. Repeated mount failures against one host open its breaker so
// later repair runs fail fast instead of stacking hung mount processes.
package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"k8s.io/klog/v2"

	"github.com/sweets9/checkmounts/pkg/utils"
)

const (
	// DefaultConsecutiveFailures is the number of failures before the circuit opens
	DefaultConsecutiveFailures = 3

	// DefaultTimeout is how long the circuit stays open before allowing a probe
	DefaultTimeout = 5 * time.Minute

	// DefaultInterval is the cyclic period of the closed state to clear failure counts
	DefaultInterval = 1 * time.Minute
)

// HostCircuitBreaker manages per-host circuit breakers to prevent mount storms
// against a file server that is down. Shares on distinct hosts fail
// independently.
type HostCircuitBreaker struct {
	breakers map[string]*gobreaker.CircuitBreaker
	mu       sync.RWMutex
}

// NewHostCircuitBreaker creates a new per-host circuit breaker manager
func NewHostCircuitBreaker() *HostCircuitBreaker {
	return &HostCircuitBreaker{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// getBreaker returns or creates a circuit breaker for the given host
func (hcb *HostCircuitBreaker) getBreaker(host string) *gobreaker.CircuitBreaker {
	hcb.mu.RLock()
	cb, exists := hcb.breakers[host]
	hcb.mu.RUnlock()

	if exists {
		return cb
	}

	hcb.mu.Lock()
	defer hcb.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists := hcb.breakers[host]; exists {
		return cb
	}

	settings := gobreaker.Settings{
		Name:        host,
		MaxRequests: 1, // Only 1 probe allowed in half-open state
		Interval:    DefaultInterval,
		Timeout:     DefaultTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= DefaultConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			klog.Infof("Circuit breaker for host %s: %s -> %s", name, from, to)
		},
	}

	cb = gobreaker.NewCircuitBreaker(settings)
	hcb.breakers[host] = cb
	klog.V(4).Infof("Created circuit breaker for host %s", host)
	return cb
}

// Execute runs the given function with circuit breaker protection for host.
// An empty host bypasses the breaker entirely. Returns ErrBreakerOpen when
// the circuit rejects the call.
func (hcb *HostCircuitBreaker) Execute(ctx context.Context, host string, fn func() error) error {
	if host == "" {
		return fn()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cb := hcb.getBreaker(host)

	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	if err == gobreaker.ErrOpenState {
		return fmt.Errorf("host %s: %w after %d consecutive mount failures, next probe in up to %s",
			host, utils.ErrBreakerOpen, DefaultConsecutiveFailures, DefaultTimeout)
	}

	if err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("host %s: %w: half-open probe already in flight", host, utils.ErrBreakerOpen)
	}

	return err
}

// ResetAll discards every breaker so all hosts start fresh. Called when the
// share configuration changes underneath a long-running daemon.
func (hcb *HostCircuitBreaker) ResetAll() {
	hcb.mu.Lock()
	defer hcb.mu.Unlock()

	if len(hcb.breakers) == 0 {
		return
	}
	klog.Infof("Resetting %d host circuit breaker(s)", len(hcb.breakers))
	hcb.breakers = make(map[string]*gobreaker.CircuitBreaker)
}

// State returns the current state of the circuit breaker for a host.
// Returns "closed" if no breaker exists (default safe state).
func (hcb *HostCircuitBreaker) State(host string) string {
	hcb.mu.RLock()
	cb, exists := hcb.breakers[host]
	hcb.mu.RUnlock()

	if !exists {
		return "closed"
	}

	return cb.State().String()
}
