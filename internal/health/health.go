// Package health probes managed services over rpc. Probes never change
// service state; the caller applies the result.
package health

import (
	"context"
	"time"

	"github.com/loykin/livesup/internal/rpc"
	"github.com/loykin/livesup/internal/service"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 5 * time.Second

const ReasonDisconnected = "disconnected"

// Result is the outcome of one probe.
type Result struct {
	Healthy bool   `json:"healthy"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Registry is the part of the node registry a probe needs.
type Registry interface {
	IsConnected(name string) bool
}

// Target is the part of a managed service a probe reads.
type Target interface {
	Name() string
	Spec() service.Spec
	HealthMethod() string
	Healthy() bool
}

type Checker struct {
	registry Registry
	caller   rpc.Caller
	timeout  time.Duration
}

// NewChecker returns a checker calling through caller. A non-positive timeout
// selects DefaultTimeout.
func NewChecker(registry Registry, caller rpc.Caller, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Checker{registry: registry, caller: caller, timeout: timeout}
}

func (c *Checker) Timeout() time.Duration { return c.timeout }

// Check probes t. Disabled checks are skipped without any I/O and report the
// current health unchanged. A missing or disconnected node fails without an
// rpc attempt.
func (c *Checker) Check(ctx context.Context, t Target) Result {
	if !t.Spec().HealthCheckEnabled {
		return Result{Healthy: t.Healthy(), Skipped: true}
	}
	if !c.registry.IsConnected(t.Name()) {
		return Result{Healthy: false, Reason: ReasonDisconnected}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if _, err := rpc.NewProxy(c.caller, t.Name(), c.timeout).Call(ctx, t.HealthMethod()); err != nil {
		return Result{Healthy: false, Reason: err.Error()}
	}
	return Result{Healthy: true}
}
