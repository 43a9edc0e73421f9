// Package rpc implements the request/response bookkeeping layered over
// messages: the pending-call table, the callee method table and the caller
// proxy.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/loykin/livesup/internal/message"
	"github.com/loykin/livesup/internal/metrics"
)

// ErrTimeout is wrapped by the error returned when no reply arrives in time.
var ErrTimeout = errors.New("timed out")

// RemoteError carries the text of an error message sent by the callee or by
// the supervisor when a call could not be routed.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

type result struct {
	value json.RawMessage
	err   error
}

type pendingCall struct {
	target string
	ch     chan result
	done   bool
}

// Pending tracks calls awaiting a response or error, keyed by mid. Every entry
// is settled exactly once: by the matching reply, by timeout, or by context
// cancellation. Settling an entry twice is a no-op. A settled entry stays
// until its waiter collects the result, so a reply may land before Wait.
type Pending struct {
	mu    sync.Mutex
	calls map[message.MID]*pendingCall
}

func NewPending() *Pending {
	return &Pending{calls: make(map[message.MID]*pendingCall)}
}

// Add creates the entry for mid, or keeps the existing one. Callers add the
// entry before sending so a fast reply cannot be lost.
func (p *Pending) Add(mid message.MID, target string) {
	p.mu.Lock()
	p.entry(mid, target)
	p.mu.Unlock()
}

func (p *Pending) entry(mid message.MID, target string) *pendingCall {
	c, ok := p.calls[mid]
	if !ok {
		c = &pendingCall{target: target, ch: make(chan result, 1)}
		p.calls[mid] = c
	}
	return c
}

// Expects reports whether an unsettled call with mid sent to from is
// outstanding.
func (p *Pending) Expects(mid message.MID, from string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.calls[mid]
	return ok && !c.done && (c.target == "" || c.target == from)
}

// Len returns the number of unsettled calls.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if !c.done {
			n++
		}
	}
	return n
}

func (p *Pending) settle(mid message.MID, r result) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.calls[mid]
	if !ok || c.done {
		return false
	}
	c.done = true
	c.ch <- r
	return true
}

// Resolve completes the call for mid with value.
func (p *Pending) Resolve(mid message.MID, value json.RawMessage) bool {
	return p.settle(mid, result{value: value})
}

// Reject fails the call for mid with err.
func (p *Pending) Reject(mid message.MID, err error) bool {
	return p.settle(mid, result{err: err})
}

// Remove drops the entry for mid. Used when the request never left.
func (p *Pending) Remove(mid message.MID) {
	p.mu.Lock()
	delete(p.calls, mid)
	p.mu.Unlock()
}

// RejectAll fails every unsettled call with err and returns how many there
// were. Used when the connection carrying them is gone.
func (p *Pending) RejectAll(err error) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if !c.done {
			c.done = true
			c.ch <- result{err: err}
			n++
		}
	}
	return n
}

// Wait blocks until the call for mid settles, the timeout elapses or ctx is
// done. A timeout rejects only this call.
func (p *Pending) Wait(ctx context.Context, mid message.MID, timeout time.Duration) (json.RawMessage, error) {
	p.mu.Lock()
	c := p.entry(mid, "")
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.calls[mid] == c {
			delete(p.calls, mid)
		}
		p.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-c.ch:
		return r.value, r.err
	case <-timer.C:
		if p.Reject(mid, fmt.Errorf("message %s: %w after %s", mid, ErrTimeout, timeout)) {
			metrics.IncRPCTimeout()
		}
	case <-ctx.Done():
		p.Reject(mid, fmt.Errorf("message %s: %w", mid, ctx.Err()))
	}
	// Our reject or a racing reply settled the entry; either lands in ch.
	r := <-c.ch
	return r.value, r.err
}
