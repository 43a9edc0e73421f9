package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/loykin/livesup/internal/message"
)

// DefaultTimeout bounds a proxied call when none is configured.
const DefaultTimeout = 30 * time.Second

// Caller sends a call to the node named target and waits for its reply.
type Caller interface {
	Call(ctx context.Context, target string, c Call, timeout time.Duration) (json.RawMessage, error)
}

// Proxy is a stand-in for a remote node. Calls are explicit: method name plus
// arguments.
type Proxy struct {
	caller  Caller
	target  string
	timeout time.Duration
}

// NewProxy returns a proxy for target. A non-positive timeout selects DefaultTimeout.
func NewProxy(caller Caller, target string, timeout time.Duration) *Proxy {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Proxy{caller: caller, target: target, timeout: timeout}
}

func (p *Proxy) Target() string { return p.target }

func (p *Proxy) Timeout() time.Duration { return p.timeout }

// Call invokes method with args and returns the raw result.
func (p *Proxy) Call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	raw, err := message.EncodeArgs(args...)
	if err != nil {
		return nil, err
	}
	return p.caller.Call(ctx, p.target, Call{Method: method, Args: raw}, p.timeout)
}

// Invoke calls method and decodes the result into out. out may be nil.
func (p *Proxy) Invoke(ctx context.Context, out any, method string, args ...any) error {
	res, err := p.Call(ctx, method, args...)
	if err != nil {
		return err
	}
	if out == nil || len(res) == 0 {
		return nil
	}
	if err := json.Unmarshal(res, out); err != nil {
		return fmt.Errorf("decode %s.%s result: %w", p.target, method, err)
	}
	return nil
}
