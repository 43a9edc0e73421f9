package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/loykin/livesup/internal/message"
	"github.com/loykin/livesup/internal/node"
	"github.com/loykin/livesup/internal/rpc"
)

// Call sends an rpc from the supervisor to target and waits for the reply.
// Supervisor-issued mids are UUIDs so they cannot collide with the counters
// of the nodes whose traffic passes through the router.
func (s *Supervisor) Call(ctx context.Context, target string, call rpc.Call, timeout time.Duration) (json.RawMessage, error) {
	dest := s.registry.Get(target)
	if dest == nil || !dest.Connected() {
		return nil, fmt.Errorf("call %s: %w", target, node.ErrNotConnected)
	}
	args := call.Args
	if args == nil {
		args = []json.RawMessage{}
	}
	m, err := message.New(message.TopicRPC, target, message.RPCRequest{
		Method: call.Method,
		Args:   args,
		From:   message.SupervisorID,
	})
	if err != nil {
		return nil, err
	}
	m.MID = message.MID(uuid.NewString())
	if timeout <= 0 {
		timeout = s.cfg.CallTimeout
	}

	s.pending.Add(m.MID, target)
	if _, err := s.self.SendOn(dest.Transport(), m); err != nil {
		s.pending.Remove(m.MID)
		s.self.ForgetMID(m.MID)
		return nil, err
	}
	res, err := s.pending.Wait(ctx, m.MID, timeout)
	if err != nil {
		s.self.ForgetMID(m.MID)
	}
	return res, err
}

// retryBudget is the longest callWithRetry sleeps with the configured retries.
func (s *Supervisor) retryBudget() time.Duration {
	var d time.Duration
	for i := 0; i < s.cfg.Retries; i++ {
		d += s.cfg.RetryDelay << i
	}
	return d
}

// callWithRetry waits for target to be connected, sleeping retryDelay*2^attempt
// between attempts. Errors from the call itself are returned as they are,
// except a disconnect racing the send, which counts as another attempt.
func (s *Supervisor) callWithRetry(ctx context.Context, target string, call rpc.Call, timeout time.Duration, retries int, retryDelay time.Duration) (json.RawMessage, error) {
	if retries <= 0 {
		retries = 1
	}
	for attempt := 0; attempt < retries; attempt++ {
		if s.registry.IsConnected(target) {
			res, err := s.Call(ctx, target, call, timeout)
			if !errors.Is(err, node.ErrNotConnected) {
				return res, err
			}
		}
		if attempt == retries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay << attempt):
		}
	}
	return nil, fmt.Errorf("service %s %w after %d attempts", target, ErrNotConnected, retries)
}

type retryCaller struct {
	s          *Supervisor
	retries    int
	retryDelay time.Duration
}

func (r retryCaller) Call(ctx context.Context, target string, call rpc.Call, timeout time.Duration) (json.RawMessage, error) {
	return r.s.callWithRetry(ctx, target, call, timeout, r.retries, r.retryDelay)
}

// ServiceProxy returns a proxy for name whose calls retry while the service
// is not connected. Zero values select the configured defaults.
func (s *Supervisor) ServiceProxy(name string, timeout time.Duration, retries int, retryDelay time.Duration) *rpc.Proxy {
	if timeout <= 0 {
		timeout = s.cfg.CallTimeout
	}
	if retries <= 0 {
		retries = s.cfg.Retries
	}
	if retryDelay <= 0 {
		retryDelay = s.cfg.RetryDelay
	}
	return rpc.NewProxy(retryCaller{s: s, retries: retries, retryDelay: retryDelay}, name, timeout)
}

// WaitForService polls the registry until name is connected.
func (s *Supervisor) WaitForService(ctx context.Context, name string, timeout time.Duration) error {
	return s.waitFor(ctx, timeout, func() []string {
		if s.registry.IsConnected(name) {
			return nil
		}
		return []string{name}
	}, func(missing []string) error {
		return fmt.Errorf("service %s did not connect within %s", name, timeout)
	})
}

// WaitForAllServices polls until every registered service is connected. The
// error names the services still missing.
func (s *Supervisor) WaitForAllServices(ctx context.Context, timeout time.Duration) error {
	return s.waitFor(ctx, timeout, func() []string {
		var missing []string
		for _, n := range s.serviceNames() {
			if !s.registry.IsConnected(n) {
				missing = append(missing, n)
			}
		}
		return missing
	}, func(missing []string) error {
		sort.Strings(missing)
		return fmt.Errorf("services did not connect within %s: %s", timeout, strings.Join(missing, ", "))
	})
}

func (s *Supervisor) waitFor(ctx context.Context, timeout time.Duration, missing func() []string, fail func([]string) error) error {
	const poll = 50 * time.Millisecond
	deadline := time.Now().Add(timeout)
	for {
		m := missing()
		if len(m) == 0 {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fail(m)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(min(poll, time.Until(deadline))):
		}
	}
}
