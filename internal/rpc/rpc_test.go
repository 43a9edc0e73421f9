package rpc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingResolveBeforeWait(t *testing.T) {
	p := NewPending()
	p.Add("1", "svc")
	require.True(t, p.Resolve("1", json.RawMessage(`"pong"`)))

	v, err := p.Wait(context.Background(), "1", time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(v))
	assert.Equal(t, 0, p.Len())
}

func TestPendingResolveWhileWaiting(t *testing.T) {
	p := NewPending()
	p.Add("7", "svc")
	go func() {
		time.Sleep(10 * time.Millisecond)
		p.Resolve("7", json.RawMessage(`42`))
	}()
	v, err := p.Wait(context.Background(), "7", time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `42`, string(v))
}

func TestPendingReject(t *testing.T) {
	p := NewPending()
	p.Add("2", "svc")
	p.Reject("2", &RemoteError{Message: "boom"})

	_, err := p.Wait(context.Background(), "2", time.Second)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "boom", re.Message)
}

func TestPendingTimeoutOnlyAffectsOwnCall(t *testing.T) {
	p := NewPending()
	p.Add("a", "svc")
	p.Add("b", "svc")

	_, err := p.Wait(context.Background(), "a", 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "message a")

	assert.True(t, p.Expects("b", "svc"))
	assert.False(t, p.Expects("a", "svc"))
	// A late reply for the timed-out call is ignored.
	assert.False(t, p.Resolve("a", json.RawMessage(`1`)))
	assert.True(t, p.Resolve("b", json.RawMessage(`2`)))
}

func TestPendingContextCancel(t *testing.T) {
	p := NewPending()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Wait(ctx, "x", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, p.Len())
}

func TestPendingSettlesOnce(t *testing.T) {
	p := NewPending()
	p.Add("m", "")
	var wg sync.WaitGroup
	var wins int32
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.Resolve("m", json.RawMessage(`1`)) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestPendingExpectsTarget(t *testing.T) {
	p := NewPending()
	p.Add("1", "svc")
	assert.True(t, p.Expects("1", "svc"))
	assert.False(t, p.Expects("1", "other"))
	p.Remove("1")
	assert.False(t, p.Expects("1", "svc"))
	p.Remove("1")
}

func TestMethodsDispatch(t *testing.T) {
	m := NewMethods()
	m.Register("add", func(_ context.Context, args []json.RawMessage) (any, error) {
		var a, b int
		if err := Arg(args, 0, &a); err != nil {
			return nil, err
		}
		if err := Arg(args, 1, &b); err != nil {
			return nil, err
		}
		return a + b, nil
	})
	m.Register("fail", func(context.Context, []json.RawMessage) (any, error) {
		return nil, errors.New("nope")
	})

	v, err := m.Dispatch(context.Background(), Call{Method: "add", Args: []json.RawMessage{json.RawMessage(`2`), json.RawMessage(`3`)}})
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	_, err = m.Dispatch(context.Background(), Call{Method: "add", Args: []json.RawMessage{json.RawMessage(`2`)}})
	assert.ErrorContains(t, err, "missing argument 1")

	_, err = m.Dispatch(context.Background(), Call{Method: "fail"})
	assert.EqualError(t, err, "nope")

	_, err = m.Dispatch(context.Background(), Call{Method: "missing"})
	assert.ErrorIs(t, err, ErrUnknownMethod)

	assert.Equal(t, []string{"add", "fail"}, m.Names())
}

type recordingCaller struct {
	target  string
	call    Call
	timeout time.Duration
	reply   json.RawMessage
	err     error
}

func (r *recordingCaller) Call(_ context.Context, target string, c Call, timeout time.Duration) (json.RawMessage, error) {
	r.target, r.call, r.timeout = target, c, timeout
	return r.reply, r.err
}

func TestProxyEncodesArgs(t *testing.T) {
	rc := &recordingCaller{reply: json.RawMessage(`{"n":3}`)}
	p := NewProxy(rc, "svc", 0)
	assert.Equal(t, DefaultTimeout, p.Timeout())

	var out struct{ N int }
	require.NoError(t, p.Invoke(context.Background(), &out, "count", "x", 2))
	assert.Equal(t, 3, out.N)
	assert.Equal(t, "svc", rc.target)
	assert.Equal(t, "count", rc.call.Method)
	require.Len(t, rc.call.Args, 2)
	assert.JSONEq(t, `"x"`, string(rc.call.Args[0]))
	assert.JSONEq(t, `2`, string(rc.call.Args[1]))
}

func TestProxyPropagatesError(t *testing.T) {
	rc := &recordingCaller{err: &RemoteError{Message: "unknown node svc"}}
	p := NewProxy(rc, "svc", time.Second)
	err := p.Invoke(context.Background(), nil, "ping")
	assert.EqualError(t, err, "unknown node svc")
}

func TestPendingRejectAll(t *testing.T) {
	p := NewPending()
	p.Add("1", "a")
	p.Add("2", "b")
	gone := errors.New("connection closed")
	assert.Equal(t, 2, p.RejectAll(gone))

	_, err := p.Wait(context.Background(), "1", time.Second)
	assert.ErrorIs(t, err, gone)
	_, err = p.Wait(context.Background(), "2", time.Second)
	assert.ErrorIs(t, err, gone)
}
