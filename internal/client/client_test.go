package client

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/livesup/internal/message"
	"github.com/loykin/livesup/internal/rpc"
)

// fakeHub accepts one connection and hands its frames to the test.
type fakeHub struct {
	srv    *httptest.Server
	frames chan *message.Message
	mu     sync.Mutex
	conn   *websocket.Conn
	ready  chan struct{}
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	h := &fakeHub{frames: make(chan *message.Message, 16), ready: make(chan struct{})}
	upgrader := websocket.Upgrader{}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.mu.Lock()
		h.conn = conn
		h.mu.Unlock()
		close(h.ready)
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				return
			}
			m, err := message.Decode(b)
			if err == nil {
				h.frames <- m
			}
		}
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *fakeHub) config(name string) Config {
	host, port, _ := net.SplitHostPort(strings.TrimPrefix(h.srv.URL, "http://"))
	p, _ := strconv.Atoi(port)
	return Config{Host: host, Port: p, Name: name, CallTimeout: time.Second}
}

func (h *fakeHub) send(t *testing.T, m *message.Message) {
	t.Helper()
	<-h.ready
	b, err := m.Encode()
	require.NoError(t, err)
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NoError(t, h.conn.WriteMessage(websocket.TextMessage, b))
}

func (h *fakeHub) next(t *testing.T) *message.Message {
	t.Helper()
	select {
	case m := <-h.frames:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func (h *fakeHub) closeConn() {
	<-h.ready
	h.mu.Lock()
	_ = h.conn.Close()
	h.mu.Unlock()
}

func connected(t *testing.T, h *fakeHub, name string) *Client {
	t.Helper()
	c := New(h.config(name))
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	hs := h.next(t)
	assert.Equal(t, message.TopicHandshake, hs.Topic)
	assert.Equal(t, name, hs.From)
	assert.Equal(t, message.SupervisorID, hs.To)
	return c
}

func TestConnectFailsWithoutServer(t *testing.T) {
	c := New(Config{Host: "127.0.0.1", Port: 1, Name: "svc", DialTimeout: time.Second})
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, c.Connected())
	assert.Nil(t, c.Done())
}

func TestConnectRequiresName(t *testing.T) {
	h := newFakeHub(t)
	c := New(h.config(""))
	assert.ErrorIs(t, c.Connect(context.Background()), ErrNoName)
	assert.False(t, c.Connected())
	assert.Nil(t, c.Done())
}

func TestMisaddressedRPCGetsError(t *testing.T) {
	h := newFakeHub(t)
	connected(t, h, "svc1")

	req, err := message.New(message.TopicRPC, "svc2", message.RPCRequest{Method: "health"})
	require.NoError(t, err)
	req.From, req.MID = "b", "5"
	h.send(t, req)

	resp := h.next(t)
	assert.Equal(t, message.TopicError, resp.Topic)
	assert.Equal(t, "b", resp.To)
	var r message.Reply
	require.NoError(t, resp.DecodeData(&r))
	assert.Equal(t, message.MID("5"), r.MID)
	assert.Contains(t, r.ErrorText(), "svc2")
}

func TestTimedOutCallForgetsMutedMID(t *testing.T) {
	h := newFakeHub(t)
	c := connected(t, h, "b")

	_, err := c.Call(context.Background(), "svc1", rpc.Call{Method: "health"}, 50*time.Millisecond)
	assert.ErrorIs(t, err, rpc.ErrTimeout)
	assert.Zero(t, c.Node().MutedMIDs())
}

func TestHealthMethodAnswers(t *testing.T) {
	h := newFakeHub(t)
	connected(t, h, "svc1")

	req, err := message.New(message.TopicRPC, "svc1", message.RPCRequest{Method: "health"})
	require.NoError(t, err)
	req.From, req.MID = "supervisor", "77"
	h.send(t, req)

	resp := h.next(t)
	assert.Equal(t, message.TopicResponse, resp.Topic)
	assert.Equal(t, "supervisor", resp.To)
	var r message.Reply
	require.NoError(t, resp.DecodeData(&r))
	assert.Equal(t, message.MID("77"), r.MID)
	assert.JSONEq(t, `{"status":"ok","service":"svc1"}`, string(r.Value))
}

func TestRegisteredMethodAndUnknownMethod(t *testing.T) {
	h := newFakeHub(t)
	c := New(h.config("svc1"))
	c.Handle("ping", func(context.Context, []json.RawMessage) (any, error) { return "pong", nil })
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	h.next(t)

	req, _ := message.New(message.TopicRPC, "svc1", message.RPCRequest{Method: "ping", Args: []json.RawMessage{}})
	req.From, req.MID = "b", "1"
	h.send(t, req)
	resp := h.next(t)
	assert.Equal(t, message.TopicResponse, resp.Topic)
	assert.Equal(t, "b", resp.To)

	req, _ = message.New(message.TopicRPC, "svc1", message.RPCRequest{Method: "nope"})
	req.From, req.MID = "b", "2"
	h.send(t, req)
	resp = h.next(t)
	assert.Equal(t, message.TopicError, resp.Topic)
	var r message.Reply
	require.NoError(t, resp.DecodeData(&r))
	assert.Equal(t, message.MID("2"), r.MID)
	assert.Contains(t, r.ErrorText(), "unknown method")
}

func TestCallResolvesAndRejects(t *testing.T) {
	h := newFakeHub(t)
	c := connected(t, h, "b")

	type out struct {
		v   json.RawMessage
		err error
	}
	results := make(chan out, 1)
	go func() {
		v, err := c.Proxy("svc1", time.Second).Call(context.Background(), "ping", 1, 2)
		results <- out{v, err}
	}()

	req := h.next(t)
	assert.Equal(t, message.TopicRPC, req.Topic)
	assert.Equal(t, "svc1", req.To)
	assert.Equal(t, "b", req.From)
	var call message.RPCRequest
	require.NoError(t, req.DecodeData(&call))
	assert.Equal(t, "ping", call.Method)
	assert.Len(t, call.Args, 2)

	r, _ := message.NewReply(req.MID, "pong")
	resp, _ := message.New(message.TopicResponse, "b", r)
	resp.From = "svc1"
	h.send(t, resp)

	got := <-results
	require.NoError(t, got.err)
	assert.JSONEq(t, `"pong"`, string(got.v))

	go func() {
		_, err := c.Call(context.Background(), "ghost", rpc.Call{Method: "ping"}, time.Second)
		results <- out{nil, err}
	}()
	req = h.next(t)
	r, _ = message.NewReply(req.MID, "unknown node ghost")
	em, _ := message.New(message.TopicError, "b", r)
	em.From = message.SupervisorID
	h.send(t, em)

	got = <-results
	var re *rpc.RemoteError
	require.ErrorAs(t, got.err, &re)
	assert.Contains(t, re.Message, "ghost")
}

func TestCallTimesOut(t *testing.T) {
	h := newFakeHub(t)
	c := connected(t, h, "b")

	_, err := c.Call(context.Background(), "svc1", rpc.Call{Method: "slow"}, 50*time.Millisecond)
	assert.ErrorIs(t, err, rpc.ErrTimeout)
}

func TestDisconnectFailsPendingCalls(t *testing.T) {
	h := newFakeHub(t)
	c := connected(t, h, "b")

	errs := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "svc1", rpc.Call{Method: "slow"}, 5*time.Second)
		errs <- err
	}()
	h.next(t)
	h.closeConn()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not failed on disconnect")
	}
	<-c.Done()
	assert.False(t, c.Connected())
}

func TestSendWhileDisconnected(t *testing.T) {
	c := New(Config{Name: "b"})
	_, err := c.Call(context.Background(), "svc1", rpc.Call{Method: "x"}, time.Second)
	assert.Error(t, err)
}

func TestWaitForServiceGivesUp(t *testing.T) {
	c := New(Config{Name: "b"})
	err := c.WaitForService(context.Background(), "svc1", 150*time.Millisecond, 20*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not available")
}
