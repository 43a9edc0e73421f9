// Package client is the library a managed service uses to connect back to the
// supervisor, expose rpc methods and call other services.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/loykin/livesup/internal/message"
	"github.com/loykin/livesup/internal/node"
	"github.com/loykin/livesup/internal/rpc"
)

const (
	DefaultHost         = "localhost"
	DefaultPort         = 3030
	DefaultHealthMethod = "health"
	DefaultDialTimeout  = 5 * time.Second
)

var (
	// ErrClosed fails calls still pending when the connection goes away.
	ErrClosed = errors.New("connection closed")
	// ErrNoName is returned by Connect when the config carries no identity;
	// the supervisor drops handshakes without one.
	ErrNoName = errors.New("service name is required")
)

// Config describes how a service reaches the supervisor.
type Config struct {
	Host string
	Port int
	// Name is the service identity used in handshakes and as the sender of
	// every message.
	Name         string
	DialTimeout  time.Duration
	CallTimeout  time.Duration
	HealthMethod string
	// DisableHealth skips registering the built-in health method.
	DisableHealth bool
	// TLS selects wss.
	TLS *tls.Config
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = rpc.DefaultTimeout
	}
	if c.HealthMethod == "" {
		c.HealthMethod = DefaultHealthMethod
	}
	return c
}

// URL returns the supervisor endpoint.
func (c Config) URL() string {
	scheme := "ws://"
	if c.TLS != nil {
		scheme = "wss://"
	}
	return scheme + net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) + "/"
}

// Client is a node connected to the supervisor.
type Client struct {
	cfg        Config
	node       *node.Node
	dispatcher *node.Dispatcher
	pending    *rpc.Pending
	methods    *rpc.Methods

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	socket *node.Socket
	done   chan struct{}
}

// New prepares a client. Methods may be registered before Connect.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:        cfg,
		node:       node.New(cfg.Name),
		dispatcher: node.NewDispatcher(),
		pending:    rpc.NewPending(),
		methods:    rpc.NewMethods(),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.dispatcher.Register(node.HandlerFunc(message.TopicRPC, c.handleRPC))
	c.dispatcher.Register(node.HandlerFunc(message.TopicResponse, c.handleResponse))
	c.dispatcher.Register(node.HandlerFunc(message.TopicError, c.handleError))

	if !cfg.DisableHealth {
		c.methods.Register(cfg.HealthMethod, func(context.Context, []json.RawMessage) (any, error) {
			return map[string]string{"status": "ok", "service": cfg.Name}, nil
		})
		c.node.MuteMethod(cfg.HealthMethod)
	}
	return c
}

func (c *Client) Name() string { return c.cfg.Name }

func (c *Client) Node() *node.Node { return c.node }

func (c *Client) Methods() *rpc.Methods { return c.methods }

// Handle exposes fn as an rpc method.
func (c *Client) Handle(method string, fn rpc.MethodFunc) {
	c.methods.Register(method, fn)
}

// On registers a handler for an application topic.
func (c *Client) On(h node.Handler) {
	c.dispatcher.Register(h)
}

// Connect dials the supervisor and sends the handshake. Errors before the
// handshake is written are returned; afterwards socket events flow through
// the dispatcher and Done reports the end of the connection.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.Name == "" {
		return ErrNoName
	}
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout, TLSClientConfig: c.cfg.TLS}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL(), nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.cfg.URL(), err)
	}
	sock := node.NewSocket(conn)
	c.node.Attach(sock)

	hs, err := message.New(message.TopicHandshake, message.SupervisorID, nil)
	if err != nil {
		_ = sock.Close()
		return err
	}
	if _, err := c.node.Send(hs); err != nil {
		c.node.Detach()
		_ = sock.Close()
		return fmt.Errorf("handshake: %w", err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.socket = sock
	c.done = done
	c.mu.Unlock()

	slog.Info("connected to supervisor", "service", c.cfg.Name, "url", c.cfg.URL())
	go c.readLoop(sock, done)
	return nil
}

func (c *Client) readLoop(sock *node.Socket, done chan struct{}) {
	defer close(done)
	for {
		b, err := sock.Read()
		if err != nil {
			if !node.IsClosed(err) && c.ctx.Err() == nil {
				slog.Warn("connection lost", "service", c.cfg.Name, "error", err)
			}
			break
		}
		m, err := message.Decode(b)
		if err != nil {
			slog.Warn("dropping malformed message", "service", c.cfg.Name, "error", err)
			continue
		}
		c.dispatcher.Handle(sock, m)
	}
	c.node.Detach()
	_ = sock.Close()
	if n := c.pending.RejectAll(ErrClosed); n > 0 {
		slog.Warn("failed pending calls on disconnect", "service", c.cfg.Name, "count", n)
	}
}

func (c *Client) handleRPC(_ node.Transport, m *message.Message) {
	if m.To != "" && m.To != c.node.UID() {
		slog.Warn("rpc addressed to another node", "service", c.cfg.Name, "to", m.To)
		c.reply(m, message.TopicError, fmt.Sprintf("rpc for %s delivered to %s", m.To, c.node.UID()))
		return
	}
	var req message.RPCRequest
	if err := m.DecodeData(&req); err != nil {
		slog.Warn("malformed rpc", "service", c.cfg.Name, "mid", m.MID, "error", err)
		c.reply(m, message.TopicError, err.Error())
		return
	}
	if !c.node.ShouldMute(m) {
		slog.Debug("recv rpc", "service", c.cfg.Name, "from", m.From, "method", req.Method, "mid", m.MID)
	}
	go func() {
		v, err := c.methods.Dispatch(c.ctx, rpc.Call{Method: req.Method, Args: req.Args})
		if err != nil {
			c.replyTo(req.From, m, message.TopicError, err.Error())
			return
		}
		c.replyTo(req.From, m, message.TopicResponse, v)
	}()
}

func (c *Client) reply(m *message.Message, topic string, value any) {
	c.replyTo("", m, topic, value)
}

func (c *Client) replyTo(to string, m *message.Message, topic string, value any) {
	if to == "" {
		to = m.From
	}
	r, err := message.NewReply(m.MID, value)
	if err != nil {
		r, _ = message.NewReply(m.MID, err.Error())
		topic = message.TopicError
	}
	out, err := message.New(topic, to, r)
	if err != nil {
		slog.Error("build reply", "service", c.cfg.Name, "mid", m.MID, "error", err)
		return
	}
	if _, err := c.node.Send(out); err != nil {
		slog.Warn("send reply", "service", c.cfg.Name, "mid", m.MID, "error", err)
	}
}

func (c *Client) handleResponse(_ node.Transport, m *message.Message) {
	var r message.Reply
	if err := m.DecodeData(&r); err != nil {
		slog.Warn("malformed response", "service", c.cfg.Name, "error", err)
		return
	}
	muted := c.node.ShouldMute(m)
	if !c.pending.Resolve(r.MID, r.Value) {
		slog.Debug("response for unknown call", "service", c.cfg.Name, "mid", r.MID)
		return
	}
	if !muted {
		slog.Debug("recv response", "service", c.cfg.Name, "from", m.From, "mid", r.MID)
	}
}

func (c *Client) handleError(_ node.Transport, m *message.Message) {
	var r message.Reply
	if err := m.DecodeData(&r); err != nil {
		slog.Warn("malformed error", "service", c.cfg.Name, "error", err)
		return
	}
	muted := c.node.ShouldMute(m)
	if !c.pending.Reject(r.MID, &rpc.RemoteError{Message: r.ErrorText()}) {
		slog.Debug("error for unknown call", "service", c.cfg.Name, "mid", r.MID, "error", r.ErrorText())
		return
	}
	if !muted {
		slog.Debug("recv error", "service", c.cfg.Name, "from", m.From, "mid", r.MID, "error", r.ErrorText())
	}
}

// Call sends an rpc to target and waits for its reply. It implements rpc.Caller.
func (c *Client) Call(ctx context.Context, target string, call rpc.Call, timeout time.Duration) (json.RawMessage, error) {
	args := call.Args
	if args == nil {
		args = []json.RawMessage{}
	}
	m, err := message.New(message.TopicRPC, target, message.RPCRequest{Method: call.Method, Args: args})
	if err != nil {
		return nil, err
	}
	m.MID = c.node.NextMID()
	c.pending.Add(m.MID, target)
	if _, err := c.node.Send(m); err != nil {
		c.pending.Remove(m.MID)
		c.node.ForgetMID(m.MID)
		return nil, err
	}
	res, err := c.WaitForResponse(ctx, m.MID, timeout)
	if err != nil {
		c.node.ForgetMID(m.MID)
	}
	return res, err
}

// WaitForResponse waits for the reply to mid.
func (c *Client) WaitForResponse(ctx context.Context, mid message.MID, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.cfg.CallTimeout
	}
	return c.pending.Wait(ctx, mid, timeout)
}

// Proxy returns a stand-in for the service name. A non-positive timeout uses
// the configured call timeout.
func (c *Client) Proxy(name string, timeout time.Duration) *rpc.Proxy {
	if timeout <= 0 {
		timeout = c.cfg.CallTimeout
	}
	return rpc.NewProxy(c, name, timeout)
}

// WaitForService polls the health method of name until it answers or timeout
// elapses (default 10s). The delay between attempts starts at retryDelay
// (default 200ms) and doubles up to two seconds.
func (c *Client) WaitForService(ctx context.Context, name string, timeout, retryDelay time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if retryDelay <= 0 {
		retryDelay = 200 * time.Millisecond
	}
	const maxDelay = 2 * time.Second
	deadline := time.Now().Add(timeout)
	delay := retryDelay
	var lastErr error
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		_, lastErr = c.Call(ctx, name, rpc.Call{Method: c.cfg.HealthMethod}, min(remaining, maxDelay))
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(min(delay, time.Until(deadline))):
		}
		delay = min(delay*2, maxDelay)
	}
	if lastErr == nil {
		return fmt.Errorf("service %s not available after %s", name, timeout)
	}
	return fmt.Errorf("service %s not available after %s: %w", name, timeout, lastErr)
}

// Done is closed when the connection ends. It is nil before Connect.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Connected reports whether the socket is up.
func (c *Client) Connected() bool { return c.node.Connected() }

// Close ends the connection and cancels running method handlers.
func (c *Client) Close() error {
	c.cancel()
	c.node.Detach()
	c.mu.Lock()
	sock := c.socket
	c.mu.Unlock()
	if sock == nil {
		return nil
	}
	return sock.Close()
}
