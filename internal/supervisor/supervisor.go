// Package supervisor owns the managed services, accepts node connections,
// routes messages between them and runs the health loop.
package supervisor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/loykin/livesup/internal/env"
	"github.com/loykin/livesup/internal/health"
	"github.com/loykin/livesup/internal/message"
	"github.com/loykin/livesup/internal/metrics"
	"github.com/loykin/livesup/internal/node"
	"github.com/loykin/livesup/internal/registry"
	"github.com/loykin/livesup/internal/rpc"
	"github.com/loykin/livesup/internal/service"
)

// ErrNotConnected is wrapped when a proxied call gives up waiting for its
// target to connect.
var ErrNotConnected = errors.New("not connected")

var errStopped = errors.New("supervisor stopped")

// Supervisor is the hub of the star topology: every node connects to it and
// every message between nodes passes through it.
//
// Lock order: mu, then any Managed or Node lock. No lock is held while
// writing to a socket.
type Supervisor struct {
	cfg        Config
	self       *node.Node
	registry   *registry.Registry
	dispatcher *node.Dispatcher
	pending    *rpc.Pending
	methods    *rpc.Methods
	checker    *health.Checker
	env        *env.Env
	upgrader   websocket.Upgrader

	mu       sync.RWMutex
	specs    []service.Spec
	services map[string]*service.Managed
	conns    map[*node.Socket]struct{}
	addr     net.Addr
	cancel   context.CancelFunc
	done     <-chan error

	running atomic.Bool
}

// New creates a supervisor. Nothing listens until Start or Serve.
func New(cfg Config) *Supervisor {
	cfg = cfg.withDefaults()
	s := &Supervisor{
		cfg:        cfg,
		self:       node.New(message.SupervisorID),
		registry:   registry.New(),
		dispatcher: node.NewDispatcher(),
		pending:    rpc.NewPending(),
		methods:    rpc.NewMethods(),
		env:        env.New(),
		services:   make(map[string]*service.Managed),
		conns:      make(map[*node.Socket]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser UIs connect from their own origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.checker = health.NewChecker(s.registry, s, cfg.HealthCheckTimeout)
	for _, kv := range cfg.Env {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			s.env.Set(k, v)
		}
	}
	s.self.MuteMethod(service.DefaultHealthCheckMethod)

	s.dispatcher.Register(node.HandlerFunc(message.TopicHandshake, s.handleHandshake))
	s.dispatcher.Register(node.HandlerFunc(message.TopicRPC, s.handleLocalRPC))
	s.dispatcher.Register(node.HandlerFunc(message.TopicResponse, s.handleLocalResponse))
	s.dispatcher.Register(node.HandlerFunc(message.TopicError, s.handleLocalError))
	s.registerLocalMethods()

	if cfg.Metrics {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			slog.Warn("metrics registration failed", "error", err)
		}
	}
	return s
}

// Methods is the table served for rpc addressed to the supervisor itself.
func (s *Supervisor) Methods() *rpc.Methods { return s.methods }

// Registry exposes the connected nodes.
func (s *Supervisor) Registry() *registry.Registry { return s.registry }

// RegisterService adds spec to the managed set without starting it.
func (s *Supervisor) RegisterService(spec service.Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.specs {
		if existing.Name == spec.Name {
			return fmt.Errorf("%w: duplicate service %s", service.ErrInvalidSpec, spec.Name)
		}
	}
	s.specs = append(s.specs, spec)
	s.self.MuteMethod(spec.HealthCheckMethod)
	return nil
}

// Service returns the managed service called name, or nil before StartAll.
func (s *Supervisor) Service(name string) *service.Managed {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.services[name]
}

// Services returns the active managed services in registration order.
func (s *Supervisor) Services() []*service.Managed {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*service.Managed, 0, len(s.services))
	for _, spec := range s.specs {
		if m, ok := s.services[spec.Name]; ok {
			out = append(out, m)
		}
	}
	return out
}

func (s *Supervisor) serviceNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.specs))
	for _, spec := range s.specs {
		out = append(out, spec.Name)
	}
	return out
}

// childEnv is the environment of spec's process: the supervisor's own, the
// global list, the service's list and finally the connection variables.
func (s *Supervisor) childEnv(spec service.Spec) []string {
	host := s.cfg.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = DefaultHost
	}
	port := strconv.Itoa(s.cfg.Port)
	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		port = strconv.Itoa(addr.Port)
	}
	conn := []string{
		"LIVESUP_HOST=" + host,
		"LIVESUP_PORT=" + port,
		"LIVESUP_SERVICE_NAME=" + spec.Name,
		"SIMULABRA_HOST=" + host,
		"SIMULABRA_PORT=" + port,
		"SIMULABRA_SERVICE_NAME=" + spec.Name,
		"AGENDA_SERVICE_NAME=" + spec.Name,
	}
	if s.cfg.TLS != nil {
		conn = append(conn, "LIVESUP_TLS=true")
		if s.cfg.CAFile != "" {
			conn = append(conn, "LIVESUP_TLS_CA="+s.cfg.CAFile)
		}
	}
	return s.env.Merge(spec.Env, conn)
}

func (s *Supervisor) activate(spec service.Spec) *service.Managed {
	if m := s.Service(spec.Name); m != nil {
		return m
	}
	opts := service.Options{Log: s.cfg.Log, Env: s.childEnv(spec)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.services[spec.Name]; ok {
		return m
	}
	m := service.NewManaged(spec, opts)
	s.services[spec.Name] = m
	return m
}

// StartAll starts every registered service in order, pausing StartStagger
// between them. Spawn failures are logged and handed to the restart policy;
// they are returned joined once all services were attempted.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.RLock()
	specs := append([]service.Spec(nil), s.specs...)
	s.mu.RUnlock()

	var errs []error
	for i, spec := range specs {
		if i > 0 && s.cfg.StartStagger > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.StartStagger):
			}
		}
		if err := s.activate(spec).Start(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start listens on the configured address, with TLS when configured, and
// serves in the background.
func (s *Supervisor) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if s.cfg.TLS != nil {
		ln = tls.NewListener(ln, s.cfg.TLS)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the websocket endpoint on ln and the health loop under a suture
// tree until ctx is cancelled or StopAll is called.
func (s *Supervisor) Serve(ctx context.Context, ln net.Listener) error {
	if s.running.Load() {
		_ = ln.Close()
		return errors.New("supervisor already running")
	}
	root := suture.New("livesup", suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: slog.Default()}).MustHook(),
		Timeout:   s.cfg.ShutdownTimeout,
	})
	root.Add(newHTTPService(s.httpServer(), ln, s.cfg.ShutdownTimeout))
	root.Add(&healthLoop{s: s, interval: s.cfg.HealthCheckInterval})

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.addr = ln.Addr()
	s.cancel = cancel
	s.done = root.ServeBackground(ctx)
	s.mu.Unlock()
	s.running.Store(true)

	slog.Info("supervisor listening", "addr", ln.Addr().String())
	return nil
}

// Wait blocks until the serving tree has stopped.
func (s *Supervisor) Wait() error {
	s.mu.RLock()
	done := s.done
	s.mu.RUnlock()
	if done == nil {
		return nil
	}
	err := <-done
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Addr returns the listening address, or nil before Serve.
func (s *Supervisor) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

func (s *Supervisor) Running() bool { return s.running.Load() }

// StopAll stops every service, closes all connections and shuts the server
// down. It does not wait for processes; see WaitForExit.
func (s *Supervisor) StopAll() {
	s.running.Store(false)
	for _, m := range s.Services() {
		if err := m.Stop(); err != nil {
			slog.Warn("stop service", "service", m.Name(), "error", err)
		}
	}
	s.pending.RejectAll(errStopped)

	s.mu.Lock()
	conns := make([]*node.Socket, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	cancel := s.cancel
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	if cancel != nil {
		cancel()
	}
	slog.Info("supervisor stopping", "services", len(s.Services()))
}

// WaitForExit polls until every service process has exited or timeout
// elapses, then kills what is left. It reports whether all exited in time.
func (s *Supervisor) WaitForExit(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		alive := s.alive()
		if len(alive) == 0 {
			s.closeLogs()
			return true
		}
		if time.Now().After(deadline) {
			for _, m := range alive {
				if err := m.Kill(); err != nil {
					slog.Warn("kill service", "service", m.Name(), "error", err)
				}
			}
			for _, m := range alive {
				select {
				case <-m.Exited():
				case <-time.After(time.Second):
					slog.Error("service did not exit after kill", "service", m.Name(), "pid", m.PID())
				}
			}
			s.closeLogs()
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (s *Supervisor) alive() []*service.Managed {
	var out []*service.Managed
	for _, m := range s.Services() {
		if m.Running() {
			out = append(out, m)
		}
	}
	return out
}

func (s *Supervisor) closeLogs() {
	for _, m := range s.Services() {
		_ = m.Close()
	}
}

// NodeStatus describes a registered node.
type NodeStatus struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
}

// Report is the supervisor's status snapshot.
type Report struct {
	Running   bool                               `json:"running"`
	Addr      string                             `json:"addr,omitempty"`
	Services  map[string]service.Status          `json:"services"`
	Nodes     []NodeStatus                       `json:"nodes"`
	Resources map[string]*metrics.ProcessMetrics `json:"resources,omitempty"`
}

// Status returns the state of every managed service and registered node.
func (s *Supervisor) Status() Report {
	r := Report{
		Running:  s.Running(),
		Services: make(map[string]service.Status),
		Nodes:    []NodeStatus{},
	}
	if a := s.Addr(); a != nil {
		r.Addr = a.String()
	}
	for _, m := range s.Services() {
		r.Services[m.Name()] = m.Status()
	}
	for _, e := range s.registry.All() {
		r.Nodes = append(r.Nodes, NodeStatus{Name: e.Name, Connected: e.Node.Connected()})
	}
	return r
}

// sampleResources attaches CPU and memory figures for running processes.
func (s *Supervisor) sampleResources(ctx context.Context, r *Report) {
	r.Resources = make(map[string]*metrics.ProcessMetrics)
	for _, m := range s.Services() {
		pid := m.PID()
		if pid <= 0 {
			continue
		}
		pm, err := metrics.SampleProcess(ctx, m.Name(), int32(pid))
		if err != nil {
			slog.Debug("sample process", "service", m.Name(), "pid", pid, "error", err)
			continue
		}
		r.Resources[m.Name()] = pm
	}
}

func (s *Supervisor) registerLocalMethods() {
	s.methods.Register("health", func(context.Context, []json.RawMessage) (any, error) {
		return map[string]string{"status": "ok", "service": message.SupervisorID}, nil
	})
	s.methods.Register("status", func(context.Context, []json.RawMessage) (any, error) {
		return s.Status(), nil
	})
	s.methods.Register("services", func(context.Context, []json.RawMessage) (any, error) {
		names := s.serviceNames()
		out := make([]NodeStatus, 0, len(names))
		for _, n := range names {
			out = append(out, NodeStatus{Name: n, Connected: s.registry.IsConnected(n)})
		}
		return out, nil
	})
}
