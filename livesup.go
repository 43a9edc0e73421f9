// Package livesup is the embedding API: run a supervisor in-process, or
// connect a service to one.
package livesup

import (
	"context"
	"net"
	"time"

	"github.com/loykin/livesup/internal/client"
	cfg "github.com/loykin/livesup/internal/config"
	"github.com/loykin/livesup/internal/logger"
	"github.com/loykin/livesup/internal/rpc"
	"github.com/loykin/livesup/internal/service"
	"github.com/loykin/livesup/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = service.Spec

type RestartPolicy = service.RestartPolicy

const (
	RestartAlways    = service.RestartAlways
	RestartOnFailure = service.RestartOnFailure
	RestartNever     = service.RestartNever
)

type ServiceStatus = service.Status

type Config = supervisor.Config

type Report = supervisor.Report

type NodeConfig = client.Config

type Node = client.Client

type Method = rpc.MethodFunc

type Proxy = rpc.Proxy

type RemoteError = rpc.RemoteError

type FileConfig = cfg.FileConfig

type LogOptions = logger.Options

var (
	ErrTimeout       = rpc.ErrTimeout
	ErrUnknownMethod = rpc.ErrUnknownMethod
	ErrNotConnected  = supervisor.ErrNotConnected
	ErrInvalidSpec   = service.ErrInvalidSpec
)

// NewSpec returns a spec with the default restart policy, max restarts and
// health check.
func NewSpec(name string, command ...string) Spec { return service.NewSpec(name, command...) }

// Supervisor is a thin facade over internal/supervisor.Supervisor.
type Supervisor struct{ inner *supervisor.Supervisor }

func New(c Config) *Supervisor { return &Supervisor{inner: supervisor.New(c)} }

// FromFile loads a TOML config and registers its services. Nothing runs yet.
func FromFile(path string) (*Supervisor, *FileConfig, error) {
	fc, err := cfg.Load(path)
	if err != nil {
		return nil, nil, err
	}
	c, err := fc.SupervisorConfig()
	if err != nil {
		return nil, nil, err
	}
	specs, err := fc.Specs()
	if err != nil {
		return nil, nil, err
	}
	s := New(c)
	for _, sp := range specs {
		if err := s.Register(sp); err != nil {
			return nil, nil, err
		}
	}
	return s, fc, nil
}

func (s *Supervisor) Register(sp Spec) error             { return s.inner.RegisterService(sp) }
func (s *Supervisor) Start(ctx context.Context) error    { return s.inner.Start(ctx) }
func (s *Supervisor) StartAll(ctx context.Context) error { return s.inner.StartAll(ctx) }
func (s *Supervisor) StopAll()                           { s.inner.StopAll() }
func (s *Supervisor) Wait() error                        { return s.inner.Wait() }
func (s *Supervisor) Running() bool                      { return s.inner.Running() }
func (s *Supervisor) Status() Report                     { return s.inner.Status() }
func (s *Supervisor) Handle(method string, fn Method)    { s.inner.Methods().Register(method, fn) }

// Serve runs the supervisor on an existing listener.
func (s *Supervisor) Serve(ctx context.Context, ln net.Listener) error { return s.inner.Serve(ctx, ln) }

// Addr is the listening address, nil until started.
func (s *Supervisor) Addr() net.Addr { return s.inner.Addr() }

func (s *Supervisor) WaitForExit(timeout time.Duration) bool {
	return s.inner.WaitForExit(timeout)
}

// ServiceProxy returns a proxy for name; zero arguments select the defaults.
func (s *Supervisor) ServiceProxy(name string, timeout time.Duration, retries int, retryDelay time.Duration) *Proxy {
	return s.inner.ServiceProxy(name, timeout, retries, retryDelay)
}

func (s *Supervisor) WaitForService(ctx context.Context, name string, timeout time.Duration) error {
	return s.inner.WaitForService(ctx, name, timeout)
}

func (s *Supervisor) WaitForAllServices(ctx context.Context, timeout time.Duration) error {
	return s.inner.WaitForAllServices(ctx, timeout)
}

// Connect creates a node for the managed service described by c.
func Connect(ctx context.Context, c NodeConfig, methods map[string]Method) (*Node, error) {
	n := client.New(c)
	for name, fn := range methods {
		n.Handle(name, fn)
	}
	if err := n.Connect(ctx); err != nil {
		return nil, err
	}
	return n, nil
}

// NodeConfigFromEnv reads LIVESUP_HOST, LIVESUP_PORT and LIVESUP_SERVICE_NAME
// (or their SIMULABRA_ equivalents) and the TLS settings the supervisor set.
func NodeConfigFromEnv() (NodeConfig, error) { return cfg.NodeFromEnv() }

// SetupLogging installs the default slog logger.
func SetupLogging(o LogOptions) error {
	_, err := logger.Setup(o)
	return err
}
