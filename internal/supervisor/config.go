package supervisor

import (
	"crypto/tls"
	"time"

	"github.com/loykin/livesup/internal/health"
	"github.com/loykin/livesup/internal/logger"
	"github.com/loykin/livesup/internal/rpc"
)

const (
	DefaultHost                = "localhost"
	DefaultPort                = 3030
	DefaultHealthCheckInterval = 10 * time.Second
	DefaultHealthCheckTimeout  = health.DefaultTimeout
	DefaultStartStagger        = 100 * time.Millisecond
	DefaultCallTimeout         = rpc.DefaultTimeout
	DefaultShutdownTimeout     = 3 * time.Second
	DefaultRetries             = 3
	DefaultRetryDelay          = 100 * time.Millisecond
)

// Config is the runtime configuration of a Supervisor.
type Config struct {
	Host                string
	Port                int
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	StartStagger        time.Duration
	CallTimeout         time.Duration
	ShutdownTimeout     time.Duration
	// Retries and RetryDelay shape ServiceProxy calls made for UI clients.
	Retries    int
	RetryDelay time.Duration
	// Log places the per-service output files.
	Log logger.Config
	// Env is applied to every service on top of the supervisor's environment.
	Env []string
	// Metrics exposes /metrics and registers the collectors.
	Metrics bool
	// TLS, when set, makes Start serve wss. CAFile is handed to children as
	// LIVESUP_TLS_CA so they can verify the endpoint.
	TLS    *tls.Config
	CAFile string
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = DefaultHealthCheckTimeout
	}
	if c.StartStagger < 0 {
		c.StartStagger = 0
	} else if c.StartStagger == 0 {
		c.StartStagger = DefaultStartStagger
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Retries <= 0 {
		c.Retries = DefaultRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}
