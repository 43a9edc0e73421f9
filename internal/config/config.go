// Package config loads the supervisor's TOML configuration and the
// environment-derived settings of a managed service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/livesup/internal/client"
	"github.com/loykin/livesup/internal/logger"
	"github.com/loykin/livesup/internal/service"
	"github.com/loykin/livesup/internal/supervisor"
	tlsx "github.com/loykin/livesup/internal/tls"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Supervisor SupervisorConfig `toml:"supervisor" mapstructure:"supervisor"`
	Log        LogConfig        `toml:"log" mapstructure:"log"`
	Metrics    MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
	Env        []string         `toml:"env" mapstructure:"env"`
	EnvFiles   []string         `toml:"env_files" mapstructure:"env_files"`
	Services   []ServiceConfig  `toml:"services" mapstructure:"services"`
}

type SupervisorConfig struct {
	Host                string        `toml:"host" mapstructure:"host"`
	Port                int           `toml:"port" mapstructure:"port"`
	LogsDir             string        `toml:"logs_dir" mapstructure:"logs_dir"`
	HealthCheckInterval time.Duration `toml:"health_check_interval" mapstructure:"health_check_interval"`
	HealthCheckTimeout  time.Duration `toml:"health_check_timeout" mapstructure:"health_check_timeout"`
	StartStagger        time.Duration `toml:"start_stagger" mapstructure:"start_stagger"`
	CallTimeout         time.Duration `toml:"call_timeout" mapstructure:"call_timeout"`
	ShutdownTimeout     time.Duration `toml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	TLS                 tlsx.Config   `toml:"tls" mapstructure:"tls"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
}

// ServiceConfig is one [[services]] entry. Command may be an argv array or a
// single command line.
type ServiceConfig struct {
	Name              string   `toml:"name" mapstructure:"name"`
	Command           []string `toml:"command" mapstructure:"command"`
	RestartPolicy     string   `toml:"restart_policy" mapstructure:"restart_policy"`
	MaxRestarts       *int     `toml:"max_restarts" mapstructure:"max_restarts"`
	HealthCheckMethod string   `toml:"health_check_method" mapstructure:"health_check_method"`
	HealthCheck       *bool    `toml:"health_check" mapstructure:"health_check"`
	WorkDir           string   `toml:"work_dir" mapstructure:"work_dir"`
	Env               []string `toml:"env" mapstructure:"env"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("supervisor.host", supervisor.DefaultHost)
	v.SetDefault("supervisor.port", supervisor.DefaultPort)
	v.SetDefault("supervisor.logs_dir", "logs")
	v.SetDefault("supervisor.health_check_interval", supervisor.DefaultHealthCheckInterval)
	v.SetDefault("supervisor.health_check_timeout", supervisor.DefaultHealthCheckTimeout)
	v.SetDefault("supervisor.start_stagger", supervisor.DefaultStartStagger)
	v.SetDefault("supervisor.call_timeout", supervisor.DefaultCallTimeout)
	v.SetDefault("supervisor.shutdown_timeout", supervisor.DefaultShutdownTimeout)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// bindEnv lets LIVESUP_* (falling back to SIMULABRA_*) override the address.
func bindEnv(v *viper.Viper) error {
	if err := v.BindEnv("supervisor.port", "LIVESUP_PORT", "SIMULABRA_PORT"); err != nil {
		return err
	}
	return v.BindEnv("supervisor.host", "LIVESUP_HOST", "SIMULABRA_HOST")
}

// Load reads path into a FileConfig with defaults and environment overrides
// applied, and validates every service.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, err
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	base := filepath.Dir(path)
	if fc.Supervisor.LogsDir != "" && !filepath.IsAbs(fc.Supervisor.LogsDir) {
		fc.Supervisor.LogsDir = filepath.Join(base, fc.Supervisor.LogsDir)
	}
	for i, p := range fc.EnvFiles {
		if !filepath.IsAbs(p) {
			fc.EnvFiles[i] = filepath.Join(base, p)
		}
	}
	for _, p := range []*string{&fc.Supervisor.TLS.CertFile, &fc.Supervisor.TLS.KeyFile, &fc.Supervisor.TLS.Dir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	if _, err := fc.Specs(); err != nil {
		return nil, err
	}
	return &fc, nil
}

// Specs converts the [[services]] entries, rejecting invalid or duplicate ones.
func (fc *FileConfig) Specs() ([]service.Spec, error) {
	seen := make(map[string]struct{}, len(fc.Services))
	out := make([]service.Spec, 0, len(fc.Services))
	for _, sc := range fc.Services {
		s := service.NewSpec(sc.Name, sc.Command...)
		policy, err := service.ParseRestartPolicy(sc.RestartPolicy)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", sc.Name, err)
		}
		s.RestartPolicy = policy
		if sc.MaxRestarts != nil {
			s.MaxRestarts = *sc.MaxRestarts
		}
		if sc.HealthCheckMethod != "" {
			s.HealthCheckMethod = sc.HealthCheckMethod
		}
		if sc.HealthCheck != nil {
			s.HealthCheckEnabled = *sc.HealthCheck
		}
		s.WorkDir = sc.WorkDir
		s.Env = sc.Env
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate service %s", service.ErrInvalidSpec, s.Name)
		}
		seen[s.Name] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}

// GlobalEnv returns the env_files contents followed by the top-level env list,
// so the list wins.
func (fc *FileConfig) GlobalEnv() ([]string, error) {
	var out []string
	for _, p := range fc.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, pairs...)
	}
	return append(out, fc.Env...), nil
}

// SupervisorConfig builds the runtime configuration of the supervisor.
func (fc *FileConfig) SupervisorConfig() (supervisor.Config, error) {
	env, err := fc.GlobalEnv()
	if err != nil {
		return supervisor.Config{}, err
	}
	s := fc.Supervisor
	tlsCfg, err := tlsx.ServerConfig(s.TLS)
	if err != nil {
		return supervisor.Config{}, fmt.Errorf("supervisor tls: %w", err)
	}
	var caFile string
	if tlsCfg != nil {
		caFile, _, _ = s.TLS.Paths()
	}
	return supervisor.Config{
		Host:                s.Host,
		Port:                s.Port,
		HealthCheckInterval: s.HealthCheckInterval,
		HealthCheckTimeout:  s.HealthCheckTimeout,
		StartStagger:        s.StartStagger,
		CallTimeout:         s.CallTimeout,
		ShutdownTimeout:     s.ShutdownTimeout,
		Env:                 env,
		Metrics:             fc.Metrics.Enabled,
		TLS:                 tlsCfg,
		CAFile:              caFile,
		Log: logger.Config{
			Dir:        s.LogsDir,
			MaxSizeMB:  fc.Log.MaxSizeMB,
			MaxBackups: fc.Log.MaxBackups,
			MaxAgeDays: fc.Log.MaxAgeDays,
			Compress:   fc.Log.Compress,
		},
	}, nil
}

// LoggerOptions returns the supervisor's own log settings.
func (fc *FileConfig) LoggerOptions() logger.Options {
	return logger.Options{Level: fc.Log.Level, Format: fc.Log.Format}
}

// LoadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no
// quotes). Lines starting with # are ignored.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			out = append(out, strings.TrimSpace(line[:i])+"="+strings.TrimSpace(line[i+1:]))
		}
	}
	return out, nil
}

// NodeFromEnv builds the connection settings of a managed service from the
// variables the supervisor exports to it. LIVESUP_TLS selects wss, verified
// against LIVESUP_TLS_CA when set.
func NodeFromEnv() (client.Config, error) {
	v := viper.New()
	v.SetDefault("host", client.DefaultHost)
	v.SetDefault("port", client.DefaultPort)
	_ = v.BindEnv("host", "LIVESUP_HOST", "SIMULABRA_HOST")
	_ = v.BindEnv("port", "LIVESUP_PORT", "SIMULABRA_PORT")
	_ = v.BindEnv("name", "LIVESUP_SERVICE_NAME", "SIMULABRA_SERVICE_NAME", "AGENDA_SERVICE_NAME")
	_ = v.BindEnv("tls", "LIVESUP_TLS")
	_ = v.BindEnv("tls_ca", "LIVESUP_TLS_CA")
	c := client.Config{
		Host: v.GetString("host"),
		Port: v.GetInt("port"),
		Name: v.GetString("name"),
	}
	if v.GetBool("tls") || v.GetString("tls_ca") != "" {
		t, err := tlsx.ClientConfig(v.GetString("tls_ca"))
		if err != nil {
			return c, err
		}
		c.TLS = t
	}
	return c, nil
}
