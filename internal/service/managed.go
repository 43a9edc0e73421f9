package service

import (
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/livesup/internal/logger"
	"github.com/loykin/livesup/internal/metrics"
)

const (
	InitialBackoff = time.Second
	MaxBackoff     = time.Minute
)

// State is the process side of a managed service.
type State string

const (
	StateNotStarted State = "not_started"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	// StateExited means the process ended and no restart will follow, either
	// by policy or because max restarts was reached.
	StateExited     State = "exited"
	StateTerminated State = "terminated"
)

// HealthState is the supervisor's belief about whether the service answers rpc.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// Options carry what the supervisor hands to every managed process.
type Options struct {
	Log logger.Config
	// Env is the complete child environment. Nil inherits the supervisor's.
	Env []string
}

// Managed runs one service process and decides on restarts.
//
// Lock order: mu only. Process signalling and spawning happen outside mu.
type Managed struct {
	spec Spec
	opts Options

	mu                  sync.Mutex
	state               State
	cmd                 *exec.Cmd
	pid                 int
	exited              chan struct{}
	restartCount        int
	lastStart           time.Time
	backoff             time.Duration
	healthy             bool
	healthState         HealthState
	consecutiveFailures int
	lastHealthCheck     time.Time
	lastReason          string
	stopped             bool
	restartTimer        *time.Timer
	out                 io.WriteCloser
}

// Status is a point-in-time view of a managed service.
type Status struct {
	Name                string      `json:"name"`
	State               State       `json:"state"`
	PID                 int         `json:"pid,omitempty"`
	Healthy             bool        `json:"healthy"`
	HealthState         HealthState `json:"healthState"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
	LastHealthCheck     *time.Time  `json:"lastHealthCheck"`
	RestartCount        int         `json:"restartCount"`
	LastStart           *time.Time  `json:"lastStart"`
	BackoffMs           int64       `json:"backoffMs"`
	Stopped             bool        `json:"stopped"`
	LastReason          string      `json:"lastReason,omitempty"`
}

func NewManaged(spec Spec, opts Options) *Managed {
	closed := make(chan struct{})
	close(closed)
	return &Managed{
		spec:        spec,
		opts:        opts,
		state:       StateNotStarted,
		exited:      closed,
		backoff:     InitialBackoff,
		healthState: HealthUnknown,
	}
}

func (m *Managed) Spec() Spec   { return m.spec }
func (m *Managed) Name() string { return m.spec.Name }

// HealthMethod returns the rpc method probed by health checks.
func (m *Managed) HealthMethod() string { return m.spec.healthMethod() }

// ShouldRestart applies the spec's restart policy to exitCode.
func (m *Managed) ShouldRestart(exitCode int) bool { return m.spec.ShouldRestart(exitCode) }

// setState requires mu.
func (m *Managed) setState(s State) {
	if m.state == s {
		return
	}
	slog.Debug("service state", "service", m.spec.Name, "from", m.state, "to", s)
	m.state = s
}

func (m *Managed) output() (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.out != nil {
		return m.out, nil
	}
	w, err := m.opts.Log.Writer(m.spec.Name)
	if err != nil {
		return nil, err
	}
	m.out = w
	return w, nil
}

// Start spawns the process. It is a no-op once stopped or while a process is
// already starting or running. A spawn failure is handled like a failed exit,
// so the restart policy applies, and is also returned.
func (m *Managed) Start() error {
	m.mu.Lock()
	if m.stopped || m.cmd != nil || m.state == StateStarting {
		m.mu.Unlock()
		return nil
	}
	m.setState(StateStarting)
	m.mu.Unlock()

	name := m.spec.Name
	out, err := m.output()
	if err != nil {
		slog.Warn("service log unavailable", "service", name, "error", err)
	}

	cmd := m.spec.BuildCommand()
	cmd.Dir = m.spec.WorkDir
	cmd.Env = m.opts.Env
	if out != nil {
		cmd.Stdout = out
		cmd.Stderr = out
	}
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		slog.Error("failed to start service", "service", name, "error", err)
		m.exit(-1, fmt.Sprintf("start failed: %v", err))
		return fmt.Errorf("start %s: %w", name, err)
	}

	exited := make(chan struct{})
	m.mu.Lock()
	m.cmd = cmd
	m.pid = cmd.Process.Pid
	m.exited = exited
	m.lastStart = time.Now()
	stopped := m.stopped
	m.setState(StateRunning)
	m.mu.Unlock()

	metrics.IncStart(name)
	slog.Info("service started", "service", name, "pid", cmd.Process.Pid)
	go m.wait(cmd, exited)

	if stopped {
		_ = terminate(cmd.Process, false)
	}
	return nil
}

func (m *Managed) wait(cmd *exec.Cmd, exited chan struct{}) {
	_ = cmd.Wait()
	code, signal := -1, ""
	if ps := cmd.ProcessState; ps != nil {
		code = ps.ExitCode()
		signal = exitSignal(ps)
	}
	m.mu.Lock()
	m.cmd = nil
	m.pid = 0
	m.mu.Unlock()
	close(exited)
	m.onExit(code, signal)
}

// onExit reacts to the end of the process.
func (m *Managed) onExit(code int, signal string) {
	reason := fmt.Sprintf("exited with code %d", code)
	if signal != "" {
		reason = "killed by " + signal
	}
	m.exit(code, reason)
}

func (m *Managed) exit(code int, reason string) {
	m.MarkUnhealthy(reason)
	metrics.IncExit(m.spec.Name)

	m.mu.Lock()
	defer m.mu.Unlock()
	name := m.spec.Name

	if m.stopped {
		m.setState(StateTerminated)
		slog.Info("service terminated", "service", name, "reason", reason)
		return
	}
	if !m.spec.ShouldRestart(code) {
		m.setState(StateExited)
		slog.Info("service exited", "service", name, "reason", reason, "policy", m.spec.RestartPolicy)
		return
	}
	if m.restartCount >= m.spec.MaxRestarts {
		m.setState(StateExited)
		slog.Error("service reached max restarts, giving up", "service", name,
			"restarts", m.restartCount, "reason", reason)
		return
	}

	m.restartCount++
	delay := m.backoff
	m.backoff = min(m.backoff*2, MaxBackoff)
	m.setState(StateRestarting)
	if m.restartTimer != nil {
		m.restartTimer.Stop()
	}
	m.restartTimer = time.AfterFunc(delay, m.restart)

	metrics.IncRestart(name)
	slog.Warn("scheduling restart", "service", name, "reason", reason,
		"attempt", m.restartCount, "delay", delay)
}

func (m *Managed) restart() {
	m.mu.Lock()
	due := !m.stopped && m.state == StateRestarting
	m.mu.Unlock()
	if due {
		_ = m.Start()
	}
}

// MarkHealthy records a successful check. Recovering from any other state
// forgives earlier failures: backoff and restart count are reset.
func (m *Managed) MarkHealthy() {
	m.mu.Lock()
	prev := m.healthState
	m.healthy = true
	m.healthState = HealthHealthy
	m.consecutiveFailures = 0
	m.lastHealthCheck = time.Now()
	if prev != HealthHealthy {
		m.backoff = InitialBackoff
		m.restartCount = 0
	}
	m.mu.Unlock()

	metrics.SetHealthy(m.spec.Name, true)
	if prev != HealthHealthy {
		slog.Info("service healthy", "service", m.spec.Name)
	}
}

// MarkUnhealthy records a failed check or an exit. Every call counts as one
// consecutive failure.
func (m *Managed) MarkUnhealthy(reason string) {
	m.mu.Lock()
	prev := m.healthState
	m.healthy = false
	m.healthState = HealthUnhealthy
	m.consecutiveFailures++
	m.lastHealthCheck = time.Now()
	m.lastReason = reason
	failures := m.consecutiveFailures
	m.mu.Unlock()

	metrics.SetHealthy(m.spec.Name, false)
	if prev != HealthUnhealthy {
		slog.Warn("service unhealthy", "service", m.spec.Name, "reason", reason)
	} else {
		slog.Debug("service still unhealthy", "service", m.spec.Name, "reason", reason, "failures", failures)
	}
}

// ResetBackoff restores the initial backoff and clears the restart count.
func (m *Managed) ResetBackoff() {
	m.mu.Lock()
	m.backoff = InitialBackoff
	m.restartCount = 0
	m.mu.Unlock()
}

// Stop marks the service stopped for good, cancels any pending restart and
// asks a running process to terminate. WaitForExit style callers escalate
// with Kill.
func (m *Managed) Stop() error {
	m.mu.Lock()
	m.stopped = true
	if m.restartTimer != nil {
		m.restartTimer.Stop()
		m.restartTimer = nil
	}
	cmd := m.cmd
	if cmd == nil {
		m.setState(StateTerminated)
	}
	m.mu.Unlock()

	if cmd == nil {
		return nil
	}
	slog.Info("stopping service", "service", m.spec.Name, "pid", cmd.Process.Pid)
	return terminate(cmd.Process, false)
}

// Kill sends SIGKILL to the process group.
func (m *Managed) Kill() error {
	m.mu.Lock()
	cmd := m.cmd
	m.mu.Unlock()
	if cmd == nil {
		return nil
	}
	slog.Warn("killing service", "service", m.spec.Name, "pid", cmd.Process.Pid)
	return terminate(cmd.Process, true)
}

// Close releases the service log writer.
func (m *Managed) Close() error {
	m.mu.Lock()
	out := m.out
	m.out = nil
	m.mu.Unlock()
	if out == nil {
		return nil
	}
	return out.Close()
}

// Running reports whether an OS process is alive.
func (m *Managed) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cmd != nil
}

// Exited is closed when the current process has been reaped.
func (m *Managed) Exited() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exited
}

func (m *Managed) PID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pid
}

func (m *Managed) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Managed) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *Managed) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

func (m *Managed) HealthState() HealthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthState
}

func (m *Managed) ConsecutiveFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveFailures
}

func (m *Managed) RestartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restartCount
}

// Backoff returns the delay the next scheduled restart would wait.
func (m *Managed) Backoff() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backoff
}

func (m *Managed) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		Name:                m.spec.Name,
		State:               m.state,
		PID:                 m.pid,
		Healthy:             m.healthy,
		HealthState:         m.healthState,
		ConsecutiveFailures: m.consecutiveFailures,
		RestartCount:        m.restartCount,
		BackoffMs:           m.backoff.Milliseconds(),
		Stopped:             m.stopped,
		LastReason:          m.lastReason,
	}
	if !m.lastHealthCheck.IsZero() {
		t := m.lastHealthCheck
		st.LastHealthCheck = &t
	}
	if !m.lastStart.IsZero() {
		t := m.lastStart
		st.LastStart = &t
	}
	return st
}
