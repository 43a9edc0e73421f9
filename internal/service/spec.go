// Package service describes manageable processes and runs the
// start/exit/restart/backoff state machine for each of them.
package service

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrInvalidSpec is wrapped by every validation failure.
var ErrInvalidSpec = errors.New("invalid service spec")

type RestartPolicy string

const (
	RestartAlways    RestartPolicy = "always"
	RestartOnFailure RestartPolicy = "on_failure"
	RestartNever     RestartPolicy = "never"
)

const (
	DefaultMaxRestarts       = 10
	DefaultHealthCheckMethod = "health"
)

// ParseRestartPolicy accepts the policy names; empty selects on_failure.
func ParseRestartPolicy(s string) (RestartPolicy, error) {
	switch p := RestartPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return RestartOnFailure, nil
	case RestartAlways, RestartOnFailure, RestartNever:
		return p, nil
	default:
		return "", fmt.Errorf("%w: unknown restart policy %q", ErrInvalidSpec, s)
	}
}

// Spec describes one manageable process. Build it with NewSpec so the
// defaults apply; it is not mutated once registered.
type Spec struct {
	Name               string        `json:"name"`
	Command            []string      `json:"command"`
	RestartPolicy      RestartPolicy `json:"restartPolicy"`
	MaxRestarts        int           `json:"maxRestarts"`
	HealthCheckMethod  string        `json:"healthCheckMethod"`
	HealthCheckEnabled bool          `json:"healthCheckEnabled"`
	WorkDir            string        `json:"workDir,omitempty"`
	Env                []string      `json:"env,omitempty"`
}

// NewSpec returns a spec with the default policy (on_failure), ten restarts
// and the health method enabled.
func NewSpec(name string, command ...string) Spec {
	return Spec{
		Name:               name,
		Command:            command,
		RestartPolicy:      RestartOnFailure,
		MaxRestarts:        DefaultMaxRestarts,
		HealthCheckMethod:  DefaultHealthCheckMethod,
		HealthCheckEnabled: true,
	}
}

// Validate reports configuration errors. They are fatal at startup.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSpec)
	}
	if len(s.Command) == 0 || strings.TrimSpace(s.Command[0]) == "" {
		return fmt.Errorf("%w: service %s has no command", ErrInvalidSpec, s.Name)
	}
	if _, err := ParseRestartPolicy(string(s.RestartPolicy)); err != nil {
		return fmt.Errorf("service %s: %w", s.Name, err)
	}
	if s.MaxRestarts < 0 {
		return fmt.Errorf("%w: service %s has negative max restarts", ErrInvalidSpec, s.Name)
	}
	return nil
}

// ShouldRestart applies the restart policy to an exit code. A process killed
// by a signal reports -1 and counts as a failure.
func (s Spec) ShouldRestart(exitCode int) bool {
	switch s.RestartPolicy {
	case RestartAlways:
		return true
	case RestartNever:
		return false
	default:
		return exitCode != 0
	}
}

// healthMethod returns the rpc method probed by health checks.
func (s Spec) healthMethod() string {
	if s.HealthCheckMethod == "" {
		return DefaultHealthCheckMethod
	}
	return s.HealthCheckMethod
}

// BuildCommand constructs the *exec.Cmd for the spec. A single argument is
// treated as a command line: when it carries shell metacharacters it runs
// under /bin/sh -c, otherwise it is split on whitespace. Longer argv slices
// are executed as given.
func (s Spec) BuildCommand() *exec.Cmd {
	argv := s.Command
	if len(argv) == 1 {
		line := strings.TrimSpace(argv[0])
		if strings.ContainsAny(line, "|&;<>*?`$\"'(){}[]~") {
			// #nosec G204
			return exec.Command("/bin/sh", "-c", line)
		}
		argv = strings.Fields(line)
	}
	// #nosec G204
	return exec.Command(argv[0], argv[1:]...)
}
