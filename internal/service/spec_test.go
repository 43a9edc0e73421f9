package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var exitCodes = []int{-1, 0, 1, 2, 3, 127, 137, 255}

func TestShouldRestartNever(t *testing.T) {
	s := NewSpec("svc", "true")
	s.RestartPolicy = RestartNever
	for _, code := range exitCodes {
		assert.False(t, s.ShouldRestart(code), "code %d", code)
	}
}

func TestShouldRestartAlways(t *testing.T) {
	s := NewSpec("svc", "true")
	s.RestartPolicy = RestartAlways
	for _, code := range exitCodes {
		assert.True(t, s.ShouldRestart(code), "code %d", code)
	}
}

func TestShouldRestartOnFailure(t *testing.T) {
	s := NewSpec("svc", "true")
	for _, code := range exitCodes {
		assert.Equal(t, code != 0, s.ShouldRestart(code), "code %d", code)
	}
}

func TestNewSpecDefaults(t *testing.T) {
	s := NewSpec("svc", "bin/svc")
	assert.Equal(t, RestartOnFailure, s.RestartPolicy)
	assert.Equal(t, 10, s.MaxRestarts)
	assert.Equal(t, "health", s.HealthCheckMethod)
	assert.True(t, s.HealthCheckEnabled)
	require.NoError(t, s.Validate())
}

func TestParseRestartPolicy(t *testing.T) {
	p, err := ParseRestartPolicy("")
	require.NoError(t, err)
	assert.Equal(t, RestartOnFailure, p)

	p, err = ParseRestartPolicy("Always")
	require.NoError(t, err)
	assert.Equal(t, RestartAlways, p)

	_, err = ParseRestartPolicy("sometimes")
	assert.ErrorIs(t, err, ErrInvalidSpec)
}

func TestValidate(t *testing.T) {
	cases := map[string]Spec{
		"no name":     NewSpec("", "true"),
		"no command":  NewSpec("svc"),
		"blank argv0": NewSpec("svc", " "),
		"bad policy":  func() Spec { s := NewSpec("svc", "true"); s.RestartPolicy = "maybe"; return s }(),
		"negative":    func() Spec { s := NewSpec("svc", "true"); s.MaxRestarts = -1; return s }(),
	}
	for name, s := range cases {
		assert.ErrorIs(t, s.Validate(), ErrInvalidSpec, name)
	}
}

func TestBuildCommand(t *testing.T) {
	cmd := NewSpec("svc", "echo hi | cat").BuildCommand()
	assert.Equal(t, []string{"/bin/sh", "-c", "echo hi | cat"}, cmd.Args)

	cmd = NewSpec("svc", "sleep 5").BuildCommand()
	assert.Equal(t, []string{"sleep", "5"}, cmd.Args)

	cmd = NewSpec("svc", "sh", "-c", "exit 3").BuildCommand()
	assert.Equal(t, []string{"sh", "-c", "exit 3"}, cmd.Args)
}
