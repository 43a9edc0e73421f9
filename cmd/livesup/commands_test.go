package main

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	node "github.com/loykin/livesup/internal/client"
	"github.com/loykin/livesup/internal/supervisor"
	"github.com/loykin/livesup/pkg/client"
)

func TestParseArgs(t *testing.T) {
	got := parseArgs([]string{"2", `{"a":1}`, "hello", "true", `"quoted"`})
	want := []string{`2`, `{"a":1}`, `"hello"`, `true`, `"quoted"`}
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i], string(got[i]))
	}
}

func TestRootHelp(t *testing.T) {
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--help"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "livesup")
	assert.Contains(t, out.String(), "serve")
}

func TestServeRequiresConfig(t *testing.T) {
	root := buildRoot()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"serve"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file required")
}

func TestCallRequiresServiceAndMethod(t *testing.T) {
	root := buildRoot()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"call", "--service", "x"})
	assert.Error(t, root.Execute())
}

func TestRunStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		_, _ = w.Write([]byte(`{"running":true,"services":{
			"api":{"name":"api","state":"running","pid":42,"healthState":"healthy","restartCount":2},
			"db":{"name":"db","state":"exited","healthState":"unhealthy","lastReason":"exit code 1"}},
			"nodes":[{"name":"api","connected":true}]}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	c := client.New(client.Config{BaseURL: srv.URL})
	require.NoError(t, runStatus(context.Background(), &out, c, &StatusFlags{}))

	s := out.String()
	assert.Contains(t, s, "SERVICE")
	assert.Contains(t, s, "api")
	assert.Contains(t, s, "42")
	assert.Contains(t, s, "exit code 1")
	assert.Contains(t, s, "1 node(s) connected")
	assert.Less(t, bytes.Index(out.Bytes(), []byte("api ")), bytes.Index(out.Bytes(), []byte("db ")))

	out.Reset()
	require.NoError(t, runStatus(context.Background(), &out, c, &StatusFlags{JSON: true}))
	var st client.Status
	require.NoError(t, json.Unmarshal(out.Bytes(), &st))
	assert.Equal(t, 42, st.Services["api"].PID)
}

func TestRunCall(t *testing.T) {
	sup := supervisor.New(supervisor.Config{HealthCheckInterval: time.Hour})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, sup.Serve(context.Background(), ln))
	t.Cleanup(sup.StopAll)

	svc := node.New(node.Config{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port, Name: "calc"})
	svc.Handle("add", func(_ context.Context, args []json.RawMessage) (any, error) {
		var a, b float64
		if err := json.Unmarshal(args[0], &a); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(args[1], &b); err != nil {
			return nil, err
		}
		return a + b, nil
	})
	require.NoError(t, svc.Connect(context.Background()))
	t.Cleanup(func() { _ = svc.Close() })
	require.NoError(t, sup.WaitForService(context.Background(), "calc", 2*time.Second))

	var out bytes.Buffer
	c := client.New(client.Config{BaseURL: "http://" + ln.Addr().String(), Timeout: 3 * time.Second})
	require.NoError(t, runCall(context.Background(), &out, c, &CallFlags{Service: "calc", Method: "add"}, []string{"2", "3"}))
	assert.Equal(t, "5\n", out.String())

	err = runCall(context.Background(), &out, c, &CallFlags{Service: "calc", Method: "nope"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}
