package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestWriterWithDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	cfg := Config{Dir: dir}
	w, err := cfg.Writer("svc1")
	require.NoError(t, err)
	require.NotNil(t, w)
	_, err = w.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	b, err := os.ReadFile(filepath.Join(dir, "svc1.log"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(b))
}

func TestWriterAppends(t *testing.T) {
	cfg := Config{Dir: t.TempDir()}
	for _, line := range []string{"one\n", "two\n"} {
		w, err := cfg.Writer("svc")
		require.NoError(t, err)
		_, _ = w.Write([]byte(line))
		_ = w.Close()
	}
	b, err := os.ReadFile(cfg.Path("svc"))
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(b))
}

func TestWriterWithoutDir(t *testing.T) {
	w, err := Config{}.Writer("svc")
	require.NoError(t, err)
	assert.Nil(t, w)
	assert.Equal(t, "", Config{}.Path("svc"))
}

func TestWriterRotationDefaults(t *testing.T) {
	w, err := Config{Dir: t.TempDir(), MaxBackups: 9}.Writer("svc")
	require.NoError(t, err)
	l, ok := w.(*lj.Logger)
	require.True(t, ok)
	assert.Equal(t, DefaultMaxSizeMB, l.MaxSize)
	assert.Equal(t, 9, l.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, l.MaxAge)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewFormats(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Format: "json", Output: &buf})
	require.NoError(t, err)
	l.Info("hello", "service", "svc1")
	assert.Contains(t, buf.String(), `"service":"svc1"`)

	_, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewColorTextHandler(&buf, nil, false)).With("service", "svc1")
	l.Warn("restarting")
	out := buf.String()
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "restarting")
	assert.Contains(t, out, "service=svc1")
	assert.False(t, strings.Contains(out, "time="))

	assert.Equal(t, "\033[31m", levelColor(slog.LevelError))
	assert.Equal(t, "\033[36m", levelColor(slog.LevelDebug))
}
