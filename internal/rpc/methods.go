package rpc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/goccy/go-json"
)

// ErrUnknownMethod is returned when a call names a method that is not registered.
var ErrUnknownMethod = errors.New("unknown method")

// Call is one invocation: a method name and its positional arguments.
type Call struct {
	Method string
	Args   []json.RawMessage
}

// MethodFunc serves a call. The returned value is encoded as the response.
type MethodFunc func(ctx context.Context, args []json.RawMessage) (any, error)

// Methods is the table of methods a node exposes over rpc.
type Methods struct {
	mu    sync.RWMutex
	table map[string]MethodFunc
}

func NewMethods() *Methods {
	return &Methods{table: make(map[string]MethodFunc)}
}

// Register exposes fn under name, replacing any previous registration.
func (m *Methods) Register(name string, fn MethodFunc) {
	m.mu.Lock()
	m.table[name] = fn
	m.mu.Unlock()
}

// Names returns the registered method names in order.
func (m *Methods) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.table))
	for name := range m.table {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs the method named by c.
func (m *Methods) Dispatch(ctx context.Context, c Call) (any, error) {
	m.mu.RLock()
	fn, ok := m.table[c.Method]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownMethod, c.Method)
	}
	return fn(ctx, c.Args)
}

// Arg decodes the i-th argument into v.
func Arg(args []json.RawMessage, i int, v any) error {
	if i >= len(args) {
		return fmt.Errorf("missing argument %d", i)
	}
	if err := json.Unmarshal(args[i], v); err != nil {
		return fmt.Errorf("argument %d: %w", i, err)
	}
	return nil
}
