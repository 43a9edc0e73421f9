package node

import (
	"log/slog"
	"sync"

	"github.com/loykin/livesup/internal/message"
)

// Handler processes messages of a single topic.
type Handler interface {
	Topic() string
	Handle(src Transport, m *message.Message)
}

type handlerFunc struct {
	topic string
	fn    func(Transport, *message.Message)
}

func (h handlerFunc) Topic() string { return h.topic }

func (h handlerFunc) Handle(src Transport, m *message.Message) { h.fn(src, m) }

// HandlerFunc adapts fn to a Handler for topic.
func HandlerFunc(topic string, fn func(src Transport, m *message.Message)) Handler {
	return handlerFunc{topic: topic, fn: fn}
}

// Dispatcher maps topics to handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register installs h, replacing any handler for the same topic.
func (d *Dispatcher) Register(h Handler) {
	d.mu.Lock()
	d.handlers[h.Topic()] = h
	d.mu.Unlock()
}

// Lookup returns the handler registered for topic.
func (d *Dispatcher) Lookup(topic string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[topic]
	return h, ok
}

// Handle invokes the handler for m.Topic. Unknown topics are logged and
// dropped; they never fail the connection.
func (d *Dispatcher) Handle(src Transport, m *message.Message) bool {
	h, ok := d.Lookup(m.Topic)
	if !ok {
		slog.Warn("no handler for message", "topic", m.Topic, "from", m.From, "mid", m.MID)
		return false
	}
	h.Handle(src, m)
	return true
}
