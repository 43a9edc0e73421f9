// Package node implements the connection plumbing shared by managed services
// and the supervisor: message stamping, id generation, log muting and topic
// dispatch.
package node

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/livesup/internal/message"
)

// DefaultMuteTTL bounds how long a muted rpc waits for its reply before the
// pairing is swept.
const DefaultMuteTTL = 5 * time.Minute

// ErrNotConnected is returned when sending on a node without a live transport.
// It is not retried by the node; the caller must reconnect.
var ErrNotConnected = errors.New("tried to send data on unconnected socket")

// Node is one endpoint of the messaging protocol.
//
// Lock order: mu only. Transport writes happen outside the lock.
type Node struct {
	mu        sync.Mutex
	uid       string
	transport Transport
	connected bool
	nextID    uint64

	mutedTopics  map[string]struct{}
	mutedMethods map[string]struct{}
	mutedMIDs    map[message.MID]time.Time
	muteTTL      time.Duration
	lastSweep    time.Time
}

// New creates a disconnected node identified by uid.
func New(uid string) *Node {
	return &Node{
		uid:          uid,
		nextID:       1,
		mutedTopics:  make(map[string]struct{}),
		mutedMethods: make(map[string]struct{}),
		mutedMIDs:    make(map[message.MID]time.Time),
		muteTTL:      DefaultMuteTTL,
		lastSweep:    time.Now(),
	}
}

func (n *Node) UID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.uid
}

func (n *Node) SetUID(uid string) {
	n.mu.Lock()
	n.uid = uid
	n.mu.Unlock()
}

// Attach binds the node to t and marks it connected.
func (n *Node) Attach(t Transport) {
	n.mu.Lock()
	n.transport = t
	n.connected = true
	n.mu.Unlock()
}

// Detach marks the node disconnected. The transport is kept so registry
// lookups by socket still resolve during teardown.
func (n *Node) Detach() {
	n.mu.Lock()
	n.connected = false
	n.mu.Unlock()
}

func (n *Node) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

func (n *Node) Transport() Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.transport
}

// NextMID returns the next id from the node-local counter.
func (n *Node) NextMID() message.MID {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	return message.MID(strconv.FormatUint(id, 10))
}

func (n *Node) MuteTopic(topic string) *Node {
	n.mu.Lock()
	n.mutedTopics[topic] = struct{}{}
	n.mu.Unlock()
	return n
}

func (n *Node) UnmuteTopic(topic string) *Node {
	n.mu.Lock()
	delete(n.mutedTopics, topic)
	n.mu.Unlock()
	return n
}

func (n *Node) MuteMethod(method string) *Node {
	n.mu.Lock()
	n.mutedMethods[method] = struct{}{}
	n.mu.Unlock()
	return n
}

// MethodMuted reports whether rpc calls to method are kept out of the log.
func (n *Node) MethodMuted(method string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.mutedMethods[method]
	return ok
}

// MuteMID mutes the eventual response or error for mid.
func (n *Node) MuteMID(mid message.MID) {
	n.mu.Lock()
	n.rememberLocked(mid)
	n.mu.Unlock()
}

// ForgetMID drops the pairing for a call that will not get a reply.
func (n *Node) ForgetMID(mid message.MID) {
	n.mu.Lock()
	delete(n.mutedMIDs, mid)
	n.mu.Unlock()
}

// MutedMIDs returns how many muted calls are still waiting for a reply.
func (n *Node) MutedMIDs() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.mutedMIDs)
}

// rememberLocked records mid and, at most once per TTL, sweeps pairings whose
// reply never came. Routers cannot see the caller's timeout, so the sweep is
// what bounds their maps.
func (n *Node) rememberLocked(mid message.MID) {
	now := time.Now()
	n.mutedMIDs[mid] = now
	if now.Sub(n.lastSweep) < n.muteTTL {
		return
	}
	n.lastSweep = now
	for id, at := range n.mutedMIDs {
		if now.Sub(at) >= n.muteTTL {
			delete(n.mutedMIDs, id)
		}
	}
}

// ShouldMute decides whether m is kept out of the message log. A muted rpc
// remembers its mid so the matching response or error is muted as well, no
// matter when it arrives. The remembered mid is consumed by that reply.
func (n *Node) ShouldMute(m *message.Message) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.mutedTopics[m.Topic]; ok {
		return true
	}
	switch m.Topic {
	case message.TopicRPC:
		var req message.RPCRequest
		if err := m.DecodeData(&req); err != nil || req.Method == "" {
			return false
		}
		if _, ok := n.mutedMethods[req.Method]; ok {
			n.rememberLocked(m.MID)
			return true
		}
	case message.TopicResponse, message.TopicError:
		var r message.Reply
		if err := m.DecodeData(&r); err != nil || r.MID == "" {
			return false
		}
		if _, ok := n.mutedMIDs[r.MID]; ok {
			delete(n.mutedMIDs, r.MID)
			return true
		}
	}
	return false
}

// Send stamps, logs and writes m on the node's own transport.
func (n *Node) Send(m *message.Message) (*message.Message, error) {
	n.mu.Lock()
	t, connected := n.transport, n.connected
	n.mu.Unlock()
	if !connected || t == nil {
		return nil, ErrNotConnected
	}
	return n.SendOn(t, m)
}

// SendOn stamps m with this node's identity and writes it to t. The
// supervisor uses it to originate calls on another node's socket.
func (n *Node) SendOn(t Transport, m *message.Message) (*message.Message, error) {
	if t == nil {
		return nil, ErrNotConnected
	}
	if m.From == "" {
		m.From = n.UID()
	}
	if m.MID == "" {
		m.MID = n.NextMID()
	}
	if !n.ShouldMute(m) {
		slog.Debug("send", "node", m.From, "to", m.To, "topic", m.Topic, "mid", m.MID)
	}
	return m, write(t, m)
}

// Forward writes m without stamping or logging. A decoded message goes out as
// the exact frame it arrived in; one built locally is encoded.
func (n *Node) Forward(m *message.Message) error {
	n.mu.Lock()
	t, connected := n.transport, n.connected
	n.mu.Unlock()
	if !connected || t == nil {
		return ErrNotConnected
	}
	if len(m.Raw) == 0 {
		return write(t, m)
	}
	if err := t.Send(m.Raw); err != nil {
		return fmt.Errorf("forward %s: %w", m.Topic, err)
	}
	return nil
}

func write(t Transport, m *message.Message) error {
	b, err := m.Encode()
	if err != nil {
		return err
	}
	if err := t.Send(b); err != nil {
		return fmt.Errorf("write %s: %w", m.Topic, err)
	}
	return nil
}
