// Package registry tracks the nodes connected to the supervisor by service
// name.
package registry

import (
	"sort"
	"sync"

	"github.com/loykin/livesup/internal/metrics"
	"github.com/loykin/livesup/internal/node"
)

// Entry pairs a registered name with its node.
type Entry struct {
	Name string
	Node *node.Node
}

// Registry maps service names to nodes. A present node may be disconnected;
// callers use IsConnected to tell the two apart. Lookups of missing names
// return nil rather than failing.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*node.Node
}

func New() *Registry {
	return &Registry{nodes: make(map[string]*node.Node)}
}

// Register stores n under name and returns the node it replaced, if any.
func (r *Registry) Register(name string, n *node.Node) *node.Node {
	r.mu.Lock()
	prev := r.nodes[name]
	r.nodes[name] = n
	count := len(r.nodes)
	r.mu.Unlock()
	metrics.SetConnectedNodes(count)
	return prev
}

// Unregister removes name and returns the removed node.
func (r *Registry) Unregister(name string) *node.Node {
	r.mu.Lock()
	n := r.nodes[name]
	delete(r.nodes, name)
	count := len(r.nodes)
	r.mu.Unlock()
	metrics.SetConnectedNodes(count)
	return n
}

// Release removes name only while it still maps to n, so a stale connection
// closing late cannot evict the node that reconnected under the same name.
func (r *Registry) Release(name string, n *node.Node) bool {
	r.mu.Lock()
	cur, ok := r.nodes[name]
	if ok && cur == n {
		delete(r.nodes, name)
	}
	count := len(r.nodes)
	r.mu.Unlock()
	metrics.SetConnectedNodes(count)
	return ok && cur == n
}

func (r *Registry) Get(name string) *node.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[name]
}

// FindBySocket returns the entry whose node is bound to t, or nil.
func (r *Registry) FindBySocket(t node.Transport) *Entry {
	if t == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, n := range r.nodes {
		if n.Transport() == t {
			return &Entry{Name: name, Node: n}
		}
	}
	return nil
}

func (r *Registry) IsConnected(name string) bool {
	n := r.Get(name)
	return n != nil && n.Connected()
}

// All returns a snapshot of the registry sorted by name.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.nodes))
	for name, n := range r.nodes {
		out = append(out, Entry{Name: name, Node: n})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}
