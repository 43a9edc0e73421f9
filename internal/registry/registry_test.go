package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/livesup/internal/node"
)

type stubTransport struct{ id int }

func (s *stubTransport) Send([]byte) error { return nil }
func (s *stubTransport) Close() error      { return nil }

func attached(uid string, t node.Transport) *node.Node {
	n := node.New(uid)
	n.Attach(t)
	return n
}

func TestRegisterGetUnregister(t *testing.T) {
	r := New()
	assert.Nil(t, r.Get("svc"))
	assert.False(t, r.IsConnected("svc"))

	n := attached("svc", &stubTransport{1})
	assert.Nil(t, r.Register("svc", n))
	assert.Same(t, n, r.Get("svc"))
	assert.True(t, r.IsConnected("svc"))

	assert.Same(t, n, r.Unregister("svc"))
	assert.Nil(t, r.Get("svc"))
	assert.Nil(t, r.Unregister("svc"))
}

func TestDisconnectedIsDistinctFromAbsent(t *testing.T) {
	r := New()
	n := attached("svc", &stubTransport{1})
	r.Register("svc", n)
	n.Detach()

	assert.NotNil(t, r.Get("svc"))
	assert.False(t, r.IsConnected("svc"))
}

func TestFindBySocket(t *testing.T) {
	r := New()
	s1, s2 := &stubTransport{1}, &stubTransport{2}
	n1 := attached("a", s1)
	r.Register("a", n1)
	r.Register("b", attached("b", s2))

	e := r.FindBySocket(s1)
	require.NotNil(t, e)
	assert.Equal(t, "a", e.Name)
	assert.Same(t, n1, e.Node)

	assert.Nil(t, r.FindBySocket(&stubTransport{3}))
	assert.Nil(t, r.FindBySocket(nil))
}

func TestReleaseKeepsReconnectedNode(t *testing.T) {
	r := New()
	old := attached("svc", &stubTransport{1})
	r.Register("svc", old)
	fresh := attached("svc", &stubTransport{2})
	assert.Same(t, old, r.Register("svc", fresh))

	assert.False(t, r.Release("svc", old))
	assert.Same(t, fresh, r.Get("svc"))
	assert.True(t, r.Release("svc", fresh))
	assert.Equal(t, 0, r.Len())
}

func TestAllSorted(t *testing.T) {
	r := New()
	r.Register("b", node.New("b"))
	r.Register("a", node.New("a"))
	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Name)
	assert.Equal(t, "b", all[1].Name)
}
