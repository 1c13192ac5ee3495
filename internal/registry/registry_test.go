package registry

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sochet/internal/session"
)

// fakeConn satisfies net.Conn just enough for session.New; no bytes ever
// cross it in these tests.
type fakeConn struct {
	net.Conn
	remote net.Addr
}

func (f fakeConn) RemoteAddr() net.Addr { return f.remote }
func (f fakeConn) Close() error         { return nil }

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

func newTestSession() *session.Session {
	return session.New(fakeConn{remote: fakeAddr("127.0.0.1:1234")})
}

func TestAdmitAndRemove(t *testing.T) {
	r := New()
	s := newTestSession()

	require.True(t, r.Admit(s, "alice"))
	assert.Equal(t, 1, r.Len())

	found, ok := r.FindByUsername("alice")
	require.True(t, ok)
	assert.Same(t, s, found)

	assert.Equal(t, "alice", r.Remove(s))
	assert.Equal(t, 0, r.Len())
	_, ok = r.FindByUsername("alice")
	assert.False(t, ok)
}

func TestAdmitRejectsDuplicateUsername(t *testing.T) {
	r := New()
	first := newTestSession()
	second := newTestSession()

	require.True(t, r.Admit(first, "alice"))
	assert.False(t, r.Admit(second, "alice"))
	assert.Equal(t, 1, r.Len())
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := New()
	s := newTestSession()
	require.True(t, r.Admit(s, "alice"))

	assert.Equal(t, "alice", r.Remove(s))
	assert.Equal(t, "", r.Remove(s))
}

func TestActiveUsernamesAndSnapshot(t *testing.T) {
	r := New()
	a, b := newTestSession(), newTestSession()
	r.Admit(a, "alice")
	r.Admit(b, "bob")

	names := r.ActiveUsernames()
	assert.Equal(t, []string{"alice", "bob"}, names)
	assert.Len(t, r.Snapshot(), 2)
}

func TestActiveUsernamesPreservesAdmitOrderAcrossChurn(t *testing.T) {
	r := New()
	a, b, c := newTestSession(), newTestSession(), newTestSession()
	r.Admit(a, "alice")
	r.Admit(b, "bob")
	r.Admit(c, "carol")

	r.Remove(b)
	assert.Equal(t, []string{"alice", "carol"}, r.ActiveUsernames())

	d := newTestSession()
	r.Admit(d, "dave")
	assert.Equal(t, []string{"alice", "carol", "dave"}, r.ActiveUsernames())
}
