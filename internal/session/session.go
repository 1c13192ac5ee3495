// Package session implements the per-connection runtime record and the C8
// state machine: AUTHENTICATING → SERVING → REMOVING → GONE.
package session

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// writeTimeout bounds a single outbound write. Broadcast fan-out calls
// Write synchronously for every recipient in turn; without a deadline, one
// peer that stopped reading (a stalled network path, a hung client) would
// block delivery to everyone else indefinitely.
const writeTimeout = 5 * time.Second

// State is one of the four session lifecycle states.
type State int

const (
	StateAuthenticating State = iota
	StateServing
	StateRemoving
	StateGone
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateServing:
		return "serving"
	case StateRemoving:
		return "removing"
	case StateGone:
		return "gone"
	default:
		return "unknown"
	}
}

// Session is the runtime (non-persisted) connection record: transport
// handle, bound username, remote address, one-shot exit signal, and the
// per-connection write serialization primitive.
type Session struct {
	ID     string // uuid, used only for logs/metrics labels
	Conn   net.Conn
	Remote string

	writeMu sync.Mutex // guards writes to Conn; never held across the registry lock

	mu       sync.RWMutex
	username string
	state    State

	exitOnce sync.Once
	exitCh   chan struct{}
}

// New wraps conn in a fresh, pre-authentication Session.
func New(conn net.Conn) *Session {
	return &Session{
		ID:     uuid.NewString(),
		Conn:   conn,
		Remote: conn.RemoteAddr().String(),
		state:  StateAuthenticating,
		exitCh: make(chan struct{}),
	}
}

// Username returns the bound username, or "" before authentication.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// SetUsername binds the session to username and transitions to SERVING.
func (s *Session) SetUsername(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = username
	s.state = StateServing
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState transitions the session to a new state.
func (s *Session) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// RequestExit signals the session's serve loop to stop at its next
// 1-second read-timeout check. Safe to call multiple times and from any
// goroutine.
func (s *Session) RequestExit() {
	s.exitOnce.Do(func() { close(s.exitCh) })
}

// ExitRequested reports whether RequestExit has been called.
func (s *Session) ExitRequested() bool {
	select {
	case <-s.exitCh:
		return true
	default:
		return false
	}
}

// Done returns the channel closed by RequestExit, for use in select
// statements that want to observe shutdown alongside other events.
func (s *Session) Done() <-chan struct{} {
	return s.exitCh
}

// Write serializes a raw frame write under the per-connection mutex. This
// is the "outbound serialization primitive" the spec requires — distinct
// from, and never held across, the registry lock.
func (s *Session) Write(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := s.Conn.Write(b)
	return err
}

// Close closes the underlying transport. Safe to call more than once.
func (s *Session) Close() error {
	return s.Conn.Close()
}
