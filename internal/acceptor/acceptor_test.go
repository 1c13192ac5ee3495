package acceptor

import (
	"bufio"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sochet/internal/admin"
	"sochet/internal/auth"
	"sochet/internal/broadcast"
	"sochet/internal/config"
	"sochet/internal/logging"
	"sochet/internal/metrics"
	"sochet/internal/policy"
	"sochet/internal/protocol"
	"sochet/internal/registry"
	"sochet/internal/session"
	"sochet/internal/store"
)

// newPipedSession returns a session backed by one end of an in-memory pipe,
// and a scanner reading whatever the session writes from the other end.
func newPipedSession(t *testing.T) (*session.Session, *bufio.Scanner) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	return session.New(server), bufio.NewScanner(client)
}

func newTestAcceptor(t *testing.T) (*Acceptor, *store.Store) {
	t.Helper()
	st, _ := store.Open(t.TempDir())
	reg := registry.New()
	bc := &broadcast.Broadcaster{Registry: reg, Store: st, Log: logging.Discard()}
	mutes := policy.NewMuteTable()
	rates := policy.NewRateTable(5, 10*time.Second)
	adm := &admin.Engine{Store: st, Registry: reg, Broadcast: bc, Mutes: mutes, RateTable: rates}
	col := metrics.New()

	cfg := config.Defaults()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0 // net.ListenTCP picks a free port; tests read it back from acc.ln
	cfg.Workers = 4

	acc := New(cfg, st, reg, bc, mutes, rates, adm, col, logging.Discard())
	bc.Remover = acc
	return acc, st
}

func dialAndAuth(t *testing.T, addr string, username, password string) (net.Conn, *bufio.Scanner) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	cred, _ := json.Marshal(map[string]string{"username": username, "password": password})
	_, err = conn.Write(append(cred, '\n'))
	require.NoError(t, err)

	scanner := bufio.NewScanner(conn)
	return conn, scanner
}

func TestAcceptorAuthenticatesValidCredentials(t *testing.T) {
	acc, st := newTestAcceptor(t)
	_, _, err := st.CreateUser("alice", "hunter2", store.RoleUser)
	require.NoError(t, err)

	go acc.Serve()
	t.Cleanup(func() { acc.Shutdown() })

	waitForListener(t, acc)
	addr := acc.ln.Load().Addr().String()

	conn, scanner := dialAndAuth(t, addr, "alice", "hunter2")
	defer conn.Close()

	require.True(t, scanner.Scan())
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &env))
	require.Equal(t, protocol.FlagAuthOK, env.Flag)
}

func TestAcceptorRejectsBadCredentials(t *testing.T) {
	acc, st := newTestAcceptor(t)
	_, _, err := st.CreateUser("alice", "hunter2", store.RoleUser)
	require.NoError(t, err)

	go acc.Serve()
	t.Cleanup(func() { acc.Shutdown() })
	waitForListener(t, acc)
	addr := acc.ln.Load().Addr().String()

	conn, scanner := dialAndAuth(t, addr, "alice", "wrong-password")
	defer conn.Close()

	require.True(t, scanner.Scan())
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &env))
	require.Equal(t, protocol.FlagAuthDeny, env.Flag)
}

func TestAcceptorChatFansOutToOtherClients(t *testing.T) {
	acc, st := newTestAcceptor(t)
	_, _, err := st.CreateUser("alice", "pw1", store.RoleUser)
	require.NoError(t, err)
	_, _, err = st.CreateUser("bob", "pw2", store.RoleUser)
	require.NoError(t, err)

	go acc.Serve()
	t.Cleanup(func() { acc.Shutdown() })
	waitForListener(t, acc)
	addr := acc.ln.Load().Addr().String()

	aliceConn, aliceScanner := dialAndAuth(t, addr, "alice", "pw1")
	defer aliceConn.Close()
	require.True(t, aliceScanner.Scan()) // AUTH_OK
	require.True(t, aliceScanner.Scan()) // USER_LIST_UPDATE (alice alone)

	bobConn, bobScanner := dialAndAuth(t, addr, "bob", "pw2")
	defer bobConn.Close()
	require.True(t, bobScanner.Scan()) // AUTH_OK
	require.True(t, bobScanner.Scan()) // USER_LIST_UPDATE (bob is not skipped from this one)

	// alice sees bob's join announcement, then the same user-list refresh.
	require.True(t, aliceScanner.Scan())
	require.True(t, aliceScanner.Scan())

	chat, _ := json.Marshal(map[string]string{"message": "hello bob"})
	_, err = aliceConn.Write(append(chat, '\n'))
	require.NoError(t, err)

	require.True(t, bobScanner.Scan())
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(bobScanner.Bytes(), &env))
	require.Equal(t, "alice", env.Sender)
	require.Equal(t, "hello bob", env.Message)
}

func TestRemoveFailedAnnouncesLeaveLikeANormalDisconnect(t *testing.T) {
	acc, _ := newTestAcceptor(t)

	alice, aliceScanner := newPipedSession(t)
	bob, _ := newPipedSession(t)
	require.True(t, acc.registry.Admit(alice, "alice"))
	require.True(t, acc.registry.Admit(bob, "bob"))

	// net.Pipe is unbuffered and synchronous: RemoveFailed's broadcast
	// write to alice blocks until aliceScanner reads it, so it must run
	// concurrently with the reads below rather than before them.
	go acc.RemoveFailed(bob)

	require.True(t, aliceScanner.Scan())
	var leave protocol.Envelope
	require.NoError(t, json.Unmarshal(aliceScanner.Bytes(), &leave))
	assert.True(t, strings.Contains(leave.Message, "bob has left the chat"))

	require.True(t, aliceScanner.Scan())
	var list protocol.Envelope
	require.NoError(t, json.Unmarshal(aliceScanner.Bytes(), &list))
	assert.Equal(t, protocol.FlagUserList, list.Flag)
	assert.Equal(t, "alice", list.Message)

	_, online := acc.registry.FindByUsername("bob")
	assert.False(t, online)
}

func TestCommandNameCollapsesUnknownCommandsForMetricCardinality(t *testing.T) {
	assert.Equal(t, "kick", commandName("/kick bob"))
	assert.Equal(t, "mute", commandName("/mute bob 5m"))
	assert.Equal(t, "help", commandName("/help"))
	assert.Equal(t, "unknown", commandName("/aaaa"))
	assert.Equal(t, "unknown", commandName("/bbbb ignored args"))
}

func TestAcceptorDoesNotDropChatSentInTheSameWriteAsCredentials(t *testing.T) {
	acc, st := newTestAcceptor(t)
	_, _, err := st.CreateUser("alice", "pw1", store.RoleUser)
	require.NoError(t, err)
	_, _, err = st.CreateUser("bob", "pw2", store.RoleUser)
	require.NoError(t, err)

	go acc.Serve()
	t.Cleanup(func() { acc.Shutdown() })
	waitForListener(t, acc)
	addr := acc.ln.Load().Addr().String()

	aliceConn, aliceScanner := dialAndAuth(t, addr, "alice", "pw1")
	defer aliceConn.Close()
	require.True(t, aliceScanner.Scan()) // AUTH_OK
	require.True(t, aliceScanner.Scan()) // USER_LIST_UPDATE (alice alone)

	bobConn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer bobConn.Close()
	bobScanner := bufio.NewScanner(bobConn)

	// Credential frame and first chat frame land in the same Write call,
	// simulating a client whose two outgoing writes get coalesced by the
	// kernel into one socket read on the server side.
	cred, _ := json.Marshal(map[string]string{"username": "bob", "password": "pw2"})
	chat, _ := json.Marshal(map[string]string{"message": "hi from bob"})
	_, err = bobConn.Write(append(append(cred, '\n'), append(chat, '\n')...))
	require.NoError(t, err)

	require.True(t, bobScanner.Scan()) // AUTH_OK
	require.True(t, bobScanner.Scan()) // USER_LIST_UPDATE

	require.True(t, aliceScanner.Scan()) // bob joined
	require.True(t, aliceScanner.Scan()) // USER_LIST_UPDATE

	require.True(t, aliceScanner.Scan())
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(aliceScanner.Bytes(), &env))
	assert.Equal(t, "bob", env.Sender)
	assert.Equal(t, "hi from bob", env.Message)
}

func TestServeRecoversFromAuthenticatePanicWithoutTakingDownOtherSessions(t *testing.T) {
	acc, st := newTestAcceptor(t)
	_, _, err := st.CreateUser("alice", "pw1", store.RoleUser)
	require.NoError(t, err)

	// Force a panic inside authenticate's call path (a nil Store
	// dereferenced by Authenticate) to exercise serve's recover without
	// depending on a specific future bug.
	acc.auth = auth.Authenticator{}

	panicConn, panicClient := net.Pipe()
	defer panicClient.Close()
	acc.sem <- struct{}{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		acc.serve(panicConn)
	}()

	cred, _ := json.Marshal(map[string]string{"username": "bob", "password": "pw2"})
	_, err = panicClient.Write(append(cred, '\n'))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serve goroutine never returned after panic")
	}

	// The acceptor, and in particular its registry, must still be usable
	// afterwards: admit a real session the normal way.
	go acc.Serve()
	t.Cleanup(func() { acc.Shutdown() })
	waitForListener(t, acc)
	addr := acc.ln.Load().Addr().String()

	acc.auth = auth.Authenticator{Store: st}
	conn, scanner := dialAndAuth(t, addr, "alice", "pw1")
	defer conn.Close()

	require.True(t, scanner.Scan())
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &env))
	require.Equal(t, protocol.FlagAuthOK, env.Flag)
}

func waitForListener(t *testing.T, acc *Acceptor) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if acc.ln.Load() != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("acceptor never started listening")
}
