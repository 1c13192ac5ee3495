// Package acceptor implements the listen loop and per-session supervisor
// (C9): a TCP accept loop with a 1-second poll timeout, a bounded worker
// pool of session goroutines, and cooperative shutdown.
package acceptor

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

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

// pollInterval is the read/accept deadline used as the cancellation idiom
// throughout the session lifecycle: short enough that a shutdown signal is
// noticed promptly, long enough to not busy-loop.
const pollInterval = time.Second

// credentialTimeout bounds how long an unauthenticated connection may take
// to send its one credential frame before it's dropped.
const credentialTimeout = 10 * time.Second

// Acceptor owns the listening socket and supervises every live session.
type Acceptor struct {
	cfg config.Config
	// ln is written once from Serve's goroutine and read from Shutdown and
	// from tests on other goroutines, so it's an atomic pointer rather than
	// a bare field.
	ln        atomic.Pointer[net.TCPListener]
	whitelist auth.Whitelist
	auth      auth.Authenticator

	store     *store.Store
	registry  *registry.Registry
	broadcast *broadcast.Broadcaster
	mutes     *policy.MuteTable
	rates     *policy.RateTable
	admin     *admin.Engine
	metrics   *metrics.Collectors
	log       zerolog.Logger

	// admitLimiter throttles the rate of new TCP connections accepted,
	// independent of the per-user chat rate limiter: a token-bucket guard
	// against connection-flood abuse at the front door.
	admitLimiter *rate.Limiter

	sem      chan struct{} // bounded session worker pool
	shutdown chan struct{}
	done     chan struct{}
}

// New wires every collaborator the acceptor needs. The caller is expected to
// have already constructed Store/Registry/Broadcaster/etc. and handed them
// in fully initialized.
func New(
	cfg config.Config,
	st *store.Store,
	reg *registry.Registry,
	bc *broadcast.Broadcaster,
	mutes *policy.MuteTable,
	rates *policy.RateTable,
	adm *admin.Engine,
	col *metrics.Collectors,
	log zerolog.Logger,
) *Acceptor {
	return &Acceptor{
		cfg:          cfg,
		whitelist:    auth.NewWhitelist(cfg.Whitelist),
		auth:         auth.Authenticator{Store: st},
		store:        st,
		registry:     reg,
		broadcast:    bc,
		mutes:        mutes,
		rates:        rates,
		admin:        adm,
		metrics:      col,
		log:          log,
		admitLimiter: rate.NewLimiter(rate.Limit(cfg.AcceptRatePS), cfg.AcceptBurst),
		sem:          make(chan struct{}, cfg.Workers),
		shutdown:     make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Serve opens the listening socket and runs the accept loop until Shutdown
// is called. It returns once the loop has exited.
func (a *Acceptor) Serve() error {
	addr := &net.TCPAddr{IP: net.ParseIP(a.cfg.Host), Port: a.cfg.Port}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	a.ln.Store(ln)
	a.log.Info().Str("addr", ln.Addr().String()).Msg("acceptor listening")

	defer close(a.done)

	for {
		select {
		case <-a.shutdown:
			return nil
		default:
		}

		if err := ln.SetDeadline(time.Now().Add(pollInterval)); err != nil {
			a.log.Error().Err(err).Msg("set accept deadline")
			return err
		}

		conn, err := ln.Accept()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			select {
			case <-a.shutdown:
				return nil
			default:
				a.log.Error().Err(err).Msg("accept")
				return err
			}
		}

		// The whitelist check runs before the admission throttle: a flood of
		// connections from an IP that would be rejected anyway shouldn't be
		// able to burn through the shared admission budget and start
		// throttling legitimate, whitelisted clients.
		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		if !a.whitelist.Contains(host) {
			a.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("rejected: not on whitelist")
			_ = conn.Close()
			continue
		}

		if !a.admitLimiter.Allow() {
			a.log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("connection admission throttled")
			_ = conn.Close()
			continue
		}

		select {
		case a.sem <- struct{}{}:
			go a.serve(conn)
		default:
			a.log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("worker pool full, rejecting connection")
			_ = conn.Close()
		}
	}
}

// Shutdown halts the accept loop, signals every live session to exit,
// broadcasts the shutdown notice, waits for sessions to drain, and flushes
// the message log exactly once.
func (a *Acceptor) Shutdown() error {
	close(a.shutdown)
	if ln := a.ln.Load(); ln != nil {
		_ = ln.Close()
	}
	<-a.done

	for _, sess := range a.registry.Snapshot() {
		a.broadcast.Send(sess, protocol.Envelope{Flag: protocol.FlagSysClosed, Message: "Server has been shutdown."})
		sess.RequestExit()
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(a.sem) > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	if err := a.store.FlushMessages(); err != nil {
		return err
	}
	a.log.Info().Msg("server shut down gracefully")
	return nil
}

func (a *Acceptor) serve(conn net.Conn) {
	defer func() { <-a.sem }()
	defer conn.Close()

	sess := session.New(conn)
	log := logging.Client(a.log, sess.ID, sess.Remote)

	// A panic anywhere in the dispatch/admin/broadcast path must take down
	// this one connection, not the process: recover, unregister the
	// session exactly as a clean disconnect would, and let the goroutine
	// die quietly instead of crashing every other live session with it.
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("session goroutine recovered from panic")
			a.unregister(sess)
		}
	}()

	// One Decoder spans the whole connection lifetime, from the credential
	// frame through every chat frame after it: its bufio.Reader may have
	// already buffered bytes past the credential line's newline (the peer
	// wrote both in one packet), and a second Decoder over the same conn
	// would never see them.
	dec := protocol.NewDecoder(sess.Conn)

	if !a.authenticate(sess, dec, log) {
		return
	}

	a.metrics.ActiveConnections.Inc()
	defer a.metrics.ActiveConnections.Dec()

	a.broadcast.Broadcast(protocol.Envelope{Message: sess.Username() + " has joined the chat"}, sess)
	a.broadcast.AnnounceActiveUsers()

	a.servingLoop(sess, dec, log)
	a.remove(sess, log)
}

// authenticate reads exactly one credential frame and admits sess on
// success. It returns false (and has already closed nothing further than
// the deferred conn.Close) when the connection should be dropped.
func (a *Acceptor) authenticate(sess *session.Session, dec *protocol.Decoder, log zerolog.Logger) bool {
	_ = sess.Conn.SetReadDeadline(time.Now().Add(credentialTimeout))
	_, raw, ok, err := dec.Next()
	if err != nil || !ok {
		log.Info().Msg("auth: no valid credential frame")
		a.sendReject(sess, protocol.Envelope{Flag: protocol.FlagAuthInval, Message: "malformed credentials"})
		return false
	}

	username, reason := a.auth.Authenticate(raw)
	if reason != auth.ReasonNone {
		log.Info().Str("reason", fmt.Sprint(reason)).Msg("auth rejected")
		a.sendReject(sess, protocol.Envelope{Flag: reason.Flag(), Message: username})
		return false
	}

	if !a.registry.Admit(sess, username) {
		log.Info().Str("user", username).Msg("auth rejected: duplicate login")
		a.sendReject(sess, protocol.Envelope{Flag: auth.ReasonDenied.Flag(), Message: "already connected"})
		return false
	}

	sess.SetUsername(username)
	_ = sess.Conn.SetReadDeadline(time.Time{})
	a.broadcast.Send(sess, protocol.Envelope{Flag: protocol.FlagAuthOK, Message: username})
	log.Info().Str("user", username).Msg("authenticated")
	return true
}

func (a *Acceptor) sendReject(sess *session.Session, env protocol.Envelope) {
	data, err := protocol.Encode(env.Stamp(time.Now()))
	if err == nil {
		_ = sess.Write(data)
	}
}

// servingLoop runs the SERVING state: bounded-timeout reads, dispatched
// through the policy chain and admin engine, until the peer disconnects,
// sends CLIENT_QUIT, or the session is asked to exit.
func (a *Acceptor) servingLoop(sess *session.Session, dec *protocol.Decoder, log zerolog.Logger) {
	for {
		if sess.ExitRequested() {
			return
		}

		_ = sess.Conn.SetReadDeadline(time.Now().Add(pollInterval))
		env, _, ok, err := dec.Next()

		if err != nil {
			if isTimeout(err) {
				continue
			}
			log.Info().Err(err).Msg("connection closed")
			return
		}
		if !ok {
			log.Warn().Msg("dropped malformed frame")
			continue
		}

		if env.Flag == protocol.FlagQuit {
			return
		}

		a.dispatch(sess, env, log)
	}
}

// dispatch runs one SERVING-state frame through the policy chain: mute,
// then rate limit, then (if the sender is an admin and the payload looks
// like a command) the admin engine, and otherwise a plain broadcast.
func (a *Acceptor) dispatch(sess *session.Session, env protocol.Envelope, log zerolog.Logger) {
	username := sess.Username()
	now := time.Now()

	if muted, warn, remaining := a.mutes.Check(username, now); muted {
		if warn {
			a.broadcast.Send(sess, protocol.Envelope{
				Flag:    protocol.FlagAdminMsg,
				Message: fmt.Sprintf("you are muted for %d more second(s)", remaining),
			})
		}
		return
	}

	if allowed, warn := a.rates.Allow(username, now); !allowed {
		a.metrics.RateLimitRejects.Inc()
		if warn {
			a.broadcast.Send(sess, protocol.Envelope{
				Flag:    protocol.FlagAdminMsg,
				Message: fmt.Sprintf("rate limit: max %d messages every %ds", a.rates.Limit, int(a.rates.Interval.Seconds())),
			})
		}
		return
	}

	u, _ := a.store.User(username)
	if u.Role == store.RoleAdmin && admin.IsCommand(env.Message) {
		a.metrics.AdminActions.WithLabelValues(commandName(env.Message)).Inc()
		a.admin.Dispatch(sess, env.Message, now)
		return
	}

	a.metrics.MessagesBroadcast.Inc()
	a.broadcast.Broadcast(protocol.Envelope{Flag: protocol.FlagChat, Sender: username, Message: env.Message}, sess)
}

// knownCommands bounds the "command" label cardinality on the AdminActions
// counter to the fixed set of commands the admin engine actually handles —
// anything else collapses to "unknown" rather than admitting an arbitrary,
// attacker-controlled label value.
var knownCommands = map[string]bool{
	"/help": true, "/kick": true, "/ban": true, "/unban": true, "/mute": true,
}

func commandName(payload string) string {
	cmd := payload
	for i, r := range payload {
		if r == ' ' {
			cmd = payload[:i]
			break
		}
	}
	if !knownCommands[cmd] {
		return "unknown"
	}
	return cmd[1:]
}

// unregister performs the shared REMOVING → GONE transition: unbind from
// the registry, release the rate/mute state, and announce the departure to
// everyone else — the same treatment for every non-admin-initiated leave
// (peer close, CLIENT_QUIT, read error, or a send failure discovered during
// fan-out). Once Shutdown has begun no departure is announced. Admin
// kick/ban removes the session itself and sends its own announcement text
// instead of calling this.
func (a *Acceptor) unregister(sess *session.Session) string {
	sess.SetState(session.StateRemoving)
	username := a.registry.Remove(sess)
	a.rates.Reset(username)
	a.mutes.Clear(username)
	a.metrics.MutedUsers.Set(float64(a.mutes.Count()))
	sess.SetState(session.StateGone)

	select {
	case <-a.shutdown:
		return username
	default:
	}

	if username != "" {
		a.broadcast.Broadcast(protocol.Envelope{Message: username + " has left the chat"}, nil)
		a.broadcast.AnnounceActiveUsers()
	}
	return username
}

// remove handles a normal leave detected by the session's own servingLoop.
// During Shutdown the session has already been handed a SYS_SERVER_CLOSED
// notice and asked to exit; servingLoop still returns through here, and
// unregister then removes it without a leave announcement.
func (a *Acceptor) remove(sess *session.Session, log zerolog.Logger) {
	username := a.unregister(sess)
	log.Info().Str("user", username).Msg("session removed")
}

// RemoveFailed implements broadcast.Remover: a session whose send failed
// during fan-out (a stale or half-open peer discovered opportunistically)
// is torn down and announced exactly like any other disconnect. Safe to
// broadcast from here: the failed session is unregistered before the
// announcement goes out, so fan-out never revisits it.
func (a *Acceptor) RemoveFailed(sess *session.Session) {
	a.unregister(sess)
	sess.RequestExit()
	_ = sess.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
