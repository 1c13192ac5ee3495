// Package broadcast implements fan-out send (C5): serialize-and-write to one
// session, broadcast to every session but one, and the active-user-list
// announcement.
package broadcast

import (
	"strings"
	"time"

	"github.com/rs/zerolog"

	"sochet/internal/protocol"
	"sochet/internal/registry"
	"sochet/internal/session"
	"sochet/internal/store"
)

// Remover is the minimal hook broadcast needs back into the session layer
// when a send fails — it never removes a session itself, it only asks.
type Remover interface {
	RemoveFailed(sess *session.Session)
}

// Broadcaster fans envelopes out to every registered session.
type Broadcaster struct {
	Registry *registry.Registry
	Store    *store.Store
	Log      zerolog.Logger
	Remover  Remover
}

// Send serializes env, stamps it, and writes it to sess under its
// per-connection write mutex. A failing write is isolated to this
// recipient: it's logged and the session is handed to Remover for removal,
// never propagated to the caller.
func (b *Broadcaster) Send(sess *session.Session, env protocol.Envelope) {
	stamped := env.Stamp(time.Now())
	data, err := protocol.Encode(stamped)
	if err != nil {
		b.Log.Error().Err(err).Msg("encode envelope")
		return
	}
	if err := sess.Write(data); err != nil {
		b.Log.Warn().Err(err).Str("conn_id", sess.ID).Msg("send failed, removing session")
		if b.Remover != nil {
			// RemoveFailed announces the departure via another Broadcast
			// call of its own; running it synchronously here would
			// re-enter this very fan-out loop mid-iteration. Off to its
			// own goroutine so a batch of simultaneous failures (a
			// reconnect storm hitting many dead sockets at once) can't
			// nest broadcasts on top of each other or grow the call stack
			// with each failure.
			go b.Remover.RemoveFailed(sess)
		}
	}
}

// Broadcast snapshots the registry and sends env to every member except
// skip. If env is user chat, it is appended to the message log BEFORE the
// fan-out begins, per spec.
//
// The registry lock is held only for the snapshot; every Send below
// happens with no lock held, so one slow recipient never blocks a
// concurrent registry mutation. Sends run one after another, so a slow
// recipient delays the rest of this fan-out by at most the session write
// timeout.
func (b *Broadcaster) Broadcast(env protocol.Envelope, skip *session.Session) {
	if env.IsChat() {
		b.Store.AppendMessage(env.Stamp(time.Now()))
	}

	for _, sess := range b.Registry.Snapshot() {
		if sess == skip {
			continue
		}
		b.Send(sess, env)
	}
}

// AnnounceActiveUsers composes a USER_LIST_UPDATE envelope whose message is
// the comma-joined usernames in current registry order, and broadcasts it
// to every member.
func (b *Broadcaster) AnnounceActiveUsers() {
	users := b.Registry.ActiveUsernames()
	env := protocol.Envelope{
		Flag:    protocol.FlagUserList,
		Message: strings.Join(users, ","),
	}
	for _, sess := range b.Registry.Snapshot() {
		b.Send(sess, env)
	}
}
