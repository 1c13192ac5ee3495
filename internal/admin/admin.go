// Package admin implements the admin command engine (C7): parsing and
// dispatch of /kick, /ban, /unban, /mute and /help.
package admin

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"sochet/internal/broadcast"
	"sochet/internal/metrics"
	"sochet/internal/policy"
	"sochet/internal/protocol"
	"sochet/internal/registry"
	"sochet/internal/session"
	"sochet/internal/store"
)

const helpText = "commands: /kick <name>, /ban <name>, /unban <name>, /mute <name> <dur>, /help"

var durationRe = regexp.MustCompile(`^([0-9]+)([smh])$`)

// Engine dispatches parsed admin commands against the registry, store,
// mute table and broadcaster.
type Engine struct {
	Store     *store.Store
	Registry  *registry.Registry
	Broadcast *broadcast.Broadcaster
	Mutes     *policy.MuteTable
	RateTable *policy.RateTable

	// Metrics is optional; when set, mute/ban/unban refresh the
	// corresponding gauges. Tests may leave it nil.
	Metrics *metrics.Collectors
}

// IsCommand reports whether payload is an admin-command invocation: it
// starts with '/'.
func IsCommand(payload string) bool {
	return strings.HasPrefix(payload, "/")
}

// Dispatch parses and executes payload on behalf of admin. The caller is
// responsible for having already checked admin's role; Dispatch trusts it.
func (e *Engine) Dispatch(admin *session.Session, payload string, now time.Time) {
	fields := strings.Fields(payload)
	if len(fields) == 0 {
		e.reply(admin, "unknown command. use /help.")
		return
	}

	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "/help":
		e.reply(admin, helpText)
	case "/kick":
		e.kick(admin, args, now)
	case "/ban":
		e.ban(admin, args, now)
	case "/unban":
		e.unban(admin, args, now)
	case "/mute":
		e.mute(admin, args, now)
	default:
		e.reply(admin, "unknown command. use /help.")
	}
}

func (e *Engine) reply(admin *session.Session, message string) {
	e.Broadcast.Send(admin, protocol.Envelope{Flag: protocol.FlagAdminMsg, Message: message})
}

// targetGuard resolves the first arg as a target username, enforcing the
// common preconditions shared by every targeted command: a target must be
// present, and a command can never be aimed at the caller or at another
// admin. It replies with the appropriate rejection and returns ok=false
// when a precondition fails.
func (e *Engine) targetGuard(admin *session.Session, args []string, action string) (target string, ok bool) {
	if len(args) == 0 {
		e.reply(admin, "missing target username.")
		return "", false
	}
	target = args[0]

	if target == admin.Username() {
		e.reply(admin, fmt.Sprintf("you cannot %s yourself or another admin.", action))
		return "", false
	}
	if u, found := e.Store.User(target); found && u.Role == store.RoleAdmin {
		e.reply(admin, fmt.Sprintf("you cannot %s yourself or another admin.", action))
		return "", false
	}
	return target, true
}

func (e *Engine) kick(admin *session.Session, args []string, now time.Time) {
	target, ok := e.targetGuard(admin, args, "kick")
	if !ok {
		return
	}

	targetSess, online := e.Registry.FindByUsername(target)
	if !online {
		e.reply(admin, "missing target username.")
		return
	}

	e.Broadcast.Send(targetSess, protocol.Envelope{Flag: protocol.FlagAdminKick, Message: "kicked by [ADMIN] " + admin.Username()})
	e.removeTarget(targetSess, target)

	e.Broadcast.Broadcast(protocol.Envelope{Message: fmt.Sprintf("%s was kicked by [ADMIN] %s", target, admin.Username())}, nil)
	e.Broadcast.AnnounceActiveUsers()
}

func (e *Engine) ban(admin *session.Session, args []string, now time.Time) {
	target, ok := e.targetGuard(admin, args, "ban")
	if !ok {
		return
	}

	if _, found := e.Store.User(target); !found {
		e.reply(admin, "missing target username.")
		return
	}

	if err := e.Store.Ban(target); err != nil {
		e.reply(admin, "ban failed, try again.")
		return
	}
	e.refreshBanGauge()

	if targetSess, online := e.Registry.FindByUsername(target); online {
		e.Broadcast.Send(targetSess, protocol.Envelope{Flag: protocol.FlagAdminBan, Message: "banned by [ADMIN] " + admin.Username()})
		e.removeTarget(targetSess, target)
	}

	e.Broadcast.Broadcast(protocol.Envelope{Message: fmt.Sprintf("'%s' was banned by [ADMIN] %s", target, admin.Username())}, nil)
	e.Broadcast.AnnounceActiveUsers()
}

func (e *Engine) unban(admin *session.Session, args []string, now time.Time) {
	target, ok := e.targetGuard(admin, args, "unban")
	if !ok {
		return
	}

	if _, found := e.Store.User(target); !found {
		e.reply(admin, "missing target username.")
		return
	}
	if !e.Store.IsBanned(target) {
		e.reply(admin, "missing target username.")
		return
	}

	if err := e.Store.Unban(target); err != nil {
		e.reply(admin, "unban failed, try again.")
		return
	}
	e.refreshBanGauge()

	e.Broadcast.Broadcast(protocol.Envelope{Message: fmt.Sprintf("%s was unbanned by [ADMIN] %s", target, admin.Username())}, nil)
}

func (e *Engine) mute(admin *session.Session, args []string, now time.Time) {
	target, ok := e.targetGuard(admin, args, "mute")
	if !ok {
		return
	}
	if len(args) < 2 {
		e.reply(admin, "invalid duration")
		return
	}

	durArg := args[1]
	seconds, ok := parseDuration(durArg)
	if !ok {
		e.reply(admin, "invalid duration")
		return
	}

	targetSess, online := e.Registry.FindByUsername(target)
	if !online {
		e.reply(admin, "missing target username.")
		return
	}

	e.Mutes.Mute(target, time.Duration(seconds)*time.Second, now)
	// ADMIN_MUTE carries the raw amount the admin typed (e.g. "5" for
	// "5m"), not the seconds-converted value — the unit is implied client
	// side, same as the original's admin_commands.py.
	amount := durationRe.FindStringSubmatch(durArg)[1]
	e.Broadcast.Send(targetSess, protocol.Envelope{Flag: protocol.FlagAdminMute, Message: amount})
	e.refreshMuteGauge()

	e.Broadcast.Broadcast(protocol.Envelope{Message: fmt.Sprintf("%s has been muted by [ADMIN] %s for %s", target, admin.Username(), durArg)}, nil)
}

// removeTarget unbinds an online target session that a kick or ban has
// already notified: registry, rate limiter and mute state are cleared and
// the connection is closed, same as a normal disconnect's REMOVING → GONE
// transition, just driven by an admin instead of servingLoop.
func (e *Engine) removeTarget(targetSess *session.Session, target string) {
	targetSess.SetState(session.StateRemoving)
	e.Registry.Remove(targetSess)
	e.RateTable.Reset(target)
	e.Mutes.Clear(target)
	e.refreshMuteGauge()
	targetSess.SetState(session.StateGone)
	_ = targetSess.Close()
}

func (e *Engine) refreshBanGauge() {
	if e.Metrics != nil {
		e.Metrics.BannedUsers.Set(float64(e.Store.BanCount()))
	}
}

func (e *Engine) refreshMuteGauge() {
	if e.Metrics != nil {
		e.Metrics.MutedUsers.Set(float64(e.Mutes.Count()))
	}
}

// parseDuration parses a strict `<digits>[smh]` duration string into a
// seconds count. The suffix must be s, m or h and the prefix all digits;
// anything else is rejected outright rather than approximated.
func parseDuration(s string) (seconds int, ok bool) {
	m := durationRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	switch m[2] {
	case "s":
		return n, true
	case "m":
		return n * 60, true
	case "h":
		return n * 3600, true
	default:
		return 0, false
	}
}
