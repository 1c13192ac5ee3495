// Package policy implements the moderation and throttling rules applied to
// each inbound chat message (C6): the mute table and the sliding-window
// rate limiter.
package policy

import (
	"math"
	"sync"
	"time"
)

// muteEntry tracks one user's mute expiry and whether the one-shot warning
// has already been delivered.
type muteEntry struct {
	until  time.Time
	warned bool
}

// MuteTable tracks temporary mutes, keyed by username. Expiry is lazy: a
// mute that has elapsed is evicted the next time it's looked up, not on a
// timer.
type MuteTable struct {
	mu      sync.Mutex
	entries map[string]*muteEntry
}

// NewMuteTable creates an empty MuteTable.
func NewMuteTable() *MuteTable {
	return &MuteTable{entries: make(map[string]*muteEntry)}
}

// Mute silences username until now+duration. A new call always replaces any
// existing mute and resets the one-shot warning.
func (m *MuteTable) Mute(username string, duration time.Duration, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[username] = &muteEntry{until: now.Add(duration)}
}

// Check reports whether username is currently muted, along with the whole
// seconds remaining on the mute. On the first check after a mute takes
// effect it returns (muted=true, shouldWarn=true); every check after that
// returns (true, false, ...) until the mute expires, at which point the
// entry is evicted and Check returns (false, false, 0).
func (m *MuteTable) Check(username string, now time.Time) (muted bool, shouldWarn bool, remaining int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[username]
	if !ok {
		return false, false, 0
	}
	if !now.Before(e.until) {
		delete(m.entries, username)
		return false, false, 0
	}
	remaining = int(math.Ceil(e.until.Sub(now).Seconds()))
	if remaining < 1 {
		remaining = 1
	}
	if !e.warned {
		e.warned = true
		return true, true, remaining
	}
	return true, false, remaining
}

// Clear removes any mute on username, e.g. on disconnect, kick or ban.
func (m *MuteTable) Clear(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, username)
}

// Count returns the number of currently tracked mutes, expired or not.
// Callers that need an exact live count should Check first; this is used
// for gauge reporting where lazy-expired entries lagging by a few seconds
// is acceptable.
func (m *MuteTable) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
