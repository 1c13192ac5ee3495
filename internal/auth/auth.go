// Package auth implements credential verification and IP whitelisting (C2).
// The authentication result is the only bit sent to a client before it is
// admitted to the registry: AUTH_OK on success, a specific failure flag and
// a closed socket otherwise.
package auth

import (
	"sochet/internal/protocol"
	"sochet/internal/store"
)

// Reason identifies why authentication failed; the zero value means success.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonInvalid
	ReasonBanned
	ReasonDenied
)

// Flag maps a Reason to the wire flag sent back to the rejected client.
func (r Reason) Flag() protocol.Flag {
	switch r {
	case ReasonInvalid:
		return protocol.FlagAuthInval
	case ReasonBanned:
		return protocol.FlagAuthBan
	case ReasonDenied:
		return protocol.FlagAuthDeny
	default:
		return protocol.FlagAuthOK
	}
}

// Whitelist is an exact-string IP allowlist.
type Whitelist struct {
	ips map[string]struct{}
}

// NewWhitelist builds a Whitelist from a list of IP strings.
func NewWhitelist(ips []string) Whitelist {
	m := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		m[ip] = struct{}{}
	}
	return Whitelist{ips: m}
}

// Contains reports whether ip is allowed to connect. An empty whitelist
// allows everyone — useful for local development without a WHITELIST env
// var configured.
func (w Whitelist) Contains(ip string) bool {
	if len(w.ips) == 0 {
		return true
	}
	_, ok := w.ips[ip]
	return ok
}

// Authenticator verifies a raw credential frame against the user and ban
// stores.
type Authenticator struct {
	Store *store.Store
}

// Authenticate parses raw as {username,password} JSON and checks it against
// the ban set and user table, in that order per spec: malformed JSON is
// ReasonInvalid, a banned username is ReasonBanned (even before checking
// whether the password is correct), an unknown user or bad password is
// ReasonDenied.
func (a Authenticator) Authenticate(raw []byte) (username string, reason Reason) {
	username, password, ok := protocol.DecodeCredentials(raw)
	if !ok {
		return "", ReasonInvalid
	}

	if a.Store.IsBanned(username) {
		return "", ReasonBanned
	}

	u, ok := a.Store.User(username)
	if !ok {
		return "", ReasonDenied
	}

	if !store.VerifyPassword(password, u.PasswordDigest) {
		return "", ReasonDenied
	}

	return username, ReasonNone
}
