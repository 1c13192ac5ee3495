// Package store provides the three persisted tables the spec calls for —
// users, messages, bans — backed by JSON files on disk. The users and bans
// tables are saved on every mutation; the message log is kept in memory and
// written by an explicit flush. Every save is atomic so a crash mid-write
// never leaves a half-written file on disk.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"sochet/internal/protocol"
)

// Role is a user's authorization level.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User is one row of the users table. Passwords are stored only as bcrypt
// digests — the opaque hash(pw)/verify(pw, digest) pair the spec treats as
// an external collaborator.
type User struct {
	Username       string `json:"username"`
	PasswordDigest string `json:"password_digest"`
	Role           Role   `json:"role"`
}

// Store holds the in-memory tables and the directory they persist to.
type Store struct {
	mu       sync.RWMutex
	users    map[string]User // keyed by username
	bans     map[string]struct{}
	messages []protocol.Envelope

	dataDir string
}

// Open loads (or lazily creates) a Store backed by dataDir/{users,messages,bans}.json.
// A load failure for any individual file is non-fatal: that table starts
// empty and the caller is expected to log the warning returned alongside it.
func Open(dataDir string) (*Store, []error) {
	s := &Store{
		users:   make(map[string]User),
		bans:    make(map[string]struct{}),
		dataDir: dataDir,
	}

	var warnings []error

	var users []User
	if err := loadJSON(filepath.Join(dataDir, "users.json"), &users); err != nil {
		warnings = append(warnings, fmt.Errorf("load users: %w", err))
	}
	for _, u := range users {
		s.users[u.Username] = u
	}

	if err := loadJSON(filepath.Join(dataDir, "messages.json"), &s.messages); err != nil {
		warnings = append(warnings, fmt.Errorf("load messages: %w", err))
	}

	var bans []string
	if err := loadJSON(filepath.Join(dataDir, "bans.json"), &bans); err != nil {
		warnings = append(warnings, fmt.Errorf("load bans: %w", err))
	}
	for _, b := range bans {
		s.bans[b] = struct{}{}
	}

	return s, warnings
}

// HashPassword produces the stored digest for a plaintext password.
func HashPassword(password string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(digest), nil
}

// VerifyPassword reports whether password matches digest.
func VerifyPassword(password, digest string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(password)) == nil
}

// User looks up a user by username.
func (s *Store) User(username string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	return u, ok
}

// CreateUser adds a new account. Returns false if the username is taken.
func (s *Store) CreateUser(username, password string, role Role) (User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[username]; exists {
		return User{}, false, nil
	}

	digest, err := HashPassword(password)
	if err != nil {
		return User{}, false, err
	}
	u := User{Username: username, PasswordDigest: digest, Role: role}
	s.users[username] = u
	return u, true, s.saveUsersLocked()
}

// IsBanned reports whether username is in the ban set.
func (s *Store) IsBanned(username string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.bans[username]
	return ok
}

// Ban adds username to the ban set and persists it. Banning an admin is
// rejected by the caller (internal/admin), not here — the store has no
// opinion on roles beyond storage.
func (s *Store) Ban(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bans[username] = struct{}{}
	return s.saveBansLocked()
}

// Unban removes username from the ban set and persists it.
func (s *Store) Unban(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bans, username)
	return s.saveBansLocked()
}

// BanCount returns the number of currently banned usernames.
func (s *Store) BanCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bans)
}

// AppendMessage appends a chat envelope to the in-memory log. Persistence
// happens once, at shutdown (FlushMessages) — the spec requires exactly one
// flush, not a write per message.
func (s *Store) AppendMessage(e protocol.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, e)
}

// Messages returns a snapshot of the message log.
func (s *Store) Messages() []protocol.Envelope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.Envelope, len(s.messages))
	copy(out, s.messages)
	return out
}

// FlushMessages writes the message log to disk atomically. Called exactly
// once per shutdown per the spec's invariant.
func (s *Store) FlushMessages() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return writeJSONAtomic(filepath.Join(s.dataDir, "messages.json"), s.messages)
}

func (s *Store) saveUsersLocked() error {
	users := make([]User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	return writeJSONAtomic(filepath.Join(s.dataDir, "users.json"), users)
}

func (s *Store) saveBansLocked() error {
	bans := make([]string, 0, len(s.bans))
	for b := range s.bans {
		bans = append(bans, b)
	}
	return writeJSONAtomic(filepath.Join(s.dataDir, "bans.json"), bans)
}

func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// writeJSONAtomic writes v to path via a temp file + rename so a crash
// mid-write never leaves a truncated or partially-written file behind.
// Per spec, a missing parent directory is a save failure, not something we
// create on the caller's behalf.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
