// Package store persists user credentials in an embedded SQLite database
// and tracks live authenticated sessions in memory. All rows are mirrored
// into an in-memory cache at open time; reads are served from the cache and
// mutations hit disk first so a failed write never leaves the cache ahead of
// the database.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string. Never edit or reorder existing entries.
package store

import (
	"bytes"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gujial/voicePhone/internal/crypto"
)

// Default administrator account created on first boot when the users table
// is empty.
const (
	seedAdminUser     = "admin"
	seedAdminPassword = "admin_pass"
)

var (
	ErrInvalidInput = errors.New("store: username and password hash are required")
	ErrUserExists   = errors.New("store: user already exists")
	ErrAuthFailed   = errors.New("store: authentication failed")
	ErrUnknownUser  = errors.New("store: unknown user")
)

// migrations holds the ordered list of DDL statements that bring the schema
// up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1: user credentials
	`CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		username      TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		user_type     INTEGER NOT NULL DEFAULT 0,
		created_at    TEXT NOT NULL,
		last_login    TEXT
	)`,
}

// UserType is the privilege level of a credential.
type UserType int

const (
	TypeUser UserType = iota
	TypeAdministrator
)

func (t UserType) String() string {
	if t == TypeAdministrator {
		return "Administrator"
	}
	return "User"
}

// User is one credential row. PasswordHash is the raw 32-byte SHA-256
// digest; it is hex-encoded only at the database boundary. Timestamps are
// RFC 3339 UTC strings, LastLogin is empty until the first successful
// authentication.
type User struct {
	Username     string
	PasswordHash []byte
	Type         UserType
	CreatedAt    string
	LastLogin    string
}

type session struct {
	username string
	key      []byte
}

// Store wraps the SQLite database, the credential cache, and the in-memory
// session registry. One mutex guards both maps so a cache update and its
// disk write observe a consistent order.
type Store struct {
	db *sql.DB

	mu       sync.Mutex
	users    map[string]User
	sessions map[string]session
}

// Open opens (or creates) the database at path, applies pending migrations,
// loads every credential into the cache, and seeds the default
// administrator account when the table is empty.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// Allow multiple read connections but serialise writes.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	// WAL lets readers proceed during a write; busy_timeout avoids
	// SQLITE_BUSY on concurrent access. Both are non-fatal.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		slog.Warn("enable WAL mode", "err", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("set busy_timeout", "err", err)
	}

	s := &Store{
		db:       db,
		users:    make(map[string]User),
		sessions: make(map[string]session),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.loadUsers(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load users: %w", err)
	}

	if s.UserCount() == 0 {
		slog.Info("no users found, creating default admin account", "username", seedAdminUser)
		if err := s.Register(seedAdminUser, crypto.HashPassword(seedAdminPassword), TypeAdministrator); err != nil {
			db.Close()
			return nil, fmt.Errorf("seed admin account: %w", err)
		}
	}

	slog.Info("user store opened", "path", path, "users", s.UserCount())
	return s, nil
}

// Close releases the database connection. Live sessions are in-memory only
// and vanish with the process.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// migrate creates the schema_migrations table (if absent) and applies any
// migrations whose version number exceeds the current maximum.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Debug("applied migration", "version", v)
	}
	return nil
}

func (s *Store) loadUsers() error {
	rows, err := s.db.Query(
		`SELECT username, password_hash, user_type, created_at, COALESCE(last_login, '') FROM users`,
	)
	if err != nil {
		return fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var (
			u       User
			hexHash string
			t       int
		)
		if err := rows.Scan(&u.Username, &hexHash, &t, &u.CreatedAt, &u.LastLogin); err != nil {
			return fmt.Errorf("scan user: %w", err)
		}
		u.PasswordHash, err = hex.DecodeString(hexHash)
		if err != nil {
			slog.Warn("skipping user with corrupt password hash", "username", u.Username, "err", err)
			continue
		}
		u.Type = UserType(t)
		s.users[u.Username] = u
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate users: %w", err)
	}

	slog.Info("loaded users from database", "count", len(s.users))
	return nil
}

// Register creates a new credential. The username is the case-sensitive
// primary key; empty fields are rejected with ErrInvalidInput and an
// existing username with ErrUserExists.
func (s *Store) Register(username string, passwordHash []byte, userType UserType) error {
	if username == "" || len(passwordHash) == 0 {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[username]; exists {
		return ErrUserExists
	}

	u := User{
		Username:     username,
		PasswordHash: append([]byte(nil), passwordHash...),
		Type:         userType,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := s.db.Exec(
		`INSERT INTO users (username, password_hash, user_type, created_at) VALUES (?, ?, ?, ?)`,
		u.Username, hex.EncodeToString(u.PasswordHash), int(u.Type), u.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	s.users[username] = u

	slog.Info("user registered", "username", username, "type", u.Type.String())
	return nil
}

// Authenticate compares passwordHash byte-for-byte against the cached
// credential and records the login time on success. Unknown users and
// mismatched hashes are indistinguishable to the caller.
func (s *Store) Authenticate(username string, passwordHash []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok || !bytes.Equal(u.PasswordHash, passwordHash) {
		return ErrAuthFailed
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.db.Exec(
		`UPDATE users SET last_login = ? WHERE username = ?`, now, username,
	); err != nil {
		// The timestamp is advisory; the login itself still succeeds.
		slog.Warn("update last_login", "username", username, "err", err)
	}
	u.LastLogin = now
	s.users[username] = u
	return nil
}

// UserExists reports whether a credential with that exact username exists.
func (s *Store) UserExists(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[username]
	return ok
}

// User returns the credential for username.
func (s *Store) User(username string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	return u, ok
}

// Users returns all credentials sorted by username.
func (s *Store) Users() []User {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// UserCount returns the number of registered credentials.
func (s *Store) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// SetUserType changes a credential's privilege level on disk and in the
// cache.
func (s *Store) SetUserType(username string, userType UserType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return ErrUnknownUser
	}
	if _, err := s.db.Exec(
		`UPDATE users SET user_type = ? WHERE username = ?`, int(userType), username,
	); err != nil {
		return fmt.Errorf("update user type: %w", err)
	}
	u.Type = userType
	s.users[username] = u

	slog.Info("user type updated", "username", username, "type", userType.String())
	return nil
}

// CreateSession registers a live session for username under the hex
// encoding of token and returns that session id.
func (s *Store) CreateSession(username string, token []byte) string {
	id := hex.EncodeToString(token)

	s.mu.Lock()
	s.sessions[id] = session{username: username}
	s.mu.Unlock()

	slog.Debug("session created", "username", username, "session_id", shortID(id))
	return id
}

// SetSessionKey attaches the control-plane envelope key to a session.
func (s *Store) SetSessionKey(id string, key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	sess.key = append([]byte(nil), key...)
	s.sessions[id] = sess
}

// SessionKey returns the envelope key for a session.
func (s *Store) SessionKey(id string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || sess.key == nil {
		return nil, false
	}
	return sess.key, true
}

// ValidateSession reports whether a session id is live.
func (s *Store) ValidateSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

// SessionUsername returns the username a live session belongs to.
func (s *Store) SessionUsername(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return "", false
	}
	return sess.username, true
}

// SessionCount returns the number of live sessions.
func (s *Store) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// RemoveSession drops a session and its key.
func (s *Store) RemoveSession(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if ok {
		slog.Debug("session removed", "username", sess.username, "session_id", shortID(id))
	}
}

// Backup copies the database to destPath using SQLite's backup API through
// VACUUM INTO.
func (s *Store) Backup(destPath string) error {
	_, err := s.db.Exec(`VACUUM INTO ?`, destPath)
	return err
}

func shortID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:16] + "..."
}
