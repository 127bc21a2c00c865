// Package auth implements the password-login authenticator (spec
// component H): a sqlite3-backed username/password store checked with
// bcrypt, generalized from the reference corpus's single-table design.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"github.com/flowmq/broker/internal/brokererr"
	"github.com/flowmq/broker/internal/mqttpkt"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	username TEXT PRIMARY KEY,
	secret   TEXT NOT NULL
);`

// Store is a sql.DB-backed password store. It implements
// handler.Authenticator.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite3 database at dsn and
// ensures its schema exists.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open auth database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create auth schema: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an already-open database handle, for callers that manage
// their own sql.DB lifecycle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

// SetPassword hashes and stores a user's password, creating or
// replacing the row.
func (s *Store) SetPassword(ctx context.Context, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO users (username, secret) VALUES (?, ?) ON CONFLICT(username) DO UPDATE SET secret = excluded.secret",
		username, string(hash))
	return err
}

// Authenticate validates a CONNECT packet's login against the store.
// A nil login is only valid when anonymous access is permitted by the
// caller (the handler decides that, not this package).
func (s *Store) Authenticate(ctx context.Context, login *mqttpkt.Login) error {
	if login == nil || login.Username == "" {
		return brokererr.Wrap("authenticate", brokererr.ErrAuthFailure)
	}

	var hash string
	err := s.db.QueryRowContext(ctx, "SELECT secret FROM users WHERE username = ?", login.Username).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return brokererr.Wrap("authenticate: unknown user", brokererr.ErrAuthFailure)
		}
		return brokererr.Wrap("authenticate: query", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(login.Password)) != nil {
		return brokererr.Wrap("authenticate: bad password", brokererr.ErrAuthFailure)
	}
	return nil
}
