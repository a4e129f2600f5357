package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mailstack/mailstack/internal/auth"
	"github.com/mailstack/mailstack/internal/consts"
)

// User mirrors spec.md's User entity.
type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
	LastLoginAt  *time.Time
}

// CreateUser inserts a new account with an already-hashed password.
func (s *Store) CreateUser(ctx context.Context, username, email, passwordHash string) (int64, error) {
	var id int64
	row := s.TimedQueryRow(ctx, "create_user",
		`INSERT INTO users (username, email, password_hash) VALUES ($1, $2, $3) RETURNING id`,
		username, email, passwordHash)
	if err := row.Scan(&id); err != nil {
		return 0, classifyPgError(fmt.Errorf("store: failed to create user: %w", err))
	}
	return id, nil
}

// GetCredentials implements auth.Lookup: resolves a username or email to
// its bcrypt hash and optional reversible APOP secret.
func (s *Store) GetCredentials(address string) (auth.Credentials, error) {
	var c auth.Credentials
	var apopSecret *string
	row := s.TimedQueryRow(context.Background(), "get_credentials",
		`SELECT id, email, password_hash, apop_secret FROM users
		 WHERE (username = $1 OR email = $1) AND is_active`, address)
	if err := row.Scan(&c.AccountID, &c.Address, &c.Bcrypt, &apopSecret); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return auth.Credentials{}, consts.ErrUserNotFound
		}
		return auth.Credentials{}, fmt.Errorf("store: failed to fetch credentials: %w", err)
	}
	if apopSecret != nil {
		c.APOPSecret = *apopSecret
	}
	return c, nil
}

// ResolveLocalAccount maps a RCPT TO forward-path address to the account id
// of the local mailbox it addresses, or consts.ErrUserNotFound if no active
// account owns it. This is the delivery-time counterpart to the source's
// list_emails user_email filter: instead of matching to_addrs against a
// mailbox on every retrieval, SSE resolves the owner once at commit time and
// stores it directly on the InboxRecord.
func (s *Store) ResolveLocalAccount(ctx context.Context, address string) (int64, error) {
	var id int64
	row := s.TimedQueryRow(ctx, "resolve_local_account",
		`SELECT id FROM users WHERE (username = $1 OR email = $1) AND is_active`, address)
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, consts.ErrUserNotFound
		}
		return 0, fmt.Errorf("store: failed to resolve local account: %w", err)
	}
	return id, nil
}

// SetAPOPSecret opts an account into APOP support by storing a reversible
// secret alongside its bcrypt login hash. Passing an empty string opts out.
func (s *Store) SetAPOPSecret(ctx context.Context, accountID int64, secret string) error {
	var arg interface{}
	if secret != "" {
		arg = secret
	}
	_, err := s.TimedExec(ctx, "set_apop_secret",
		`UPDATE users SET apop_secret = $1 WHERE id = $2`, arg, accountID)
	if err != nil {
		return fmt.Errorf("store: failed to set apop secret: %w", err)
	}
	return nil
}

// RecordLogin stamps last_login_at for the given account.
func (s *Store) RecordLogin(ctx context.Context, accountID int64) error {
	_, err := s.TimedExec(ctx, "record_login",
		`UPDATE users SET last_login_at = now() WHERE id = $1`, accountID)
	if err != nil {
		return fmt.Errorf("store: failed to record login: %w", err)
	}
	return nil
}
