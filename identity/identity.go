// Package identity exposes the account boundary this service consumes: token
// verification for realtime sessions and the subscriber list for go-live
// notifications. Account lifecycle itself (registration, verification mail,
// password policy) lives in the account service; we only read its tables.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Identity is the verified principal attached to a realtime session.
type Identity struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
}

// ErrInvalidToken is returned when a token is missing, unknown, or expired.
var ErrInvalidToken = errors.New("invalid or expired session token")

// Store reads identities and subscriptions from Postgres.
type Store struct {
	db *sql.DB
}

// NewStore returns a Store over db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Verify resolves a bearer token to an identity. Expired sessions fail the
// same way missing ones do.
func (s *Store) Verify(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	var id Identity
	err := s.db.QueryRowContext(ctx,
		`SELECT u.id, u.nickname FROM sessions s JOIN users u ON u.id = s.user_id
		 WHERE s.token = $1 AND s.expires_at > NOW()`, token).Scan(&id.ID, &id.Nickname)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, ErrInvalidToken
	}
	if err != nil {
		return Identity{}, fmt.Errorf("verify session token: %w", err)
	}
	return id, nil
}

// SubscribedVerifiedEmails lists deliverable addresses for the go-live batch:
// subscribed accounts whose email passed verification.
func (s *Store) SubscribedVerifiedEmails(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT email FROM users WHERE subscribed AND email_verified ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("list subscribed emails: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scan subscriber email: %w", err)
		}
		out = append(out, email)
	}
	return out, rows.Err()
}

// DeleteSessions removes every session for userID. The caller is expected to
// kick the user's live connections as well.
func (s *Store) DeleteSessions(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete sessions for %s: %w", userID, err)
	}
	return nil
}
