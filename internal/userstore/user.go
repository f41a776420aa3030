package userstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrEmailTaken    = errors.New("userstore: email already registered")
	ErrNotFound      = errors.New("userstore: identity not found")
	ErrNotAnonymous  = errors.New("userstore: identity already registered")
	ErrInvalidEmail  = errors.New("userstore: invalid email")
	ErrMissingUserID = errors.New("userstore: identity id required")
)

// Identity is an authenticated principal. Anonymous identities have no email
// until they are upgraded.
type Identity struct {
	ID         string     `json:"id"`
	Email      string     `json:"email,omitempty"`
	Anonymous  bool       `json:"anonymous"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	UpgradedAt *time.Time `json:"upgraded_at,omitempty"`
}

// Store persists identities across SQLite/Postgres backends.
type Store interface {
	// Create inserts an identity. Creating an existing id is a no-op and
	// returns the stored identity.
	Create(ctx context.Context, id, email string, at time.Time) (*Identity, error)
	// Get returns nil, nil when the identity does not exist.
	Get(ctx context.Context, id string) (*Identity, error)
	FindByEmail(ctx context.Context, email string) (*Identity, error)
	// Upgrade attaches email to an anonymous identity.
	Upgrade(ctx context.Context, id, email string, at time.Time) (*Identity, error)
	// Delete removes an identity and, through the schema, its balance row and
	// audit trail. It reports whether a row was removed.
	Delete(ctx context.Context, id string) (bool, error)
	// ListStaleAnonymous returns anonymous identities created before cutoff.
	ListStaleAnonymous(ctx context.Context, cutoff time.Time, limit int) ([]Identity, error)
	// DeleteStaleAnonymous deletes the given ids that are still anonymous and
	// older than cutoff, returning the ids actually removed.
	DeleteStaleAnonymous(ctx context.Context, ids []string, cutoff time.Time) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// NormalizeEmail lowercases and trims email, rejecting obviously invalid input.
func NormalizeEmail(email string) (string, error) {
	e := strings.ToLower(strings.TrimSpace(email))
	at := strings.IndexByte(e, '@')
	if at <= 0 || at == len(e)-1 || strings.ContainsAny(e, " \t\r\n") {
		return "", ErrInvalidEmail
	}
	return e, nil
}
