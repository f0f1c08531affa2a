//go:generate go run go.uber.org/mock/mockgen -source=$GOFILE -destination=mocks/mock_$GOFILE -package=mock_$GOPACKAGE
package domain

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by repositories when no document matches.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a unique index rejects an insert.
	// The federated-identity create path relies on this to keep account
	// creation race-free: the losing insert fails closed and retries a
	// lookup instead of producing a second account.
	ErrAlreadyExists = errors.New("already exists")
)

// UserRepository provides access to local user accounts.
type UserRepository interface {
	CreateUser(ctx context.Context, user *User) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateUser(ctx context.Context, user *User) error
	DeleteUser(ctx context.Context, id string) error
}

// FederatedIdentityRepository provides access to subject-to-user
// mappings. Create must be backed by a unique index on the subject.
type FederatedIdentityRepository interface {
	Create(ctx context.Context, identity *FederatedIdentity) error
	GetBySubject(ctx context.Context, subject string) (*FederatedIdentity, error)
	GetByUserID(ctx context.Context, userID string) (*FederatedIdentity, error)
	UpdateProfile(ctx context.Context, subject string, profile map[string]any) error
	Delete(ctx context.Context, id string) error
}

// SessionRepository provides access to local sessions.
type SessionRepository interface {
	StoreSession(ctx context.Context, session *Session) error
	GetSessionByID(ctx context.Context, id string) (*Session, error)
	RevokeSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context) error
}
