package domain

import "time"

// UserStatus defines the possible statuses of a local user account.
type UserStatus string

const (
	UserStatusActive UserStatus = "ACTIVE"
	UserStatusLocked UserStatus = "LOCKED"
)

// User represents a local user account. Accounts created through the
// federated login flow have no password; they can only sign in via the
// external identity provider.
type User struct {
	ID          string     `bson:"_id,omitempty"`
	Email       string     `bson:"email"`
	Name        string     `bson:"name,omitempty"`
	Nickname    string     `bson:"nickname,omitempty"`
	Picture     string     `bson:"picture,omitempty"`
	Description string     `bson:"description,omitempty"`
	Status      UserStatus `bson:"status"`
	CreatedAt   time.Time  `bson:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at"`
	LastLoginAt *time.Time `bson:"last_login_at,omitempty"`
}
