package domain

import "time"

// Session represents an active local session established after a
// successful federated login. Stored in MongoDB, with a cache layer
// (Redis or in-memory) in front for per-request lookups.
type Session struct {
	ID        string    `bson:"_id,omitempty"`
	UserID    string    `bson:"user_id"`
	UserAgent string    `bson:"user_agent,omitempty"`
	IPAddress string    `bson:"ip_address,omitempty"`
	Remember  bool      `bson:"remember,omitempty"`
	ExpiresAt time.Time `bson:"expires_at"`
	CreatedAt time.Time `bson:"created_at"`
	IsRevoked bool      `bson:"is_revoked,omitempty"`
}

// Valid reports whether the session can still authenticate requests.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && !s.IsRevoked && now.Before(s.ExpiresAt)
}
