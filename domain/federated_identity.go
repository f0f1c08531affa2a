package domain

import "time"

// FederatedIdentity links a local user account to an identity at the
// external provider. The subject is the provider-assigned stable
// identifier, usually composite like "auth0|abc123" or
// "google-oauth2|1057...".
//
// Invariants enforced at the storage layer: a subject maps to at most
// one local user, and a local user carries at most one active mapping.
// The login flow never deletes a mapping; removal is an explicit,
// separate administrative action.
type FederatedIdentity struct {
	ID          string         `bson:"_id,omitempty"`
	UserID      string         `bson:"user_id"`
	Subject     string         `bson:"subject"`
	Profile     map[string]any `bson:"profile,omitempty"` // last synced provider profile
	IDToken     string         `bson:"id_token,omitempty"`
	AccessToken string         `bson:"access_token,omitempty"`
	CreatedAt   time.Time      `bson:"created_at"`
	UpdatedAt   time.Time      `bson:"updated_at"`
}

// Strategy returns the provider strategy portion of a composite
// subject ("auth0|abc123" -> "auth0"). A subject without a separator
// is its own strategy.
func Strategy(subject string) string {
	for i := 0; i < len(subject); i++ {
		if subject[i] == '|' {
			return subject[:i]
		}
	}
	return subject
}
