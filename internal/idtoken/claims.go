package idtoken

import (
	"encoding/json"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is one entry of the provider's linked-identities claim.
type Identity struct {
	Provider   string `json:"provider"`
	UserID     string `json:"user_id"`
	Connection string `json:"connection"`
	IsSocial   bool   `json:"isSocial"`
}

// Subject returns the composite "provider|user_id" subject for this
// linked identity.
func (i Identity) Subject() string {
	return i.Provider + "|" + i.UserID
}

// Claims is the decoded, transient view of a validated ID token. It
// exists only for the duration of validation and reconciliation.
type Claims struct {
	Subject         string
	Issuer          string
	Audience        []string
	AuthorizedParty string
	Nonce           string
	AuthTime        *time.Time
	IssuedAt        *time.Time
	ExpiresAt       *time.Time

	Email         string
	EmailVerified bool
	Name          string
	Nickname      string
	Picture       string
	Headline      string
	Description   string
	Bio           string
	About         string

	Identities []Identity

	// Raw keeps the full claim set for profile sync and the
	// verification-resend flow.
	Raw map[string]any
}

// Strategy returns the provider strategy part of the subject
// ("auth0|abc123" -> "auth0").
func (c *Claims) Strategy() string {
	for i := 0; i < len(c.Subject); i++ {
		if c.Subject[i] == '|' {
			return c.Subject[:i]
		}
	}
	return c.Subject
}

// BestDescription picks the first non-empty description-like claim, in
// the fixed priority order headline, description, bio, about.
func (c *Claims) BestDescription() string {
	for _, v := range []string{c.Headline, c.Description, c.Bio, c.About} {
		if v != "" {
			return v
		}
	}
	return ""
}

func claimsFromMap(m jwt.MapClaims) *Claims {
	c := &Claims{
		Subject:         stringClaim(m, "sub"),
		Issuer:          stringClaim(m, "iss"),
		Audience:        audienceClaim(m),
		AuthorizedParty: stringClaim(m, "azp"),
		Nonce:           stringClaim(m, "nonce"),
		AuthTime:        timeClaim(m, "auth_time"),
		IssuedAt:        timeClaim(m, "iat"),
		ExpiresAt:       timeClaim(m, "exp"),
		Email:           stringClaim(m, "email"),
		EmailVerified:   boolClaim(m, "email_verified"),
		Name:            stringClaim(m, "name"),
		Nickname:        stringClaim(m, "nickname"),
		Picture:         stringClaim(m, "picture"),
		Headline:        stringClaim(m, "headline"),
		Description:     stringClaim(m, "description"),
		Bio:             stringClaim(m, "bio"),
		About:           stringClaim(m, "about"),
		Raw:             map[string]any(m),
	}
	c.Identities = identitiesClaim(m)
	return c
}

func stringClaim(m jwt.MapClaims, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// boolClaim tolerates providers emitting booleans as strings.
func boolClaim(m jwt.MapClaims, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	}
	return false
}

func timeClaim(m jwt.MapClaims, key string) *time.Time {
	var secs float64
	switch v := m[key].(type) {
	case float64:
		secs = v
	case int64:
		secs = float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil
		}
		secs = f
	default:
		return nil
	}
	t := time.Unix(int64(secs), 0)
	return &t
}

// audienceClaim accepts a single string or a list, per RFC 7519.
func audienceClaim(m jwt.MapClaims) []string {
	switch v := m["aud"].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		var out []string
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	}
	return nil
}

// identitiesClaim preserves the provider-supplied ordering: the
// resolver's first-match-wins rule depends on it.
func identitiesClaim(m jwt.MapClaims) []Identity {
	list, ok := m["identities"].([]any)
	if !ok {
		return nil
	}
	var out []Identity
	for _, e := range list {
		entry, ok := e.(map[string]any)
		if !ok {
			continue
		}
		ident := Identity{}
		if s, ok := entry["provider"].(string); ok {
			ident.Provider = s
		}
		if s, ok := entry["user_id"].(string); ok {
			ident.UserID = s
		}
		if s, ok := entry["connection"].(string); ok {
			ident.Connection = s
		}
		if b, ok := entry["isSocial"].(bool); ok {
			ident.IsSocial = b
		}
		if ident.Provider != "" && ident.UserID != "" {
			out = append(out, ident)
		}
	}
	return out
}
