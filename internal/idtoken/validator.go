// Package idtoken verifies the signature and claims of ID tokens
// returned by the external identity provider.
package idtoken

import (
	"context"
	"fmt"
	"time"

	flowerr "go.pilab.hu/fedlogin/errors"
)

// NonceConsumer validates a token nonce against the single-use store.
type NonceConsumer interface {
	Consume(nonce string) bool
}

// Expectations are the per-deployment values an incoming token is
// checked against.
type Expectations struct {
	// Issuer is the exact expected iss value ("https://{domain}/").
	Issuer string
	// Audience must be a member of the token's aud set.
	Audience string
	// ValidateNonce enforces single-use nonce consumption (Implicit flow).
	ValidateNonce bool
	// Nonce, when set, is the cookie-bound value the token's nonce
	// claim must equal, on top of being consumable.
	Nonce string
	// MaxAge, when positive, bounds the age of the original
	// authentication via the auth_time claim.
	MaxAge time.Duration
}

// Validator decodes and validates ID tokens. It owns nothing durable;
// it is a pure function over (token, keys, expectations) plus the
// nonce store's consumption side effect.
type Validator struct {
	verifier Verifier
	nonces   NonceConsumer
	now      func() time.Time
}

func NewValidator(verifier Verifier, nonces NonceConsumer) *Validator {
	return &Validator{verifier: verifier, nonces: nonces, now: time.Now}
}

// Decode verifies the raw token and returns its claims. Checks run in
// a fixed order and fail fast on the first violation, so error
// messages are deterministic and leak as little as possible:
// signature, sub, iss, aud, azp, auth_time, nonce.
func (v *Validator) Decode(ctx context.Context, raw string, want Expectations) (*Claims, error) {
	mapClaims, err := v.verifier.parse(ctx, raw)
	if err != nil {
		return nil, flowerr.NewInvalidIDToken(fmt.Sprintf("signature verification failed: %v", err))
	}
	claims := claimsFromMap(mapClaims)

	if claims.Subject == "" {
		return nil, flowerr.NewInvalidIDToken("missing sub claim")
	}

	if claims.Issuer == "" || claims.Issuer != want.Issuer {
		return nil, flowerr.NewInvalidIDToken("invalid issuer")
	}

	if !contains(claims.Audience, want.Audience) {
		return nil, flowerr.NewInvalidIDToken("audience not recognized")
	}

	// With multiple audiences the token must name which of them it was
	// actually issued to.
	if len(claims.Audience) > 1 {
		if claims.AuthorizedParty == "" || !contains(claims.Audience, claims.AuthorizedParty) {
			return nil, flowerr.NewInvalidIDToken("authorized party not recognized")
		}
	}

	if want.MaxAge > 0 {
		if claims.AuthTime == nil {
			return nil, flowerr.NewInvalidIDToken("missing auth_time claim")
		}
		if !v.now().Before(claims.AuthTime.Add(want.MaxAge)) {
			return nil, flowerr.NewInvalidIDToken("authentication too old")
		}
	}

	if want.ValidateNonce {
		if claims.Nonce == "" || (want.Nonce != "" && claims.Nonce != want.Nonce) {
			return nil, flowerr.NewInvalidIDToken("invalid nonce")
		}
		if !v.nonces.Consume(claims.Nonce) {
			return nil, flowerr.NewInvalidIDToken("invalid nonce")
		}
	}

	return claims, nil
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
