package idtoken

import (
	"context"
	"crypto/rsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier checks a raw token's signature and well-formedness. The
// accepted algorithm is fixed by the concrete type: a deployment
// constructs exactly one verifier from its configuration, so accepting
// a different algorithm than configured is structurally impossible
// rather than a runtime comparison.
type Verifier interface {
	// Algorithm names the single signing algorithm this verifier accepts.
	Algorithm() string
	parse(ctx context.Context, raw string) (jwt.MapClaims, error)
}

// HS256Verifier verifies tokens signed with the shared client secret.
type HS256Verifier struct {
	secret []byte
}

func NewHS256Verifier(clientSecret string) *HS256Verifier {
	return &HS256Verifier{secret: []byte(clientSecret)}
}

func (v *HS256Verifier) Algorithm() string { return "HS256" }

func (v *HS256Verifier) parse(_ context.Context, raw string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// KeyResolver resolves an RSA public key by key ID, typically from the
// provider's JWKS endpoint.
type KeyResolver interface {
	Key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// RS256Verifier verifies tokens against JWKS-derived public keys.
type RS256Verifier struct {
	keys KeyResolver
}

func NewRS256Verifier(keys KeyResolver) *RS256Verifier {
	return &RS256Verifier{keys: keys}
}

func (v *RS256Verifier) Algorithm() string { return "RS256" }

func (v *RS256Verifier) parse(ctx context.Context, raw string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("missing kid header")
		}
		return v.keys.Key(ctx, kid)
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}
