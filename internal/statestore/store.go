// Package statestore issues and validates the single-use CSRF tokens
// (state and nonce) round-tripped through the authorize/callback cycle.
package statestore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DefaultTTL bounds the authorize-to-callback round trip.
const DefaultTTL = 10 * time.Minute

// Store holds issued tokens until they are consumed or expire.
// Consumption is exactly-once: validating the same value twice
// succeeds at most once, even under concurrent callbacks.
type Store struct {
	tokens *ttlcache.Cache[string, time.Time]
	ttl    time.Duration
}

// New creates a Store whose tokens expire after ttl.
func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, time.Time](ttl),
		ttlcache.WithDisableTouchOnHit[string, time.Time](),
	)
	go cache.Start()

	return &Store{tokens: cache, ttl: ttl}
}

// Stop shuts down the expiration goroutine. Call on server shutdown.
func (s *Store) Stop() {
	s.tokens.Stop()
}

// Issue generates a cryptographically random, URL-safe token and
// registers it for later consumption.
func (s *Store) Issue(_ context.Context) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	s.tokens.Set(token, time.Now(), ttlcache.DefaultTTL)
	return token, nil
}

// Consume atomically validates and invalidates a token. It returns
// true exactly once per issued value; replayed or unknown values fail.
func (s *Store) Consume(token string) bool {
	if token == "" {
		return false
	}
	item, present := s.tokens.GetAndDelete(token)
	return present && item != nil
}
