// Package jwks fetches and caches the provider's published signing
// keys for RS256 ID token verification.
package jwks

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"
)

const DefaultCacheTTL = 10 * time.Minute

type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

type jwksKey struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// Client resolves RSA public keys by kid from the provider's
// /.well-known/jwks.json document. Parsed keys are cached process-wide
// with a configurable TTL; concurrent refreshes on a cache miss are
// coalesced through singleflight.
type Client struct {
	url    string
	client *http.Client
	keys   *ttlcache.Cache[string, *rsa.PublicKey]
	group  singleflight.Group
}

// NewClient builds a client for the given auth domain
// ("tenant.example.auth0.com").
func NewClient(domain string, cacheTTL, timeout time.Duration) *Client {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *rsa.PublicKey](cacheTTL),
		ttlcache.WithDisableTouchOnHit[string, *rsa.PublicKey](),
	)
	go cache.Start()

	return &Client{
		url:    fmt.Sprintf("https://%s/.well-known/jwks.json", domain),
		client: &http.Client{Timeout: timeout},
		keys:   cache,
	}
}

// Stop shuts down the cache's expiration goroutine.
func (c *Client) Stop() {
	c.keys.Stop()
}

// Key returns the public key for kid, fetching the key set on a miss.
func (c *Client) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if item := c.keys.Get(kid); item != nil {
		return item.Value(), nil
	}

	_, err, _ := c.group.Do("refresh", func() (any, error) {
		return nil, c.refresh(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch key set: %w", err)
	}

	if item := c.keys.Get(kid); item != nil {
		return item.Value(), nil
	}
	return nil, fmt.Errorf("no key with kid %q in key set", kid)
}

func (c *Client) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, c.url)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("failed to decode key set: %w", err)
	}

	for _, key := range doc.Keys {
		if key.Kty != "RSA" || key.Kid == "" {
			continue
		}
		pub, err := key.publicKey()
		if err != nil {
			continue
		}
		c.keys.Set(key.Kid, pub, ttlcache.DefaultTTL)
	}
	return nil
}

func (k jwksKey) publicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent: %w", err)
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e <= 0 {
		return nil, fmt.Errorf("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}
