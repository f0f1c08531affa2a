// Package profile fetches the richer user profile from the provider's
// Management API. It is a narrow collaborator: the login flow only
// needs "user by subject", and treats any failure as a signal to fall
// back to sanitized ID token claims.
package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Fetcher is the contract the login flow consumes.
type Fetcher interface {
	// UserBySubject returns the provider's profile for sub, or nil when
	// the provider has nothing usable.
	UserBySubject(ctx context.Context, sub string) (map[string]any, error)
}

// VerificationSender asks the provider to re-send the address
// verification email for a subject.
type VerificationSender interface {
	SendVerificationEmail(ctx context.Context, sub string) error
}

// Client implements Fetcher against the Management API, using a
// server-to-server client-credentials token. The token source caches
// the credential until expiry.
type Client struct {
	baseURL string
	source  oauth2.TokenSource
	client  *http.Client
}

// NewClient builds a Management API client for the given auth domain.
// clientID/clientSecret are the machine-to-machine credentials, not
// the login application's.
func NewClient(domain, clientID, clientSecret, audience string, timeout time.Duration) *Client {
	httpClient := &http.Client{Timeout: timeout}

	conf := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     fmt.Sprintf("https://%s/oauth/token", domain),
		EndpointParams: url.Values{
			"audience": {audience},
		},
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)

	return &Client{
		baseURL: fmt.Sprintf("https://%s/api/v2", domain),
		source:  conf.TokenSource(ctx),
		client:  httpClient,
	}
}

func (c *Client) UserBySubject(ctx context.Context, sub string) (map[string]any, error) {
	token, err := c.source.Token()
	if err != nil {
		return nil, fmt.Errorf("management credential exchange failed: %w", err)
	}

	endpoint := fmt.Sprintf("%s/users/%s", c.baseURL, url.PathEscape(sub))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	token.SetAuthHeader(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("profile fetch returned status %d", resp.StatusCode)
	}

	var profile map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return profile, nil
}

// SendVerificationEmail queues a verification email job for sub.
func (c *Client) SendVerificationEmail(ctx context.Context, sub string) error {
	token, err := c.source.Token()
	if err != nil {
		return fmt.Errorf("management credential exchange failed: %w", err)
	}

	body, err := json.Marshal(map[string]string{"user_id": sub})
	if err != nil {
		return err
	}
	endpoint := c.baseURL + "/jobs/verification-email"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	token.SetAuthHeader(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("verification email request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("verification email request returned status %d", resp.StatusCode)
	}
	return nil
}
