package loginflow

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// StateEnvelope is the payload round-tripped through the provider's
// state parameter: base64 of JSON. The nonce inside is the single-use
// CSRF token; interim and redirect_to carry post-login intent.
type StateEnvelope struct {
	Interim    bool   `json:"interim"`
	Nonce      string `json:"nonce"`
	RedirectTo string `json:"redirect_to"`
}

// EncodeState serializes the envelope for the authorize request.
func EncodeState(env StateEnvelope) string {
	payload, _ := json.Marshal(env)
	return base64.RawURLEncoding.EncodeToString(payload)
}

// DecodeState parses a state parameter echoed back by the provider.
func DecodeState(state string) (*StateEnvelope, error) {
	payload, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return nil, fmt.Errorf("state is not valid base64: %w", err)
	}
	var env StateEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("state payload is not valid JSON: %w", err)
	}
	return &env, nil
}
