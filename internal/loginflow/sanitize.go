package loginflow

// sanitizedProfileClaims strips the transport-level JWT claims from a
// decoded token so the remainder can stand in for a provider profile
// when the Management API is unavailable. sub and user_id are
// cross-aliased because downstream consumers use either name.
func sanitizedProfileClaims(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	for _, k := range []string{"iss", "aud", "iat", "exp", "nonce"} {
		delete(out, k)
	}
	if sub, ok := out["sub"].(string); ok {
		if _, exists := out["user_id"]; !exists {
			out["user_id"] = sub
		}
	}
	if uid, ok := out["user_id"].(string); ok {
		if _, exists := out["sub"]; !exists {
			out["sub"] = uid
		}
	}
	return out
}
