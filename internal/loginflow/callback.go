package loginflow

import (
	"net/url"

	"go.pilab.hu/fedlogin/domain"
)

// Callback is the immutable view of an incoming provider callback:
// query parameters, form body, cookie-bound values and the current
// session, captured once at the HTTP boundary. The state machine never
// reads request state ambiently.
type Callback struct {
	Query       url.Values
	Form        url.Values
	StateCookie string
	// NonceCookie is the token nonce bound at authorize time; the
	// Implicit flow requires the token's nonce claim to match it.
	NonceCookie string
	// SessionID is the already-established local session, "" if none.
	SessionID string
	UserAgent string
	IPAddress string
}

// param reads a callback parameter, preferring the POSTed form body
// over the query string.
func (cb Callback) param(name string) string {
	if v := cb.Form.Get(name); v != "" {
		return v
	}
	return cb.Query.Get(name)
}

// OutcomeKind enumerates the terminal states of a callback run.
type OutcomeKind int

const (
	// OutcomeRedirect is terminal success: session established (or
	// already present), redirect to the post-login destination.
	OutcomeRedirect OutcomeKind = iota
	// OutcomeInterim is terminal success for popup/silent flows: render
	// a confirmation view instead of redirecting.
	OutcomeInterim
	// OutcomeVerifyEmail is the distinct non-error terminal for an
	// unverified email address; it must offer a resend action.
	OutcomeVerifyEmail
	// OutcomeAborted is terminal failure ("die on login"): cookies are
	// cleared, a reason and best-effort code are shown, and the user
	// must re-initiate.
	OutcomeAborted
)

// Outcome is the result of one full state machine run. Exactly one run
// happens per callback request; there are no retries and no partial
// outcomes.
type Outcome struct {
	Kind       OutcomeKind
	RedirectTo string
	Session    *domain.Session
	User       *domain.User
	NewUser    bool
	// Reason and Code describe Aborted and VerifyEmail outcomes.
	Reason string
	Code   string
	// Claims carries the rejected claims for the verification-resend
	// flow on OutcomeVerifyEmail.
	Claims map[string]any
}
