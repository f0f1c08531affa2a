package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a login failure. Every terminal failure of the login
// state machine carries exactly one kind.
type Kind string

const (
	KindCSRFFailure         Kind = "csrf_failure"
	KindInvalidIDToken      Kind = "invalid_id_token"
	KindLoginFlowValidation Kind = "login_flow_validation"
	KindBeforeLoginRejected Kind = "before_login_rejected"
	KindCouldNotCreateUser  Kind = "could_not_create_user"
	KindRegistrationClosed  Kind = "registration_not_enabled"
	KindEmailNotVerified    Kind = "email_not_verified"
)

// LoginError is the error type for every failure of the federated
// login flow. Code is a best-effort machine code (provider-reported
// error codes pass through it); Description is user-visible.
type LoginError struct {
	Kind        Kind
	Code        string
	Description string
	// Claims carries the rejected token claims on KindEmailNotVerified,
	// so the verification-resend flow can re-render them.
	Claims map[string]any
}

func (e *LoginError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Description)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

// NewCSRFFailure reports a missing or mismatched state/nonce value.
func NewCSRFFailure(description string) *LoginError {
	return &LoginError{Kind: KindCSRFFailure, Code: "invalid_state", Description: description}
}

// NewInvalidIDToken reports a signature or claims validation failure.
func NewInvalidIDToken(description string) *LoginError {
	return &LoginError{Kind: KindInvalidIDToken, Code: "invalid_id_token", Description: description}
}

// NewLoginFlowValidation reports exchange failures, missing tokens and
// provider-reported callback errors.
func NewLoginFlowValidation(code, description string) *LoginError {
	if code == "" {
		code = "login_flow_validation"
	}
	return &LoginError{Kind: KindLoginFlowValidation, Code: code, Description: description}
}

// NewBeforeLoginRejected reports a veto from a before-login hook.
func NewBeforeLoginRejected(description string) *LoginError {
	return &LoginError{Kind: KindBeforeLoginRejected, Code: "before_login_rejected", Description: description}
}

// NewCouldNotCreateUser reports a failed local account creation.
func NewCouldNotCreateUser(description string) *LoginError {
	return &LoginError{Kind: KindCouldNotCreateUser, Code: "could_not_create_user", Description: description}
}

// NewRegistrationNotEnabled reports that sign-ups are disabled and no
// existing account matched the external identity.
func NewRegistrationNotEnabled() *LoginError {
	return &LoginError{
		Kind:        KindRegistrationClosed,
		Code:        "registration_not_enabled",
		Description: "Could not create user. The registration process is not available. Please contact your site's administrator.",
	}
}

// NewEmailNotVerified reports an unverified email address. This is a
// distinct terminal state, not a hard failure: the caller routes it to
// the verification-resend flow.
func NewEmailNotVerified(claims map[string]any) *LoginError {
	return &LoginError{
		Kind:        KindEmailNotVerified,
		Code:        "unverified_email",
		Description: "This account does not have a verified email address.",
		Claims:      claims,
	}
}

// KindOf returns the kind of err when it is (or wraps) a LoginError,
// and "" otherwise.
func KindOf(err error) Kind {
	var le *LoginError
	if stderrors.As(err, &le) {
		return le.Kind
	}
	return ""
}

// IsKind reports whether err is a LoginError of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
