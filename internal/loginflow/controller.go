// Package loginflow orchestrates the federated login state machine:
// authorize URL construction, callback handling for the Authorization
// Code and Implicit flows, identity resolution and session
// establishment. Every callback runs to exactly one terminal Outcome
// within its request.
package loginflow

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"go.pilab.hu/fedlogin/config"
	"go.pilab.hu/fedlogin/domain"
	flowerr "go.pilab.hu/fedlogin/errors"
	"go.pilab.hu/fedlogin/internal/errorlog"
	"go.pilab.hu/fedlogin/internal/idtoken"
	"go.pilab.hu/fedlogin/internal/metrics"
	"go.pilab.hu/fedlogin/internal/profile"
	"go.pilab.hu/fedlogin/internal/statestore"
	"go.pilab.hu/fedlogin/log"
)

// Login-trigger actions that suppress auto-login.
const (
	ActionLogout   = "logout"
	ActionOverride = "override"
)

// Config carries the per-deployment login flow settings, copied out of
// the application configuration at construction.
type Config struct {
	Domain       string
	ClientID     string
	ClientSecret string
	Flow         config.FlowType
	Scope        string
	Connection   string
	RedirectURI  string

	DefaultRedirect string
	LoggedOutPath   string

	AutoLogin       bool
	SingleLogout    bool
	RememberSession bool

	// MaxAge, when positive, is passed to token validation as the
	// maximum accepted authentication age.
	MaxAge time.Duration

	ProviderTimeout time.Duration
}

// TokenValidator decodes and validates an incoming ID token.
type TokenValidator interface {
	Decode(ctx context.Context, raw string, want idtoken.Expectations) (*idtoken.Claims, error)
}

// IdentityResolver reconciles validated claims with the local account
// store.
type IdentityResolver interface {
	Resolve(ctx context.Context, claims *idtoken.Claims, rawIDToken, accessToken string) (*domain.User, bool, error)
}

// SessionManager establishes and revokes local sessions.
type SessionManager interface {
	Establish(ctx context.Context, userID string, remember bool, userAgent, ip string) (*domain.Session, error)
	Revoke(ctx context.Context, id string) error
}

// BeforeLoginHook runs after identity resolution and before session
// establishment; returning an error vetoes the login.
type BeforeLoginHook func(ctx context.Context, user *domain.User, claims *idtoken.Claims) error

// Listener receives terminal-success notifications.
type Listener interface {
	SessionEstablished(ctx context.Context, user *domain.User, session *domain.Session, newUser bool)
	LoginCompleted(ctx context.Context, user *domain.User, newUser bool)
}

// AuthorizeRedirect is the result of building an authorize request:
// the provider URL to redirect to, plus the values the HTTP layer must
// bind to cookies before redirecting.
type AuthorizeRedirect struct {
	URL   string
	State string // bind to the state cookie
	Nonce string // bind to the nonce cookie; set only for the Implicit flow
}

// Controller owns the authorize-request and callback lifecycle.
type Controller struct {
	cfg         Config
	states      *statestore.Store
	validator   TokenValidator
	resolver    IdentityResolver
	sessions    SessionManager
	profiles    profile.Fetcher // nil disables the Management API fetch
	reporter    errorlog.Reporter
	logger      log.Logger
	beforeLogin []BeforeLoginHook
	listeners   []Listener

	oauth      *oauth2.Config
	httpClient *http.Client
}

func NewController(
	cfg Config,
	states *statestore.Store,
	validator TokenValidator,
	resolver IdentityResolver,
	sessions SessionManager,
	profiles profile.Fetcher,
	reporter errorlog.Reporter,
	logger log.Logger,
) *Controller {
	if cfg.Scope == "" {
		cfg.Scope = "openid profile email"
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}
	return &Controller{
		cfg:       cfg,
		states:    states,
		validator: validator,
		resolver:  resolver,
		sessions:  sessions,
		profiles:  profiles,
		reporter:  reporter,
		logger:    logger,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:  fmt.Sprintf("https://%s/authorize", cfg.Domain),
				TokenURL: fmt.Sprintf("https://%s/oauth/token", cfg.Domain),
			},
		},
		httpClient: &http.Client{Timeout: cfg.ProviderTimeout},
	}
}

// OnBeforeLogin appends a before-login hook. Hooks run in registration
// order and any veto aborts the flow.
func (c *Controller) OnBeforeLogin(hooks ...BeforeLoginHook) {
	c.beforeLogin = append(c.beforeLogin, hooks...)
}

// AddListener registers a terminal-success listener.
func (c *Controller) AddListener(l Listener) {
	c.listeners = append(c.listeners, l)
}

// DefaultRedirect returns the configured post-login fallback
// destination.
func (c *Controller) DefaultRedirect() string {
	return c.cfg.DefaultRedirect
}

// UsesFormPost reports whether the callback arrives as a cross-site
// POST from the provider's origin. The HTTP layer must bind the
// state and nonce cookies with a cross-site policy in that case or
// the browser will withhold them from the callback request.
func (c *Controller) UsesFormPost() bool {
	return c.cfg.Flow == config.FlowImplicit
}

// ShouldAutoLogin reports whether an unauthenticated page view should
// be redirected straight into the authorize flow.
func (c *Controller) ShouldAutoLogin(hasSession bool, action string) bool {
	return c.cfg.AutoLogin && !hasSession && action != ActionLogout && action != ActionOverride
}

// BuildAuthorize creates one authorize attempt: it issues the
// single-use state nonce (and, for the Implicit flow, the token
// nonce), wraps the post-login intent into the state envelope and
// returns the provider URL. The process ends here awaiting callback.
func (c *Controller) BuildAuthorize(ctx context.Context, interim bool, redirectTo string) (*AuthorizeRedirect, error) {
	stateNonce, err := c.states.Issue(ctx)
	if err != nil {
		return nil, err
	}
	if redirectTo == "" {
		redirectTo = c.cfg.DefaultRedirect
	}
	state := EncodeState(StateEnvelope{
		Interim:    interim,
		Nonce:      stateNonce,
		RedirectTo: redirectTo,
	})

	params := url.Values{}
	params.Set("client_id", c.cfg.ClientID)
	params.Set("scope", c.cfg.Scope)
	params.Set("redirect_uri", c.cfg.RedirectURI)
	params.Set("state", state)
	if c.cfg.Connection != "" {
		params.Set("connection", c.cfg.Connection)
	}

	var tokenNonce string
	switch c.cfg.Flow {
	case config.FlowImplicit:
		tokenNonce, err = c.states.Issue(ctx)
		if err != nil {
			return nil, err
		}
		params.Set("response_type", "id_token")
		params.Set("response_mode", "form_post")
		params.Set("nonce", tokenNonce)
	default:
		params.Set("response_type", "code")
		params.Set("response_mode", "query")
	}

	return &AuthorizeRedirect{
		URL:   fmt.Sprintf("https://%s/authorize?%s", c.cfg.Domain, params.Encode()),
		State: stateNonce,
		Nonce: tokenNonce,
	}, nil
}

// HandleCallback runs the callback state machine to a terminal
// Outcome. It never retries; an aborted attempt requires the user to
// re-initiate login.
func (c *Controller) HandleCallback(ctx context.Context, cb Callback) Outcome {
	// A provider-reported error short-circuits everything, including
	// state validation.
	if errCode := cb.param("error"); errCode != "" {
		desc := cb.param("error_description")
		if desc == "" {
			desc = errCode
		}
		return c.abort(ctx, "callback", flowerr.NewLoginFlowValidation(errCode, desc))
	}

	// Duplicate callback for an already-established session: idempotent
	// no-op, do not reprocess.
	if cb.SessionID != "" {
		return Outcome{Kind: OutcomeRedirect, RedirectTo: c.cfg.DefaultRedirect}
	}

	env, err := c.validateState(cb)
	if err != nil {
		return c.abort(ctx, "state_validation", err)
	}

	var (
		claims      *idtoken.Claims
		rawIDToken  string
		accessToken string
	)
	switch c.cfg.Flow {
	case config.FlowImplicit:
		claims, rawIDToken, err = c.implicitDecode(ctx, cb)
	default:
		claims, rawIDToken, accessToken, err = c.codeExchange(ctx, cb)
	}
	if err != nil {
		return c.abort(ctx, "token_validation", err)
	}

	user, newUser, err := c.resolver.Resolve(ctx, claims, rawIDToken, accessToken)
	if err != nil {
		if flowerr.IsKind(err, flowerr.KindEmailNotVerified) {
			le := err.(*flowerr.LoginError)
			c.logger.Info(ctx, "login requires email verification",
				map[string]any{"subject": claims.Subject})
			return Outcome{
				Kind:   OutcomeVerifyEmail,
				Reason: le.Description,
				Code:   le.Code,
				Claims: le.Claims,
			}
		}
		return c.abort(ctx, "identity_resolution", err)
	}

	for _, hook := range c.beforeLogin {
		if hookErr := hook(ctx, user, claims); hookErr != nil {
			return c.abort(ctx, "before_login",
				flowerr.NewBeforeLoginRejected(hookErr.Error()))
		}
	}

	session, err := c.sessions.Establish(ctx, user.ID, c.cfg.RememberSession, cb.UserAgent, cb.IPAddress)
	if err != nil {
		return c.abort(ctx, "session_establishment",
			flowerr.NewLoginFlowValidation("session_error", "Could not establish a session."))
	}

	for _, l := range c.listeners {
		l.SessionEstablished(ctx, user, session, newUser)
		l.LoginCompleted(ctx, user, newUser)
	}
	metrics.IncLoginSuccess()
	if newUser {
		metrics.IncUsersCreated()
	}
	c.logger.Info(ctx, "federated login completed",
		map[string]any{"user_id": user.ID, "new_user": newUser})

	out := Outcome{
		Kind:       OutcomeRedirect,
		RedirectTo: env.RedirectTo,
		Session:    session,
		User:       user,
		NewUser:    newUser,
	}
	if out.RedirectTo == "" {
		out.RedirectTo = c.cfg.DefaultRedirect
	}
	if env.Interim {
		out.Kind = OutcomeInterim
	}
	return out
}

// validateState checks the callback state against the cookie-bound
// value and consumes the single-use nonce embedded in the envelope.
// Any failure is fatal before any token exchange happens.
func (c *Controller) validateState(cb Callback) (*StateEnvelope, error) {
	state := cb.param("state")
	if state == "" || cb.StateCookie == "" {
		return nil, flowerr.NewCSRFFailure("Invalid state")
	}
	env, err := DecodeState(state)
	if err != nil {
		return nil, flowerr.NewCSRFFailure("Invalid state")
	}
	if env.Nonce == "" || env.Nonce != cb.StateCookie {
		return nil, flowerr.NewCSRFFailure("Invalid state")
	}
	if !c.states.Consume(env.Nonce) {
		return nil, flowerr.NewCSRFFailure("Invalid state")
	}
	return env, nil
}

// codeExchange trades the authorization code for tokens at the
// provider's token endpoint and validates the returned ID token. The
// nonce is not enforced in this flow. The richer Management API
// profile is fetched when configured, falling back to sanitized token
// claims.
func (c *Controller) codeExchange(ctx context.Context, cb Callback) (*idtoken.Claims, string, string, error) {
	code := cb.Query.Get("code")
	if code == "" {
		return nil, "", "", flowerr.NewLoginFlowValidation("missing_code",
			"No authorization code was received from the identity provider.")
	}

	octx, cancel := context.WithTimeout(
		context.WithValue(ctx, oauth2.HTTPClient, c.httpClient), c.cfg.ProviderTimeout)
	defer cancel()
	token, err := c.oauth.Exchange(octx, code)
	if err != nil {
		return nil, "", "", flowerr.NewLoginFlowValidation("exchange_failed",
			"The authorization code could not be exchanged for tokens.")
	}

	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, "", "", flowerr.NewLoginFlowValidation("missing_id_token",
			"The token response did not include an ID token.")
	}

	claims, err := c.validator.Decode(ctx, rawIDToken, idtoken.Expectations{
		Issuer:        fmt.Sprintf("https://%s/", c.cfg.Domain),
		Audience:      c.cfg.ClientID,
		ValidateNonce: false,
		MaxAge:        c.cfg.MaxAge,
	})
	if err != nil {
		return nil, "", "", err
	}

	c.applyProfile(ctx, claims)
	return claims, rawIDToken, token.AccessToken, nil
}

// implicitDecode reads the token from the POSTed form body (never the
// query string) and validates it with nonce enforcement. The nonce
// check is double-submit: the token's nonce claim must equal the
// cookie bound at authorize time and must still be consumable from the
// single-use store.
func (c *Controller) implicitDecode(ctx context.Context, cb Callback) (*idtoken.Claims, string, error) {
	rawIDToken := cb.Form.Get("id_token")
	if rawIDToken == "" {
		rawIDToken = cb.Form.Get("token")
	}
	if rawIDToken == "" {
		return nil, "", flowerr.NewLoginFlowValidation("missing_id_token",
			"No ID token was received in the callback body.")
	}
	if cb.NonceCookie == "" {
		return nil, "", flowerr.NewCSRFFailure("Invalid nonce")
	}

	claims, err := c.validator.Decode(ctx, rawIDToken, idtoken.Expectations{
		Issuer:        fmt.Sprintf("https://%s/", c.cfg.Domain),
		Audience:      c.cfg.ClientID,
		ValidateNonce: true,
		Nonce:         cb.NonceCookie,
		MaxAge:        c.cfg.MaxAge,
	})
	if err != nil {
		return nil, "", err
	}

	claims.Raw = sanitizedProfileClaims(claims.Raw)
	return claims, rawIDToken, nil
}

// applyProfile swaps the token claims blob for the richer Management
// API profile when one can be fetched, and falls back to sanitized
// token claims otherwise. Profile fetch failures never fail the login.
func (c *Controller) applyProfile(ctx context.Context, claims *idtoken.Claims) {
	if c.profiles != nil {
		pctx, cancel := context.WithTimeout(ctx, c.cfg.ProviderTimeout)
		defer cancel()
		p, err := c.profiles.UserBySubject(pctx, claims.Subject)
		if err != nil {
			c.logger.Warn(ctx, "profile fetch failed, falling back to token claims",
				map[string]any{"subject": claims.Subject, "error": err.Error()})
		} else if p != nil {
			mergeProfile(claims, p)
			return
		}
	}
	claims.Raw = sanitizedProfileClaims(claims.Raw)
}

// mergeProfile overlays profile fields onto the claims used for
// reconciliation and stores the profile as the sync blob.
func mergeProfile(claims *idtoken.Claims, p map[string]any) {
	set := func(dst *string, key string) {
		if v, ok := p[key].(string); ok && v != "" {
			*dst = v
		}
	}
	set(&claims.Email, "email")
	set(&claims.Name, "name")
	set(&claims.Nickname, "nickname")
	set(&claims.Picture, "picture")
	set(&claims.Headline, "headline")
	set(&claims.Description, "description")
	set(&claims.Bio, "bio")
	set(&claims.About, "about")
	if v, ok := p["email_verified"].(bool); ok {
		claims.EmailVerified = v
	}
	claims.Raw = p
}

// abort is the single terminal-failure path: failure metrics,
// operational error report, Aborted outcome. The HTTP layer clears the
// state and nonce cookies before rendering. No session is ever revoked
// here: an established session short-circuits the flow before any
// abort point can be reached, and every abort happens before session
// establishment, so the only session abort could ever see is a
// pre-existing one that an attacker-crafted error callback must not be
// able to destroy.
func (c *Controller) abort(ctx context.Context, stage string, err error) Outcome {
	reason := "Login failed."
	code := "login_failed"
	kind := flowerr.KindLoginFlowValidation
	if le, ok := err.(*flowerr.LoginError); ok {
		reason = le.Description
		code = le.Code
		kind = le.Kind
	}
	metrics.IncLoginFailure(string(kind))
	c.reporter.Report(ctx, stage, err, map[string]any{"flow": string(c.cfg.Flow)})

	return Outcome{Kind: OutcomeAborted, Reason: reason, Code: code}
}

// LogoutURL returns the provider's single-logout URL, or "" when
// single logout is not configured and a local-only logout suffices.
func (c *Controller) LogoutURL(returnTo string) string {
	if !c.cfg.SingleLogout {
		return ""
	}
	params := url.Values{}
	params.Set("client_id", c.cfg.ClientID)
	params.Set("returnTo", returnTo)
	return fmt.Sprintf("https://%s/v2/logout?%s", c.cfg.Domain, params.Encode())
}

// PostLogoutReturnTo picks the local destination after logout. With
// auto-login enabled it must be a neutral page, otherwise the next
// page view would immediately re-trigger login.
func (c *Controller) PostLogoutReturnTo() string {
	if c.cfg.AutoLogin && c.cfg.LoggedOutPath != "" {
		return c.cfg.LoggedOutPath
	}
	return c.cfg.DefaultRedirect
}
