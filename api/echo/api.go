// Package echo exposes the federated login flow over HTTP. Handlers
// stay thin: they translate requests into loginflow.Callback values,
// run the controller, and translate the terminal Outcome back into
// cookies, redirects and views.
package echo

import (
	"bytes"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"go.pilab.hu/fedlogin/internal/loginflow"
	"go.pilab.hu/fedlogin/internal/profile"
	"go.pilab.hu/fedlogin/internal/statestore"
	"go.pilab.hu/fedlogin/log"
	"go.pilab.hu/fedlogin/middleware"
	"go.pilab.hu/fedlogin/services"
)

// Route paths for the login surface.
const (
	LoginPath     = "/auth/login"
	CallbackPath  = "/auth/callback"
	LogoutPath    = "/auth/logout"
	LoggedOutPath = "/auth/loggedout"
	ResendPath    = "/auth/verification/resend"
)

// Config carries the HTTP-layer settings for the login API.
type Config struct {
	// PublicURL is the externally visible base URL, used to build the
	// absolute returnTo for provider-side logout.
	PublicURL     string
	StateTTL      time.Duration
	SecureCookies bool
}

// LoginAPI holds the login surface dependencies.
type LoginAPI struct {
	cfg      Config
	flow     *loginflow.Controller
	sessions *services.SessionService
	verifier profile.VerificationSender // nil disables the resend action
	logger   log.Logger
}

func NewLoginAPI(
	cfg Config,
	flow *loginflow.Controller,
	sessions *services.SessionService,
	verifier profile.VerificationSender,
	logger log.Logger,
) *LoginAPI {
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 10 * time.Minute
	}
	return &LoginAPI{
		cfg:      cfg,
		flow:     flow,
		sessions: sessions,
		verifier: verifier,
		logger:   logger,
	}
}

// RegisterRoutes registers the login flow routes.
func (a *LoginAPI) RegisterRoutes(e *echo.Echo) {
	e.GET(LoginPath, a.LoginHandler)
	e.GET(CallbackPath, a.CallbackHandler)
	// The Implicit flow delivers the token via response_mode=form_post.
	e.POST(CallbackPath, a.CallbackHandler)
	e.GET(LogoutPath, a.LogoutHandler)
	e.POST(LogoutPath, a.LogoutHandler)
	e.GET(LoggedOutPath, a.LoggedOutHandler)
	e.POST(ResendPath, a.ResendVerificationHandler)
}

// LoginHandler starts an authorize attempt. An already-authenticated
// browser is sent straight to its destination instead of back to the
// provider, unless it explicitly asks to re-authenticate.
func (a *LoginAPI) LoginHandler(c echo.Context) error {
	redirectTo := c.QueryParam("redirect_to")
	interim := c.QueryParam("interim") == "true"

	if middleware.CurrentSession(c) != nil && c.QueryParam("action") != loginflow.ActionOverride {
		if redirectTo == "" {
			redirectTo = a.flow.DefaultRedirect()
		}
		return c.Redirect(http.StatusFound, redirectTo)
	}

	ar, err := a.flow.BuildAuthorize(c.Request().Context(), interim, redirectTo)
	if err != nil {
		a.logger.Error(c.Request().Context(), "failed to build authorize redirect", err)
		return a.renderFailed(c, "Login could not be started.", "authorize_error")
	}

	// form_post callbacks are cross-site POSTs; the cookies need a
	// cross-site policy or the browser withholds them from the callback.
	crossSite := a.flow.UsesFormPost()
	statestore.BindCookie(c, statestore.StateCookieName, ar.State, a.cfg.StateTTL, a.cfg.SecureCookies, crossSite)
	if ar.Nonce != "" {
		statestore.BindCookie(c, statestore.NonceCookieName, ar.Nonce, a.cfg.StateTTL, a.cfg.SecureCookies, crossSite)
	}
	return c.Redirect(http.StatusFound, ar.URL)
}

// CallbackHandler finishes an authorize attempt. The state and nonce
// cookies are cleared unconditionally; they are valid for exactly one
// round trip.
func (a *LoginAPI) CallbackHandler(c echo.Context) error {
	req := c.Request()
	if err := req.ParseForm(); err != nil {
		return a.renderFailed(c, "The callback request could not be read.", "bad_request")
	}

	var sessionID string
	if session := middleware.CurrentSession(c); session != nil {
		sessionID = session.ID
	}

	cb := loginflow.Callback{
		Query:       req.URL.Query(),
		Form:        req.PostForm,
		StateCookie: statestore.ReadCookie(c, statestore.StateCookieName),
		NonceCookie: statestore.ReadCookie(c, statestore.NonceCookieName),
		SessionID:   sessionID,
		UserAgent:   req.UserAgent(),
		IPAddress:   c.RealIP(),
	}

	out := a.flow.HandleCallback(req.Context(), cb)

	statestore.ClearCookie(c, statestore.StateCookieName, a.cfg.SecureCookies)
	statestore.ClearCookie(c, statestore.NonceCookieName, a.cfg.SecureCookies)

	switch out.Kind {
	case loginflow.OutcomeRedirect:
		if out.Session != nil {
			c.SetCookie(a.sessions.Cookie(out.Session))
		}
		return c.Redirect(http.StatusFound, out.RedirectTo)

	case loginflow.OutcomeInterim:
		if out.Session != nil {
			c.SetCookie(a.sessions.Cookie(out.Session))
		}
		return a.render(c, http.StatusOK, "interim", nil)

	case loginflow.OutcomeVerifyEmail:
		sub, _ := out.Claims["sub"].(string)
		if sub == "" {
			sub, _ = out.Claims["user_id"].(string)
		}
		email, _ := out.Claims["email"].(string)
		reason := out.Reason
		if reason == "" {
			reason = "Your email address has not been verified yet."
		}
		data := map[string]any{
			"Reason":     reason,
			"Email":      email,
			"LoginPath":  LoginPath,
			"ResendPath": ResendPath,
		}
		if a.verifier != nil {
			data["Sub"] = sub
		}
		return a.render(c, http.StatusOK, "verify_email", data)

	default: // OutcomeAborted
		// A pre-existing session survives a failed attempt; an
		// attacker-crafted error callback must not log the browser out.
		return a.renderFailed(c, out.Reason, out.Code)
	}
}

// LogoutHandler revokes the local session and, when single logout is
// configured, hands off to the provider so the upstream session ends
// too.
func (a *LoginAPI) LogoutHandler(c echo.Context) error {
	ctx := c.Request().Context()
	if session := middleware.CurrentSession(c); session != nil {
		if err := a.sessions.Revoke(ctx, session.ID); err != nil {
			a.logger.Error(ctx, "failed to revoke session on logout", err,
				map[string]any{"session_id": session.ID})
		}
	}
	c.SetCookie(a.sessions.ClearCookie())

	local := a.flow.PostLogoutReturnTo()
	if u := a.flow.LogoutURL(a.cfg.PublicURL + local); u != "" {
		return c.Redirect(http.StatusFound, u)
	}
	return c.Redirect(http.StatusFound, local)
}

// LoggedOutHandler renders the neutral post-logout page. It carries no
// session check so it never re-enters the login flow.
func (a *LoginAPI) LoggedOutHandler(c echo.Context) error {
	return a.render(c, http.StatusOK, "logged_out", map[string]any{"LoginPath": LoginPath})
}

// ResendVerificationHandler queues another verification email for the
// subject that was turned away with an unverified address.
func (a *LoginAPI) ResendVerificationHandler(c echo.Context) error {
	if a.verifier == nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{
			"error":             "resend_unavailable",
			"error_description": "Verification resend is not configured.",
		})
	}
	sub := c.FormValue("sub")
	if sub == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":             "invalid_request",
			"error_description": "sub parameter is required",
		})
	}

	ctx := c.Request().Context()
	if err := a.verifier.SendVerificationEmail(ctx, sub); err != nil {
		a.logger.Error(ctx, "failed to resend verification email", err,
			map[string]any{"subject": sub})
		return a.renderFailed(c, "The verification email could not be sent.", "resend_failed")
	}
	return a.render(c, http.StatusOK, "verify_sent", map[string]any{"LoginPath": LoginPath})
}

func (a *LoginAPI) renderFailed(c echo.Context, reason, code string) error {
	if reason == "" {
		reason = "Login failed."
	}
	return a.render(c, http.StatusForbidden, "login_failed", map[string]any{
		"Reason":    reason,
		"Code":      code,
		"LoginPath": LoginPath,
	})
}

func (a *LoginAPI) render(c echo.Context, status int, name string, data any) error {
	var buf bytes.Buffer
	if err := views.ExecuteTemplate(&buf, name, data); err != nil {
		return err
	}
	return c.HTMLBlob(status, buf.Bytes())
}
