package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
)

// AutoLoginDecider reports whether an unauthenticated request should be
// bounced into the login flow.
type AutoLoginDecider interface {
	ShouldAutoLogin(hasSession bool, action string) bool
}

// AutoLogin redirects unauthenticated page views into the login flow.
// Requires LoadSession to run first. The login surface itself, the
// neutral logged-out page and non-navigation requests are exempt so a
// logout can never bounce straight back into login.
func AutoLogin(decider AutoLoginDecider, loginPath string, exemptPrefixes ...string) echo.MiddlewareFunc {
	exempt := append([]string{"/auth/", "/metrics", "/healthz"}, exemptPrefixes...)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Method != http.MethodGet {
				return next(c)
			}
			path := c.Request().URL.Path
			for _, p := range exempt {
				if strings.HasPrefix(path, p) {
					return next(c)
				}
			}

			hasSession := CurrentSession(c) != nil
			if !decider.ShouldAutoLogin(hasSession, c.QueryParam("action")) {
				return next(c)
			}

			target := loginPath + "?redirect_to=" + url.QueryEscape(c.Request().RequestURI)
			return c.Redirect(http.StatusFound, target)
		}
	}
}
