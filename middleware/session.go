package middleware

import (
	"context"
	"errors"

	"github.com/labstack/echo/v4"

	"go.pilab.hu/fedlogin/domain"
	"go.pilab.hu/fedlogin/log"
)

const sessionContextKey = "fedlogin_session"

// SessionLoader resolves a session cookie to a live session.
type SessionLoader interface {
	CookieName() string
	Get(ctx context.Context, id string) (*domain.Session, error)
}

// LoadSession resolves the auth cookie into a session and stores it on
// the echo context. It never rejects the request; handlers decide what
// an absent session means.
func LoadSession(sessions SessionLoader, logger log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cookie, err := c.Cookie(sessions.CookieName())
			if err != nil || cookie == nil || cookie.Value == "" {
				return next(c)
			}

			session, err := sessions.Get(c.Request().Context(), cookie.Value)
			if err != nil {
				if !errors.Is(err, domain.ErrNotFound) {
					logger.Warn(c.Request().Context(), "session lookup failed",
						map[string]any{"error": err.Error()})
				}
				return next(c)
			}

			c.Set(sessionContextKey, session)
			return next(c)
		}
	}
}

// CurrentSession returns the session loaded by LoadSession, or nil.
func CurrentSession(c echo.Context) *domain.Session {
	session, _ := c.Get(sessionContextKey).(*domain.Session)
	return session
}
