package statestore

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Cookie names binding issued tokens to the browser that started the
// authorize request. Both are HttpOnly and live only for the
// authorize-to-callback round trip.
const (
	StateCookieName = "fedlogin_auth_state"
	NonceCookieName = "fedlogin_auth_nonce"
)

// BindCookie attaches an issued token to the response as a short-lived
// HttpOnly cookie. crossSite must be set when the callback arrives as a
// cross-site POST (response_mode=form_post): browsers only attach the
// cookie to that request under SameSite=None, which in turn requires
// Secure. The Code flow's callback is a top-level GET navigation, which
// Lax already covers.
func BindCookie(c echo.Context, name, token string, ttl time.Duration, secure, crossSite bool) {
	sameSite := http.SameSiteLaxMode
	if crossSite {
		sameSite = http.SameSiteNoneMode
		secure = true
	}
	c.SetCookie(&http.Cookie{
		Name:     name,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: sameSite,
	})
}

// ReadCookie returns the bound token value, or "" when absent.
func ReadCookie(c echo.Context, name string) string {
	cookie, err := c.Cookie(name)
	if err != nil || cookie == nil {
		return ""
	}
	return cookie.Value
}

// ClearCookie removes a bound token cookie.
func ClearCookie(c echo.Context, name string, secure bool) {
	c.SetCookie(&http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}
