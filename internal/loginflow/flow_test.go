package loginflow

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"go.pilab.hu/fedlogin/config"
	"go.pilab.hu/fedlogin/domain"
	flowerr "go.pilab.hu/fedlogin/errors"
	"go.pilab.hu/fedlogin/internal/idtoken"
	"go.pilab.hu/fedlogin/internal/statestore"
	"go.pilab.hu/fedlogin/log"
)

// --- Mock Implementations ---

type MockValidator struct {
	mock.Mock
}

func (m *MockValidator) Decode(ctx context.Context, raw string, want idtoken.Expectations) (*idtoken.Claims, error) {
	args := m.Called(ctx, raw, want)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*idtoken.Claims), args.Error(1)
}

type MockResolver struct {
	mock.Mock
}

func (m *MockResolver) Resolve(ctx context.Context, claims *idtoken.Claims, rawIDToken, accessToken string) (*domain.User, bool, error) {
	args := m.Called(ctx, claims, rawIDToken, accessToken)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*domain.User), args.Bool(1), args.Error(2)
}

type MockSessions struct {
	mock.Mock
}

func (m *MockSessions) Establish(ctx context.Context, userID string, remember bool, userAgent, ip string) (*domain.Session, error) {
	args := m.Called(ctx, userID, remember, userAgent, ip)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Session), args.Error(1)
}

func (m *MockSessions) Revoke(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type recordingReporter struct {
	stages []string
}

func (r *recordingReporter) Report(_ context.Context, stage string, _ error, _ map[string]any) {
	r.stages = append(r.stages, stage)
}

type recordingListener struct {
	established int
	completed   int
	lastNewUser bool
}

func (l *recordingListener) SessionEstablished(_ context.Context, _ *domain.User, _ *domain.Session, newUser bool) {
	l.established++
	l.lastNewUser = newUser
}

func (l *recordingListener) LoginCompleted(_ context.Context, _ *domain.User, _ bool) {
	l.completed++
}

// --- Helpers ---

type flowFixture struct {
	ctrl      *Controller
	states    *statestore.Store
	validator *MockValidator
	resolver  *MockResolver
	sessions  *MockSessions
	reporter  *recordingReporter
}

func newFixture(t *testing.T, mutate func(*Config)) *flowFixture {
	t.Helper()
	cfg := Config{
		Domain:          "tenant.example.com",
		ClientID:        "client-abc",
		ClientSecret:    "secret",
		Flow:            config.FlowImplicit,
		RedirectURI:     "https://app.example.com/auth/callback",
		DefaultRedirect: "/dashboard",
		LoggedOutPath:   "/auth/loggedout",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	states := statestore.New(time.Minute)
	t.Cleanup(states.Stop)

	f := &flowFixture{
		states:    states,
		validator: new(MockValidator),
		resolver:  new(MockResolver),
		sessions:  new(MockSessions),
		reporter:  &recordingReporter{},
	}
	f.ctrl = NewController(cfg, states, f.validator, f.resolver, f.sessions, nil,
		f.reporter, log.NewZerologAdapter(zerolog.Disabled, false))
	return f
}

// startAttempt runs BuildAuthorize and returns a callback carrying the
// resulting state, the way a browser would round-trip it.
func startAttempt(t *testing.T, f *flowFixture, interim bool, redirectTo string) Callback {
	t.Helper()
	ar, err := f.ctrl.BuildAuthorize(context.Background(), interim, redirectTo)
	require.NoError(t, err)

	u, err := url.Parse(ar.URL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)

	return Callback{
		Query:       url.Values{},
		Form:        url.Values{"state": {state}, "id_token": {"raw-id-token"}},
		StateCookie: ar.State,
		NonceCookie: ar.Nonce,
	}
}

func validClaims() *idtoken.Claims {
	return &idtoken.Claims{
		Subject: "auth0|user123",
		Email:   "user@example.com",
		Raw:     map[string]any{"sub": "auth0|user123", "email": "user@example.com"},
	}
}

// --- Tests ---

func TestBuildAuthorize(t *testing.T) {
	t.Run("implicit flow requests form_post with nonce", func(t *testing.T) {
		f := newFixture(t, nil)
		ar, err := f.ctrl.BuildAuthorize(context.Background(), false, "/after")
		require.NoError(t, err)

		u, err := url.Parse(ar.URL)
		require.NoError(t, err)
		q := u.Query()
		assert.Equal(t, "id_token", q.Get("response_type"))
		assert.Equal(t, "form_post", q.Get("response_mode"))
		assert.Equal(t, ar.Nonce, q.Get("nonce"))
		assert.NotEmpty(t, ar.Nonce)
		assert.NotEqual(t, ar.State, ar.Nonce, "state and token nonce are independent values")

		env, err := DecodeState(q.Get("state"))
		require.NoError(t, err)
		assert.Equal(t, ar.State, env.Nonce)
		assert.Equal(t, "/after", env.RedirectTo)
		assert.False(t, env.Interim)
	})

	t.Run("code flow requests query response without nonce", func(t *testing.T) {
		f := newFixture(t, func(c *Config) { c.Flow = config.FlowCode })
		ar, err := f.ctrl.BuildAuthorize(context.Background(), true, "")
		require.NoError(t, err)

		u, _ := url.Parse(ar.URL)
		q := u.Query()
		assert.Equal(t, "code", q.Get("response_type"))
		assert.Equal(t, "query", q.Get("response_mode"))
		assert.Empty(t, ar.Nonce)

		env, err := DecodeState(q.Get("state"))
		require.NoError(t, err)
		assert.True(t, env.Interim)
		assert.Equal(t, "/dashboard", env.RedirectTo, "empty redirect falls back to the default")
	})

	t.Run("connection hint is forwarded", func(t *testing.T) {
		f := newFixture(t, func(c *Config) { c.Connection = "corp-saml" })
		ar, err := f.ctrl.BuildAuthorize(context.Background(), false, "")
		require.NoError(t, err)

		u, _ := url.Parse(ar.URL)
		assert.Equal(t, "corp-saml", u.Query().Get("connection"))
	})
}

func TestHandleCallback_ProviderError(t *testing.T) {
	ctx := context.Background()

	t.Run("provider error aborts before state validation", func(t *testing.T) {
		f := newFixture(t, nil)
		out := f.ctrl.HandleCallback(ctx, Callback{
			Query: url.Values{"error": {"access_denied"}, "error_description": {"User did not consent."}},
			Form:  url.Values{},
		})

		assert.Equal(t, OutcomeAborted, out.Kind)
		assert.Equal(t, "access_denied", out.Code)
		assert.Equal(t, "User did not consent.", out.Reason)
		assert.Equal(t, []string{"callback"}, f.reporter.stages)
		f.validator.AssertNotCalled(t, "Decode", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("error callback leaves an existing session standing", func(t *testing.T) {
		f := newFixture(t, nil)

		out := f.ctrl.HandleCallback(ctx, Callback{
			Query:     url.Values{"error": {"server_error"}},
			Form:      url.Values{},
			SessionID: "sess-1",
		})
		assert.Equal(t, OutcomeAborted, out.Kind)
		f.sessions.AssertNotCalled(t, "Revoke", mock.Anything, mock.Anything)
	})
}

func TestHandleCallback_ExistingSession(t *testing.T) {
	f := newFixture(t, nil)
	cb := startAttempt(t, f, false, "/after")
	cb.SessionID = "already-logged-in"

	out := f.ctrl.HandleCallback(context.Background(), cb)

	assert.Equal(t, OutcomeRedirect, out.Kind)
	assert.Equal(t, "/dashboard", out.RedirectTo)
	f.validator.AssertNotCalled(t, "Decode", mock.Anything, mock.Anything, mock.Anything)
	f.resolver.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleCallback_StateValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("missing state parameter", func(t *testing.T) {
		f := newFixture(t, nil)
		out := f.ctrl.HandleCallback(ctx, Callback{
			Query:       url.Values{},
			Form:        url.Values{},
			StateCookie: "cookie-value",
		})
		assert.Equal(t, OutcomeAborted, out.Kind)
		assert.Equal(t, "invalid_state", out.Code)
	})

	t.Run("missing state cookie", func(t *testing.T) {
		f := newFixture(t, nil)
		cb := startAttempt(t, f, false, "")
		cb.StateCookie = ""

		out := f.ctrl.HandleCallback(ctx, cb)
		assert.Equal(t, OutcomeAborted, out.Kind)
		assert.Equal(t, "invalid_state", out.Code)
	})

	t.Run("cookie does not match envelope nonce", func(t *testing.T) {
		f := newFixture(t, nil)
		cb := startAttempt(t, f, false, "")
		cb.StateCookie = "a-different-browser"

		out := f.ctrl.HandleCallback(ctx, cb)
		assert.Equal(t, OutcomeAborted, out.Kind)
	})

	t.Run("undecodable state", func(t *testing.T) {
		f := newFixture(t, nil)
		out := f.ctrl.HandleCallback(ctx, Callback{
			Query:       url.Values{},
			Form:        url.Values{"state": {"%%%not-base64%%%"}},
			StateCookie: "cookie",
		})
		assert.Equal(t, OutcomeAborted, out.Kind)
	})

	t.Run("replayed state fails the second time", func(t *testing.T) {
		f := newFixture(t, nil)
		f.validator.On("Decode", mock.Anything, "raw-id-token", mock.Anything).Return(validClaims(), nil).Once()
		f.resolver.On("Resolve", mock.Anything, mock.Anything, "raw-id-token", "").
			Return(&domain.User{ID: "u1"}, false, nil).Once()
		f.sessions.On("Establish", mock.Anything, "u1", false, "", "").
			Return(&domain.Session{ID: "s1", UserID: "u1"}, nil).Once()

		cb := startAttempt(t, f, false, "/after")
		first := f.ctrl.HandleCallback(ctx, cb)
		require.Equal(t, OutcomeRedirect, first.Kind)

		second := f.ctrl.HandleCallback(ctx, cb)
		assert.Equal(t, OutcomeAborted, second.Kind)
		assert.Equal(t, "invalid_state", second.Code)
	})
}

func TestHandleCallback_ImplicitFlow(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path establishes a session and redirects", func(t *testing.T) {
		f := newFixture(t, nil)
		listener := &recordingListener{}
		f.ctrl.AddListener(listener)

		f.validator.On("Decode", mock.Anything, "raw-id-token", mock.MatchedBy(func(want idtoken.Expectations) bool {
			return want.ValidateNonce && want.Nonce != "" &&
				want.Issuer == "https://tenant.example.com/" && want.Audience == "client-abc"
		})).Return(validClaims(), nil).Once()
		f.resolver.On("Resolve", mock.Anything, mock.Anything, "raw-id-token", "").
			Return(&domain.User{ID: "u1"}, true, nil).Once()
		f.sessions.On("Establish", mock.Anything, "u1", false, "agent", "1.2.3.4").
			Return(&domain.Session{ID: "s1", UserID: "u1"}, nil).Once()

		cb := startAttempt(t, f, false, "/after")
		cb.UserAgent = "agent"
		cb.IPAddress = "1.2.3.4"

		out := f.ctrl.HandleCallback(ctx, cb)
		require.Equal(t, OutcomeRedirect, out.Kind)
		assert.Equal(t, "/after", out.RedirectTo)
		assert.True(t, out.NewUser)
		require.NotNil(t, out.Session)
		assert.Equal(t, "s1", out.Session.ID)
		assert.Equal(t, 1, listener.established)
		assert.Equal(t, 1, listener.completed)
		assert.True(t, listener.lastNewUser)
		f.validator.AssertExpectations(t)
		f.sessions.AssertExpectations(t)
	})

	t.Run("interim attempt ends in the interim outcome", func(t *testing.T) {
		f := newFixture(t, nil)
		f.validator.On("Decode", mock.Anything, mock.Anything, mock.Anything).Return(validClaims(), nil).Once()
		f.resolver.On("Resolve", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(&domain.User{ID: "u1"}, false, nil).Once()
		f.sessions.On("Establish", mock.Anything, "u1", false, "", "").
			Return(&domain.Session{ID: "s1"}, nil).Once()

		cb := startAttempt(t, f, true, "")
		out := f.ctrl.HandleCallback(ctx, cb)
		assert.Equal(t, OutcomeInterim, out.Kind)
	})

	t.Run("missing nonce cookie aborts before validation", func(t *testing.T) {
		f := newFixture(t, nil)
		cb := startAttempt(t, f, false, "")
		cb.NonceCookie = ""

		out := f.ctrl.HandleCallback(ctx, cb)
		assert.Equal(t, OutcomeAborted, out.Kind)
		assert.Equal(t, "invalid_state", out.Code)
		f.validator.AssertNotCalled(t, "Decode", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("nonce cookie is forwarded as the expected value", func(t *testing.T) {
		f := newFixture(t, nil)
		cb := startAttempt(t, f, false, "")

		f.validator.On("Decode", mock.Anything, "raw-id-token", mock.MatchedBy(func(want idtoken.Expectations) bool {
			return want.Nonce == cb.NonceCookie
		})).Return(validClaims(), nil).Once()
		f.resolver.On("Resolve", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(&domain.User{ID: "u1"}, false, nil).Once()
		f.sessions.On("Establish", mock.Anything, "u1", false, "", "").
			Return(&domain.Session{ID: "s1"}, nil).Once()

		out := f.ctrl.HandleCallback(ctx, cb)
		require.Equal(t, OutcomeRedirect, out.Kind)
		f.validator.AssertExpectations(t)
	})

	t.Run("missing id_token in form body", func(t *testing.T) {
		f := newFixture(t, nil)
		cb := startAttempt(t, f, false, "")
		cb.Form.Del("id_token")

		out := f.ctrl.HandleCallback(ctx, cb)
		assert.Equal(t, OutcomeAborted, out.Kind)
		assert.Equal(t, "missing_id_token", out.Code)
	})

	t.Run("token in query string is ignored", func(t *testing.T) {
		f := newFixture(t, nil)
		cb := startAttempt(t, f, false, "")
		cb.Form.Del("id_token")
		cb.Query.Set("id_token", "raw-id-token")

		out := f.ctrl.HandleCallback(ctx, cb)
		assert.Equal(t, OutcomeAborted, out.Kind)
		assert.Equal(t, "missing_id_token", out.Code)
	})

	t.Run("invalid token aborts with the validator's kind", func(t *testing.T) {
		f := newFixture(t, nil)
		f.validator.On("Decode", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, flowerr.NewInvalidIDToken("invalid nonce")).Once()

		cb := startAttempt(t, f, false, "")
		out := f.ctrl.HandleCallback(ctx, cb)
		assert.Equal(t, OutcomeAborted, out.Kind)
		assert.Equal(t, "invalid_id_token", out.Code)
	})

	t.Run("claims are sanitized before reconciliation", func(t *testing.T) {
		f := newFixture(t, nil)
		claims := validClaims()
		claims.Raw = map[string]any{
			"sub": "auth0|user123", "email": "user@example.com",
			"iss": "https://tenant.example.com/", "aud": "client-abc",
			"iat": 1.0, "exp": 2.0, "nonce": "n",
		}
		f.validator.On("Decode", mock.Anything, mock.Anything, mock.Anything).Return(claims, nil).Once()
		f.resolver.On("Resolve", mock.Anything, mock.MatchedBy(func(c *idtoken.Claims) bool {
			_, hasIss := c.Raw["iss"]
			_, hasNonce := c.Raw["nonce"]
			_, hasUserID := c.Raw["user_id"]
			return !hasIss && !hasNonce && hasUserID && c.Raw["sub"] == "auth0|user123"
		}), mock.Anything, mock.Anything).Return(&domain.User{ID: "u1"}, false, nil).Once()
		f.sessions.On("Establish", mock.Anything, "u1", false, "", "").
			Return(&domain.Session{ID: "s1"}, nil).Once()

		out := f.ctrl.HandleCallback(ctx, startAttempt(t, f, false, ""))
		require.Equal(t, OutcomeRedirect, out.Kind)
		f.resolver.AssertExpectations(t)
	})
}

func TestHandleCallback_CodeFlow(t *testing.T) {
	t.Run("missing code aborts", func(t *testing.T) {
		f := newFixture(t, func(c *Config) { c.Flow = config.FlowCode })
		cb := startAttempt(t, f, false, "")
		cb.Form.Del("id_token")

		out := f.ctrl.HandleCallback(context.Background(), cb)
		assert.Equal(t, OutcomeAborted, out.Kind)
		assert.Equal(t, "missing_code", out.Code)
	})
}

func TestHandleCallback_Terminals(t *testing.T) {
	ctx := context.Background()

	t.Run("unverified email ends in the verify-email terminal", func(t *testing.T) {
		f := newFixture(t, nil)
		rejected := map[string]any{"sub": "auth0|u", "email": "u@example.com"}
		f.validator.On("Decode", mock.Anything, mock.Anything, mock.Anything).Return(validClaims(), nil).Once()
		f.resolver.On("Resolve", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(nil, false, flowerr.NewEmailNotVerified(rejected)).Once()

		out := f.ctrl.HandleCallback(ctx, startAttempt(t, f, false, ""))
		assert.Equal(t, OutcomeVerifyEmail, out.Kind)
		assert.Equal(t, "unverified_email", out.Code)
		assert.Equal(t, rejected, out.Claims)
		f.sessions.AssertNotCalled(t, "Establish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		assert.Empty(t, f.reporter.stages, "verify-email is not an operational failure")
	})

	t.Run("before-login veto aborts", func(t *testing.T) {
		f := newFixture(t, nil)
		f.ctrl.OnBeforeLogin(func(_ context.Context, _ *domain.User, _ *idtoken.Claims) error {
			return errors.New("account suspended")
		})
		f.validator.On("Decode", mock.Anything, mock.Anything, mock.Anything).Return(validClaims(), nil).Once()
		f.resolver.On("Resolve", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(&domain.User{ID: "u1"}, false, nil).Once()

		out := f.ctrl.HandleCallback(ctx, startAttempt(t, f, false, ""))
		assert.Equal(t, OutcomeAborted, out.Kind)
		assert.Equal(t, "before_login_rejected", out.Code)
		f.sessions.AssertNotCalled(t, "Establish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("session establishment failure aborts", func(t *testing.T) {
		f := newFixture(t, nil)
		f.validator.On("Decode", mock.Anything, mock.Anything, mock.Anything).Return(validClaims(), nil).Once()
		f.resolver.On("Resolve", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(&domain.User{ID: "u1"}, false, nil).Once()
		f.sessions.On("Establish", mock.Anything, "u1", false, "", "").
			Return(nil, errors.New("store down")).Once()

		out := f.ctrl.HandleCallback(ctx, startAttempt(t, f, false, ""))
		assert.Equal(t, OutcomeAborted, out.Kind)
		assert.Equal(t, "session_error", out.Code)
	})
}

func TestLogoutBehavior(t *testing.T) {
	t.Run("single logout builds the provider URL", func(t *testing.T) {
		f := newFixture(t, func(c *Config) { c.SingleLogout = true })
		u := f.ctrl.LogoutURL("https://app.example.com/auth/loggedout")
		require.NotEmpty(t, u)

		parsed, err := url.Parse(u)
		require.NoError(t, err)
		assert.Equal(t, "tenant.example.com", parsed.Host)
		assert.Equal(t, "/v2/logout", parsed.Path)
		assert.Equal(t, "client-abc", parsed.Query().Get("client_id"))
		assert.Equal(t, "https://app.example.com/auth/loggedout", parsed.Query().Get("returnTo"))
	})

	t.Run("local-only logout has no provider URL", func(t *testing.T) {
		f := newFixture(t, nil)
		assert.Empty(t, f.ctrl.LogoutURL("https://app.example.com/"))
	})

	t.Run("auto-login sends logouts to the neutral page", func(t *testing.T) {
		f := newFixture(t, func(c *Config) { c.AutoLogin = true })
		assert.Equal(t, "/auth/loggedout", f.ctrl.PostLogoutReturnTo())
	})

	t.Run("without auto-login the default destination is fine", func(t *testing.T) {
		f := newFixture(t, nil)
		assert.Equal(t, "/dashboard", f.ctrl.PostLogoutReturnTo())
	})
}

func TestShouldAutoLogin(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.AutoLogin = true })

	assert.True(t, f.ctrl.ShouldAutoLogin(false, ""))
	assert.False(t, f.ctrl.ShouldAutoLogin(true, ""), "authenticated views never re-trigger login")
	assert.False(t, f.ctrl.ShouldAutoLogin(false, ActionLogout), "a logout view must not bounce into login")
	assert.False(t, f.ctrl.ShouldAutoLogin(false, ActionOverride))

	off := newFixture(t, nil)
	assert.False(t, off.ctrl.ShouldAutoLogin(false, ""))
}

func TestStateEnvelope(t *testing.T) {
	t.Run("roundtrip", func(t *testing.T) {
		env := StateEnvelope{Interim: true, Nonce: "n123", RedirectTo: "/x?a=b"}
		decoded, err := DecodeState(EncodeState(env))
		require.NoError(t, err)
		assert.Equal(t, &env, decoded)
	})

	t.Run("tampered payload fails", func(t *testing.T) {
		_, err := DecodeState("dGFtcGVyZWQ")
		assert.Error(t, err)
	})
}
