package services

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"go.pilab.hu/fedlogin/cache"
	"go.pilab.hu/fedlogin/domain"
	"go.pilab.hu/fedlogin/internal/metrics"
	"go.pilab.hu/fedlogin/log"
)

// SessionService establishes and tears down local sessions. The
// repository is the source of truth; the cache is best-effort.
type SessionService struct {
	sessions    domain.SessionRepository
	cache       cache.SessionCache
	cookieName  string
	defaultTTL  time.Duration
	rememberTTL time.Duration
	secure      bool
	logger      log.Logger
}

func NewSessionService(
	sessions domain.SessionRepository,
	sessionCache cache.SessionCache,
	cookieName string,
	defaultTTL, rememberTTL time.Duration,
	secureCookies bool,
	logger log.Logger,
) *SessionService {
	return &SessionService{
		sessions:    sessions,
		cache:       sessionCache,
		cookieName:  cookieName,
		defaultTTL:  defaultTTL,
		rememberTTL: rememberTTL,
		secure:      secureCookies,
		logger:      logger,
	}
}

func (s *SessionService) CookieName() string { return s.cookieName }

// Establish creates and stores a session for the user. The lifetime
// depends on the remember-session setting.
func (s *SessionService) Establish(ctx context.Context, userID string, remember bool, userAgent, ip string) (*domain.Session, error) {
	ttl := s.defaultTTL
	if remember {
		ttl = s.rememberTTL
	}
	now := time.Now().UTC()
	session := &domain.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		UserAgent: userAgent,
		IPAddress: ip,
		Remember:  remember,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := s.sessions.StoreSession(ctx, session); err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, session); err != nil {
			s.logger.Warn(ctx, "failed to cache session", map[string]any{"session_id": session.ID, "error": err.Error()})
		}
	}
	metrics.AddActiveSessions(1)
	return session, nil
}

// Get loads a session, trying the cache before the repository. Expired
// and revoked sessions resolve to domain.ErrNotFound.
func (s *SessionService) Get(ctx context.Context, id string) (*domain.Session, error) {
	if id == "" {
		return nil, domain.ErrNotFound
	}
	if s.cache != nil {
		if session, err := s.cache.Get(ctx, id); err == nil {
			if !session.Valid(time.Now()) {
				return nil, domain.ErrNotFound
			}
			return session, nil
		} else if !errors.Is(err, cache.ErrNotCached) {
			s.logger.Warn(ctx, "session cache lookup failed", map[string]any{"error": err.Error()})
		}
	}

	session, err := s.sessions.GetSessionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !session.Valid(time.Now()) {
		return nil, domain.ErrNotFound
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, session); err != nil {
			s.logger.Warn(ctx, "failed to backfill session cache", map[string]any{"error": err.Error()})
		}
	}
	return session, nil
}

// Revoke tears down a session everywhere. Used on logout and whenever
// a login attempt aborts with a partial session standing.
func (s *SessionService) Revoke(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, id); err != nil {
			s.logger.Warn(ctx, "failed to drop session from cache", map[string]any{"session_id": id, "error": err.Error()})
		}
	}
	if err := s.sessions.RevokeSession(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	metrics.AddActiveSessions(-1)
	return nil
}

// Cookie builds the auth cookie for an established session.
func (s *SessionService) Cookie(session *domain.Session) *http.Cookie {
	return &http.Cookie{
		Name:     s.cookieName,
		Value:    session.ID,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearCookie builds the expired cookie that removes the auth cookie.
func (s *SessionService) ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     s.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	}
}
