package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"go.pilab.hu/fedlogin/cache"
	"go.pilab.hu/fedlogin/domain"
)

type MockSessionRepository struct {
	mock.Mock
}

func (m *MockSessionRepository) StoreSession(ctx context.Context, session *domain.Session) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *MockSessionRepository) GetSessionByID(ctx context.Context, id string) (*domain.Session, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Session), args.Error(1)
}

func (m *MockSessionRepository) RevokeSession(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockSessionRepository) DeleteExpiredSessions(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func newSessionService(repo domain.SessionRepository, sessionCache cache.SessionCache) *SessionService {
	return NewSessionService(repo, sessionCache, "fedlogin_session",
		time.Hour, 14*24*time.Hour, true, testLogger())
}

func TestSessionService_Establish(t *testing.T) {
	ctx := context.Background()

	t.Run("default lifetime", func(t *testing.T) {
		repo := new(MockSessionRepository)
		repo.On("StoreSession", ctx, mock.AnythingOfType("*domain.Session")).Return(nil).Once()

		svc := newSessionService(repo, cache.NewMemorySessionCache())
		session, err := svc.Establish(ctx, "u1", false, "agent", "1.2.3.4")
		require.NoError(t, err)
		assert.NotEmpty(t, session.ID)
		assert.Equal(t, "u1", session.UserID)
		assert.False(t, session.Remember)
		assert.WithinDuration(t, time.Now().Add(time.Hour), session.ExpiresAt, time.Minute)
		repo.AssertExpectations(t)
	})

	t.Run("remember lifetime", func(t *testing.T) {
		repo := new(MockSessionRepository)
		repo.On("StoreSession", ctx, mock.Anything).Return(nil).Once()

		svc := newSessionService(repo, cache.NewMemorySessionCache())
		session, err := svc.Establish(ctx, "u1", true, "", "")
		require.NoError(t, err)
		assert.True(t, session.Remember)
		assert.WithinDuration(t, time.Now().Add(14*24*time.Hour), session.ExpiresAt, time.Minute)
	})

	t.Run("repository failure propagates", func(t *testing.T) {
		repo := new(MockSessionRepository)
		repo.On("StoreSession", ctx, mock.Anything).Return(errors.New("db down")).Once()

		svc := newSessionService(repo, cache.NewMemorySessionCache())
		_, err := svc.Establish(ctx, "u1", false, "", "")
		require.Error(t, err)
	})
}

func TestSessionService_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("cache hit skips the repository", func(t *testing.T) {
		repo := new(MockSessionRepository)
		repo.On("StoreSession", ctx, mock.Anything).Return(nil).Once()

		svc := newSessionService(repo, cache.NewMemorySessionCache())
		session, err := svc.Establish(ctx, "u1", false, "", "")
		require.NoError(t, err)

		got, err := svc.Get(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, session.ID, got.ID)
		repo.AssertNotCalled(t, "GetSessionByID", mock.Anything, mock.Anything)
	})

	t.Run("cache miss falls back to the repository", func(t *testing.T) {
		repo := new(MockSessionRepository)
		stored := &domain.Session{ID: "s1", UserID: "u1", ExpiresAt: time.Now().Add(time.Hour)}
		repo.On("GetSessionByID", ctx, "s1").Return(stored, nil).Once()

		svc := newSessionService(repo, cache.NewMemorySessionCache())
		got, err := svc.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "u1", got.UserID)
	})

	t.Run("expired session is not found", func(t *testing.T) {
		repo := new(MockSessionRepository)
		stale := &domain.Session{ID: "s1", ExpiresAt: time.Now().Add(-time.Minute)}
		repo.On("GetSessionByID", ctx, "s1").Return(stale, nil).Once()

		svc := newSessionService(repo, cache.NewMemorySessionCache())
		_, err := svc.Get(ctx, "s1")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("revoked session is not found", func(t *testing.T) {
		repo := new(MockSessionRepository)
		revoked := &domain.Session{ID: "s1", ExpiresAt: time.Now().Add(time.Hour), IsRevoked: true}
		repo.On("GetSessionByID", ctx, "s1").Return(revoked, nil).Once()

		svc := newSessionService(repo, cache.NewMemorySessionCache())
		_, err := svc.Get(ctx, "s1")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("empty id short-circuits", func(t *testing.T) {
		repo := new(MockSessionRepository)
		svc := newSessionService(repo, cache.NewMemorySessionCache())
		_, err := svc.Get(ctx, "")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestSessionService_Revoke(t *testing.T) {
	ctx := context.Background()

	t.Run("revokes in cache and repository", func(t *testing.T) {
		repo := new(MockSessionRepository)
		repo.On("StoreSession", ctx, mock.Anything).Return(nil).Once()
		repo.On("RevokeSession", ctx, mock.AnythingOfType("string")).Return(nil).Once()

		memCache := cache.NewMemorySessionCache()
		svc := newSessionService(repo, memCache)
		session, err := svc.Establish(ctx, "u1", false, "", "")
		require.NoError(t, err)

		require.NoError(t, svc.Revoke(ctx, session.ID))
		_, err = memCache.Get(ctx, session.ID)
		assert.ErrorIs(t, err, cache.ErrNotCached)
	})

	t.Run("revoking an unknown session is not an error", func(t *testing.T) {
		repo := new(MockSessionRepository)
		repo.On("RevokeSession", ctx, "ghost").Return(domain.ErrNotFound).Once()

		svc := newSessionService(repo, cache.NewMemorySessionCache())
		assert.NoError(t, svc.Revoke(ctx, "ghost"))
	})

	t.Run("empty id is a no-op", func(t *testing.T) {
		repo := new(MockSessionRepository)
		svc := newSessionService(repo, cache.NewMemorySessionCache())
		assert.NoError(t, svc.Revoke(ctx, ""))
	})
}

func TestSessionService_Cookies(t *testing.T) {
	svc := newSessionService(new(MockSessionRepository), nil)
	session := &domain.Session{ID: "s1", ExpiresAt: time.Now().Add(time.Hour)}

	cookie := svc.Cookie(session)
	assert.Equal(t, "fedlogin_session", cookie.Name)
	assert.Equal(t, "s1", cookie.Value)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)

	cleared := svc.ClearCookie()
	assert.Equal(t, "fedlogin_session", cleared.Name)
	assert.Empty(t, cleared.Value)
	assert.Equal(t, -1, cleared.MaxAge)
}
