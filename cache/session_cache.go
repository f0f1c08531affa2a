package cache

import (
	"context"
	"errors"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"go.pilab.hu/fedlogin/domain"
)

// ErrNotCached is returned when a session is not in the cache; callers
// fall through to the session repository.
var ErrNotCached = errors.New("session not cached")

// SessionCache is a read-through cache in front of the session
// repository. Implementations are best-effort: the repository remains
// the source of truth.
type SessionCache interface {
	Set(ctx context.Context, session *domain.Session) error
	Get(ctx context.Context, id string) (*domain.Session, error)
	Delete(ctx context.Context, id string) error
}

// MemorySessionCache caches sessions in-process. Suitable for
// single-instance deployments and tests; multi-instance deployments
// use the Redis implementation.
type MemorySessionCache struct {
	entries *ttlcache.Cache[string, *domain.Session]
}

func NewMemorySessionCache() *MemorySessionCache {
	cache := ttlcache.New[string, *domain.Session]()
	go cache.Start()
	return &MemorySessionCache{entries: cache}
}

func (c *MemorySessionCache) Stop() {
	c.entries.Stop()
}

func (c *MemorySessionCache) Set(_ context.Context, session *domain.Session) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	c.entries.Set(session.ID, session, ttl)
	return nil
}

func (c *MemorySessionCache) Get(_ context.Context, id string) (*domain.Session, error) {
	item := c.entries.Get(id)
	if item == nil {
		return nil, ErrNotCached
	}
	return item.Value(), nil
}

func (c *MemorySessionCache) Delete(_ context.Context, id string) error {
	c.entries.Delete(id)
	return nil
}
