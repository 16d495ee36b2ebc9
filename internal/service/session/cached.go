package session

import (
	"context"
	"sync"
	"time"

	model "github.com/zhouzirui/memorial-call/backend/internal/model/session"
)

// CachedStore fronts a shared store with a short-lived per-process read
// cache. Writes made through this process refresh the cache; writes made by
// other processes become visible after ttl or on a forceRefresh read.
type CachedStore struct {
	inner model.Store
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]cachedSession
}

type cachedSession struct {
	session  *model.Session
	cachedAt time.Time
}

// NewCachedStore wraps inner. A non-positive ttl disables caching.
func NewCachedStore(inner model.Store, ttl time.Duration, now func() time.Time) *CachedStore {
	if now == nil {
		now = time.Now
	}
	return &CachedStore{
		inner:   inner,
		ttl:     ttl,
		now:     now,
		entries: make(map[string]cachedSession),
	}
}

func (c *CachedStore) Create(ctx context.Context, contactName string, memorialRef, ownerID int64) (*model.Session, error) {
	s, err := c.inner.Create(ctx, contactName, memorialRef, ownerID)
	if err != nil {
		return nil, err
	}
	c.remember(s)
	return s, nil
}

func (c *CachedStore) Save(ctx context.Context, s *model.Session) error {
	if err := c.inner.Save(ctx, s); err != nil {
		c.forget(s.Key)
		return err
	}
	c.remember(s)
	return nil
}

// Get serves from cache unless forceRefresh is set or the entry is stale.
func (c *CachedStore) Get(ctx context.Context, key string, forceRefresh bool) (*model.Session, bool, error) {
	if !forceRefresh && c.ttl > 0 {
		c.mu.Lock()
		entry, ok := c.entries[key]
		c.mu.Unlock()
		now := c.now()
		if ok && now.Sub(entry.cachedAt) < c.ttl && now.Before(entry.session.ExpiresAt) {
			return entry.session.Clone(), true, nil
		}
	}

	s, ok, err := c.inner.Get(ctx, key, true)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		c.forget(key)
		return nil, false, nil
	}
	c.remember(s)
	return s, true, nil
}

func (c *CachedStore) Delete(ctx context.Context, key string) error {
	c.forget(key)
	return c.inner.Delete(ctx, key)
}

func (c *CachedStore) ListActive(ctx context.Context) ([]*model.Session, error) {
	return c.inner.ListActive(ctx)
}

func (c *CachedStore) ExtendTTL(ctx context.Context, key string) (bool, error) {
	ok, err := c.inner.ExtendTTL(ctx, key)
	c.forget(key)
	return ok, err
}

func (c *CachedStore) CleanupExpired(ctx context.Context) (int, error) {
	n, err := c.inner.CleanupExpired(ctx)
	c.mu.Lock()
	c.entries = make(map[string]cachedSession)
	c.mu.Unlock()
	return n, err
}

func (c *CachedStore) remember(s *model.Session) {
	if c.ttl <= 0 || s == nil {
		return
	}
	c.mu.Lock()
	c.entries[s.Key] = cachedSession{session: s.Clone(), cachedAt: c.now()}
	c.mu.Unlock()
}

func (c *CachedStore) forget(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

var _ model.Store = (*CachedStore)(nil)
