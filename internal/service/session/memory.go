package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	model "github.com/zhouzirui/memorial-call/backend/internal/model/session"
)

type memoryEntry struct {
	data           []byte
	revision       int64
	expiresAt      time.Time
	lastActivityAt time.Time
}

// MemoryStore keeps encoded session records in process memory. Records go
// through the same codec as the durable store so schema handling is
// identical across backends.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	opts    Options
}

// NewMemoryStore bootstraps an empty in-memory store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		opts:    opts.withDefaults(),
	}
}

// Create provisions a new INITIALIZING session with a fresh TTL.
func (m *MemoryStore) Create(_ context.Context, contactName string, memorialRef, ownerID int64) (*model.Session, error) {
	s := newSession(contactName, memorialRef, ownerID, m.opts)
	data, err := Encode(s)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[s.Key]; exists {
		return nil, fmt.Errorf("session key collision: %s", s.Key)
	}
	m.entries[s.Key] = memoryEntry{
		data:           data,
		revision:       s.Revision,
		expiresAt:      s.ExpiresAt,
		lastActivityAt: s.LastActivityAt,
	}
	return s.Clone(), nil
}

// Save overwrites the record when s.Revision matches the stored revision.
func (m *MemoryStore) Save(_ context.Context, s *model.Session) error {
	if s == nil || s.Key == "" {
		return fmt.Errorf("save session: key is required")
	}
	now := m.opts.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.entries[s.Key]
	if !ok || !now.Before(current.expiresAt) {
		return model.ErrNotFound
	}
	if current.revision != s.Revision {
		return model.ErrConflict
	}

	next := s.Clone()
	next.Revision = s.Revision + 1
	next.ExpiresAt = now.Add(m.opts.TTL)
	next.LastActivityAt = now
	data, err := Encode(next)
	if err != nil {
		return err
	}
	m.entries[s.Key] = memoryEntry{
		data:           data,
		revision:       next.Revision,
		expiresAt:      next.ExpiresAt,
		lastActivityAt: now,
	}

	s.Revision = next.Revision
	s.ExpiresAt = next.ExpiresAt
	s.LastActivityAt = now
	return nil
}

// Get returns the live record for key. The in-memory store has no cache
// layer, so forceRefresh has no effect.
func (m *MemoryStore) Get(_ context.Context, key string, _ bool) (*model.Session, bool, error) {
	now := m.opts.Now().UTC()

	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !now.Before(entry.expiresAt) {
		m.deleteIfRevision(key, entry.revision)
		return nil, false, nil
	}

	s, err := Decode(entry.data)
	if err != nil {
		if errors.Is(err, model.ErrSerialization) {
			m.opts.Logger.WithError(err).WithField("session", key).Warn("discarding unreadable session record")
			m.deleteIfRevision(key, entry.revision)
			return nil, false, nil
		}
		return nil, false, err
	}
	s.Revision = entry.revision
	s.ExpiresAt = entry.expiresAt
	s.LastActivityAt = entry.lastActivityAt
	return s, true, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// ListActive returns every unexpired, readable session.
func (m *MemoryStore) ListActive(ctx context.Context) ([]*model.Session, error) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	m.mu.RUnlock()

	out := make([]*model.Session, 0, len(keys))
	for _, key := range keys {
		s, ok, err := m.Get(ctx, key, false)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// ExtendTTL resets the TTL of a live record to the full window.
func (m *MemoryStore) ExtendTTL(_ context.Context, key string) (bool, error) {
	now := m.opts.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok || !now.Before(entry.expiresAt) {
		return false, nil
	}
	entry.expiresAt = now.Add(m.opts.TTL)
	entry.lastActivityAt = now
	m.entries[key] = entry
	return true, nil
}

// CleanupExpired drops every record whose TTL lapsed.
func (m *MemoryStore) CleanupExpired(_ context.Context) (int, error) {
	now := m.opts.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, entry := range m.entries {
		if !now.Before(entry.expiresAt) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) deleteIfRevision(key string, revision int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.entries[key]; ok && current.revision == revision {
		delete(m.entries, key)
	}
}
