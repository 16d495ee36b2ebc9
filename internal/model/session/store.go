package session

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a key is absent or its TTL has lapsed.
	ErrNotFound = errors.New("session not found")
	// ErrConflict is returned by Save when the stored revision moved on.
	ErrConflict = errors.New("session revision conflict")
	// ErrSerialization marks a stored record that cannot be decoded.
	ErrSerialization = errors.New("session record unreadable")
)

// Store persists sessions with a sliding TTL.
//
// Get returns (nil, false, nil) for absent, expired and undecodable records;
// the last are deleted by the store before returning.
type Store interface {
	Create(ctx context.Context, contactName string, memorialRef, ownerID int64) (*Session, error)
	// Save overwrites the record, resets its TTL and bumps s.Revision.
	Save(ctx context.Context, s *Session) error
	Get(ctx context.Context, key string, forceRefresh bool) (*Session, bool, error)
	Delete(ctx context.Context, key string) error
	ListActive(ctx context.Context) ([]*Session, error)
	ExtendTTL(ctx context.Context, key string) (bool, error)
	CleanupExpired(ctx context.Context) (int, error)
}
