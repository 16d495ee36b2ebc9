package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	model "github.com/zhouzirui/memorial-call/backend/internal/model/session"
	"github.com/zhouzirui/memorial-call/backend/pkg/logger"
)

// DefaultTTL is the inactivity window applied when Options.TTL is unset.
const DefaultTTL = time.Hour

// Options configures every Store implementation in this package.
type Options struct {
	TTL             time.Duration
	WaitingAssetURL string
	Now             func() time.Time
	Logger          logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	o.Logger = logger.Component(o.Logger, "session-store")
	return o
}

func newSession(contactName string, memorialRef, ownerID int64, opts Options) *model.Session {
	now := opts.Now().UTC()
	return &model.Session{
		Key:               uuid.NewString(),
		OwnerID:           ownerID,
		ContactName:       contactName,
		MemorialRef:       memorialRef,
		FlowState:         model.StateInitializing,
		LastStateChangeAt: now,
		CreatedAt:         now,
		LastActivityAt:    now,
		ExpiresAt:         now.Add(opts.TTL),
		DeviceType:        model.DeviceUnknown,
		WaitingAssetURL:   opts.WaitingAssetURL,
		Metadata:          map[string]string{},
		Revision:          1,
	}
}

const maxMutateAttempts = 5

// Mutate loads key, applies fn and saves the result, retrying when another
// writer saved in between. fn may be called more than once and must not have
// side effects beyond the session it receives.
func Mutate(ctx context.Context, store model.Store, key string, fn func(*model.Session) error) (*model.Session, error) {
	var lastErr error
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		current, ok, err := store.Get(ctx, key, attempt > 0)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, model.ErrNotFound
		}
		if err := fn(current); err != nil {
			return nil, err
		}
		err = store.Save(ctx, current)
		if err == nil {
			return current, nil
		}
		if !errors.Is(err, model.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("mutate session %s: %w", key, lastErr)
}
