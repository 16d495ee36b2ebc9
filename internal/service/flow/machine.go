package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zhouzirui/memorial-call/backend/internal/model/protocol"
	model "github.com/zhouzirui/memorial-call/backend/internal/model/session"
	"github.com/zhouzirui/memorial-call/backend/internal/service/identity"
	sessionsvc "github.com/zhouzirui/memorial-call/backend/internal/service/session"
	"github.com/zhouzirui/memorial-call/backend/pkg/apperr"
	"github.com/zhouzirui/memorial-call/backend/pkg/logger"
	"github.com/zhouzirui/memorial-call/backend/pkg/telemetry"
)

// ErrNoChange is returned by Transition when the session already sits in the
// requested state. Nothing is saved or broadcast.
var ErrNoChange = errors.New("session already in target state")

// Broadcaster fans a frame out to every device attached to a session.
type Broadcaster interface {
	BroadcastToAllDevices(ctx context.Context, key string, msg protocol.Outbound) int
}

// Scheduler runs long-lived background loops.
type Scheduler interface {
	GoLoop(name string, fn func(ctx context.Context)) error
}

// Config controls side effects of the machine.
type Config struct {
	CountdownSeconds int
	// ProgressInterval is the PROCESSING_PROGRESS cadence; zero disables it.
	ProgressInterval time.Duration
	Now              func() time.Time
}

// Machine applies transitions to stored sessions and broadcasts their effects.
type Machine struct {
	store   model.Store
	bc      Broadcaster
	pool    Scheduler
	cfg     Config
	log     logrus.FieldLogger
	tracer  trace.Tracer
	effects EffectConfig
	feed    *Feed

	mu      sync.Mutex
	tickers map[string]*progressTicker
}

type progressTicker struct {
	cancel context.CancelFunc
}

// NewMachine 创建状态机。pool 为空时不启动进度推送。
func NewMachine(store model.Store, bc Broadcaster, pool Scheduler, cfg Config, log logrus.FieldLogger) *Machine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Machine{
		store:   store,
		bc:      bc,
		pool:    pool,
		cfg:     cfg,
		log:     logger.Component(log, "flow"),
		tracer:  telemetry.Tracer("flow"),
		effects: EffectConfig{CountdownSeconds: cfg.CountdownSeconds},
		feed:    NewFeed(),
		tickers: make(map[string]*progressTicker),
	}
}

// TransitionOption edits the session inside the same save as the state change.
type TransitionOption func(*model.Session)

// WithMutation applies fn alongside the transition.
func WithMutation(fn func(*model.Session)) TransitionOption {
	return TransitionOption(fn)
}

// WithError records the code and message carried by the ERROR broadcast.
func WithError(code, message string) TransitionOption {
	return func(s *model.Session) {
		s.SetMeta(model.MetaErrorCode, code)
		s.SetMeta(model.MetaErrorMessage, message)
	}
}

// Transition moves key to target along a declared edge, persists, broadcasts
// the entry effects and follows any automatic advance. The returned session is
// the final state after auto-advance.
func (m *Machine) Transition(ctx context.Context, key string, target model.FlowState, opts ...TransitionOption) (*model.Session, error) {
	ctx, span := m.tracer.Start(ctx, "flow.Transition", trace.WithAttributes(
		attribute.String("session.key", key),
		attribute.String("flow.target", string(target)),
	))
	defer span.End()

	var (
		from      model.FlowState
		unchanged *model.Session
	)
	updated, err := sessionsvc.Mutate(ctx, m.store, key, func(s *model.Session) error {
		from = s.FlowState
		if s.FlowState == target {
			unchanged = s.Clone()
			return ErrNoChange
		}
		if !CanTransition(s.FlowState, target) {
			return apperr.New(apperr.KindStateTransition, apperr.CodeInvalidTransition,
				fmt.Sprintf("cannot move from %s to %s", s.FlowState, target))
		}
		for _, opt := range opts {
			opt(s)
		}
		s.FlowState = target
		s.LastStateChangeAt = m.cfg.Now().UTC()
		return nil
	})
	if errors.Is(err, ErrNoChange) {
		return unchanged, ErrNoChange
	}
	if err != nil {
		err = mapStoreError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.CodeOf(err))
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"session": key,
		"from":    from,
		"to":      target,
	}).Info("flow state changed")
	m.afterEnter(ctx, from, updated, false)

	if next, ok := AutoAdvance(target); ok {
		return m.Transition(ctx, key, next)
	}
	return updated, nil
}

// TransitionToState reports whether the transition was applied.
func (m *Machine) TransitionToState(ctx context.Context, key string, target model.FlowState) bool {
	_, err := m.Transition(ctx, key, target)
	return err == nil
}

// Operator is the capability required for forced transitions. Only
// NewOperator can produce a usable value.
type Operator struct {
	memberID int64
	valid    bool
}

// NewOperator mints the capability for identities carrying the operator role.
func NewOperator(id identity.Identity) (Operator, error) {
	if !id.IsOperator() {
		return Operator{}, apperr.New(apperr.KindAuthorization, apperr.CodeOperatorRequired, "operator role is required")
	}
	return Operator{memberID: id.MemberID, valid: true}, nil
}

func (o Operator) MemberID() int64 { return o.memberID }

// ForceTransition moves key to target without edge validation. A completed
// call stays completed.
func (m *Machine) ForceTransition(ctx context.Context, op Operator, key string, target model.FlowState, reason string) (*model.Session, error) {
	if !op.valid {
		return nil, apperr.New(apperr.KindAuthorization, apperr.CodeOperatorRequired, "operator role is required")
	}
	if _, ok := model.ParseFlowState(string(target)); !ok {
		return nil, apperr.New(apperr.KindValidation, apperr.CodeUnknownState, "unknown flow state: "+string(target))
	}

	ctx, span := m.tracer.Start(ctx, "flow.ForceTransition", trace.WithAttributes(
		attribute.String("session.key", key),
		attribute.String("flow.target", string(target)),
		attribute.Int64("operator.id", op.memberID),
	))
	defer span.End()

	var from model.FlowState
	updated, err := sessionsvc.Mutate(ctx, m.store, key, func(s *model.Session) error {
		from = s.FlowState
		if s.FlowState.Terminal() {
			return apperr.New(apperr.KindStateTransition, apperr.CodeInvalidTransition, "call is already completed")
		}
		s.SetMeta(model.MetaForcedReason, reason)
		s.FlowState = target
		s.LastStateChangeAt = m.cfg.Now().UTC()
		return nil
	})
	if err != nil {
		err = mapStoreError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.CodeOf(err))
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"session":  key,
		"from":     from,
		"to":       target,
		"operator": op.memberID,
		"reason":   reason,
	}).Warn("forced flow transition")
	m.afterEnter(ctx, from, updated, true)

	if next, ok := AutoAdvance(target); ok {
		return m.Transition(ctx, key, next)
	}
	return updated, nil
}

// Feed exposes the transition feed.
func (m *Machine) Feed() *Feed { return m.feed }

func (m *Machine) afterEnter(ctx context.Context, from model.FlowState, s *model.Session, forced bool) {
	if dropped := m.feed.Publish(Event{
		SessionKey: s.Key,
		From:       from,
		To:         s.FlowState,
		Forced:     forced,
		At:         s.LastStateChangeAt,
	}); dropped > 0 {
		m.log.WithField("session", s.Key).WithField("dropped", dropped).Debug("transition feed subscribers lagging")
	}
	if from == model.StateProcessingAI && s.FlowState != model.StateProcessingAI {
		m.stopProgress(s.Key)
	}
	for _, msg := range Effects(s, m.effects) {
		m.bc.BroadcastToAllDevices(ctx, s.Key, msg)
	}
	if s.FlowState == model.StateProcessingAI {
		m.startProgress(s.Key)
	}
}

func (m *Machine) startProgress(key string) {
	if m.pool == nil || m.cfg.ProgressInterval <= 0 {
		return
	}

	m.mu.Lock()
	if _, running := m.tickers[key]; running {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	ticker := &progressTicker{cancel: cancel}
	m.tickers[key] = ticker
	m.mu.Unlock()

	started := m.cfg.Now()
	err := m.pool.GoLoop("progress:"+key, func(poolCtx context.Context) {
		defer m.dropTicker(key, ticker)
		t := time.NewTicker(m.cfg.ProgressInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-poolCtx.Done():
				return
			case <-t.C:
				s, ok, err := m.store.Get(ctx, key, false)
				if err != nil || !ok || s.FlowState != model.StateProcessingAI {
					return
				}
				m.bc.BroadcastToAllDevices(ctx, key, protocol.NewOutbound(protocol.TypeProcessingProgress, map[string]any{
					"sessionKey":     key,
					"flowState":      s.FlowState,
					"elapsedSeconds": int64(m.cfg.Now().Sub(started).Seconds()),
				}))
			}
		}
	})
	if err != nil {
		m.log.WithError(err).WithField("session", key).Warn("progress ticker not started")
		m.dropTicker(key, ticker)
	}
}

func (m *Machine) stopProgress(key string) {
	m.mu.Lock()
	ticker, ok := m.tickers[key]
	delete(m.tickers, key)
	m.mu.Unlock()
	if ok {
		ticker.cancel()
	}
}

func (m *Machine) dropTicker(key string, ticker *progressTicker) {
	m.mu.Lock()
	if m.tickers[key] == ticker {
		delete(m.tickers, key)
	}
	m.mu.Unlock()
	ticker.cancel()
}

func (m *Machine) progressRunning(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tickers[key]
	return ok
}

// EffectsFor returns the frames a client should see for the current state.
func (m *Machine) EffectsFor(s *model.Session) []protocol.Outbound {
	return Effects(s, m.effects)
}

// Forget stops background work for a deleted session.
func (m *Machine) Forget(key string) {
	m.stopProgress(key)
}

// Stop cancels every progress ticker.
func (m *Machine) Stop() {
	m.mu.Lock()
	tickers := m.tickers
	m.tickers = make(map[string]*progressTicker)
	m.mu.Unlock()
	for _, t := range tickers {
		t.cancel()
	}
}

func mapStoreError(err error) error {
	if errors.Is(err, model.ErrNotFound) {
		return apperr.Wrap(apperr.KindNotFound, apperr.CodeSessionNotFound, "session not found", err)
	}
	if errors.Is(err, model.ErrConflict) {
		return apperr.Wrap(apperr.KindUnknown, apperr.CodeSessionConflict, "session changed concurrently", err)
	}
	return err
}
