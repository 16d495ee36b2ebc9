package heartbeat

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/memorial-call/backend/internal/model/protocol"
	model "github.com/zhouzirui/memorial-call/backend/internal/model/session"
	"github.com/zhouzirui/memorial-call/backend/internal/service/connection"
	"github.com/zhouzirui/memorial-call/backend/pkg/apperr"
	"github.com/zhouzirui/memorial-call/backend/pkg/logger"
)

const (
	DefaultInterval      = 30 * time.Second
	DefaultSweepInterval = 60 * time.Second
)

// Transports is the slice of the connection registry the monitor needs.
type Transports interface {
	BoundSessions() []string
	Lookup(sessionKey string) (connection.Transport, bool)
	CloseSession(sessionKey string, code int, reason string) int
}

// Devices is the slice of the device coordinator the monitor needs.
type Devices interface {
	SessionKeys() []string
	CleanupSession(key string) []model.DeviceBinding
}

type Config struct {
	Interval      time.Duration
	SweepInterval time.Duration
	// OnRelease runs for every session whose local state was released by a
	// sweep.
	OnRelease func(key string)
}

// SweepResult reports one sweep.
type SweepResult struct {
	Expired  int `json:"expired"`
	Released int `json:"released"`
}

// Monitor refreshes TTLs, probes bound transports and reclaims expired
// sessions together with their process-local bindings.
type Monitor struct {
	store      model.Store
	transports Transports
	devices    Devices
	cfg        Config
	log        logrus.FieldLogger
}

// NewMonitor 创建心跳监控。
func NewMonitor(store model.Store, transports Transports, devices Devices, cfg Config, log logrus.FieldLogger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &Monitor{
		store:      store,
		transports: transports,
		devices:    devices,
		cfg:        cfg,
		log:        logger.Component(log, "heartbeat"),
	}
}

// Touch resets the TTL of key. It reports false when the session is gone.
func (m *Monitor) Touch(ctx context.Context, key string) (bool, error) {
	return m.store.ExtendTTL(ctx, key)
}

// Run probes and sweeps until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	probe := time.NewTicker(m.cfg.Interval)
	sweep := time.NewTicker(m.cfg.SweepInterval)
	defer probe.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-probe.C:
			m.ProbeAll(ctx)
		case <-sweep.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.log.WithError(err).Warn("session sweep failed")
			}
		}
	}
}

// ProbeAll sends HEARTBEAT to every locally bound transport.
func (m *Monitor) ProbeAll(ctx context.Context) int {
	sent := 0
	for _, key := range m.transports.BoundSessions() {
		if ctx.Err() != nil {
			return sent
		}
		if m.probe(key) {
			sent++
		}
	}
	return sent
}

// SendManual probes one session outside the interval. It fails when the
// session is absent; delivered is false when no transport is bound here.
func (m *Monitor) SendManual(ctx context.Context, key string) (delivered bool, err error) {
	_, ok, err := m.store.Get(ctx, key, true)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, apperr.New(apperr.KindNotFound, apperr.CodeSessionNotFound, "session not found")
	}
	return m.probe(key), nil
}

func (m *Monitor) probe(key string) bool {
	t, ok := m.transports.Lookup(key)
	if !ok {
		return false
	}
	if err := t.Send(protocol.NewOutbound(protocol.TypeHeartbeat, map[string]any{"sessionKey": key})); err != nil {
		m.log.WithError(err).WithField("session", key).Debug("heartbeat probe failed")
		return false
	}
	return true
}

// Sweep deletes expired sessions and releases device sets and transports
// whose session no longer exists.
func (m *Monitor) Sweep(ctx context.Context) (SweepResult, error) {
	expired, err := m.store.CleanupExpired(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	result := SweepResult{Expired: expired}

	for _, key := range m.trackedKeys() {
		_, ok, err := m.store.Get(ctx, key, true)
		if err != nil {
			m.log.WithError(err).WithField("session", key).Warn("sweep could not read session")
			continue
		}
		if ok {
			continue
		}
		m.Release(key)
		result.Released++
	}

	if result.Expired > 0 || result.Released > 0 {
		m.log.WithFields(logrus.Fields{
			"expired":  result.Expired,
			"released": result.Released,
		}).Info("session sweep finished")
	}
	return result, nil
}

// Release drops every process-local binding of key and closes its
// transports with SESSION_EXPIRED.
func (m *Monitor) Release(key string) {
	m.devices.CleanupSession(key)
	m.transports.CloseSession(key, protocol.CloseSessionExpired, "SESSION_EXPIRED")
	if m.cfg.OnRelease != nil {
		m.cfg.OnRelease(key)
	}
}

func (m *Monitor) trackedKeys() []string {
	seen := make(map[string]struct{})
	for _, key := range m.transports.BoundSessions() {
		seen[key] = struct{}{}
	}
	for _, key := range m.devices.SessionKeys() {
		seen[key] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
