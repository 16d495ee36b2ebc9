package device

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/memorial-call/backend/internal/model/protocol"
	model "github.com/zhouzirui/memorial-call/backend/internal/model/session"
	sessionsvc "github.com/zhouzirui/memorial-call/backend/internal/service/session"
	"github.com/zhouzirui/memorial-call/backend/pkg/apperr"
	"github.com/zhouzirui/memorial-call/backend/pkg/logger"
)

// Sender delivers one frame to one transport.
type Sender interface {
	SendTo(transportID string, msg protocol.Outbound) error
}

// Coordinator tracks the devices attached to each session in this process
// and is the single fan-out point for session broadcasts.
type Coordinator struct {
	store  model.Store
	sender Sender
	log    logrus.FieldLogger
	now    func() time.Time

	mu      sync.RWMutex
	devices map[string]map[string]model.DeviceBinding
}

// NewCoordinator 创建多设备协调器。
func NewCoordinator(store model.Store, sender Sender, log logrus.FieldLogger) *Coordinator {
	return &Coordinator{
		store:   store,
		sender:  sender,
		log:     logger.Component(log, "device"),
		now:     time.Now,
		devices: make(map[string]map[string]model.DeviceBinding),
	}
}

// RegisterDevice attaches binding to key, replacing an earlier binding for
// the same device id, and notifies the other devices.
func (c *Coordinator) RegisterDevice(ctx context.Context, key string, binding model.DeviceBinding) {
	if binding.RegisteredAt.IsZero() {
		binding.RegisteredAt = c.now().UTC()
	}
	if binding.DeviceType == "" {
		binding.DeviceType = model.DeviceUnknown
	}

	c.mu.Lock()
	set, ok := c.devices[key]
	if !ok {
		set = make(map[string]model.DeviceBinding)
		c.devices[key] = set
	}
	set[binding.DeviceID] = binding
	count := len(set)
	c.mu.Unlock()

	c.broadcast(ctx, key, protocol.NewOutbound(protocol.TypeDeviceRegistered, map[string]any{
		"deviceId":    binding.DeviceID,
		"deviceType":  binding.DeviceType,
		"deviceCount": count,
	}), binding.DeviceID)
}

// UnregisterDevice detaches deviceID and notifies the remaining devices.
func (c *Coordinator) UnregisterDevice(ctx context.Context, key, deviceID string) bool {
	c.mu.Lock()
	set, ok := c.devices[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	binding, ok := set[deviceID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(set, deviceID)
	remaining := len(set)
	if remaining == 0 {
		delete(c.devices, key)
	}
	c.mu.Unlock()

	c.broadcast(ctx, key, protocol.NewOutbound(protocol.TypeDeviceDisconnected, map[string]any{
		"deviceId":    binding.DeviceID,
		"deviceType":  binding.DeviceType,
		"deviceCount": remaining,
	}), "")
	return true
}

// UnregisterTransport detaches whichever device uses transportID.
func (c *Coordinator) UnregisterTransport(ctx context.Context, key, transportID string) bool {
	c.mu.RLock()
	var deviceID string
	found := false
	for id, binding := range c.devices[key] {
		if binding.TransportID == transportID {
			deviceID = id
			found = true
			break
		}
	}
	c.mu.RUnlock()
	if !found {
		return false
	}
	return c.UnregisterDevice(ctx, key, deviceID)
}

// SetPrimaryDevice makes deviceID the session's primary device.
func (c *Coordinator) SetPrimaryDevice(ctx context.Context, key, deviceID string) (*model.Session, error) {
	c.mu.RLock()
	binding, ok := c.devices[key][deviceID]
	c.mu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, apperr.CodeDeviceNotFound, "device is not attached to this session")
	}

	updated, err := sessionsvc.Mutate(ctx, c.store, key, func(s *model.Session) error {
		s.DeviceID = binding.DeviceID
		s.DeviceType = binding.DeviceType
		s.IsPrimaryDevice = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.BroadcastToAllDevices(ctx, key, protocol.NewOutbound(protocol.TypePrimaryDeviceChanged, map[string]any{
		"deviceId":   binding.DeviceID,
		"deviceType": binding.DeviceType,
	}))
	return updated, nil
}

// BroadcastToAllDevices sends msg to every attached device and returns the
// number of successful deliveries. Zero devices is a no-op.
func (c *Coordinator) BroadcastToAllDevices(ctx context.Context, key string, msg protocol.Outbound) int {
	return c.broadcast(ctx, key, msg, "")
}

func (c *Coordinator) broadcast(_ context.Context, key string, msg protocol.Outbound, skipDevice string) int {
	bindings := c.Devices(key)
	delivered := 0
	for _, binding := range bindings {
		if skipDevice != "" && binding.DeviceID == skipDevice {
			continue
		}
		if err := c.sender.SendTo(binding.TransportID, msg); err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{
				"session": key,
				"device":  binding.DeviceID,
				"type":    msg.Type,
			}).Debug("broadcast delivery failed")
			continue
		}
		delivered++
	}
	return delivered
}

// CleanupSession drops the whole device set for key.
func (c *Coordinator) CleanupSession(key string) []model.DeviceBinding {
	c.mu.Lock()
	set := c.devices[key]
	delete(c.devices, key)
	c.mu.Unlock()

	out := make([]model.DeviceBinding, 0, len(set))
	for _, binding := range set {
		out = append(out, binding)
	}
	return out
}

// Devices lists the bindings for key, oldest first.
func (c *Coordinator) Devices(key string) []model.DeviceBinding {
	c.mu.RLock()
	set := c.devices[key]
	out := make([]model.DeviceBinding, 0, len(set))
	for _, binding := range set {
		out = append(out, binding)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

// SessionKeys lists sessions with at least one attached device.
func (c *Coordinator) SessionKeys() []string {
	c.mu.RLock()
	keys := make([]string, 0, len(c.devices))
	for key := range c.devices {
		keys = append(keys, key)
	}
	c.mu.RUnlock()
	sort.Strings(keys)
	return keys
}
