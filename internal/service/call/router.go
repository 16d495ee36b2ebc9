package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/memorial-call/backend/internal/model/protocol"
	model "github.com/zhouzirui/memorial-call/backend/internal/model/session"
	"github.com/zhouzirui/memorial-call/backend/internal/service/connection"
	"github.com/zhouzirui/memorial-call/backend/internal/service/device"
	"github.com/zhouzirui/memorial-call/backend/internal/service/flow"
	"github.com/zhouzirui/memorial-call/backend/internal/service/identity"
	sessionsvc "github.com/zhouzirui/memorial-call/backend/internal/service/session"
	"github.com/zhouzirui/memorial-call/backend/pkg/apperr"
	"github.com/zhouzirui/memorial-call/backend/pkg/logger"
)

// Conn is the per-transport state owned by that transport's read loop.
type Conn struct {
	Transport   connection.Transport
	SessionKey  string
	DeviceClass model.DeviceType

	authed   bool
	memberID int64
	deviceID string
}

// Verdict tells the transport loop whether to close after a frame.
type Verdict struct {
	Close  bool
	Code   int
	Reason string
}

func keepOpen() Verdict { return Verdict{} }

func closeWith(code int, reason string) Verdict {
	return Verdict{Close: true, Code: code, Reason: reason}
}

// Router authenticates transports and dispatches their frames.
type Router struct {
	store    model.Store
	registry *connection.Registry
	devices  *device.Coordinator
	machine  *flow.Machine
	verifier identity.Verifier
	log      logrus.FieldLogger
	now      func() time.Time

	connecting sessionLocks
}

// NewRouter 创建消息路由。
func NewRouter(store model.Store, registry *connection.Registry, devices *device.Coordinator, machine *flow.Machine, verifier identity.Verifier, log logrus.FieldLogger) *Router {
	return &Router{
		store:    store,
		registry: registry,
		devices:  devices,
		machine:  machine,
		verifier: verifier,
		log:      logger.Component(log, "router"),
		now:      time.Now,
	}
}

// Open registers a freshly upgraded, unauthenticated transport.
func (r *Router) Open(t connection.Transport, sessionKey string, class model.DeviceType) *Conn {
	r.registry.Add(t, sessionKey)
	return &Conn{Transport: t, SessionKey: sessionKey, DeviceClass: class}
}

// ExpireUnauthenticated closes c with AUTH_TIMEOUT unless CONNECT succeeded.
func (r *Router) ExpireUnauthenticated(c *Conn) bool {
	if _, ok := r.registry.Authenticated(c.Transport.ID()); ok {
		return false
	}
	r.log.WithFields(logrus.Fields{
		"session":   c.SessionKey,
		"transport": c.Transport.ID(),
	}).Info("closing unauthenticated transport")
	r.registry.Remove(c.Transport.ID())
	_ = c.Transport.Close(protocol.CloseAuthTimeout, "AUTH_TIMEOUT")
	return true
}

// Handle processes one inbound frame. Errors are answered on c only.
func (r *Router) Handle(ctx context.Context, c *Conn, data []byte) Verdict {
	in, err := protocol.ParseInbound(data)
	if err != nil {
		r.reply(c, protocol.ErrorFrom(err))
		return keepOpen()
	}

	if in.Type == protocol.TypeConnect {
		return r.handleConnect(ctx, c, in)
	}
	if !c.authed {
		r.reply(c, protocol.NewError(apperr.CodeAuthRequired, "CONNECT must be the first message"))
		return keepOpen()
	}

	s, verdict, ok := r.authorize(ctx, c)
	if !ok {
		return verdict
	}
	if _, err := r.store.ExtendTTL(ctx, c.SessionKey); err != nil {
		r.log.WithError(err).WithField("session", c.SessionKey).Warn("ttl refresh failed")
	}

	switch in.Type {
	case protocol.TypeHeartbeatResponse:
		r.reply(c, protocol.NewOutbound(protocol.TypeHeartbeatAck, map[string]any{"sessionKey": c.SessionKey}))
	case protocol.TypeVideoUploadComplete:
		return r.handleUploadComplete(ctx, c, in)
	case protocol.TypeClientStateChange:
		var p protocol.ClientStateChangePayload
		if err := in.Decode(&p); err != nil {
			r.reply(c, protocol.ErrorFrom(err))
			return keepOpen()
		}
		target, ok := model.ParseFlowState(p.State)
		if !ok {
			r.reply(c, protocol.NewError(apperr.CodeUnknownState, "unknown flow state: "+p.State))
			return keepOpen()
		}
		r.transition(ctx, c, in.Type, target)
	case protocol.TypePermissionStatus:
		return r.handlePermissions(ctx, c, in)
	case protocol.TypeDeviceInfo:
		return r.handleDeviceInfo(ctx, c, in)
	case protocol.TypeWaitingVideoStarted:
		r.transition(ctx, c, in.Type, model.StateWaitingPlaying)
	case protocol.TypeRecordingReady:
		r.transition(ctx, c, in.Type, model.StateRecordingCountdown)
	case protocol.TypeRecordingStarted:
		r.transition(ctx, c, in.Type, model.StateRecordingActive)
	case protocol.TypeRecordingStopped:
		r.transition(ctx, c, in.Type, model.StateRecordingComplete)
	case protocol.TypeResponseVideoStarted:
		r.transition(ctx, c, in.Type, model.StateResponsePlaying)
	case protocol.TypeResponseVideoEnded:
		r.transition(ctx, c, in.Type, model.StateResponseComplete)
	case protocol.TypeWaitingVideoError, protocol.TypeRecordingError, protocol.TypeResponseVideoError:
		var p protocol.ClientErrorPayload
		_ = in.Decode(&p)
		code := p.Code
		if code == "" {
			code = apperr.CodeClientMedia
		}
		message := p.Message
		if message == "" {
			message = "client reported a media failure"
		}
		r.transition(ctx, c, in.Type, model.StateErrorProcessing, flow.WithError(code, message))
	case protocol.TypeTokenRefresh:
		return r.handleTokenRefresh(c, in, s)
	case protocol.TypeDisconnect:
		return r.handleDisconnect(ctx, c, in)
	default:
		r.reply(c, protocol.NewError(apperr.CodeUnknownMessageType, "unsupported message type: "+string(in.Type)))
	}
	return keepOpen()
}

// authorize re-checks existence, ownership and transport authority.
func (r *Router) authorize(ctx context.Context, c *Conn) (*model.Session, Verdict, bool) {
	s, ok, err := r.store.Get(ctx, c.SessionKey, true)
	if err != nil {
		r.reply(c, protocol.ErrorFrom(err))
		return nil, keepOpen(), false
	}
	if !ok {
		r.reply(c, protocol.NewError(apperr.CodeSessionNotFound, "session not found"))
		r.drop(ctx, c)
		return nil, closeWith(protocol.CloseSessionExpired, "SESSION_EXPIRED"), false
	}
	if s.OwnerID != c.memberID {
		r.reply(c, protocol.NewError(apperr.CodeSessionAccessDenied, "session belongs to another member"))
		r.drop(ctx, c)
		return nil, closeWith(protocol.CloseAccessDenied, "SESSION_ACCESS_DENIED"), false
	}
	if !s.BoundTo(c.Transport.ID()) {
		// 另一个传输已接管该会话
		r.log.WithFields(logrus.Fields{
			"session":   c.SessionKey,
			"transport": c.Transport.ID(),
		}).Info("transport superseded")
		r.reply(c, protocol.NewError(apperr.CodeTransportSuperseded, "another connection took over this session"))
		r.drop(ctx, c)
		return nil, closeWith(protocol.CloseSuperseded, "SUPERSEDED"), false
	}
	return s, keepOpen(), true
}

func (r *Router) handleConnect(ctx context.Context, c *Conn, in protocol.Inbound) Verdict {
	if c.authed {
		r.reply(c, protocol.NewError(apperr.CodeAlreadyConnected, "transport is already connected"))
		return keepOpen()
	}
	var p protocol.ConnectPayload
	if err := in.Decode(&p); err != nil {
		r.reply(c, protocol.ErrorFrom(err))
		return keepOpen()
	}

	id, err := r.verifier.Verify(p.Token)
	if err != nil {
		r.reply(c, protocol.ErrorFrom(err))
		return closeWith(protocol.CloseAccessDenied, apperr.CodeOf(err))
	}
	s, ok, err := r.store.Get(ctx, c.SessionKey, true)
	if err != nil {
		r.reply(c, protocol.ErrorFrom(err))
		return keepOpen()
	}
	if !ok {
		r.reply(c, protocol.NewError(apperr.CodeSessionNotFound, "session not found"))
		return closeWith(protocol.CloseSessionExpired, "SESSION_NOT_FOUND")
	}
	if id.MemberID != s.OwnerID || (p.MemberID != nil && *p.MemberID != id.MemberID) {
		r.log.WithFields(logrus.Fields{
			"session": c.SessionKey,
			"member":  id.MemberID,
		}).Warn("connect rejected: member mismatch")
		r.reply(c, protocol.NewError(apperr.CodeMemberIDMismatch, "credential does not match the session owner"))
		return closeWith(protocol.CloseAccessDenied, apperr.CodeMemberIDMismatch)
	}

	// 同一会话的 CONNECT 串行执行，保证任一时刻只有一个传输被接受
	unlock := r.connecting.lock(c.SessionKey)
	defer unlock()

	transportID := c.Transport.ID()
	if prev, bound := r.registry.Lookup(c.SessionKey); bound && prev.ID() != transportID {
		r.supersede(ctx, c.SessionKey, prev)
	}

	deviceType := model.ParseDeviceType(p.DeviceType)
	if deviceType == model.DeviceUnknown {
		deviceType = c.DeviceClass
	}
	deviceID := p.DeviceID
	if deviceID == "" {
		deviceID = "device-" + transportID
	}

	var reconnected bool
	now := r.now().UTC()
	updated, err := sessionsvc.Mutate(ctx, r.store, c.SessionKey, func(s *model.Session) error {
		reconnected = p.Reconnect || s.LastConnectedAt != nil
		if reconnected {
			s.ReconnectCount++
		}
		s.BindTransport(transportID)
		connectedAt := now
		s.LastConnectedAt = &connectedAt
		if s.DeviceID == "" || s.DeviceID == deviceID || !s.IsPrimaryDevice {
			s.DeviceID = deviceID
			s.DeviceType = deviceType
			s.IsPrimaryDevice = true
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			r.reply(c, protocol.NewError(apperr.CodeSessionNotFound, "session not found"))
			return closeWith(protocol.CloseSessionExpired, "SESSION_NOT_FOUND")
		}
		r.reply(c, protocol.ErrorFrom(err))
		return keepOpen()
	}

	if prev, _ := r.registry.Bind(c.SessionKey, transportID, id.MemberID); prev != nil {
		r.supersede(ctx, c.SessionKey, prev)
	}
	c.authed = true
	c.memberID = id.MemberID
	c.deviceID = deviceID
	r.devices.RegisterDevice(ctx, c.SessionKey, model.DeviceBinding{
		DeviceID:    deviceID,
		DeviceType:  deviceType,
		TransportID: transportID,
	})

	r.log.WithFields(logrus.Fields{
		"session":     c.SessionKey,
		"transport":   transportID,
		"member":      id.MemberID,
		"reconnected": reconnected,
		"state":       updated.FlowState,
	}).Info("transport connected")

	r.reply(c, protocol.NewOutbound(protocol.TypeConnected, map[string]any{
		"sessionKey":      updated.Key,
		"flowState":       updated.FlowState,
		"reconnected":     reconnected,
		"reconnectCount":  updated.ReconnectCount,
		"transportId":     transportID,
		"waitingAssetUrl": updated.WaitingAssetURL,
	}))

	if updated.FlowState == model.StateInitializing {
		if _, err := r.machine.Transition(ctx, c.SessionKey, model.StatePermissionRequested); err != nil && !errors.Is(err, flow.ErrNoChange) {
			r.log.WithError(err).WithField("session", c.SessionKey).Warn("could not request permissions")
		}
	} else if reconnected {
		// 重连时把当前状态的指令重发给新传输
		for _, msg := range r.machine.EffectsFor(updated) {
			r.reply(c, msg)
		}
	}
	return keepOpen()
}

// supersede closes prev, the transport that held key before this CONNECT.
func (r *Router) supersede(ctx context.Context, key string, prev connection.Transport) {
	r.log.WithFields(logrus.Fields{
		"session":  key,
		"previous": prev.ID(),
	}).Info("superseding previous transport")
	r.registry.Remove(prev.ID())
	r.devices.UnregisterTransport(ctx, key, prev.ID())
	_ = prev.Close(protocol.CloseSuperseded, "SUPERSEDED")
}

func (r *Router) handleUploadComplete(ctx context.Context, c *Conn, in protocol.Inbound) Verdict {
	var p protocol.VideoUploadCompletePayload
	if err := in.Decode(&p); err != nil {
		r.reply(c, protocol.ErrorFrom(err))
		return keepOpen()
	}
	now := r.now().UTC()
	if _, err := sessionsvc.Mutate(ctx, r.store, c.SessionKey, func(s *model.Session) error {
		s.SavedRecordingRef = p.RecordingRef
		s.SetMeta(model.MetaRecordingUploaded, now.Format(time.RFC3339))
		return nil
	}); err != nil {
		r.reply(c, protocol.ErrorFrom(mapStoreError(err)))
		return keepOpen()
	}
	r.ack(c, protocol.TypeVideoUploadComplete, nil)
	return keepOpen()
}

func (r *Router) handlePermissions(ctx context.Context, c *Conn, in protocol.Inbound) Verdict {
	var p protocol.PermissionStatusPayload
	if err := in.Decode(&p); err != nil {
		r.reply(c, protocol.ErrorFrom(err))
		return keepOpen()
	}
	updated, err := sessionsvc.Mutate(ctx, r.store, c.SessionKey, func(s *model.Session) error {
		s.SetMeta(model.MetaCameraGranted, boolString(p.Camera))
		s.SetMeta(model.MetaMicrophoneGranted, boolString(p.Microphone))
		return nil
	})
	if err != nil {
		r.reply(c, protocol.ErrorFrom(mapStoreError(err)))
		return keepOpen()
	}
	if p.Camera && p.Microphone && updated.FlowState == model.StatePermissionRequested {
		r.transition(ctx, c, in.Type, model.StatePermissionGranted)
		return keepOpen()
	}
	r.ack(c, in.Type, updated)
	return keepOpen()
}

func (r *Router) handleDeviceInfo(ctx context.Context, c *Conn, in protocol.Inbound) Verdict {
	var p protocol.DeviceInfoPayload
	if err := in.Decode(&p); err != nil {
		r.reply(c, protocol.ErrorFrom(err))
		return keepOpen()
	}
	updated, err := sessionsvc.Mutate(ctx, r.store, c.SessionKey, func(s *model.Session) error {
		if p.UserAgent != "" {
			s.SetMeta(model.MetaUserAgent, p.UserAgent)
		}
		if p.Platform != "" {
			s.SetMeta(model.MetaPlatform, p.Platform)
		}
		if dt := model.ParseDeviceType(p.DeviceType); dt != model.DeviceUnknown && s.DeviceID == c.deviceID {
			s.DeviceType = dt
		}
		return nil
	})
	if err != nil {
		r.reply(c, protocol.ErrorFrom(mapStoreError(err)))
		return keepOpen()
	}
	r.ack(c, in.Type, updated)
	return keepOpen()
}

func (r *Router) handleTokenRefresh(c *Conn, in protocol.Inbound, s *model.Session) Verdict {
	var p protocol.TokenRefreshPayload
	if err := in.Decode(&p); err != nil {
		r.reply(c, protocol.ErrorFrom(err))
		return keepOpen()
	}
	id, err := r.verifier.Verify(p.Token)
	if err != nil {
		r.reply(c, protocol.ErrorFrom(err))
		return keepOpen()
	}
	if id.MemberID != s.OwnerID {
		r.reply(c, protocol.NewError(apperr.CodeSessionAccessDenied, "credential does not match the session owner"))
		return closeWith(protocol.CloseAccessDenied, apperr.CodeSessionAccessDenied)
	}
	c.memberID = id.MemberID
	r.registry.SetMember(c.Transport.ID(), id.MemberID)
	r.reply(c, protocol.NewOutbound(protocol.TypeTokenRefreshed, map[string]any{
		"sessionKey": c.SessionKey,
		"expiresAt":  id.ExpiresAt.UnixMilli(),
	}))
	return keepOpen()
}

func (r *Router) handleDisconnect(ctx context.Context, c *Conn, in protocol.Inbound) Verdict {
	var p protocol.DisconnectPayload
	_ = in.Decode(&p)

	if p.Reason == protocol.ReasonUserTerminated {
		r.Terminate(ctx, c.SessionKey)
		return closeWith(protocol.CloseNormal, protocol.ReasonUserTerminated)
	}
	r.Disconnected(ctx, c, p.Reason)
	return closeWith(protocol.CloseNormal, "DISCONNECTED")
}

// Disconnected releases c without touching the session beyond clearing its
// transport binding.
func (r *Router) Disconnected(ctx context.Context, c *Conn, reason string) {
	transportID := c.Transport.ID()
	r.registry.Remove(transportID)
	if !c.authed {
		return
	}
	c.authed = false
	r.devices.UnregisterTransport(ctx, c.SessionKey, transportID)

	_, err := sessionsvc.Mutate(ctx, r.store, c.SessionKey, func(s *model.Session) error {
		if s.BoundTo(transportID) {
			s.ClearTransport()
		}
		return nil
	})
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		r.log.WithError(err).WithField("session", c.SessionKey).Warn("could not clear transport binding")
	}
	if reason == "" {
		reason = protocol.ReasonTransportLost
	}
	r.log.WithFields(logrus.Fields{
		"session":   c.SessionKey,
		"transport": transportID,
		"reason":    reason,
	}).Info("transport disconnected")
}

// Terminate completes the call, deletes the session and releases every local
// binding. It is safe to call for sessions that are already gone.
func (r *Router) Terminate(ctx context.Context, key string) {
	if _, err := r.machine.Transition(ctx, key, model.StateCallCompleted); err != nil &&
		!errors.Is(err, flow.ErrNoChange) && apperr.KindOf(err) != apperr.KindNotFound {
		r.log.WithError(err).WithField("session", key).Warn("could not complete call before deletion")
	}
	if err := r.store.Delete(ctx, key); err != nil {
		r.log.WithError(err).WithField("session", key).Warn("session delete failed")
	}
	r.machine.Forget(key)
	r.devices.CleanupSession(key)
	r.registry.CloseSession(key, protocol.CloseNormal, "CALL_COMPLETED")
	r.log.WithField("session", key).Info("session terminated")
}

// transition applies target and answers the sender. Success is visible
// through the broadcast effects; an unchanged state is acknowledged.
func (r *Router) transition(ctx context.Context, c *Conn, cause protocol.MessageType, target model.FlowState, opts ...flow.TransitionOption) {
	s, err := r.machine.Transition(ctx, c.SessionKey, target, opts...)
	switch {
	case err == nil:
	case errors.Is(err, flow.ErrNoChange):
		r.ack(c, cause, s)
	default:
		r.log.WithError(err).WithFields(logrus.Fields{
			"session": c.SessionKey,
			"message": cause,
			"target":  target,
		}).Info("transition rejected")
		r.reply(c, protocol.ErrorFrom(err))
	}
}

func (r *Router) ack(c *Conn, cause protocol.MessageType, s *model.Session) {
	fields := map[string]any{
		"sessionKey":  c.SessionKey,
		"messageType": cause,
	}
	if s != nil {
		fields["flowState"] = s.FlowState
	}
	r.reply(c, protocol.NewOutbound(protocol.TypeAck, fields))
}

func (r *Router) reply(c *Conn, msg protocol.Outbound) {
	if err := c.Transport.Send(msg); err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"session":   c.SessionKey,
			"transport": c.Transport.ID(),
			"type":      msg.Type,
		}).Debug("reply failed")
	}
}

// drop forgets c locally without touching the session record.
func (r *Router) drop(ctx context.Context, c *Conn) {
	r.registry.Remove(c.Transport.ID())
	r.devices.UnregisterTransport(ctx, c.SessionKey, c.Transport.ID())
	c.authed = false
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func mapStoreError(err error) error {
	if errors.Is(err, model.ErrNotFound) {
		return apperr.Wrap(apperr.KindNotFound, apperr.CodeSessionNotFound, "session not found", err)
	}
	return err
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// sessionLocks is a keyed mutex; entries live only while someone holds or
// waits on them.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

func (l *sessionLocks) lock(key string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sessionLock)
	}
	sl, ok := l.locks[key]
	if !ok {
		sl = &sessionLock{}
		l.locks[key] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
	return func() {
		sl.mu.Unlock()
		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
