package call

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/zhouzirui/memorial-call/backend/internal/model/protocol"
	model "github.com/zhouzirui/memorial-call/backend/internal/model/session"
	"github.com/zhouzirui/memorial-call/backend/internal/service/connection"
	"github.com/zhouzirui/memorial-call/backend/internal/service/device"
	"github.com/zhouzirui/memorial-call/backend/internal/service/flow"
	"github.com/zhouzirui/memorial-call/backend/internal/service/identity"
	sessionsvc "github.com/zhouzirui/memorial-call/backend/internal/service/session"
	"github.com/zhouzirui/memorial-call/backend/pkg/apperr"
)

type fakeTransport struct {
	id string

	mu     sync.Mutex
	sent   []protocol.Outbound
	closed bool
	code   int
	reason string
}

func newFakeTransport(id string) *fakeTransport { return &fakeTransport{id: id} }

func (f *fakeTransport) ID() string { return f.id }

func (f *fakeTransport) Send(msg protocol.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.code = code
		f.reason = reason
	}
	return nil
}

func (f *fakeTransport) find(t protocol.MessageType) (protocol.Outbound, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Type == t {
			return f.sent[i], true
		}
	}
	return protocol.Outbound{}, false
}

func (f *fakeTransport) last() protocol.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return protocol.Outbound{}
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeTransport) closedWith() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code, f.closed
}

type testEnv struct {
	store    *sessionsvc.MemoryStore
	registry *connection.Registry
	router   *Router
	issuer   *identity.Issuer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := sessionsvc.NewMemoryStore(sessionsvc.Options{WaitingAssetURL: "https://cdn/waiting.mp4"})
	registry := connection.NewRegistry()
	devices := device.NewCoordinator(store, registry, nil)
	machine := flow.NewMachine(store, devices, nil, flow.Config{}, nil)
	t.Cleanup(machine.Stop)

	cfg := identity.Config{Secret: []byte("router-test-secret"), Issuer: "memorial-call"}
	verifier, err := identity.NewJWTVerifier(cfg)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	issuer, err := identity.NewIssuer(cfg)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	return &testEnv{
		store:    store,
		registry: registry,
		router:   NewRouter(store, registry, devices, machine, verifier, nil),
		issuer:   issuer,
	}
}

func (e *testEnv) token(t *testing.T, memberID int64) string {
	t.Helper()
	tok, err := e.issuer.Issue(memberID, identity.RoleMember, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (e *testEnv) session(t *testing.T, key string) *model.Session {
	t.Helper()
	s, ok, err := e.store.Get(context.Background(), key, true)
	if err != nil || !ok {
		t.Fatalf("get session %s: ok=%v err=%v", key, ok, err)
	}
	return s
}

func frame(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return data
}

// connect opens a transport for key and sends CONNECT as memberID.
func (e *testEnv) connect(t *testing.T, key, transportID string, memberID int64, reconnect bool) (*Conn, *fakeTransport, Verdict) {
	t.Helper()
	tr := newFakeTransport(transportID)
	c := e.router.Open(tr, key, model.DeviceDesktop)
	v := e.router.Handle(context.Background(), c, frame(t, map[string]any{
		"type":      "CONNECT",
		"token":     e.token(t, memberID),
		"memberId":  memberID,
		"reconnect": reconnect,
		"deviceId":  "device-" + transportID,
	}))
	return c, tr, v
}

func TestConnectBindsTransportAndRequestsPermissions(t *testing.T) {
	env := newTestEnv(t)
	s, _ := env.store.Create(context.Background(), "Grandma", 7, 42)

	_, tr, v := env.connect(t, s.Key, "t-1", 42, false)
	if v.Close {
		t.Fatalf("unexpected close verdict %+v", v)
	}
	connected, ok := tr.find(protocol.TypeConnected)
	if !ok {
		t.Fatal("CONNECTED not sent")
	}
	if connected.Field("reconnected") != false {
		t.Fatalf("reconnected = %v, want false", connected.Field("reconnected"))
	}
	if _, ok := tr.find(protocol.TypeRequestPermissions); !ok {
		t.Fatal("REQUEST_PERMISSIONS not delivered to the connecting device")
	}

	got := env.session(t, s.Key)
	if got.FlowState != model.StatePermissionRequested {
		t.Fatalf("state = %s, want PERMISSION_REQUESTED", got.FlowState)
	}
	if !got.BoundTo("t-1") || got.DeviceType != model.DeviceDesktop || !got.IsPrimaryDevice {
		t.Fatalf("unexpected binding %+v", got)
	}
}

func TestConnectRejectsMemberMismatch(t *testing.T) {
	env := newTestEnv(t)
	s, _ := env.store.Create(context.Background(), "Grandma", 7, 42)
	env.connect(t, s.Key, "t-1", 42, false)

	_, intruder, v := env.connect(t, s.Key, "t-2", 99, false)
	if !v.Close || v.Code != protocol.CloseAccessDenied {
		t.Fatalf("verdict = %+v, want close 4003", v)
	}
	if intruder.last().Code != apperr.CodeMemberIDMismatch {
		t.Fatalf("error code = %q, want MEMBER_ID_MISMATCH", intruder.last().Code)
	}

	got := env.session(t, s.Key)
	if !got.BoundTo("t-1") || got.FlowState != model.StatePermissionRequested {
		t.Fatalf("session changed by rejected connect: %+v", got)
	}
}

func TestConnectClaimedMemberMustMatchCredential(t *testing.T) {
	env := newTestEnv(t)
	s, _ := env.store.Create(context.Background(), "Grandma", 7, 42)

	tr := newFakeTransport("t-1")
	c := env.router.Open(tr, s.Key, model.DeviceMobile)
	v := env.router.Handle(context.Background(), c, frame(t, map[string]any{
		"type":     "CONNECT",
		"token":    env.token(t, 42),
		"memberId": 99,
	}))
	if !v.Close || tr.last().Code != apperr.CodeMemberIDMismatch {
		t.Fatalf("verdict=%+v last=%+v, want MEMBER_ID_MISMATCH", v, tr.last())
	}
}

func TestConnectUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	_, tr, v := env.connect(t, "missing", "t-1", 42, false)
	if !v.Close || v.Code != protocol.CloseSessionExpired {
		t.Fatalf("verdict = %+v, want close 4004", v)
	}
	if tr.last().Code != apperr.CodeSessionNotFound {
		t.Fatalf("error code = %q, want SESSION_NOT_FOUND", tr.last().Code)
	}
}

func TestConnectRejectsBadToken(t *testing.T) {
	env := newTestEnv(t)
	s, _ := env.store.Create(context.Background(), "Grandma", 7, 42)

	tr := newFakeTransport("t-1")
	c := env.router.Open(tr, s.Key, model.DeviceMobile)
	v := env.router.Handle(context.Background(), c, frame(t, map[string]any{
		"type":  "CONNECT",
		"token": "not-a-jwt",
	}))
	if !v.Close || tr.last().Code != apperr.CodeInvalidToken {
		t.Fatalf("verdict=%+v last=%+v, want INVALID_TOKEN close", v, tr.last())
	}
}

func TestNewTransportSupersedesPrevious(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s, _ := env.store.Create(ctx, "Grandma", 7, 42)

	first, firstTr, _ := env.connect(t, s.Key, "t-1", 42, false)
	_, _, v := env.connect(t, s.Key, "t-2", 42, true)
	if v.Close {
		t.Fatalf("second connect closed: %+v", v)
	}
	if code, closed := firstTr.closedWith(); !closed || code != protocol.CloseSuperseded {
		t.Fatalf("first transport close = (%d, %v), want 4002", code, closed)
	}
	if !env.session(t, s.Key).BoundTo("t-2") {
		t.Fatal("session must be bound to the newer transport")
	}

	v = env.router.Handle(ctx, first, frame(t, map[string]any{"type": "HEARTBEAT_RESPONSE"}))
	if !v.Close || v.Code != protocol.CloseSuperseded {
		t.Fatalf("stale transport verdict = %+v, want 4002", v)
	}
}

func TestMessagesBeforeConnectNeedAuthentication(t *testing.T) {
	env := newTestEnv(t)
	s, _ := env.store.Create(context.Background(), "Grandma", 7, 42)

	tr := newFakeTransport("t-1")
	c := env.router.Open(tr, s.Key, model.DeviceMobile)
	v := env.router.Handle(context.Background(), c, frame(t, map[string]any{"type": "RECORDING_READY"}))
	if v.Close {
		t.Fatalf("unexpected close %+v", v)
	}
	if tr.last().Code != apperr.CodeAuthRequired {
		t.Fatalf("code = %q, want AUTHENTICATION_REQUIRED", tr.last().Code)
	}
	if env.session(t, s.Key).FlowState != model.StateInitializing {
		t.Fatal("unauthenticated frame changed state")
	}
}

func TestMalformedAndUnknownFrames(t *testing.T) {
	env := newTestEnv(t)
	s, _ := env.store.Create(context.Background(), "Grandma", 7, 42)
	c, tr, _ := env.connect(t, s.Key, "t-1", 42, false)

	env.router.Handle(context.Background(), c, []byte("{not json"))
	if tr.last().Code != apperr.CodeMalformedMessage {
		t.Fatalf("code = %q, want MALFORMED_MESSAGE", tr.last().Code)
	}
	env.router.Handle(context.Background(), c, frame(t, map[string]any{"type": "DANCE"}))
	if tr.last().Code != apperr.CodeUnknownMessageType {
		t.Fatalf("code = %q, want UNKNOWN_MESSAGE_TYPE", tr.last().Code)
	}
}

func TestExpireUnauthenticated(t *testing.T) {
	env := newTestEnv(t)
	s, _ := env.store.Create(context.Background(), "Grandma", 7, 42)

	idle := newFakeTransport("idle")
	c := env.router.Open(idle, s.Key, model.DeviceMobile)
	if !env.router.ExpireUnauthenticated(c) {
		t.Fatal("idle transport should expire")
	}
	if code, closed := idle.closedWith(); !closed || code != protocol.CloseAuthTimeout {
		t.Fatalf("close = (%d, %v), want 4001", code, closed)
	}

	authed, _, _ := env.connect(t, s.Key, "t-1", 42, false)
	if env.router.ExpireUnauthenticated(authed) {
		t.Fatal("authenticated transport must not expire")
	}
}

func TestPermissionFlowAndIdempotentAck(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s, _ := env.store.Create(ctx, "Grandma", 7, 42)
	c, tr, _ := env.connect(t, s.Key, "t-1", 42, false)

	env.router.Handle(ctx, c, frame(t, map[string]any{"type": "PERMISSION_STATUS", "camera": true, "microphone": false}))
	if tr.last().Type != protocol.TypeAck {
		t.Fatalf("partial grant reply = %s, want ACK", tr.last().Type)
	}
	if env.session(t, s.Key).FlowState != model.StatePermissionRequested {
		t.Fatal("partial grant must not advance")
	}

	env.router.Handle(ctx, c, frame(t, map[string]any{"type": "PERMISSION_STATUS", "camera": true, "microphone": true}))
	got := env.session(t, s.Key)
	if got.FlowState != model.StateWaitingPlaying {
		t.Fatalf("state = %s, want WAITING_PLAYING", got.FlowState)
	}
	if got.Meta(model.MetaMicrophoneGranted) != "true" {
		t.Fatalf("metadata = %v", got.Metadata)
	}
	play, ok := tr.find(protocol.TypePlayWaitingVideo)
	if !ok || play.Field("waitingAssetUrl") != "https://cdn/waiting.mp4" {
		t.Fatalf("PLAY_WAITING_VIDEO = %+v (found=%v)", play, ok)
	}

	revision := got.Revision
	env.router.Handle(ctx, c, frame(t, map[string]any{"type": "WAITING_VIDEO_STARTED"}))
	if ack := tr.last(); ack.Type != protocol.TypeAck || ack.Field("flowState") != model.StateWaitingPlaying {
		t.Fatalf("same-state reply = %+v, want ACK in WAITING_PLAYING", ack)
	}
	// only the TTL refresh touched the record
	if after := env.session(t, s.Key); after.Revision != revision {
		t.Fatalf("revision moved from %d to %d on idempotent message", revision, after.Revision)
	}
}

func TestInvalidTransitionIsReportedToSender(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s, _ := env.store.Create(ctx, "Grandma", 7, 42)
	c, tr, _ := env.connect(t, s.Key, "t-1", 42, false)

	env.router.Handle(ctx, c, frame(t, map[string]any{"type": "RECORDING_STOPPED"}))
	if tr.last().Code != apperr.CodeInvalidTransition {
		t.Fatalf("code = %q, want INVALID_STATE_TRANSITION", tr.last().Code)
	}

	env.router.Handle(ctx, c, frame(t, map[string]any{"type": "CLIENT_STATE_CHANGE", "state": "FLYING"}))
	if tr.last().Code != apperr.CodeUnknownState {
		t.Fatalf("code = %q, want UNKNOWN_FLOW_STATE", tr.last().Code)
	}
}

func TestClientMediaErrorMovesToErrorProcessing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s, _ := env.store.Create(ctx, "Grandma", 7, 42)
	c, tr, _ := env.connect(t, s.Key, "t-1", 42, false)

	env.router.Handle(ctx, c, frame(t, map[string]any{"type": "WAITING_VIDEO_ERROR", "message": "decoder crashed"}))
	if got := env.session(t, s.Key); got.FlowState != model.StateErrorProcessing {
		t.Fatalf("state = %s, want ERROR_PROCESSING", got.FlowState)
	}
	errFrame := tr.last()
	if errFrame.Type != protocol.TypeError || errFrame.Code != apperr.CodeClientMedia || errFrame.Message != "decoder crashed" {
		t.Fatalf("broadcast = %+v", errFrame)
	}
}

func TestUploadCompleteStoresRecordingRef(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s, _ := env.store.Create(ctx, "Grandma", 7, 42)
	c, tr, _ := env.connect(t, s.Key, "t-1", 42, false)

	env.router.Handle(ctx, c, frame(t, map[string]any{"type": "VIDEO_UPLOAD_COMPLETE", "recordingRef": "rec/abc.webm"}))
	if tr.last().Type != protocol.TypeAck {
		t.Fatalf("reply = %s, want ACK", tr.last().Type)
	}
	if got := env.session(t, s.Key); got.SavedRecordingRef != "rec/abc.webm" {
		t.Fatalf("recordingRef = %q", got.SavedRecordingRef)
	}
}

func TestReconnectAfterTransportLossResumes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s, _ := env.store.Create(ctx, "Grandma", 7, 42)
	c, _, _ := env.connect(t, s.Key, "t-1", 42, false)
	env.router.Handle(ctx, c, frame(t, map[string]any{"type": "PERMISSION_STATUS", "camera": true, "microphone": true}))
	env.router.Handle(ctx, c, frame(t, map[string]any{"type": "RECORDING_READY"}))

	v := env.router.Handle(ctx, c, frame(t, map[string]any{"type": "DISCONNECT", "reason": "NETWORK_CHANGE"}))
	if !v.Close {
		t.Fatal("DISCONNECT must close the transport")
	}
	if got := env.session(t, s.Key); got.Bound() || got.FlowState != model.StateRecordingCountdown {
		t.Fatalf("after disconnect: %+v", got)
	}

	_, tr, _ := env.connect(t, s.Key, "t-2", 42, true)
	connected, _ := tr.find(protocol.TypeConnected)
	if connected.Field("reconnected") != true || connected.Field("reconnectCount") != 1 {
		t.Fatalf("CONNECTED = %+v", connected.Fields)
	}
	if _, ok := tr.find(protocol.TypeStartCountdown); !ok {
		t.Fatal("current state effects not replayed on reconnect")
	}
	got := env.session(t, s.Key)
	if got.ReconnectCount != 1 || got.FlowState != model.StateRecordingCountdown || !got.BoundTo("t-2") {
		t.Fatalf("after reconnect: %+v", got)
	}
}

func TestUserTerminatedDeletesSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s, _ := env.store.Create(ctx, "Grandma", 7, 42)
	c, tr, _ := env.connect(t, s.Key, "t-1", 42, false)

	v := env.router.Handle(ctx, c, frame(t, map[string]any{"type": "DISCONNECT", "reason": "USER_TERMINATED"}))
	if !v.Close || v.Code != protocol.CloseNormal {
		t.Fatalf("verdict = %+v, want normal closure", v)
	}
	done, ok := tr.find(protocol.TypeCallCompleted)
	if !ok {
		t.Fatal("CALL_COMPLETED not broadcast")
	}
	if _, ok := done.Field("summary").(map[string]any); !ok {
		t.Fatalf("summary missing: %+v", done.Fields)
	}
	if _, found, _ := env.store.Get(ctx, s.Key, true); found {
		t.Fatal("session still present after termination")
	}
	if _, closed := tr.closedWith(); !closed {
		t.Fatal("transport not closed")
	}
}

func TestDeletedSessionClosesTransport(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s, _ := env.store.Create(ctx, "Grandma", 7, 42)
	c, tr, _ := env.connect(t, s.Key, "t-1", 42, false)

	_ = env.store.Delete(ctx, s.Key)
	v := env.router.Handle(ctx, c, frame(t, map[string]any{"type": "HEARTBEAT_RESPONSE"}))
	if !v.Close || v.Code != protocol.CloseSessionExpired {
		t.Fatalf("verdict = %+v, want 4004", v)
	}
	if tr.last().Code != apperr.CodeSessionNotFound {
		t.Fatalf("code = %q", tr.last().Code)
	}
}

func TestTokenRefresh(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s, _ := env.store.Create(ctx, "Grandma", 7, 42)
	c, tr, _ := env.connect(t, s.Key, "t-1", 42, false)

	v := env.router.Handle(ctx, c, frame(t, map[string]any{"type": "TOKEN_REFRESH", "token": env.token(t, 42)}))
	if v.Close || tr.last().Type != protocol.TypeTokenRefreshed {
		t.Fatalf("verdict=%+v last=%+v", v, tr.last())
	}

	v = env.router.Handle(ctx, c, frame(t, map[string]any{"type": "TOKEN_REFRESH", "token": env.token(t, 7)}))
	if !v.Close || v.Code != protocol.CloseAccessDenied {
		t.Fatalf("verdict = %+v, want 4003", v)
	}
}

func TestHeartbeatResponseIsAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s, _ := env.store.Create(ctx, "Grandma", 7, 42)
	c, tr, _ := env.connect(t, s.Key, "t-1", 42, false)

	env.router.Handle(ctx, c, frame(t, map[string]any{"type": "HEARTBEAT_RESPONSE"}))
	if tr.last().Type != protocol.TypeHeartbeatAck {
		t.Fatalf("reply = %s, want HEARTBEAT_ACK", tr.last().Type)
	}
}

// rendezvousStore holds each Save until a second Save arrives or the wait
// runs out, so unserialized CONNECTs both pass the supersede check first.
type rendezvousStore struct {
	*sessionsvc.MemoryStore
	wait    time.Duration
	mu      sync.Mutex
	arrived int
	ready   chan struct{}
}

func (r *rendezvousStore) Save(ctx context.Context, s *model.Session) error {
	r.mu.Lock()
	r.arrived++
	if r.arrived == 2 {
		close(r.ready)
	}
	r.mu.Unlock()
	select {
	case <-r.ready:
	case <-time.After(r.wait):
	}
	return r.MemoryStore.Save(ctx, s)
}

func TestConcurrentConnectsLeaveOneLiveTransport(t *testing.T) {
	ctx := context.Background()
	mem := sessionsvc.NewMemoryStore(sessionsvc.Options{})
	s, _ := mem.Create(ctx, "Grandma", 7, 42)
	store := &rendezvousStore{MemoryStore: mem, wait: 200 * time.Millisecond, ready: make(chan struct{})}

	registry := connection.NewRegistry()
	devices := device.NewCoordinator(store, registry, nil)
	machine := flow.NewMachine(store, devices, nil, flow.Config{}, nil)
	t.Cleanup(machine.Stop)
	cfg := identity.Config{Secret: []byte("router-test-secret"), Issuer: "memorial-call"}
	verifier, _ := identity.NewJWTVerifier(cfg)
	issuer, _ := identity.NewIssuer(cfg)
	router := NewRouter(store, registry, devices, machine, verifier, nil)
	token, err := issuer.Issue(42, identity.RoleMember, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	connect := frame(t, map[string]any{"type": "CONNECT", "token": token})
	transports := []*fakeTransport{newFakeTransport("t-1"), newFakeTransport("t-2")}
	var wg sync.WaitGroup
	for _, tr := range transports {
		c := router.Open(tr, s.Key, model.DeviceMobile)
		wg.Add(1)
		go func() {
			defer wg.Done()
			router.Handle(ctx, c, connect)
		}()
	}
	wg.Wait()

	var live []*fakeTransport
	for _, tr := range transports {
		if _, ok := tr.find(protocol.TypeConnected); !ok {
			t.Fatalf("%s never got CONNECTED", tr.id)
		}
		if _, closed := tr.closedWith(); !closed {
			live = append(live, tr)
		}
	}
	if len(live) != 1 {
		t.Fatalf("live transports = %d, want 1", len(live))
	}
	if got := devices.Devices(s.Key); len(got) != 1 || got[0].TransportID != live[0].id {
		t.Fatalf("devices = %+v, want only %s", got, live[0].id)
	}
	saved, _, _ := mem.Get(ctx, s.Key, true)
	if !saved.BoundTo(live[0].id) {
		t.Fatalf("session not bound to surviving transport %s", live[0].id)
	}
	if bound, ok := registry.Lookup(s.Key); !ok || bound.ID() != live[0].id {
		t.Fatal("registry must point at the surviving transport")
	}
}
