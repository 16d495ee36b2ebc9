package call_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/zhouzirui/memorial-call/backend/internal/handler"
	"github.com/zhouzirui/memorial-call/backend/internal/handler/call"
	callsvc "github.com/zhouzirui/memorial-call/backend/internal/service/call"
	"github.com/zhouzirui/memorial-call/backend/internal/service/connection"
	"github.com/zhouzirui/memorial-call/backend/internal/service/device"
	"github.com/zhouzirui/memorial-call/backend/internal/service/flow"
	"github.com/zhouzirui/memorial-call/backend/internal/service/heartbeat"
	"github.com/zhouzirui/memorial-call/backend/internal/service/identity"
	"github.com/zhouzirui/memorial-call/backend/internal/service/processing"
	sessionsvc "github.com/zhouzirui/memorial-call/backend/internal/service/session"
	"github.com/zhouzirui/memorial-call/backend/internal/service/storage"
	"github.com/zhouzirui/memorial-call/backend/internal/service/worker"
)

const callbackSecret = "cb-secret"

// fakeAIService records dispatched jobs and accepts every one.
type fakeAIService struct {
	mu   sync.Mutex
	jobs []map[string]any
}

func (f *fakeAIService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.jobs = append(f.jobs, body)
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"jobId":"job-1"}`))
}

func (f *fakeAIService) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type testServer struct {
	store    *sessionsvc.MemoryStore
	registry *connection.Registry
	pool     *worker.Pool
	issuer   *identity.Issuer
	ai       *fakeAIService
	http     http.Handler
}

func newTestServer(t *testing.T, ws call.WSConfig) *testServer {
	t.Helper()
	ai := &fakeAIService{}
	aiServer := httptest.NewServer(ai)
	t.Cleanup(aiServer.Close)

	store := sessionsvc.NewMemoryStore(sessionsvc.Options{WaitingAssetURL: "https://cdn/waiting.mp4"})
	registry := connection.NewRegistry()
	devices := device.NewCoordinator(store, registry, nil)
	pool := worker.NewPool(2, nil)
	t.Cleanup(pool.Close)
	machine := flow.NewMachine(store, devices, pool, flow.Config{}, nil)
	t.Cleanup(machine.Stop)
	monitor := heartbeat.NewMonitor(store, registry, devices, heartbeat.Config{}, nil)
	gateway := processing.NewGateway(store, machine, pool, processing.Config{
		BaseURL:    aiServer.URL,
		RetryCount: 1,
		RetryDelay: time.Millisecond,
	}, nil)
	files, err := storage.NewFileStore(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("file store: %v", err)
	}

	idCfg := identity.Config{Secret: []byte("handler-test-secret"), Issuer: "memorial-call"}
	verifier, err := identity.NewJWTVerifier(idCfg)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	issuer, err := identity.NewIssuer(idCfg)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}

	router := callsvc.NewRouter(store, registry, devices, machine, verifier, nil)
	calls := call.New(call.Deps{
		Store:          store,
		Router:         router,
		Devices:        devices,
		Machine:        machine,
		Monitor:        monitor,
		Gateway:        gateway,
		Files:          files,
		CallbackSecret: callbackSecret,
	})
	mux := handler.NewRouter(handler.Options{
		Calls:     calls,
		WebSocket: call.NewWebSocketHandler(router, ws, nil),
		Verifier:  verifier,
		Registry:  registry,
	})

	return &testServer{
		store:    store,
		registry: registry,
		pool:     pool,
		issuer:   issuer,
		ai:       ai,
		http:     mux,
	}
}

func (s *testServer) token(t *testing.T, memberID int64, role identity.Role) string {
	t.Helper()
	tok, err := s.issuer.Issue(memberID, role, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

// do sends a JSON request; an empty token is anonymous.
func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	s.http.ServeHTTP(resp, req)
	return resp
}

func decode(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", resp.Body.String(), err)
	}
	return out
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
