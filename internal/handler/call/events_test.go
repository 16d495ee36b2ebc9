package call_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zhouzirui/memorial-call/backend/internal/handler/call"
	model "github.com/zhouzirui/memorial-call/backend/internal/model/session"
	"github.com/zhouzirui/memorial-call/backend/internal/service/flow"
	"github.com/zhouzirui/memorial-call/backend/internal/service/identity"
)

func TestOperatorEventStreamCarriesTransitions(t *testing.T) {
	srv := newTestServer(t, call.WSConfig{})
	server := httptest.NewServer(srv.http)
	t.Cleanup(server.Close)

	operator := srv.token(t, 1, identity.RoleOperator)
	key := createSession(t, srv, srv.token(t, 42, identity.RoleMember))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/operator/events", nil)
	req.Header.Set("Authorization", "Bearer "+operator)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("subscribe: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	forced := srv.do(t, http.MethodPost, "/api/operator/sessions/"+key+"/transition", operator, map[string]any{
		"state":  "RECORDING_COMPLETE",
		"reason": "stuck client",
	})
	if forced.Code != http.StatusOK {
		t.Fatalf("force: %d %s", forced.Code, forced.Body.String())
	}

	scanner := bufio.NewScanner(resp.Body)
	var sawEvent bool
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: transition" {
			sawEvent = true
			continue
		}
		if !sawEvent || !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev flow.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.SessionKey != key || ev.To != model.StateRecordingComplete || !ev.Forced {
			t.Fatalf("event = %+v", ev)
		}
		return
	}
	t.Fatalf("stream ended without a transition event: %v", scanner.Err())
}

func TestOperatorEventStreamRequiresRole(t *testing.T) {
	srv := newTestServer(t, call.WSConfig{})
	resp := srv.do(t, http.MethodGet, "/api/operator/events", srv.token(t, 42, identity.RoleMember), nil)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}
}
