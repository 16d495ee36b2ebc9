package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/zhouzirui/memorial-call/backend/pkg/apperr"
)

func TestParseInboundConnect(t *testing.T) {
	in, err := ParseInbound([]byte(`{"type":"CONNECT","token":"abc","memberId":7,"reconnect":true,"deviceId":"d1"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if in.Type != TypeConnect {
		t.Fatalf("type = %s", in.Type)
	}
	var payload ConnectPayload
	if err := in.Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Token != "abc" || payload.MemberID == nil || *payload.MemberID != 7 || !payload.Reconnect || payload.DeviceID != "d1" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestParseInboundRejects(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		code  string
	}{
		{"not json", `hello`, apperr.CodeMalformedMessage},
		{"array", `[1,2]`, apperr.CodeMalformedMessage},
		{"missing type", `{"token":"x"}`, apperr.CodeMalformedMessage},
		{"unknown type", `{"type":"DANCE"}`, apperr.CodeUnknownMessageType},
		{"server only type", `{"type":"CONNECTED"}`, apperr.CodeUnknownMessageType},
		{"connect without token", `{"type":"CONNECT"}`, apperr.CodeMalformedMessage},
		{"connect member id string", `{"type":"CONNECT","token":"t","memberId":"7"}`, apperr.CodeMalformedMessage},
		{"permission not boolean", `{"type":"PERMISSION_STATUS","camera":"yes","microphone":true}`, apperr.CodeMalformedMessage},
		{"state change without state", `{"type":"CLIENT_STATE_CHANGE"}`, apperr.CodeMalformedMessage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseInbound([]byte(tc.frame))
			if err == nil {
				t.Fatal("expected error")
			}
			if got := apperr.CodeOf(err); got != tc.code {
				t.Fatalf("code = %s, want %s", got, tc.code)
			}
		})
	}
}

func TestOutboundFlattensFields(t *testing.T) {
	msg := NewOutbound(TypeResponseReady, map[string]any{"responseAssetUrl": "https://x/y.mp4"}).
		Stamped(time.UnixMilli(1700000000123))

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if flat["type"] != "RESPONSE_READY" || flat["responseAssetUrl"] != "https://x/y.mp4" {
		t.Fatalf("unexpected frame %s", data)
	}
	if flat["timestamp"].(float64) != 1700000000123 {
		t.Fatalf("timestamp = %v", flat["timestamp"])
	}
	if _, ok := flat["code"]; ok {
		t.Fatal("non-error frame must not carry code")
	}
}

func TestErrorFrameCarriesCode(t *testing.T) {
	msg := ErrorFrom(apperr.New(apperr.KindAuthorization, apperr.CodeMemberIDMismatch, "member mismatch"))
	data, _ := json.Marshal(msg)

	var back Outbound
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Type != TypeError || back.Code != "MEMBER_ID_MISMATCH" || back.Message != "member mismatch" {
		t.Fatalf("unexpected error frame %+v", back)
	}
}
