package protocol

import "github.com/gorilla/websocket"

// MessageType names one frame kind on the call transport.
type MessageType string

// 客户端发往服务端
const (
	TypeConnect              MessageType = "CONNECT"
	TypeHeartbeatResponse    MessageType = "HEARTBEAT_RESPONSE"
	TypeVideoUploadComplete  MessageType = "VIDEO_UPLOAD_COMPLETE"
	TypeClientStateChange    MessageType = "CLIENT_STATE_CHANGE"
	TypePermissionStatus     MessageType = "PERMISSION_STATUS"
	TypeDeviceInfo           MessageType = "DEVICE_INFO"
	TypeWaitingVideoStarted  MessageType = "WAITING_VIDEO_STARTED"
	TypeWaitingVideoError    MessageType = "WAITING_VIDEO_ERROR"
	TypeRecordingReady       MessageType = "RECORDING_READY"
	TypeRecordingStarted     MessageType = "RECORDING_STARTED"
	TypeRecordingStopped     MessageType = "RECORDING_STOPPED"
	TypeRecordingError       MessageType = "RECORDING_ERROR"
	TypeResponseVideoStarted MessageType = "RESPONSE_VIDEO_STARTED"
	TypeResponseVideoEnded   MessageType = "RESPONSE_VIDEO_ENDED"
	TypeResponseVideoError   MessageType = "RESPONSE_VIDEO_ERROR"
	TypeTokenRefresh         MessageType = "TOKEN_REFRESH"
	TypeDisconnect           MessageType = "DISCONNECT"
)

// 服务端发往客户端
const (
	TypeConnected            MessageType = "CONNECTED"
	TypeHeartbeat            MessageType = "HEARTBEAT"
	TypeHeartbeatAck         MessageType = "HEARTBEAT_ACK"
	TypeAck                  MessageType = "ACK"
	TypeError                MessageType = "ERROR"
	TypeRequestPermissions   MessageType = "REQUEST_PERMISSIONS"
	TypePermissionGranted    MessageType = "PERMISSION_GRANTED"
	TypePlayWaitingVideo     MessageType = "PLAY_WAITING_VIDEO"
	TypeStartCountdown       MessageType = "START_COUNTDOWN"
	TypeStateChanged         MessageType = "STATE_CHANGED"
	TypeProcessingStarted    MessageType = "PROCESSING_STARTED"
	TypeProcessingProgress   MessageType = "PROCESSING_PROGRESS"
	TypeResponseReady        MessageType = "RESPONSE_READY"
	TypePlayResponseVideo    MessageType = "PLAY_RESPONSE_VIDEO"
	TypeResponseComplete     MessageType = "RESPONSE_COMPLETE"
	TypeCallCompleted        MessageType = "CALL_COMPLETED"
	TypeDeviceRegistered     MessageType = "DEVICE_REGISTERED"
	TypeDeviceDisconnected   MessageType = "DEVICE_DISCONNECTED"
	TypePrimaryDeviceChanged MessageType = "PRIMARY_DEVICE_CHANGED"
	TypeTokenRefreshed       MessageType = "TOKEN_REFRESHED"
)

var inboundTypes = map[MessageType]struct{}{
	TypeConnect:              {},
	TypeHeartbeatResponse:    {},
	TypeVideoUploadComplete:  {},
	TypeClientStateChange:    {},
	TypePermissionStatus:     {},
	TypeDeviceInfo:           {},
	TypeWaitingVideoStarted:  {},
	TypeWaitingVideoError:    {},
	TypeRecordingReady:       {},
	TypeRecordingStarted:     {},
	TypeRecordingStopped:     {},
	TypeRecordingError:       {},
	TypeResponseVideoStarted: {},
	TypeResponseVideoEnded:   {},
	TypeResponseVideoError:   {},
	TypeTokenRefresh:         {},
	TypeDisconnect:           {},
}

// IsInbound reports whether clients may send t.
func IsInbound(t MessageType) bool {
	_, ok := inboundTypes[t]
	return ok
}

// Disconnect reasons with server-side meaning.
const (
	ReasonUserTerminated = "USER_TERMINATED"
	ReasonTransportLost  = "TRANSPORT_LOST"
)

// Close codes used on the call transport.
const (
	CloseNormal         = websocket.CloseNormalClosure
	CloseAuthTimeout    = 4001
	CloseSuperseded     = 4002
	CloseAccessDenied   = 4003
	CloseSessionExpired = 4004
)

// ConnectPayload is the first frame on every transport.
type ConnectPayload struct {
	Token      string `json:"token"`
	MemberID   *int64 `json:"memberId,omitempty"`
	Reconnect  bool   `json:"reconnect,omitempty"`
	DeviceID   string `json:"deviceId,omitempty"`
	DeviceType string `json:"deviceType,omitempty"`
}

type TokenRefreshPayload struct {
	Token string `json:"token"`
}

type VideoUploadCompletePayload struct {
	RecordingRef string `json:"recordingRef"`
}

type ClientStateChangePayload struct {
	State string `json:"state"`
}

type PermissionStatusPayload struct {
	Camera     bool `json:"camera"`
	Microphone bool `json:"microphone"`
}

type DeviceInfoPayload struct {
	DeviceID   string `json:"deviceId,omitempty"`
	DeviceType string `json:"deviceType,omitempty"`
	UserAgent  string `json:"userAgent,omitempty"`
	Platform   string `json:"platform,omitempty"`
}

// ClientErrorPayload accompanies the *_ERROR media reports.
type ClientErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type DisconnectPayload struct {
	Reason string `json:"reason,omitempty"`
}
