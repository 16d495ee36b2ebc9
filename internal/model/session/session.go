package session

import "time"

// DeviceType distinguishes the client UI variant.
type DeviceType string

const (
	DeviceMobile  DeviceType = "mobile"
	DeviceDesktop DeviceType = "desktop"
	DeviceTablet  DeviceType = "tablet"
	DeviceUnknown DeviceType = "unknown"
)

// ParseDeviceType maps a route or message hint onto a DeviceType.
func ParseDeviceType(raw string) DeviceType {
	switch DeviceType(raw) {
	case DeviceMobile, DeviceDesktop, DeviceTablet:
		return DeviceType(raw)
	default:
		return DeviceUnknown
	}
}

// Session is one memorial video-call attempt.
type Session struct {
	Key         string `json:"sessionKey"`
	OwnerID     int64  `json:"ownerId"`
	ContactName string `json:"contactName"`
	MemorialRef int64  `json:"memorialRef"`

	FlowState         FlowState  `json:"flowState"`
	LastStateChangeAt time.Time  `json:"lastStateChangeAt"`
	CreatedAt         time.Time  `json:"createdAt"`
	LastActivityAt    time.Time  `json:"lastActivityAt"`
	LastConnectedAt   *time.Time `json:"lastConnectedAt,omitempty"`
	ExpiresAt         time.Time  `json:"expiresAt"`

	DeviceType      DeviceType `json:"deviceType"`
	DeviceID        string     `json:"deviceId"`
	IsPrimaryDevice bool       `json:"isPrimaryDevice"`
	TransportID     *string    `json:"transportId,omitempty"`

	ReconnectCount    int               `json:"reconnectCount"`
	SavedRecordingRef string            `json:"savedRecordingRef,omitempty"`
	WaitingAssetURL   string            `json:"waitingAssetUrl,omitempty"`
	ResponseAssetURL  string            `json:"responseAssetUrl,omitempty"`
	Metadata          map[string]string `json:"metadata"`

	// Revision is bumped by every successful save; a save carrying a stale
	// revision is rejected with ErrConflict.
	Revision int64 `json:"revision"`
}

// Bound reports whether a live transport is attached.
func (s *Session) Bound() bool {
	return s.TransportID != nil && *s.TransportID != ""
}

// BoundTo reports whether transportID is the authoritative transport.
func (s *Session) BoundTo(transportID string) bool {
	return s.Bound() && *s.TransportID == transportID
}

// BindTransport attaches transportID as the authoritative transport.
func (s *Session) BindTransport(transportID string) {
	id := transportID
	s.TransportID = &id
}

// ClearTransport detaches whichever transport is bound.
func (s *Session) ClearTransport() {
	s.TransportID = nil
}

// SetMeta writes one metadata entry.
func (s *Session) SetMeta(key, value string) {
	if s.Metadata == nil {
		s.Metadata = make(map[string]string)
	}
	s.Metadata[key] = value
}

// Meta reads one metadata entry.
func (s *Session) Meta(key string) string {
	if s.Metadata == nil {
		return ""
	}
	return s.Metadata[key]
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.TransportID != nil {
		id := *s.TransportID
		out.TransportID = &id
	}
	if s.LastConnectedAt != nil {
		at := *s.LastConnectedAt
		out.LastConnectedAt = &at
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Metadata keys written by the orchestrator.
const (
	MetaCameraGranted     = "permission.camera"
	MetaMicrophoneGranted = "permission.microphone"
	MetaErrorCode         = "error.code"
	MetaErrorMessage      = "error.message"
	MetaDispatchJobID     = "processing.jobId"
	MetaForcedReason      = "flow.forcedReason"
	MetaUserAgent         = "device.userAgent"
	MetaPlatform          = "device.platform"
	MetaRecordingUploaded = "recording.uploadedAt"
)

// DeviceBinding is a process-local record of a client attached to a session.
type DeviceBinding struct {
	DeviceID     string     `json:"deviceId"`
	DeviceType   DeviceType `json:"deviceType"`
	TransportID  string     `json:"transportId"`
	RegisteredAt time.Time  `json:"registeredAt"`
}
