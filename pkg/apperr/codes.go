package apperr

// Stable client-facing codes.
const (
	CodeInternal = "INTERNAL_ERROR"

	// Protocol
	CodeMalformedMessage    = "MALFORMED_MESSAGE"
	CodeUnknownMessageType  = "UNKNOWN_MESSAGE_TYPE"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeAuthRequired        = "AUTHENTICATION_REQUIRED"
	CodeAlreadyConnected    = "ALREADY_CONNECTED"
	CodeTransportSuperseded = "TRANSPORT_SUPERSEDED"

	// Identity
	CodeInvalidToken        = "INVALID_TOKEN"
	CodeTokenExpired        = "TOKEN_EXPIRED"
	CodeMemberIDMismatch    = "MEMBER_ID_MISMATCH"
	CodeSessionAccessDenied = "SESSION_ACCESS_DENIED"
	CodeOperatorRequired    = "OPERATOR_REQUIRED"
	CodeCallbackForbidden   = "CALLBACK_FORBIDDEN"

	// Session
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeSessionCorrupted  = "SESSION_CORRUPTED"
	CodeSessionConflict   = "SESSION_CONFLICT"
	CodeInvalidTransition = "INVALID_STATE_TRANSITION"
	CodeUnknownState      = "UNKNOWN_FLOW_STATE"
	CodeDeviceNotFound    = "DEVICE_NOT_FOUND"

	// Processing
	CodeDispatchFailed   = "AI_DISPATCH_FAILED"
	CodeProcessingFailed = "AI_PROCESSING_FAILED"
	CodeRecordingMissing = "RECORDING_MISSING"
	CodeUploadFailed     = "UPLOAD_FAILED"
	CodeClientMedia      = "CLIENT_MEDIA_ERROR"
)
