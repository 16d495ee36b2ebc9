package session

// FlowState is the current stage of a call.
type FlowState string

const (
	StateInitializing        FlowState = "INITIALIZING"
	StatePermissionRequested FlowState = "PERMISSION_REQUESTED"
	StatePermissionGranted   FlowState = "PERMISSION_GRANTED"
	StateWaitingPlaying      FlowState = "WAITING_PLAYING"
	StateRecordingCountdown  FlowState = "RECORDING_COUNTDOWN"
	StateRecordingActive     FlowState = "RECORDING_ACTIVE"
	StateRecordingComplete   FlowState = "RECORDING_COMPLETE"
	StateProcessingUpload    FlowState = "PROCESSING_UPLOAD"
	StateProcessingAI        FlowState = "PROCESSING_AI"
	StateProcessingComplete  FlowState = "PROCESSING_COMPLETE"
	StateResponseReady       FlowState = "RESPONSE_READY"
	StateResponsePlaying     FlowState = "RESPONSE_PLAYING"
	StateResponseComplete    FlowState = "RESPONSE_COMPLETE"
	StateErrorProcessing     FlowState = "ERROR_PROCESSING"
	StateCallCompleted       FlowState = "CALL_COMPLETED"
)

// AllStates lists every flow state in call order.
var AllStates = []FlowState{
	StateInitializing,
	StatePermissionRequested,
	StatePermissionGranted,
	StateWaitingPlaying,
	StateRecordingCountdown,
	StateRecordingActive,
	StateRecordingComplete,
	StateProcessingUpload,
	StateProcessingAI,
	StateProcessingComplete,
	StateResponseReady,
	StateResponsePlaying,
	StateResponseComplete,
	StateErrorProcessing,
	StateCallCompleted,
}

// ParseFlowState validates a wire value.
func ParseFlowState(raw string) (FlowState, bool) {
	for _, s := range AllStates {
		if string(s) == raw {
			return s, true
		}
	}
	return "", false
}

// Terminal reports whether no transition may leave s.
func (s FlowState) Terminal() bool {
	return s == StateCallCompleted
}
