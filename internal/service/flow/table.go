package flow

import model "github.com/zhouzirui/memorial-call/backend/internal/model/session"

// edges lists the forward path of a call. ERROR_PROCESSING and
// CALL_COMPLETED are reachable from every non-terminal state and are handled
// in CanTransition.
var edges = map[model.FlowState][]model.FlowState{
	model.StateInitializing:        {model.StatePermissionRequested},
	model.StatePermissionRequested: {model.StatePermissionGranted},
	model.StatePermissionGranted:   {model.StateWaitingPlaying},
	model.StateWaitingPlaying:      {model.StateRecordingCountdown},
	model.StateRecordingCountdown:  {model.StateRecordingActive},
	model.StateRecordingActive:     {model.StateRecordingComplete},
	model.StateRecordingComplete:   {model.StateProcessingUpload},
	model.StateProcessingUpload:    {model.StateProcessingAI},
	model.StateProcessingAI:        {model.StateProcessingComplete},
	model.StateProcessingComplete:  {model.StateResponseReady},
	model.StateResponseReady:       {model.StateResponsePlaying},
	model.StateResponsePlaying:     {model.StateResponseComplete},
	model.StateResponseComplete:    {model.StateWaitingPlaying},
	model.StateErrorProcessing:     {model.StateWaitingPlaying},
}

// CanTransition reports whether from→to is a declared edge.
func CanTransition(from, to model.FlowState) bool {
	if from.Terminal() || from == to {
		return false
	}
	if _, known := edges[from]; !known {
		return false
	}
	if to == model.StateErrorProcessing || to == model.StateCallCompleted {
		return true
	}
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AutoAdvance returns the state the server moves to on its own right after
// entering s.
func AutoAdvance(s model.FlowState) (model.FlowState, bool) {
	switch s {
	case model.StatePermissionGranted, model.StateResponseComplete:
		return model.StateWaitingPlaying, true
	default:
		return "", false
	}
}
