package flow

import (
	"github.com/zhouzirui/memorial-call/backend/internal/model/protocol"
	model "github.com/zhouzirui/memorial-call/backend/internal/model/session"
	"github.com/zhouzirui/memorial-call/backend/pkg/apperr"
)

// DefaultCountdownSeconds is the recording countdown length.
const DefaultCountdownSeconds = 3

// EffectConfig parameterises Effects.
type EffectConfig struct {
	CountdownSeconds int
}

// Effects maps the session's current state to the frames broadcast on entry.
// It reads s only.
func Effects(s *model.Session, cfg EffectConfig) []protocol.Outbound {
	if s == nil {
		return nil
	}
	countdown := cfg.CountdownSeconds
	if countdown <= 0 {
		countdown = DefaultCountdownSeconds
	}
	base := func() map[string]any {
		return map[string]any{
			"sessionKey": s.Key,
			"flowState":  s.FlowState,
		}
	}

	switch s.FlowState {
	case model.StatePermissionRequested:
		return []protocol.Outbound{protocol.NewOutbound(protocol.TypeRequestPermissions, base())}
	case model.StatePermissionGranted:
		return []protocol.Outbound{protocol.NewOutbound(protocol.TypePermissionGranted, base())}
	case model.StateWaitingPlaying:
		f := base()
		f["waitingAssetUrl"] = s.WaitingAssetURL
		return []protocol.Outbound{protocol.NewOutbound(protocol.TypePlayWaitingVideo, f)}
	case model.StateRecordingCountdown:
		f := base()
		f["durationSeconds"] = countdown
		return []protocol.Outbound{protocol.NewOutbound(protocol.TypeStartCountdown, f)}
	case model.StateRecordingActive, model.StateRecordingComplete,
		model.StateProcessingUpload, model.StateProcessingComplete:
		return []protocol.Outbound{protocol.NewOutbound(protocol.TypeStateChanged, base())}
	case model.StateProcessingAI:
		return []protocol.Outbound{protocol.NewOutbound(protocol.TypeProcessingStarted, base())}
	case model.StateResponseReady:
		f := base()
		f["responseAssetUrl"] = s.ResponseAssetURL
		return []protocol.Outbound{protocol.NewOutbound(protocol.TypeResponseReady, f)}
	case model.StateResponsePlaying:
		f := base()
		f["responseAssetUrl"] = s.ResponseAssetURL
		return []protocol.Outbound{protocol.NewOutbound(protocol.TypePlayResponseVideo, f)}
	case model.StateResponseComplete:
		return []protocol.Outbound{protocol.NewOutbound(protocol.TypeResponseComplete, base())}
	case model.StateErrorProcessing:
		code := s.Meta(model.MetaErrorCode)
		if code == "" {
			code = apperr.CodeInternal
		}
		message := s.Meta(model.MetaErrorMessage)
		if message == "" {
			message = "call processing failed"
		}
		msg := protocol.NewError(code, message)
		msg.Fields = base()
		return []protocol.Outbound{msg}
	case model.StateCallCompleted:
		f := base()
		f["summary"] = Summary(s)
		return []protocol.Outbound{protocol.NewOutbound(protocol.TypeCallCompleted, f)}
	default:
		return nil
	}
}

// Summary describes a finished call.
func Summary(s *model.Session) map[string]any {
	duration := s.LastStateChangeAt.Sub(s.CreatedAt)
	if duration < 0 {
		duration = 0
	}
	return map[string]any{
		"contactName":      s.ContactName,
		"memorialRef":      s.MemorialRef,
		"reconnectCount":   s.ReconnectCount,
		"durationSeconds":  int64(duration.Seconds()),
		"recordingRef":     s.SavedRecordingRef,
		"responseAssetUrl": s.ResponseAssetURL,
	}
}
