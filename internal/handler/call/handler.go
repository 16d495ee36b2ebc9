package call

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/memorial-call/backend/internal/middleware"
	model "github.com/zhouzirui/memorial-call/backend/internal/model/session"
	callsvc "github.com/zhouzirui/memorial-call/backend/internal/service/call"
	"github.com/zhouzirui/memorial-call/backend/internal/service/device"
	"github.com/zhouzirui/memorial-call/backend/internal/service/flow"
	"github.com/zhouzirui/memorial-call/backend/internal/service/heartbeat"
	"github.com/zhouzirui/memorial-call/backend/internal/service/processing"
	sessionsvc "github.com/zhouzirui/memorial-call/backend/internal/service/session"
	"github.com/zhouzirui/memorial-call/backend/internal/service/storage"
	"github.com/zhouzirui/memorial-call/backend/pkg/apperr"
	"github.com/zhouzirui/memorial-call/backend/pkg/logger"
	"github.com/zhouzirui/memorial-call/backend/pkg/utils"
)

// CallbackSecretHeader carries the shared secret on AI service callbacks.
const CallbackSecretHeader = "X-Callback-Secret"

const multipartMemory = 8 << 20

// eventsKeepalive 是事件流的心跳注释间隔
const eventsKeepalive = 15 * time.Second

// Deps 汇总 REST 处理器依赖的服务
type Deps struct {
	Store          model.Store
	Router         *callsvc.Router
	Devices        *device.Coordinator
	Machine        *flow.Machine
	Monitor        *heartbeat.Monitor
	Gateway        *processing.Gateway
	Files          storage.Store
	CallbackSecret string
	Logger         logrus.FieldLogger
}

// Handler 通话会话的HTTP处理器
type Handler struct {
	deps Deps
	log  logrus.FieldLogger
}

// New 创建通话处理器
func New(deps Deps) *Handler {
	return &Handler{deps: deps, log: logger.Component(deps.Logger, "http")}
}

// RegisterMemberRoutes 注册成员路由，调用方负责挂载认证中间件
func (h *Handler) RegisterMemberRoutes(r chi.Router) {
	r.Post("/sessions", h.handleCreateSession)
	r.Get("/sessions/{sessionKey}", h.handleGetSession)
	r.Post("/sessions/{sessionKey}/recording", h.handleUploadRecording)
	r.Post("/sessions/{sessionKey}/heartbeat", h.handleHeartbeat)
	r.Delete("/sessions/{sessionKey}", h.handleDeleteSession)
	r.Post("/sessions/{sessionKey}/devices/{deviceId}/primary", h.handleSetPrimary)
}

// RegisterOperatorRoutes 注册运维路由，需在 RequireOperator 之后挂载
func (h *Handler) RegisterOperatorRoutes(r chi.Router) {
	r.Get("/sessions", h.handleListSessions)
	r.Post("/sessions/{sessionKey}/transition", h.handleForceTransition)
	r.Post("/sweep", h.handleSweep)
	r.Get("/events", h.handleEvents)
}

// RegisterCallbackRoutes 注册 AI 服务回调路由
func (h *Handler) RegisterCallbackRoutes(r chi.Router) {
	r.Post("/processing/callback", h.handleCallback)
}

type sessionView struct {
	*model.Session
	Devices []model.DeviceBinding `json:"devices"`
}

func (h *Handler) view(s *model.Session) sessionView {
	devices := h.deps.Devices.Devices(s.Key)
	if devices == nil {
		devices = []model.DeviceBinding{}
	}
	return sessionView{Session: s, Devices: devices}
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.IdentityFrom(r.Context())

	var payload struct {
		ContactName string `json:"contactName"`
		MemorialRef int64  `json:"memorialRef"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, apperr.New(apperr.KindValidation, apperr.CodeInvalidRequest, "invalid request body"))
		return
	}
	payload.ContactName = strings.TrimSpace(payload.ContactName)
	if payload.ContactName == "" {
		utils.RespondError(w, apperr.New(apperr.KindValidation, apperr.CodeInvalidRequest, "contactName is required"))
		return
	}

	s, err := h.deps.Store.Create(r.Context(), payload.ContactName, payload.MemorialRef, id.MemberID)
	if err != nil {
		h.log.WithError(err).Error("create session failed")
		utils.RespondError(w, err)
		return
	}
	h.log.WithFields(logrus.Fields{
		"session": s.Key,
		"member":  id.MemberID,
	}).Info("session created")
	utils.RespondJSON(w, http.StatusCreated, h.view(s))
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.view(s))
}

// handleUploadRecording 接收录像并进入 PROCESSING_UPLOAD，随后异步派发给 AI 服务
func (h *Handler) handleUploadRecording(w http.ResponseWriter, r *http.Request) {
	s, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	if s.FlowState != model.StateRecordingComplete && s.FlowState != model.StateProcessingUpload {
		utils.RespondError(w, apperr.New(apperr.KindStateTransition, apperr.CodeInvalidTransition,
			"recording can only be uploaded after recording completes"))
		return
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		utils.RespondError(w, apperr.Wrap(apperr.KindValidation, apperr.CodeInvalidRequest, "multipart body is required", err))
		return
	}
	file, header, err := r.FormFile("video")
	if err != nil {
		utils.RespondError(w, apperr.Wrap(apperr.KindValidation, apperr.CodeInvalidRequest, "video file is required", err))
		return
	}
	defer file.Close()

	ref, err := h.deps.Files.SaveRecording(r.Context(), s.Key, header.Filename, file)
	if err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			utils.RespondStatus(w, http.StatusRequestEntityTooLarge, apperr.CodeUploadFailed, "recording exceeds the upload limit")
			return
		}
		h.log.WithError(err).WithField("session", s.Key).Error("recording upload failed")
		if _, terr := h.deps.Machine.Transition(r.Context(), s.Key, model.StateErrorProcessing,
			flow.WithError(apperr.CodeUploadFailed, "recording could not be stored")); terr != nil {
			h.log.WithError(terr).WithField("session", s.Key).Warn("could not record upload failure")
		}
		utils.RespondError(w, apperr.Wrap(apperr.KindUnknown, apperr.CodeUploadFailed, "recording could not be stored", err))
		return
	}

	setRef := func(sess *model.Session) { sess.SavedRecordingRef = ref }
	updated, err := h.deps.Machine.Transition(r.Context(), s.Key, model.StateProcessingUpload, flow.WithMutation(setRef))
	if errors.Is(err, flow.ErrNoChange) {
		updated, err = sessionsvc.Mutate(r.Context(), h.deps.Store, s.Key, func(sess *model.Session) error {
			setRef(sess)
			return nil
		})
	}
	if err != nil {
		utils.RespondError(w, err)
		return
	}

	if err := h.deps.Gateway.DispatchAsync(s.Key, ref); err != nil {
		h.log.WithError(err).WithField("session", s.Key).Error("dispatch not scheduled")
		utils.RespondError(w, apperr.Wrap(apperr.KindExternalDispatch, apperr.CodeDispatchFailed, "processing could not be scheduled", err))
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]any{
		"sessionKey":   s.Key,
		"recordingRef": ref,
		"flowState":    updated.FlowState,
	})
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	s, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	extended, err := h.deps.Monitor.Touch(r.Context(), s.Key)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	delivered, err := h.deps.Monitor.SendManual(r.Context(), s.Key)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"sessionKey": s.Key,
		"extended":   extended,
		"delivered":  delivered,
	})
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	h.deps.Router.Terminate(r.Context(), s.Key)
	if err := h.deps.Files.RemoveSession(s.Key); err != nil {
		h.log.WithError(err).WithField("session", s.Key).Warn("recording cleanup failed")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSetPrimary(w http.ResponseWriter, r *http.Request) {
	s, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	updated, err := h.deps.Devices.SetPrimaryDevice(r.Context(), s.Key, chi.URLParam(r, "deviceId"))
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.view(updated))
}

// handleCallback 接收 AI 服务的处理结果。会话已不存在时同样返回 200。
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get(CallbackSecretHeader)
	if h.deps.CallbackSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(h.deps.CallbackSecret)) != 1 {
		utils.RespondError(w, apperr.New(apperr.KindAuthorization, apperr.CodeCallbackForbidden, "callback secret mismatch"))
		return
	}

	var cb processing.CallbackResult
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		utils.RespondError(w, apperr.New(apperr.KindValidation, apperr.CodeInvalidRequest, "invalid request body"))
		return
	}
	outcome, err := h.deps.Gateway.HandleCallback(r.Context(), cb)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"sessionKey": cb.SessionKey,
		"outcome":    outcome,
	})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.deps.Store.ListActive(r.Context())
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, h.view(s))
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (h *Handler) handleForceTransition(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.IdentityFrom(r.Context())
	op, err := flow.NewOperator(id)
	if err != nil {
		utils.RespondError(w, err)
		return
	}

	var payload struct {
		State  string `json:"state"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, apperr.New(apperr.KindValidation, apperr.CodeInvalidRequest, "invalid request body"))
		return
	}
	target, ok := model.ParseFlowState(payload.State)
	if !ok {
		utils.RespondError(w, apperr.New(apperr.KindValidation, apperr.CodeUnknownState, "unknown flow state: "+payload.State))
		return
	}

	updated, err := h.deps.Machine.ForceTransition(r.Context(), op, chi.URLParam(r, "sessionKey"), target, payload.Reason)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.view(updated))
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.deps.Monitor.Sweep(r.Context())
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, result)
}

// ownedSession loads the path session and enforces ownership. Operators may
// read any session.
func (h *Handler) ownedSession(w http.ResponseWriter, r *http.Request) (*model.Session, bool) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		utils.RespondError(w, apperr.New(apperr.KindAuthentication, apperr.CodeAuthRequired, "bearer credential is required"))
		return nil, false
	}
	key := chi.URLParam(r, "sessionKey")
	s, found, err := h.deps.Store.Get(r.Context(), key, false)
	if err != nil {
		utils.RespondError(w, err)
		return nil, false
	}
	if !found {
		utils.RespondError(w, apperr.New(apperr.KindNotFound, apperr.CodeSessionNotFound, "session not found"))
		return nil, false
	}
	if s.OwnerID != id.MemberID && !id.IsOperator() {
		utils.RespondError(w, apperr.New(apperr.KindAuthorization, apperr.CodeSessionAccessDenied, "session belongs to another member"))
		return nil, false
	}
	return s, true
}

// handleEvents streams applied transitions as Server-Sent Events until the
// client goes away.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondStatus(w, http.StatusInternalServerError, apperr.CodeInternal, "streaming unsupported")
		return
	}

	events, cancel := h.deps.Machine.Feed().Subscribe(64)
	defer cancel()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(eventsKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := utils.SendSSEEvent(w, flusher, "transition", ev); err != nil {
				h.log.WithError(err).Debug("event stream closed")
				return
			}
		case <-keepalive.C:
			if err := utils.SendSSEComment(w, flusher, "keepalive"); err != nil {
				return
			}
		}
	}
}
