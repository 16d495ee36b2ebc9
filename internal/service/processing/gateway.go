package processing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	model "github.com/zhouzirui/memorial-call/backend/internal/model/session"
	"github.com/zhouzirui/memorial-call/backend/internal/service/flow"
	sessionsvc "github.com/zhouzirui/memorial-call/backend/internal/service/session"
	"github.com/zhouzirui/memorial-call/backend/pkg/apperr"
	"github.com/zhouzirui/memorial-call/backend/pkg/logger"
	"github.com/zhouzirui/memorial-call/backend/pkg/telemetry"
)

// Transitioner is the part of the flow machine the gateway drives.
type Transitioner interface {
	Transition(ctx context.Context, key string, target model.FlowState, opts ...flow.TransitionOption) (*model.Session, error)
}

// Scheduler runs background jobs.
type Scheduler interface {
	Go(name string, fn func(ctx context.Context)) error
}

// Config 外部 AI 视频服务配置
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RetryCount is how many times a failed post is repeated; zero means a
	// single attempt.
	RetryCount  int
	RetryDelay  time.Duration
	CallbackURL string
	HTTPClient  *http.Client
}

// DispatchResult is the outcome of handing a recording to the AI service.
// It says nothing about whether processing later succeeds.
type DispatchResult struct {
	Accepted   bool   `json:"accepted"`
	JobID      string `json:"jobId,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	Attempts   int    `json:"attempts"`
}

// Callback statuses sent by the AI service.
const (
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// CallbackResult is the asynchronous completion report from the AI service.
type CallbackResult struct {
	SessionKey       string `json:"sessionKey"`
	JobID            string `json:"jobId,omitempty"`
	Status           string `json:"status"`
	ResponseAssetURL string `json:"responseAssetUrl,omitempty"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
}

// CallbackOutcome tells the caller what a callback did. Every outcome is
// acknowledged to the AI service.
type CallbackOutcome string

const (
	OutcomeApplied        CallbackOutcome = "applied"
	OutcomeFailed         CallbackOutcome = "failed"
	OutcomeIgnoredMissing CallbackOutcome = "ignored_missing"
	OutcomeIgnoredStale   CallbackOutcome = "ignored_stale"
)

type jobRequest struct {
	SessionKey   string `json:"sessionKey"`
	RecordingRef string `json:"recordingRef"`
	MemorialRef  int64  `json:"memorialRef"`
	ContactName  string `json:"contactName"`
	CallbackURL  string `json:"callbackUrl,omitempty"`
}

type jobResponse struct {
	JobID string `json:"jobId"`
}

// Gateway dispatches recordings to the AI video service and ingests its
// callbacks.
type Gateway struct {
	store   model.Store
	machine Transitioner
	pool    Scheduler
	cfg     Config
	client  *http.Client
	log     logrus.FieldLogger
	tracer  trace.Tracer
}

// NewGateway 创建外部处理网关。
func NewGateway(store model.Store, machine Transitioner, pool Scheduler, cfg Config, log logrus.FieldLogger) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Gateway{
		store:   store,
		machine: machine,
		pool:    pool,
		cfg:     cfg,
		client:  client,
		log:     logger.Component(log, "processing"),
		tracer:  telemetry.Tracer("processing"),
	}
}

// DispatchAsync runs Dispatch on the background pool.
func (g *Gateway) DispatchAsync(key, recordingRef string) error {
	if g.pool == nil {
		return errors.New("no background pool configured")
	}
	return g.pool.Go("dispatch:"+key, func(ctx context.Context) {
		if _, err := g.Dispatch(ctx, key, recordingRef); err != nil {
			g.log.WithError(err).WithField("session", key).Warn("recording dispatch failed")
		}
	})
}

// Dispatch hands recordingRef to the AI service. The session must be in
// PROCESSING_UPLOAD. Acceptance moves it to PROCESSING_AI; rejection or
// exhausting the retry budget moves it to ERROR_PROCESSING with
// AI_DISPATCH_FAILED.
func (g *Gateway) Dispatch(ctx context.Context, key, recordingRef string) (DispatchResult, error) {
	ctx, span := g.tracer.Start(ctx, "processing.Dispatch", trace.WithAttributes(
		attribute.String("session.key", key),
	))
	defer span.End()

	s, ok, err := g.store.Get(ctx, key, true)
	if err != nil {
		return DispatchResult{}, err
	}
	if !ok {
		return DispatchResult{}, apperr.New(apperr.KindNotFound, apperr.CodeSessionNotFound, "session not found")
	}
	if s.FlowState != model.StateProcessingUpload {
		return DispatchResult{}, apperr.New(apperr.KindStateTransition, apperr.CodeInvalidTransition,
			fmt.Sprintf("cannot dispatch from %s", s.FlowState))
	}
	if strings.TrimSpace(recordingRef) == "" {
		recordingRef = s.SavedRecordingRef
	}
	if recordingRef == "" {
		return DispatchResult{}, apperr.New(apperr.KindValidation, apperr.CodeRecordingMissing, "no recording to dispatch")
	}

	result, dispatchErr := g.postJob(ctx, jobRequest{
		SessionKey:   s.Key,
		RecordingRef: recordingRef,
		MemorialRef:  s.MemorialRef,
		ContactName:  s.ContactName,
		CallbackURL:  g.cfg.CallbackURL,
	})
	span.SetAttributes(attribute.Int("dispatch.attempts", result.Attempts))

	if dispatchErr != nil {
		span.RecordError(dispatchErr)
		span.SetStatus(codes.Error, apperr.CodeDispatchFailed)
		g.log.WithError(dispatchErr).WithFields(logrus.Fields{
			"session":  key,
			"attempts": result.Attempts,
		}).Warn("ai service rejected dispatch")
		if _, err := g.machine.Transition(ctx, key, model.StateErrorProcessing,
			flow.WithError(apperr.CodeDispatchFailed, "the recording could not be sent for processing"),
		); err != nil && !errors.Is(err, flow.ErrNoChange) {
			g.log.WithError(err).WithField("session", key).Warn("could not record dispatch failure")
		}
		return result, apperr.Wrap(apperr.KindExternalDispatch, apperr.CodeDispatchFailed, "ai service did not accept the recording", dispatchErr)
	}

	recordJob := func(s *model.Session) {
		if result.JobID != "" {
			s.SetMeta(model.MetaDispatchJobID, result.JobID)
		}
		s.SavedRecordingRef = recordingRef
	}
	if _, err := g.machine.Transition(ctx, key, model.StateProcessingAI, flow.WithMutation(recordJob)); err != nil && !errors.Is(err, flow.ErrNoChange) {
		if apperr.KindOf(err) != apperr.KindStateTransition {
			return result, err
		}
		// 回调可能先于本次状态推进到达，会话已离开 PROCESSING_UPLOAD
		if _, merr := sessionsvc.Mutate(ctx, g.store, key, func(s *model.Session) error {
			if s.FlowState == model.StateProcessingUpload {
				return err
			}
			recordJob(s)
			return nil
		}); merr != nil && !errors.Is(merr, model.ErrNotFound) {
			return result, merr
		}
		g.log.WithFields(logrus.Fields{
			"session": key,
			"job":     result.JobID,
		}).Info("callback arrived before dispatch completed")
		return result, nil
	}
	g.log.WithFields(logrus.Fields{
		"session": key,
		"job":     result.JobID,
	}).Info("recording accepted for processing")
	return result, nil
}

// postJob posts with a fixed retry budget. Transport errors and 5xx are
// retried; 4xx is a final rejection.
func (g *Gateway) postJob(ctx context.Context, body jobRequest) (DispatchResult, error) {
	if strings.TrimSpace(g.cfg.BaseURL) == "" {
		return DispatchResult{}, errors.New("ai service base url is not configured")
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("encode job: %w", err)
	}
	endpoint := strings.TrimRight(g.cfg.BaseURL, "/") + "/v1/jobs"

	var (
		result  DispatchResult
		lastErr error
	)
	attempts := g.cfg.RetryCount + 1
	for i := 0; i < attempts; i++ {
		result.Attempts = i + 1
		status, job, err := g.postOnce(ctx, endpoint, payload)
		result.StatusCode = status
		if err == nil {
			result.Accepted = true
			result.JobID = job.JobID
			return result, nil
		}
		lastErr = err
		if status >= 400 && status < 500 {
			return result, err
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if i == attempts-1 {
			break
		}

		// 线性退避
		retryDelay := time.Duration(i+1) * g.cfg.RetryDelay
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return result, fmt.Errorf("dispatch failed after %d attempts, last error: %w", result.Attempts, lastErr)
}

func (g *Gateway) postOnce(ctx context.Context, endpoint string, payload []byte) (int, jobResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, jobResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}
	otel.GetTextMapPropagator().Inject(reqCtx, propagation.HeaderCarrier(req.Header))

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, jobResponse{}, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, jobResponse{}, fmt.Errorf("ai service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var job jobResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &job); err != nil {
			g.log.WithError(err).Debug("ai service accepted job with unreadable body")
		}
	}
	return resp.StatusCode, job, nil
}

// HandleCallback applies a completion report. Reports for absent sessions or
// sessions no longer waiting on processing are acknowledged without change.
func (g *Gateway) HandleCallback(ctx context.Context, cb CallbackResult) (CallbackOutcome, error) {
	ctx, span := g.tracer.Start(ctx, "processing.HandleCallback", trace.WithAttributes(
		attribute.String("session.key", cb.SessionKey),
		attribute.String("callback.status", cb.Status),
	))
	defer span.End()

	if strings.TrimSpace(cb.SessionKey) == "" {
		return "", apperr.New(apperr.KindValidation, apperr.CodeInvalidRequest, "sessionKey is required")
	}
	status := strings.ToUpper(strings.TrimSpace(cb.Status))
	if status != StatusCompleted && status != StatusFailed {
		return "", apperr.New(apperr.KindValidation, apperr.CodeInvalidRequest, "status must be COMPLETED or FAILED")
	}
	if status == StatusCompleted && strings.TrimSpace(cb.ResponseAssetURL) == "" {
		return "", apperr.New(apperr.KindValidation, apperr.CodeInvalidRequest, "responseAssetUrl is required")
	}

	log := g.log.WithFields(logrus.Fields{"session": cb.SessionKey, "status": status})

	s, ok, err := g.store.Get(ctx, cb.SessionKey, true)
	if err != nil {
		return "", err
	}
	if !ok {
		log.Info("callback for unknown session acknowledged")
		return OutcomeIgnoredMissing, nil
	}
	if s.FlowState != model.StateProcessingUpload && s.FlowState != model.StateProcessingAI {
		log.WithField("state", s.FlowState).Info("stale callback acknowledged")
		return OutcomeIgnoredStale, nil
	}
	if job := s.Meta(model.MetaDispatchJobID); job != "" && cb.JobID != "" && job != cb.JobID {
		log.WithField("job", cb.JobID).Info("callback for superseded job acknowledged")
		return OutcomeIgnoredStale, nil
	}

	if status == StatusFailed {
		message := cb.ErrorMessage
		if message == "" {
			message = "response video could not be generated"
		}
		if _, err := g.machine.Transition(ctx, cb.SessionKey, model.StateErrorProcessing,
			flow.WithError(apperr.CodeProcessingFailed, message),
		); err != nil && !errors.Is(err, flow.ErrNoChange) {
			return g.vanished(err)
		}
		return OutcomeFailed, nil
	}

	steps := []walkStep{
		{target: model.StateProcessingComplete},
		{target: model.StateResponseReady, opts: []flow.TransitionOption{flow.WithMutation(func(s *model.Session) {
			s.ResponseAssetURL = cb.ResponseAssetURL
		})}},
		{target: model.StateResponsePlaying},
	}
	if s.FlowState == model.StateProcessingUpload {
		steps = append([]walkStep{{target: model.StateProcessingAI}}, steps...)
	}
	for _, step := range steps {
		if _, err := g.machine.Transition(ctx, cb.SessionKey, step.target, step.opts...); err != nil && !errors.Is(err, flow.ErrNoChange) {
			span.RecordError(err)
			return g.vanished(err)
		}
	}
	log.Info("response asset delivered")
	return OutcomeApplied, nil
}

type walkStep struct {
	target model.FlowState
	opts   []flow.TransitionOption
}

// vanished treats a session deleted mid-callback as an acknowledged no-op.
func (g *Gateway) vanished(err error) (CallbackOutcome, error) {
	if apperr.KindOf(err) == apperr.KindNotFound {
		return OutcomeIgnoredMissing, nil
	}
	return "", err
}
