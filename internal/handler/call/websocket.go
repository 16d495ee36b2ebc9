package call

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/memorial-call/backend/internal/model/protocol"
	model "github.com/zhouzirui/memorial-call/backend/internal/model/session"
	callsvc "github.com/zhouzirui/memorial-call/backend/internal/service/call"
	"github.com/zhouzirui/memorial-call/backend/internal/service/connection"
	"github.com/zhouzirui/memorial-call/backend/pkg/logger"
)

const (
	DefaultAuthWindow   = 5 * time.Second
	DefaultReadTimeout  = 60 * time.Second
	DefaultPingInterval = 54 * time.Second
	maxFrameBytes       = 64 << 10
)

// WSConfig 控制单个传输的超时
type WSConfig struct {
	AuthWindow   time.Duration
	ReadTimeout  time.Duration
	PingInterval time.Duration
}

// WebSocketHandler 通话 WebSocket 处理器
type WebSocketHandler struct {
	router   *callsvc.Router
	cfg      WSConfig
	upgrader websocket.Upgrader
	log      logrus.FieldLogger
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(router *callsvc.Router, cfg WSConfig, log logrus.FieldLogger) *WebSocketHandler {
	if cfg.AuthWindow <= 0 {
		cfg.AuthWindow = DefaultAuthWindow
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.ReadTimeout {
		cfg.PingInterval = cfg.ReadTimeout * 9 / 10
	}
	return &WebSocketHandler{
		router: router,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log: logger.Component(log, "websocket"),
	}
}

// RegisterWebSocketRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterWebSocketRoutes(r chi.Router) {
	r.Get("/ws/session/{deviceClass}/{sessionKey}", h.handleWebSocket)
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionKey := chi.URLParam(r, "sessionKey")
	if sessionKey == "" {
		http.Error(w, "sessionKey is required", http.StatusBadRequest)
		return
	}
	deviceClass := model.ParseDeviceType(chi.URLParam(r, "deviceClass"))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).WithField("session", sessionKey).Warn("upgrade failed")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	transport := connection.NewWSTransport(conn)
	defer transport.Close(websocket.CloseNormalClosure, "")

	c := h.router.Open(transport, sessionKey, deviceClass)
	log := h.log.WithFields(logrus.Fields{
		"session":   sessionKey,
		"transport": transport.ID(),
	})
	log.Debug("transport opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer h.router.Disconnected(context.Background(), c, protocol.ReasonTransportLost)

	authTimer := time.AfterFunc(h.cfg.AuthWindow, func() {
		if h.router.ExpireUnauthenticated(c) {
			cancel()
		}
	})
	defer authTimer.Stop()

	conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		return nil
	})

	go h.pingLoop(ctx, transport)

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					log.WithError(err).Info("read error")
				}
				return
			}

			conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))

			verdict := h.router.Handle(ctx, c, data)
			if verdict.Close {
				log.WithFields(logrus.Fields{
					"code":   verdict.Code,
					"reason": verdict.Reason,
				}).Info("closing transport")
				transport.Close(verdict.Code, verdict.Reason)
				return
			}
		}
	}
}

func (h *WebSocketHandler) pingLoop(ctx context.Context, transport *connection.WSTransport) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := transport.Ping(); err != nil {
				return
			}
		}
	}
}
