package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/memorial-call/backend/internal/handler/call"
	middlewarePkg "github.com/zhouzirui/memorial-call/backend/internal/middleware"
	"github.com/zhouzirui/memorial-call/backend/internal/service/connection"
	"github.com/zhouzirui/memorial-call/backend/internal/service/identity"
	"github.com/zhouzirui/memorial-call/backend/pkg/logger"
	"github.com/zhouzirui/memorial-call/backend/pkg/utils"
)

// Options wires HTTP routes to core services.
type Options struct {
	Calls     *call.Handler
	WebSocket *call.WebSocketHandler
	Verifier  identity.Verifier
	Registry  *connection.Registry
	Logger    logrus.FieldLogger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.AccessLog(logger.Component(opts.Logger, "http")))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		transports := 0
		if opts.Registry != nil {
			transports = opts.Registry.Count()
		}
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"transports": transports,
		})
	})

	// WebSocket 连接在 CONNECT 消息中自行认证
	opts.WebSocket.RegisterWebSocketRoutes(r)

	r.Route("/api", func(api chi.Router) {
		opts.Calls.RegisterCallbackRoutes(api)

		api.Group(func(member chi.Router) {
			member.Use(middlewarePkg.Authenticate(opts.Verifier))
			opts.Calls.RegisterMemberRoutes(member)

			member.Route("/operator", func(op chi.Router) {
				op.Use(middlewarePkg.RequireOperator)
				opts.Calls.RegisterOperatorRoutes(op)
			})
		})
	})

	return r
}
