package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/memorial-call/backend/internal/config"
	"github.com/zhouzirui/memorial-call/backend/internal/handler"
	"github.com/zhouzirui/memorial-call/backend/internal/handler/call"
	model "github.com/zhouzirui/memorial-call/backend/internal/model/session"
	callsvc "github.com/zhouzirui/memorial-call/backend/internal/service/call"
	"github.com/zhouzirui/memorial-call/backend/internal/service/connection"
	"github.com/zhouzirui/memorial-call/backend/internal/service/device"
	"github.com/zhouzirui/memorial-call/backend/internal/service/flow"
	"github.com/zhouzirui/memorial-call/backend/internal/service/heartbeat"
	"github.com/zhouzirui/memorial-call/backend/internal/service/identity"
	"github.com/zhouzirui/memorial-call/backend/internal/service/processing"
	sessionsvc "github.com/zhouzirui/memorial-call/backend/internal/service/session"
	"github.com/zhouzirui/memorial-call/backend/internal/service/storage"
	"github.com/zhouzirui/memorial-call/backend/internal/service/worker"
	"github.com/zhouzirui/memorial-call/backend/pkg/logger"
	"github.com/zhouzirui/memorial-call/backend/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	if envErr != nil {
		log.WithError(envErr).Debug("no .env file, using system environment only")
	}

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to initialise tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.WithError(err).Warn("tracing shutdown failed")
		}
	}()

	store, closeStore, err := openStore(ctx, cfg.Session, log)
	if err != nil {
		log.WithError(err).Fatal("failed to open session store")
	}
	defer closeStore()

	files, err := storage.NewFileStore(cfg.Storage.UploadDir, cfg.Storage.MaxUploadBytes())
	if err != nil {
		log.WithError(err).Fatal("failed to prepare upload dir")
	}

	idCfg := identity.Config{Secret: []byte(cfg.Auth.JWTSecret), Issuer: cfg.Auth.JWTIssuer}
	verifier, err := identity.NewJWTVerifier(idCfg)
	if err != nil {
		log.WithError(err).Fatal("failed to initialise credential verifier")
	}

	pool := worker.NewPool(cfg.Worker.BackgroundWorkers, log)
	registry := connection.NewRegistry()
	devices := device.NewCoordinator(store, registry, log)
	machine := flow.NewMachine(store, devices, pool, flow.Config{
		CountdownSeconds: cfg.Session.CountdownSeconds,
		ProgressInterval: cfg.Processing.ProgressInterval(),
	}, log)
	monitor := heartbeat.NewMonitor(store, registry, devices, heartbeat.Config{
		Interval:      cfg.Session.HeartbeatInterval(),
		SweepInterval: cfg.Session.SweepInterval(),
		OnRelease: func(key string) {
			machine.Forget(key)
			if err := files.RemoveSession(key); err != nil {
				log.WithError(err).WithField("session", key).Warn("recording cleanup failed")
			}
		},
	}, log)
	gateway := processing.NewGateway(store, machine, pool, processing.Config{
		BaseURL:     cfg.Processing.BaseURL,
		APIKey:      cfg.Processing.APIKey,
		Timeout:     cfg.Processing.Timeout(),
		RetryCount:  cfg.Processing.RetryCount,
		CallbackURL: cfg.Processing.CallbackURL(),
	}, log)
	router := callsvc.NewRouter(store, registry, devices, machine, verifier, log)

	httpHandler := handler.NewRouter(handler.Options{
		Calls: call.New(call.Deps{
			Store:          store,
			Router:         router,
			Devices:        devices,
			Machine:        machine,
			Monitor:        monitor,
			Gateway:        gateway,
			Files:          files,
			CallbackSecret: cfg.Processing.CallbackSecret,
			Logger:         log,
		}),
		WebSocket: call.NewWebSocketHandler(router, call.WSConfig{AuthWindow: cfg.Session.AuthWindow()}, log),
		Verifier:  verifier,
		Registry:  registry,
		Logger:    log,
	})

	go monitor.Run(ctx)

	startServer(ctx, cfg.Server, httpHandler, log)

	registry.CloseAll(websocket.CloseGoingAway, "SERVER_SHUTDOWN")
	machine.Stop()
	pool.Close()
	log.Info("shutdown complete")
}

// openStore selects the session backend and optionally fronts it with the
// read-through cache.
func openStore(ctx context.Context, cfg config.SessionConfig, log logrus.FieldLogger) (model.Store, func(), error) {
	opts := sessionsvc.Options{
		TTL:             cfg.TTL(),
		WaitingAssetURL: cfg.WaitingAssetURL,
		Logger:          log,
	}

	var (
		store   model.Store
		closeFn = func() {}
	)
	switch cfg.Store {
	case "sqlite":
		sqlite, err := sessionsvc.OpenSQLite(ctx, cfg.SQLitePath, opts)
		if err != nil {
			return nil, nil, err
		}
		store = sqlite
		closeFn = func() {
			if err := sqlite.Close(); err != nil {
				log.WithError(err).Warn("closing session store failed")
			}
		}
		log.WithField("path", cfg.SQLitePath).Info("using sqlite session store")
	default:
		store = sessionsvc.NewMemoryStore(opts)
		log.Info("using in-memory session store")
	}

	if ttl := cfg.CacheTTL(); ttl > 0 {
		store = sessionsvc.NewCachedStore(store, ttl, time.Now)
	}
	return store, closeFn, nil
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, log logrus.FieldLogger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.WithField("addr", addr).Info("memorial call orchestrator listening")
	if err := runServer(ctx, srv); err != nil {
		log.WithError(err).Error("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
