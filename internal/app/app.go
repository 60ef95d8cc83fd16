// Package app wires configuration, infrastructure clients, and domain
// packages together and runs the selected mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/Nickchen-PUSH/yatcc-se/internal/adminapi"
	"github.com/Nickchen-PUSH/yatcc-se/internal/config"
	"github.com/Nickchen-PUSH/yatcc-se/internal/httpserver"
	"github.com/Nickchen-PUSH/yatcc-se/internal/notify"
	"github.com/Nickchen-PUSH/yatcc-se/internal/platform"
	"github.com/Nickchen-PUSH/yatcc-se/internal/studentapi"
	"github.com/Nickchen-PUSH/yatcc-se/internal/telemetry"
	"github.com/Nickchen-PUSH/yatcc-se/pkg/authtoken"
	"github.com/Nickchen-PUSH/yatcc-se/pkg/controller"
	"github.com/Nickchen-PUSH/yatcc-se/pkg/orchestrator"
	"github.com/Nickchen-PUSH/yatcc-se/pkg/orchestrator/k8sadapter"
	"github.com/Nickchen-PUSH/yatcc-se/pkg/orchestrator/mockadapter"
	"github.com/Nickchen-PUSH/yatcc-se/pkg/store"
)

// Run reads config, connects to infrastructure, and starts the selected mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting codespace controller", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	adapter, err := buildAdapter(cfg)
	if err != nil {
		return fmt.Errorf("building orchestrator adapter: %w", err)
	}

	codec := authtoken.NewCodec(cfg.AuthTokenSecret)
	notifier := notify.New(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)

	// pkg/store needs a LifecycleHook at construction, but the hook it
	// calls back into (the controller) needs the store. deferredHook
	// breaks the cycle: it forwards once ctl is assigned below.
	hook := &deferredHook{}
	st := store.New(rdb, cfg.StudentsRoot, cfg.ArchiveRoot, hook, logger)

	ctlCfg := controller.Config{
		Image:            cfg.CodespaceImage,
		CPULimit:         cfg.CodespaceCPULimit,
		MemoryLimit:      cfg.CodespaceMemoryLimit,
		StorageLimit:     cfg.CodespaceStorageLimit,
		WatchConcurrency: 16,
		StudentsRoot:     cfg.StudentsRoot,
	}
	ctl := controller.New(st, adapter, codec, ctlCfg, logger, notifier)
	hook.ctl = ctl

	metricsReg := telemetry.NewRegistry(telemetry.Collectors()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, rdb, st, ctl, adapter, codec, metricsReg)
	case "watcher":
		return runWatcher(ctx, cfg, logger, ctl)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	rdb *redis.Client,
	st *store.Store,
	ctl *controller.Controller,
	adapter orchestrator.Adapter,
	codec *authtoken.Codec,
	metricsReg *prometheus.Registry,
) error {
	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		CORSAllowedMethods: cfg.CORSAllowedMethods,
		MetricsPath:        cfg.MetricsPath,
	}, logger, rdb, metricsReg)

	srv.Router.Get("/status", srv.HandleStatus)

	adminHandler := adminapi.New(st, ctl, adapter, logger)
	srv.Router.Route("/", func(r chi.Router) {
		r.Use(httpserver.RequireAdminAuth(cfg.AdminAPIKey))
		r.Mount("/", adminHandler.Routes())
	})

	studentHandler := studentapi.New(st, ctl, codec, logger)
	srv.Router.Mount("/", studentHandler.PublicRoutes())
	srv.Router.Route("/", func(r chi.Router) {
		r.Use(httpserver.RequireStudentAuth(codec))
		r.Mount("/", studentHandler.Routes())
	})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWatcher runs the periodic watchAll sweep until ctx is cancelled.
func runWatcher(ctx context.Context, cfg *config.Config, logger *slog.Logger, ctl *controller.Controller) error {
	logger.Info("watcher started", "interval", cfg.WatchInterval)

	ticker := time.NewTicker(cfg.WatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("watcher stopping")
			return nil
		case <-ticker.C:
			if err := ctl.WatchAll(ctx); err != nil {
				logger.Error("watch sweep failed", "error", err)
			}
		}
	}
}

// deferredHook resolves the store <-> controller construction-order
// cycle: store.Store needs a LifecycleHook at construction time, but the
// only implementation (Controller) needs the store itself.
type deferredHook struct{ ctl *controller.Controller }

func (h *deferredHook) Allocate(ctx context.Context, sid string) error { return h.ctl.Allocate(ctx, sid) }
func (h *deferredHook) Release(ctx context.Context, sid string) error  { return h.ctl.Release(ctx, sid) }

func buildAdapter(cfg *config.Config) (orchestrator.Adapter, error) {
	switch cfg.OrchestratorBackend {
	case "kubernetes":
		return k8sadapter.New(cfg.Kubeconfig, cfg.Namespace)
	case "mock":
		return mockadapter.New(), nil
	default:
		return nil, fmt.Errorf("unknown orchestrator backend: %s", cfg.OrchestratorBackend)
	}
}
