package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/tyemirov/authstate/internal/devserver"
	"github.com/tyemirov/authstate/pkg/authmetrics"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func runDevServer(command *cobra.Command, arguments []string) error {
	devServerConfig, configErr := devServerConfigFrom(command)
	if configErr != nil {
		return configErr
	}
	logger, loggerErr := newLogger(devServerConfig.Debug)
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	handler, cleanup, buildErr := buildDevServerHandler(commandContext(command), devServerConfig, logger)
	if buildErr != nil {
		return buildErr
	}
	defer cleanup()

	server := &http.Server{
		Addr:              devServerConfig.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, shutdownGrace)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.String("code", "devserver.shutdown_failed"), zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("code", "devserver.listening"), zap.String("addr", devServerConfig.ListenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

// buildDevServerHandler wires stores, seeded users and metrics into the router.
func buildDevServerHandler(ctx context.Context, devServerConfig DevServerConfig, logger *zap.Logger) (http.Handler, func(), error) {
	refreshStore, storeErr := devserver.OpenRefreshTokenStore(ctx, devServerConfig.DatabaseURL, logger)
	if storeErr != nil {
		return nil, nil, storeErr
	}
	cleanup := func() {
		if err := refreshStore.Close(); err != nil {
			logger.Warn("refresh store close failed", zap.String("code", "devserver.refresh_store.close_failed"), zap.Error(err))
		}
	}

	users := devserver.NewInMemoryUsers(0)
	for _, seedUser := range devServerConfig.SeedUsers {
		user, addErr := users.Add(seedUser)
		if addErr != nil {
			cleanup()
			return nil, nil, configError(configCodeInvalidSeedUser, addErr.Error())
		}
		logger.Info("seeded user", zap.String("code", "devserver.user.seeded"), zap.String("user_id", user.ID), zap.String("email", user.Email), zap.String("role", string(user.Role)))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metricsRecorder, metricsErr := authmetrics.NewPrometheusMetrics(registry, "authstate_devserver")
	if metricsErr != nil {
		cleanup()
		return nil, nil, metricsErr
	}

	if !devServerConfig.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router, routerErr := devserver.NewRouter(devServerConfig.Server, devserver.Dependencies{
		Users:         users,
		RefreshTokens: refreshStore,
		CSRF:          devserver.NewMemoryCSRFStore(devServerConfig.Server.CSRFTTL),
		Metrics:       metricsRecorder,
		Gatherer:      registry,
		Logger:        logger,
	})
	if routerErr != nil {
		cleanup()
		return nil, nil, routerErr
	}
	return router, cleanup, nil
}
