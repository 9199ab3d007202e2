package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"crowsnest/internal/clients"
	"crowsnest/internal/config"
	"crowsnest/internal/eventsub"
	"crowsnest/internal/logging"
	"crowsnest/internal/monitoring"
	"crowsnest/internal/recorder"
	"crowsnest/internal/state"
	"crowsnest/internal/supervisor"
	"crowsnest/internal/token"
	"crowsnest/internal/twitch"
	"crowsnest/internal/web"
	"crowsnest/internal/ws"
)

const version = "1.0.0"

func main() {
	// Setup logger
	logger := logging.NewLoggerWithComponent("crowsnest")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Crowsnest (stream capture supervisor)")

	configDir, err := config.ConfigDir()
	if err != nil {
		logger.WithError(err).Fatal("Failed to resolve config directory")
	}
	storageDir := config.StoragePath(configDir)

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("crowsnest", version)
	metricsCollector := monitoring.NewMetricsCollector("crowsnest", version)

	// Roster store and backups
	store := state.NewStore(filepath.Join(configDir, config.RosterFile), storageDir, logger)
	if err := store.Load(); err != nil {
		logger.WithError(err).Fatal("Failed to load roster")
	}
	backups := state.NewBackupManager(store.Path(), filepath.Join(configDir, config.BackupDir), logger)

	// Credential lifecycle
	tokens := token.NewManager(token.Config{
		TokenFile:       filepath.Join(configDir, config.TokenFile),
		RefreshEndpoint: config.GetEnv("CROWSNEST_REFRESH_ENDPOINT", ""),
		Logger:          logger,
	})

	// Upstream client, shared across subsystems so the rate-limit gate
	// and circuit breaker apply globally
	breaker := clients.NewCircuitBreaker(clients.CircuitBreakerConfig{Name: "upstream", Logger: logger})
	client := twitch.NewClient(twitch.Config{
		Tokens:  tokens,
		Logger:  logger,
		Breaker: breaker,
	})
	tokens.SetValidator(client.ValidateToken)

	// UI fan-out hub
	hub := ws.NewHub(store, logger)
	go hub.Run()

	// Recorder pool
	pool := recorder.NewPool(recorder.Config{
		Store:     store,
		API:       client,
		Extractor: recorder.NewStreamlinkExtractor(logger),
		Logger:    logger,
		OnStatus: func(login, status string) {
			hub.DownloadStatus(login, status)
			metricsCollector.ObserveRecording(status)
		},
		AuthToken: func() string { return config.PushCookie(configDir) },
	})

	// Push subscription manager. The supervisor is built afterwards, so
	// live transitions route through an indirection.
	var sup *supervisor.Supervisor
	push := eventsub.NewManager(eventsub.Config{
		API:    client,
		Store:  store,
		Logger: logger,
		OnStatus: func(login string, isLive bool) {
			kind := "offline"
			if isLive {
				kind = "online"
			}
			metricsCollector.ObserveNotification(kind)
			if sup != nil {
				sup.OnPushStatus(login, isLive)
			}
		},
	})

	sup = supervisor.New(supervisor.Config{
		Store:         store,
		Tokens:        tokens,
		Push:          push,
		Pool:          pool,
		API:           client,
		Backups:       backups,
		Broadcast:     hub,
		Logger:        logger,
		OnPushRestart: metricsCollector.ObserveSessionRestart,
	})
	tokens.Subscribe(sup.OnTokenRefresh)

	// Health checks
	healthChecker.AddCheck("credential", monitoring.BoolHealthCheck(tokens.HasToken, "no credential installed"))
	healthChecker.AddCheck("push", monitoring.BoolHealthCheck(push.Healthy, "push sessions degraded"))
	healthChecker.AddCheck("storage", monitoring.DiskWritableCheck(storageDir))

	// Domain gauges
	metricsCollector.RegisterGaugeFunc("monitored_channels", "Channels on the roster", func() float64 {
		return float64(store.Len())
	})
	metricsCollector.RegisterGaugeFunc("live_channels", "Channels currently live", func() float64 {
		live := 0
		for _, ch := range store.List() {
			if ch.IsLive {
				live++
			}
		}
		return float64(live)
	})
	metricsCollector.RegisterGaugeFunc("active_recordings", "Captures currently running", func() float64 {
		return float64(len(pool.Active()))
	})
	metricsCollector.RegisterGaugeFunc("push_sessions_connected", "Connected push sessions", func() float64 {
		return float64(push.Snapshot().ActiveConnections)
	})
	metricsCollector.RegisterGaugeFunc("ui_clients", "Connected UI websocket clients", func() float64 {
		return float64(hub.ClientCount())
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start supervisor")
	}

	// UI backend
	apiServer := web.NewServer(web.Config{
		Store:     store,
		Control:   sup,
		Pool:      pool,
		Tokens:    tokens,
		Push:      push,
		Hub:       hub,
		ConfigDir: configDir,
		Logger:    logger,
		Health:    healthChecker,
		Metrics:   metricsCollector,
	})

	port := config.GetEnv("CROWSNEST_PORT", web.DefaultPort)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: apiServer.Router(),
	}

	go func() {
		logger.WithFields(logging.Fields{"port": port}).Info("UI backend listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	sup.Stop()
	logger.Info("Crowsnest stopped")
}
