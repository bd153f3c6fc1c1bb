// Colony parent-agent daemon: drives the goal-lifecycle orchestrator,
// the worker health monitor and the HTTP/WebSocket API over a shared
// PostgreSQL store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/remingtons1/colony/pkg/api"
	"github.com/remingtons1/colony/pkg/config"
	"github.com/remingtons1/colony/pkg/database"
	"github.com/remingtons1/colony/pkg/events"
	"github.com/remingtons1/colony/pkg/funding"
	"github.com/remingtons1/colony/pkg/health"
	"github.com/remingtons1/colony/pkg/llm"
	"github.com/remingtons1/colony/pkg/messaging"
	"github.com/remingtons1/colony/pkg/models"
	"github.com/remingtons1/colony/pkg/orchestrator"
	"github.com/remingtons1/colony/pkg/runtime"
	"github.com/remingtons1/colony/pkg/taskgraph"
	"github.com/remingtons1/colony/pkg/tracker"
	"github.com/remingtons1/colony/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env from the config directory before anything reads the
	// environment.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting colony", "version", version.Full(), "config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	db, err := database.Connect(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	st := database.NewStore(db)

	// 3. Domain services
	graph := taskgraph.New(st)
	transport := messaging.NewStoreTransport(st)
	messenger := messaging.New(st, transport, cfg.Messaging.SelfAddress)
	trk := tracker.New(st)
	treasury := funding.NewTreasury(st)

	tierModels := make(map[models.Tier]string, len(cfg.LLM.TierModels))
	for tier, model := range cfg.LLM.TierModels {
		tierModels[models.Tier(tier)] = model
	}
	llmClient, err := llm.NewOpenAIClient(llm.Config{
		BaseURL:      cfg.LLM.BaseURL,
		APIKey:       cfg.LLM.APIKey(),
		DefaultModel: cfg.LLM.DefaultModel,
		TierModels:   tierModels,
	})
	if err != nil {
		slog.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}

	// 4. Streaming infrastructure
	publisher := events.NewPublisher(db)
	connManager := events.NewConnectionManager(10 * time.Second)

	notifyListener := events.NewNotifyListener(dbConfig.DSN(), connManager)
	if err := notifyListener.Start(ctx); err != nil {
		slog.Error("Failed to start NotifyListener", "error", err)
		os.Exit(1)
	}
	defer notifyListener.Stop(ctx)
	connManager.SetListener(notifyListener)
	slog.Info("Streaming infrastructure initialized")

	// 5. Orchestrator and health monitor
	orch := orchestrator.New(orchestrator.Deps{
		Store:     st,
		Graph:     graph,
		Messenger: messenger,
		Tracker:   trk,
		Funding:   treasury,
		LLM:       llmClient,
		Notifier:  publisher,
	}, orchestrator.Options{
		MaxReplans:               cfg.Orchestrator.MaxReplans,
		AutoBudgetThresholdCents: cfg.Orchestrator.AutoBudgetThresholdCents,
		ClassificationThreshold:  cfg.Orchestrator.ClassificationThreshold,
		DisableSpawn:             cfg.Orchestrator.DisableSpawn,
	})

	monitor := health.New(st, messenger, trk, treasury, health.Config{
		InactivityThreshold:    cfg.Monitor.InactivityThreshold,
		StuckThreshold:         cfg.Monitor.StuckThreshold,
		StuckGrace:             cfg.Monitor.StuckGrace,
		CreditFloorCents:       cfg.Monitor.CreditFloorCents,
		CreditTargetCents:      cfg.Monitor.CreditTargetCents,
		CreditMinTransferCents: cfg.Monitor.CreditMinTransferCents,
		ErrorWindow:            cfg.Monitor.ErrorWindow,
		ErrorFallbackSamples:   cfg.Monitor.ErrorFallbackSamples,
		ErrorMinSamples:        cfg.Monitor.ErrorMinSamples,
		ErrorRateThreshold:     cfg.Monitor.ErrorRateThreshold,
	})

	runner := runtime.NewRunner(orch, monitor, publisher, runtime.Config{
		TickInterval:        cfg.Orchestrator.TickInterval,
		HealthCheckInterval: cfg.Monitor.CheckInterval,
	})
	runner.Start(ctx)

	// 6. HTTP server
	apiServer := api.NewServer(api.Deps{
		Store:       st,
		Graph:       graph,
		Funding:     treasury,
		Monitor:     monitor,
		Ticks:       runner,
		ConnManager: connManager,
		DB:          db,
		WSOrigins:   cfg.HTTP.AllowedWSOrigins,
	})
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: apiServer.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Colony started successfully",
		"self_address", cfg.Messaging.SelfAddress,
		"tick_interval", cfg.Orchestrator.TickInterval)

	// 7. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown: stop accepting requests, then let the
	// in-flight tick and health check finish.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	runner.Stop()
	slog.Info("Shutdown complete")
}
