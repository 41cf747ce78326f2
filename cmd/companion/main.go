// Command companion runs the companion server: it owns assistant CLI
// subprocesses, aggregates their streamed output per session, and fans
// results out to connected mobile and desktop clients over WebSocket.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aicli/companion/internal/broadcast"
	"github.com/aicli/companion/internal/common/config"
	"github.com/aicli/companion/internal/common/logger"
	"github.com/aicli/companion/internal/events/bus"
	gatewayws "github.com/aicli/companion/internal/gateway/websocket"
	"github.com/aicli/companion/internal/messagequeue"
	"github.com/aicli/companion/internal/orchestrator"
	"github.com/aicli/companion/internal/persistence"
	"github.com/aicli/companion/internal/process"
	"github.com/aicli/companion/internal/push"
	"github.com/aicli/companion/internal/security"
	"github.com/aicli/companion/internal/session"
	"github.com/aicli/companion/internal/tracing"
	"github.com/aicli/companion/pkg/wire"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting companion server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Initialize tracing (no-op unless an OTLP endpoint is configured)
	if err := tracing.Init(ctx, cfg.Tracing); err != nil {
		log.Warn("Tracing disabled: exporter init failed", zap.Error(err))
	}

	// 4. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.Events.NatsURL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.Events, log)
		if err != nil {
			log.Fatal(fmt.Sprintf("Failed to connect to NATS: %v", err))
		}
		eventBus = natsBus
		log.Info("Using NATS event bus")
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Persistence cache (connection history + session routing)
	var store *persistence.Store
	if cfg.Persistence.Path != "" {
		store, err = persistence.Open(cfg.Persistence.Path, log)
		if err != nil {
			log.Fatal(fmt.Sprintf("Failed to open persistence store: %v", err))
		}
		defer store.Close()
		if n, err := store.PruneConnections(); err == nil && n > 0 {
			log.Info("Pruned stale connection history", zap.Int64("pruned", n))
		}
	}

	// 6. Command security policy
	secCfg, err := security.NewConfig(
		cfg.Security.Preset,
		cfg.Security.BlockedCommands,
		cfg.Security.SafeDirectories,
		cfg.Security.ReadOnlyMode,
		cfg.Security.EnableAudit,
		cfg.Security.MaxFileSize,
	)
	if err != nil {
		log.Fatal(fmt.Sprintf("Invalid security configuration: %v", err))
	}
	if cfg.Security.PolicyFile != "" {
		if err := secCfg.LoadPolicyFile(cfg.Security.PolicyFile); err != nil {
			log.Fatal(fmt.Sprintf("Failed to load security policy file: %v", err))
		}
	}
	validator := security.NewValidator(secCfg, log)

	// 7. Assistant subprocess runner
	runner := process.NewRunner(cfg.Assistant, eventBus, log)
	if err := runner.CheckAvailability(); err != nil {
		log.Warn("Assistant CLI not found on PATH, sessions will fail to spawn", zap.Error(err))
	}

	// 8. Per-session message queue for disconnected clients
	queue := messagequeue.NewService(cfg.Queue.MaxQueueLength, cfg.Queue.MaxQueueAge, log)

	// 9. Session manager with timeout enforcement
	var routing session.RoutingStore
	if store != nil {
		routing = store
	}
	manager := session.NewManager(cfg.Sessions, runner, eventBus, queue, routing, log)
	manager.Start()

	// 10. Subprocess health checker
	health := process.NewHealthChecker(runner, cfg.Connections.HealthCheckInterval, func(sessionID string) {
		manager.CleanupDeadSession(sessionID)
	})
	health.Start()

	// 11. WebSocket gateway
	dispatcher := wire.NewDispatcher()
	var historyStore gatewayws.HistoryStore
	if store != nil {
		historyStore = store
	}
	history := gatewayws.NewConnectionHistory(cfg.Connections.ReconnectionWindow, historyStore, log)
	hub := gatewayws.NewHub(dispatcher, history, log)
	go hub.Run(ctx)
	go hub.RunHealthLoop(ctx, cfg.Connections.HealthCheckInterval)

	// 12. Push notification handoff for backgrounded clients
	notifier := push.NewNotifier(push.NewLogProvider(log), log)

	// 13. Broadcast pipeline (live fanout, queue fallback, push handoff)
	broadcaster := broadcast.NewBroadcaster(hub, queue, notifier, log)

	// 14. Orchestrator wires ingress handlers to the session pipeline
	handler := session.NewHandler(log)
	orch := orchestrator.New(cfg.Sessions, manager, runner, validator, handler, broadcaster, hub, notifier, eventBus, log)
	orch.RegisterHandlers(dispatcher)
	if err := orch.Start(ctx); err != nil {
		log.Fatal(fmt.Sprintf("Failed to start orchestrator: %v", err))
	}

	// 15. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	wsHandler := gatewayws.NewHandler(hub, history, log)
	router.GET("/ws", wsHandler.HandleConnection)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"clients":  hub.GetClientCount(),
			"sessions": len(manager.ListSessions()),
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(fmt.Sprintf("HTTP server failed: %v", err))
		}
	}()

	// 16. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down companion server")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	orch.Stop()
	health.Stop()
	manager.Shutdown()
	if err := runner.StopAll(); err != nil {
		log.Warn("Error stopping assistant subprocesses", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Companion server stopped")
}
