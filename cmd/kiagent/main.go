// Package main is the entry point for the agent server. A single binary
// runs the WebSocket chat gateway, the credit tracker, and the execution
// archive with shared infrastructure.
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

	"github.com/kiagent/kiagent/internal/common/config"
	"github.com/kiagent/kiagent/internal/common/logger"
	"github.com/kiagent/kiagent/internal/credits"
	"github.com/kiagent/kiagent/internal/events/bus"
	gateway "github.com/kiagent/kiagent/internal/gateway/websocket"
	"github.com/kiagent/kiagent/internal/orchestrator/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

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

	log.Info("Starting kiagent server...")

	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	tracker := credits.Default()
	tracker.Configure(credits.Config{
		MaxPerSession:     cfg.Budget.MaxPerSession,
		MaxPerHour:        cfg.Budget.MaxPerHour,
		MaxPerDay:         cfg.Budget.MaxPerDay,
		EmergencyShutdown: cfg.Budget.EmergencyShutdown,
		MaxLLMInstances:   1,
		MaxCallsPerMinute: cfg.Budget.MaxCallsPerMinute,
		LockTimeout:       cfg.Budget.LockTimeoutDuration(),
	})

	archive, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal("Failed to open execution archive", zap.Error(err),
			zap.String("db_path", cfg.Storage.DBPath))
	}
	defer archive.Close()
	log.Info("Execution archive opened", zap.String("db_path", cfg.Storage.DBPath))

	gw := gateway.NewGateway(cfg, eventBus, archive, tracker, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	gw.RegisterRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "kiagent",
		})
	})

	router.GET("/api/v1/status", func(c *gin.Context) {
		summary := tracker.GetUsageSummary()
		recent, err := archive.ListExecutions(c.Request.Context(), "", 10)
		if err != nil {
			log.Error("Failed to list recent executions", zap.Error(err))
		}
		c.JSON(http.StatusOK, gin.H{
			"sessions":          gw.SessionCount(),
			"mcp":               gw.MCPStatuses(),
			"usage":             summary,
			"recent_executions": recent,
		})
	})

	port := cfg.Server.Port
	if port == 0 {
		port = 8765
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("WebSocket server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("websocket", "/ws/chat"),
		zap.String("health", "/health"),
		zap.String("status", "/api/v1/status"),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down kiagent...")

	gw.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	eventBus.Close()

	log.Info("kiagent stopped")
}

// corsMiddleware allows the web UI and local tooling to reach the HTTP
// and WebSocket endpoints from any origin.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
