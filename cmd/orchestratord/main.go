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

	"github.com/agentmesh/core/internal/api"
	"github.com/agentmesh/core/internal/audit"
	"github.com/agentmesh/core/internal/balancer"
	"github.com/agentmesh/core/internal/bus"
	"github.com/agentmesh/core/internal/common/config"
	"github.com/agentmesh/core/internal/common/logger"
	"github.com/agentmesh/core/internal/decomposer"
	"github.com/agentmesh/core/internal/modes"
	"github.com/agentmesh/core/internal/orchestrator"
	"github.com/agentmesh/core/internal/registry"
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

	log.Info("Starting orchestration core...")

	// 3. Communication bus: in-memory unless a NATS URL is configured
	var eventBus bus.Bus
	if cfg.Bus.URL != "" {
		natsBus, err := bus.NewNATSBus(cfg.Bus, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
	} else {
		eventBus = bus.NewMemoryBus(cfg.Bus.SubscriberQueue, cfg.Bus.HistorySize, log)
	}
	defer eventBus.Close()

	// 4. Agent registry
	reg := registry.NewRegistry(eventBus, log)

	// 5. Load balancer
	strategy, ok := balancer.ParseStrategy(cfg.Balancer.DefaultStrategy, balancer.LeastLoaded)
	if !ok {
		log.Fatal("Unknown balancer strategy", zap.String("strategy", cfg.Balancer.DefaultStrategy))
	}
	lb := balancer.New(strategy, nil, log)

	// 6. Task decomposer, with the patterns.yaml catalog from the working
	// directory when present
	dec := decomposer.New(log)
	if _, err := os.Stat("patterns.yaml"); err == nil {
		if err := dec.LoadFromFile("patterns.yaml"); err != nil {
			log.Fatal("Failed to load pattern catalog", zap.Error(err))
		}
		log.Info("Loaded pattern catalog", zap.Int("patterns", len(dec.Patterns())))
	}

	// 7. Orchestrator and worker pool
	orch := orchestrator.New(cfg.Orchestrator, reg, eventBus, lb, log)
	if err := orch.Start(cfg.Orchestrator.Workers); err != nil {
		log.Fatal("Failed to start orchestrator", zap.Error(err))
	}
	defer func() {
		_ = orch.Stop()
	}()

	// 8. Collaboration modes engine
	engine := modes.NewEngine(orch, dec, eventBus, reg, modes.Options{}, log)

	// 9. Optional audit sink
	if cfg.Audit.Enabled {
		sink, err := audit.NewSink(cfg.Audit.Path, eventBus, log)
		if err != nil {
			log.Fatal("Failed to open audit sink", zap.Error(err))
		}
		if err := sink.Start(); err != nil {
			log.Fatal("Failed to start audit sink", zap.Error(err))
		}
		defer sink.Close()
		log.Info("Audit sink enabled", zap.String("path", cfg.Audit.Path))
	}

	// 10. HTTP admission surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(api.RequestLogger(log))

	handler := api.NewHandler(orch, dec, engine, eventBus, log)
	api.SetupRoutes(router.Group("/api/v1"), handler)
	router.GET("/health", handler.HealthCheck)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Admission API listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 11. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}
	log.Info("Shutdown complete")
}
