// mock-agent is a stand-in compute unit for local runs: it serves
// dispatches on its task topic and acknowledges cancellation on its
// control topic over NATS. It does not register itself; the agent id it
// serves has to be registered through the admission API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/core/internal/bus"
	"github.com/agentmesh/core/internal/common/config"
	"github.com/agentmesh/core/internal/common/logger"
	"github.com/agentmesh/core/internal/core"
)

func main() {
	agentID := flag.String("id", "mock-1", "agent id to serve dispatches for")
	delay := flag.Duration("delay", 200*time.Millisecond, "simulated work duration per task")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.Bus.URL == "" {
		fmt.Fprintln(os.Stderr, "mock-agent needs a NATS bus (set AGENTMESH_BUS_URL); the in-memory bus is process-local")
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
	log = log.WithAgentID(*agentID)

	natsBus, err := bus.NewNATSBus(cfg.Bus, log)
	if err != nil {
		log.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer natsBus.Close()

	taskTopic := "agent." + *agentID + ".task"
	controlTopic := "agent." + *agentID + ".control"

	_, err = natsBus.Subscribe(taskTopic, func(ctx context.Context, msg *core.Message) error {
		taskID, _ := msg.Payload["task_id"].(string)
		description, _ := msg.Payload["description"].(string)
		log.Info("serving dispatch", zap.String("task_id", taskID))

		time.Sleep(*delay)
		return natsBus.Respond(ctx, *agentID, msg, map[string]interface{}{
			"output":     fmt.Sprintf("mock result for %q", description),
			"confidence": 0.5,
		})
	})
	if err != nil {
		log.Fatal("Failed to subscribe to task topic", zap.Error(err))
	}

	_, err = natsBus.Subscribe(controlTopic, func(ctx context.Context, msg *core.Message) error {
		taskID, _ := msg.Payload["task_id"].(string)
		log.Info("acknowledging cancel", zap.String("task_id", taskID))
		return natsBus.Respond(ctx, *agentID, msg, map[string]interface{}{"ack": true})
	})
	if err != nil {
		log.Fatal("Failed to subscribe to control topic", zap.Error(err))
	}

	log.Info("mock agent serving",
		zap.String("task_topic", taskTopic),
		zap.String("control_topic", controlTopic))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("mock agent stopping")
}
