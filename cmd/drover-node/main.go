// Command drover-node is a reference fleet participant. It registers with a
// coordinator, polls for tasks, and echoes each payload back as its result.
// Real deployments replace the handler with a call into the local training
// process.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/drover/internal/config"
	"github.com/seantiz/drover/internal/fleet"
)

func main() {
	// Flags can override the DROVER_* environment configuration.
	cfg := config.Load()
	serverURL := flag.String("server", "http://localhost:8080", "coordinator base URL")
	clientID := flag.String("client-id", "", "resume a previously issued client identity")
	pollInterval := flag.Duration("poll-interval", cfg.FleetPollInterval, "how often to ask for work")
	heartbeatInterval := flag.Duration("heartbeat-interval", 10*time.Second, "how often to report liveness")
	flag.Parse()

	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	client := fleet.New(*serverURL, logger,
		fleet.WithClientID(*clientID),
		fleet.WithPollInterval(*pollInterval),
		fleet.WithHeartbeatInterval(*heartbeatInterval),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("drover-node: starting", "server", *serverURL)

	err := client.Run(ctx, func(_ context.Context, payload []byte) ([]byte, error) {
		// Placeholder training step.
		return payload, nil
	})
	if err != nil && err != context.Canceled {
		log.Fatalf("node error: %v", err)
	}

	logger.Info("drover-node: stopped")
}
