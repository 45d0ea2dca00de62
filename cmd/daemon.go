package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openviber/openviber/internal/configsync"
	"github.com/openviber/openviber/internal/daemon"
	rt "github.com/openviber/openviber/internal/daemon/runtime"
	"github.com/openviber/openviber/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

func daemonCmd() *cobra.Command {
	var (
		gatewayURL string
		nodeID     string
		name       string
	)
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run a worker daemon that dials out to the gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runDaemon(gatewayURL, nodeID, name)
		},
	}
	cmd.Flags().StringVar(&gatewayURL, "gateway-url", "", "gateway websocket URL (overrides config)")
	cmd.Flags().StringVar(&nodeID, "node-id", "", "node id (overrides config; generated if empty)")
	cmd.Flags().StringVar(&name, "name", "", "display name (overrides config)")
	return cmd
}

func runDaemon(gatewayURL, nodeID, name string) {
	setupLogging()
	cfg := loadConfig()

	if gatewayURL == "" {
		gatewayURL = cfg.Daemon.GatewayURL
	}
	if nodeID == "" {
		nodeID = cfg.Daemon.NodeID
	}
	if nodeID == "" {
		nodeID = "node-" + uuid.NewString()[:8]
	}
	if name == "" {
		name = cfg.Daemon.Name
	}
	if name == "" {
		host, _ := os.Hostname()
		name = host
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, shutdownTracing, err := tracing.Setup(ctx, tracing.Options{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		slog.Error("tracing setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownTracing(shutdownCtx)
	}()

	runner := &rt.ExecRunner{Command: cfg.Daemon.AgentCommand}
	runtime := rt.New(runner, tracer)

	var syncer *configsync.Syncer
	if cfg.Daemon.WebURL != "" {
		syncer = configsync.NewSyncer(cfg.Daemon.WebURL, nodeID, cfg.Daemon.Token)
	}

	controller := daemon.New(daemon.Options{
		GatewayURL:        gatewayURL,
		Token:             cfg.Daemon.Token,
		NodeID:            nodeID,
		Name:              name,
		Version:           Version,
		Capabilities:      cfg.Daemon.Capabilities,
		HeartbeatInterval: time.Duration(cfg.Daemon.HeartbeatSec) * time.Second,
		ConfigPath:        daemonConfigPath(),
	}, runtime, syncer)

	slog.Info("daemon.starting", "nodeId", nodeID, "gateway", gatewayURL)
	if err := controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("daemon exited", "error", err)
		os.Exit(1)
	}
	slog.Info("daemon.stopped")
}

// daemonConfigPath returns the watched config file path, empty when the
// file does not exist yet (nothing to watch).
func daemonConfigPath() string {
	path := resolveConfigPath()
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}
