// Package main is the entry point for the machine-agent binary.
// It wires all internal packages together and starts the bootstrap
// orchestrator.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger (tee'd into the cloud upload buffer)
//  3. Open the state directory storage
//  4. Build the agent with the configured options
//  5. Run the orchestrator until SIGINT/SIGTERM
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/viam-labs/machine-agent/internal/agent"
	"github.com/viam-labs/machine-agent/internal/monitor"
	"github.com/viam-labs/machine-agent/internal/provisioning"
	"github.com/viam-labs/machine-agent/internal/storage"
	"github.com/viam-labs/machine-agent/internal/webrtcconn"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	appURI       string
	stateDir     string
	port         int
	insecure     bool
	maxConns     int
	manufacturer string
	model        string
	webrtc       bool
	logLevel     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "machine-agent",
		Short: "Machine agent — serves a machine to the cloud and to local clients",
		Long: `Machine agent runs on the device. It provisions the machine's cloud
identity if needed, then serves the machine's gRPC surface locally and
over cloud-brokered WebRTC while keeping cloud housekeeping alive.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.appURI, "app-uri", envOrDefault("MACHINE_AGENT_APP_URI", "https://app.viam.com:443"), "Control plane gRPC URI")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("MACHINE_AGENT_STATE_DIR", defaultStateDir()), "Directory for credentials and cached config")
	root.PersistentFlags().IntVar(&cfg.port, "port", 12346, "Local HTTP/2 listener port")
	root.PersistentFlags().BoolVar(&cfg.insecure, "insecure", true, "Serve the local listener in plaintext instead of cloud-issued TLS")
	root.PersistentFlags().IntVar(&cfg.maxConns, "max-connections", 1, "Maximum concurrent peer connections")
	root.PersistentFlags().StringVar(&cfg.manufacturer, "manufacturer", envOrDefault("MACHINE_AGENT_MANUFACTURER", "viam"), "Manufacturer reported during provisioning")
	root.PersistentFlags().StringVar(&cfg.model, "model", envOrDefault("MACHINE_AGENT_MODEL", "machine-agent"), "Model reported during provisioning")
	root.PersistentFlags().BoolVar(&cfg.webrtc, "webrtc", true, "Accept cloud-brokered WebRTC peers")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("MACHINE_AGENT_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("machine-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logBuffer := monitor.NewLogBuffer()
	logger, err := buildLogger(cfg.logLevel, logBuffer)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting machine agent",
		zap.String("version", version),
		zap.String("app", cfg.appURI),
		zap.String("state_dir", cfg.stateDir),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := storage.NewFileStore(cfg.stateDir)
	if err != nil {
		return fmt.Errorf("failed to open state dir: %w", err)
	}

	opts := []agent.Option{
		agent.WithAppURI(cfg.appURI),
		agent.WithPort(cfg.port),
		agent.WithInsecure(cfg.insecure),
		agent.WithMaxConcurrentConnections(cfg.maxConns),
		agent.WithProvisioningInfo(provisioning.Info{
			Manufacturer: cfg.manufacturer,
			Model:        cfg.model,
		}),
		agent.WithLogBuffer(logBuffer),
	}
	if cfg.webrtc {
		opts = append(opts, agent.WithWebRTC(&webrtcconn.Config{}))
	}

	a := agent.New(store, logger, opts...)

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}

	logger.Info("machine agent stopped")
	return nil
}

// defaultStateDir returns the platform-appropriate default state directory.
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.machine-agent"
	}
	return ".machine-agent"
}

// buildLogger tees the console logger into the cloud upload buffer so
// every entry at info level or above also reaches the control plane.
func buildLogger(level string, buf *monitor.LogBuffer) (*zap.Logger, error) {
	var lvl zapcore.Level
	switch level {
	case "debug":
		lvl = zap.DebugLevel
	case "warn":
		lvl = zap.WarnLevel
	case "error":
		lvl = zap.ErrorLevel
	default:
		lvl = zap.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	if lvl == zap.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	console, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	core := zapcore.NewTee(console.Core(), buf.Core())
	return zap.New(core), nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
