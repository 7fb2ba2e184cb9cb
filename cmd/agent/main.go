package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"instadeploy/internal/version"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	hostname, _ := os.Hostname()
	cfg := agentConfig{
		URL:      envOr("INSTADEPLOY_URL", "ws://localhost:9080/ws"),
		Token:    os.Getenv("AGENT_SECRET_TOKEN"),
		Hostname: envOr("AGENT_HOSTNAME", hostname),
		Version:  version.Version,
	}
	var debug bool

	cmd := &cobra.Command{
		Use:           "instadeploy-agent",
		Short:         "Simulated agent that answers control-plane commands without running them",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.String(),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Token == "" {
				return fmt.Errorf("a token is required (--token or AGENT_SECRET_TOKEN)")
			}
			if cfg.Hostname == "" {
				return fmt.Errorf("a hostname is required (--hostname or AGENT_HOSTNAME)")
			}

			zcfg := zap.NewProductionConfig()
			if debug {
				zcfg = zap.NewDevelopmentConfig()
			}
			logger, err := zcfg.Build()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return newAgent(cfg, logger).Run(ctx)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.URL, "url", cfg.URL, "control plane WebSocket URL")
	f.StringVar(&cfg.Token, "token", cfg.Token, "shared agent secret")
	f.StringVar(&cfg.Hostname, "hostname", cfg.Hostname, "identity to register as")
	f.StringVar(&cfg.Version, "agent-version", cfg.Version, "version to report in the handshake")
	f.StringVar(&cfg.Architecture, "arch", "", "architecture to report (default runtime GOARCH)")
	f.DurationVar(&cfg.WorkDelay, "work-delay", 500*time.Millisecond, "simulated time each command takes")
	f.BoolVar(&debug, "debug", false, "human-readable debug logging")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
