package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"instadeploy/internal/auth"
	"instadeploy/internal/config"
	"instadeploy/internal/core"
	"instadeploy/internal/correlator"
	"instadeploy/internal/db"
	"instadeploy/internal/handlers"
	"instadeploy/internal/metrics"
	"instadeploy/internal/notify"
	"instadeploy/internal/session"
	"instadeploy/internal/version"
)

const (
	shutdownTimeout   = 10 * time.Second
	interruptedReason = "Control plane restarted before the agent replied"
)

func main() {
	root := &cobra.Command{
		Use:           "instadeploy-server",
		Short:         "Control plane for InstaDeploy agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), versionCmd(), hashTokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("INSTADEPLOY_CONFIG"), "path to a YAML config file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting control plane", zap.String("version", version.String()))

	store, err := db.Open(ctx, cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// Nothing is connected yet, whatever the last run left behind.
	if n, err := store.MarkAllAgentsOffline(ctx); err != nil {
		return fmt.Errorf("reset agent status: %w", err)
	} else if n > 0 {
		logger.Info("marked stale agents offline", zap.Int64("count", n))
	}
	// Commands in flight died with the previous process.
	if n, err := store.FailUnfinishedJobs(ctx, interruptedReason); err != nil {
		return fmt.Errorf("reset unfinished jobs: %w", err)
	} else if n > 0 {
		logger.Warn("failed jobs interrupted by restart", zap.Int64("count", n))
	}
	if n, err := store.FailPendingDeployments(ctx, interruptedReason); err != nil {
		return fmt.Errorf("reset pending deployments: %w", err)
	} else if n > 0 {
		logger.Warn("failed deployments interrupted by restart", zap.Int64("count", n))
	}

	verifier, err := auth.NewVerifier(cfg.Auth.AgentToken, cfg.Auth.AgentTokenHash)
	if err != nil {
		return err
	}

	var (
		m        *metrics.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.MustNewMetrics(reg)
		gatherer = reg
	}

	policy, err := core.ParsePolicy(cfg.Dispatch.Selection)
	if err != nil {
		return err
	}
	c := core.New(store, core.Options{
		Selection: policy,
		Session: session.Options{
			PingInterval: cfg.Agents.PingInterval,
			PongTimeout:  cfg.Agents.PongTimeout,
			WriteTimeout: cfg.Agents.WriteTimeout,
			SendTimeout:  cfg.Agents.SendTimeout,
			ReadLimit:    cfg.Agents.MaxMessageBytes,
		},
		Correlator: correlator.Options{
			MaxPendingAge:     cfg.Dispatch.MaxPendingAge,
			SweepInterval:     cfg.Dispatch.SweepInterval,
			ResolvedCacheSize: cfg.Dispatch.ResolvedCacheSize,
		},
		Logger:  logger,
		Metrics: m,
	})

	notifier := notify.New(notify.Options{
		URLs:     cfg.Notify.URLs,
		Cooldown: cfg.Notify.Cooldown,
		Logger:   logger,
	})
	notifier.Start(c.Bus())
	c.Start()

	srv := handlers.NewServer(c, verifier, handlers.Options{
		MinAgentVersion: cfg.Agents.MinVersion,
		MaxWait:         cfg.Dispatch.MaxWait,
		HandshakeLimit:  cfg.Server.HandshakeLimit,
		MetricsPath:     cfg.Metrics.Path,
		Gatherer:        gatherer,
		Logger:          logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(cfg.Server.Addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop returns once every session has torn down, so pending
		// commands are failed and waiting requests released while the
		// store and the notifier are still up.
		stopErr := c.Stop(shutdownCtx)
		err := srv.Shutdown(shutdownCtx)
		notifier.Stop()
		return errors.Join(stopErr, err)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("control plane stopped")
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}

func hashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Print the bcrypt hash to use as auth.agent_token_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
