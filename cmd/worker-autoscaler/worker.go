package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cboxdk/worker-autoscaler/internal/agent"
	"github.com/cboxdk/worker-autoscaler/internal/config"
	"github.com/cboxdk/worker-autoscaler/internal/supervisor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newWorkerCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run as a supervised worker (started by the supervisor)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(v)
		},
	}
}

// workerSettings reads the environment the spawner hands every worker
func workerSettings() (agent.Config, error) {
	env := viper.New()
	env.AutomaticEnv()
	env.SetDefault(supervisor.EnvWorkerReportInterval, config.DefaultReportInterval)

	id := env.GetInt(supervisor.EnvWorkerID)
	if id <= 0 {
		return agent.Config{}, fmt.Errorf("%s must be a positive integer, got %q",
			supervisor.EnvWorkerID, env.GetString(supervisor.EnvWorkerID))
	}

	return agent.Config{
		WorkerID:       id,
		ReportInterval: env.GetDuration(supervisor.EnvWorkerReportInterval),
		ListenAddress:  env.GetString(supervisor.EnvWorkerListenAddress),
	}, nil
}

func runWorker(v *viper.Viper) error {
	cfg, err := workerSettings()
	if err != nil {
		return err
	}

	logger, err := createLogger(config.LoggingConfig{Format: "json"}, v.GetString("log-level"), true)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := agent.New(cfg, os.Stdin, os.Stdout, agent.NewDefaultHandler(cfg.WorkerID), logger.Named("agent"))
	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("Worker stopped with error", zap.Error(err))
		return err
	}
	return nil
}
