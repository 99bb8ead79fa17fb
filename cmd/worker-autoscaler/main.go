package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/cboxdk/worker-autoscaler/internal/app"
	"github.com/cboxdk/worker-autoscaler/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Version is overridden at build time with -ldflags "-X main.Version=..."
var Version = "1.0.0-dev"

const envPrefix = "WORKER_AUTOSCALER"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "worker-autoscaler",
		Short: "Adaptive worker pool supervisor",
		Long: `worker-autoscaler keeps a pool of worker processes between a minimum and
maximum size, growing it under CPU, memory or latency pressure and shrinking
it when load falls away.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "configuration file (zero-config defaults when empty)")
	root.PersistentFlags().String("log-level", "", "log level override: debug, info, warn, error")
	_ = v.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	_ = v.BindPFlag("log-level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(
		newRunCommand(v),
		newWorkerCommand(v),
		newValidateCommand(v),
		newExampleConfigCommand(),
		newVersionCommand(),
	)
	return root
}

func newRunCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the supervisor and its worker pool",
		Long: `Start the supervisor. SIGINT and SIGTERM stop every worker and exit;
SIGHUP logs a status snapshot.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervisor(v)
		},
	}
}

func runSupervisor(v *viper.Viper) error {
	configPath := v.GetString("config")
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := createLogger(cfg.Logging, v.GetString("log-level"), false)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if configPath == "" {
		logger.Info("Running in zero-config mode with default settings")
	}

	manager, err := app.NewManagerWithOptions(cfg, app.Options{
		ConfigPath: configPath,
		Version:    Version,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigChan:
				logger.Info("Received signal", zap.String("signal", sig.String()))
				if sig == syscall.SIGHUP {
					manager.LogStatus(ctx)
					continue
				}
				logger.Info("Shutting down, stopping all workers")
				cancel()
				return
			}
		}
	}()

	logger.Info("Starting worker autoscaler",
		zap.String("version", Version),
		zap.Int("min_workers", cfg.Scaling.MinWorkers),
		zap.Int("max_workers", cfg.Scaling.MaxWorkers),
		zap.Duration("check_interval", cfg.Scaling.CheckInterval),
		zap.Bool("server_enabled", cfg.Server.Enabled),
		zap.String("server_address", cfg.Server.BindAddress))

	if err := manager.Run(ctx); err != nil {
		logger.Error("Manager stopped with error", zap.Error(err))
		return fmt.Errorf("manager stopped with error: %w", err)
	}

	logger.Info("Worker autoscaler stopped")
	return nil
}

func newValidateCommand(v *viper.Viper) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := v.GetString("config")
			if err := validateConfigPath(configPath); err != nil {
				return err
			}

			data, err := os.ReadFile(configPath)
			if err != nil {
				return fmt.Errorf("failed to read config file: %w", err)
			}
			cfg, err := config.Parse(data)
			if err != nil {
				return err
			}

			fmt.Printf("Validating configuration: %s\n", configPath)
			result := config.GetValidationResult(cfg)
			printValidationResults(result, verbose)

			if !result.Valid {
				return fmt.Errorf("configuration is invalid")
			}
			if verbose {
				printConfigurationSummary(cfg)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show current values and a configuration summary")
	return cmd
}

func newExampleConfigCommand() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "example-config",
		Short: "Write a configuration file populated with the defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := exampleConfig()
			if err != nil {
				return err
			}

			if outputPath == "-" {
				_, err := os.Stdout.Write(data)
				return err
			}

			if _, err := os.Stat(outputPath); err == nil {
				return fmt.Errorf("file already exists: %s (use a different path or remove the existing file)", outputPath)
			}
			if err := os.WriteFile(outputPath, data, 0644); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}

			fmt.Printf("Example configuration written to: %s\n", outputPath)
			fmt.Println("Edit the file to match your environment and use:")
			fmt.Printf("  worker-autoscaler validate --config %s\n", outputPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "worker-autoscaler.yaml", "output path, - for stdout")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("worker-autoscaler %s\n", Version)
			fmt.Printf("Go: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

// loadConfig reads path, or returns validated defaults when path is empty
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg, err := config.LoadDefault()
		if err != nil {
			return nil, fmt.Errorf("failed to load default configuration: %w", err)
		}
		return cfg, nil
	}

	if err := validateConfigPath(path); err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// exampleConfig renders the default configuration as YAML
func exampleConfig() ([]byte, error) {
	cfg, err := config.Parse(nil)
	if err != nil {
		return nil, err
	}
	cfg.Server.Enabled = true
	cfg.Server.API.Enabled = true

	body, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to render example config: %w", err)
	}

	header := "# worker-autoscaler configuration\n" +
		"# Every field is optional; omitted fields take the values shown here.\n" +
		"# scaling.max_workers defaults to the number of CPUs on the host.\n\n"
	return append([]byte(header), body...), nil
}

func validateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path cannot be empty (use --config or %s_CONFIG)", envPrefix)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("config file does not exist: %s", path)
	}

	return nil
}

// createLogger builds the process logger. A non-empty override wins over the
// configured level. Workers always log to stderr because stdout carries the
// IPC stream.
func createLogger(cfg config.LoggingConfig, override string, worker bool) (*zap.Logger, error) {
	level := cfg.Level
	if override != "" {
		level = override
	}

	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info", "":
		zapLevel = zapcore.InfoLevel
	case "warn", "warning":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		return nil, fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", level)
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(zapLevel)

	switch {
	case worker:
		zapConfig.OutputPaths = []string{"stderr"}
	case cfg.OutputPath != "":
		zapConfig.OutputPaths = []string{cfg.OutputPath}
	}
	zapConfig.ErrorOutputPaths = []string{"stderr"}

	return zapConfig.Build()
}

// printValidationResults prints detailed validation results
func printValidationResults(result *config.ValidationResult, verbose bool) {
	if len(result.Errors) == 0 && len(result.Warnings) == 0 {
		fmt.Println("✅ Configuration passes all validation checks")
		return
	}

	if len(result.Errors) > 0 {
		fmt.Printf("\n❌ VALIDATION ERRORS (%d):\n", len(result.Errors))
		for i, err := range result.Errors {
			fmt.Printf("  %d. Field: %s\n", i+1, err.Field)
			fmt.Printf("     Error: %s\n", err.Message)
			if err.Suggestion != "" {
				fmt.Printf("     Fix: %s\n", err.Suggestion)
			}
			if verbose && err.Value != nil {
				fmt.Printf("     Current value: %v\n", err.Value)
			}
			fmt.Println()
		}
	}

	if len(result.Warnings) > 0 {
		fmt.Printf("\n⚠️  VALIDATION WARNINGS (%d):\n", len(result.Warnings))
		for i, warning := range result.Warnings {
			fmt.Printf("  %d. Field: %s\n", i+1, warning.Field)
			fmt.Printf("     Warning: %s\n", warning.Message)
			if warning.Suggestion != "" {
				fmt.Printf("     Suggestion: %s\n", warning.Suggestion)
			}
			if verbose && warning.Value != nil {
				fmt.Printf("     Current value: %v\n", warning.Value)
			}
			fmt.Println()
		}
	}
}

// printConfigurationSummary prints a summary of a valid configuration
func printConfigurationSummary(cfg *config.Config) {
	fmt.Println("\n📋 CONFIGURATION SUMMARY:")

	fmt.Printf("⚖️  Scaling:\n")
	fmt.Printf("   Workers: %d to %d\n", cfg.Scaling.MinWorkers, cfg.Scaling.MaxWorkers)
	fmt.Printf("   Targets: CPU %.0f%%, memory %.0f%%, response time %s\n",
		cfg.Scaling.TargetCPU, cfg.Scaling.TargetMemory, cfg.Scaling.TargetResponseTime)
	fmt.Printf("   Thresholds: up %.2f, down %.2f\n", cfg.Scaling.ScaleUpThreshold, cfg.Scaling.ScaleDownThreshold)
	fmt.Printf("   Check interval: %s, cooldown: %s\n", cfg.Scaling.CheckInterval, cfg.Scaling.CooldownPeriod)

	fmt.Printf("👷 Worker:\n")
	if cfg.Worker.Command == "" {
		fmt.Printf("   Command: built-in worker\n")
	} else {
		fmt.Printf("   Command: %s %s\n", cfg.Worker.Command, strings.Join(cfg.Worker.Args, " "))
	}
	if cfg.Worker.ListenAddress != "" {
		fmt.Printf("   Shared listener: %s\n", cfg.Worker.ListenAddress)
	}
	fmt.Printf("   Report interval: %s\n", cfg.Worker.ReportInterval)

	fmt.Printf("🌐 Server:\n")
	if cfg.Server.Enabled {
		fmt.Printf("   Bind Address: %s\n", cfg.Server.BindAddress)
		fmt.Printf("   Metrics Path: %s\n", cfg.Server.MetricsPath)
		if cfg.Server.API.Enabled {
			fmt.Printf("   API: ✅ %s\n", cfg.Server.API.BasePath)
		}
		if cfg.Server.Auth.Enabled {
			fmt.Printf("   Authentication: ✅ api_key\n")
		} else {
			fmt.Printf("   Authentication: ⚠️  Disabled\n")
		}
	} else {
		fmt.Printf("   Disabled\n")
	}

	fmt.Printf("💾 Storage:\n")
	if cfg.Storage.Enabled {
		fmt.Printf("   Database: %s\n", cfg.Storage.DatabasePath)
		fmt.Printf("   Retention: events %s, history %s, samples %s\n",
			cfg.Storage.Retention.Events, cfg.Storage.Retention.History, cfg.Storage.Retention.Samples)
	} else {
		fmt.Printf("   Disabled (history kept in memory only)\n")
	}

	fmt.Printf("🔭 Telemetry: ")
	if cfg.Telemetry.Enabled {
		fmt.Printf("%s exporter, sampling %.2f\n", cfg.Telemetry.Exporter.Type, cfg.Telemetry.Sampling.Rate)
	} else {
		fmt.Printf("disabled\n")
	}
}
