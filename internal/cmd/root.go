package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/flinkwatch/internal/config"
	apperrors "github.com/3leaps/flinkwatch/internal/errors"
	"github.com/3leaps/flinkwatch/internal/observability"
	"github.com/3leaps/flinkwatch/internal/server/handlers"
	"github.com/3leaps/flinkwatch/pkg/snapshotstore"
)

const appName = "flinkwatch"

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected by main.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(handlers.VersionInfo{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	})
}

var (
	cfgFile    string
	verbose    bool
	dbOverride string
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Monitor Apache Flink clusters and keep a history of their jobs",
	Long: `flinkwatch polls the REST API of registered Apache Flink clusters,
stores a snapshot of every job and serves the history over HTTP.

Examples:
  # Run the API server with the background collector
  flinkwatch serve

  # Register a cluster and collect once
  flinkwatch clusters add east http://flink-east:8081
  flinkwatch collect

  # Inspect stored jobs
  flinkwatch jobs list --state RUNNING`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		observability.InitCLILogger(appName, verbose)
		config.SetConfigFile(cfgFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./flinkwatch.yaml, ~/.config/flinkwatch/, /etc/flinkwatch/)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug output")
	rootCmd.PersistentFlags().StringVar(&dbOverride, "db", "", "Snapshot database path (overrides store.path)")
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	observability.InitCLILogger(appName, false)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		ExitWithCode(observability.CLILogger, apperrors.ExitCode(err), "Command failed", err)
	}
}

// ExitWithCode logs msg with err and terminates the process with code.
func ExitWithCode(logger *zap.Logger, code int, msg string, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fields := []zap.Field{zap.Int("exit_code", code)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	logger.Error(msg, fields...)
	_ = logger.Sync()
	os.Exit(code)
}

// loadConfig resolves configuration, layering command-line overrides on top.
func loadConfig(cmd *cobra.Command, overrides ...map[string]any) (*config.Config, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if dbOverride != "" {
		overrides = append(overrides, map[string]any{"store": map[string]any{"path": dbOverride}})
	}
	cfg, err := config.Load(ctx, overrides...)
	if err != nil {
		return nil, apperrors.NewConfigError(err)
	}
	if cfg.File != "" {
		observability.CLILogger.Debug("Loaded config", zap.String("file", cfg.File))
	}
	return cfg, nil
}

// openStore opens the configured snapshot store and applies migrations.
func openStore(ctx context.Context, cfg config.StoreConfig) (*snapshotstore.Store, error) {
	store, err := snapshotstore.Open(ctx, snapshotstore.Config{
		Driver:    cfg.Driver,
		Path:      cfg.Path,
		URL:       cfg.URL,
		AuthToken: cfg.AuthToken,
		DSN:       cfg.DSN,
	})
	if err != nil {
		return nil, apperrors.NewServiceUnavailableError("open snapshot store").WithCause(err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate snapshot store: %w", err)
	}
	return store, nil
}
