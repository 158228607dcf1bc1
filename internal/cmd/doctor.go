package cmd

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/flinkwatch/internal/config"
	apperrors "github.com/3leaps/flinkwatch/internal/errors"
	"github.com/3leaps/flinkwatch/internal/observability"
	"github.com/3leaps/flinkwatch/pkg/flink"
)

const doctorProbeTimeout = 5 * time.Second

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the configuration, the snapshot store and the
registered clusters, and suggest fixes for common issues.

Examples:
  flinkwatch doctor                # Config, store and environment
  flinkwatch doctor --clusters     # Also probe every active cluster
  flinkwatch doctor --archive      # Also check archive credentials`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().Bool("clusters", false, "Probe GET /config on every active cluster")
	doctorCmd.Flags().Bool("archive", false, "Check the retention archive target and its credentials")
}

// doctorReport prints numbered check lines and remembers whether any failed.
type doctorReport struct {
	logger *zap.Logger
	n      int
	failed int
}

func (r *doctorReport) pass(check, detail string, fields ...zap.Field) {
	r.n++
	r.logger.Info(fmt.Sprintf("[%d] Checking %s... ✅ %s", r.n, check, detail), fields...)
}

func (r *doctorReport) warn(check, detail string, fields ...zap.Field) {
	r.n++
	r.logger.Warn(fmt.Sprintf("[%d] Checking %s... ⚠️  %s", r.n, check, detail), fields...)
}

func (r *doctorReport) fail(check, detail string, fields ...zap.Field) {
	r.n++
	r.failed++
	r.logger.Error(fmt.Sprintf("[%d] Checking %s... ❌ %s", r.n, check, detail), fields...)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	probeClusters, _ := cmd.Flags().GetBool("clusters")
	checkArchive, _ := cmd.Flags().GetBool("archive")
	ctx := cmd.Context()

	logger := observability.CLILogger
	logger.Info("=== " + appName + " doctor ===")
	logger.Info("")

	r := &doctorReport{logger: logger}

	goVersion := runtime.Version()
	r.pass("environment", fmt.Sprintf("%s %s/%s", goVersion, runtime.GOOS, runtime.GOARCH),
		zap.String("go_version", goVersion),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))

	cfg, err := loadConfig(cmd)
	if err != nil {
		r.fail("configuration", "cannot load configuration", zap.Error(err))
		return doctorResult(r)
	}
	if cfg.File != "" {
		r.pass("configuration", cfg.File, zap.String("config_file", cfg.File))
	} else {
		r.pass("configuration", "built-in defaults (no config file found)")
	}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		r.fail("snapshot store", "cannot open "+cfg.Store.Driver+" store", zap.Error(err))
		return doctorResult(r)
	}
	defer func() { _ = store.Close() }()

	version, err := store.CurrentSchemaVersion(ctx)
	if err != nil {
		r.fail("snapshot store", "cannot read schema version", zap.Error(err))
	} else {
		r.pass("snapshot store", fmt.Sprintf("%s, schema v%d", store.Driver(), version),
			zap.String("driver", store.Driver()),
			zap.Int("schema_version", version))
	}

	clusters, err := store.ListActiveClusters(ctx)
	switch {
	case err != nil:
		r.fail("cluster registry", "cannot list clusters", zap.Error(err))
	case len(clusters) == 0:
		r.warn("cluster registry", "no active clusters; register one with 'flinkwatch clusters add'")
	default:
		r.pass("cluster registry", fmt.Sprintf("%d active cluster(s)", len(clusters)),
			zap.Int("active_clusters", len(clusters)))
	}

	if probeClusters {
		fc := flinkConfig(cfg.Collector)
		for _, c := range clusters {
			fc.BaseURL = c.URL
			client, err := flink.New(fc, zap.NewNop())
			if err != nil {
				r.fail("cluster "+c.Name, "invalid url", zap.String("url", c.URL), zap.Error(err))
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, doctorProbeTimeout)
			ok := client.HealthCheck(pctx)
			cancel()
			_ = client.Close()
			if ok {
				r.pass("cluster "+c.Name, c.URL, zap.String("url", c.URL))
			} else {
				r.fail("cluster "+c.Name, "unreachable at "+c.URL, zap.String("url", c.URL))
			}
		}
	}

	if checkArchive {
		runArchiveChecks(ctx, r, cfg.Retention.Archive)
	}

	return doctorResult(r)
}

func doctorResult(r *doctorReport) error {
	r.logger.Info("")
	if r.failed > 0 {
		r.logger.Warn("⚠️  Some checks failed. Review the output above for details.")
		return apperrors.NewServiceUnavailableError(fmt.Sprintf("%d diagnostic check(s) failed", r.failed))
	}
	r.logger.Info("✅ All checks passed!")
	return nil
}

// runArchiveChecks validates the archive target and, for S3 targets, that
// credentials resolve.
func runArchiveChecks(ctx context.Context, r *doctorReport, cfg config.ArchiveConfig) {
	if !cfg.Enabled || cfg.Target == "" {
		r.warn("archive target", "not configured; expired snapshots are deleted without a copy")
		return
	}
	if !strings.HasPrefix(cfg.Target, "s3://") {
		r.pass("archive target", cfg.Target, zap.String("target", cfg.Target))
		return
	}
	r.pass("archive target", cfg.Target, zap.String("target", cfg.Target))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		r.pass("AWS credentials", "static credentials from configuration",
			zap.String("access_key", maskAccessKey(cfg.AccessKeyID)))
		return
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		r.fail("AWS credentials", "cannot load AWS config", zap.Error(err))
		printAWSCredentialsHelp(r.logger)
		return
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		r.fail("AWS credentials", "cannot retrieve credentials", zap.Error(err))
		printAWSCredentialsHelp(r.logger)
		return
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	r.pass("AWS credentials", "found via "+source,
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("credential_source", source))
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp(logger *zap.Logger) {
	logger.Info("")
	logger.Info("To configure AWS credentials for the archive:")
	logger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	logger.Info("  2. Set retention.archive.profile to a profile from 'aws configure', or")
	logger.Info("  3. Use an IAM role when running on AWS infrastructure")
	logger.Info("")
	logger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set retention.archive.endpoint")
	logger.Info("")
}
