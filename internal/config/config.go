// Package config loads flinkwatch configuration.
//
// Precedence, lowest to highest: built-in defaults, config file, environment
// (FLINKWATCH_*), runtime overrides passed to Load.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment variable the loader reads.
	EnvPrefix = "FLINKWATCH"
	// ConfigName is the config file base name searched for.
	ConfigName = "flinkwatch"
)

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Store     StoreConfig     `mapstructure:"store"`
	Collector CollectorConfig `mapstructure:"collector"`
	Retention RetentionConfig `mapstructure:"retention"`
	Clusters  ClustersConfig  `mapstructure:"clusters"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"` // structured or console
	File    string `mapstructure:"file"`

	// Rotation settings, used only when File is set.
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type StoreConfig struct {
	Driver    string `mapstructure:"driver"` // sqlite or mysql
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
	DSN       string `mapstructure:"dsn"`
}

type CollectorConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxIdleConns   int           `mapstructure:"max_idle_conns"`
	MaxConns       int           `mapstructure:"max_conns"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	JobConcurrency int           `mapstructure:"job_concurrency"`
	ErrorBackoff   time.Duration `mapstructure:"error_backoff"`
	CycleTimeout   time.Duration `mapstructure:"cycle_timeout"`
	Autostart      bool          `mapstructure:"autostart"`
}

type RetentionConfig struct {
	Hours    int           `mapstructure:"hours"`
	Interval time.Duration `mapstructure:"interval"` // 0 disables periodic cleanup in serve
	Archive  ArchiveConfig `mapstructure:"archive"`
}

type ArchiveConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Target          string `mapstructure:"target"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

type ClustersConfig struct {
	// SeedFile is applied to the registry on serve startup when set.
	SeedFile string `mapstructure:"seed_file"`
	// SeedDefaults registers the two local development clusters when the
	// registry is empty.
	SeedDefaults bool `mapstructure:"seed_defaults"`
}

// EnvSpec maps a short environment variable onto a config key.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string
)

// SetConfigFile pins an explicit config file for subsequent loads.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Load builds the configuration. Each override map is merged on top of
// the environment in order.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()

	v := viper.New()
	setDefaults(v)

	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName(ConfigName)
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/" + ConfigName)
		v.AddConfigPath("/etc/" + ConfigName)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		// An explicit binding replaces the automatic name, so bind both.
		if err := v.BindEnv(spec.Path, envName(spec.Path), spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		applyOverrides(v, "", o)
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

// applyOverrides sets each leaf of o as a viper override so it wins over
// environment and file values.
func applyOverrides(v *viper.Viper, prefix string, o map[string]any) {
	for k, val := range o {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			applyOverrides(v, key, nested)
			continue
		}
		v.Set(key, val)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("logging.compress", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "flinkwatch.db")
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")
	v.SetDefault("store.dsn", "")

	v.SetDefault("collector.interval", "60s")
	v.SetDefault("collector.request_timeout", "10s")
	v.SetDefault("collector.max_idle_conns", 10)
	v.SetDefault("collector.max_conns", 20)
	v.SetDefault("collector.rate_limit", 0.0)
	v.SetDefault("collector.job_concurrency", 1)
	v.SetDefault("collector.error_backoff", "10s")
	v.SetDefault("collector.cycle_timeout", "5m")
	v.SetDefault("collector.autostart", true)

	v.SetDefault("retention.hours", 168)
	v.SetDefault("retention.interval", "0s")
	v.SetDefault("retention.archive.enabled", false)
	v.SetDefault("retention.archive.target", "")
	v.SetDefault("retention.archive.region", "")
	v.SetDefault("retention.archive.endpoint", "")
	v.SetDefault("retention.archive.profile", "")
	v.SetDefault("retention.archive.access_key_id", "")
	v.SetDefault("retention.archive.secret_access_key", "")
	v.SetDefault("retention.archive.force_path_style", false)

	v.SetDefault("clusters.seed_file", "")
	v.SetDefault("clusters.seed_defaults", false)
}

// getEnvSpecs lists the short aliases accepted besides the FLINKWATCH_<SECTION>_<KEY> form.
func getEnvSpecs() []EnvSpec {
	specs := []struct{ suffix, path string }{
		{"HOST", "server.host"},
		{"PORT", "server.port"},
		{"READ_TIMEOUT", "server.read_timeout"},
		{"WRITE_TIMEOUT", "server.write_timeout"},
		{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{"LOG_LEVEL", "logging.level"},
		{"LOG_PROFILE", "logging.profile"},
		{"LOG_FILE", "logging.file"},
		{"DB_DRIVER", "store.driver"},
		{"DB_PATH", "store.path"},
		{"DB_URL", "store.url"},
		{"DB_AUTH_TOKEN", "store.auth_token"},
		{"DATABASE_URL", "store.dsn"},
		{"COLLECTION_INTERVAL", "collector.interval"},
		{"RETENTION_HOURS", "retention.hours"},
		{"ARCHIVE_TARGET", "retention.archive.target"},
	}
	out := make([]EnvSpec, 0, len(specs))
	for _, s := range specs {
		out = append(out, EnvSpec{Name: EnvPrefix + "_" + s.suffix, Path: s.path})
	}
	return out
}

func envName(path string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(path, ".", "_"))
}

func (c *Config) normalize() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Profile = strings.ToLower(strings.TrimSpace(c.Logging.Profile))
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Retention.Archive.Target != "" && !c.Retention.Archive.Enabled {
		c.Retention.Archive.Enabled = true
	}
}

// Validate rejects settings the services cannot start with.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("logging.level %q must be debug, info, warn or error", c.Logging.Level))
	}
	switch c.Logging.Profile {
	case "structured", "console":
	default:
		problems = append(problems, fmt.Sprintf("logging.profile %q must be structured or console", c.Logging.Profile))
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" && c.Store.URL == "" {
			problems = append(problems, "store.path or store.url is required for sqlite")
		}
	case "mysql":
		if c.Store.DSN == "" {
			problems = append(problems, "store.dsn is required for mysql")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q must be sqlite or mysql", c.Store.Driver))
	}
	if c.Collector.Interval <= 0 {
		problems = append(problems, "collector.interval must be positive")
	}
	if c.Collector.RequestTimeout <= 0 {
		problems = append(problems, "collector.request_timeout must be positive")
	}
	if c.Collector.CycleTimeout <= 0 {
		problems = append(problems, "collector.cycle_timeout must be positive")
	}
	if c.Collector.JobConcurrency < 1 {
		problems = append(problems, "collector.job_concurrency must be at least 1")
	}
	if c.Collector.RateLimit < 0 {
		problems = append(problems, "collector.rate_limit must not be negative")
	}
	if c.Retention.Hours < 0 {
		problems = append(problems, "retention.hours must not be negative")
	}
	if c.Retention.Archive.Enabled && c.Retention.Archive.Target == "" {
		problems = append(problems, "retention.archive.target is required when archiving is enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
