package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/stellarsim/internal/archive"
	"github.com/seantiz/stellarsim/internal/engine"
	"github.com/seantiz/stellarsim/internal/store"
)

const (
	defaultListenAddr     = ":8080"
	defaultDBPath         = "stellarsim.db"
	defaultLogLevel       = "info"
	defaultRateLimit      = 120
	defaultCorrelationTTL = 30 * time.Second

	envListenAddr     = "STELLARSIM_LISTEN_ADDR"
	envLogLevel       = "STELLARSIM_LOG_LEVEL"
	envStoreDriver    = "STELLARSIM_STORE_DRIVER"
	envDBPath         = "STELLARSIM_DB_PATH"
	envPostgresDSN    = "STELLARSIM_POSTGRES_DSN"
	envTimeUnit       = "STELLARSIM_TIME_UNIT"
	envMaxConcurrent  = "STELLARSIM_MAX_CONCURRENT"
	envRateLimit      = "STELLARSIM_RATE_LIMIT"
	envCorrelationTTL = "STELLARSIM_CORRELATION_TTL"
	envTrustProxy     = "STELLARSIM_TRUST_PROXY"
	envArchiveDir     = "STELLARSIM_ARCHIVE_DIR"
	envArchiveBucket  = "STELLARSIM_ARCHIVE_S3_BUCKET"
	envArchivePrefix  = "STELLARSIM_ARCHIVE_S3_PREFIX"
	envArchiveRegion  = "STELLARSIM_ARCHIVE_S3_REGION"
	envArchiveURL     = "STELLARSIM_ARCHIVE_S3_ENDPOINT_URL"
)

// Config holds application configuration.
type Config struct {
	ListenAddr string        `yaml:"listen_addr"`
	LogLevel   string        `yaml:"log_level"`
	Store      StoreConfig   `yaml:"store"`
	Engine     EngineConfig  `yaml:"engine"`
	API        APIConfig     `yaml:"api"`
	Archive    ArchiveConfig `yaml:"archive"`
}

// StoreConfig selects and configures the persistence driver.
type StoreConfig struct {
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// EngineConfig tunes job execution.
type EngineConfig struct {
	TimeUnit      time.Duration `yaml:"time_unit"`
	MaxConcurrent int64         `yaml:"max_concurrent"`
}

// APIConfig tunes the HTTP layer.
type APIConfig struct {
	// RateLimit is the number of job and batch submissions allowed per
	// minute. Zero disables limiting.
	RateLimit      int           `yaml:"rate_limit"`
	CorrelationTTL time.Duration `yaml:"correlation_ttl"`
	// TrustProxy takes client addresses from forwarding headers.
	TrustProxy bool `yaml:"trust_proxy"`
}

// ArchiveConfig enables copying completed results to a directory or bucket.
type ArchiveConfig struct {
	Dir string            `yaml:"dir"`
	S3  *archive.S3Config `yaml:"s3"`
}

// Enabled reports whether any archive destination is configured.
func (a ArchiveConfig) Enabled() bool {
	return a.Dir != "" || (a.S3 != nil && a.S3.Bucket != "")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr: defaultListenAddr,
		LogLevel:   defaultLogLevel,
		Store: StoreConfig{
			Driver:     store.DriverSQLite,
			SQLitePath: defaultDBPath,
		},
		Engine: EngineConfig{
			TimeUnit:      engine.DefaultTimeUnit,
			MaxConcurrent: engine.DefaultMaxConcurrent,
		},
		API: APIConfig{
			RateLimit:      defaultRateLimit,
			CorrelationTTL: defaultCorrelationTTL,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and STELLARSIM_* environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}

	setString(envListenAddr, &c.ListenAddr)
	setString(envLogLevel, &c.LogLevel)
	setString(envStoreDriver, &c.Store.Driver)
	setString(envDBPath, &c.Store.SQLitePath)
	setString(envPostgresDSN, &c.Store.PostgresDSN)
	setString(envArchiveDir, &c.Archive.Dir)

	if v := os.Getenv(envTimeUnit); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envTimeUnit, err)
		}
		c.Engine.TimeUnit = d
	}
	if v := os.Getenv(envCorrelationTTL); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envCorrelationTTL, err)
		}
		c.API.CorrelationTTL = d
	}
	if v := os.Getenv(envMaxConcurrent); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", envMaxConcurrent, err)
		}
		c.Engine.MaxConcurrent = n
	}
	if v := os.Getenv(envRateLimit); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envRateLimit, err)
		}
		c.API.RateLimit = n
	}
	if v := os.Getenv(envTrustProxy); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envTrustProxy, err)
		}
		c.API.TrustProxy = b
	}

	if v := os.Getenv(envArchiveBucket); v != "" {
		if c.Archive.S3 == nil {
			c.Archive.S3 = &archive.S3Config{}
		}
		c.Archive.S3.Bucket = v
		setString(envArchivePrefix, &c.Archive.S3.Prefix)
		setString(envArchiveRegion, &c.Archive.S3.Region)
		setString(envArchiveURL, &c.Archive.S3.EndpointURL)
	}

	return nil
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case store.DriverSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite driver"))
		}
	case store.DriverPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres driver"))
		}
	case store.DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of sqlite, postgres, memory", c.Store.Driver))
	}

	if c.Engine.TimeUnit <= 0 {
		errs = append(errs, errors.New("engine.time_unit must be positive"))
	}
	if c.Engine.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("engine.max_concurrent must be positive"))
	}
	if c.API.RateLimit < 0 {
		errs = append(errs, errors.New("api.rate_limit must not be negative"))
	}
	if c.API.CorrelationTTL < 0 {
		errs = append(errs, errors.New("api.correlation_ttl must not be negative"))
	}
	if c.Archive.Dir != "" && c.Archive.S3 != nil && c.Archive.S3.Bucket != "" {
		errs = append(errs, errors.New("archive.dir and archive.s3 are mutually exclusive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// StoreOptions returns the options for store.Open.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Driver:      c.Store.Driver,
		SQLitePath:  c.Store.SQLitePath,
		PostgresDSN: c.Store.PostgresDSN,
	}
}

// ArchiveSink returns the configured archive sink, or nil when archiving is
// disabled.
func (c *Config) ArchiveSink() (archive.Sink, error) {
	switch {
	case c.Archive.Dir != "":
		sink, err := archive.NewLocalSink(c.Archive.Dir)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case c.Archive.S3 != nil && c.Archive.S3.Bucket != "":
		return archive.NewS3Sink(c.Archive.S3), nil
	default:
		return nil, nil
	}
}

// ParseLogLevel converts a level name to a logrus level, falling back to info.
func ParseLogLevel(s string) logrus.Level {
	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a structured JSON logger writing to w at the given level.
func NewLogger(w io.Writer, level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(w)
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(ParseLogLevel(level))
	return log
}
