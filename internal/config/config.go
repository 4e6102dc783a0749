// Package config loads clipbatch settings from YAML, a .env file, and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	valkey "github.com/valkey-io/valkey-go"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Valkey    ValkeyConfig    `yaml:"valkey"`
	Storage   StorageConfig   `yaml:"storage"`
	Workers   WorkerConfig    `yaml:"workers"`
	Transcode TranscodeConfig `yaml:"transcode"`
	HTTP      HTTPConfig      `yaml:"http"`
	Flight    FlightConfig    `yaml:"flight"`
	Log       LogConfig       `yaml:"log"`
}

// ValkeyConfig holds Valkey connection settings
type ValkeyConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig selects and configures the blob store
type StorageConfig struct {
	Backend         string `yaml:"backend"`
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	AccessKey       string `yaml:"access_key"`
	SecretKey       string `yaml:"secret_key"`
	CredentialsFile string `yaml:"credentials_file"`
	PebblePath      string `yaml:"pebble_path"`
}

// WorkerConfig sizes the worker pools and their queues
type WorkerConfig struct {
	Transcoders       int           `yaml:"transcoders"`
	Archivers         int           `yaml:"archivers"`
	JobVisibility     time.Duration `yaml:"job_visibility"`
	ArchiveVisibility time.Duration `yaml:"archive_visibility"`
	MaxDeliveries     int           `yaml:"max_deliveries"`
	ReclaimInterval   time.Duration `yaml:"reclaim_interval"`
	CompressionLevel  int           `yaml:"compression_level"`
	Backoff           BackoffConfig `yaml:"backoff"`
}

// BackoffConfig holds retry backoff configuration
type BackoffConfig struct {
	Min           time.Duration `yaml:"min"`
	Max           time.Duration `yaml:"max"`
	Factor        float64       `yaml:"factor"`
	Randomization float64       `yaml:"randomization"`
}

// TranscodeConfig configures the ffmpeg invocation
type TranscodeConfig struct {
	FFmpeg  string        `yaml:"ffmpeg"`
	Timeout time.Duration `yaml:"timeout"`
	TempDir string        `yaml:"temp_dir"`
}

// HTTPConfig configures the ingestion API
type HTTPConfig struct {
	Address        string `yaml:"address"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

// FlightConfig configures the manifest Flight service
type FlightConfig struct {
	Address string `yaml:"address"`
}

// LogConfig configures logging
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Valkey: ValkeyConfig{Address: "localhost:6379"},
		Storage: StorageConfig{
			Backend:  "s3",
			Endpoint: "http://localhost:9000",
			Bucket:   "clipbatch",
			Region:   "us-east-1",
		},
		Workers: WorkerConfig{
			Transcoders:       2,
			Archivers:         1,
			JobVisibility:     15 * time.Minute,
			ArchiveVisibility: 10 * time.Minute,
			MaxDeliveries:     5,
			ReclaimInterval:   30 * time.Second,
			CompressionLevel:  6,
			Backoff: BackoffConfig{
				Min:           time.Second,
				Max:           time.Minute,
				Factor:        2,
				Randomization: 0.2,
			},
		},
		Transcode: TranscodeConfig{
			FFmpeg:  "ffmpeg",
			Timeout: 10 * time.Minute,
		},
		HTTP:   HTTPConfig{Address: ":8080", MaxUploadBytes: 1 << 30},
		Flight: FlightConfig{Address: "localhost:8815"},
		Log:    LogConfig{Level: "info", Format: "console"},
	}
}

// Load builds the configuration. Defaults are overlaid by the YAML file at path
// (when non-empty), then by variables from envFile (when present) and the process
// environment. The result is validated.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
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
	if raw := getEnv("VALKEY_URL", getEnv("REDIS_URL", "")); raw != "" {
		opt, err := valkey.ParseURL(raw)
		if err != nil {
			return fmt.Errorf("invalid VALKEY_URL: %w", err)
		}
		if len(opt.InitAddress) > 0 {
			c.Valkey.Address = opt.InitAddress[0]
		}
		c.Valkey.Password = opt.Password
		c.Valkey.DB = opt.SelectDB
	}
	c.Valkey.Address = getEnv("VALKEY_ADDR", c.Valkey.Address)
	c.Valkey.Password = getEnv("VALKEY_PASSWORD", c.Valkey.Password)
	c.Valkey.DB = getEnvAsInt("VALKEY_DB", c.Valkey.DB)

	c.Storage.Backend = getEnv("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Endpoint = getEnv("MINIO_ENDPOINT", getEnv("STORAGE_ENDPOINT", c.Storage.Endpoint))
	c.Storage.Bucket = getEnv("MINIO_BUCKET", getEnv("STORAGE_BUCKET", c.Storage.Bucket))
	c.Storage.Region = getEnv("STORAGE_REGION", c.Storage.Region)
	c.Storage.AccessKey = getEnv("MINIO_ACCESS_KEY", c.Storage.AccessKey)
	c.Storage.SecretKey = getEnv("MINIO_SECRET_KEY", c.Storage.SecretKey)
	c.Storage.CredentialsFile = getEnv("GOOGLE_APPLICATION_CREDENTIALS", c.Storage.CredentialsFile)
	c.Storage.PebblePath = getEnv("PEBBLE_PATH", c.Storage.PebblePath)

	c.Workers.Transcoders = getEnvAsInt("TRANSCODE_WORKERS", c.Workers.Transcoders)
	c.Workers.Archivers = getEnvAsInt("ARCHIVE_WORKERS", c.Workers.Archivers)
	c.Workers.MaxDeliveries = getEnvAsInt("MAX_DELIVERIES", c.Workers.MaxDeliveries)
	c.Workers.JobVisibility = getEnvAsDuration("JOB_VISIBILITY", c.Workers.JobVisibility)
	c.Workers.ArchiveVisibility = getEnvAsDuration("ARCHIVE_VISIBILITY", c.Workers.ArchiveVisibility)
	c.Workers.ReclaimInterval = getEnvAsDuration("RECLAIM_INTERVAL", c.Workers.ReclaimInterval)

	c.Transcode.FFmpeg = getEnv("FFMPEG_PATH", c.Transcode.FFmpeg)
	c.Transcode.Timeout = getEnvAsDuration("TRANSCODE_TIMEOUT", c.Transcode.Timeout)
	c.Transcode.TempDir = getEnv("TRANSCODE_TEMP_DIR", c.Transcode.TempDir)

	if port := getEnv("PORT", ""); port != "" {
		c.HTTP.Address = ":" + strings.TrimPrefix(port, ":")
	}
	c.HTTP.Address = getEnv("HTTP_ADDR", c.HTTP.Address)
	c.Flight.Address = getEnv("FLIGHT_ADDR", c.Flight.Address)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	return nil
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Valkey.Address == "" {
		errs = append(errs, errors.New("valkey.address is required"))
	}
	switch strings.ToLower(c.Storage.Backend) {
	case "s3", "minio":
		if c.Storage.Endpoint == "" {
			errs = append(errs, errors.New("storage.endpoint is required for s3"))
		}
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket is required"))
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket is required"))
		}
	case "pebble":
		if c.Storage.PebblePath == "" {
			errs = append(errs, errors.New("storage.pebble_path is required for pebble"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage.backend %q", c.Storage.Backend))
	}
	if c.Workers.Transcoders < 1 {
		errs = append(errs, errors.New("workers.transcoders must be at least 1"))
	}
	if c.Workers.Archivers < 1 {
		errs = append(errs, errors.New("workers.archivers must be at least 1"))
	}
	if c.Workers.JobVisibility <= c.Transcode.Timeout {
		errs = append(errs, fmt.Errorf("workers.job_visibility (%s) must exceed transcode.timeout (%s)", c.Workers.JobVisibility, c.Transcode.Timeout))
	}
	if c.Workers.ArchiveVisibility <= 0 {
		errs = append(errs, errors.New("workers.archive_visibility must be positive"))
	}
	if c.Workers.MaxDeliveries < 0 {
		errs = append(errs, errors.New("workers.max_deliveries must not be negative"))
	}
	if c.Workers.CompressionLevel < 1 || c.Workers.CompressionLevel > 9 {
		errs = append(errs, fmt.Errorf("workers.compression_level %d must be between 1 and 9", c.Workers.CompressionLevel))
	}
	if c.Transcode.Timeout <= 0 {
		errs = append(errs, errors.New("transcode.timeout must be positive"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unsupported log.format %q", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return fallback
}
