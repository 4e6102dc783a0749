package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "clipbatch.yaml", `
valkey:
  address: valkey:6379
  db: 2
storage:
  backend: pebble
  pebble_path: /var/lib/clipbatch
workers:
  transcoders: 4
  job_visibility: 30m
  backoff:
    min: 500ms
transcode:
  timeout: 5m
log:
  format: json
`)

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Valkey.Address != "valkey:6379" || cfg.Valkey.DB != 2 {
		t.Fatalf("unexpected valkey config %+v", cfg.Valkey)
	}
	if cfg.Storage.Backend != "pebble" || cfg.Storage.PebblePath != "/var/lib/clipbatch" {
		t.Fatalf("unexpected storage config %+v", cfg.Storage)
	}
	if cfg.Workers.Transcoders != 4 || cfg.Workers.JobVisibility != 30*time.Minute {
		t.Fatalf("unexpected workers config %+v", cfg.Workers)
	}
	if cfg.Workers.Backoff.Min != 500*time.Millisecond || cfg.Workers.Backoff.Max != time.Minute {
		t.Fatalf("backoff not merged with defaults: %+v", cfg.Workers.Backoff)
	}
	if cfg.Workers.Archivers != 1 {
		t.Fatalf("unset fields should keep defaults, archivers = %d", cfg.Workers.Archivers)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VALKEY_ADDR", "cache:6380")
	t.Setenv("MINIO_ENDPOINT", "http://minio:9000")
	t.Setenv("MINIO_BUCKET", "videos")
	t.Setenv("TRANSCODE_WORKERS", "8")
	t.Setenv("TRANSCODE_TIMEOUT", "2m")
	t.Setenv("PORT", "3000")

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Valkey.Address != "cache:6380" {
		t.Fatalf("Valkey.Address = %q", cfg.Valkey.Address)
	}
	if cfg.Storage.Endpoint != "http://minio:9000" || cfg.Storage.Bucket != "videos" {
		t.Fatalf("unexpected storage %+v", cfg.Storage)
	}
	if cfg.Workers.Transcoders != 8 || cfg.Transcode.Timeout != 2*time.Minute {
		t.Fatalf("unexpected overrides %+v %+v", cfg.Workers, cfg.Transcode)
	}
	if cfg.HTTP.Address != ":3000" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
}

func TestValkeyURL(t *testing.T) {
	t.Setenv("VALKEY_URL", "redis://:secret@valkey.internal:6379/3")

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Valkey.Address != "valkey.internal:6379" || cfg.Valkey.Password != "secret" || cfg.Valkey.DB != 3 {
		t.Fatalf("unexpected valkey config %+v", cfg.Valkey)
	}
}

func TestDotEnvFile(t *testing.T) {
	envFile := writeFile(t, ".env", "ARCHIVE_WORKERS=3\n")
	t.Cleanup(func() { os.Unsetenv("ARCHIVE_WORKERS") })

	cfg, err := Load("", envFile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers.Archivers != 3 {
		t.Fatalf("Archivers = %d, want 3", cfg.Workers.Archivers)
	}
}

func TestMissingDotEnvIsIgnored(t *testing.T) {
	if _, err := Load("", filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.Storage.Backend = "ftp" }, "unsupported storage.backend"},
		{"pebble without path", func(c *Config) { c.Storage.Backend = "pebble" }, "pebble_path"},
		{"no transcoders", func(c *Config) { c.Workers.Transcoders = 0 }, "workers.transcoders"},
		{"visibility below timeout", func(c *Config) { c.Workers.JobVisibility = time.Minute }, "job_visibility"},
		{"compression out of range", func(c *Config) { c.Workers.CompressionLevel = 12 }, "compression_level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tc.want)
			}
		})
	}
}
