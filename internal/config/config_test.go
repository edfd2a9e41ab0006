package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("test", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ScrapeInterval != 5*time.Second {
		t.Errorf("ScrapeInterval = %v, want 5s", cfg.ScrapeInterval)
	}
	if cfg.WriteMode != WriteLocal {
		t.Errorf("WriteMode = %q, want local", cfg.WriteMode)
	}
	if cfg.PostgresServer != "localhost" {
		t.Errorf("PostgresServer = %q", cfg.PostgresServer)
	}
}

func TestLoadFlagsOverride(t *testing.T) {
	cfg, err := Load("test", []string{
		"--scrape_interval_seconds", "4",
		"--output_dir", "/tmp/raw",
		"--dry_run",
		"--write-mode", "s3",
		"--bucket", "transit-raw",
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ScrapeInterval != 4*time.Second {
		t.Errorf("ScrapeInterval = %v, want 4s", cfg.ScrapeInterval)
	}
	if !cfg.DryRun {
		t.Error("DryRun not set")
	}
	if cfg.OutputDir != "/tmp/raw" {
		t.Errorf("OutputDir = %q", cfg.OutputDir)
	}
	if cfg.WriteMode != WriteS3 {
		t.Errorf("WriteMode = %q", cfg.WriteMode)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{"zero interval", []string{"--scrape_interval_seconds", "0"}},
		{"bad write mode", []string{"--write-mode", "ftp"}},
		{"s3 without bucket", []string{"--write-mode", "s3"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load("test", tc.args); err == nil {
				t.Error("want error, got nil")
			}
		})
	}
}

func TestLoadEnvFallback(t *testing.T) {
	t.Setenv("POSTGRES_SERVER", "db.internal")
	t.Setenv("TRACKERWRITE", "s3")
	t.Setenv("BUCKET", "transit-raw")

	cfg, err := Load("test", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PostgresServer != "db.internal" {
		t.Errorf("PostgresServer = %q, want db.internal", cfg.PostgresServer)
	}
	if cfg.WriteMode != WriteS3 || cfg.Bucket != "transit-raw" {
		t.Errorf("WriteMode/Bucket = %q/%q", cfg.WriteMode, cfg.Bucket)
	}
}

func TestSecrets(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bus_api_key"), []byte("abc123\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{SecretsDir: dir}
	key, err := cfg.BusAPIKey()
	if err != nil {
		t.Fatalf("BusAPIKey: %v", err)
	}
	if key != "abc123" {
		t.Errorf("key = %q, want abc123", key)
	}

	if _, err := cfg.TrainAPIKey(); !errors.Is(err, ErrMissingSecret) {
		t.Errorf("TrainAPIKey err = %v, want ErrMissingSecret", err)
	}
}
