// Package config loads service configuration from flags, environment
// variables, an optional .env file, and a secrets directory.
//
// Flag defaults come from the environment so the same binary runs under
// systemd (env files) and by hand (flags). API keys are never passed on
// the command line; they live as single files in the secrets directory.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Process exit codes shared by the service mains.
const (
	ExitOK            = 0
	ExitMissingAPIKey = 2
	ExitDBUnreachable = 3
)

// Write modes for raw scrape output.
const (
	WriteS3    = "s3"
	WriteLocal = "local"
)

// ErrMissingSecret reports an absent or empty secret file.
var ErrMissingSecret = errors.New("missing secret")

// Config holds the settings shared by the scraper and API services.
type Config struct {
	OutputDir      string
	ScrapeInterval time.Duration
	Debug          bool
	DryRun         bool
	SecretsDir     string

	PostgresServer   string
	PostgresPort     int
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string

	RedisAddr string
	NATSURL   string

	Bucket     string
	S3Endpoint string
	WriteMode  string

	BusAPIBase   string
	TrainAPIBase string
	RoutingURL   string

	ListenAddr  string
	MetricsAddr string
}

// Load parses args (without the program name) into a Config. A .env file
// in the working directory is read first, if present, so its values act
// as environment for the flag defaults. extra callbacks may register
// tool-specific flags on the same set.
func Load(name string, args []string, extra ...func(*flag.FlagSet)) (*Config, error) {
	_ = godotenv.Load()

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	for _, register := range extra {
		register(fs)
	}

	cfg := &Config{}
	fs.StringVar(&cfg.OutputDir, "output_dir", envOrDefault("OUTPUT_DIR", "~/transit/scraping/bustracker"), "Directory for local raw output")
	interval := fs.Int("scrape_interval_seconds", envOrDefaultInt("SCRAPE_INTERVAL_SECONDS", 5), "Seconds between scrape requests")
	fs.BoolVar(&cfg.Debug, "debug", envOrDefault("DEBUG", "") != "", "Verbose logging")
	fs.BoolVar(&cfg.DryRun, "dry_run", false, "Use a local sqlite scrape-state store and skip object-store writes")
	fs.StringVar(&cfg.SecretsDir, "secrets_dir", envOrDefault("SECRETS_DIR", "/etc/bustracker/secrets"), "Directory holding API key files")

	fs.StringVar(&cfg.PostgresServer, "pg-host", envOrDefault("POSTGRES_SERVER", "localhost"), "PostgreSQL host")
	fs.IntVar(&cfg.PostgresPort, "pg-port", envOrDefaultInt("POSTGRES_PORT", 5432), "PostgreSQL port")
	fs.StringVar(&cfg.PostgresDB, "pg-database", envOrDefault("POSTGRES_DATABASE", "bustracker"), "PostgreSQL database")
	fs.StringVar(&cfg.PostgresUser, "pg-user", envOrDefault("POSTGRES_USER", "bustracker"), "PostgreSQL user")
	fs.StringVar(&cfg.PostgresPassword, "pg-password", envOrDefault("POSTGRES_PASSWORD", "bustracker"), "PostgreSQL password")

	fs.StringVar(&cfg.RedisAddr, "redis-addr", envOrDefault("REDIS_ADDR", "localhost:6379"), "Redis address for the time-series store")
	fs.StringVar(&cfg.NATSURL, "nats-url", envOrDefault("NATS_URL", ""), "NATS server URL (empty disables fan-out)")

	fs.StringVar(&cfg.Bucket, "bucket", envOrDefault("BUCKET", ""), "S3 bucket for raw output and day bundles")
	fs.StringVar(&cfg.S3Endpoint, "s3-endpoint", envOrDefault("S3_ENDPOINT", "s3.amazonaws.com"), "S3 endpoint")
	fs.StringVar(&cfg.WriteMode, "write-mode", envOrDefault("TRACKERWRITE", WriteLocal), "Raw output destination: s3 or local")

	fs.StringVar(&cfg.BusAPIBase, "bus-api", envOrDefault("BUS_API_BASE", "https://www.ctabustracker.com/bustime/api/v2"), "Bus tracker API base URL")
	fs.StringVar(&cfg.TrainAPIBase, "train-api", envOrDefault("TRAIN_API_BASE", "https://lapi.transitchicago.com/api/1.0"), "Train tracker API base URL")
	fs.StringVar(&cfg.RoutingURL, "routing-url", envOrDefault("ROUTING_URL", ""), "Walking-routing service URL (empty disables walk filtering)")

	fs.StringVar(&cfg.ListenAddr, "listen", envOrDefault("LISTEN_ADDR", ":8500"), "HTTP API listen address")
	fs.StringVar(&cfg.MetricsAddr, "metrics", envOrDefault("METRICS_ADDR", ":9500"), "Prometheus listen address")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *interval < 1 {
		return nil, fmt.Errorf("scrape_interval_seconds must be >= 1, got %d", *interval)
	}
	cfg.ScrapeInterval = time.Duration(*interval) * time.Second

	switch cfg.WriteMode {
	case WriteS3, WriteLocal:
	default:
		return nil, fmt.Errorf("write-mode must be s3 or local, got %q", cfg.WriteMode)
	}
	if cfg.WriteMode == WriteS3 && cfg.Bucket == "" {
		return nil, errors.New("write-mode s3 requires BUCKET")
	}

	cfg.OutputDir = expandHome(cfg.OutputDir)
	return cfg, nil
}

// BusAPIKey reads the bus tracker API key from the secrets directory.
func (c *Config) BusAPIKey() (string, error) {
	return c.secret("bus_api_key")
}

// TrainAPIKey reads the train tracker API key from the secrets directory.
func (c *Config) TrainAPIKey() (string, error) {
	return c.secret("train_api_key")
}

func (c *Config) secret(name string) (string, error) {
	b, err := os.ReadFile(filepath.Join(c.SecretsDir, name))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrMissingSecret, name, err)
	}
	key := strings.TrimSpace(string(b))
	if key == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrMissingSecret, name)
	}
	return key, nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
