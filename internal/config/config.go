// Package config provides configuration loading and management for the OneMedia service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/RegistryAccord/onemedia-go/internal/model"
	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load() does not override already-set environment variables,
// so OS env takes precedence over .env and .env.local.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Local overrides, gitignored
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for a OneMedia node.
type Config struct {
	Env     string     // Deployment environment (dev, staging, prod)
	Port    string     // HTTP server port
	Role    model.Role // governing or brand, fixed for the life of the process
	SiteURL string     // This node's public base URL, trailing slash normalized
	APIKey  string     // This node's own API key, expected in X-OneMedia-Token
	Secret  string     // Seals registry API keys and signs admin tokens

	DatabaseDSN string // PostgreSQL DSN; empty selects the in-memory store
	NATSURL     string // NATS server URL; empty disables event publishing

	S3Endpoint  string // S3-compatible storage endpoint
	S3Region    string // S3 region
	S3Bucket    string // S3 bucket name; empty selects the in-memory content store
	S3AccessKey string // S3 access key
	S3SecretKey string // S3 secret key
	S3PublicURL string // Base URL objects are served from

	// Media limits
	MaxMediaSize     int64    // Maximum media size in bytes
	AllowedMimeTypes []string // Mime types this node stores

	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)

	// Remote call budgets
	HealthTimeout time.Duration // Health check
	CreateTimeout time.Duration // add-media batch
	WriteTimeout  time.Duration // update-attachment and delete-media-metadata

	StatusCacheTTL time.Duration // Sync status cache entry lifetime

	// Throttle on node-authenticated routes, per client address
	AuthRate  float64
	AuthBurst int
}

// Default configuration values used when environment variables are not set
const (
	defaultPort           = "8080"
	defaultS3Region       = "us-east-1"
	defaultEnv            = "dev"
	defaultMaxMediaSize   = 50 * 1024 * 1024
	defaultHealthTimeout  = 15 * time.Second
	defaultCreateTimeout  = 15 * time.Second
	defaultWriteTimeout   = 25 * time.Second
	defaultStatusCacheTTL = time.Hour
	defaultAuthRate       = 5
	defaultAuthBurst      = 10
)

// DefaultAllowedMimeTypes is used when ONEMEDIA_ALLOWED_MIME_TYPES is not set.
var DefaultAllowedMimeTypes = []string{
	"image/jpeg", "image/png", "image/gif", "image/webp", "image/svg+xml", "video/mp4", "application/pdf",
}

// Load reads environment variables and produces a Config suitable for wiring the service.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:         getEnv("ONEMEDIA_ENV", defaultEnv),
		Port:        getEnv("ONEMEDIA_PORT", defaultPort),
		SiteURL:     model.NormalizeSiteURL(os.Getenv("ONEMEDIA_SITE_URL")),
		APIKey:      os.Getenv("ONEMEDIA_API_KEY"),
		Secret:      os.Getenv("ONEMEDIA_SECRET"),
		DatabaseDSN: os.Getenv("ONEMEDIA_DB_DSN"),
		NATSURL:     os.Getenv("ONEMEDIA_NATS_URL"),
		S3Endpoint:  os.Getenv("ONEMEDIA_S3_ENDPOINT"),
		S3Region:    getEnv("ONEMEDIA_S3_REGION", defaultS3Region),
		S3Bucket:    os.Getenv("ONEMEDIA_S3_BUCKET"),
		S3AccessKey: os.Getenv("ONEMEDIA_S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("ONEMEDIA_S3_SECRET_KEY"),
		S3PublicURL: os.Getenv("ONEMEDIA_S3_PUBLIC_URL"),
	}

	role, err := model.ParseRole(os.Getenv("ONEMEDIA_ROLE"))
	if err != nil {
		return cfg, fmt.Errorf("ONEMEDIA_ROLE: %w", err)
	}
	cfg.Role = role

	cfg.MaxMediaSize = defaultMaxMediaSize
	if v, exists := os.LookupEnv("ONEMEDIA_MAX_MEDIA_SIZE"); exists && v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil || size <= 0 {
			return cfg, fmt.Errorf("ONEMEDIA_MAX_MEDIA_SIZE must be a positive integer, got %q", v)
		}
		cfg.MaxMediaSize = size
	}

	if v, exists := os.LookupEnv("ONEMEDIA_ALLOWED_MIME_TYPES"); exists && v != "" {
		cfg.AllowedMimeTypes = splitList(v)
	} else {
		cfg.AllowedMimeTypes = append([]string(nil), DefaultAllowedMimeTypes...)
	}

	if v, exists := os.LookupEnv("ONEMEDIA_CORS_ALLOWED_ORIGINS"); exists && v != "" {
		cfg.CORSAllowedOrigins = splitList(v)
	}

	durations := []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"ONEMEDIA_HEALTH_TIMEOUT", &cfg.HealthTimeout, defaultHealthTimeout},
		{"ONEMEDIA_CREATE_TIMEOUT", &cfg.CreateTimeout, defaultCreateTimeout},
		{"ONEMEDIA_WRITE_TIMEOUT", &cfg.WriteTimeout, defaultWriteTimeout},
		{"ONEMEDIA_STATUS_CACHE_TTL", &cfg.StatusCacheTTL, defaultStatusCacheTTL},
	}
	for _, d := range durations {
		if *d.dst, err = parseDuration(d.key, d.def); err != nil {
			return cfg, err
		}
	}

	cfg.AuthRate = defaultAuthRate
	if v, exists := os.LookupEnv("ONEMEDIA_AUTH_RATE"); exists && v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r <= 0 {
			return cfg, fmt.Errorf("ONEMEDIA_AUTH_RATE must be a positive number, got %q", v)
		}
		cfg.AuthRate = r
	}
	cfg.AuthBurst = defaultAuthBurst
	if v, exists := os.LookupEnv("ONEMEDIA_AUTH_BURST"); exists && v != "" {
		b, err := strconv.Atoi(v)
		if err != nil || b <= 0 {
			return cfg, fmt.Errorf("ONEMEDIA_AUTH_BURST must be a positive integer, got %q", v)
		}
		cfg.AuthBurst = b
	}

	// Validate required parameters
	if cfg.SiteURL == "" {
		return cfg, fmt.Errorf("ONEMEDIA_SITE_URL is required")
	}
	if cfg.APIKey == "" {
		return cfg, fmt.Errorf("ONEMEDIA_API_KEY is required")
	}
	if cfg.Secret == "" {
		return cfg, fmt.Errorf("ONEMEDIA_SECRET is required")
	}

	return cfg, nil
}

// IsDev reports whether the node runs in the development environment.
func (c Config) IsDev() bool {
	return c.Env == defaultEnv
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// parseDuration reads a Go duration (e.g. "15s") or a bare number of seconds.
func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, v)
	}
	return d, nil
}

// splitList splits a comma separated list, trimming whitespace and dropping empty items.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
