package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/example/image-classifier/internal/domain"
)

// DefaultAPIURL is used when API_URL is not set.
const DefaultAPIURL = "http://localhost:8080"

// Config is resolved once at process start and never modified afterwards.
type Config struct {
	APIURL              string
	ListenAddr          string
	ClassifyTimeout     time.Duration
	SelectionPolicy     domain.SelectionPolicy
	PreviewMaxDimension int
	PreviewTTL          time.Duration
	SessionIdleTimeout  time.Duration
	MaxUploadBytes      int64
	RedisAddr           string
	DatabaseDSN         string
	LogLevel            string
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		APIURL:     getEnv("API_URL", DefaultAPIURL),
		ListenAddr: getEnv("LISTEN_ADDR", ":3000"),
		RedisAddr:  os.Getenv("REDIS_ADDR"),
		// Diagnostics are off unless a database is configured.
		DatabaseDSN: os.Getenv("DATABASE_DSN"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.ClassifyTimeout, err = getDuration("CLASSIFY_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.PreviewTTL, err = getDuration("PREVIEW_TTL", time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.SessionIdleTimeout, err = getDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.PreviewMaxDimension, err = getInt("PREVIEW_MAX_DIMENSION", 256); err != nil {
		return Config{}, err
	}
	maxUpload, err := getInt("MAX_UPLOAD_BYTES", 10<<20)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxUploadBytes = int64(maxUpload)
	if cfg.SelectionPolicy, err = domain.ParseSelectionPolicy(getEnv("SELECTION_POLICY", string(domain.SelectFirst))); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("API_URL must be an absolute http(s) URL, got %q", c.APIURL)
	}
	if c.ClassifyTimeout <= 0 {
		return fmt.Errorf("CLASSIFY_TIMEOUT must be positive, got %s", c.ClassifyTimeout)
	}
	if c.PreviewTTL <= 0 {
		return fmt.Errorf("PREVIEW_TTL must be positive, got %s", c.PreviewTTL)
	}
	if c.SessionIdleTimeout <= 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be positive, got %s", c.SessionIdleTimeout)
	}
	if c.PreviewMaxDimension <= 0 {
		return fmt.Errorf("PREVIEW_MAX_DIMENSION must be positive, got %d", c.PreviewMaxDimension)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	if _, err := domain.ParseSelectionPolicy(string(c.SelectionPolicy)); err != nil {
		return err
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
