package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	RedisURL    string
	// FixturePath points at a YAML catalog served from memory when no
	// database is configured.
	FixturePath string

	Location             *time.Location
	GuestGroupID         int64
	ShippingTaxClassCode string

	CompileChunkSize   int
	CompileConcurrency int
	PriceMapCacheTTL   time.Duration

	QueuePrefix            string
	QueueMaxAttempts       int
	QueueConcurrency       int
	QueueVisibilityTimeout time.Duration
	QueueBackoffBase       time.Duration
	LockTTL                time.Duration

	MaxBodyBytes     int64
	APIRateLimit     string
	CouponRateLimit  int
	CouponRateWindow time.Duration
	HSTSMaxAge       int

	LogFormat        string
	LogLevel         string
	MetricsNamespace string
	OTLPEndpoint     string
	SamplingRatio    float64
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	tz := valueOrDefault(k.String("PRICING_TIMEZONE"), "Asia/Jakarta")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("PRICING_TIMEZONE: %w", err)
	}

	cfg := &Config{
		AppEnv:      valueOrDefault(k.String("APP_ENV"), "development"),
		Port:        valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL: strings.TrimSpace(k.String("DATABASE_URL")),
		RedisURL:    strings.TrimSpace(k.String("REDIS_URL")),
		FixturePath: strings.TrimSpace(k.String("PRICING_FIXTURE")),

		Location:             loc,
		GuestGroupID:         int64(parseInt(k.String("PRICING_GUEST_GROUP_ID"), 0)),
		ShippingTaxClassCode: valueOrDefault(k.String("SHIPPING_TAX_CLASS_CODE"), "shipping"),

		CompileChunkSize:   parseInt(k.String("COMPILE_CHUNK_SIZE"), 100),
		CompileConcurrency: parseInt(k.String("COMPILE_CONCURRENCY"), 4),
		PriceMapCacheTTL:   parseDuration(k.String("PRICEMAP_CACHE_TTL"), "1h"),

		QueuePrefix:            valueOrDefault(k.String("QUEUE_REDIS_PREFIX"), "pricing"),
		QueueMaxAttempts:       parseInt(k.String("QUEUE_MAX_ATTEMPTS"), 5),
		QueueConcurrency:       parseInt(k.String("QUEUE_CONCURRENCY"), 2),
		QueueVisibilityTimeout: parseDuration(k.String("QUEUE_VISIBILITY_TIMEOUT"), "2m"),
		QueueBackoffBase:       parseDuration(k.String("QUEUE_BACKOFF_BASE"), "500ms"),
		LockTTL:                parseDuration(k.String("LOCK_TTL"), "5m"),

		MaxBodyBytes:     int64(parseInt(k.String("HTTP_MAX_BODY_BYTES"), 1<<20)),
		APIRateLimit:     strings.TrimSpace(k.String("API_RATE_LIMIT")),
		CouponRateLimit:  parseInt(k.String("COUPON_RATE_LIMIT"), 30),
		CouponRateWindow: parseDuration(k.String("COUPON_RATE_WINDOW"), "1m"),
		HSTSMaxAge:       parseInt(k.String("HSTS_MAX_AGE"), 0),

		LogFormat:        valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
		LogLevel:         valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
		MetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "toko_pricing"),
		OTLPEndpoint:     strings.TrimSpace(k.String("OTEL_EXPORTER_OTLP_ENDPOINT")),
		SamplingRatio:    parseFloat(k.String("OTEL_SAMPLING_RATIO"), 1),
	}

	if cfg.DatabaseURL == "" && cfg.FixturePath == "" {
		return nil, errors.New("DATABASE_URL or PRICING_FIXTURE is required")
	}
	if cfg.CompileChunkSize <= 0 {
		return nil, errors.New("COMPILE_CHUNK_SIZE must be positive")
	}
	if cfg.QueueMaxAttempts <= 0 {
		return nil, errors.New("QUEUE_MAX_ATTEMPTS must be positive")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return nil, errors.New("OTEL_SAMPLING_RATIO must be within [0,1]")
	}
	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

func valueOrDefault(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// MustLoad behaves like Load but panics on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
