package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-pricing/internal/config"
)

// baseEnv clears every variable the tests depend on so the host environment
// cannot leak in.
func baseEnv(overrides map[string]string) map[string]string {
	env := map[string]string{
		"DATABASE_URL":             "",
		"PRICING_FIXTURE":          "",
		"PRICING_TIMEZONE":         "",
		"PRICING_GUEST_GROUP_ID":   "",
		"COMPILE_CHUNK_SIZE":       "",
		"QUEUE_MAX_ATTEMPTS":       "",
		"QUEUE_VISIBILITY_TIMEOUT": "",
		"OTEL_SAMPLING_RATIO":      "",
		"PORT":                     "",
		"COUPON_RATE_LIMIT":        "",
	}
	for k, v := range overrides {
		env[k] = v
	}
	return env
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.LoadForTests(baseEnv(map[string]string{"DATABASE_URL": "postgres://localhost/pricing"}))
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddr())
	require.Equal(t, "Asia/Jakarta", cfg.Location.String())
	require.Equal(t, 100, cfg.CompileChunkSize)
	require.Equal(t, 5, cfg.QueueMaxAttempts)
	require.Equal(t, 2*time.Minute, cfg.QueueVisibilityTimeout)
	require.Equal(t, "shipping", cfg.ShippingTaxClassCode)
	require.Equal(t, 1.0, cfg.SamplingRatio)
	require.Zero(t, cfg.GuestGroupID)
	require.Equal(t, int64(1<<20), cfg.MaxBodyBytes)
	require.Equal(t, 30, cfg.CouponRateLimit)
	require.Equal(t, time.Minute, cfg.CouponRateWindow)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := config.LoadForTests(baseEnv(map[string]string{
		"PRICING_FIXTURE":          "testdata/catalog.yaml",
		"PRICING_TIMEZONE":         "UTC",
		"PRICING_GUEST_GROUP_ID":   "7",
		"COMPILE_CHUNK_SIZE":       "250",
		"QUEUE_VISIBILITY_TIMEOUT": "bogus",
		"PORT":                     ":9090",
		"COUPON_RATE_LIMIT":        "5",
	}))
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTPAddr())
	require.Equal(t, time.UTC, cfg.Location)
	require.Equal(t, int64(7), cfg.GuestGroupID)
	require.Equal(t, 250, cfg.CompileChunkSize)
	require.Equal(t, 5, cfg.CouponRateLimit)
	require.Equal(t, 2*time.Minute, cfg.QueueVisibilityTimeout, "unparseable durations fall back")
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := config.LoadForTests(baseEnv(nil))
	require.ErrorContains(t, err, "DATABASE_URL or PRICING_FIXTURE")

	_, err = config.LoadForTests(baseEnv(map[string]string{"DATABASE_URL": "postgres://x", "PRICING_TIMEZONE": "Mars/Olympus"}))
	require.ErrorContains(t, err, "PRICING_TIMEZONE")

	_, err = config.LoadForTests(baseEnv(map[string]string{"DATABASE_URL": "postgres://x", "COMPILE_CHUNK_SIZE": "0"}))
	require.Error(t, err)

	_, err = config.LoadForTests(baseEnv(map[string]string{"DATABASE_URL": "postgres://x", "OTEL_SAMPLING_RATIO": "2"}))
	require.Error(t, err)
}
