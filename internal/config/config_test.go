package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdirTemp keeps the default search path free of stray escrow.yaml files.
func chdirTemp(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("HOME", t.TempDir())
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "duckdb", cfg.DB.Driver)
	assert.Equal(t, "10", cfg.Ledger.FeePercent)
	assert.Equal(t, 10*time.Second, cfg.Webhook.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Webhook.MaxAge)
	assert.Equal(t, time.Minute, cfg.Sweep.Interval)
	assert.Equal(t, 4, cfg.Sweep.Workers)
	assert.Equal(t, 30, cfg.RateLimit.JobsPerMinute)
	assert.Equal(t, 24*time.Hour, cfg.Jobs.DefaultWorkerTimeout)
	assert.False(t, cfg.Webhook.RequireSecret, "development does not require secrets")

	fee, err := cfg.FeePercent()
	require.NoError(t, err)
	assert.Equal(t, "10", fee.String())
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdirTemp(t)
	t.Setenv("ESCROW_ENV", "production")
	t.Setenv("ESCROW_DB_DRIVER", "sqlite")
	t.Setenv("ESCROW_DB_DSN", "/tmp/x.db")
	t.Setenv("ESCROW_LEDGER_FEE_PERCENT", "7.5")
	t.Setenv("ESCROW_SWEEP_INTERVAL", "30s")
	t.Setenv("ESCROW_JOBS_DEFAULT_WORKER_TIMEOUT", "6h")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DB.Driver)
	assert.Equal(t, 6*time.Hour, cfg.Jobs.DefaultWorkerTimeout)
	assert.Equal(t, "7.5", cfg.Ledger.FeePercent)
	assert.Equal(t, 30*time.Second, cfg.Sweep.Interval)
	assert.True(t, cfg.Webhook.RequireSecret, "production requires secrets by default")

	t.Setenv("ESCROW_WEBHOOK_REQUIRE_SECRET", "false")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.False(t, cfg.Webhook.RequireSecret, "explicit setting wins")
}

func TestLoad_File(t *testing.T) {
	chdirTemp(t)
	path := filepath.Join(t.TempDir(), "escrow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
env: staging
db:
  driver: memory
webhook:
  require_secret: true
  max_retries: 5
payments:
  base_url: https://pay.example.com
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.DB.Driver)
	assert.True(t, cfg.Webhook.RequireSecret)
	assert.Equal(t, 5, cfg.Webhook.MaxRetries)
	assert.Equal(t, "https://pay.example.com", cfg.Payments.BaseURL)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name, key, value, want string
	}{
		{"driver", "ESCROW_DB_DRIVER", "oracle", "db.driver"},
		{"fee range", "ESCROW_LEDGER_FEE_PERCENT", "100", "out of range"},
		{"fee parse", "ESCROW_LEDGER_FEE_PERCENT", "ten", "ledger.fee_percent"},
		{"log level", "ESCROW_LOG_LEVEL", "loud", "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdirTemp(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load("")
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
