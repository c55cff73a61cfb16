package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PICKUP_JWT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddress())
	require.Equal(t, 5*time.Minute, cfg.AutoCompleteDelay)
	require.Equal(t, 500*time.Millisecond, cfg.SyncDebounce)
	require.Equal(t, 20*time.Second, cfg.SyncPollInterval)
	require.Equal(t, time.UTC, cfg.Timezone)
	require.Equal(t, 3, cfg.RetryAttempts)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PICKUP_JWT_SECRET", "secret")
	t.Setenv("PICKUP_APP_PORT", ":9090")
	t.Setenv("PICKUP_TIMEZONE", "Asia/Jakarta")
	t.Setenv("PICKUP_PICKUP_AUTO_COMPLETE", "90s")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTPAddress())
	require.Equal(t, "Asia/Jakarta", cfg.Timezone.String())
	require.Equal(t, 90*time.Second, cfg.AutoCompleteDelay)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("PICKUP_JWT_SECRET", "")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("PICKUP_JWT_SECRET", "secret")
	t.Setenv("PICKUP_SYNC_DEBOUNCE", "soon")
	_, err = Load()
	require.Error(t, err)
}
