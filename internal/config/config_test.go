package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SUPABASE_URL", "https://proj.supabase.co")
	t.Setenv("SUPABASE_ANON_KEY", "anon-key")
}

func TestLoad_DefaultsFromEnvironment(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://proj.supabase.co", cfg.Supabase.URL)
	assert.True(t, cfg.Supabase.Realtime)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 3*time.Second, cfg.Sync.PollInterval.Std())
	assert.Equal(t, 300*time.Millisecond, cfg.Sync.SettleDelay.Std())
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.RPCBaseDelay.Std())
	assert.Equal(t, "@every 5m", cfg.Sync.ReconcileCron)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FileOverridesEnvironment(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("HTTP_ADDR", ":9999")

	path := filepath.Join(t.TempDir(), "syncd.yaml")
	body := []byte("http:\n  addr: \":7070\"\nsync:\n  poll_interval: 10s\nlog:\n  level: debug\n")
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.HTTP.Addr)
	assert.Equal(t, 10*time.Second, cfg.Sync.PollInterval.Std())
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_MissingRequiredEnv(t *testing.T) {
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("SUPABASE_ANON_KEY", "")

	_, err := Load("")
	require.Error(t, err)
}

func TestLoad_UnreadableFile(t *testing.T) {
	setRequiredEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"zero poll interval", func(c *Config) { c.Sync.PollInterval = 0 }},
		{"zero rpc delay", func(c *Config) { c.Sync.RPCBaseDelay = 0 }},
		{"empty url", func(c *Config) { c.Supabase.URL = "" }},
		{"empty anon key", func(c *Config) { c.Supabase.AnonKey = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Supabase: SupabaseConfig{URL: "https://x", AnonKey: "k"},
				Sync:     SyncConfig{PollInterval: Duration(time.Second), RPCBaseDelay: Duration(time.Second)},
				Log:      LogConfig{Level: "info"},
			}
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
