package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relayd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DefaultAddr, cfg.HTTP.Addr)
	require.Equal(t, DefaultHeartbeat, cfg.HTTP.Heartbeat)
	require.Equal(t, DefaultHistoryCap, cfg.Hub.HistoryCap)
	require.Equal(t, DefaultQueueCap, cfg.Hub.QueueCap)
	require.Equal(t, DefaultTTL, cfg.Hub.TTL)
	require.Equal(t, DefaultBaseBackoff, cfg.Client.BaseBackoff)
	require.Equal(t, DefaultMaxBackoff, cfg.Client.MaxBackoff)
	require.Equal(t, DefaultMaxRetries, cfg.Client.MaxRetries)
	require.Equal(t, DefaultDialTimeout, cfg.Client.DialTimeout)
	require.False(t, cfg.Normalizer.IncludeThoughts)
	require.Empty(t, cfg.Redis.Addr)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
http:
  addr: ":9090"
  heartbeat: 5s
hub:
  history_cap: 200
  queue_cap: 16
  ttl: 10m
client:
  base_backoff: 500ms
  max_backoff: 8s
  max_retries: 2
  dial_timeout: 3s
normalizer:
  include_thoughts: true
redis:
  addr: "localhost:6379"
  stream_max_len: 5000
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTP.Addr)
	require.Equal(t, 5*time.Second, cfg.HTTP.Heartbeat)
	require.Equal(t, 200, cfg.Hub.HistoryCap)
	require.Equal(t, 16, cfg.Hub.QueueCap)
	require.Equal(t, 10*time.Minute, cfg.Hub.TTL)
	require.Equal(t, 500*time.Millisecond, cfg.Client.BaseBackoff)
	require.Equal(t, 8*time.Second, cfg.Client.MaxBackoff)
	require.Equal(t, 2, cfg.Client.MaxRetries)
	require.Equal(t, 3*time.Second, cfg.Client.DialTimeout)
	require.True(t, cfg.Normalizer.IncludeThoughts)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.Equal(t, 5000, cfg.Redis.Stream)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
hub:
  history_cap: 50
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 50, cfg.Hub.HistoryCap)
	require.Equal(t, DefaultQueueCap, cfg.Hub.QueueCap)
	require.Equal(t, DefaultAddr, cfg.HTTP.Addr)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"negative history", "hub:\n  history_cap: -1\n"},
		{"negative queue", "hub:\n  queue_cap: -5\n"},
		{"negative ttl", "hub:\n  ttl: -1m\n"},
		{"negative retries", "client:\n  max_retries: -2\n"},
		{"max below base", "client:\n  base_backoff: 10s\n  max_backoff: 1s\n"},
		{"negative stream cap", "redis:\n  stream_max_len: -1\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "hub: [not a mapping"))
	require.Error(t, err)
}
