package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coverd.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  cap: 2
  poll_interval: 2s
  tick_interval: 250ms
  resync: "@every 30s"
remote:
  url: https://covers.example.com/api
  timeout: 15s
conditions:
  cpu_below: 80
  loadavg_below: 4.5
notify:
  on_progress: true
  on_completion: true
  slack:
    token: xoxb-secret
    channels: [covers, alerts]
  webhook:
    urls:
      - https://hooks.example.com/covers
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Scheduler.Cap)
	assert.Equal(t, 2*time.Second, time.Duration(cfg.Scheduler.PollInterval))
	assert.Equal(t, 250*time.Millisecond, time.Duration(cfg.Scheduler.TickInterval))
	assert.Equal(t, "@every 30s", cfg.Scheduler.Resync)
	assert.Equal(t, "https://covers.example.com/api", cfg.Remote.URL)
	require.NotNil(t, cfg.Conditions.CPUBelow)
	assert.Equal(t, 80, *cfg.Conditions.CPUBelow)
	assert.Nil(t, cfg.Conditions.MemoryBelow)
	assert.True(t, cfg.Conditions.Enabled())
	assert.True(t, cfg.Notify.OnProgress)
	assert.Equal(t, []string{"covers", "alerts"}, cfg.Notify.Slack.Channels)
	assert.Equal(t, []string{"https://hooks.example.com/covers"}, cfg.Notify.Webhook.URLs)
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
	assert.False(t, cfg.Conditions.Enabled())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/tmp/no-such-coverd-config.yml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "can't read config")
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	path := writeConfig(t, "scheduler:\n  capp: 2\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "can't parse config")
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, "scheduler:\n  poll_interval: nonsense\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  string
	}{
		{"cpu out of range", "conditions:\n  cpu_below: 150\n", "cpu_below must be in 1..100"},
		{"memory out of range", "conditions:\n  memory_below: 0\n", "memory_below must be in 1..100"},
		{"negative loadavg", "conditions:\n  loadavg_below: -1\n", "loadavg_below must be positive"},
		{"disk free out of range", "conditions:\n  disk_free_above: 101\n", "disk_free_above must be in 1..100"},
		{"email without host", "notify:\n  email:\n    to: [ops@example.com]\n", "without notify.email.host"},
		{"slack without token", "notify:\n  slack:\n    channels: [covers]\n", "without notify.slack.token"},
		{"telegram without token", "notify:\n  telegram:\n    destinations: [chan1]\n", "without notify.telegram.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}

func TestDuration_MarshalYAML(t *testing.T) {
	v, err := Duration(90 * time.Second).MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", v)
}
