package main

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/covergen/coverd/app/config"
)

func Test_setupLogsWithLogsDisabled(t *testing.T) {
	opts.Log.Enabled = false
	assert.Equal(t, os.Stdout, setupLogs())
}

func Test_setupLogsToFile(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	opts.Log.Enabled = true
	opts.Log.Filename = tmpfile.Name()
	opts.Log.MaxSize = 100
	opts.Log.MaxBackups = 7
	opts.Log.MaxAge = 0
	opts.Log.EnabledCompress = false

	out := setupLogs()
	assert.IsType(t, &lumberjack.Logger{}, out)

	logger := out.(*lumberjack.Logger)
	assert.Equal(t, tmpfile.Name(), logger.Filename)
	assert.Equal(t, 100, logger.MaxSize)
	assert.Equal(t, 7, logger.MaxBackups)
	assert.Equal(t, 0, logger.MaxAge)
	assert.False(t, logger.Compress)
}

func Test_applyConfig(t *testing.T) {
	opts.Scheduler.Cap = 1
	opts.Scheduler.PollInterval = time.Second
	opts.Scheduler.Resync = "@every 1m"
	opts.Remote.URL = ""

	applyConfig(&config.Config{})
	assert.Equal(t, 1, opts.Scheduler.Cap, "empty config changes nothing")
	assert.Equal(t, time.Second, opts.Scheduler.PollInterval)

	applyConfig(&config.Config{
		Scheduler: config.SchedulerConfig{Cap: 3, PollInterval: config.Duration(5 * time.Second)},
		Remote:    config.RemoteConfig{URL: "https://covers.example.com"},
	})
	assert.Equal(t, 3, opts.Scheduler.Cap)
	assert.Equal(t, 5*time.Second, opts.Scheduler.PollInterval)
	assert.Equal(t, "https://covers.example.com", opts.Remote.URL)
	assert.Equal(t, "@every 1m", opts.Scheduler.Resync, "unset fields keep flag values")
}

func Test_makeNotifier(t *testing.T) {
	assert.Nil(t, makeNotifier(config.NotifyConfig{}), "no destinations, no notifier")

	svc := makeNotifier(config.NotifyConfig{
		OnCompletion: true,
		Webhook:      config.WebhookConfig{URLs: []string{"https://hooks.example.com/covers"}},
	})
	require.NotNil(t, svc)
	assert.Contains(t, svc.String(), "http")
}

func Test_runWithBadStorePath(t *testing.T) {
	opts.DB = "/invalid/path/that/does/not/exist/coverd.db"
	opts.Config = ""
	t.Cleanup(func() { opts.DB = "coverd.db" })

	err := run(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open store")
}
