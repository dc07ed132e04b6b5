// Package config loads the optional YAML configuration file. Command line
// flags cover the basics; the file adds notification destinations and
// scheduler tuning that would be unwieldy as flags.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration parsed from the usual "1m30s" string form
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the top-level YAML configuration
type Config struct {
	Scheduler  SchedulerConfig  `yaml:"scheduler" json:"scheduler,omitempty"`
	Remote     RemoteConfig     `yaml:"remote" json:"remote,omitempty"`
	Conditions ConditionsConfig `yaml:"conditions" json:"conditions,omitempty"`
	Notify     NotifyConfig     `yaml:"notify" json:"notify,omitempty"`
}

// SchedulerConfig tunes the orchestrator
type SchedulerConfig struct {
	Cap          int      `yaml:"cap" json:"cap,omitempty" jsonschema:"minimum=1,description=max jobs running at once"`
	PollInterval Duration `yaml:"poll_interval" json:"poll_interval,omitempty" jsonschema:"type=string,description=remote poll interval"`
	TickInterval Duration `yaml:"tick_interval" json:"tick_interval,omitempty" jsonschema:"type=string,description=local clock interval"`
	Resync       string   `yaml:"resync" json:"resync,omitempty" jsonschema:"description=cron spec for bulk reconcile"`
}

// RemoteConfig points at the job authority, empty URL switches to the local clock
type RemoteConfig struct {
	URL     string   `yaml:"url" json:"url,omitempty"`
	Timeout Duration `yaml:"timeout" json:"timeout,omitempty" jsonschema:"type=string"`
}

// ConditionsConfig gates job admission on host health. A job asked to start
// while a condition fails is queued instead of run, nil thresholds disable checks.
type ConditionsConfig struct {
	CPUBelow      *int     `yaml:"cpu_below" json:"cpu_below,omitempty" jsonschema:"minimum=1,maximum=100"`
	MemoryBelow   *int     `yaml:"memory_below" json:"memory_below,omitempty" jsonschema:"minimum=1,maximum=100"`
	LoadAvgBelow  *float64 `yaml:"loadavg_below" json:"loadavg_below,omitempty"`
	DiskFreeAbove *int     `yaml:"disk_free_above" json:"disk_free_above,omitempty" jsonschema:"minimum=1,maximum=100"`
	DiskFreePath  string   `yaml:"disk_free_path" json:"disk_free_path,omitempty" jsonschema:"description=path checked for free space, defaults to /"`
}

// Enabled reports whether any admission condition is set
func (c ConditionsConfig) Enabled() bool {
	return c.CPUBelow != nil || c.MemoryBelow != nil || c.LoadAvgBelow != nil || c.DiskFreeAbove != nil
}

// NotifyConfig configures milestone delivery
type NotifyConfig struct {
	OnProgress         bool           `yaml:"on_progress" json:"on_progress,omitempty"`
	OnCompletion       bool           `yaml:"on_completion" json:"on_completion,omitempty"`
	ProgressTemplate   string         `yaml:"progress_template" json:"progress_template,omitempty"`
	CompletionTemplate string         `yaml:"completion_template" json:"completion_template,omitempty"`
	Timeout            Duration       `yaml:"timeout" json:"timeout,omitempty" jsonschema:"type=string"`
	Email              EmailConfig    `yaml:"email" json:"email,omitempty"`
	Slack              SlackConfig    `yaml:"slack" json:"slack,omitempty"`
	Telegram           TelegramConfig `yaml:"telegram" json:"telegram,omitempty"`
	Webhook            WebhookConfig  `yaml:"webhook" json:"webhook,omitempty"`
}

// EmailConfig holds SMTP settings and recipients
type EmailConfig struct {
	Host     string   `yaml:"host" json:"host,omitempty"`
	Port     int      `yaml:"port" json:"port,omitempty"`
	TLS      bool     `yaml:"tls" json:"tls,omitempty"`
	Username string   `yaml:"username" json:"username,omitempty"`
	Password string   `yaml:"password" json:"password,omitempty"`
	From     string   `yaml:"from" json:"from,omitempty"`
	To       []string `yaml:"to" json:"to,omitempty"`
}

// SlackConfig holds the bot token and target channels
type SlackConfig struct {
	Token    string   `yaml:"token" json:"token,omitempty"`
	Channels []string `yaml:"channels" json:"channels,omitempty"`
}

// TelegramConfig holds the bot token and chat destinations
type TelegramConfig struct {
	Token        string   `yaml:"token" json:"token,omitempty"`
	Destinations []string `yaml:"destinations" json:"destinations,omitempty"`
}

// WebhookConfig lists URLs receiving milestone JSON payloads
type WebhookConfig struct {
	URLs []string `yaml:"urls" json:"urls,omitempty"`
}

// Load reads and validates the config file. A missing path is not an error,
// the zero Config applies.
func Load(path string) (*Config, error) {
	res := &Config{}
	if path == "" {
		return res, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("can't read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // typos in keys should fail loudly
	if err := dec.Decode(res); err != nil {
		return nil, fmt.Errorf("can't parse config %s: %w", path, err)
	}
	if err := res.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return res, nil
}

func (c *Config) validate() error {
	if c.Scheduler.Cap < 0 {
		return fmt.Errorf("scheduler.cap can't be negative")
	}
	if v := c.Conditions.CPUBelow; v != nil && (*v <= 0 || *v > 100) {
		return fmt.Errorf("conditions.cpu_below must be in 1..100, got %d", *v)
	}
	if v := c.Conditions.MemoryBelow; v != nil && (*v <= 0 || *v > 100) {
		return fmt.Errorf("conditions.memory_below must be in 1..100, got %d", *v)
	}
	if v := c.Conditions.LoadAvgBelow; v != nil && *v <= 0 {
		return fmt.Errorf("conditions.loadavg_below must be positive, got %v", *v)
	}
	if v := c.Conditions.DiskFreeAbove; v != nil && (*v <= 0 || *v > 100) {
		return fmt.Errorf("conditions.disk_free_above must be in 1..100, got %d", *v)
	}
	if len(c.Notify.Email.To) > 0 && c.Notify.Email.Host == "" {
		return fmt.Errorf("notify.email.to set without notify.email.host")
	}
	if len(c.Notify.Slack.Channels) > 0 && c.Notify.Slack.Token == "" {
		return fmt.Errorf("notify.slack.channels set without notify.slack.token")
	}
	if len(c.Notify.Telegram.Destinations) > 0 && c.Notify.Telegram.Token == "" {
		return fmt.Errorf("notify.telegram.destinations set without notify.telegram.token")
	}
	return nil
}
