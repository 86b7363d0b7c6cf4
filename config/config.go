// Package config loads the relayd YAML configuration. Zero values get
// server defaults so an empty file is a valid configuration; values that
// cannot work (negative capacities, out-of-range ports) fail Load with a
// descriptive error rather than surfacing later at runtime.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the full relayd configuration.
	Config struct {
		HTTP       HTTP       `yaml:"http"`
		Hub        Hub        `yaml:"hub"`
		Client     Client     `yaml:"client"`
		Normalizer Normalizer `yaml:"normalizer"`
		Redis      Redis      `yaml:"redis"`
	}

	// HTTP configures the SSE server listener.
	HTTP struct {
		// Addr is the listen address, e.g. ":8080".
		Addr string `yaml:"addr"`
		// Heartbeat is the SSE keep-alive comment interval.
		Heartbeat time.Duration `yaml:"heartbeat"`
	}

	// Hub configures per-session retention and delivery.
	Hub struct {
		// HistoryCap bounds the retained event history per session.
		HistoryCap int `yaml:"history_cap"`
		// QueueCap bounds each subscriber delivery queue.
		QueueCap int `yaml:"queue_cap"`
		// TTL is the idle lifetime of sessions without content.
		TTL time.Duration `yaml:"ttl"`
	}

	// Client configures the reconnecting stream client.
	Client struct {
		BaseBackoff time.Duration `yaml:"base_backoff"`
		MaxBackoff  time.Duration `yaml:"max_backoff"`
		MaxRetries  int           `yaml:"max_retries"`
		DialTimeout time.Duration `yaml:"dial_timeout"`
	}

	// Normalizer configures event normalization.
	Normalizer struct {
		// IncludeThoughts surfaces model reasoning as user-facing text.
		IncludeThoughts bool `yaml:"include_thoughts"`
	}

	// Redis configures the optional Pulse stream mirror. Mirroring is
	// enabled when Addr is set.
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		// Stream caps the mirrored stream length, 0 for the Pulse default.
		Stream int `yaml:"stream_max_len"`
	}
)

// Defaults applied by Load for zero values.
const (
	DefaultAddr        = ":8080"
	DefaultHeartbeat   = 15 * time.Second
	DefaultHistoryCap  = 1000
	DefaultQueueCap    = 64
	DefaultTTL         = 30 * time.Minute
	DefaultBaseBackoff = time.Second
	DefaultMaxBackoff  = 30 * time.Second
	DefaultMaxRetries  = 5
	DefaultDialTimeout = 10 * time.Second
)

// Load reads the YAML file at path, applies defaults and validates the
// result. An empty path returns the default configuration.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultAddr
	}
	if c.HTTP.Heartbeat == 0 {
		c.HTTP.Heartbeat = DefaultHeartbeat
	}
	if c.Hub.HistoryCap == 0 {
		c.Hub.HistoryCap = DefaultHistoryCap
	}
	if c.Hub.QueueCap == 0 {
		c.Hub.QueueCap = DefaultQueueCap
	}
	if c.Hub.TTL == 0 {
		c.Hub.TTL = DefaultTTL
	}
	if c.Client.BaseBackoff == 0 {
		c.Client.BaseBackoff = DefaultBaseBackoff
	}
	if c.Client.MaxBackoff == 0 {
		c.Client.MaxBackoff = DefaultMaxBackoff
	}
	if c.Client.MaxRetries == 0 {
		c.Client.MaxRetries = DefaultMaxRetries
	}
	if c.Client.DialTimeout == 0 {
		c.Client.DialTimeout = DefaultDialTimeout
	}
}

func (c *Config) validate() error {
	if c.Hub.HistoryCap < 0 {
		return fmt.Errorf("hub.history_cap must be positive, got %d", c.Hub.HistoryCap)
	}
	if c.Hub.QueueCap < 0 {
		return fmt.Errorf("hub.queue_cap must be positive, got %d", c.Hub.QueueCap)
	}
	if c.Hub.TTL < 0 {
		return fmt.Errorf("hub.ttl must be positive, got %s", c.Hub.TTL)
	}
	if c.Client.MaxRetries < 0 {
		return fmt.Errorf("client.max_retries must be positive, got %d", c.Client.MaxRetries)
	}
	if c.Client.MaxBackoff < c.Client.BaseBackoff {
		return fmt.Errorf("client.max_backoff (%s) must be at least base_backoff (%s)",
			c.Client.MaxBackoff, c.Client.BaseBackoff)
	}
	if c.Redis.Stream < 0 {
		return fmt.Errorf("redis.stream_max_len must be positive, got %d", c.Redis.Stream)
	}
	return nil
}
