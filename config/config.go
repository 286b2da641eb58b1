// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the pubsubx broker.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Broker    BrokerConfig    `yaml:"broker"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Health    HealthConfig    `yaml:"health"`
	Otel      OtelConfig      `yaml:"otel"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds TCP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`

	// Port must sit in the range 1024 < port < 32000.
	Port int `yaml:"port"`

	// MaxConnections caps concurrently accepted sockets; 0 means
	// unlimited.
	MaxConnections int `yaml:"max_connections"`

	// ReadTimeout bounds how long a connection may stay silent; 0 means
	// no deadline, idle clients stay connected.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds a single frame write to a peer.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address in host:port form.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// BrokerConfig holds routing and retention settings.
type BrokerConfig struct {
	// RetentionWindow is how long messages for an abruptly-disconnected
	// client are held, and how long its name and subscriptions survive.
	RetentionWindow time.Duration `yaml:"retention_window"`

	// SweepInterval is the period of the expiry sweep. Must not exceed
	// RetentionWindow.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// SendQueueSize bounds queued outbound frames per connection.
	// A session that lets the queue fill is disconnected.
	SendQueueSize int `yaml:"send_queue_size"`

	// PendingMaxMessages bounds retention entries per lost session.
	PendingMaxMessages int `yaml:"pending_max_messages"`

	// PendingMaxBytes bounds retention payload bytes per lost session.
	PendingMaxBytes int `yaml:"pending_max_bytes"`

	// MaxRequestSize bounds a single inbound frame. Larger requests
	// are dumped and answered with a protocol error.
	MaxRequestSize int `yaml:"max_request_size"`
}

// WebSocketConfig holds the optional WebSocket transport settings.
type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// HealthConfig holds the optional health endpoint settings.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// OtelConfig holds OpenTelemetry export settings.
type OtelConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Endpoint        string  `yaml:"endpoint"`
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"`
}

// RateLimitConfig holds token-bucket limits. Rates are per second and
// double as burst sizes.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`

	// ConnectionsPerIP limits accepted connections per source IP.
	ConnectionsPerIP int `yaml:"connections_per_ip"`

	// PublishPerClient limits PUBLISH commands per connected client.
	PublishPerClient int `yaml:"publish_per_client"`

	// SubscribePerClient limits SUBSCRIBE and UNSUBSCRIBE commands per
	// connected client.
	SubscribePerClient int `yaml:"subscribe_per_client"`
}

// WebhookConfig holds event notification settings.
type WebhookConfig struct {
	Enabled bool `yaml:"enabled"`

	// Endpoints are HTTP URLs that receive event envelopes as JSON.
	Endpoints []string `yaml:"endpoints"`

	QueueSize int `yaml:"queue_size"`

	// DropPolicy picks the victim when the queue is full: "oldest" or
	// "newest".
	DropPolicy string `yaml:"drop_policy"`

	Workers int `yaml:"workers"`

	// Timeout bounds a single delivery attempt.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries is the number of re-deliveries after a failed attempt.
	MaxRetries int `yaml:"max_retries"`

	// RetryInterval is the initial backoff between attempts; it doubles
	// per retry.
	RetryInterval time.Duration `yaml:"retry_interval"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5555,
			MaxConnections:  0,
			ReadTimeout:     0,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Broker: BrokerConfig{
			RetentionWindow:    60 * time.Second,
			SweepInterval:      time.Second,
			SendQueueSize:      128,
			PendingMaxMessages: 128,
			PendingMaxBytes:    10 * 1024,
			MaxRequestSize:     10 * 1024,
		},
		WebSocket: WebSocketConfig{
			Enabled: false,
			Address: ":8080",
			Path:    "/ws",
		},
		Health: HealthConfig{
			Enabled: false,
			Address: ":8081",
		},
		Otel: OtelConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "pubsubx",
			ServiceVersion:  "0.1.0",
			TracesEnabled:   false,
			TraceSampleRate: 1.0,
		},
		RateLimit: RateLimitConfig{
			Enabled:            false,
			ConnectionsPerIP:   10,
			PublishPerClient:   100,
			SubscribePerClient: 50,
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			Endpoints:       []string{},
			QueueSize:       1000,
			DropPolicy:      "oldest",
			Workers:         2,
			Timeout:         5 * time.Second,
			MaxRetries:      3,
			RetryInterval:   time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("server.host cannot be empty")
	}
	if c.Server.Port <= 1024 || c.Server.Port >= 32000 {
		return fmt.Errorf("server.port must be an integer in range 1024 < port < 32000")
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections cannot be negative")
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server timeouts cannot be negative")
	}

	if c.Broker.RetentionWindow < time.Second {
		return fmt.Errorf("broker.retention_window must be at least 1 second")
	}
	if c.Broker.SweepInterval <= 0 {
		return fmt.Errorf("broker.sweep_interval must be positive")
	}
	if c.Broker.SweepInterval > c.Broker.RetentionWindow {
		return fmt.Errorf("broker.sweep_interval cannot exceed broker.retention_window")
	}
	if c.Broker.SendQueueSize < 1 {
		return fmt.Errorf("broker.send_queue_size must be at least 1")
	}
	if c.Broker.PendingMaxMessages < 1 {
		return fmt.Errorf("broker.pending_max_messages must be at least 1")
	}
	if c.Broker.PendingMaxBytes < 1024 {
		return fmt.Errorf("broker.pending_max_bytes must be at least 1KB")
	}
	if c.Broker.MaxRequestSize < 1024 {
		return fmt.Errorf("broker.max_request_size must be at least 1KB")
	}

	if c.WebSocket.Enabled {
		if c.WebSocket.Address == "" {
			return fmt.Errorf("websocket.address required when websocket is enabled")
		}
		if !strings.HasPrefix(c.WebSocket.Path, "/") {
			return fmt.Errorf("websocket.path must start with '/'")
		}
	}

	if c.Health.Enabled && c.Health.Address == "" {
		return fmt.Errorf("health.address required when health is enabled")
	}

	if c.Otel.Enabled {
		if c.Otel.Endpoint == "" {
			return fmt.Errorf("otel.endpoint required when otel is enabled")
		}
		if c.Otel.ServiceName == "" {
			return fmt.Errorf("otel.service_name required when otel is enabled")
		}
		if c.Otel.TraceSampleRate < 0 || c.Otel.TraceSampleRate > 1 {
			return fmt.Errorf("otel.trace_sample_rate must be between 0 and 1")
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.ConnectionsPerIP < 1 {
			return fmt.Errorf("ratelimit.connections_per_ip must be at least 1")
		}
		if c.RateLimit.PublishPerClient < 1 {
			return fmt.Errorf("ratelimit.publish_per_client must be at least 1")
		}
		if c.RateLimit.SubscribePerClient < 1 {
			return fmt.Errorf("ratelimit.subscribe_per_client must be at least 1")
		}
	}

	if c.Webhook.Enabled {
		if len(c.Webhook.Endpoints) == 0 {
			return fmt.Errorf("webhook.endpoints required when webhook is enabled")
		}
		for i, u := range c.Webhook.Endpoints {
			if u == "" {
				return fmt.Errorf("webhook.endpoints[%d] cannot be empty", i)
			}
		}
		if c.Webhook.QueueSize < 1 {
			return fmt.Errorf("webhook.queue_size must be at least 1")
		}
		if c.Webhook.DropPolicy != "oldest" && c.Webhook.DropPolicy != "newest" {
			return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
		}
		if c.Webhook.Workers < 1 {
			return fmt.Errorf("webhook.workers must be at least 1")
		}
		if c.Webhook.Timeout < time.Second {
			return fmt.Errorf("webhook.timeout must be at least 1 second")
		}
		if c.Webhook.MaxRetries < 0 {
			return fmt.Errorf("webhook.max_retries cannot be negative")
		}
		if c.Webhook.RetryInterval <= 0 {
			return fmt.Errorf("webhook.retry_interval must be positive")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
