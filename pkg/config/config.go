// Package config loads relay settings from a YAML file with environment
// overrides for the deployment-specific bits.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full relay configuration.
type Config struct {
	Network   Network   `yaml:"network"`
	Database  Database  `yaml:"database"`
	Limits    Limits    `yaml:"limits"`
	Redis     Redis     `yaml:"redis"`
	Info      Info      `yaml:"info"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Network configures the listener.
type Network struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

func (n Network) ListenAddr() string {
	return fmt.Sprintf("%s:%d", n.Address, n.Port)
}

// Database locates the SQLite file.
type Database struct {
	Path string `yaml:"path"`
}

// Limits are the operator-configured protection bounds.
type Limits struct {
	// MaxEventBytes bounds a single serialized event.
	MaxEventBytes int `yaml:"max_event_bytes"`
	// RejectFutureSeconds is the tolerated future clock skew.
	RejectFutureSeconds int64 `yaml:"reject_future_seconds"`
	// MessagesPerSec is the per-connection publish rate; 0 disables.
	MessagesPerSec int `yaml:"messages_per_sec"`
	// PersistQueue is the persistence pipeline capacity.
	PersistQueue int `yaml:"persist_queue"`
	// EnqueueTimeoutSeconds bounds the backpressure suspension.
	EnqueueTimeoutSeconds int `yaml:"enqueue_timeout_seconds"`
	// BroadcastBuffer is each connection's outbound buffer capacity.
	BroadcastBuffer int `yaml:"broadcast_buffer"`
	// MaxWSMessageBytes bounds an inbound websocket message.
	MaxWSMessageBytes int64 `yaml:"max_ws_message_bytes"`
	// SeenCacheSize sizes the duplicate-id LRU; 0 disables it.
	SeenCacheSize int `yaml:"seen_cache_size"`
}

// Redis configures the optional shared rate-limiter backend. Empty Addr
// keeps limiting in process memory.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Info feeds the relay information document.
type Info struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	PubKey      string `yaml:"pubkey"`
	Contact     string `yaml:"contact"`
}

// Telemetry toggles metrics export.
type Telemetry struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the settings a bare relay starts with.
func Default() Config {
	return Config{
		Network:  Network{Address: "0.0.0.0", Port: 8080},
		Database: Database{Path: "nostr.db"},
		Limits: Limits{
			MaxEventBytes:         128 * 1024,
			RejectFutureSeconds:   30 * 60,
			MessagesPerSec:        0,
			PersistQueue:          4096,
			EnqueueTimeoutSeconds: 5,
			BroadcastBuffer:       4096,
			MaxWSMessageBytes:     256 * 1024,
			SeenCacheSize:         16384,
		},
		Info: Info{Name: "nostrd", Description: "a nostr relay"},
	}
}

// Load reads path over the defaults. An empty path returns defaults with
// environment overrides only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("NOSTRD_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("NOSTRD_ADDRESS"); v != "" {
		cfg.Network.Address = v
	}
	if v := os.Getenv("NOSTRD_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
}
