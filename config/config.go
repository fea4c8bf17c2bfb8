package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type Config struct {
	// Node configuration
	NodeID   string `json:"node_id"`
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`

	// Network configuration
	Network NetworkConfig `json:"network"`

	// Gossip configuration
	Gossip GossipConfig `json:"gossip"`

	// Reputation configuration
	Reputation ReputationConfig `json:"reputation"`

	// Cache configuration
	Cache CacheConfig `json:"cache"`

	// API configuration
	API APIConfig `json:"api"`
}

type NetworkConfig struct {
	ListenPort     int      `json:"listen_port"`
	BootstrapPeers []string `json:"bootstrap_peers"`
	MaxPeers       int      `json:"max_peers"`
}

type GossipConfig struct {
	// NetworkKey is the pre-shared symmetric key protecting every gossip
	// envelope. All nodes of one community must share it.
	NetworkKey   string `json:"network_key"`
	InboundQueue int    `json:"inbound_queue"`
	Workers      int    `json:"workers"`
}

type ReputationConfig struct {
	DecayRate     float64       `json:"decay_rate"`
	DecayInterval time.Duration `json:"decay_interval"`
}

type CacheConfig struct {
	MaxEntries    int           `json:"max_entries"`
	MaxAge        time.Duration `json:"max_age"`
	EvictInterval time.Duration `json:"evict_interval"`
}

type APIConfig struct {
	RESTAddr   string `json:"rest_addr"`
	EnableCORS bool   `json:"enable_cors"`
}

// Load returns the default configuration.
func Load() (*Config, error) {
	return &Config{
		NodeID:   "frauddetex-intel-node",
		DataDir:  "./data",
		LogLevel: "info",
		Network: NetworkConfig{
			ListenPort:     9000,
			BootstrapPeers: []string{},
			MaxPeers:       50,
		},
		Gossip: GossipConfig{
			NetworkKey:   "frauddetex-community-default-key",
			InboundQueue: 1000,
			Workers:      4,
		},
		Reputation: ReputationConfig{
			DecayRate:     0.1,
			DecayInterval: time.Hour,
		},
		Cache: CacheConfig{
			MaxEntries:    1000,
			MaxAge:        time.Hour,
			EvictInterval: 30 * time.Minute,
		},
		API: APIConfig{
			RESTAddr:   ":8080",
			EnableCORS: true,
		},
	}, nil
}

// LoadFile loads defaults and overlays values from a JSON config file.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}
