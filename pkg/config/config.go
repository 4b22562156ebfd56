// Package config loads the cluster's YAML configuration file into a typed
// Config. Flag/env overlay and file-watching are external-collaborator
// concerns left to cmd/dfs; this package only parses and defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every recognised cluster option.
type Config struct {
	BlockSize              int64         `yaml:"block_size"`
	ReplicationFactor      int           `yaml:"replication_factor"`
	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval"`
	HeartbeatMissThreshold int           `yaml:"heartbeat_miss_threshold"`
	ElectionTimeoutMin     time.Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax     time.Duration `yaml:"election_timeout_max"`
	LeaderHeartbeatInterval time.Duration `yaml:"leader_heartbeat_interval"`
	RPCMaxMessageBytes     int64         `yaml:"rpc_max_message_bytes"`
	WorkerPoolSize         int           `yaml:"worker_pool_size"`
	StorageRoot            string        `yaml:"storage_root"`
	MetadataDBPath         string        `yaml:"metadata_db_path"`
	PeerEndpoint           string        `yaml:"peer_endpoint"`
}

// Default returns the spec-mandated defaults.
func Default() *Config {
	return &Config{
		BlockSize:               4 * 1024,
		ReplicationFactor:       2,
		HeartbeatInterval:       5 * time.Second,
		HeartbeatMissThreshold:  3,
		ElectionTimeoutMin:      150 * time.Millisecond,
		ElectionTimeoutMax:      300 * time.Millisecond,
		LeaderHeartbeatInterval: 50 * time.Millisecond,
		RPCMaxMessageBytes:      8 * 1024 * 1024,
		WorkerPoolSize:          8,
		StorageRoot:             "./data/blocks",
		MetadataDBPath:          "metadata.db",
		PeerEndpoint:            "",
	}
}

// Load reads a YAML file at path and overlays it on top of Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
