// Package config loads server configuration from a YAML file with
// command-line overrides applied by the caller.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every recognized server option. Field names mirror the
// option names accepted in the configuration file.
type Config struct {
	Addr        string `yaml:"addr"`
	BindAddr    string `yaml:"bind"`
	Port        int    `yaml:"port"`
	ClusterPort int    `yaml:"cluster-port"`
	NodeID      string `yaml:"node-id"`
	DataDir     string `yaml:"data-dir"`

	ClusterEnabled             bool `yaml:"cluster-enabled"`
	ClusterNodeTimeoutMs       int  `yaml:"cluster-node-timeout"`
	ClusterSlaveValidityFactor int  `yaml:"cluster-slave-validity-factor"`
	ClusterRequireFullCoverage bool `yaml:"cluster-require-full-coverage"`
	SingleNodeCluster          bool `yaml:"cluster-single-node"`
	AllowCrossSlot             bool `yaml:"allow-cross-slot"`

	KVStoreCount int `yaml:"kvstore-count"`
	ChunkCount   int `yaml:"chunk-count"`

	MigrateBatchSizeKB          int `yaml:"cluster-migration-batch-size"`
	MigrateTimeoutSec           int `yaml:"cluster-migration-timeout"`
	MigrateSenderThreadNum      int `yaml:"migrate-sender-threadnum"`
	MigrateReceiveThreadNum     int `yaml:"migrate-receive-threadnum"`
	MigrateRateLimitMB          int `yaml:"migrate-rate-limit-mb"`
	WaitTimeIfExistsMigrateTask int `yaml:"wait-time-if-exists-migrate-task"`

	SlaveReconfEnabled   bool `yaml:"slave-reconf-enabled"`
	WaitTimeAfterMigrate int  `yaml:"wait-time-after-migrate"`
	DeleteFilesInRange   bool `yaml:"delete-files-in-range"`
	CompactRangeAfterGC  bool `yaml:"compact-range-after-gc"`

	MetricsAddr string `yaml:"metrics-addr"`
	LogLevel    string `yaml:"log-level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Addr:                        ":6379",
		BindAddr:                    "127.0.0.1",
		Port:                        6379,
		ClusterPort:                 16379,
		DataDir:                     "./data",
		ClusterNodeTimeoutMs:        15000,
		ClusterSlaveValidityFactor:  10,
		ClusterRequireFullCoverage:  true,
		AllowCrossSlot:              false,
		KVStoreCount:                10,
		ChunkCount:                  16384,
		MigrateBatchSizeKB:          16,
		MigrateTimeoutSec:           600,
		MigrateSenderThreadNum:      4,
		MigrateReceiveThreadNum:     4,
		MigrateRateLimitMB:          32,
		WaitTimeIfExistsMigrateTask: 600,
		SlaveReconfEnabled:          true,
		WaitTimeAfterMigrate:        1,
		DeleteFilesInRange:          true,
		LogLevel:                    "info",
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects option combinations the cluster cannot run with.
func (c *Config) Validate() error {
	if c.KVStoreCount <= 0 {
		return fmt.Errorf("kvstore-count must be positive, got %d", c.KVStoreCount)
	}
	if c.ChunkCount <= 0 || c.ChunkCount > 16384 {
		return fmt.Errorf("chunk-count must be in (0, 16384], got %d", c.ChunkCount)
	}
	if c.ClusterNodeTimeoutMs <= 0 {
		return fmt.Errorf("cluster-node-timeout must be positive, got %d", c.ClusterNodeTimeoutMs)
	}
	if c.MigrateBatchSizeKB <= 0 {
		return fmt.Errorf("cluster-migration-batch-size must be positive, got %d", c.MigrateBatchSizeKB)
	}
	if c.MigrateSenderThreadNum <= 0 || c.MigrateReceiveThreadNum <= 0 {
		return fmt.Errorf("migrate thread counts must be positive")
	}
	return nil
}

// NodeTimeout returns cluster-node-timeout as a duration.
func (c *Config) NodeTimeout() time.Duration {
	return time.Duration(c.ClusterNodeTimeoutMs) * time.Millisecond
}

// MigrateTimeout returns cluster-migration-timeout as a duration.
func (c *Config) MigrateTimeout() time.Duration {
	return time.Duration(c.MigrateTimeoutSec) * time.Second
}
