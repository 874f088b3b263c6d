// Package config collects the daemon's top-level configuration record.
// Every field has a default; a YAML file overrides only what it names.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BackendType selects the state-backend implementation.
type BackendType string

const (
	BackendMemory BackendType = "memory"
	BackendBolt   BackendType = "bolt"
	BackendRedis  BackendType = "redis"
)

// Config is the single top-level configuration record.
type Config struct {
	DaemonID string `yaml:"daemon_id"`
	Cluster  string `yaml:"cluster"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	Backend struct {
		Type    BackendType `yaml:"type"`
		DataDir string      `yaml:"data_dir"` // bolt
		Addr    string      `yaml:"addr"`     // redis host:port
	} `yaml:"backend"`

	Network struct {
		Bind      string `yaml:"bind"`
		Advertise string `yaml:"advertise"`
	} `yaml:"network"`

	Watch struct {
		Paths             []string      `yaml:"paths"`
		Includes          []string      `yaml:"includes"`
		Excludes          []string      `yaml:"excludes"`
		Debounce          time.Duration `yaml:"debounce"`
		PreemptivePrepare bool          `yaml:"preemptive_prepare"`
	} `yaml:"watch"`

	AutoBuild struct {
		Enabled             bool          `yaml:"enabled"`
		Delay               time.Duration `yaml:"delay"`
		MaxConcurrentBuilds int           `yaml:"max_concurrent_builds"`
		RedundancyFactor    int           `yaml:"redundancy_factor"`
	} `yaml:"auto_build"`

	WorkerPool struct {
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		MissedThreshold   int           `yaml:"missed_threshold"`
		HardEject         time.Duration `yaml:"hard_eject"`
	} `yaml:"worker_pool"`

	Sessions struct {
		Timeout         time.Duration `yaml:"timeout"`
		CleanupInterval time.Duration `yaml:"cleanup_interval"`
		MaxPerActor     int           `yaml:"max_per_actor"`
	} `yaml:"sessions"`

	Ledger struct {
		MirrorPath string        `yaml:"mirror_path"`
		Retention  time.Duration `yaml:"retention"`
		Streaming  bool          `yaml:"streaming"`
	} `yaml:"ledger"`

	Build struct {
		MaxRetries    int           `yaml:"max_retries"`
		RetryDelay    time.Duration `yaml:"retry_delay"`
		VerifyEnabled bool          `yaml:"verify_enabled"`
	} `yaml:"build"`

	Tracker struct {
		BroadcastInterval time.Duration `yaml:"broadcast_interval"`
	} `yaml:"tracker"`
}

// DefaultConfig returns the configuration defaults described throughout
// the component packages.
func DefaultConfig() *Config {
	cfg := &Config{
		DaemonID: "buildnet-master",
		Cluster:  "default",
	}
	cfg.Log.Level = "info"
	cfg.Backend.Type = BackendMemory
	cfg.Backend.DataDir = "./data"
	cfg.Network.Bind = "127.0.0.1:7077"
	cfg.Watch.Debounce = 300 * time.Millisecond
	cfg.AutoBuild.Enabled = true
	cfg.AutoBuild.Delay = 2 * time.Second
	cfg.AutoBuild.MaxConcurrentBuilds = 3
	cfg.WorkerPool.HeartbeatInterval = 5 * time.Second
	cfg.WorkerPool.MissedThreshold = 3
	cfg.WorkerPool.HardEject = 5 * time.Minute
	cfg.Sessions.Timeout = time.Hour
	cfg.Sessions.CleanupInterval = time.Minute
	cfg.Sessions.MaxPerActor = 10
	cfg.Ledger.Streaming = true
	cfg.Build.MaxRetries = 3
	cfg.Build.RetryDelay = 500 * time.Millisecond
	cfg.Build.VerifyEnabled = true
	cfg.Tracker.BroadcastInterval = 100 * time.Millisecond
	return cfg
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.backfill()
	return cfg, nil
}

// backfill restores defaults for fields a config file zeroed out.
func (c *Config) backfill() {
	def := DefaultConfig()
	if c.DaemonID == "" {
		c.DaemonID = def.DaemonID
	}
	if c.Cluster == "" {
		c.Cluster = def.Cluster
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Backend.Type == "" {
		c.Backend.Type = def.Backend.Type
	}
	if c.Backend.DataDir == "" {
		c.Backend.DataDir = def.Backend.DataDir
	}
	if c.Network.Bind == "" {
		c.Network.Bind = def.Network.Bind
	}
	if c.Watch.Debounce <= 0 {
		c.Watch.Debounce = def.Watch.Debounce
	}
	if c.AutoBuild.Delay <= 0 {
		c.AutoBuild.Delay = def.AutoBuild.Delay
	}
	if c.AutoBuild.MaxConcurrentBuilds <= 0 {
		c.AutoBuild.MaxConcurrentBuilds = def.AutoBuild.MaxConcurrentBuilds
	}
	if c.WorkerPool.HeartbeatInterval <= 0 {
		c.WorkerPool.HeartbeatInterval = def.WorkerPool.HeartbeatInterval
	}
	if c.WorkerPool.MissedThreshold <= 0 {
		c.WorkerPool.MissedThreshold = def.WorkerPool.MissedThreshold
	}
	if c.WorkerPool.HardEject <= 0 {
		c.WorkerPool.HardEject = def.WorkerPool.HardEject
	}
	if c.Sessions.Timeout <= 0 {
		c.Sessions.Timeout = def.Sessions.Timeout
	}
	if c.Sessions.CleanupInterval <= 0 {
		c.Sessions.CleanupInterval = def.Sessions.CleanupInterval
	}
	if c.Sessions.MaxPerActor <= 0 {
		c.Sessions.MaxPerActor = def.Sessions.MaxPerActor
	}
	if c.Build.MaxRetries <= 0 {
		c.Build.MaxRetries = def.Build.MaxRetries
	}
	if c.Build.RetryDelay <= 0 {
		c.Build.RetryDelay = def.Build.RetryDelay
	}
	if c.Tracker.BroadcastInterval <= 0 {
		c.Tracker.BroadcastInterval = def.Tracker.BroadcastInterval
	}
}
