package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Duration accepts human-readable YAML values like "30s" or "10m", or a bare
// integer meaning seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs int64
	if err := unmarshal(&secs); err != nil {
		return err
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// Std converts to the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration for the coordination bridge.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	EventStore EventStoreConfig `yaml:"event_store"`
	Elicit     ElicitConfig     `yaml:"elicitation"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Session    SessionConfig    `yaml:"session"`
	Expert     ExpertConfig     `yaml:"expert"`
	Flags      FlagsConfig      `yaml:"flags"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Env  string `yaml:"env"`
}

type EventStoreConfig struct {
	Dir             string `yaml:"dir"`
	Secret          string `yaml:"secret"`
	NodeID          string `yaml:"node_id"`
	SyncPolicy      string `yaml:"sync_policy"` // fsync | fdatasync | batch
	SegmentMaxBytes int64  `yaml:"segment_max_bytes"`
	MaxDiskBytes    int64  `yaml:"max_disk_bytes"`
	MaxFileHandles  int    `yaml:"max_file_handles"`

	// Allowed base paths for path validation.
	ProjectRoot string `yaml:"project_root"`
	FuseRoot    string `yaml:"fuse_root"`
	DataDir     string `yaml:"data_dir"`
}

type ElicitConfig struct {
	DefaultTimeout   Duration `yaml:"default_timeout"`
	ExpirySweep      Duration `yaml:"expiry_sweep"`
	SnapshotSweep    Duration `yaml:"snapshot_sweep"`
	MetricsSweep     Duration `yaml:"metrics_sweep"`
	SnapshotEvery    int      `yaml:"snapshot_every"`
	NotifyQueueDepth int      `yaml:"notify_queue_depth"`
	VerifyOnRead     bool     `yaml:"verify_on_read"`
}

type RateLimitConfig struct {
	RequestsPerMinute  int    `yaml:"requests_per_minute"`
	ResponsesPerMinute int    `yaml:"responses_per_minute"`
	Burst              int    `yaml:"burst"`
	Protection         string `yaml:"protection"` // none | basic | enhanced | maximum
	BlockCooldownSecs  int    `yaml:"block_cooldown_secs"`
}

type SessionConfig struct {
	TimeoutSecs     int `yaml:"timeout_secs"`
	MaxPerAgent     int `yaml:"max_per_agent"`
	MaxLifetimeSecs int `yaml:"max_lifetime_secs"`
}

type ExpertConfig struct {
	HeartbeatStale  Duration `yaml:"heartbeat_stale"`
	SessionIdleMax  Duration `yaml:"session_idle_max"`
	StatsRefresh    Duration `yaml:"stats_refresh"`
	RegisterPerMin  int      `yaml:"register_per_min"`
	DelegateTimeout Duration `yaml:"delegate_timeout"`
}

type FlagsConfig struct {
	Path string `yaml:"path"`
}

// Load reads the YAML config file, fills defaults, and applies
// LIGHTHOUSE_* environment overrides. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8765
	}
	if c.EventStore.Dir == "" {
		c.EventStore.Dir = "./data/events"
	}
	if c.EventStore.SyncPolicy == "" {
		c.EventStore.SyncPolicy = "fsync"
	}
	if c.EventStore.SegmentMaxBytes == 0 {
		c.EventStore.SegmentMaxBytes = 100 << 20 // roll segments at 100 MiB
	}
	if c.EventStore.MaxDiskBytes == 0 {
		c.EventStore.MaxDiskBytes = 50 << 30
	}
	if c.EventStore.MaxFileHandles == 0 {
		c.EventStore.MaxFileHandles = 1000
	}
	if c.Elicit.DefaultTimeout == 0 {
		c.Elicit.DefaultTimeout = Duration(30 * time.Second)
	}
	if c.Elicit.ExpirySweep == 0 {
		c.Elicit.ExpirySweep = Duration(10 * time.Second)
	}
	if c.Elicit.SnapshotSweep == 0 {
		c.Elicit.SnapshotSweep = Duration(60 * time.Second)
	}
	if c.Elicit.MetricsSweep == 0 {
		c.Elicit.MetricsSweep = Duration(30 * time.Second)
	}
	if c.Elicit.SnapshotEvery == 0 {
		c.Elicit.SnapshotEvery = 1000
	}
	if c.Elicit.NotifyQueueDepth == 0 {
		c.Elicit.NotifyQueueDepth = 100
	}
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 10
	}
	if c.RateLimit.ResponsesPerMinute == 0 {
		c.RateLimit.ResponsesPerMinute = 20
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 3
	}
	if c.RateLimit.Protection == "" {
		c.RateLimit.Protection = "basic"
	}
	if c.RateLimit.BlockCooldownSecs == 0 {
		c.RateLimit.BlockCooldownSecs = 300
	}
	if c.Session.TimeoutSecs == 0 {
		c.Session.TimeoutSecs = 3600
	}
	if c.Session.MaxPerAgent == 0 {
		c.Session.MaxPerAgent = 3
	}
	if c.Session.MaxLifetimeSecs == 0 {
		c.Session.MaxLifetimeSecs = 8 * 3600
	}
	if c.Expert.HeartbeatStale == 0 {
		c.Expert.HeartbeatStale = Duration(10 * time.Minute)
	}
	if c.Expert.SessionIdleMax == 0 {
		c.Expert.SessionIdleMax = Duration(24 * time.Hour)
	}
	if c.Expert.StatsRefresh == 0 {
		c.Expert.StatsRefresh = Duration(30 * time.Second)
	}
	if c.Expert.RegisterPerMin == 0 {
		c.Expert.RegisterPerMin = 60
	}
	if c.Expert.DelegateTimeout == 0 {
		c.Expert.DelegateTimeout = Duration(5 * time.Minute)
	}
	if c.Flags.Path == "" {
		c.Flags.Path = "./data/feature_flags.json"
	}
}

// applyEnv maps the LIGHTHOUSE_* environment contract onto the config.
func (c *Config) applyEnv() {
	if v := os.Getenv("LIGHTHOUSE_EVENT_STORE_DIR"); v != "" {
		c.EventStore.Dir = v
	}
	if v := os.Getenv("LIGHTHOUSE_EVENT_SECRET"); v != "" {
		c.EventStore.Secret = v
	}
	if v := os.Getenv("LIGHTHOUSE_PROJECT_ROOT"); v != "" {
		c.EventStore.ProjectRoot = v
	}
	if v := os.Getenv("LIGHTHOUSE_FUSE_ROOT"); v != "" {
		c.EventStore.FuseRoot = v
	}
	if v := os.Getenv("LIGHTHOUSE_DATA_DIR"); v != "" {
		c.EventStore.DataDir = v
	}
	if v := os.Getenv("LIGHTHOUSE_DOS_PROTECTION"); v != "" {
		c.RateLimit.Protection = v
	}
	if v := os.Getenv("LIGHTHOUSE_DEV_SECRET"); v != "" && c.EventStore.Secret == "" {
		c.EventStore.Secret = v
	}
	if v := os.Getenv("LIGHTHOUSE_API_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("LIGHTHOUSE_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
}
