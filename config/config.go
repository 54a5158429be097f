// Package config loads datablock hub and channel settings from YAML.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"gopkg.in/yaml.v3"

	"gosuda.org/datablock"
)

// HubConfig holds process-wide channel settings.
type HubConfig struct {
	Dir               string `yaml:"dir"`
	LockTimeout       string `yaml:"lock_timeout"`
	AttachTimeout     string `yaml:"attach_timeout"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// TracingConfig enables spans on the global OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// ChannelConfig is a named channel preset.
type ChannelConfig struct {
	Policy           string `yaml:"policy"`
	SharedSecret     uint64 `yaml:"shared_secret"`
	UnitBlockSize    string `yaml:"unit_block_size"`
	FlexibleZoneSize uint64 `yaml:"flexible_zone_size"`
	Capacity         uint64 `yaml:"capacity"`
	MaxConsumers     uint32 `yaml:"max_consumers"`
	AuditCapacity    uint64 `yaml:"audit_capacity"`
}

// Config is the top-level configuration file.
type Config struct {
	Hub      HubConfig                `yaml:"hub"`
	Logging  LoggingConfig            `yaml:"logging"`
	Tracing  TracingConfig            `yaml:"tracing"`
	Channels map[string]ChannelConfig `yaml:"channels"`
}

// ParseDuration parses durationStr, falling back to defaultDuration when it
// is empty or invalid.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads YAML from r over the defaults. A nil or empty reader yields
// the defaults.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		Hub: HubConfig{
			Dir:               "",
			LockTimeout:       datablock.DefaultLockTimeout.String(),
			AttachTimeout:     datablock.DefaultAttachTimeout.String(),
			HeartbeatInterval: datablock.DefaultHeartbeatInterval.String(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stderr",
			File:   "datablock.log",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "datablock",
		},
		Channels: map[string]ChannelConfig{},
	}

	if r == nil {
		return cfg, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	for name, ch := range cfg.Channels {
		if _, _, err := ch.DataBlock(); err != nil {
			return nil, fmt.Errorf("channel %q: %w", name, err)
		}
	}
	return cfg, nil
}

// LoadConfig loads path, returning the defaults if the file does not exist.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// DataBlock converts the preset into a policy and channel configuration.
func (c ChannelConfig) DataBlock() (datablock.DataBlockPolicy, datablock.DataBlockConfig, error) {
	policy := datablock.PolicyRingBuffer
	if c.Policy != "" {
		p, err := datablock.ParsePolicy(c.Policy)
		if err != nil {
			return 0, datablock.DataBlockConfig{}, err
		}
		policy = p
	}
	unit := datablock.UnitBlock4K
	if c.UnitBlockSize != "" {
		u, err := datablock.ParseUnitBlockSize(c.UnitBlockSize)
		if err != nil {
			return 0, datablock.DataBlockConfig{}, err
		}
		unit = u
	}
	return policy, datablock.DataBlockConfig{
		SharedSecret:       c.SharedSecret,
		UnitBlockSize:      unit,
		FlexibleZoneSize:   c.FlexibleZoneSize,
		RingBufferCapacity: c.Capacity,
		MaxConsumers:       c.MaxConsumers,
		AuditCapacity:      c.AuditCapacity,
	}, nil
}

// ChannelNames returns the configured channel names in sorted order.
func (c *Config) ChannelNames() []string {
	names := make([]string, 0, len(c.Channels))
	for name := range c.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HubOptions translates the hub section into datablock options.
func (c *Config) HubOptions(logger *slog.Logger) []datablock.Option {
	opts := []datablock.Option{
		datablock.WithLockTimeout(ParseDuration(c.Hub.LockTimeout, datablock.DefaultLockTimeout, logger)),
		datablock.WithAttachTimeout(ParseDuration(c.Hub.AttachTimeout, datablock.DefaultAttachTimeout, logger)),
		datablock.WithHeartbeatInterval(ParseDuration(c.Hub.HeartbeatInterval, datablock.DefaultHeartbeatInterval, logger)),
	}
	if c.Hub.Dir != "" {
		opts = append(opts, datablock.WithDir(c.Hub.Dir))
	}
	if logger != nil {
		opts = append(opts, datablock.WithLogger(logger))
	}
	if c.Tracing.Enabled {
		opts = append(opts, datablock.WithTracer(otel.Tracer(c.Tracing.ServiceName)))
	}
	return opts
}

// NewHub builds a hub from the configuration.
func (c *Config) NewHub(logger *slog.Logger) *datablock.Hub {
	return datablock.NewHub(c.HubOptions(logger)...)
}
