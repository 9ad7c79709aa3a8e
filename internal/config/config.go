// Package config loads shardkv's process configuration from environment
// variables (optionally backed by a .env file): struct tags parsed by
// caarlos0/env, an optional godotenv.Load, and a Validate step before
// anything starts listening.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every knob shardkv reads at startup.
//
// Tags:
//
//	env: environment variable name
//	envDefault: default value if the variable is unset
type Config struct {
	Addr string `env:"SHARDKV_ADDR" envDefault:"127.0.0.1:7777"`

	// NumShards is the number of independent shard actors the keyspace is
	// partitioned across. 0 means "derive from host CPU count" — resolved
	// in ResolveShardCount, not here, since it depends on cgroup limits
	// that aren't a simple env default.
	NumShards int `env:"SHARDKV_NUM_SHARDS" envDefault:"0"`

	MailboxSize      int           `env:"SHARDKV_MAILBOX_SIZE" envDefault:"4096"`
	MaxConnections   int           `env:"SHARDKV_MAX_CONNECTIONS" envDefault:"10000"`
	ReadBufferBytes  int           `env:"SHARDKV_READ_BUFFER_BYTES" envDefault:"4096"`
	OutboundCapacity int           `env:"SHARDKV_OUTBOUND_CAPACITY" envDefault:"256"`
	IdleTimeout      time.Duration `env:"SHARDKV_IDLE_TIMEOUT" envDefault:"0"`

	RateLimitPerSec float64 `env:"SHARDKV_RATE_LIMIT_PER_SEC" envDefault:"5000"`
	RateLimitBurst  int     `env:"SHARDKV_RATE_LIMIT_BURST" envDefault:"500"`

	MetricsAddr     string        `env:"SHARDKV_METRICS_ADDR" envDefault:":9777"`
	MetricsInterval time.Duration `env:"SHARDKV_METRICS_INTERVAL" envDefault:"15s"`

	LogLevel  string `env:"SHARDKV_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"SHARDKV_LOG_FORMAT" envDefault:"json"`

	ShutdownTimeout time.Duration `env:"SHARDKV_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads .env (if present) then the environment into a Config, and
// validates it. logger may be nil during the bootstrap phase, before a
// structured logger exists.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations that would misbehave rather than fail
// loudly at startup.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("SHARDKV_ADDR is required")
	}
	if c.NumShards < 0 {
		return fmt.Errorf("SHARDKV_NUM_SHARDS must be >= 0, got %d", c.NumShards)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("SHARDKV_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MailboxSize < 1 {
		return fmt.Errorf("SHARDKV_MAILBOX_SIZE must be > 0, got %d", c.MailboxSize)
	}
	if c.RateLimitPerSec <= 0 {
		return fmt.Errorf("SHARDKV_RATE_LIMIT_PER_SEC must be > 0, got %.2f", c.RateLimitPerSec)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("SHARDKV_LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("SHARDKV_LOG_FORMAT must be one of json, pretty (got %q)", c.LogFormat)
	}
	return nil
}

// ResolveShardCount returns NumShards if set, otherwise a
// cgroup-quota-aware default: derive from available CPU rather than
// blindly trusting runtime.NumCPU() in a container with a fractional
// CPU quota.
func (c *Config) ResolveShardCount() int {
	if c.NumShards > 0 {
		return c.NumShards
	}
	if quota := cgroupCPUQuota(); quota > 0 {
		n := int(quota + 0.5)
		if n < 1 {
			n = 1
		}
		return n
	}
	return runtime.NumCPU()
}

// cgroupCPUQuota reads the container's CPU quota from cgroup v2 (falling
// back to v1), returning 0 if neither is present.
func cgroupCPUQuota() float64 {
	if data, err := os.ReadFile("/sys/fs/cgroup/cpu.max"); err == nil {
		var quotaUs, periodUs int64
		if n, _ := fmt.Sscanf(string(data), "%d %d", &quotaUs, &periodUs); n == 2 && periodUs > 0 && quotaUs > 0 {
			return float64(quotaUs) / float64(periodUs)
		}
	}
	if quotaData, err := os.ReadFile("/sys/fs/cgroup/cpu/cpu.cfs_quota_us"); err == nil {
		if periodData, err := os.ReadFile("/sys/fs/cgroup/cpu/cpu.cfs_period_us"); err == nil {
			var quotaUs, periodUs int64
			fmt.Sscanf(string(quotaData), "%d", &quotaUs)
			fmt.Sscanf(string(periodData), "%d", &periodUs)
			if quotaUs > 0 && periodUs > 0 {
				return float64(quotaUs) / float64(periodUs)
			}
		}
	}
	return 0
}

// Print writes a human-readable dump of the configuration to stdout, for
// startup logs before the structured logger is wired up.
func (c *Config) Print() {
	fmt.Println("=== shardkv configuration ===")
	fmt.Printf("Addr:              %s\n", c.Addr)
	fmt.Printf("Shards:            %d (0 = auto)\n", c.NumShards)
	fmt.Printf("Mailbox size:      %d\n", c.MailboxSize)
	fmt.Printf("Max connections:   %d\n", c.MaxConnections)
	fmt.Printf("Rate limit:        %.1f/sec (burst %d)\n", c.RateLimitPerSec, c.RateLimitBurst)
	fmt.Printf("Metrics addr:      %s\n", c.MetricsAddr)
	fmt.Printf("Log level/format:  %s/%s\n", c.LogLevel, c.LogFormat)
	fmt.Println("==============================")
}

// LogFields logs the configuration through a structured logger once one
// exists.
func (c *Config) LogFields(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Int("num_shards_configured", c.NumShards).
		Int("max_connections", c.MaxConnections).
		Float64("rate_limit_per_sec", c.RateLimitPerSec).
		Str("metrics_addr", c.MetricsAddr).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
