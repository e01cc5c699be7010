package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/tarbsd/builder/pkg/snapshot"
)

// Config holds the builder settings that are not part of a project.
type Config struct {
	// Cache and state locations
	CacheDir  string `mapstructure:"cache-dir"`
	StateDB   string `mapstructure:"state-db"`
	FSMDBPath string `mapstructure:"fsm-db-path"`

	// Snapshot backend
	SnapshotBackend string `mapstructure:"snapshot-backend"`
	ThinPool        string `mapstructure:"thin-pool"`
	VolumeSize      int    `mapstructure:"volume-size"`

	// Security limits for archive extraction
	MaxFileSize         int64   `mapstructure:"max-file-size"`
	MaxTotalSize        int64   `mapstructure:"max-total-size"`
	MaxCompressionRatio float64 `mapstructure:"max-compression-ratio"`

	// Compression cache
	CompressTTL         time.Duration `mapstructure:"compress-ttl"`
	CompressPruneChance int           `mapstructure:"compress-prune-chance"`

	// Optional S3 mirror of the compression cache
	MirrorBucket   string `mapstructure:"mirror-bucket"`
	MirrorRegion   string `mapstructure:"mirror-region"`
	MirrorEndpoint string `mapstructure:"mirror-endpoint"`
	MirrorPrefix   string `mapstructure:"mirror-prefix"`

	HistoryKeep int           `mapstructure:"history-keep"`
	HTTPTimeout time.Duration `mapstructure:"http-timeout"`
}

// SetDefaults registers the default of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("cache-dir", "/var/cache/tarbsd")
	v.SetDefault("state-db", "/var/db/tarbsd/state.db")
	v.SetDefault("fsm-db-path", "/var/db/tarbsd/fsm")
	v.SetDefault("snapshot-backend", snapshot.BackendZFS)
	v.SetDefault("thin-pool", "tarbsd-pool")
	v.SetDefault("volume-size", 10)
	v.SetDefault("max-file-size", 4*1024*1024*1024)
	v.SetDefault("max-total-size", 32*1024*1024*1024)
	v.SetDefault("max-compression-ratio", 1000.0)
	v.SetDefault("compress-ttl", 90*24*time.Hour)
	v.SetDefault("compress-prune-chance", 50)
	v.SetDefault("mirror-bucket", "")
	v.SetDefault("mirror-region", "us-east-1")
	v.SetDefault("mirror-endpoint", "")
	v.SetDefault("mirror-prefix", "tarbsd-cache")
	v.SetDefault("history-keep", 10)
	v.SetDefault("http-timeout", 30*time.Second)
}

// Load reads configuration from defaults, the optional builder.yaml and
// TARBSD_ environment variables, in increasing precedence. Flags bound to
// v take precedence over all of them.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	// Environment variables (TARBSD_CACHE_DIR, etc.)
	v.SetEnvPrefix("TARBSD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("builder")
	v.SetConfigType("yaml")
	v.AddConfigPath("/usr/local/etc/tarbsd")
	v.AddConfigPath("$HOME/.config/tarbsd")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.CacheDir == "" {
		return fmt.Errorf("cache-dir cannot be empty")
	}
	if c.StateDB == "" {
		return fmt.Errorf("state-db cannot be empty")
	}
	switch c.SnapshotBackend {
	case snapshot.BackendZFS, snapshot.BackendDir:
	case snapshot.BackendThin:
		if c.ThinPool == "" {
			return fmt.Errorf("thin-pool cannot be empty with the thin backend")
		}
	default:
		return fmt.Errorf("snapshot-backend must be one of %s, %s or %s, got %q",
			snapshot.BackendZFS, snapshot.BackendThin, snapshot.BackendDir, c.SnapshotBackend)
	}
	if c.VolumeSize <= 0 {
		return fmt.Errorf("volume-size must be positive")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive")
	}
	if c.MaxTotalSize <= 0 {
		return fmt.Errorf("max-total-size must be positive")
	}
	if c.MaxCompressionRatio <= 0 {
		return fmt.Errorf("max-compression-ratio must be positive")
	}
	if c.CompressTTL <= 0 {
		return fmt.Errorf("compress-ttl must be positive")
	}
	if c.CompressPruneChance < 0 {
		return fmt.Errorf("compress-prune-chance must be non-negative")
	}
	if c.HistoryKeep < 0 {
		return fmt.Errorf("history-keep must be non-negative")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http-timeout must be positive")
	}
	return nil
}

// MirrorEnabled reports whether compressed artifacts are mirrored to S3.
func (c *Config) MirrorEnabled() bool {
	return c.MirrorBucket != ""
}
