package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v2"

	"github.com/auditorhelper/tiercache/internal/cache"
	"github.com/auditorhelper/tiercache/internal/compression"
	"github.com/auditorhelper/tiercache/internal/metrics"
	"github.com/auditorhelper/tiercache/pkg/health"
	"github.com/auditorhelper/tiercache/pkg/utils"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global      GlobalConfig      `yaml:"global"`
	Cache       CacheConfig       `yaml:"cache"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"`
	LogFile   string         `yaml:"log_file"`
	Rotation  RotationConfig `yaml:"rotation"`
}

// RotationConfig represents log file rotation settings
type RotationConfig struct {
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// CacheConfig represents cache configuration
type CacheConfig struct {
	L1     MemoryCacheConfig     `yaml:"l1"`
	L2     PersistentCacheConfig `yaml:"l2"`
	Health HealthConfig          `yaml:"health"`
}

// MemoryCacheConfig represents L1 settings
type MemoryCacheConfig struct {
	MaxItems   int           `yaml:"max_items"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// PersistentCacheConfig represents L2 settings
type PersistentCacheConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Path        string            `yaml:"path"`
	DefaultTTL  time.Duration     `yaml:"default_ttl"`
	Timeout     time.Duration     `yaml:"timeout"`
	BusyTimeout time.Duration     `yaml:"busy_timeout"`
	PageCache   string            `yaml:"page_cache"`
	Compression CompressionConfig `yaml:"compression"`
}

// CompressionConfig represents compression settings
type CompressionConfig struct {
	Algorithm  string  `yaml:"algorithm"`
	MinSize    string  `yaml:"min_size"`
	MinSavings float64 `yaml:"min_savings"`
}

// HealthConfig represents tier health thresholds
type HealthConfig struct {
	ErrorThreshold       int `yaml:"error_threshold"`
	UnavailableThreshold int `yaml:"unavailable_threshold"`
	RecoveryThreshold    int `yaml:"recovery_threshold"`
}

// MaintenanceConfig represents background maintenance schedules
type MaintenanceConfig struct {
	Enabled         bool   `yaml:"enabled"`
	CleanupSchedule string `yaml:"cleanup_schedule"`
	HealthSchedule  string `yaml:"health_schedule"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Port         int               `yaml:"port"`
	Path         string            `yaml:"path"`
	Namespace    string            `yaml:"namespace"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "json",
			LogFile:   "",
			Rotation: RotationConfig{
				MaxSizeMB:  100,
				MaxBackups: 5,
				MaxAgeDays: 7,
				Compress:   true,
			},
		},
		Cache: CacheConfig{
			L1: MemoryCacheConfig{
				MaxItems:   1000,
				DefaultTTL: time.Hour,
			},
			L2: PersistentCacheConfig{
				Enabled:     true,
				Path:        "tiercache.db",
				DefaultTTL:  0,
				Timeout:     2 * time.Second,
				BusyTimeout: 5 * time.Second,
				PageCache:   "10MB",
				Compression: CompressionConfig{
					Algorithm:  "auto",
					MinSize:    "1KB",
					MinSavings: 0.10,
				},
			},
			Health: HealthConfig{
				ErrorThreshold:       3,
				UnavailableThreshold: 10,
				RecoveryThreshold:    3,
			},
		},
		Maintenance: MaintenanceConfig{
			Enabled:         true,
			CleanupSchedule: "@every 5m",
			HealthSchedule:  "@every 30s",
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:   false,
				Port:      9090,
				Path:      "/metrics",
				Namespace: "tiercache",
				CustomLabels: map[string]string{
					"service": "tiercache",
				},
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from TIERCACHE_* environment variables.
// Malformed values are reported rather than ignored.
func (c *Configuration) LoadFromEnv() error {
	var errs []string
	str := func(key string, dst *string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}
	integer := func(key string, dst *int) {
		if val := os.Getenv(key); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if val := os.Getenv(key); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if val := os.Getenv(key); val != "" {
			*dst = strings.ToLower(val) == "true"
		}
	}

	// Global settings
	str("TIERCACHE_LOG_LEVEL", &c.Global.LogLevel)
	str("TIERCACHE_LOG_FORMAT", &c.Global.LogFormat)
	str("TIERCACHE_LOG_FILE", &c.Global.LogFile)

	// Cache settings
	integer("TIERCACHE_L1_MAX_ITEMS", &c.Cache.L1.MaxItems)
	duration("TIERCACHE_L1_DEFAULT_TTL", &c.Cache.L1.DefaultTTL)
	boolean("TIERCACHE_L2_ENABLED", &c.Cache.L2.Enabled)
	str("TIERCACHE_L2_PATH", &c.Cache.L2.Path)
	duration("TIERCACHE_L2_DEFAULT_TTL", &c.Cache.L2.DefaultTTL)
	duration("TIERCACHE_L2_TIMEOUT", &c.Cache.L2.Timeout)
	str("TIERCACHE_COMPRESSION", &c.Cache.L2.Compression.Algorithm)
	str("TIERCACHE_COMPRESSION_MIN_SIZE", &c.Cache.L2.Compression.MinSize)

	// Maintenance and monitoring
	boolean("TIERCACHE_MAINTENANCE_ENABLED", &c.Maintenance.Enabled)
	str("TIERCACHE_CLEANUP_SCHEDULE", &c.Maintenance.CleanupSchedule)
	boolean("TIERCACHE_METRICS_ENABLED", &c.Monitoring.Metrics.Enabled)
	integer("TIERCACHE_METRICS_PORT", &c.Monitoring.Metrics.Port)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %s (must be one of: DEBUG, INFO, WARN, ERROR)", c.Global.LogLevel)
	}
	switch strings.ToLower(c.Global.LogFormat) {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid log_format: %s (must be json or console)", c.Global.LogFormat)
	}

	if c.Cache.L1.MaxItems <= 0 {
		return fmt.Errorf("l1 max_items must be greater than 0")
	}
	if c.Cache.L1.DefaultTTL < 0 || c.Cache.L2.DefaultTTL < 0 {
		return fmt.Errorf("default_ttl cannot be negative")
	}

	if c.Cache.L2.Enabled {
		if c.Cache.L2.Path == "" {
			return fmt.Errorf("l2 path is required when l2 is enabled")
		}
		if c.Cache.L2.Timeout < 0 {
			return fmt.Errorf("l2 timeout cannot be negative")
		}
		if _, err := compression.Select(c.Cache.L2.Compression.Algorithm); err != nil {
			return fmt.Errorf("invalid compression algorithm: %w", err)
		}
		if _, err := utils.ParseBytes(c.Cache.L2.Compression.MinSize); err != nil {
			return fmt.Errorf("invalid compression min_size: %w", err)
		}
		if s := c.Cache.L2.Compression.MinSavings; s < 0 || s >= 1 {
			return fmt.Errorf("compression min_savings must be in [0, 1)")
		}
		if c.Cache.L2.PageCache != "" {
			if _, err := utils.ParseBytes(c.Cache.L2.PageCache); err != nil {
				return fmt.Errorf("invalid l2 page_cache: %w", err)
			}
		}
	}

	h := c.Cache.Health
	if h.ErrorThreshold <= 0 || h.RecoveryThreshold <= 0 {
		return fmt.Errorf("health thresholds must be greater than 0")
	}
	if h.UnavailableThreshold < h.ErrorThreshold {
		return fmt.Errorf("unavailable_threshold must be at least error_threshold")
	}

	if c.Maintenance.Enabled {
		for name, schedule := range map[string]string{
			"cleanup_schedule": c.Maintenance.CleanupSchedule,
			"health_schedule":  c.Maintenance.HealthSchedule,
		} {
			if schedule == "" {
				continue
			}
			if _, err := cron.ParseStandard(schedule); err != nil {
				return fmt.Errorf("invalid %s %q: %w", name, schedule, err)
			}
		}
	}

	if m := c.Monitoring.Metrics; m.Enabled {
		if m.Port <= 0 || m.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", m.Port)
		}
		if !strings.HasPrefix(m.Path, "/") {
			return fmt.Errorf("metrics path must start with /")
		}
	}

	return nil
}

// MultiLevelConfig converts the cache section to the orchestrator configuration.
// Call Validate first; unparsable sizes fall back to the tier defaults.
func (c *Configuration) MultiLevelConfig() *cache.MultiLevelConfig {
	l2 := c.Cache.L2
	minSize, _ := utils.ParseBytes(l2.Compression.MinSize)
	var pageCacheKB int
	if l2.PageCache != "" {
		if n, err := utils.ParseBytes(l2.PageCache); err == nil {
			pageCacheKB = int(n / 1024)
		}
	}

	return &cache.MultiLevelConfig{
		L1: &cache.MemoryConfig{
			MaxItems:   c.Cache.L1.MaxItems,
			DefaultTTL: c.Cache.L1.DefaultTTL,
		},
		L2: &cache.L2Config{
			Enabled: l2.Enabled,
			Timeout: l2.Timeout,
			PersistentConfig: cache.PersistentConfig{
				Path:            utils.ExpandPath(l2.Path),
				DefaultTTL:      l2.DefaultTTL,
				Compression:     l2.Compression.Algorithm,
				MinCompressSize: int(minSize),
				MinSavings:      l2.Compression.MinSavings,
				CacheSizeKB:     pageCacheKB,
				BusyTimeout:     l2.BusyTimeout,
			},
		},
	}
}

// TrackerConfig converts the health section to tracker thresholds
func (c *Configuration) TrackerConfig() health.TrackerConfig {
	return health.TrackerConfig{
		ErrorThreshold:       c.Cache.Health.ErrorThreshold,
		UnavailableThreshold: c.Cache.Health.UnavailableThreshold,
		RecoveryThreshold:    c.Cache.Health.RecoveryThreshold,
	}
}

// MetricsConfig converts the monitoring section to exporter settings
func (c *Configuration) MetricsConfig() *metrics.Config {
	m := c.Monitoring.Metrics
	return &metrics.Config{
		Enabled:   m.Enabled,
		Port:      m.Port,
		Path:      m.Path,
		Namespace: m.Namespace,
		Labels:    m.CustomLabels,
	}
}

// LogConfig converts the global section to logger settings
func (c *Configuration) LogConfig() utils.LogConfig {
	return utils.LogConfig{
		Level:      c.Global.LogLevel,
		Format:     c.Global.LogFormat,
		File:       c.Global.LogFile,
		MaxSizeMB:  c.Global.Rotation.MaxSizeMB,
		MaxBackups: c.Global.Rotation.MaxBackups,
		MaxAgeDays: c.Global.Rotation.MaxAgeDays,
		Compress:   c.Global.Rotation.Compress,
	}
}
