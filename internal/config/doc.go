/*
Package config provides configuration management for tiercache.

Configuration is assembled from three sources, later sources overriding
earlier ones:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│           (TIERCACHE_*)                     │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File                  │
	│            (YAML format)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	└─────────────────────────────────────────────┘

# Usage

	cfg := config.NewDefault()
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	c := cache.NewMultiLevelCache(cfg.MultiLevelConfig(),
		cache.WithHealthTracker(health.NewTracker(cfg.TrackerConfig())))

# Example File

	global:
	  log_level: INFO
	  log_format: json
	  log_file: /var/log/tiercache/tiercache.log

	cache:
	  l1:
	    max_items: 1000
	    default_ttl: 1h
	  l2:
	    enabled: true
	    path: ~/.cache/tiercache/l2.db
	    default_ttl: 0s
	    timeout: 2s
	    compression:
	      algorithm: auto
	      min_size: 1KB
	      min_savings: 0.1
	  health:
	    error_threshold: 3
	    unavailable_threshold: 10
	    recovery_threshold: 3

	maintenance:
	  enabled: true
	  cleanup_schedule: "@every 5m"
	  health_schedule: "@every 30s"

	monitoring:
	  metrics:
	    enabled: true
	    port: 9090
	    path: /metrics

# Environment Variables

	TIERCACHE_LOG_LEVEL, TIERCACHE_LOG_FORMAT, TIERCACHE_LOG_FILE
	TIERCACHE_L1_MAX_ITEMS, TIERCACHE_L1_DEFAULT_TTL
	TIERCACHE_L2_ENABLED, TIERCACHE_L2_PATH, TIERCACHE_L2_DEFAULT_TTL, TIERCACHE_L2_TIMEOUT
	TIERCACHE_COMPRESSION, TIERCACHE_COMPRESSION_MIN_SIZE
	TIERCACHE_MAINTENANCE_ENABLED, TIERCACHE_CLEANUP_SCHEDULE
	TIERCACHE_METRICS_ENABLED, TIERCACHE_METRICS_PORT

Unlike file values, a malformed number or duration in the environment is an
error from LoadFromEnv.
*/
package config
