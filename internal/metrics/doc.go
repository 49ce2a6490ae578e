/*
Package metrics exports cache statistics to Prometheus.

The Collector is a prometheus.Collector that reads tier snapshots from a
types.StatsSource at scrape time, so the cache itself never touches Prometheus
types on its read and write paths.

	┌──────────────────┐  TierStats()  ┌─────────────┐
	│ MultiLevelCache  │ ◄──────────── │  Collector  │
	└──────────────────┘               └──────┬──────┘
	                                          │
	                              ┌───────────┴───────────┐
	                              │     HTTP endpoints    │
	                              │ /metrics /health      │
	                              │ /stats                │
	                              └───────────────────────┘

# Usage

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "tiercache",
	}, multiCache)
	if err != nil {
		return err
	}
	collector.WithHealthTracker(multiCache.HealthTracker()).WithLogger(logger)

	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(ctx)

# Exported Series

All per-tier series carry a "tier" label (l1, l2, multi):

	tiercache_requests_total{result="hit|miss"}
	tiercache_sets_total
	tiercache_deletes_total
	tiercache_errors_total
	tiercache_evictions_total
	tiercache_items
	tiercache_memory_bytes
	tiercache_hit_ratio
	tiercache_efficiency_score
	tiercache_response_time_seconds{stat="avg|p95"}

When the source reports promotions, tiercache_promotions_total is exported.
With a health tracker attached, tiercache_component_health_state reports
each component's state.

# Stats Endpoint

/stats returns the raw tier snapshots as JSON, for tools that do not speak
the Prometheus format.

# Health Endpoint

/health returns the overall state and per-component detail as JSON. It
answers 503 only when L1 cannot serve reads; a bypassed L2 is reported but
the cache remains usable.
*/
package metrics
