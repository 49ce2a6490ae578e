package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/auditorhelper/tiercache/pkg/health"
	"github.com/auditorhelper/tiercache/pkg/types"
)

// Collector exports cache tier statistics to Prometheus. Values are read from
// the source at scrape time; nothing is recorded on the hot path.
type Collector struct {
	mu       sync.Mutex
	config   *Config
	registry *prometheus.Registry
	source   types.StatsSource
	tracker  *health.Tracker
	logger   *zap.Logger

	requests       *prometheus.Desc
	sets           *prometheus.Desc
	deletes        *prometheus.Desc
	errors         *prometheus.Desc
	evictions      *prometheus.Desc
	items          *prometheus.Desc
	memoryBytes    *prometheus.Desc
	hitRatio       *prometheus.Desc
	efficiency     *prometheus.Desc
	responseTime   *prometheus.Desc
	promotions     *prometheus.Desc
	componentState *prometheus.Desc

	// HTTP server for metrics endpoint
	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// PromotionSource is implemented by sources that count L2 to L1 promotions
type PromotionSource interface {
	Promotions() uint64
}

// DefaultConfig returns the default exporter configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "tiercache",
		Labels:    make(map[string]string),
	}
}

// NewCollector creates a collector over source
func NewCollector(config *Config, source types.StatsSource) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	c := &Collector{
		config: config,
		source: source,
		logger: zap.NewNop(),
	}
	if !config.Enabled {
		return c, nil
	}
	if source == nil {
		return nil, fmt.Errorf("metrics source is required")
	}

	c.initDescs()
	c.registry = prometheus.NewRegistry()
	if err := c.registry.Register(c); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

// WithHealthTracker exports component health and backs the /health endpoint
func (c *Collector) WithHealthTracker(tracker *health.Tracker) *Collector {
	c.tracker = tracker
	return c
}

// WithLogger sets the logger used for server errors
func (c *Collector) WithLogger(logger *zap.Logger) *Collector {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// Registry returns the Prometheus registry, nil when disabled
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.requests, c.sets, c.deletes, c.errors, c.evictions, c.items,
		c.memoryBytes, c.hitRatio, c.efficiency, c.responseTime,
		c.promotions, c.componentState,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.source.TierStats() {
		tier := s.Tier
		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(s.Hits), tier, "hit")
		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(s.Misses), tier, "miss")
		ch <- prometheus.MustNewConstMetric(c.sets, prometheus.CounterValue, float64(s.Sets), tier)
		ch <- prometheus.MustNewConstMetric(c.deletes, prometheus.CounterValue, float64(s.Deletes), tier)
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(s.Errors), tier)
		ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(s.Evictions), tier)
		ch <- prometheus.MustNewConstMetric(c.items, prometheus.GaugeValue, float64(s.ItemCount), tier)
		ch <- prometheus.MustNewConstMetric(c.memoryBytes, prometheus.GaugeValue, float64(s.MemoryUsage), tier)
		ch <- prometheus.MustNewConstMetric(c.hitRatio, prometheus.GaugeValue, s.HitRate, tier)
		ch <- prometheus.MustNewConstMetric(c.efficiency, prometheus.GaugeValue, s.EfficiencyScore, tier)
		ch <- prometheus.MustNewConstMetric(c.responseTime, prometheus.GaugeValue, s.AverageResponseTime.Seconds(), tier, "avg")
		ch <- prometheus.MustNewConstMetric(c.responseTime, prometheus.GaugeValue, s.P95ResponseTime.Seconds(), tier, "p95")
	}

	if p, ok := c.source.(PromotionSource); ok {
		ch <- prometheus.MustNewConstMetric(c.promotions, prometheus.CounterValue, float64(p.Promotions()))
	}

	if c.tracker != nil {
		for name, h := range c.tracker.GetAllComponents() {
			ch <- prometheus.MustNewConstMetric(c.componentState, prometheus.GaugeValue, float64(h.State), name)
		}
	}
}

// Handler returns the HTTP handler serving the metrics, health and stats endpoints
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.registry != nil {
		mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/stats", c.statsHandler)
	return mux
}

// Start starts the metrics server in the background
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server != nil {
		return fmt.Errorf("metrics server already started")
	}

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	server := c.server
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server error", zap.String("addr", server.Addr), zap.Error(err))
		}
	}()
	c.logger.Info("metrics server started",
		zap.String("addr", server.Addr), zap.String("path", c.config.Path))
	return nil
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.mu.Unlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// Helper methods

func (c *Collector) initDescs() {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(c.config.Namespace, c.config.Subsystem, name),
			help, labels, prometheus.Labels(c.config.Labels))
	}

	c.requests = desc("requests_total", "Total number of cache lookups by result", "tier", "result")
	c.sets = desc("sets_total", "Total number of successful writes", "tier")
	c.deletes = desc("deletes_total", "Total number of deletions of present keys", "tier")
	c.errors = desc("errors_total", "Total number of failed tier operations", "tier")
	c.evictions = desc("evictions_total", "Total number of capacity evictions", "tier")
	c.items = desc("items", "Current number of stored entries", "tier")
	c.memoryBytes = desc("memory_bytes", "Approximate bytes held by the tier", "tier")
	c.hitRatio = desc("hit_ratio", "Hits over lookups, between 0 and 1", "tier")
	c.efficiency = desc("efficiency_score", "Composite efficiency score, between 0 and 100", "tier")
	c.responseTime = desc("response_time_seconds", "Response time over the recent sample window", "tier", "stat")
	c.promotions = desc("promotions_total", "Total number of L2 hits copied into L1")
	c.componentState = desc("component_health_state", "Component health: 0 healthy, 1 degraded, 2 read-only, 3 unavailable", "component")
}

type healthResponse struct {
	Status     string                             `json:"status"`
	Components map[string]*health.ComponentHealth `json:"components,omitempty"`
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: health.StateHealthy.String()}
	code := http.StatusOK
	if c.tracker != nil {
		resp.Status = c.tracker.GetOverallHealth().String()
		resp.Components = c.tracker.GetAllComponents()
		// L1 alone keeps the cache functional.
		if !c.tracker.CanRead("l1") {
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

func (c *Collector) statsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var tiers []types.TierStats
	if c.source != nil {
		tiers = c.source.TierStats()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"tiers": tiers})
}
