package cache

import (
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/auditorhelper/tiercache/pkg/health"
	"github.com/auditorhelper/tiercache/pkg/types"
)

// Tier names used in statistics, logs and metrics labels.
const (
	TierL1    = "l1"
	TierL2    = "l2"
	TierMulti = "multi"
)

// options holds dependencies shared by tiers and the orchestrator
type options struct {
	clock   clockwork.Clock
	logger  *zap.Logger
	tracker *health.Tracker
}

// Option configures a tier or the orchestrator
type Option func(*options)

// WithClock sets the clock used for expiry and statistics.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithHealthTracker sets the tracker the orchestrator reports L2 health to.
func WithHealthTracker(tracker *health.Tracker) Option {
	return func(o *options) {
		o.tracker = tracker
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// resolveTTL turns a caller TTL into an absolute expiry. The zero time means
// the entry never expires.
func resolveTTL(now time.Time, ttl, defaultTTL time.Duration) time.Time {
	if ttl == types.DefaultTTL {
		ttl = defaultTTL
	}
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
