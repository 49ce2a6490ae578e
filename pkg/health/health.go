// Package health tracks the health of cache components and decides when a
// failing tier should be bypassed.
package health

import (
	"context"
	stderr "errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/auditorhelper/tiercache/pkg/errors"
)

// HealthState represents the health state of a component
type HealthState int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates the component is failing intermittently but still used
	StateDegraded

	// StateReadOnly indicates writes are failing while reads may still succeed
	StateReadOnly

	// StateUnavailable indicates the component is bypassed until it recovers
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ComponentHealth tracks the health of a specific component
type ComponentHealth struct {
	Name                 string      `json:"name"`
	State                HealthState `json:"state"`
	StateName            string      `json:"state_name"`
	LastStateChange      time.Time   `json:"last_state_change"`
	LastHealthCheck      time.Time   `json:"last_health_check"`
	ConsecutiveErrors    int         `json:"consecutive_errors"`
	ConsecutiveSuccesses int         `json:"consecutive_successes"`
	TotalErrors          uint64      `json:"total_errors"`
	LastErrorMessage     string      `json:"last_error_message,omitempty"`
}

// Tracker tracks the health of multiple components
type Tracker struct {
	mu             sync.RWMutex
	components     map[string]*ComponentHealth
	config         TrackerConfig
	clock          clockwork.Clock
	stateCallbacks []StateChangeCallback
}

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before marking a component degraded
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before marking unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`

	// RecoveryThreshold is the number of consecutive successes needed to return to healthy
	RecoveryThreshold int `yaml:"recovery_threshold" json:"recovery_threshold"`
}

// StateChangeCallback is called synchronously, outside the tracker lock, when
// a component changes state
type StateChangeCallback func(component string, oldState, newState HealthState, err error)

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		RecoveryThreshold:    3,
	}
}

// NewTracker creates a new health tracker
func NewTracker(config TrackerConfig) *Tracker {
	defaults := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = defaults.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = max(defaults.UnavailableThreshold, config.ErrorThreshold)
	}
	if config.RecoveryThreshold <= 0 {
		config.RecoveryThreshold = defaults.RecoveryThreshold
	}
	return &Tracker{
		components: make(map[string]*ComponentHealth),
		config:     config,
		clock:      clockwork.NewRealClock(),
	}
}

// WithClock replaces the tracker clock. It returns the tracker for chaining.
func (t *Tracker) WithClock(clock clockwork.Clock) *Tracker {
	t.mu.Lock()
	t.clock = clock
	t.mu.Unlock()
	return t
}

// Config returns the effective configuration
func (t *Tracker) Config() TrackerConfig {
	return t.config
}

// RegisterComponent registers a new component for health tracking
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		now := t.clock.Now()
		t.components[name] = &ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: now,
			LastHealthCheck: now,
		}
	}
}

// RecordSuccess records a successful operation. A component that is not
// healthy recovers after RecoveryThreshold consecutive successes.
func (t *Tracker) RecordSuccess(component string) {
	t.mu.Lock()
	health, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return
	}

	oldState := health.State
	health.LastHealthCheck = t.clock.Now()
	health.ConsecutiveErrors = 0
	health.ConsecutiveSuccesses++

	if health.State != StateHealthy && health.ConsecutiveSuccesses >= t.config.RecoveryThreshold {
		t.transitionState(health, StateHealthy)
		health.LastErrorMessage = ""
	}
	newState := health.State
	t.mu.Unlock()

	if oldState != newState {
		t.notifyStateChange(component, oldState, newState, nil)
	}
}

// RecordError records a failed operation for a component
func (t *Tracker) RecordError(component string, err error) {
	t.mu.Lock()
	health, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return
	}

	oldState := health.State
	health.LastHealthCheck = t.clock.Now()
	health.ConsecutiveErrors++
	health.ConsecutiveSuccesses = 0
	health.TotalErrors++
	if err != nil {
		health.LastErrorMessage = err.Error()
	}

	newState := health.State
	switch {
	case health.ConsecutiveErrors >= t.config.UnavailableThreshold:
		newState = StateUnavailable
	case health.ConsecutiveErrors >= t.config.ErrorThreshold && oldState != StateUnavailable:
		if isWriteError(err) {
			newState = StateReadOnly
		} else {
			newState = StateDegraded
		}
	}
	if newState != oldState {
		t.transitionState(health, newState)
	}
	t.mu.Unlock()

	if oldState != newState {
		t.notifyStateChange(component, oldState, newState, err)
	}
}

// GetState returns the current health state of a component
func (t *Tracker) GetState(component string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if health, exists := t.components[component]; exists {
		return health.State
	}
	return StateUnavailable
}

// GetComponentHealth returns a copy of the health information for a component
func (t *Tracker) GetComponentHealth(component string) (*ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	health, exists := t.components[component]
	if !exists {
		return nil, fmt.Errorf("component %s not registered", component)
	}
	c := *health
	c.StateName = c.State.String()
	return &c, nil
}

// GetAllComponents returns health information for all registered components
func (t *Tracker) GetAllComponents() map[string]*ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]*ComponentHealth, len(t.components))
	for name, health := range t.components {
		c := *health
		c.StateName = c.State.String()
		result[name] = &c
	}
	return result
}

// GetOverallHealth returns the worst state across all components
func (t *Tracker) GetOverallHealth() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overallState := StateHealthy
	for _, health := range t.components {
		if health.State > overallState {
			overallState = health.State
		}
	}
	return overallState
}

// IsHealthy returns true if the component is in a healthy state
func (t *Tracker) IsHealthy(component string) bool {
	return t.GetState(component) == StateHealthy
}

// CanRead returns true if the component can serve reads
func (t *Tracker) CanRead(component string) bool {
	state := t.GetState(component)
	return state == StateHealthy || state == StateDegraded || state == StateReadOnly
}

// CanWrite returns true if the component can accept writes
func (t *Tracker) CanWrite(component string) bool {
	state := t.GetState(component)
	return state == StateHealthy || state == StateDegraded
}

// OnStateChange registers a callback for state changes
func (t *Tracker) OnStateChange(callback StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateCallbacks = append(t.stateCallbacks, callback)
}

// Check runs checkFn for every registered component and records the result.
func (t *Tracker) Check(ctx context.Context, checkFn func(ctx context.Context, component string) error) {
	t.mu.RLock()
	components := make([]string, 0, len(t.components))
	for name := range t.components {
		components = append(components, name)
	}
	t.mu.RUnlock()

	for _, component := range components {
		if err := checkFn(ctx, component); err != nil {
			t.RecordError(component, err)
		} else {
			t.RecordSuccess(component)
		}
	}
}

// transitionState must be called with the lock held
func (t *Tracker) transitionState(health *ComponentHealth, newState HealthState) {
	health.State = newState
	health.LastStateChange = t.clock.Now()
	health.ConsecutiveSuccesses = 0
}

func (t *Tracker) notifyStateChange(component string, oldState, newState HealthState, err error) {
	t.mu.RLock()
	callbacks := make([]StateChangeCallback, len(t.stateCallbacks))
	copy(callbacks, t.stateCallbacks)
	t.mu.RUnlock()

	for _, callback := range callbacks {
		callback(component, oldState, newState, err)
	}
}

// isWriteError checks if an error indicates a write failure while reads may still work
func isWriteError(err error) bool {
	var cacheErr *errors.CacheError
	if stderr.As(err, &cacheErr) {
		switch cacheErr.Code {
		case errors.ErrCodeStorageWrite, errors.ErrCodeCompression:
			return true
		}
	}
	return false
}
