// Package health tracks the liveness of the service's listeners and feeds
// the online flags reported by the status API.
package health

import (
	"sync"
	"time"
)

// State represents the health state of a component.
type State int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy State = iota

	// StateDegraded indicates the component is operational but erroring
	StateDegraded

	// StateUnavailable indicates the component is not operational
	StateUnavailable
)

// String returns the string representation of a health state
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ComponentHealth tracks the health of a specific component.
type ComponentHealth struct {
	Name              string    `json:"name"`
	State             State     `json:"state"`
	LastStateChange   time.Time `json:"last_state_change"`
	LastChecked       time.Time `json:"last_checked"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastErrorMessage  string    `json:"last_error_message,omitempty"`
}

// TrackerConfig configures state transitions.
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before marking a
	// component degraded.
	ErrorThreshold int `yaml:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before
	// marking a component unavailable.
	UnavailableThreshold int `yaml:"unavailable_threshold"`
}

// DefaultConfig returns the default tracker configuration.
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
	}
}

// Tracker tracks component health and derives overall service health. A
// component starts unavailable and becomes healthy when its listener
// reports up.
type Tracker struct {
	mu         sync.RWMutex
	config     TrackerConfig
	components map[string]*ComponentHealth
}

// NewTracker creates a health tracker.
func NewTracker(config TrackerConfig) *Tracker {
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = 3
	}
	if config.UnavailableThreshold <= config.ErrorThreshold {
		config.UnavailableThreshold = config.ErrorThreshold + 7
	}
	return &Tracker{
		config:     config,
		components: make(map[string]*ComponentHealth),
	}
}

// RegisterComponent registers a component, initially unavailable.
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		t.components[name] = &ComponentHealth{
			Name:            name,
			State:           StateUnavailable,
			LastStateChange: time.Now(),
			LastChecked:     time.Now(),
		}
	}
}

// MarkUp records that a component's listener is serving.
func (t *Tracker) MarkUp(name string) {
	t.RecordSuccess(name)
}

// MarkDown records that a component's listener has stopped.
func (t *Tracker) MarkDown(name string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	health, exists := t.components[name]
	if !exists {
		return
	}
	health.LastChecked = time.Now()
	if err != nil {
		health.LastErrorMessage = err.Error()
	}
	if health.State != StateUnavailable {
		health.State = StateUnavailable
		health.LastStateChange = time.Now()
	}
}

// RecordSuccess records a successful operation for a component.
func (t *Tracker) RecordSuccess(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	health, exists := t.components[name]
	if !exists {
		return
	}
	health.LastChecked = time.Now()
	health.ConsecutiveErrors = 0
	if health.State != StateHealthy {
		health.State = StateHealthy
		health.LastStateChange = time.Now()
		health.LastErrorMessage = ""
	}
}

// RecordError records an error for a component. The component degrades
// after ErrorThreshold consecutive errors and becomes unavailable after
// UnavailableThreshold.
func (t *Tracker) RecordError(name string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	health, exists := t.components[name]
	if !exists {
		return
	}
	health.LastChecked = time.Now()
	health.ConsecutiveErrors++
	if err != nil {
		health.LastErrorMessage = err.Error()
	}

	newState := health.State
	if health.ConsecutiveErrors >= t.config.UnavailableThreshold {
		newState = StateUnavailable
	} else if health.ConsecutiveErrors >= t.config.ErrorThreshold {
		newState = StateDegraded
	}
	if newState != health.State {
		health.State = newState
		health.LastStateChange = time.Now()
	}
}

// GetState returns the current state of a component; unregistered
// components report unavailable.
func (t *Tracker) GetState(name string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if health, exists := t.components[name]; exists {
		return health.State
	}
	return StateUnavailable
}

// IsOnline reports whether a component is serving (healthy or degraded).
func (t *Tracker) IsOnline(name string) bool {
	state := t.GetState(name)
	return state == StateHealthy || state == StateDegraded
}

// GetAllComponents returns a copy of every component's health record.
func (t *Tracker) GetAllComponents() map[string]ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]ComponentHealth, len(t.components))
	for name, health := range t.components {
		result[name] = *health
	}
	return result
}

// GetOverallHealth returns the worst state across all components.
func (t *Tracker) GetOverallHealth() State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.components) == 0 {
		return StateHealthy
	}
	overall := StateHealthy
	for _, health := range t.components {
		if health.State > overall {
			overall = health.State
		}
	}
	return overall
}
