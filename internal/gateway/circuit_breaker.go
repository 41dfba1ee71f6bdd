package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CircuitState mirrors the three-state breaker described for the Gateway.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// ErrCircuitOpen is returned when a call is shorted by an open breaker.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig tunes the rolling-window trip policy.
type CircuitBreakerConfig struct {
	WindowSize     int           // number of recent requests considered
	WindowDuration time.Duration // recency bound for the window
	FailureRatio   float64       // trips when failures/total exceeds this
	MinSamples     int           // minimum requests before the ratio is evaluated
	CooldownPeriod time.Duration // how long the breaker stays open before probing
}

// DefaultCircuitBreakerConfig matches the spec's defaults: 20 requests / 60s
// window, 0.5 failure ratio, minimum 5 samples, 30s cooldown.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		WindowSize:     20,
		WindowDuration: 60 * time.Second,
		FailureRatio:   0.5,
		MinSamples:     5,
		CooldownPeriod: 30 * time.Second,
	}
}

type outcome struct {
	at      time.Time
	success bool
}

// CircuitBreaker trips per model identifier when the rolling failure ratio
// over a recent window exceeds a threshold. It never blocks a caller beyond
// a single mutex acquisition.
type CircuitBreaker struct {
	modelID string
	cfg     CircuitBreakerConfig
	log     *logrus.Logger

	mu              sync.Mutex
	state           CircuitState
	ring            []outcome
	lastTrip        time.Time
	halfOpenProbing bool
}

// NewCircuitBreaker constructs a breaker for one model identifier.
func NewCircuitBreaker(modelID string, cfg CircuitBreakerConfig, log *logrus.Logger) *CircuitBreaker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &CircuitBreaker{
		modelID: modelID,
		cfg:     cfg,
		log:     log,
		state:   CircuitClosed,
		ring:    make([]outcome, 0, cfg.WindowSize),
	}
}

// Allow reports whether a call may proceed, transitioning open→half-open
// after cooldown. It must be called immediately before dispatching a call.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if time.Since(cb.lastTrip) >= cb.cfg.CooldownPeriod {
			cb.state = CircuitHalfOpen
			cb.halfOpenProbing = true
			return nil
		}
		return ErrCircuitOpen
	case CircuitHalfOpen:
		if cb.halfOpenProbing {
			return ErrCircuitOpen
		}
		cb.halfOpenProbing = true
		return nil
	default:
		return nil
	}
}

// Record registers the outcome of a call admitted by Allow.
func (cb *CircuitBreaker) Record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.halfOpenProbing = false
		if success {
			cb.transition(CircuitClosed)
			cb.ring = cb.ring[:0]
		} else {
			cb.transition(CircuitOpen)
			cb.ring = cb.ring[:0]
		}
		return
	}

	cb.ring = append(cb.ring, outcome{at: time.Now(), success: success})
	cb.trimLocked()

	if cb.state == CircuitClosed {
		total, failures := cb.windowStatsLocked()
		if total >= cb.cfg.MinSamples && float64(failures)/float64(total) > cb.cfg.FailureRatio {
			cb.transition(CircuitOpen)
		}
	}
}

func (cb *CircuitBreaker) trimLocked() {
	cutoff := time.Now().Add(-cb.cfg.WindowDuration)
	start := 0
	for start < len(cb.ring) && cb.ring[start].at.Before(cutoff) {
		start++
	}
	if start > 0 {
		cb.ring = cb.ring[start:]
	}
	if len(cb.ring) > cb.cfg.WindowSize {
		cb.ring = cb.ring[len(cb.ring)-cb.cfg.WindowSize:]
	}
}

func (cb *CircuitBreaker) windowStatsLocked() (total, failures int) {
	for _, o := range cb.ring {
		total++
		if !o.success {
			failures++
		}
	}
	return total, failures
}

func (cb *CircuitBreaker) transition(newState CircuitState) {
	old := cb.state
	cb.state = newState
	if newState == CircuitOpen {
		cb.lastTrip = time.Now()
	}
	if old != newState {
		cb.log.WithFields(logrus.Fields{
			"model_id":  cb.modelID,
			"old_state": old,
			"new_state": newState,
		}).Info("gateway: circuit breaker state transition")
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker back to closed, clearing its window. Used by
// tests and by operator intervention.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.ring = cb.ring[:0]
	cb.halfOpenProbing = false
}

// CircuitBreakerManager owns one breaker per model identifier, created
// lazily on first use.
type CircuitBreakerManager struct {
	mu       sync.Mutex
	cfg      CircuitBreakerConfig
	log      *logrus.Logger
	breakers map[string]*CircuitBreaker
}

// NewCircuitBreakerManager constructs a manager sharing cfg across models.
func NewCircuitBreakerManager(cfg CircuitBreakerConfig, log *logrus.Logger) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		cfg:      cfg,
		log:      log,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns (creating if necessary) the breaker for modelID.
func (m *CircuitBreakerManager) Get(modelID string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.breakers[modelID]
	if !ok {
		cb = NewCircuitBreaker(modelID, m.cfg, m.log)
		m.breakers[modelID] = cb
	}
	return cb
}

// States returns a snapshot of every known breaker's state, for metrics.
func (m *CircuitBreakerManager) States() map[string]CircuitState {
	m.mu.Lock()
	ids := make([]string, 0, len(m.breakers))
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for id, cb := range m.breakers {
		ids = append(ids, id)
		breakers = append(breakers, cb)
	}
	m.mu.Unlock()

	out := make(map[string]CircuitState, len(ids))
	for i, id := range ids {
		out[id] = breakers[i].State()
	}
	return out
}
