// Package services hosts process-wide monitoring helpers that sit above a
// single package's concern: circuit breaker alerting today, wired from
// cmd/council into the gateway's per-model breakers.
package services

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/amiable-dev/llm-council/internal/gateway"
)

var (
	cbmMetricsOnce          sync.Once
	cbmCircuitStateGauge    *prometheus.GaugeVec
	cbmOpenCircuitsGauge    prometheus.Gauge
	cbmAlertsTotal          prometheus.Counter
)

func initCBMMetrics() {
	cbmMetricsOnce.Do(func() {
		cbmCircuitStateGauge = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "council_circuit_breaker_state",
				Help: "Current state of a model's circuit breaker (0=closed, 1=half_open, 2=open)",
			},
			[]string{"model_id"},
		)
		cbmOpenCircuitsGauge = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "council_circuit_breakers_open",
				Help: "Number of model circuit breakers currently open",
			},
		)
		cbmAlertsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "council_circuit_breaker_alerts_total",
				Help: "Total number of circuit breaker threshold alerts raised",
			},
		)
	})
}

// CircuitBreakerAlertListener is called whenever the monitor raises an alert.
type CircuitBreakerAlertListener func(alert CircuitBreakerAlert)

// CircuitBreakerAlert reports that too many model breakers are open at once,
// which is the signal §7's "≥2-participant continuation floor" depends on:
// an operator needs to know when the panel is close to that floor.
type CircuitBreakerAlert struct {
	Message   string                         `json:"message"`
	Timestamp time.Time                      `json:"timestamp"`
	OpenCount int                            `json:"open_count"`
	States    map[string]gateway.CircuitState `json:"states"`
}

// CircuitBreakerMonitorConfig tunes polling cadence and alert sensitivity.
type CircuitBreakerMonitorConfig struct {
	CheckInterval  time.Duration
	AlertThreshold int // open breaker count that triggers an alert
}

// DefaultCircuitBreakerMonitorConfig polls every 10s and alerts at 3+ open.
func DefaultCircuitBreakerMonitorConfig() CircuitBreakerMonitorConfig {
	return CircuitBreakerMonitorConfig{
		CheckInterval:  10 * time.Second,
		AlertThreshold: 3,
	}
}

// CircuitBreakerMonitor periodically samples a gateway.CircuitBreakerManager,
// publishes Prometheus gauges per model, and raises alerts when too many
// breakers are open simultaneously.
type CircuitBreakerMonitor struct {
	mu        sync.RWMutex
	manager   *gateway.CircuitBreakerManager
	log       *logrus.Logger
	cfg       CircuitBreakerMonitorConfig
	listeners []CircuitBreakerAlertListener

	stopOnce sync.Once
	stopCh   chan struct{}
	running  bool
}

// NewCircuitBreakerMonitor constructs a monitor over manager. manager may be
// nil in tests; checks against a nil manager are no-ops.
func NewCircuitBreakerMonitor(manager *gateway.CircuitBreakerManager, log *logrus.Logger, cfg CircuitBreakerMonitorConfig) *CircuitBreakerMonitor {
	initCBMMetrics()
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &CircuitBreakerMonitor{
		manager: manager,
		log:     log,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
}

// AddAlertListener registers a callback invoked on every alert.
func (m *CircuitBreakerMonitor) AddAlertListener(listener CircuitBreakerAlertListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// Start runs the polling loop until ctx is done or Stop is called. Intended
// to run in its own goroutine for the lifetime of the process.
func (m *CircuitBreakerMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.check()
		}
	}
}

// Stop ends the polling loop. Safe to call more than once.
func (m *CircuitBreakerMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *CircuitBreakerMonitor) check() {
	if m.manager == nil {
		return
	}
	states := m.manager.States()
	open := 0
	for modelID, state := range states {
		var v float64
		switch state {
		case gateway.CircuitHalfOpen:
			v = 1
		case gateway.CircuitOpen:
			v = 2
			open++
		}
		cbmCircuitStateGauge.WithLabelValues(modelID).Set(v)
	}
	cbmOpenCircuitsGauge.Set(float64(open))

	if open >= m.cfg.AlertThreshold {
		m.alert(CircuitBreakerAlert{
			Message:   "multiple model circuit breakers are open",
			Timestamp: time.Now(),
			OpenCount: open,
			States:    states,
		})
	}
}

func (m *CircuitBreakerMonitor) alert(a CircuitBreakerAlert) {
	cbmAlertsTotal.Inc()
	m.mu.RLock()
	listeners := m.listeners
	m.mu.RUnlock()
	for _, l := range listeners {
		go l(a)
	}
	m.log.WithFields(logrus.Fields{"open_count": a.OpenCount}).Warn("circuit breaker alert threshold exceeded")
}

// Status is a point-in-time snapshot suitable for a debug/health endpoint.
type Status struct {
	Healthy   bool                           `json:"healthy"`
	OpenCount int                            `json:"open_count"`
	States    map[string]gateway.CircuitState `json:"states"`
	CheckedAt time.Time                      `json:"checked_at"`
}

// GetStatus returns the current breaker snapshot without waiting for the
// next poll tick.
func (m *CircuitBreakerMonitor) GetStatus() Status {
	if m.manager == nil {
		return Status{Healthy: true, States: map[string]gateway.CircuitState{}, CheckedAt: time.Now()}
	}
	states := m.manager.States()
	open := 0
	for _, s := range states {
		if s == gateway.CircuitOpen {
			open++
		}
	}
	return Status{
		Healthy:   open < m.cfg.AlertThreshold,
		OpenCount: open,
		States:    states,
		CheckedAt: time.Now(),
	}
}
