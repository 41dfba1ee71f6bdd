package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var (
	metricsOnce          sync.Once
	circuitStateGauge    *prometheus.GaugeVec
	callDurationHist     *prometheus.HistogramVec
	callFailuresCounter  *prometheus.CounterVec
)

func registerMetrics() {
	metricsOnce.Do(func() {
		circuitStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "council_gateway_circuit_state",
			Help: "Gateway circuit breaker state per model (0=closed,1=half_open,2=open).",
		}, []string{"model_id"})
		callDurationHist = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "council_gateway_call_duration_seconds",
			Help:    "Gateway completion call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"model_id", "outcome"})
		callFailuresCounter = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "council_gateway_call_failures_total",
			Help: "Gateway completion call failures by category.",
		}, []string{"model_id", "category"})
	})
}

func stateGaugeValue(s CircuitState) float64 {
	switch s {
	case CircuitClosed:
		return 0
	case CircuitHalfOpen:
		return 1
	case CircuitOpen:
		return 2
	default:
		return -1
	}
}

// Backends resolves a model identifier to the CompletionProvider that serves
// it (e.g. a remote router backend, or a local-inference backend for
// hardware-resident models).
type Backends interface {
	Resolve(modelID string) (CompletionProvider, error)
}

// Gateway is the uniform completion capability described by the spec: one
// completion operation and one streaming variant, wrapped in a resilience
// layer of timeout, retry, and per-model circuit breaking.
type Gateway struct {
	backends Backends
	breakers *CircuitBreakerManager
	retry    RetryConfig
	log      *logrus.Logger
}

// NewGateway constructs a Gateway over backends with the given retry and
// circuit-breaker policies.
func NewGateway(backends Backends, retryCfg RetryConfig, cbCfg CircuitBreakerConfig, log *logrus.Logger) *Gateway {
	if log == nil {
		log = logrus.StandardLogger()
	}
	registerMetrics()
	return &Gateway{
		backends: backends,
		breakers: NewCircuitBreakerManager(cbCfg, log),
		retry:    retryCfg,
		log:      log,
	}
}

// Complete runs one completion call honoring the request's deadline, the
// gateway's retry policy, and the per-model circuit breaker. On success it
// returns the CompletionResult including any degradation notices the
// backend attached.
func (g *Gateway) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	cb := g.breakers.Get(req.ModelID)
	if err := cb.Allow(); err != nil {
		callFailuresCounter.WithLabelValues(req.ModelID, "circuit_open").Inc()
		circuitStateGauge.WithLabelValues(req.ModelID).Set(stateGaugeValue(cb.State()))
		return nil, err
	}

	provider, err := g.backends.Resolve(req.ModelID)
	if err != nil {
		cb.Record(false)
		return nil, fmt.Errorf("gateway: resolving backend for %s: %w", req.ModelID, err)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if !req.Deadline.IsZero() {
		callCtx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	var result *CompletionResult
	start := time.Now()
	attemptErr := ExecuteWithRetry(callCtx, g.retry, func(ctx context.Context) error {
		res, err := provider.Complete(ctx, req)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	latency := time.Since(start)

	success := attemptErr == nil
	cb.Record(success)
	circuitStateGauge.WithLabelValues(req.ModelID).Set(stateGaugeValue(cb.State()))

	if !success {
		outcome := "failure"
		callFailuresCounter.WithLabelValues(req.ModelID, categoryLabel(attemptErr)).Inc()
		callDurationHist.WithLabelValues(req.ModelID, outcome).Observe(latency.Seconds())
		return nil, attemptErr
	}

	callDurationHist.WithLabelValues(req.ModelID, "success").Observe(latency.Seconds())
	if result.Latency == 0 {
		result.Latency = latency
	}
	return result, nil
}

func categoryLabel(err error) string {
	switch Categorize(err) {
	case FailureNetwork:
		return "network"
	case FailureServerError:
		return "server_error"
	case FailureRateLimited:
		return "rate_limited"
	case FailureContentPolicy:
		return "content_policy"
	case FailureAuthFailure:
		return "auth_failure"
	case FailureTimeout:
		return "timeout"
	case FailureCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// CompleteStream runs the streaming variant. If the resolved backend cannot
// stream, the gateway synthesizes a single-chunk stream from a blocking
// Complete call so callers always observe at least one chunk and a terminal
// marker, per the spec's streaming guarantee.
func (g *Gateway) CompleteStream(ctx context.Context, req CompletionRequest) (<-chan CompletionChunk, error) {
	cb := g.breakers.Get(req.ModelID)
	if err := cb.Allow(); err != nil {
		return nil, err
	}

	provider, err := g.backends.Resolve(req.ModelID)
	if err != nil {
		cb.Record(false)
		return nil, fmt.Errorf("gateway: resolving backend for %s: %w", req.ModelID, err)
	}

	out := make(chan CompletionChunk, 8)

	upstream, err := provider.CompleteStream(ctx, req)
	if err != nil {
		// Fall back to a synthesized single-chunk stream via Complete.
		go func() {
			defer close(out)
			res, completeErr := g.Complete(ctx, req)
			if completeErr != nil {
				out <- CompletionChunk{Terminal: true, Err: completeErr}
				return
			}
			out <- CompletionChunk{Content: res.Content, Terminal: true}
		}()
		return out, nil
	}

	go func() {
		defer close(out)
		sawChunk := false
		var streamErr error
		for chunk := range upstream {
			sawChunk = true
			out <- chunk
			if chunk.Err != nil {
				streamErr = chunk.Err
			}
		}
		cb.Record(streamErr == nil)
		if !sawChunk {
			// Upstream closed with nothing: synthesize a terminal chunk so the
			// streaming-guarantee invariant always holds.
			out <- CompletionChunk{Terminal: true}
		}
	}()
	return out, nil
}

// HealthCheck delegates to the resolved backend.
func (g *Gateway) HealthCheck(ctx context.Context, modelID string) error {
	provider, err := g.backends.Resolve(modelID)
	if err != nil {
		return err
	}
	return provider.HealthCheck(ctx)
}

// BreakerState exposes the circuit state for a model, used by the
// orchestrator to decide whether a slot is worth attempting at all.
func (g *Gateway) BreakerState(modelID string) CircuitState {
	return g.breakers.Get(modelID).State()
}

// Breakers exposes the gateway's circuit breaker manager so a process-wide
// monitor can poll the same breakers actually guarding completion calls.
func (g *Gateway) Breakers() *CircuitBreakerManager {
	return g.breakers
}
