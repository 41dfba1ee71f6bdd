package gateway

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	calls   int32
	fail    int32 // number of leading calls that fail
	failCat FailureCategory
}

func (f *fakeProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.fail {
		return nil, &CategorizedError{Category: f.failCat, Err: errors.New("synthetic failure")}
	}
	return &CompletionResult{Content: "ok"}, nil
}

func (f *fakeProvider) CompleteStream(ctx context.Context, req CompletionRequest) (<-chan CompletionChunk, error) {
	return nil, errors.New("no streaming")
}

func (f *fakeProvider) HealthCheck(ctx context.Context) error { return nil }

func TestGatewayRetriesRetryableFailures(t *testing.T) {
	p := &fakeProvider{fail: 1, failCat: FailureNetwork}
	backends := NewStaticBackends(map[string]CompletionProvider{"m1": p})
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	gw := NewGateway(backends, cfg, DefaultCircuitBreakerConfig(), nil)

	res, err := gw.Complete(context.Background(), CompletionRequest{ModelID: "m1"})
	require.NoError(t, err)
	require.Equal(t, "ok", res.Content)
	require.Equal(t, int32(2), p.calls)
}

func TestGatewayDoesNotRetryAuthFailure(t *testing.T) {
	p := &fakeProvider{fail: 5, failCat: FailureAuthFailure}
	backends := NewStaticBackends(map[string]CompletionProvider{"m1": p})
	gw := NewGateway(backends, DefaultRetryConfig(), DefaultCircuitBreakerConfig(), nil)

	_, err := gw.Complete(context.Background(), CompletionRequest{ModelID: "m1"})
	require.Error(t, err)
	require.Equal(t, int32(1), p.calls)
}

func TestGatewaySynthesizesSingleChunkStream(t *testing.T) {
	p := &fakeProvider{}
	backends := NewStaticBackends(map[string]CompletionProvider{"m1": p})
	gw := NewGateway(backends, DefaultRetryConfig(), DefaultCircuitBreakerConfig(), nil)

	ch, err := gw.CompleteStream(context.Background(), CompletionRequest{ModelID: "m1"})
	require.NoError(t, err)

	var chunks []CompletionChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 1)
	require.True(t, chunks[0].Terminal)
}

func TestCircuitBreakerTripsOnFailureRatio(t *testing.T) {
	cfg := CircuitBreakerConfig{
		WindowSize:     10,
		WindowDuration: time.Minute,
		FailureRatio:   0.5,
		MinSamples:     4,
		CooldownPeriod: 10 * time.Millisecond,
	}
	cb := NewCircuitBreaker("m1", cfg, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, cb.Allow())
		cb.Record(false)
	}
	require.Equal(t, CircuitClosed, cb.State())

	require.NoError(t, cb.Allow())
	cb.Record(false)
	require.Equal(t, CircuitOpen, cb.State())
	require.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	time.Sleep(15 * time.Millisecond)
	require.NoError(t, cb.Allow())
	cb.Record(true)
	require.Equal(t, CircuitClosed, cb.State())
}
