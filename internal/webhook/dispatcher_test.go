package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amiable-dev/llm-council/internal/council"
	"github.com/amiable-dev/llm-council/internal/events"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 5, cfg.MaxRetries)
	require.Equal(t, time.Second, cfg.RetryBackoff)
	require.Equal(t, 32*time.Second, cfg.MaxBackoff)
	require.Equal(t, "X-Council-Signature", cfg.SignatureHeader)
}

func TestDispatcherRegisterGetUnregister(t *testing.T) {
	d := NewDispatcher(nil, nil)
	d.Register("q1", council.WebhookSpec{URL: "https://example.com/hook", Secret: "s"})

	reg, ok := d.Get("q1")
	require.True(t, ok)
	require.Equal(t, "https://example.com/hook", reg.Spec.URL)
	require.True(t, reg.Enabled)

	d.Unregister("q1")
	_, ok = d.Get("q1")
	require.False(t, ok)
}

func TestDispatcherDeliversMatchingEvent(t *testing.T) {
	var received int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.WorkerCount = 2
	cfg.RetryBackoff = 5 * time.Millisecond
	d := NewDispatcher(&cfg, nil)
	require.NoError(t, d.Start())
	defer d.Stop()

	d.Register("q1", council.WebhookSpec{URL: server.URL, Events: []string{string(council.EventCouncilCompleted)}})

	d.Dispatch(&council.LayerEvent{Type: council.EventStage1Complete, QueryID: "q1", Timestamp: time.Now()})
	d.Dispatch(&council.LayerEvent{Type: council.EventCouncilCompleted, QueryID: "q1", Timestamp: time.Now()})

	require.Eventually(t, func() bool { return atomic.LoadInt32(&received) == 1 }, time.Second, 10*time.Millisecond)
}

func TestDispatcherSignsPayload(t *testing.T) {
	var sig string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		sig = r.Header.Get("X-Council-Signature")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(nil, nil)
	require.NoError(t, d.Start())
	defer d.Stop()

	d.Register("q1", council.WebhookSpec{URL: server.URL, Secret: "top-secret"})
	d.Dispatch(&council.LayerEvent{Type: council.EventCouncilCompleted, QueryID: "q1", Timestamp: time.Now()})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sig != ""
	}, time.Second, 10*time.Millisecond)
	require.Contains(t, sig, "sha256=")
}

func TestDispatcherPayloadShape(t *testing.T) {
	var body map[string]interface{}
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		_ = json.Unmarshal(raw, &body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(nil, nil)
	require.NoError(t, d.Start())
	defer d.Stop()

	d.Register("q1", council.WebhookSpec{URL: server.URL})
	slot := 2
	d.Dispatch(&council.LayerEvent{Type: council.EventStage1SlotComplete, QueryID: "q1", Stage: "stage1_running", Slot: &slot, SeqNum: 7, Timestamp: time.Now()})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return body != nil
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, string(council.EventStage1SlotComplete), body["event"])
	require.Equal(t, "q1", body["query_id"])
	require.Equal(t, float64(2), body["slot"])
	require.Equal(t, float64(7), body["seq_num"])
}

func TestDispatcherRetriesOnFailureThenSucceeds(t *testing.T) {
	var count int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&count, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.MaxRetries = 5
	cfg.RetryBackoff = 5 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond
	cfg.WorkerCount = 1
	d := NewDispatcher(&cfg, nil)
	require.NoError(t, d.Start())
	defer d.Stop()

	d.Register("q1", council.WebhookSpec{URL: server.URL})
	d.Dispatch(&council.LayerEvent{Type: council.EventCouncilCompleted, QueryID: "q1", Timestamp: time.Now()})

	require.Eventually(t, func() bool { return atomic.LoadInt32(&count) >= 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestDispatcherAutoDisablesAfterRepeatedFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	cfg.RetryBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	cfg.WorkerCount = 1
	cfg.FailDisableThreshold = 3
	d := NewDispatcher(&cfg, nil)
	require.NoError(t, d.Start())
	defer d.Stop()

	d.Register("q1", council.WebhookSpec{URL: server.URL})
	for i := 0; i < 6; i++ {
		d.Dispatch(&council.LayerEvent{Type: council.EventCouncilCompleted, QueryID: "q1", Timestamp: time.Now()})
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		reg, ok := d.Get("q1")
		return ok && !reg.Enabled
	}, time.Second, 10*time.Millisecond)
}

func TestCalculateBackoffDoublesAndCaps(t *testing.T) {
	cfg := Config{RetryBackoff: time.Second, MaxBackoff: 5 * time.Second}
	d := NewDispatcher(&cfg, nil)

	require.Equal(t, time.Second, d.calculateBackoff(1))
	require.Equal(t, 2*time.Second, d.calculateBackoff(2))
	require.Equal(t, 4*time.Second, d.calculateBackoff(3))
	require.Equal(t, 5*time.Second, d.calculateBackoff(4))
}

func TestGenerateSignatureIsDeterministicAndKeyed(t *testing.T) {
	d := NewDispatcher(nil, nil)
	payload := []byte(`{"a":1}`)

	sig1 := d.generateSignature(payload, "secret-a")
	sig2 := d.generateSignature(payload, "secret-a")
	sig3 := d.generateSignature(payload, "secret-b")

	require.Equal(t, sig1, sig2)
	require.NotEqual(t, sig1, sig3)
	require.Contains(t, sig1, "sha256=")
}

func TestDispatcherGetStats(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(nil, nil)
	require.NoError(t, d.Start())
	defer d.Stop()

	stats := d.GetStats()
	require.Equal(t, 0, stats["webhooks_registered"])

	d.Register("q1", council.WebhookSpec{URL: server.URL})
	d.Dispatch(&council.LayerEvent{Type: council.EventCouncilCompleted, QueryID: "q1", Timestamp: time.Now()})

	require.Eventually(t, func() bool {
		stats := d.GetStats()
		success, _ := stats["deliveries_success"].(int64)
		return success >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestDispatcherAttachForwardsBusEventsAndDetaches(t *testing.T) {
	var received int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(nil, nil)
	require.NoError(t, d.Start())
	defer d.Stop()

	bus := events.NewBus(events.DefaultBusConfig(), nil)
	query := council.Query{ID: "q1", Webhook: &council.WebhookSpec{URL: server.URL}}

	detach := d.Attach(bus, query)
	bus.Publish(&council.LayerEvent{Type: council.EventCouncilCompleted, QueryID: "q1"})

	require.Eventually(t, func() bool { return atomic.LoadInt32(&received) == 1 }, time.Second, 10*time.Millisecond)

	detach()
	_, ok := d.Get("q1")
	require.False(t, ok)
}

func TestDispatcherAttachNoopWithoutWebhookSpec(t *testing.T) {
	d := NewDispatcher(nil, nil)
	bus := events.NewBus(events.DefaultBusConfig(), nil)
	query := council.Query{ID: "q1"}

	detach := d.Attach(bus, query)
	defer detach()

	_, ok := d.Get("q1")
	require.False(t, ok)
}
