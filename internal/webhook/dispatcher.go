// Package webhook delivers LayerEvent notifications to a caller-supplied
// URL: HMAC-SHA256 signed, queued through a small worker pool, retried with
// exponential backoff, and auto-disabled after repeated failures.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/amiable-dev/llm-council/internal/council"
	"github.com/amiable-dev/llm-council/internal/events"
)

// Config tunes delivery retry and worker-pool behavior.
type Config struct {
	MaxRetries      int
	RetryBackoff    time.Duration
	MaxBackoff      time.Duration
	Timeout         time.Duration
	WorkerCount     int
	QueueSize       int
	SignatureHeader string

	// FailDisableThreshold is the consecutive-failure count past which a
	// registration is automatically disabled; 0 disables auto-disable.
	FailDisableThreshold int
}

// DefaultConfig matches the engine's external-interface contract: five
// attempts, 1s initial backoff doubling to a 32s cap.
func DefaultConfig() Config {
	return Config{
		MaxRetries:           5,
		RetryBackoff:         time.Second,
		MaxBackoff:           32 * time.Second,
		Timeout:              10 * time.Second,
		WorkerCount:          5,
		QueueSize:            1000,
		SignatureHeader:      "X-Council-Signature",
		FailDisableThreshold: 10,
	}
}

// Registration is one query's webhook subscription.
type Registration struct {
	QueryID   string
	Spec      council.WebhookSpec
	Enabled   bool
	CreatedAt time.Time
	FailCount int
}

// matchesEvent reports whether r wants delivery of the given event type.
// An empty Events list means "everything".
func (r *Registration) matchesEvent(eventType council.EventType) bool {
	if len(r.Spec.Events) == 0 {
		return true
	}
	for _, e := range r.Spec.Events {
		if e == "*" || e == string(eventType) {
			return true
		}
	}
	return false
}

type delivery struct {
	id         string
	queryID    string
	event      *council.LayerEvent
	retryCount int
	nextAt     time.Time
}

// Dispatcher is the process-wide webhook delivery worker pool. One instance
// serves every query's webhook subscription.
type Dispatcher struct {
	cfg    Config
	log    *logrus.Logger
	client *http.Client

	mu       sync.RWMutex
	webhooks map[string]*Registration

	queue  chan *delivery
	stopCh chan struct{}
	wg     sync.WaitGroup

	deliveriesSuccess int64
	deliveriesFailed  int64
}

// NewDispatcher constructs a Dispatcher. A nil cfg uses DefaultConfig.
func NewDispatcher(cfg *Config, log *logrus.Logger) *Dispatcher {
	resolved := DefaultConfig()
	if cfg != nil {
		resolved = *cfg
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{
		cfg:      resolved,
		log:      log,
		client:   &http.Client{Timeout: resolved.Timeout},
		webhooks: make(map[string]*Registration),
		queue:    make(chan *delivery, resolved.QueueSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the worker pool. Safe to call once per Dispatcher.
func (d *Dispatcher) Start() error {
	for i := 0; i < d.cfg.WorkerCount; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return nil
}

// Stop signals every worker to drain and exit, then waits for them.
func (d *Dispatcher) Stop() error {
	close(d.stopCh)
	d.wg.Wait()
	return nil
}

// Register subscribes queryID's webhook spec for delivery. A query with no
// WebhookSpec should never call this.
func (d *Dispatcher) Register(queryID string, spec council.WebhookSpec) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.webhooks[queryID] = &Registration{
		QueryID:   queryID,
		Spec:      spec,
		Enabled:   true,
		CreatedAt: time.Now(),
	}
}

// Unregister removes a query's webhook subscription once its session ends.
func (d *Dispatcher) Unregister(queryID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.webhooks, queryID)
}

// Get returns a query's registration, if any.
func (d *Dispatcher) Get(queryID string) (*Registration, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.webhooks[queryID]
	return r, ok
}

// List returns every current registration.
func (d *Dispatcher) List() []*Registration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Registration, 0, len(d.webhooks))
	for _, r := range d.webhooks {
		out = append(out, r)
	}
	return out
}

// Dispatch enqueues event for delivery to queryID's registered webhook, if
// one exists, is enabled, and subscribes to event's type. A full queue drops
// the delivery with a warning rather than blocking the caller, matching the
// event bus's own overflow semantics.
func (d *Dispatcher) Dispatch(event *council.LayerEvent) {
	d.mu.RLock()
	reg, ok := d.webhooks[event.QueryID]
	d.mu.RUnlock()
	if !ok || !reg.Enabled || !reg.matchesEvent(event.Type) {
		return
	}

	del := &delivery{id: uuid.NewString(), queryID: event.QueryID, event: event, nextAt: time.Now()}
	select {
	case d.queue <- del:
	default:
		d.log.WithFields(logrus.Fields{"query_id": event.QueryID, "event_type": event.Type}).
			Warn("webhook: delivery queue full, dropping event")
	}
}

// Attach subscribes a query's event stream off bus and forwards every event
// to Dispatch for the lifetime of the returned cancel function. Callers
// should invoke the returned func once the session has sealed or failed.
func (d *Dispatcher) Attach(bus *events.Bus, query council.Query) func() {
	if query.Webhook == nil || query.Webhook.URL == "" {
		return func() {}
	}
	d.Register(query.ID, *query.Webhook)

	subID := "webhook:" + query.ID
	sub := bus.Subscribe(subID, query.ID, nil)
	go func() {
		for ev := range sub.Channel {
			d.Dispatch(ev)
		}
	}()

	return func() {
		bus.Unsubscribe(subID)
		d.Unregister(query.ID)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case del := <-d.queue:
			d.process(del)
		}
	}
}

func (d *Dispatcher) process(del *delivery) {
	if wait := time.Until(del.nextAt); wait > 0 {
		select {
		case <-time.After(wait):
		case <-d.stopCh:
			return
		}
	}

	d.mu.RLock()
	reg, ok := d.webhooks[del.queryID]
	d.mu.RUnlock()
	if !ok || !reg.Enabled {
		return
	}

	err := d.deliver(reg, del.event)
	if err == nil {
		atomic.AddInt64(&d.deliveriesSuccess, 1)
		d.mu.Lock()
		if r, ok := d.webhooks[del.queryID]; ok {
			r.FailCount = 0
		}
		d.mu.Unlock()
		return
	}

	atomic.AddInt64(&d.deliveriesFailed, 1)
	d.log.WithError(err).WithFields(logrus.Fields{"query_id": del.queryID, "event_type": del.event.Type}).
		Debug("webhook: delivery attempt failed")

	d.mu.Lock()
	r, ok := d.webhooks[del.queryID]
	if ok {
		r.FailCount++
		if d.cfg.FailDisableThreshold > 0 && r.FailCount > d.cfg.FailDisableThreshold {
			r.Enabled = false
			d.log.WithField("query_id", del.queryID).Warn("webhook: auto-disabled after repeated delivery failures")
		}
	}
	d.mu.Unlock()

	if del.retryCount >= d.cfg.MaxRetries {
		d.log.WithFields(logrus.Fields{"query_id": del.queryID, "event_type": del.event.Type}).
			Warn("webhook.delivery.failed: exhausted all retry attempts")
		return
	}

	del.retryCount++
	backoff := d.calculateBackoff(del.retryCount)
	// Jitter: wait a uniformly random duration between half and all of the
	// computed backoff so failed deliveries do not retry in lockstep.
	if half := int64(backoff / 2); half > 0 {
		backoff = time.Duration(half + rand.Int63n(half+1)) //nolint:gosec // jitter, not security sensitive
	}
	del.nextAt = time.Now().Add(backoff)
	select {
	case d.queue <- del:
	default:
		d.log.WithField("query_id", del.queryID).Warn("webhook: retry queue full, dropping redelivery")
	}
}

// calculateBackoff doubles RetryBackoff per attempt, capped at MaxBackoff.
func (d *Dispatcher) calculateBackoff(attempt int) time.Duration {
	backoff := d.cfg.RetryBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	if backoff > d.cfg.MaxBackoff {
		return d.cfg.MaxBackoff
	}
	return backoff
}

// eventPayload is the wire shape of a webhook POST body.
type eventPayload struct {
	Event     string      `json:"event"`
	QueryID   string      `json:"query_id"`
	Stage     string      `json:"stage,omitempty"`
	Slot      *int        `json:"slot,omitempty"`
	SeqNum    uint64      `json:"seq_num"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

func (d *Dispatcher) deliver(reg *Registration, event *council.LayerEvent) error {
	body, err := json.Marshal(eventPayload{
		Event:     string(event.Type),
		QueryID:   event.QueryID,
		Stage:     event.Stage,
		Slot:      event.Slot,
		SeqNum:    event.SeqNum,
		Timestamp: event.Timestamp,
		Payload:   event.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reg.Spec.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if reg.Spec.Secret != "" {
		req.Header.Set(d.cfg.SignatureHeader, d.generateSignature(body, reg.Spec.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// generateSignature computes the HMAC-SHA256 signature of payload under
// secret, formatted as "sha256=<hex>".
func (d *Dispatcher) generateSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// GetStats returns a diagnostics snapshot suitable for /metrics-adjacent
// reporting or a debug endpoint.
func (d *Dispatcher) GetStats() map[string]interface{} {
	d.mu.RLock()
	registered := len(d.webhooks)
	d.mu.RUnlock()
	return map[string]interface{}{
		"webhooks_registered": registered,
		"deliveries_success":  atomic.LoadInt64(&d.deliveriesSuccess),
		"deliveries_failed":   atomic.LoadInt64(&d.deliveriesFailed),
	}
}
