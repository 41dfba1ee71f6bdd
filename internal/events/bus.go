// Package events implements the council's monotonic event bus: a bounded,
// multi-producer/multi-consumer fan-out of council.LayerEvent values keyed
// by query id, with an at-least-once delivery contract to subscribers that
// hold only a cursor and a delivery closure.
package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amiable-dev/llm-council/internal/council"
)

// BusConfig tunes the bus's buffering and delivery behavior.
type BusConfig struct {
	BufferSize     int
	PublishTimeout time.Duration
	MaxSubscribers int
}

// DefaultBusConfig mirrors the teacher's event bus defaults.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		BufferSize:     1000,
		PublishTimeout: 10 * time.Millisecond,
		MaxSubscribers: 256,
	}
}

// Subscriber receives events for a single query. It holds only a channel and
// an optional filter; it never references the Bus or the Orchestrator.
type Subscriber struct {
	ID      string
	QueryID string
	Channel chan *council.LayerEvent
	Filter  func(*council.LayerEvent) bool

	mu     sync.RWMutex
	closed bool
}

// Close marks the subscriber closed and closes its channel exactly once.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.Channel)
}

func (s *Subscriber) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// trySend delivers event without blocking the publisher beyond timeout; a
// full subscriber buffer results in a dropped delivery, never a stall.
func (s *Subscriber) trySend(event *council.LayerEvent, timeout time.Duration) bool {
	if s.isClosed() {
		return false
	}
	if s.Filter != nil && !s.Filter(event) {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.Channel <- event:
		return true
	case <-timer.C:
		return false
	}
}

// counter is a per-query monotonic sequence generator guarded by a mutex, as
// required by the single-counter-under-mutual-exclusion ordering rule.
type counter struct {
	mu  sync.Mutex
	seq uint64
}

func (c *counter) next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Bus is the process-wide event fabric. One Bus instance serves every query;
// per-query ordering is enforced by a per-query counter.
type Bus struct {
	cfg BusConfig
	log *logrus.Logger

	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	counters    map[string]*counter
	dropped     uint64
}

// NewBus constructs a Bus with the given configuration and logger.
func NewBus(cfg BusConfig, log *logrus.Logger) *Bus {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Bus{
		cfg:         cfg,
		log:         log,
		subscribers: make(map[string]*Subscriber),
		counters:    make(map[string]*counter),
	}
}

// Subscribe registers a subscriber for a single query id and returns it. The
// caller drains Channel until it is closed.
func (b *Bus) Subscribe(id, queryID string, filter func(*council.LayerEvent) bool) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &Subscriber{
		ID:      id,
		QueryID: queryID,
		Channel: make(chan *council.LayerEvent, b.cfg.BufferSize),
		Filter:  filter,
	}
	b.subscribers[id] = sub
	return sub
}

// Unsubscribe closes and removes a subscriber.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	delete(b.subscribers, id)
	b.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// NextSeq returns the next monotonic sequence number for queryID.
func (b *Bus) NextSeq(queryID string) uint64 {
	b.mu.Lock()
	c, ok := b.counters[queryID]
	if !ok {
		c = &counter{}
		b.counters[queryID] = c
	}
	b.mu.Unlock()
	return c.next()
}

// ReleaseQuery drops the per-query counter once a session has sealed.
func (b *Bus) ReleaseQuery(queryID string) {
	b.mu.Lock()
	delete(b.counters, queryID)
	b.mu.Unlock()
}

// Publish assigns event.SeqNum (if unset) and fans it out to every
// subscriber registered for event.QueryID. Publish never blocks the caller
// beyond the bus's configured publish timeout per subscriber.
func (b *Bus) Publish(event *council.LayerEvent) {
	if event.SeqNum == 0 {
		event.SeqNum = b.NextSeq(event.QueryID)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	targets := make([]*Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.QueryID == event.QueryID {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if !sub.trySend(event, b.cfg.PublishTimeout) {
			b.mu.Lock()
			b.dropped++
			b.mu.Unlock()
			b.log.WithFields(logrus.Fields{
				"query_id":   event.QueryID,
				"subscriber": sub.ID,
				"event_type": event.Type,
			}).Warn("event bus: delivery dropped, subscriber buffer full or slow")
		}
	}
}

// DroppedCount returns the number of deliveries dropped due to a full
// subscriber buffer, for diagnostics and metrics.
func (b *Bus) DroppedCount() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
