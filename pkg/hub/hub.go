// Package hub is the SubscriberHub of design §4.9: it fans every
// incident.Event out to every live subscriber (an API connection
// streaming events to an operator's dashboard), batching by size or
// latency and applying a configurable backpressure policy when a
// subscriber falls behind. The subscriber list itself is copy-on-write
// so Publish never blocks behind a Subscribe/Unsubscribe.
package hub

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/incident-commander/coordinator/pkg/incident"
	"github.com/incident-commander/coordinator/pkg/sharedutil/clock"
)

// BackpressurePolicy decides what happens when a subscriber's outbound
// batch can't be delivered before its bounded channel fills up.
type BackpressurePolicy string

const (
	// PolicyDropOldest discards the oldest buffered batch to make room
	// for the new one; the subscriber loses history but stays connected.
	PolicyDropOldest BackpressurePolicy = "drop_oldest"
	// PolicyDisconnect closes the subscriber rather than let it fall
	// arbitrarily far behind.
	PolicyDisconnect BackpressurePolicy = "disconnect"
)

// Config tunes batching and backpressure. Zero-value fields are
// defaulted by New.
type Config struct {
	MaxBatchSize   int
	MaxBatchLatency time.Duration
	OutboxCapacity int
	Backpressure   BackpressurePolicy
	GracePeriod    time.Duration
	Clock          clock.Clock
	Logger         *logrus.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 50
	}
	if c.MaxBatchLatency <= 0 {
		c.MaxBatchLatency = 250 * time.Millisecond
	}
	if c.OutboxCapacity <= 0 {
		c.OutboxCapacity = 64
	}
	if c.Backpressure == "" {
		c.Backpressure = PolicyDropOldest
	}
	if c.Clock == nil {
		c.Clock = clock.SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
	return c
}

// Quality is the connection-quality snapshot exported per subscriber,
// mirrored onto Prometheus gauges/counters by RegisterMetrics.
type Quality struct {
	ID            string
	Delivered     uint64
	Dropped       uint64
	Disconnected  bool
	LastDeliverAt time.Time
}

type subscriber struct {
	id       string
	incident string // empty means "every incident"
	outbox   chan []incident.Event
	done     chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	pending       []incident.Event
	delivered     uint64
	dropped       uint64
	disconnected  bool
	lastDeliverAt time.Time
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// Hub fans out incident events to registered subscribers.
type Hub struct {
	cfg Config

	mu      sync.Mutex
	subs    []*subscriber // copy-on-write: Publish reads a snapshot without locking per-event
	recent  map[string]*subscriber // disconnected subscribers still inside their grace period, keyed by id
}

// New builds a Hub. cfg zero-values are defaulted.
func New(cfg Config) *Hub {
	return &Hub{cfg: cfg.withDefaults(), recent: map[string]*subscriber{}}
}

// Subscribe registers id as a subscriber and returns the channel of
// delivered batches and an Unsubscribe func. incidentID, when
// non-empty, filters delivery to that incident only.
//
// If id reconnects within Config.GracePeriod of a prior Unsubscribe (or
// a backpressure disconnect), the reconnecting call resumes the same
// subscriber state — including any batch still sitting in its outbox
// — instead of starting fresh. GracePeriod == 0 disables this and every
// Subscribe call starts clean.
func (h *Hub) Subscribe(id, incidentID string) (<-chan []incident.Event, func()) {
	h.mu.Lock()
	if h.cfg.GracePeriod > 0 {
		if s, ok := h.recent[id]; ok {
			delete(h.recent, id)
			s.mu.Lock()
			s.disconnected = false
			s.done = make(chan struct{})
			s.closeOnce = sync.Once{}
			s.mu.Unlock()
			h.addLocked(s)
			h.mu.Unlock()
			go h.batchLoop(s)
			return s.outbox, func() { h.unsubscribe(s) }
		}
	}
	h.mu.Unlock()

	s := &subscriber{
		id:       id,
		incident: incidentID,
		outbox:   make(chan []incident.Event, h.cfg.OutboxCapacity),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	h.addLocked(s)
	h.mu.Unlock()

	go h.batchLoop(s)

	return s.outbox, func() { h.unsubscribe(s) }
}

func (h *Hub) addLocked(s *subscriber) {
	next := make([]*subscriber, len(h.subs)+1)
	copy(next, h.subs)
	next[len(h.subs)] = s
	h.subs = next
}

// unsubscribe is a deliberate, caller-initiated disconnect: it honors
// GracePeriod the same as a backpressure-triggered remove.
func (h *Hub) unsubscribe(target *subscriber) {
	h.remove(target)
}

func (h *Hub) remove(target *subscriber) {
	target.close()
	h.mu.Lock()
	defer h.mu.Unlock()
	next := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		if s != target {
			next = append(next, s)
		}
	}
	h.subs = next

	if h.cfg.GracePeriod > 0 {
		h.recent[target.id] = target
		grace := h.cfg.GracePeriod
		id := target.id
		time.AfterFunc(grace, func() {
			h.mu.Lock()
			if h.recent[id] == target {
				delete(h.recent, id)
			}
			h.mu.Unlock()
		})
	}
}

// Publish fans e out to every subscriber whose incident filter matches.
// It never blocks: events are queued per-subscriber and flushed by
// that subscriber's own batchLoop.
func (h *Hub) Publish(e incident.Event) {
	h.mu.Lock()
	subs := h.subs
	h.mu.Unlock()

	for _, s := range subs {
		if s.incident != "" && s.incident != e.IncidentID {
			continue
		}
		s.mu.Lock()
		s.pending = append(s.pending, e)
		full := len(s.pending) >= h.cfg.MaxBatchSize
		s.mu.Unlock()
		if full {
			h.flush(s)
		}
	}
}

func (h *Hub) batchLoop(s *subscriber) {
	ticker := time.NewTicker(h.cfg.MaxBatchLatency)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			h.flush(s)
		}
	}
}

func (h *Hub) flush(s *subscriber) {
	s.mu.Lock()
	if len(s.pending) == 0 || s.disconnected {
		s.mu.Unlock()
		return
	}
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	select {
	case s.outbox <- batch:
		s.mu.Lock()
		s.delivered += uint64(len(batch))
		s.lastDeliverAt = h.cfg.Clock.Now()
		s.mu.Unlock()
		return
	default:
	}

	switch h.cfg.Backpressure {
	case PolicyDisconnect:
		s.mu.Lock()
		s.disconnected = true
		dropped := uint64(len(batch))
		s.dropped += dropped
		s.mu.Unlock()
		h.cfg.Logger.WithField("subscriber_id", s.id).Warn("disconnecting slow subscriber")
		h.remove(s)
	default: // PolicyDropOldest
		select {
		case old := <-s.outbox:
			s.mu.Lock()
			s.dropped += uint64(len(old))
			s.mu.Unlock()
		default:
		}
		select {
		case s.outbox <- batch:
			s.mu.Lock()
			s.delivered += uint64(len(batch))
			s.lastDeliverAt = h.cfg.Clock.Now()
			s.mu.Unlock()
		default:
			s.mu.Lock()
			s.dropped += uint64(len(batch))
			s.mu.Unlock()
		}
	}
}

// Quality returns a connection-quality snapshot for every live
// subscriber, in no particular order.
func (h *Hub) Quality() []Quality {
	h.mu.Lock()
	subs := h.subs
	h.mu.Unlock()

	out := make([]Quality, 0, len(subs))
	for _, s := range subs {
		s.mu.Lock()
		out = append(out, Quality{
			ID:            s.id,
			Delivered:     s.delivered,
			Dropped:       s.dropped,
			Disconnected:  s.disconnected,
			LastDeliverAt: s.lastDeliverAt,
		})
		s.mu.Unlock()
	}
	return out
}

// Count returns the number of currently registered subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
