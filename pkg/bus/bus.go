package bus

import (
	"container/heap"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	sharedclock "github.com/incident-commander/coordinator/pkg/sharedutil/clock"
	"github.com/incident-commander/coordinator/pkg/sharedutil/retry"
)

// Handler processes one delivered message. A returned error triggers
// the shared backoff-and-retry policy; nil acknowledges delivery.
type Handler func(ctx context.Context, msg Message) error

// Unsubscribe detaches a handler. It is idempotent: calling it more
// than once is a no-op.
type Unsubscribe func()

// Config configures a Bus. Zero values take the design's defaults.
type Config struct {
	RetryPolicy retry.Policy
	Clock       sharedclock.Clock
	Logger      *logrus.Logger
}

// Stats is a point-in-time snapshot of cumulative bus counters.
type Stats struct {
	Delivered    int64
	Retried      int64
	DeadLettered int64
	DroppedExpired int64
}

// Bus is an in-process, topic-addressed priority broker. Durability
// across restarts is provided only by EventStore, per design §4.4; the
// bus itself holds nothing once a message is delivered or dead-lettered.
type Bus struct {
	cfg Config

	rndMu sync.Mutex
	rnd   *rand.Rand

	mu     sync.Mutex
	topics map[string]*topicState
	closed bool

	delivered      atomic.Int64
	retried        atomic.Int64
	deadLettered   atomic.Int64
	droppedExpired atomic.Int64
}

type topicState struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   priorityQueue
	seq     uint64
	subs    map[int]*subscription
	nextSub int
	closed  bool
}

type subscription struct {
	id      int
	handler Handler
}

// New constructs a Bus.
func New(cfg Config) *Bus {
	if cfg.RetryPolicy == (retry.Policy{}) {
		cfg.RetryPolicy = retry.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = sharedclock.SystemClock{}
	}
	return &Bus{
		cfg:    cfg,
		rnd:    rand.New(rand.NewSource(1)),
		topics: make(map[string]*topicState),
	}
}

func (b *Bus) topic(name string) *topicState {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts, ok := b.topics[name]
	if !ok {
		ts = &topicState{subs: make(map[int]*subscription)}
		ts.cond = sync.NewCond(&ts.mu)
		b.topics[name] = ts
		go b.dispatchLoop(name, ts)
	}
	return ts
}

// Subscribe registers handler for topic and returns an idempotent
// unsubscribe handle.
func (b *Bus) Subscribe(topic string, handler Handler) Unsubscribe {
	ts := b.topic(topic)
	ts.mu.Lock()
	id := ts.nextSub
	ts.nextSub++
	ts.subs[id] = &subscription{id: id, handler: handler}
	ts.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ts.mu.Lock()
			delete(ts.subs, id)
			ts.mu.Unlock()
		})
	}
}

// Publish enqueues msg for delivery. Messages already past ExpiresAt
// are dropped without delivery and counted; messages with a future
// NotBefore become visible only once that time arrives.
func (b *Bus) Publish(msg Message) error {
	if msg.Topic == "" {
		return fmt.Errorf("bus: message topic must not be empty")
	}
	if msg.Attempt < 1 {
		msg.Attempt = 1
	}
	now := b.cfg.Clock.Now()
	if !msg.ExpiresAt.IsZero() && !now.Before(msg.ExpiresAt) {
		b.droppedExpired.Add(1)
		return nil
	}
	if !msg.NotBefore.IsZero() && now.Before(msg.NotBefore) {
		delay := msg.NotBefore.Sub(now)
		time.AfterFunc(delay, func() { b.enqueue(msg) })
		return nil
	}
	b.enqueue(msg)
	return nil
}

func (b *Bus) enqueue(msg Message) {
	ts := b.topic(msg.Topic)
	ts.mu.Lock()
	ts.seq++
	heap.Push(&ts.queue, &queuedMessage{msg: msg, seq: ts.seq})
	ts.cond.Signal()
	ts.mu.Unlock()
}

// dispatchLoop drains ts in priority order, fanning each message out to
// every subscriber currently registered on the topic. Retries for a
// slow or failing subscriber run in their own goroutine so one
// subscriber's backoff never stalls delivery of the next message.
func (b *Bus) dispatchLoop(topic string, ts *topicState) {
	for {
		ts.mu.Lock()
		for ts.queue.Len() == 0 && !ts.closed {
			ts.cond.Wait()
		}
		if ts.closed && ts.queue.Len() == 0 {
			ts.mu.Unlock()
			return
		}
		item := heap.Pop(&ts.queue).(*queuedMessage)
		subs := make([]*subscription, 0, len(ts.subs))
		for _, s := range ts.subs {
			subs = append(subs, s)
		}
		ts.mu.Unlock()

		now := b.cfg.Clock.Now()
		if !item.msg.ExpiresAt.IsZero() && !now.Before(item.msg.ExpiresAt) {
			b.droppedExpired.Add(1)
			continue
		}

		// The first delivery attempt to each subscriber runs
		// synchronously, in queue order, so priority-first/FIFO
		// ordering is observable at the point handlers are invoked.
		// Only a failing attempt's retries move to a background
		// goroutine, so one subscriber's backoff never stalls
		// delivery of the next queued message.
		for _, sub := range subs {
			if cont := b.deliverOnce(topic, sub, item.msg, item.msg.Attempt); !cont {
				continue
			}
			go b.retryLoop(topic, sub, item.msg)
		}
	}
}

// deliverOnce performs a single attempt. It returns true if the
// message failed and is eligible for a retry, in which case the
// caller is responsible for continuing the retry loop asynchronously.
func (b *Bus) deliverOnce(topic string, sub *subscription, msg Message, attempt int) bool {
	if attempt < 1 {
		attempt = 1
	}
	delivery := msg
	delivery.Attempt = attempt
	err := sub.handler(context.Background(), delivery)
	if err == nil {
		b.delivered.Add(1)
		return false
	}
	if !b.cfg.RetryPolicy.Retryable(attempt) {
		b.deadLetter(topic, msg, err)
		return false
	}
	return true
}

func (b *Bus) retryLoop(topic string, sub *subscription, msg Message) {
	attempt := msg.Attempt
	if attempt < 1 {
		attempt = 1
	}
	for {
		b.retried.Add(1)
		time.Sleep(b.delay(attempt))
		attempt++
		delivery := msg
		delivery.Attempt = attempt
		err := sub.handler(context.Background(), delivery)
		if err == nil {
			b.delivered.Add(1)
			return
		}
		if !b.cfg.RetryPolicy.Retryable(attempt) {
			b.deadLetter(topic, msg, err)
			return
		}
	}
}

func (b *Bus) deadLetter(topic string, msg Message, err error) {
	b.deadLettered.Add(1)
	b.enqueue(Message{
		Topic:    DeadLetterTopic,
		Priority: msg.Priority,
		Payload:  DeadLetter{Original: msg, LastError: err},
		Attempt:  1,
	})
	if b.cfg.Logger != nil {
		b.cfg.Logger.WithFields(logrus.Fields{
			"component": "bus", "topic": topic, "error": err,
		}).Warn("message exhausted retries, dead-lettered")
	}
}

func (b *Bus) delay(attempt int) time.Duration {
	b.rndMu.Lock()
	defer b.rndMu.Unlock()
	return b.cfg.RetryPolicy.Delay(attempt, b.rnd)
}

// Stats returns a snapshot of cumulative bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Delivered:      b.delivered.Load(),
		Retried:        b.retried.Load(),
		DeadLettered:   b.deadLettered.Load(),
		DroppedExpired: b.droppedExpired.Load(),
	}
}

// Close stops every topic's dispatch loop once its queue drains. It
// does not wait for in-flight retry goroutines.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ts := range b.topics {
		ts.mu.Lock()
		ts.closed = true
		ts.cond.Broadcast()
		ts.mu.Unlock()
	}
}
