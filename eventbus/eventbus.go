// Package eventbus is the in-process pub/sub of spec.md §4.5: bounded
// per-subscriber queues, drop-oldest-then-evict slow consumers, and an
// atomic initial_state snapshot on attach. It's grounded on the register/
// unregister/broadcast shape of the pack's pty.Hub, generalized from one
// shared []byte channel to N independently-filtered, independently-paced
// subscriber queues.
package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spoolbuddy/core/events"
	"github.com/spoolbuddy/core/metrics"
)

// DefaultQueueDepth is spec.md §6's subscriber_queue_depth default.
const DefaultQueueDepth = 256

// evictAfterDrops / evictWindow are spec.md §4.5's slow-consumer policy:
// 3 drop events within 30s evicts the subscriber.
const (
	evictAfterDrops = 3
	evictWindow     = 30 * time.Second
)

// Filter decides whether a subscriber wants a given event. A nil Filter
// receives everything.
type Filter func(events.Event) bool

type subscriber struct {
	id     string
	ch     chan events.Event
	filter Filter

	mu       sync.Mutex
	drops    []time.Time
	evicted  bool
}

// send enqueues e, dropping the oldest queued event (not e) if the queue is
// full, per spec.md §4.5. Returns true if this send pushed the subscriber
// over the eviction threshold.
func (s *subscriber) send(e events.Event) (dropped bool, nowEvicted bool) {
	select {
	case s.ch <- e:
		return false, false
	default:
	}

	select {
	case <-s.ch: // drop oldest
	default:
	}
	select {
	case s.ch <- e:
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-evictWindow)
	kept := s.drops[:0]
	for _, t := range s.drops {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.drops = append(kept, now)
	if len(s.drops) >= evictAfterDrops && !s.evicted {
		s.evicted = true
		return true, true
	}
	return true, false
}

// notify is a best-effort, non-counting send used for the slow_consumer
// marker itself — it must never recursively trigger another drop count.
func (s *subscriber) notify(e events.Event) {
	select {
	case s.ch <- e:
	default:
	}
}

// Bus is the broadcast hub. One Bus serves every SpoolBuddy subscriber
// (UI WebSocket clients and the slot-assignment workflow's own watcher).
type Bus struct {
	queueDepth int
	metrics    *metrics.Metrics

	mu   sync.RWMutex
	subs map[string]*subscriber
}

// New builds a Bus with the given per-subscriber queue depth (0 uses
// DefaultQueueDepth).
func New(queueDepth int) *Bus {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &Bus{queueDepth: queueDepth, subs: make(map[string]*subscriber)}
}

// SetMetrics attaches a Metrics sink. A Bus with no sink attached (the zero
// value, nil) records nothing.
func (b *Bus) SetMetrics(m *metrics.Metrics) {
	b.metrics = m
}

// Subscribe attaches a new subscriber. If snapshot is non-nil, it is called
// while Publish is blocked from admitting new events to this subscriber,
// guaranteeing the events it returns reflect exactly the events delivered
// before attach — spec.md §4.5's atomic-snapshot property. snapshot may
// return any number of events (e.g. one initial_state plus one printer_state
// per known printer); they are enqueued in order ahead of anything Publish
// admits afterward. The returned unsubscribe func must be called exactly
// once, on disconnect.
func (b *Bus) Subscribe(filter Filter, snapshot func() []events.Event) (id string, ch <-chan events.Event, unsubscribe func()) {
	b.mu.Lock()
	id = uuid.NewString()
	s := &subscriber{id: id, ch: make(chan events.Event, b.queueDepth), filter: filter}
	b.subs[id] = s
	if snapshot != nil {
		for _, ev := range snapshot() {
			if ev != nil {
				s.send(ev)
			}
		}
	}
	b.mu.Unlock()

	return id, s.ch, func() { b.unsubscribe(id) }
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Publish delivers e to every subscriber whose filter admits it. Subscribers
// that hit the eviction threshold are removed and their channel is closed,
// which the WS layer reads as "connection should close."
func (b *Bus) Publish(e events.Event) {
	b.metrics.EventPublished(string(e.EventType()))

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter == nil || s.filter(e) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	var evicted []string
	for _, s := range targets {
		dropped, nowEvicted := s.send(e)
		if dropped {
			s.notify(events.SlowConsumer{Dropped: 1})
			b.metrics.QueueDrop()
		}
		if nowEvicted {
			evicted = append(evicted, s.id)
		}
	}
	for _, id := range evicted {
		b.evict(id)
	}
}

func (b *Bus) evict(id string) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(s.ch)
		b.metrics.SubscriberEvicted()
	}
}

// SubscriberCount reports the number of currently-attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
