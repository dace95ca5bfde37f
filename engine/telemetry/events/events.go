// Package events implements the engine's telemetry bus: an unbounded
// multi-producer channel carrying TelemetryEvent variants from producers
// (render system, hardware probes, subsystems) to its subscribers, chief
// among them the DCC worker. Every subscriber receives every event through
// its own unbounded queue. Publish never blocks the caller.
package events

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	metrics "github.com/ember-engine/ember/engine/telemetry/metrics"
	"go.opentelemetry.io/otel/trace"
)

// Kind enumerates the TelemetryEvent variants from the data model.
type Kind string

const (
	KindMetricUpdate    Kind = "metric_update"
	KindResourceReport  Kind = "resource_report"
	KindHardwareReport  Kind = "hardware_report"
	KindPhaseChange     Kind = "phase_change"
	KindGpuReport       Kind = "gpu_report"
	KindAdvisory        Kind = "advisory" // heuristic alerts, carried on the same bus as the closed protocol set
	KindAgentRegistered Kind = "agent_registered"
)

// Event is the structured envelope for telemetry events flowing into the bus.
type Event struct {
	ID       uuid.UUID
	Time     time.Time
	Kind     Kind
	TraceID  string
	SpanID   string
	MetricID string
	Value    float64
	Phase    string
	Message  string
	Labels   map[string]string
	Fields   map[string]any
}

// Subscription is a handle representing a consumer of events. The DCC
// worker is expected to hold exactly one; additional subscribers (CLI
// snapshot stream, history ledger) may attach independently.
type Subscription interface {
	C() <-chan Event
	// Pending reports how many published events have not yet been
	// received from C(), counting the one the pump may be holding
	// mid-delivery. A drain loop that sees Pending() == 0 after an
	// empty non-blocking receive has observed everything published
	// before the loop started.
	Pending() int
	Close()
	ID() int64
}

// BusStats returns runtime counters for observability.
type BusStats struct {
	Subscribers int64
	Published   uint64
	Queued      int64
}

// Bus is the unbounded, non-blocking multi-producer telemetry channel.
type Bus interface {
	Publish(ev Event)
	PublishCtx(ctx context.Context, ev Event)
	Subscribe() Subscription
	Stats() BusStats
}

// NewBus creates an unbounded event bus. provider may be nil.
func NewBus(provider metrics.Provider) Bus {
	b := &eventBus{subs: make(map[int64]*subscriber), provider: provider}
	b.initMetrics()
	return b
}

type eventBus struct {
	mu        sync.RWMutex
	subs      map[int64]*subscriber
	nextID    int64
	published atomic.Uint64

	provider   metrics.Provider
	mPublished metrics.Counter
}

func (b *eventBus) initMetrics() {
	if b.provider == nil {
		return
	}
	b.mPublished = b.provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "ember", Subsystem: "telemetry", Name: "events_published_total", Help: "Total telemetry events published to the bus"}})
}

// Publish fans an event out to every subscriber's unbounded queue. It
// never blocks: each subscriber owns a growing linked-list buffer drained
// by its own goroutine via C().
func (b *eventBus) Publish(ev Event) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	b.published.Add(1)
	if b.mPublished != nil {
		b.mPublished.Inc(1)
	}
	for _, s := range subs {
		s.enqueue(ev)
	}
}

func (b *eventBus) PublishCtx(ctx context.Context, ev Event) {
	if ev.TraceID == "" && ev.SpanID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			ev.TraceID = sc.TraceID().String()
			ev.SpanID = sc.SpanID().String()
		}
	}
	b.Publish(ev)
}

func (b *eventBus) Subscribe() Subscription {
	id := atomic.AddInt64(&b.nextID, 1)
	s := &subscriber{id: id, bus: b, out: make(chan Event), queue: list.New(), notify: make(chan struct{}, 1), done: make(chan struct{})}
	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()
	go s.pump()
	return s
}

func (b *eventBus) unsubscribe(id int64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

func (b *eventBus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var queued int64
	for _, s := range b.subs {
		queued += s.len()
	}
	return BusStats{Subscribers: int64(len(b.subs)), Published: b.published.Load(), Queued: queued}
}

// subscriber buffers events in an unbounded linked list so Publish never
// blocks regardless of how slowly the consumer drains C(). This is the
// idiomatic Go rendition of an unbounded MPSC queue: a mutex-guarded list
// plus a single-slot wakeup channel, fed into a real channel by a pump
// goroutine so callers keep the familiar range-over-channel idiom.
type subscriber struct {
	id       int64
	bus      *eventBus
	mu       sync.Mutex
	queue    *list.List
	notify   chan struct{}
	out      chan Event
	done     chan struct{}
	inflight atomic.Bool
	closed   atomic.Bool
}

func (s *subscriber) enqueue(ev Event) {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	s.queue.PushBack(ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) len() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(s.queue.Len())
	if s.inflight.Load() {
		n++
	}
	return n
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		front := s.queue.Front()
		var ev Event
		if front != nil {
			ev = front.Value.(Event)
			s.queue.Remove(front)
			s.inflight.Store(true)
		}
		s.mu.Unlock()
		if front == nil {
			if s.closed.Load() {
				return
			}
			select {
			case <-s.notify:
			case <-s.done:
				return
			}
			continue
		}
		select {
		case s.out <- ev:
			s.inflight.Store(false)
		case <-s.done:
			s.inflight.Store(false)
			return
		}
	}
}

func (s *subscriber) C() <-chan Event { return s.out }
func (s *subscriber) Pending() int    { return int(s.len()) }
func (s *subscriber) ID() int64       { return s.id }
func (s *subscriber) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.bus.unsubscribe(s.id)
		close(s.done)
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}
