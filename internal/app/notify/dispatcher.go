// Package notify fans ledger events out to external delivery channels.
//
// Delivery is best effort and asynchronous: Publish only enqueues, and a
// single worker delivers to every sink in order. A failing sink is logged
// and counted, never reported back to the ledger operation that produced
// the event. When the queue is full the event is dropped and counted.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bizcoin/bizcoin/internal/domain"
	"github.com/bizcoin/bizcoin/internal/infra/observability"
)

const (
	// DefaultTimeout bounds a single sink delivery.
	DefaultTimeout = 2 * time.Second
	// DefaultQueueSize is the number of events buffered for delivery.
	DefaultQueueSize = 1024
)

type delivery struct {
	ctx context.Context
	ev  domain.Event
}

// Dispatcher delivers each event to every registered sink in order.
type Dispatcher struct {
	timeout time.Duration
	log     *zap.Logger

	mu     sync.RWMutex
	sinks  []domain.EventSink
	closed bool

	queue chan delivery
	done  chan struct{}
}

// NewDispatcher creates a dispatcher over sinks and starts its worker.
// A non-positive queueSize uses DefaultQueueSize. Close stops it.
func NewDispatcher(log *zap.Logger, queueSize int, sinks ...domain.EventSink) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	d := &Dispatcher{
		sinks:   sinks,
		timeout: DefaultTimeout,
		log:     log.Named("notify"),
		queue:   make(chan delivery, queueSize),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// SetTimeout overrides the per-sink delivery timeout. Call before the
// first Publish.
func (d *Dispatcher) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.timeout = timeout
	}
}

// Add registers another sink.
func (d *Dispatcher) Add(sink domain.EventSink) {
	d.mu.Lock()
	d.sinks = append(d.sinks, sink)
	d.mu.Unlock()
}

// Sinks returns the registered sink names.
func (d *Dispatcher) Sinks() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name()
	}
	return names
}

// Publish enqueues ev and returns without waiting for any sink. The
// caller's cancellation does not cut delivery short; each sink gets its
// own timeout instead.
func (d *Dispatcher) Publish(ctx context.Context, ev domain.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		observability.NotificationsDropped.Inc()
		return
	}
	select {
	case d.queue <- delivery{ctx: context.WithoutCancel(ctx), ev: ev}:
	default:
		observability.NotificationsDropped.Inc()
		d.log.Warn("event queue full, dropping event",
			zap.String("event_id", ev.ID),
			zap.String("kind", string(ev.Kind)))
	}
}

// Close stops accepting events, delivers what is queued and waits for the
// worker. It is safe to call more than once.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.done
	return nil
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for job := range d.queue {
		d.mu.RLock()
		sinks := d.sinks
		d.mu.RUnlock()
		for _, sink := range sinks {
			d.deliver(job, sink)
		}
	}
}

func (d *Dispatcher) deliver(job delivery, sink domain.EventSink) {
	ctx, cancel := context.WithTimeout(job.ctx, d.timeout)
	defer cancel()
	if err := sink.Publish(ctx, job.ev); err != nil {
		observability.NotificationFailures.WithLabelValues(sink.Name()).Inc()
		d.log.Warn("event delivery failed",
			zap.String("sink", sink.Name()),
			zap.String("event_id", job.ev.ID),
			zap.String("kind", string(job.ev.Kind)),
			zap.Error(err))
		return
	}
	observability.NotificationsSent.WithLabelValues(sink.Name()).Inc()
}
