package audit

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Config controls dispatcher buffering behavior.
type Config struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger that reports dropped events and sink panics.
func WithLogger(log zerolog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// Dispatcher forwards audit events to a sink from a single worker. A nil
// *Dispatcher is valid and drops everything.
type Dispatcher struct {
	cfg  Config
	sink Sink
	log  zerolog.Logger

	queue   chan Event
	stop    chan struct{}
	stopped sync.WaitGroup

	dropped   atomic.Uint64
	delivered atomic.Uint64
	panicked  atomic.Uint64

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewDispatcher starts a dispatcher, or returns nil when cfg is disabled.
func NewDispatcher(cfg Config, sink Sink, opts ...Option) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &Dispatcher{
		cfg:   cfg,
		sink:  sink,
		log:   zerolog.Nop(),
		queue: make(chan Event, cfg.BufferSize),
		stop:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.stopped.Add(1)
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer d.stopped.Done()
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		case <-d.stop:
			d.drain()
			return
		}
	}
}

// drain delivers whatever is still queued at Close.
func (d *Dispatcher) drain() {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		default:
			return
		}
	}
}

// deliver hands ev to the sink. A panicking sink loses that one event; the
// worker keeps running.
func (d *Dispatcher) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.panicked.Add(1)
			d.log.Error().
				Str("event", ev.EventType).
				Interface("panic", r).
				Msg("audit sink panicked, event lost")
		}
	}()
	d.sink.Emit(context.Background(), ev)
	d.delivered.Add(1)
}

// drop counts a lost event. The first drop and every power of two after it
// are logged so a saturated sink cannot flood the log.
func (d *Dispatcher) drop(ev Event, reason string) {
	n := d.dropped.Add(1)
	if n&(n-1) == 0 {
		d.log.Warn().
			Str("event", ev.EventType).
			Str("reason", reason).
			Uint64("dropped_total", n).
			Int("buffer_size", d.cfg.BufferSize).
			Msg("audit event dropped")
	}
}

// Emit queues ev. With DropIfFull a full buffer drops the event; otherwise
// Emit waits for room, and an event whose ctx ends first is dropped too.
func (d *Dispatcher) Emit(ctx context.Context, ev Event) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.cfg.DropIfFull {
		select {
		case d.queue <- ev:
		case <-d.stop:
		default:
			d.drop(ev, "buffer_full")
		}
		return
	}

	select {
	case d.queue <- ev:
	case <-ctx.Done():
		d.drop(ev, "context_done")
	case <-d.stop:
	}
}

// Close delivers queued events and stops the worker. It is idempotent.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.stop)
		d.stopped.Wait()
	})
}

// Dropped reports events lost to a full buffer or an expired context.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Delivered reports events the sink accepted.
func (d *Dispatcher) Delivered() uint64 {
	if d == nil {
		return 0
	}
	return d.delivered.Load()
}

// Panicked reports events lost to a panicking sink.
func (d *Dispatcher) Panicked() uint64 {
	if d == nil {
		return 0
	}
	return d.panicked.Load()
}
