// Package dispatch delivers engine events to the consumer in order, on a
// single delivery goroutine, through a bounded drop-oldest queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"geofenced/internal/metrics"
	"geofenced/internal/permission"
)

var (
	// ErrUnavailable is returned by a Sink when no consumer is attached.
	ErrUnavailable = errors.New("dispatch: consumer unavailable")

	// ErrNotInitialized is returned for operations that need an active dispatcher.
	ErrNotInitialized = errors.New("dispatch: not initialized")

	// ErrAlreadyRunning is returned by Start on a running dispatcher.
	ErrAlreadyRunning = errors.New("dispatch: already running")
)

// Sink receives events on the delivery goroutine.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// PermissionSource reports the current location permission.
type PermissionSource interface {
	CurrentState() permission.State
}

// Config controls queueing and delivery.
type Config struct {
	// QueueSize bounds the number of undelivered events.
	QueueSize int

	// DeliveryTimeout bounds a single Sink.Deliver call.
	DeliveryTimeout time.Duration
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:       256,
		DeliveryTimeout: 5 * time.Second,
	}
}

// Stats counts what happened to published events.
type Stats struct {
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Overflow    uint64 `json:"overflow"`
	Unavailable uint64 `json:"unavailable"`
	Failed      uint64 `json:"failed"`
	Discarded   uint64 `json:"discarded"`
	Rejected    uint64 `json:"rejected"`
}

type queued struct {
	ev    Event
	epoch uint64
}

// Dispatcher serializes events to a Sink.
type Dispatcher struct {
	cfg     Config
	perms   PermissionSource
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sink     Sink
	active   bool
	epoch    uint64
	onUnInit []func()
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}

	queue  *ring[queued]
	notify chan struct{}

	published   atomic.Uint64
	delivered   atomic.Uint64
	overflow    atomic.Uint64
	unavailable atomic.Uint64
	failed      atomic.Uint64
	discarded   atomic.Uint64
	rejected    atomic.Uint64
}

// New creates an uninitialized dispatcher.
func New(cfg Config, perms PermissionSource, sink Sink, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultConfig().DeliveryTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		cfg:     cfg,
		perms:   perms,
		sink:    sink,
		log:     logger,
		metrics: m,
		notify:  make(chan struct{}, 1),
	}
	d.queue = newRing(cfg.QueueSize, d.dropOldest)
	return d
}

// SetSink replaces the consumer. A nil sink makes every delivery unavailable.
func (d *Dispatcher) SetSink(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = s
}

// OnUnInit registers a hook that runs whenever the dispatcher is uninitialized.
func (d *Dispatcher) OnUnInit(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onUnInit = append(d.onUnInit, fn)
}

// Init activates the dispatcher. It requires at least foreground permission.
func (d *Dispatcher) Init() error {
	state := d.perms.CurrentState()
	if !state.Granted() {
		return fmt.Errorf("init dispatcher in state %s: %w", state, permission.ErrDenied)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active {
		return nil
	}
	d.active = true
	d.epoch++
	d.metrics.SetDispatcherActive(true)
	d.log.Info("dispatcher initialized")
	return nil
}

// UnInit deactivates the dispatcher, discards queued events and runs the
// uninit hooks.
func (d *Dispatcher) UnInit() {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return
	}
	d.active = false
	d.epoch++
	hooks := append([]func(){}, d.onUnInit...)
	d.mu.Unlock()

	n := d.queue.Clear()
	d.discarded.Add(uint64(n))
	d.metrics.SetQueueDepth(0)
	d.metrics.SetDispatcherActive(false)
	d.log.Info("dispatcher uninitialized", "discarded", n)

	for _, h := range hooks {
		h()
	}
}

// IsInitialized reports whether the dispatcher is active.
func (d *Dispatcher) IsInitialized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Publish enqueues ev and returns immediately. Events published while the
// dispatcher is uninitialized are dropped.
func (d *Dispatcher) Publish(ev Event) {
	d.mu.Lock()
	active, epoch := d.active, d.epoch
	d.mu.Unlock()

	if !active {
		d.rejected.Add(1)
		d.metrics.IncDropped("not_initialized")
		d.log.Debug("dropping event, dispatcher not initialized",
			"event", ev.Type.Method(), "region_id", ev.RegionID)
		return
	}

	d.published.Add(1)
	d.metrics.IncPublished(string(ev.Type))
	d.queue.Push(queued{ev: ev, epoch: epoch})
	d.metrics.SetQueueDepth(d.queue.Len())

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Start launches the delivery goroutine.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true

	go d.loop(runCtx, d.done)

	// deliver anything queued before Start
	select {
	case d.notify <- struct{}{}:
	default:
	}
	return nil
}

// Stop terminates the delivery goroutine. Queued events stay queued.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	cancel()
	<-done
}

// Pending returns the number of queued events.
func (d *Dispatcher) Pending() int {
	return d.queue.Len()
}

// Stats returns a snapshot of the delivery counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Published:   d.published.Load(),
		Delivered:   d.delivered.Load(),
		Overflow:    d.overflow.Load(),
		Unavailable: d.unavailable.Load(),
		Failed:      d.failed.Load(),
		Discarded:   d.discarded.Load(),
		Rejected:    d.rejected.Load(),
	}
}

func (d *Dispatcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.notify:
			d.drain(ctx)
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for ctx.Err() == nil {
		item, ok := d.queue.Pop()
		if !ok {
			return
		}
		d.metrics.SetQueueDepth(d.queue.Len())

		d.mu.Lock()
		current := d.active && item.epoch == d.epoch
		sink := d.sink
		d.mu.Unlock()

		if !current {
			d.discarded.Add(1)
			continue
		}
		d.deliver(ctx, sink, item.ev)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sink Sink, ev Event) {
	if sink == nil {
		d.dropUnavailable(ev)
		return
	}

	dctx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	defer cancel()

	if err := sink.Deliver(dctx, ev); err != nil {
		if errors.Is(err, ErrUnavailable) {
			d.dropUnavailable(ev)
			return
		}
		d.failed.Add(1)
		d.metrics.IncDropped("error")
		d.log.Warn("event delivery failed",
			"event", ev.Type.Method(), "region_id", ev.RegionID, "error", err)
		return
	}

	d.delivered.Add(1)
	d.metrics.IncDelivered()
}

func (d *Dispatcher) dropUnavailable(ev Event) {
	d.unavailable.Add(1)
	d.metrics.IncDropped("unavailable")
	d.log.Debug("consumer unavailable, dropping event",
		"event", ev.Type.Method(), "region_id", ev.RegionID)
}

func (d *Dispatcher) dropOldest(item queued) {
	d.overflow.Add(1)
	d.metrics.IncDropped("overflow")
	d.log.Warn("dispatch queue full, dropped oldest event",
		"event", item.ev.Type.Method(), "region_id", item.ev.RegionID)
}
