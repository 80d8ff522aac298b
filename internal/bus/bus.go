// Package bus implements the in-process event broker that sequences every
// interaction between engine components.
//
// Delivery contract: events of one kind reach any single handler in
// publication order; handlers of the same kind run concurrently with each
// other but never with themselves. Handler failures are isolated, logged,
// and counted; they never surface from Publish.
package bus

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/windmark/tradewind/internal/errs"
	"github.com/windmark/tradewind/internal/schema"
)

// Handler consumes events delivered by the bus. Name identifies the handler
// for duplicate-registration checks and statistics; it must be stable.
type Handler interface {
	Name() string
	HandleEvent(ctx context.Context, evt *schema.Event) error
}

type handlerFunc struct {
	name string
	fn   func(context.Context, *schema.Event) error
}

func (h handlerFunc) Name() string { return h.name }

func (h handlerFunc) HandleEvent(ctx context.Context, evt *schema.Event) error {
	return h.fn(ctx, evt)
}

// HandlerFunc adapts a function to the Handler interface.
func HandlerFunc(name string, fn func(context.Context, *schema.Event) error) Handler {
	return handlerFunc{name: name, fn: fn}
}

// Config sizes the bus mailboxes.
type Config struct {
	// QueueSize bounds each (kind, handler) mailbox. Overflow drops the
	// oldest unprocessed event of that kind for that handler.
	QueueSize int
	Logger    *log.Logger
}

func (c Config) normalize() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 10000
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// Subscription identifies a (kind, handler) registration.
type Subscription struct {
	Kind    schema.EventKind
	Handler string
}

// Bus is the process-wide topic broker.
type Bus struct {
	cfg    Config
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	subs     map[schema.EventKind]map[string]*mailbox
	stopped  atomic.Bool
	stopOnce sync.Once
	workers  conc.WaitGroup

	seq   atomic.Uint64
	stats *statistics

	publishCounter  metric.Int64Counter
	deliverCounter  metric.Int64Counter
	dropCounter     metric.Int64Counter
	errorCounter    metric.Int64Counter
	handlerDuration metric.Float64Histogram
}

type mailbox struct {
	handler Handler
	queue   chan *schema.Event
	quit    chan struct{}
}

// New constructs a bus. Mailboxes spin up lazily on Subscribe.
func New(cfg Config) *Bus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		cfg:    cfg,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[schema.EventKind]map[string]*mailbox),
		stats:  newStatistics(),
	}

	meter := otel.Meter("bus")
	b.publishCounter, _ = meter.Int64Counter("bus.events.published",
		metric.WithDescription("Number of events accepted by the bus"),
		metric.WithUnit("{event}"))
	b.deliverCounter, _ = meter.Int64Counter("bus.events.delivered",
		metric.WithDescription("Number of events handed to handlers"),
		metric.WithUnit("{event}"))
	b.dropCounter, _ = meter.Int64Counter("bus.events.dropped",
		metric.WithDescription("Number of events dropped under backpressure"),
		metric.WithUnit("{event}"))
	b.errorCounter, _ = meter.Int64Counter("bus.handler.errors",
		metric.WithDescription("Number of handler failures"),
		metric.WithUnit("{error}"))
	b.handlerDuration, _ = meter.Float64Histogram("bus.handler.duration",
		metric.WithDescription("Handler execution latency"),
		metric.WithUnit("ms"))

	return b
}

// Subscribe registers handler for events of the given kind. Registering the
// same handler name twice for one kind is a no-op with a warning.
func (b *Bus) Subscribe(kind schema.EventKind, handler Handler) (Subscription, error) {
	if !kind.Valid() {
		return Subscription{}, errs.New("bus", errs.CodeInvalid, errs.WithMessage("unknown event kind "+string(kind)))
	}
	if handler == nil || handler.Name() == "" {
		return Subscription{}, errs.New("bus", errs.CodeInvalid, errs.WithMessage("handler with a name required"))
	}
	if b.stopped.Load() {
		return Subscription{}, errs.New("bus", errs.CodeUnavailable, errs.WithMessage("bus stopped"))
	}

	sub := Subscription{Kind: kind, Handler: handler.Name()}

	b.mu.Lock()
	byName, ok := b.subs[kind]
	if !ok {
		byName = make(map[string]*mailbox)
		b.subs[kind] = byName
	}
	if _, exists := byName[handler.Name()]; exists {
		b.mu.Unlock()
		b.logger.Printf("bus: duplicate subscription ignored kind=%s handler=%s", kind, handler.Name())
		return sub, nil
	}
	box := &mailbox{
		handler: handler,
		queue:   make(chan *schema.Event, b.cfg.QueueSize),
		quit:    make(chan struct{}),
	}
	byName[handler.Name()] = box
	b.mu.Unlock()

	b.workers.Go(func() { b.run(kind, box) })
	return sub, nil
}

// Unsubscribe removes the (kind, handler) association. Safe to call while
// publishing; the mailbox drains whatever it already holds and exits.
func (b *Bus) Unsubscribe(kind schema.EventKind, handlerName string) {
	b.mu.Lock()
	byName := b.subs[kind]
	box, ok := byName[handlerName]
	if ok {
		delete(byName, handlerName)
		if len(byName) == 0 {
			delete(b.subs, kind)
		}
	}
	b.mu.Unlock()
	if ok {
		close(box.quit)
	}
}

// Publish offers evt to every current subscriber of its kind. It returns once
// every mailbox has accepted the event (completion of the offer, not of the
// handlers). The bus assigns the sequence id.
func (b *Bus) Publish(ctx context.Context, evt *schema.Event) error {
	if evt == nil {
		return nil
	}
	if !evt.Kind.Valid() {
		return errs.New("bus", errs.CodeInvalid, errs.WithMessage("unknown event kind "+string(evt.Kind)))
	}
	if b.stopped.Load() {
		return errs.New("bus", errs.CodeUnavailable, errs.WithMessage("bus stopped"))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	evt.Seq = b.seq.Add(1)
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	byName := b.subs[evt.Kind]
	boxes := make([]*mailbox, 0, len(byName))
	for _, box := range byName {
		boxes = append(boxes, box)
	}
	b.mu.RUnlock()

	b.stats.published(evt.Kind)
	if b.publishCounter != nil {
		b.publishCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(evt.Kind))))
	}

	for _, box := range boxes {
		b.offer(ctx, evt.Kind, box, evt)
	}
	return nil
}

// offer enqueues the event, evicting the oldest queued event for this
// mailbox when the buffer is full.
func (b *Bus) offer(ctx context.Context, kind schema.EventKind, box *mailbox, evt *schema.Event) {
	for {
		select {
		case box.queue <- evt:
			return
		default:
		}
		select {
		case <-box.queue:
			b.stats.dropped(kind, 1)
			if b.dropCounter != nil {
				b.dropCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
			}
			b.logger.Printf("bus: mailbox full, dropped oldest kind=%s handler=%s", kind, box.handler.Name())
		default:
			// Concurrent consumer freed space; retry the send.
		}
	}
}

func (b *Bus) run(kind schema.EventKind, box *mailbox) {
	for {
		select {
		case <-box.quit:
			// Drain what the mailbox already holds, then exit.
			for {
				select {
				case evt := <-box.queue:
					b.deliver(kind, box.handler, evt)
				default:
					return
				}
			}
		case evt := <-box.queue:
			b.deliver(kind, box.handler, evt)
		}
	}
}

func (b *Bus) deliver(kind schema.EventKind, handler Handler, evt *schema.Event) {
	start := time.Now()
	err := b.invoke(handler, evt)
	elapsed := time.Since(start)

	b.stats.delivered(kind, elapsed)
	if b.deliverCounter != nil {
		b.deliverCounter.Add(b.ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	}
	if b.handlerDuration != nil {
		b.handlerDuration.Record(b.ctx, float64(elapsed.Microseconds())/1000.0,
			metric.WithAttributes(attribute.String("kind", string(kind)), attribute.String("handler", handler.Name())))
	}
	if err != nil {
		b.stats.failed(kind)
		if b.errorCounter != nil {
			b.errorCounter.Add(b.ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
		}
		b.logger.Printf("bus: handler error kind=%s handler=%s seq=%d err=%v", kind, handler.Name(), evt.Seq, err)
	}
}

// invoke shields the mailbox loop from handler panics.
func (b *Bus) invoke(handler Handler, evt *schema.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.New("bus", errs.CodeExchange, errs.WithMessage("handler panic"))
			b.logger.Printf("bus: handler panic handler=%s kind=%s: %v", handler.Name(), evt.Kind, r)
		}
	}()
	return handler.HandleEvent(b.ctx, evt)
}

// Stop refuses new publishes, drains queued events up to drainTimeout, and
// joins the mailbox workers. Idempotent.
func (b *Bus) Stop(drainTimeout time.Duration) {
	b.stopOnce.Do(func() {
		b.stopped.Store(true)

		b.mu.Lock()
		boxes := make([]*mailbox, 0)
		for kind, byName := range b.subs {
			for name, box := range byName {
				boxes = append(boxes, box)
				delete(byName, name)
			}
			delete(b.subs, kind)
		}
		b.mu.Unlock()

		for _, box := range boxes {
			close(box.quit)
		}

		done := make(chan struct{})
		go func() {
			b.workers.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(drainTimeout):
			b.logger.Printf("bus: drain timeout elapsed after %v; abandoning in-flight handlers", drainTimeout)
		}
		b.cancel()
	})
}

// Stats returns a point-in-time copy of the bus statistics.
func (b *Bus) Stats() StatsSnapshot {
	snap := b.stats.snapshot()
	b.mu.RLock()
	for _, byName := range b.subs {
		for _, box := range byName {
			snap.QueueDepth += len(box.queue)
		}
	}
	b.mu.RUnlock()
	return snap
}

// SubscriberCount reports the number of handlers registered for kind.
func (b *Bus) SubscriberCount(kind schema.EventKind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}
