package notify

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/windmark/tradewind/internal/bus"
	"github.com/windmark/tradewind/internal/lifecycle"
	"github.com/windmark/tradewind/internal/schema"
)

// tierPolicy fixes the dispatch behavior per tier.
type tierPolicy struct {
	immediate bool
	retries   int
}

var policies = map[Tier]tierPolicy{
	TierCritical: {immediate: true, retries: 3},
	TierWarning:  {immediate: false, retries: 2},
	TierInfo:     {immediate: false, retries: 0},
}

// RouterConfig tunes the notification router.
type RouterConfig struct {
	Recipients []string

	// WarningInterval and InfoInterval pace the batched summary flushes.
	WarningInterval time.Duration
	InfoInterval    time.Duration

	// QueueSize bounds each batch queue; overflow drops the oldest entry.
	QueueSize int

	// RatePerHour limits notifications per event kind. Refused events are
	// counted and reported in the next summary.
	RatePerHour int

	// RetryDelay is the pause before the first resend; it doubles per attempt.
	RetryDelay time.Duration

	// Kinds restricts the subscribed event kinds. Empty means DefaultKinds.
	Kinds []schema.EventKind

	Logger *log.Logger
}

func (c RouterConfig) normalize() RouterConfig {
	if c.WarningInterval <= 0 {
		c.WarningInterval = 5 * time.Minute
	}
	if c.InfoInterval <= 0 {
		c.InfoInterval = 10 * time.Minute
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 500
	}
	if c.RatePerHour <= 0 {
		c.RatePerHour = 30
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if len(c.Kinds) == 0 {
		c.Kinds = DefaultKinds()
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// DefaultKinds lists the kinds the router watches out of the box: everything
// tiered except the per-tick market data kinds, which would only feed the
// rate limiter.
func DefaultKinds() []schema.EventKind {
	out := make([]schema.EventKind, 0, len(schema.Kinds()))
	for _, kind := range schema.Kinds() {
		switch kind {
		case schema.KindTradeTickReceived, schema.KindCandleCompleted, schema.KindAnalyticsUpdated:
			continue
		}
		if _, ok := TierFor(kind); ok {
			out = append(out, kind)
		}
	}
	return out
}

// Router fans tiered events out to a Sender: critical ones immediately with
// retries, warning and info ones as periodic batched summaries.
type Router struct {
	lifecycle.Base
	cfg    RouterConfig
	broker *bus.Bus
	sender Sender
	logger *log.Logger
	runner lifecycle.Runner

	// sleep paces resends; swapped in tests.
	sleep func(context.Context, time.Duration) error

	mu         sync.Mutex
	queues     map[Tier][]notification
	limiters   map[schema.EventKind]*rate.Limiter
	suppressed map[schema.EventKind]int
}

// NewRouter wires the router against the broker and sender.
func NewRouter(cfg RouterConfig, broker *bus.Bus, sender Sender, logger *log.Logger) *Router {
	cfg = cfg.normalize()
	if logger == nil {
		logger = cfg.Logger
	}
	return &Router{
		Base:       lifecycle.NewBase("notify-router"),
		cfg:        cfg,
		broker:     broker,
		sender:     sender,
		logger:     logger,
		sleep:      sleepCtx,
		queues:     make(map[Tier][]notification),
		limiters:   make(map[schema.EventKind]*rate.Limiter),
		suppressed: make(map[schema.EventKind]int),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Start subscribes to the configured kinds and launches the flush loop.
func (r *Router) Start(ctx context.Context) error {
	if !r.TransitionStart() {
		return nil
	}
	for _, kind := range r.cfg.Kinds {
		if _, err := r.broker.Subscribe(kind, bus.HandlerFunc(r.Name(), r.onEvent)); err != nil {
			r.TransitionStop()
			return err
		}
	}
	r.runner.Launch(ctx, r.flushLoop)
	return nil
}

// Stop unsubscribes, stops the flush loop, and sends any still-queued
// summaries.
func (r *Router) Stop(ctx context.Context) error {
	if !r.TransitionStop() {
		return nil
	}
	for _, kind := range r.cfg.Kinds {
		r.broker.Unsubscribe(kind, r.Name())
	}
	err := r.runner.Join(ctx)
	r.flush(ctx, TierWarning)
	r.flush(ctx, TierInfo)
	return err
}

func (r *Router) onEvent(ctx context.Context, evt *schema.Event) error {
	tier, ok := TierFor(evt.Kind)
	if !ok {
		return nil
	}
	r.MarkActivity()

	if !r.limiter(evt.Kind).Allow() {
		r.mu.Lock()
		r.suppressed[evt.Kind]++
		r.mu.Unlock()
		return nil
	}

	n := notification{
		id:      uuid.NewString(),
		tier:    tier,
		kind:    evt.Kind,
		detail:  renderDetail(evt),
		created: evt.Timestamp,
	}

	if policies[tier].immediate {
		r.dispatch(ctx, n.id, tier, renderImmediate(n, r.cfg.Recipients))
		return nil
	}

	r.mu.Lock()
	queue := append(r.queues[tier], n)
	if len(queue) > r.cfg.QueueSize {
		queue = queue[len(queue)-r.cfg.QueueSize:]
	}
	r.queues[tier] = queue
	r.mu.Unlock()
	return nil
}

func (r *Router) limiter(kind schema.EventKind) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.limiters[kind]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Hour/time.Duration(r.cfg.RatePerHour)), r.cfg.RatePerHour)
		r.limiters[kind] = lim
	}
	return lim
}

func (r *Router) flushLoop(ctx context.Context) {
	warn := time.NewTicker(r.cfg.WarningInterval)
	info := time.NewTicker(r.cfg.InfoInterval)
	defer warn.Stop()
	defer info.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-warn.C:
			r.flush(ctx, TierWarning)
		case <-info.C:
			r.flush(ctx, TierInfo)
		}
	}
}

// flush sends one aggregated summary for everything queued on the tier.
// Suppressed counts drain with whichever flush runs first.
func (r *Router) flush(ctx context.Context, tier Tier) {
	r.mu.Lock()
	batch := r.queues[tier]
	delete(r.queues, tier)
	suppressed := r.suppressed
	if len(suppressed) > 0 {
		r.suppressed = make(map[schema.EventKind]int)
	}
	r.mu.Unlock()

	if len(batch) == 0 && len(suppressed) == 0 {
		return
	}
	id := uuid.NewString()
	r.dispatch(ctx, id, tier, renderSummary(tier, batch, suppressed, r.cfg.Recipients))
}

// dispatch sends with the tier's retry budget and reports the outcome on
// the bus.
func (r *Router) dispatch(ctx context.Context, id string, tier Tier, msg Message) {
	var err error
	delay := r.cfg.RetryDelay
	for attempt := 0; attempt <= policies[tier].retries; attempt++ {
		if attempt > 0 {
			if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
				err = sleepErr
				break
			}
			delay *= 2
		}
		if err = r.sender.Send(ctx, msg); err == nil {
			break
		}
		r.logger.Printf("notify: send attempt %d failed tier=%s: %v", attempt+1, tier, err)
	}

	payload := &schema.NotificationPayload{
		NotificationID: id,
		Tier:           string(tier),
		Recipients:     len(msg.Recipients),
	}
	if err == nil {
		r.MarkActivity()
		_ = r.broker.Publish(ctx, schema.NewEvent(schema.KindNotificationSent, payload))
		return
	}
	r.CountError()
	payload.Detail = err.Error()
	_ = r.broker.Publish(ctx, schema.NewEvent(schema.KindNotificationFailed, payload))
}
