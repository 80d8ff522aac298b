package decision

import (
	"context"
	"log"

	"github.com/windmark/tradewind/internal/analytics"
	"github.com/windmark/tradewind/internal/bus"
	"github.com/windmark/tradewind/internal/errs"
	"github.com/windmark/tradewind/internal/lifecycle"
	"github.com/windmark/tradewind/internal/schema"
)

// Engine is the reactive component that evaluates the pipeline on every
// snapshot refresh and publishes the resulting signals.
type Engine struct {
	lifecycle.Base

	pipeline *Pipeline
	cache    *analytics.Cache
	broker   *bus.Bus
	logger   *log.Logger
}

// NewEngine constructs the decision engine.
func NewEngine(pipeline *Pipeline, cache *analytics.Cache, broker *bus.Bus, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		Base:     lifecycle.NewBase("decision-engine"),
		pipeline: pipeline,
		cache:    cache,
		broker:   broker,
		logger:   logger,
	}
}

// Start subscribes the engine to snapshot refreshes.
func (e *Engine) Start(_ context.Context) error {
	if !e.TransitionStart() {
		return nil
	}
	if _, err := e.broker.Subscribe(schema.KindAnalyticsUpdated, bus.HandlerFunc(e.Name(), e.onSnapshot)); err != nil {
		e.TransitionStop()
		return err
	}
	return nil
}

// Stop unsubscribes the engine. Idempotent.
func (e *Engine) Stop(_ context.Context) error {
	if !e.TransitionStop() {
		return nil
	}
	e.broker.Unsubscribe(schema.KindAnalyticsUpdated, e.Name())
	return nil
}

func (e *Engine) onSnapshot(ctx context.Context, evt *schema.Event) error {
	payload, ok := evt.Payload.(*schema.AnalyticsUpdatedPayload)
	if !ok {
		return errs.New("decision", errs.CodeInvalid, errs.WithMessage("unexpected AnalyticsUpdated payload"))
	}
	e.MarkActivity()

	snap, ok := e.cache.Get(payload.Exchange, payload.Symbol)
	if !ok {
		e.logger.Printf("decision: no cached snapshot for %s %s", payload.Exchange, payload.Symbol)
		return nil
	}

	sig := e.pipeline.Evaluate(snap)
	if sig == nil {
		return nil
	}

	err := e.broker.Publish(ctx, schema.NewEvent(schema.KindSignalGenerated, sig))
	if err != nil {
		e.CountError()
		_ = e.broker.Publish(context.Background(), schema.NewEvent(schema.KindSystemError, &schema.SystemErrorPayload{
			Component: e.Name(),
			Detail:    err.Error(),
		}))
		return err
	}
	e.logger.Printf("decision: signal %s %s %s confluence=%s confidence=%s",
		sig.Side, sig.Exchange, sig.Symbol, sig.Confluence, sig.Confidence)
	return nil
}
