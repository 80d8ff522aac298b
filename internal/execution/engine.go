package execution

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/windmark/tradewind/internal/bus"
	"github.com/windmark/tradewind/internal/errs"
	"github.com/windmark/tradewind/internal/exchange"
	"github.com/windmark/tradewind/internal/lifecycle"
	"github.com/windmark/tradewind/internal/order"
	"github.com/windmark/tradewind/internal/schema"
)

// EngineConfig wires the execution engine.
type EngineConfig struct {
	ExchangeName string
	// OrderThrottle caps signal consumption in orders per second. Zero
	// disables throttling.
	OrderThrottle float64
	// BreakerThreshold is the consecutive-failure count that trips the
	// circuit breaker. Zero means 5.
	BreakerThreshold int
	// BreakerCooldown holds the breaker open before signals flow again.
	// Zero means one minute.
	BreakerCooldown time.Duration
}

func (c EngineConfig) normalize() EngineConfig {
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = time.Minute
	}
	return c
}

// Engine is the reactive component that binds trade signals to the execution
// pipeline, owns managed-order transitions, and emits lifecycle events.
type Engine struct {
	lifecycle.Base

	cfg      EngineConfig
	pipeline *Pipeline
	adapter  exchange.Adapter
	orders   *order.Manager
	broker   *bus.Bus
	limiter  *rate.Limiter
	logger   *log.Logger
	now      func() time.Time

	breakerMu    sync.Mutex
	failureRun   int
	breakerUntil time.Time

	signalCounter  metric.Int64Counter
	outcomeCounter metric.Int64Counter
	placeDuration  metric.Float64Histogram
	placeRetries   metric.Int64Histogram
}

// NewEngine constructs the execution engine.
func NewEngine(cfg EngineConfig, pipeline *Pipeline, adapter exchange.Adapter, orders *order.Manager, broker *bus.Bus, logger *log.Logger) *Engine {
	cfg = cfg.normalize()
	if logger == nil {
		logger = log.Default()
	}
	var limiter *rate.Limiter
	if cfg.OrderThrottle > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.OrderThrottle), 1)
	}
	e := &Engine{
		Base:     lifecycle.NewBase("execution-engine"),
		cfg:      cfg,
		pipeline: pipeline,
		adapter:  adapter,
		orders:   orders,
		broker:   broker,
		limiter:  limiter,
		logger:   logger,
		now:      time.Now,
	}

	meter := otel.Meter("execution")
	e.signalCounter, _ = meter.Int64Counter("execution.signals.consumed",
		metric.WithDescription("Number of trade signals consumed"),
		metric.WithUnit("{signal}"))
	e.outcomeCounter, _ = meter.Int64Counter("execution.orders.outcomes",
		metric.WithDescription("Number of pipeline runs by outcome"),
		metric.WithUnit("{order}"))
	e.placeDuration, _ = meter.Float64Histogram("execution.place.duration",
		metric.WithDescription("Pipeline run latency including retries"),
		metric.WithUnit("ms"))
	e.placeRetries, _ = meter.Int64Histogram("execution.place.retries",
		metric.WithDescription("Placement retries per pipeline run"),
		metric.WithUnit("{retry}"))
	return e
}

// Start subscribes the engine to the signal and force-exit topics.
func (e *Engine) Start(_ context.Context) error {
	if !e.TransitionStart() {
		return nil
	}
	if _, err := e.broker.Subscribe(schema.KindSignalGenerated, bus.HandlerFunc(e.Name()+".signal", e.onSignal)); err != nil {
		e.TransitionStop()
		return err
	}
	if _, err := e.broker.Subscribe(schema.KindForceExitRequired, bus.HandlerFunc(e.Name()+".force-exit", e.onForceExit)); err != nil {
		e.broker.Unsubscribe(schema.KindSignalGenerated, e.Name()+".signal")
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
	e.broker.Unsubscribe(schema.KindSignalGenerated, e.Name()+".signal")
	e.broker.Unsubscribe(schema.KindForceExitRequired, e.Name()+".force-exit")
	return nil
}

func (e *Engine) onSignal(ctx context.Context, evt *schema.Event) error {
	sig, ok := evt.Payload.(*schema.TradeSignal)
	if !ok {
		return errs.New("execution", errs.CodeInvalid, errs.WithMessage("unexpected SignalGenerated payload"))
	}
	e.MarkActivity()

	if e.breakerOpen() {
		e.logger.Printf("execution: circuit breaker open, dropping signal %s %s", sig.Symbol, sig.Side)
		return nil
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if err := e.Execute(ctx, sig); err != nil {
		e.CountError()
		e.publishSystemError("execution-engine", err)
		return err
	}
	return nil
}

// Execute drives one signal through the pipeline and applies the outcome to
// the order manager and the event bus.
func (e *Engine) Execute(ctx context.Context, sig *schema.TradeSignal) error {
	ec := &Context{Signal: sig, Exchange: sig.Exchange}
	if ec.Exchange == "" {
		ec.Exchange = e.cfg.ExchangeName
	}
	if e.signalCounter != nil {
		e.signalCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", sig.Symbol)))
	}
	started := time.Now()

	managed := e.orders.Create(order.Params{
		Exchange: ec.Exchange,
		Symbol:   sig.Symbol,
		Side:     sig.Side,
		Type:     order.TypeMarket,
		Price:    sig.EntryPrice,
		SignalID: sig.SignalID,
	})
	ec.ClientOrderID = managed.ClientID

	outcome := e.pipeline.Run(ctx, ec)
	if e.outcomeCounter != nil {
		e.outcomeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome.String())))
	}
	if e.placeDuration != nil {
		e.placeDuration.Record(ctx, float64(time.Since(started).Microseconds())/1000.0,
			metric.WithAttributes(attribute.String("symbol", sig.Symbol)))
	}
	if e.placeRetries != nil {
		e.placeRetries.Record(ctx, int64(ec.RetryCount))
	}
	if ec.Quantity.Sign() > 0 {
		e.orders.SetQuantity(managed.ClientID, ec.Quantity)
	}
	e.orders.SetRetryInfo(managed.ClientID, ec.RetryCount, ec.FailureReason)

	e.recordOutcome(outcome == OutcomeSuccess)

	if outcome != OutcomeSuccess {
		e.orders.MarkFailed(managed.ClientID, ec.FailureReason, false)
		e.publish(schema.KindOrderFailed, &schema.OrderFailedPayload{
			ClientOrderID: managed.ClientID,
			Exchange:      ec.Exchange,
			Symbol:        sig.Symbol,
			Side:          sig.Side,
			Reason:        ec.FailureReason,
			HandlerLog:    ec.HandlerLog(),
			SignalID:      sig.SignalID,
		})
		return nil
	}

	info := ec.Order
	e.orders.MarkSubmitted(managed.ClientID, info.ExchangeOrderID)
	e.publish(schema.KindOrderPlaced, &schema.OrderPlacedPayload{
		ClientOrderID:   managed.ClientID,
		ExchangeOrderID: info.ExchangeOrderID,
		Exchange:        ec.Exchange,
		Symbol:          sig.Symbol,
		Side:            sig.Side,
		Quantity:        ec.Quantity,
		Price:           sig.EntryPrice,
		SignalID:        sig.SignalID,
	})

	if info.FilledQuantity.Sign() > 0 {
		partial := info.FilledQuantity.LessThan(info.Quantity)
		e.orders.MarkFilled(managed.ClientID, info.FilledQuantity, info.AvgFillPrice, info.Commission, partial)
		e.publish(schema.KindOrderFilled, &schema.OrderFilledPayload{
			ClientOrderID:  managed.ClientID,
			Exchange:       ec.Exchange,
			Symbol:         sig.Symbol,
			Side:           sig.Side,
			FilledQuantity: info.FilledQuantity,
			AvgFillPrice:   info.AvgFillPrice,
			Commission:     info.Commission,
			Partial:        partial,
		})
		if !partial {
			e.publish(schema.KindPositionOpened, &schema.PositionPayload{
				Exchange:   ec.Exchange,
				Symbol:     sig.Symbol,
				Side:       sig.Side,
				Quantity:   info.FilledQuantity,
				EntryPrice: info.AvgFillPrice,
				StopLoss:   ec.StopLoss,
				TakeProfit: sig.TakeProfit,
				OpenedAt:   info.UpdatedAt,
				SignalID:   sig.SignalID,
			})
		}
	}
	return nil
}

// breakerOpen reports whether the circuit breaker is holding signals back.
func (e *Engine) breakerOpen() bool {
	e.breakerMu.Lock()
	defer e.breakerMu.Unlock()
	return e.now().Before(e.breakerUntil)
}

// recordOutcome maintains the consecutive-failure run; a run reaching the
// threshold trips the breaker for the cooldown and announces it once.
func (e *Engine) recordOutcome(success bool) {
	e.breakerMu.Lock()
	if success {
		e.failureRun = 0
		e.breakerMu.Unlock()
		return
	}
	e.failureRun++
	tripped := e.failureRun >= e.cfg.BreakerThreshold && !e.now().Before(e.breakerUntil)
	if tripped {
		e.breakerUntil = e.now().Add(e.cfg.BreakerCooldown)
		e.failureRun = 0
	}
	e.breakerMu.Unlock()

	if tripped {
		e.logger.Printf("execution: circuit breaker tripped, pausing signals for %v", e.cfg.BreakerCooldown)
		e.publish(schema.KindCircuitBreakerTriggered, &schema.SystemErrorPayload{
			Component: "execution-engine",
			Detail: fmt.Sprintf("%d consecutive pipeline failures, pausing signals for %v",
				e.cfg.BreakerThreshold, e.cfg.BreakerCooldown),
		})
	}
}

// onForceExit liquidates the named position with a market order in the
// opposite direction, bypassing the decision stage.
func (e *Engine) onForceExit(ctx context.Context, evt *schema.Event) error {
	req, ok := evt.Payload.(*schema.ForceExitPayload)
	if !ok {
		return errs.New("execution", errs.CodeInvalid, errs.WithMessage("unexpected ForceExitRequired payload"))
	}
	e.MarkActivity()

	positions, err := e.adapter.GetPositions(ctx, req.Symbol)
	if err != nil {
		e.CountError()
		e.publishSystemError("execution-engine", fmt.Errorf("force exit %s: %w", req.Symbol, err))
		return err
	}
	var quantity decimal.Decimal
	for _, pos := range positions {
		if pos.Symbol == req.Symbol && pos.Side == req.Side {
			quantity = quantity.Add(pos.Quantity)
		}
	}
	if quantity.Sign() <= 0 {
		e.logger.Printf("execution: force exit %s requested but no position held", req.Symbol)
		return nil
	}

	managed := e.orders.Create(order.Params{
		Exchange: req.Exchange,
		Symbol:   req.Symbol,
		Side:     req.Side.Opposite(),
		Type:     order.TypeMarket,
		Quantity: quantity,
	})
	info, err := e.adapter.PlaceOrder(ctx, exchange.PlaceOrderRequest{
		Symbol:      req.Symbol,
		Side:        req.Side.Opposite(),
		Type:        order.TypeMarket,
		Quantity:    quantity,
		ClientID:    managed.ClientID,
		TimeInForce: exchange.TIFImmediateOrCancel,
	})
	if err != nil {
		e.CountError()
		e.orders.MarkFailed(managed.ClientID, err.Error(), false)
		e.publish(schema.KindOrderFailed, &schema.OrderFailedPayload{
			ClientOrderID: managed.ClientID,
			Exchange:      req.Exchange,
			Symbol:        req.Symbol,
			Side:          req.Side.Opposite(),
			Reason:        "force exit: " + err.Error(),
		})
		return err
	}

	e.orders.MarkSubmitted(managed.ClientID, info.ExchangeOrderID)
	partial := info.FilledQuantity.LessThan(info.Quantity)
	e.orders.MarkFilled(managed.ClientID, info.FilledQuantity, info.AvgFillPrice, info.Commission, partial)
	e.publish(schema.KindPositionClosed, &schema.PositionPayload{
		Exchange:   req.Exchange,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   info.FilledQuantity,
		EntryPrice: info.AvgFillPrice,
		ClosedAt:   info.UpdatedAt,
	})
	e.logger.Printf("execution: force exit completed symbol=%s qty=%s reason=%q", req.Symbol, info.FilledQuantity, req.Reason)
	return nil
}

func (e *Engine) publish(kind schema.EventKind, payload any) {
	if err := e.broker.Publish(context.Background(), schema.NewEvent(kind, payload)); err != nil {
		e.logger.Printf("execution: publish %s failed: %v", kind, err)
	}
}

func (e *Engine) publishSystemError(component string, err error) {
	e.publish(schema.KindSystemError, &schema.SystemErrorPayload{
		Component: component,
		Detail:    err.Error(),
	})
}
