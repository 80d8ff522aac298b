package storage

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/windmark/tradewind/internal/bus"
	"github.com/windmark/tradewind/internal/errs"
	"github.com/windmark/tradewind/internal/lifecycle"
	"github.com/windmark/tradewind/internal/schema"
)

// RecorderConfig shapes persistence of the market-data stream.
type RecorderConfig struct {
	// Market names the market segment of every recorded pair, e.g. "spot".
	Market string
	// FlowWindow is the order-flow aggregation bucket. Default one minute.
	FlowWindow time.Duration
}

func (c RecorderConfig) normalize() RecorderConfig {
	if c.Market == "" {
		c.Market = "spot"
	}
	if c.FlowWindow <= 0 {
		c.FlowWindow = time.Minute
	}
	return c
}

// flowBucket accumulates one pair's order flow for the open window.
type flowBucket struct {
	windowEnd  time.Time
	buyVolume  decimal.Decimal
	sellVolume decimal.Decimal
}

// Recorder is the reactive component that persists ticks, candles, and
// windowed order-flow aggregates through the store pool.
type Recorder struct {
	lifecycle.Base

	cfg    RecorderConfig
	pool   *Pool
	broker *bus.Bus
	logger *log.Logger

	mu    sync.Mutex
	flows map[PairKey]*flowBucket
}

// NewRecorder constructs the recorder.
func NewRecorder(cfg RecorderConfig, pool *Pool, broker *bus.Bus, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.Default()
	}
	return &Recorder{
		Base:   lifecycle.NewBase("storage-recorder"),
		cfg:    cfg.normalize(),
		pool:   pool,
		broker: broker,
		logger: logger,
		flows:  make(map[PairKey]*flowBucket),
	}
}

// Start subscribes the recorder to the market-data topics.
func (r *Recorder) Start(_ context.Context) error {
	if !r.TransitionStart() {
		return nil
	}
	if _, err := r.broker.Subscribe(schema.KindTradeTickReceived, bus.HandlerFunc(r.Name()+".tick", r.onTick)); err != nil {
		r.TransitionStop()
		return err
	}
	if _, err := r.broker.Subscribe(schema.KindCandleCompleted, bus.HandlerFunc(r.Name()+".candle", r.onCandle)); err != nil {
		r.broker.Unsubscribe(schema.KindTradeTickReceived, r.Name()+".tick")
		r.TransitionStop()
		return err
	}
	return nil
}

// Stop unsubscribes the recorder and flushes open flow windows. Idempotent.
func (r *Recorder) Stop(ctx context.Context) error {
	if !r.TransitionStop() {
		return nil
	}
	r.broker.Unsubscribe(schema.KindTradeTickReceived, r.Name()+".tick")
	r.broker.Unsubscribe(schema.KindCandleCompleted, r.Name()+".candle")
	r.flushAll(ctx)
	return nil
}

func (r *Recorder) onTick(ctx context.Context, evt *schema.Event) error {
	payload, ok := evt.Payload.(*schema.TradeTickPayload)
	if !ok {
		return errs.New("storage", errs.CodeInvalid, errs.WithMessage("unexpected TradeTickReceived payload"))
	}
	r.MarkActivity()
	key := PairKey{Exchange: payload.Exchange, Market: r.cfg.Market, Symbol: payload.Symbol}

	handle, err := r.pool.Acquire(ctx, key)
	if err != nil {
		r.CountError()
		return err
	}
	defer handle.Release()

	err = handle.Store().AppendTick(ctx, Tick{
		TradeID:    payload.TradeID,
		Price:      payload.Price,
		Quantity:   payload.Quantity,
		BuyerMaker: payload.BuyerMaker,
		TradeTime:  payload.TradeTime,
	})
	if err != nil {
		r.CountError()
		return err
	}

	if flow, ok := r.accumulate(key, payload); ok {
		if err := handle.Store().AppendOrderFlow(ctx, flow); err != nil {
			r.CountError()
			return err
		}
	}
	return nil
}

func (r *Recorder) onCandle(ctx context.Context, evt *schema.Event) error {
	payload, ok := evt.Payload.(*schema.CandlePayload)
	if !ok {
		return errs.New("storage", errs.CodeInvalid, errs.WithMessage("unexpected CandleCompleted payload"))
	}
	r.MarkActivity()
	key := PairKey{Exchange: payload.Exchange, Market: r.cfg.Market, Symbol: payload.Symbol}

	handle, err := r.pool.Acquire(ctx, key)
	if err != nil {
		r.CountError()
		return err
	}
	defer handle.Release()

	err = handle.Store().AppendCandle(ctx, Candle{
		Interval:  payload.Interval,
		Open:      payload.Open,
		High:      payload.High,
		Low:       payload.Low,
		Close:     payload.Close,
		Volume:    payload.Volume,
		OpenTime:  payload.OpenTime,
		CloseTime: payload.CloseTime,
	})
	if err != nil {
		r.CountError()
		return err
	}
	return nil
}

// accumulate folds the tick into the pair's open window. It returns the
// completed aggregate when the tick rolls the window over.
func (r *Recorder) accumulate(key PairKey, payload *schema.TradeTickPayload) (OrderFlow, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.flows[key]
	if !ok {
		bucket = &flowBucket{windowEnd: payload.TradeTime.Truncate(r.cfg.FlowWindow).Add(r.cfg.FlowWindow)}
		r.flows[key] = bucket
	}

	var completed OrderFlow
	rolled := false
	if !payload.TradeTime.Before(bucket.windowEnd) {
		completed = bucket.snapshot()
		rolled = completed.BuyVolume.Add(completed.SellVolume).Sign() > 0
		*bucket = flowBucket{windowEnd: payload.TradeTime.Truncate(r.cfg.FlowWindow).Add(r.cfg.FlowWindow)}
	}

	if payload.BuyerMaker {
		bucket.sellVolume = bucket.sellVolume.Add(payload.Quantity)
	} else {
		bucket.buyVolume = bucket.buyVolume.Add(payload.Quantity)
	}
	return completed, rolled
}

func (b *flowBucket) snapshot() OrderFlow {
	flow := OrderFlow{
		WindowEnd:  b.windowEnd,
		BuyVolume:  b.buyVolume,
		SellVolume: b.sellVolume,
		CVD:        b.buyVolume.Sub(b.sellVolume),
	}
	total := b.buyVolume.Add(b.sellVolume)
	if total.Sign() > 0 {
		flow.Imbalance = flow.CVD.Div(total)
	}
	return flow
}

// flushAll writes every open flow window on shutdown.
func (r *Recorder) flushAll(ctx context.Context) {
	r.mu.Lock()
	pending := make(map[PairKey]OrderFlow, len(r.flows))
	for key, bucket := range r.flows {
		if bucket.buyVolume.Add(bucket.sellVolume).Sign() > 0 {
			pending[key] = bucket.snapshot()
		}
		delete(r.flows, key)
	}
	r.mu.Unlock()

	for key, flow := range pending {
		handle, err := r.pool.Acquire(ctx, key)
		if err != nil {
			r.logger.Printf("storage: flush %s: %v", key, err)
			continue
		}
		if err := handle.Store().AppendOrderFlow(ctx, flow); err != nil {
			r.logger.Printf("storage: flush %s: %v", key, err)
		}
		handle.Release()
	}
}
