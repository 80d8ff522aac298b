package analytics

import (
	"context"
	"log"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/windmark/tradewind/internal/bus"
	"github.com/windmark/tradewind/internal/errs"
	"github.com/windmark/tradewind/internal/lifecycle"
	"github.com/windmark/tradewind/internal/schema"
)

// BuilderConfig shapes the rolling feature computation.
type BuilderConfig struct {
	// TickWindow bounds the per-pair trade buffer.
	TickWindow int
	// SnapshotEvery recomputes the snapshot after this many ticks.
	SnapshotEvery int
	// CandleWindow bounds the per-interval close buffer used for trend.
	CandleWindow int
	// BucketPercent sizes the volume-profile price buckets.
	BucketPercent decimal.Decimal
}

func (c BuilderConfig) normalize() BuilderConfig {
	if c.TickWindow <= 0 {
		c.TickWindow = 1000
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = 50
	}
	if c.CandleWindow <= 0 {
		c.CandleWindow = 20
	}
	if c.BucketPercent.Sign() <= 0 {
		c.BucketPercent = decimal.RequireFromString("0.05")
	}
	return c
}

type tick struct {
	price      decimal.Decimal
	quantity   decimal.Decimal
	buyerMaker bool
}

// pairState accumulates the rolling inputs for one (exchange, symbol).
type pairState struct {
	ticks     []tick
	tickHead  int
	sinceSnap int

	// closes per candle interval, oldest first
	closes map[string][]decimal.Decimal
}

// Builder is the reactive component that folds ticks and candles into
// snapshots, caches them, and announces each refresh on the bus.
type Builder struct {
	lifecycle.Base

	cfg    BuilderConfig
	cache  *Cache
	broker *bus.Bus
	logger *log.Logger

	mu    sync.Mutex
	pairs map[string]*pairState
}

// NewBuilder constructs the analytics builder.
func NewBuilder(cfg BuilderConfig, cache *Cache, broker *bus.Bus, logger *log.Logger) *Builder {
	if logger == nil {
		logger = log.Default()
	}
	return &Builder{
		Base:   lifecycle.NewBase("analytics-builder"),
		cfg:    cfg.normalize(),
		cache:  cache,
		broker: broker,
		logger: logger,
		pairs:  make(map[string]*pairState),
	}
}

// Start subscribes the builder to the market-data topics.
func (b *Builder) Start(_ context.Context) error {
	if !b.TransitionStart() {
		return nil
	}
	if _, err := b.broker.Subscribe(schema.KindTradeTickReceived, bus.HandlerFunc(b.Name()+".tick", b.onTick)); err != nil {
		b.TransitionStop()
		return err
	}
	if _, err := b.broker.Subscribe(schema.KindCandleCompleted, bus.HandlerFunc(b.Name()+".candle", b.onCandle)); err != nil {
		b.broker.Unsubscribe(schema.KindTradeTickReceived, b.Name()+".tick")
		b.TransitionStop()
		return err
	}
	return nil
}

// Stop unsubscribes the builder. Idempotent.
func (b *Builder) Stop(_ context.Context) error {
	if !b.TransitionStop() {
		return nil
	}
	b.broker.Unsubscribe(schema.KindTradeTickReceived, b.Name()+".tick")
	b.broker.Unsubscribe(schema.KindCandleCompleted, b.Name()+".candle")
	return nil
}

func (b *Builder) onTick(_ context.Context, evt *schema.Event) error {
	payload, ok := evt.Payload.(*schema.TradeTickPayload)
	if !ok {
		return errs.New("analytics", errs.CodeInvalid, errs.WithMessage("unexpected TradeTickReceived payload"))
	}
	b.MarkActivity()

	b.mu.Lock()
	state := b.pair(payload.Exchange, payload.Symbol)
	state.push(tick{price: payload.Price, quantity: payload.Quantity, buyerMaker: payload.BuyerMaker}, b.cfg.TickWindow)
	state.sinceSnap++
	refresh := state.sinceSnap >= b.cfg.SnapshotEvery
	if refresh {
		state.sinceSnap = 0
	}
	b.mu.Unlock()

	if refresh {
		b.refresh(payload.Exchange, payload.Symbol)
	}
	return nil
}

func (b *Builder) onCandle(_ context.Context, evt *schema.Event) error {
	payload, ok := evt.Payload.(*schema.CandlePayload)
	if !ok {
		return errs.New("analytics", errs.CodeInvalid, errs.WithMessage("unexpected CandleCompleted payload"))
	}
	b.MarkActivity()

	b.mu.Lock()
	state := b.pair(payload.Exchange, payload.Symbol)
	closes := append(state.closes[payload.Interval], payload.Close)
	if len(closes) > b.cfg.CandleWindow {
		closes = closes[len(closes)-b.cfg.CandleWindow:]
	}
	state.closes[payload.Interval] = closes
	b.mu.Unlock()

	// A completed candle always refreshes the snapshot.
	b.refresh(payload.Exchange, payload.Symbol)
	return nil
}

// refresh recomputes, caches, and announces the pair's snapshot.
func (b *Builder) refresh(exchange, symbol string) {
	b.mu.Lock()
	state, ok := b.pairs[cacheKey(exchange, symbol)]
	if !ok {
		b.mu.Unlock()
		return
	}
	features, price := state.compute(b.cfg)
	b.mu.Unlock()

	if price.Sign() <= 0 {
		return
	}
	snap := NewSnapshot(exchange, symbol, price, features)
	b.cache.Put(snap)

	err := b.broker.Publish(context.Background(), schema.NewEvent(schema.KindAnalyticsUpdated, &schema.AnalyticsUpdatedPayload{
		Exchange: exchange,
		Symbol:   symbol,
		Features: snap.FeatureNames(),
		Computed: snap.Computed,
	}))
	if err != nil {
		b.CountError()
		b.logger.Printf("analytics: publish snapshot %s %s failed: %v", exchange, symbol, err)
	}
}

// pair returns the state for a key, creating it if needed. Caller holds b.mu.
func (b *Builder) pair(exchange, symbol string) *pairState {
	key := cacheKey(exchange, symbol)
	state, ok := b.pairs[key]
	if !ok {
		state = &pairState{closes: make(map[string][]decimal.Decimal)}
		b.pairs[key] = state
	}
	return state
}

func (s *pairState) push(t tick, window int) {
	if len(s.ticks) < window {
		s.ticks = append(s.ticks, t)
		return
	}
	s.ticks[s.tickHead] = t
	s.tickHead = (s.tickHead + 1) % window
}

// compute folds the rolling buffers into the feature map. Caller holds the
// builder lock.
func (s *pairState) compute(cfg BuilderConfig) (map[string]decimal.Decimal, decimal.Decimal) {
	features := make(map[string]decimal.Decimal, 8)
	if len(s.ticks) == 0 {
		return features, decimal.Zero
	}

	last := s.ticks[(s.tickHead+len(s.ticks)-1)%len(s.ticks)]
	first := s.ticks[s.tickHead%len(s.ticks)]
	features[FeatureLastPrice] = last.price

	var buyVolume, sellVolume decimal.Decimal
	buckets := make(map[string]decimal.Decimal)
	bucketSize := last.price.Mul(cfg.BucketPercent).Div(decimal.NewFromInt(100))
	for _, t := range s.ticks {
		// Buyer-maker means the aggressor sold into the bid.
		if t.buyerMaker {
			sellVolume = sellVolume.Add(t.quantity)
		} else {
			buyVolume = buyVolume.Add(t.quantity)
		}
		if bucketSize.Sign() > 0 {
			bucket := t.price.Div(bucketSize).Floor().String()
			buckets[bucket] = buckets[bucket].Add(t.quantity)
		}
	}

	features[FeatureCVD] = buyVolume.Sub(sellVolume)
	total := buyVolume.Add(sellVolume)
	if total.Sign() > 0 {
		features[FeatureOrderFlowImbalance] = buyVolume.Sub(sellVolume).Div(total)
	}
	if poc, ok := pointOfControl(buckets, bucketSize); ok {
		features[FeaturePointOfControl] = poc
	}
	if first.price.Sign() > 0 {
		features[FeaturePriceChangePercent] = last.price.Sub(first.price).Div(first.price).Mul(decimal.NewFromInt(100))
	}
	if trend, ok := trendAlignment(s.closes); ok {
		features[FeatureTrendAlignment] = trend
	}
	return features, last.price
}

// pointOfControl returns the mid price of the highest-volume bucket.
func pointOfControl(buckets map[string]decimal.Decimal, bucketSize decimal.Decimal) (decimal.Decimal, bool) {
	if bucketSize.Sign() <= 0 || len(buckets) == 0 {
		return decimal.Zero, false
	}
	var bestKey string
	var bestVolume decimal.Decimal
	for key, volume := range buckets {
		if bestKey == "" || volume.GreaterThan(bestVolume) || (volume.Equal(bestVolume) && key < bestKey) {
			bestKey, bestVolume = key, volume
		}
	}
	index, err := decimal.NewFromString(bestKey)
	if err != nil {
		return decimal.Zero, false
	}
	half := decimal.RequireFromString("0.5")
	return index.Add(half).Mul(bucketSize), true
}

// trendAlignment compares the direction of the close series across intervals:
// +1 when every interval with enough data is rising, -1 when every one is
// falling, 0 when they disagree.
func trendAlignment(closes map[string][]decimal.Decimal) (decimal.Decimal, bool) {
	rising, falling, counted := 0, 0, 0
	for _, series := range closes {
		if len(series) < 2 {
			continue
		}
		counted++
		delta := series[len(series)-1].Sub(series[0])
		switch {
		case delta.Sign() > 0:
			rising++
		case delta.Sign() < 0:
			falling++
		}
	}
	if counted == 0 {
		return decimal.Zero, false
	}
	switch {
	case rising == counted:
		return decimal.NewFromInt(1), true
	case falling == counted:
		return decimal.NewFromInt(-1), true
	default:
		return decimal.Zero, true
	}
}
