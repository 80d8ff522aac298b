package analytics

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/windmark/tradewind/internal/bus"
	"github.com/windmark/tradewind/internal/schema"
)

func newBuilderFixture(t *testing.T, cfg BuilderConfig) (*Builder, *Cache, *bus.Bus) {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	broker := bus.New(bus.Config{Logger: quiet})
	t.Cleanup(func() { broker.Stop(time.Second) })

	cache := NewCache()
	builder := NewBuilder(cfg, cache, broker, quiet)
	if err := builder.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { _ = builder.Stop(context.Background()) })
	return builder, cache, broker
}

func publishTick(t *testing.T, broker *bus.Bus, price, qty string, buyerMaker bool) {
	t.Helper()
	err := broker.Publish(context.Background(), schema.NewEvent(schema.KindTradeTickReceived, &schema.TradeTickPayload{
		Exchange:   "binance",
		Symbol:     "BTC-USDT",
		Price:      decimal.RequireFromString(price),
		Quantity:   decimal.RequireFromString(qty),
		BuyerMaker: buyerMaker,
		TradeTime:  time.Now().UTC(),
	}))
	if err != nil {
		t.Fatalf("Publish(tick) error: %v", err)
	}
}

func waitSnapshot(t *testing.T, cache *Cache) *Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := cache.Get("binance", "BTC-USDT"); ok {
			return snap
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a cached snapshot")
	return nil
}

func TestBuilderComputesOrderFlowFeatures(t *testing.T) {
	_, cache, broker := newBuilderFixture(t, BuilderConfig{SnapshotEvery: 4})

	// Three aggressive buys, one aggressive sell.
	publishTick(t, broker, "50000", "2", false)
	publishTick(t, broker, "50010", "1", false)
	publishTick(t, broker, "50020", "1", false)
	publishTick(t, broker, "50005", "1", true)

	snap := waitSnapshot(t, cache)
	if !snap.Price.Equal(decimal.RequireFromString("50005")) {
		t.Fatalf("snapshot price = %s, want 50005", snap.Price)
	}
	cvd, ok := snap.Feature(FeatureCVD)
	if !ok || !cvd.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("cvd = (%s, %v), want 3 (buys 4 - sells 1)", cvd, ok)
	}
	imbalance, ok := snap.Feature(FeatureOrderFlowImbalance)
	if !ok || !imbalance.Equal(decimal.RequireFromString("0.6")) {
		t.Fatalf("imbalance = (%s, %v), want 0.6", imbalance, ok)
	}
	if _, ok := snap.Feature(FeaturePointOfControl); !ok {
		t.Fatal("point of control missing from snapshot")
	}
	if _, ok := snap.Feature("never_computed"); ok {
		t.Fatal("unknown feature reported as computed")
	}
}

func TestBuilderRefreshesOnCompletedCandle(t *testing.T) {
	_, cache, broker := newBuilderFixture(t, BuilderConfig{SnapshotEvery: 1000})

	publishTick(t, broker, "50000", "1", false)
	err := broker.Publish(context.Background(), schema.NewEvent(schema.KindCandleCompleted, &schema.CandlePayload{
		Exchange: "binance",
		Symbol:   "BTC-USDT",
		Interval: "1m",
		Close:    decimal.RequireFromString("50100"),
	}))
	if err != nil {
		t.Fatalf("Publish(candle) error: %v", err)
	}

	snap := waitSnapshot(t, cache)
	if snap.Symbol != "BTC-USDT" {
		t.Fatalf("snapshot symbol = %s", snap.Symbol)
	}
}

func TestBuilderSupersedesSnapshots(t *testing.T) {
	_, cache, broker := newBuilderFixture(t, BuilderConfig{SnapshotEvery: 1})

	publishTick(t, broker, "50000", "1", false)
	first := waitSnapshot(t, cache)

	publishTick(t, broker, "51000", "1", false)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, _ := cache.Get("binance", "BTC-USDT")
		if snap != nil && !snap.Price.Equal(first.Price) {
			if !snap.Price.Equal(decimal.RequireFromString("51000")) {
				t.Fatalf("superseded price = %s, want 51000", snap.Price)
			}
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("snapshot was never superseded")
}

func TestTrendAlignment(t *testing.T) {
	up := []decimal.Decimal{decimal.NewFromInt(1), decimal.NewFromInt(2), decimal.NewFromInt(3)}
	down := []decimal.Decimal{decimal.NewFromInt(3), decimal.NewFromInt(2), decimal.NewFromInt(1)}

	trend, ok := trendAlignment(map[string][]decimal.Decimal{"1m": up, "5m": up})
	if !ok || !trend.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("aligned rising trend = (%s, %v), want 1", trend, ok)
	}
	trend, ok = trendAlignment(map[string][]decimal.Decimal{"1m": up, "5m": down})
	if !ok || !trend.IsZero() {
		t.Fatalf("mixed trend = (%s, %v), want 0", trend, ok)
	}
	if _, ok := trendAlignment(map[string][]decimal.Decimal{"1m": {decimal.NewFromInt(1)}}); ok {
		t.Fatal("single close should not produce a trend")
	}
}
