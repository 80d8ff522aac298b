package position

import (
	"context"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/windmark/tradewind/internal/bus"
	"github.com/windmark/tradewind/internal/schema"
)

type monitorFixture struct {
	monitor *Monitor
	broker  *bus.Bus

	mu       sync.Mutex
	captured []*schema.Event

	clock struct {
		sync.Mutex
		now time.Time
	}
}

func newMonitorFixture(t *testing.T, cfg MonitorConfig) *monitorFixture {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	broker := bus.New(bus.Config{Logger: quiet})
	t.Cleanup(func() { broker.Stop(time.Second) })

	fx := &monitorFixture{broker: broker}
	fx.clock.now = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	record := bus.HandlerFunc("monitor-recorder", func(_ context.Context, evt *schema.Event) error {
		fx.mu.Lock()
		fx.captured = append(fx.captured, evt)
		fx.mu.Unlock()
		return nil
	})
	kinds := []schema.EventKind{
		schema.KindDumpDetected, schema.KindCorrelatedDumpDetected,
		schema.KindMaxHoldTimeExceeded, schema.KindForceExitRequired,
		schema.KindTrailingStopHit, schema.KindPortfolioHealthDegraded,
	}
	for _, kind := range kinds {
		if _, err := broker.Subscribe(kind, record); err != nil {
			t.Fatalf("Subscribe(%s) error: %v", kind, err)
		}
	}

	cfg.Logger = quiet
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = time.Hour // sweeps are driven explicitly
	}
	monitor := NewMonitor(cfg, broker, quiet)
	monitor.now = func() time.Time {
		fx.clock.Lock()
		defer fx.clock.Unlock()
		return fx.clock.now
	}
	if err := monitor.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { _ = monitor.Stop(context.Background()) })
	fx.monitor = monitor
	return fx
}

func (fx *monitorFixture) advance(d time.Duration) {
	fx.clock.Lock()
	fx.clock.now = fx.clock.now.Add(d)
	fx.clock.Unlock()
}

func (fx *monitorFixture) at(offset time.Duration) time.Time {
	return time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC).Add(offset)
}

func (fx *monitorFixture) openPosition(t *testing.T, symbol string, side schema.Side, entry int64) {
	t.Helper()
	before := fx.monitor.OpenCount()
	err := fx.broker.Publish(context.Background(), schema.NewEvent(schema.KindPositionOpened, &schema.PositionPayload{
		Exchange:   "binance",
		Symbol:     symbol,
		Side:       side,
		Quantity:   decimal.RequireFromString("0.5"),
		EntryPrice: decimal.NewFromInt(entry),
		OpenedAt:   fx.at(0),
	}))
	if err != nil {
		t.Fatalf("Publish(PositionOpened) error: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fx.monitor.OpenCount() > before {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("monitor never registered the %s position", symbol)
}

func (fx *monitorFixture) tick(t *testing.T, symbol string, price int64, at time.Time) {
	t.Helper()
	err := fx.broker.Publish(context.Background(), schema.NewEvent(schema.KindTradeTickReceived, &schema.TradeTickPayload{
		Exchange:  "binance",
		Symbol:    symbol,
		TradeID:   symbol + at.String(),
		Price:     decimal.NewFromInt(price),
		Quantity:  decimal.NewFromInt(1),
		TradeTime: at,
	}))
	if err != nil {
		t.Fatalf("Publish(tick) error: %v", err)
	}
}

func (fx *monitorFixture) waitEvent(t *testing.T, kind schema.EventKind) *schema.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evt := fx.findEvent(kind); evt != nil {
			return evt
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for a %s event", kind)
	return nil
}

func (fx *monitorFixture) findEvent(kind schema.EventKind) *schema.Event {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	for _, evt := range fx.captured {
		if evt.Kind == kind {
			return evt
		}
	}
	return nil
}

func (fx *monitorFixture) countEvents(kind schema.EventKind) int {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	count := 0
	for _, evt := range fx.captured {
		if evt.Kind == kind {
			count++
		}
	}
	return count
}

func TestMonitorForcesExitPastMaxHoldTime(t *testing.T) {
	fx := newMonitorFixture(t, MonitorConfig{MaxHoldTime: time.Hour})
	fx.openPosition(t, "BTC-USDT", schema.SideBuy, 50000)

	// Still inside the limit: nothing fires.
	fx.advance(30 * time.Minute)
	fx.monitor.CheckHoldTimes(context.Background())
	time.Sleep(20 * time.Millisecond)
	if fx.findEvent(schema.KindForceExitRequired) != nil {
		t.Fatal("force exit requested before the hold limit")
	}

	fx.advance(31 * time.Minute)
	fx.monitor.CheckHoldTimes(context.Background())

	warning := fx.waitEvent(t, schema.KindMaxHoldTimeExceeded)
	if payload := warning.Payload.(*schema.WarningPayload); payload.Symbol != "BTC-USDT" {
		t.Fatalf("warning payload = %+v", payload)
	}
	exit := fx.waitEvent(t, schema.KindForceExitRequired)
	payload := exit.Payload.(*schema.ForceExitPayload)
	if payload.Side != schema.SideBuy || payload.Reason != "max hold time exceeded" {
		t.Fatalf("force exit payload = %+v", payload)
	}

	// A breach is reported once.
	fx.advance(time.Hour)
	fx.monitor.CheckHoldTimes(context.Background())
	time.Sleep(20 * time.Millisecond)
	if n := fx.countEvents(schema.KindForceExitRequired); n != 1 {
		t.Fatalf("force exit requested %d times, want 1", n)
	}
}

func TestMonitorDetectsDumpOnHeldSymbol(t *testing.T) {
	fx := newMonitorFixture(t, MonitorConfig{
		DumpWindow:           time.Minute,
		DumpThresholdPercent: decimal.NewFromInt(3),
	})
	fx.openPosition(t, "BTC-USDT", schema.SideBuy, 50000)

	fx.tick(t, "BTC-USDT", 50000, fx.at(0)) // anchor
	fx.tick(t, "BTC-USDT", 47900, fx.at(30*time.Second))

	evt := fx.waitEvent(t, schema.KindDumpDetected)
	payload := evt.Payload.(*schema.WarningPayload)
	if payload.Symbol != "BTC-USDT" || !payload.Metric.Equal(decimal.RequireFromString("4.2")) {
		t.Fatalf("dump payload = %+v", payload)
	}
	if fx.findEvent(schema.KindForceExitRequired) != nil {
		t.Fatal("force exit requested without ExitOnDump")
	}
}

func TestMonitorDumpRespectsPositionSide(t *testing.T) {
	fx := newMonitorFixture(t, MonitorConfig{
		DumpWindow:           time.Minute,
		DumpThresholdPercent: decimal.NewFromInt(3),
	})
	fx.openPosition(t, "ETH-USDT", schema.SideSell, 3000)

	// Falling prices help a short; no dump.
	fx.tick(t, "ETH-USDT", 3000, fx.at(0))
	fx.tick(t, "ETH-USDT", 2850, fx.at(20*time.Second))
	time.Sleep(20 * time.Millisecond)
	if fx.findEvent(schema.KindDumpDetected) != nil {
		t.Fatal("dump flagged on a favorable move")
	}

	// A rally against the short does.
	fx.tick(t, "ETH-USDT", 3100, fx.at(40*time.Second))
	fx.waitEvent(t, schema.KindDumpDetected)
}

func TestMonitorIgnoresUnheldSymbols(t *testing.T) {
	fx := newMonitorFixture(t, MonitorConfig{
		DumpWindow:           time.Minute,
		DumpThresholdPercent: decimal.NewFromInt(3),
	})
	fx.openPosition(t, "BTC-USDT", schema.SideBuy, 50000)

	fx.tick(t, "SOL-USDT", 200, fx.at(0))
	fx.tick(t, "SOL-USDT", 100, fx.at(10*time.Second))
	time.Sleep(20 * time.Millisecond)
	if fx.findEvent(schema.KindDumpDetected) != nil {
		t.Fatal("dump flagged on a symbol without a position")
	}
}

func TestMonitorAnchorExpiresWithWindow(t *testing.T) {
	fx := newMonitorFixture(t, MonitorConfig{
		DumpWindow:           time.Minute,
		DumpThresholdPercent: decimal.NewFromInt(3),
	})
	fx.openPosition(t, "BTC-USDT", schema.SideBuy, 50000)

	// The drop happens, but only after the anchor aged out.
	fx.tick(t, "BTC-USDT", 50000, fx.at(0))
	fx.tick(t, "BTC-USDT", 47000, fx.at(2*time.Minute))
	time.Sleep(20 * time.Millisecond)
	if fx.findEvent(schema.KindDumpDetected) != nil {
		t.Fatal("dump flagged across an expired anchor")
	}
}

func TestMonitorCorrelatedDumps(t *testing.T) {
	fx := newMonitorFixture(t, MonitorConfig{
		DumpWindow:           time.Minute,
		DumpThresholdPercent: decimal.NewFromInt(3),
		CorrelationWindow:    2 * time.Minute,
	})
	fx.openPosition(t, "BTC-USDT", schema.SideBuy, 50000)
	fx.openPosition(t, "ETH-USDT", schema.SideBuy, 3000)

	fx.tick(t, "BTC-USDT", 50000, fx.at(0))
	fx.tick(t, "BTC-USDT", 47900, fx.at(20*time.Second))
	fx.tick(t, "ETH-USDT", 3000, fx.at(30*time.Second))
	fx.tick(t, "ETH-USDT", 2870, fx.at(50*time.Second))

	evt := fx.waitEvent(t, schema.KindCorrelatedDumpDetected)
	payload := evt.Payload.(*schema.WarningPayload)
	if !strings.Contains(payload.Detail, "2 symbols") {
		t.Fatalf("correlated dump detail = %q", payload.Detail)
	}
}

func TestMonitorForcesExitOnDumpWhenConfigured(t *testing.T) {
	fx := newMonitorFixture(t, MonitorConfig{
		DumpWindow:           time.Minute,
		DumpThresholdPercent: decimal.NewFromInt(3),
		ExitOnDump:           true,
	})
	fx.openPosition(t, "BTC-USDT", schema.SideBuy, 50000)

	fx.tick(t, "BTC-USDT", 50000, fx.at(0))
	fx.tick(t, "BTC-USDT", 47000, fx.at(10*time.Second))

	evt := fx.waitEvent(t, schema.KindForceExitRequired)
	payload := evt.Payload.(*schema.ForceExitPayload)
	if payload.Side != schema.SideBuy || !strings.Contains(payload.Reason, "dump detected") {
		t.Fatalf("force exit payload = %+v", payload)
	}
}

func TestMonitorDropsClosedPositions(t *testing.T) {
	fx := newMonitorFixture(t, MonitorConfig{MaxHoldTime: time.Hour})
	fx.openPosition(t, "BTC-USDT", schema.SideBuy, 50000)

	err := fx.broker.Publish(context.Background(), schema.NewEvent(schema.KindPositionClosed, &schema.PositionPayload{
		Exchange: "binance",
		Symbol:   "BTC-USDT",
		Side:     schema.SideBuy,
	}))
	if err != nil {
		t.Fatalf("Publish(PositionClosed) error: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fx.monitor.OpenCount() == 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	fx.advance(2 * time.Hour)
	fx.monitor.CheckHoldTimes(context.Background())
	time.Sleep(20 * time.Millisecond)
	if fx.findEvent(schema.KindForceExitRequired) != nil {
		t.Fatal("force exit requested for a closed position")
	}
}

func TestMonitorTrailingStopOnLong(t *testing.T) {
	fx := newMonitorFixture(t, MonitorConfig{
		TrailingStopPercent:  decimal.NewFromInt(2),
		DumpThresholdPercent: decimal.NewFromInt(100), // keep dump detection quiet
	})
	fx.openPosition(t, "BTC-USDT", schema.SideBuy, 50000)

	fx.tick(t, "BTC-USDT", 52000, fx.at(time.Minute))   // new favorable extreme
	fx.tick(t, "BTC-USDT", 51000, fx.at(2*time.Minute)) // 1.92% retrace, under the stop
	fx.tick(t, "BTC-USDT", 50900, fx.at(3*time.Minute)) // 2.12% retrace, fires

	evt := fx.waitEvent(t, schema.KindTrailingStopHit)
	payload := evt.Payload.(*schema.WarningPayload)
	if payload.Symbol != "BTC-USDT" || !strings.Contains(payload.Detail, "retraced") {
		t.Fatalf("payload = %+v", payload)
	}
	if payload.Metric.LessThan(decimal.NewFromInt(2)) {
		t.Fatalf("retrace metric = %s, want >= 2", payload.Metric)
	}
	force := fx.waitEvent(t, schema.KindForceExitRequired)
	if !strings.Contains(force.Payload.(*schema.ForceExitPayload).Reason, "trailing stop") {
		t.Fatalf("force exit reason = %q", force.Payload.(*schema.ForceExitPayload).Reason)
	}

	// The stop fires once per position.
	fx.tick(t, "BTC-USDT", 49000, fx.at(4*time.Minute))
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		if fx.countEvents(schema.KindTrailingStopHit) > 1 {
			t.Fatal("trailing stop fired more than once")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMonitorTrailingStopOnlyTrailsProfit(t *testing.T) {
	fx := newMonitorFixture(t, MonitorConfig{
		TrailingStopPercent:  decimal.NewFromInt(2),
		DumpThresholdPercent: decimal.NewFromInt(100),
	})
	fx.openPosition(t, "BTC-USDT", schema.SideBuy, 50000)

	// Straight down from entry: a loss, not a retraced profit.
	fx.tick(t, "BTC-USDT", 49500, fx.at(time.Minute))
	fx.tick(t, "BTC-USDT", 48900, fx.at(2*time.Minute))

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		if fx.findEvent(schema.KindTrailingStopHit) != nil {
			t.Fatal("trailing stop fired on an unprofitable position")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMonitorTrailingStopOnShort(t *testing.T) {
	fx := newMonitorFixture(t, MonitorConfig{
		TrailingStopPercent:  decimal.NewFromInt(2),
		DumpThresholdPercent: decimal.NewFromInt(100),
	})
	fx.openPosition(t, "ETH-USDT", schema.SideSell, 3000)

	fx.tick(t, "ETH-USDT", 2900, fx.at(time.Minute))   // favorable extreme for the short
	fx.tick(t, "ETH-USDT", 2970, fx.at(2*time.Minute)) // 2.41% bounce, fires

	evt := fx.waitEvent(t, schema.KindTrailingStopHit)
	if got := evt.Payload.(*schema.WarningPayload).Symbol; got != "ETH-USDT" {
		t.Fatalf("symbol = %q", got)
	}
}

func TestMonitorPortfolioHealthDegraded(t *testing.T) {
	fx := newMonitorFixture(t, MonitorConfig{DumpThresholdPercent: decimal.NewFromInt(3)})
	fx.openPosition(t, "BTC-USDT", schema.SideBuy, 50000)
	fx.openPosition(t, "ETH-USDT", schema.SideBuy, 3000)

	// One position down 4%, the other up: still healthy.
	fx.tick(t, "BTC-USDT", 48000, fx.at(time.Minute))
	fx.tick(t, "ETH-USDT", 3030, fx.at(time.Minute))
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		fx.monitor.CheckPortfolioHealth(context.Background())
		if fx.findEvent(schema.KindPortfolioHealthDegraded) != nil {
			t.Fatal("health degraded with a single position in drawdown")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Second position drops 5%: two of two in drawdown.
	fx.tick(t, "ETH-USDT", 2850, fx.at(2*time.Minute))
	deadline = time.Now().Add(2 * time.Second)
	for fx.findEvent(schema.KindPortfolioHealthDegraded) == nil {
		if !time.Now().Before(deadline) {
			t.Fatal("timed out waiting for PortfolioHealthDegraded")
		}
		fx.monitor.CheckPortfolioHealth(context.Background())
		time.Sleep(5 * time.Millisecond)
	}
	evt := fx.findEvent(schema.KindPortfolioHealthDegraded)
	if detail := evt.Payload.(*schema.WarningPayload).Detail; !strings.Contains(detail, "2 of 2") {
		t.Fatalf("detail = %q", detail)
	}

	// Rising edge only: repeated sweeps do not repeat the warning.
	fx.monitor.CheckPortfolioHealth(context.Background())
	fx.monitor.CheckPortfolioHealth(context.Background())
	if count := fx.countEvents(schema.KindPortfolioHealthDegraded); count != 1 {
		t.Fatalf("PortfolioHealthDegraded published %d times, want 1", count)
	}
}
