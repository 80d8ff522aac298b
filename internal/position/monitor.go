// Package position watches open positions for conditions the decision
// pipeline cannot see: positions held past their limit and rapid adverse
// price moves. It never touches the venue itself; it raises warnings and
// asks the execution engine for a forced exit.
package position

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/windmark/tradewind/internal/bus"
	"github.com/windmark/tradewind/internal/errs"
	"github.com/windmark/tradewind/internal/lifecycle"
	"github.com/windmark/tradewind/internal/schema"
)

// MonitorConfig tunes the position monitor.
type MonitorConfig struct {
	// MaxHoldTime forces positions closed after this duration.
	MaxHoldTime time.Duration
	// CheckInterval paces the hold-time sweep.
	CheckInterval time.Duration

	// DumpWindow is the rolling anchor lifetime for dump detection.
	DumpWindow time.Duration
	// DumpThresholdPercent is the adverse move, in percent of the anchor
	// price, that counts as a dump.
	DumpThresholdPercent decimal.Decimal
	// ExitOnDump additionally requests a forced exit when a dump fires.
	ExitOnDump bool

	// CorrelationWindow groups dumps on distinct symbols into a
	// CorrelatedDumpDetected warning.
	CorrelationWindow time.Duration

	// TrailingStopPercent fires TrailingStopHit when a profitable position
	// retraces this far from its favorable extreme. Zero disables trailing.
	TrailingStopPercent decimal.Decimal

	Logger *log.Logger
}

func (c MonitorConfig) normalize() MonitorConfig {
	if c.MaxHoldTime <= 0 {
		c.MaxHoldTime = 4 * time.Hour
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.DumpWindow <= 0 {
		c.DumpWindow = time.Minute
	}
	if c.DumpThresholdPercent.Sign() <= 0 {
		c.DumpThresholdPercent = decimal.NewFromInt(3)
	}
	if c.CorrelationWindow <= 0 {
		c.CorrelationWindow = 2 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// openPosition is the monitor's view of one held position.
type openPosition struct {
	exchange    string
	symbol      string
	side        schema.Side
	quantity    decimal.Decimal
	entryPrice  decimal.Decimal
	openedAt    time.Time
	holdFlagged bool

	// lastPrice and peakPrice track the latest tick and the favorable
	// extreme since open, for drawdown and trailing-stop checks.
	lastPrice    decimal.Decimal
	peakPrice    decimal.Decimal
	trailFlagged bool
}

// priceAnchor is the rolling reference price for dump detection.
type priceAnchor struct {
	price decimal.Decimal
	at    time.Time
}

// Monitor is the always-on component enforcing hold-time and dump limits on
// open positions.
type Monitor struct {
	lifecycle.Base
	cfg    MonitorConfig
	broker *bus.Bus
	logger *log.Logger
	runner lifecycle.Runner

	// now is swapped in tests.
	now func() time.Time

	mu            sync.Mutex
	open          map[string]*openPosition
	anchors       map[string]priceAnchor
	lastDumps     map[string]time.Time
	healthFlagged bool
}

// NewMonitor wires the monitor against the broker.
func NewMonitor(cfg MonitorConfig, broker *bus.Bus, logger *log.Logger) *Monitor {
	cfg = cfg.normalize()
	if logger == nil {
		logger = cfg.Logger
	}
	return &Monitor{
		Base:      lifecycle.NewBase("position-monitor"),
		cfg:       cfg,
		broker:    broker,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		open:      make(map[string]*openPosition),
		anchors:   make(map[string]priceAnchor),
		lastDumps: make(map[string]time.Time),
	}
}

func positionKey(exchange, symbol string) string { return exchange + "|" + symbol }

// Start subscribes to the position lifecycle and tick topics and launches
// the hold-time sweep.
func (m *Monitor) Start(ctx context.Context) error {
	if !m.TransitionStart() {
		return nil
	}
	subs := []struct {
		kind schema.EventKind
		name string
		fn   func(context.Context, *schema.Event) error
	}{
		{schema.KindPositionOpened, m.Name() + ".opened", m.onOpened},
		{schema.KindPositionClosed, m.Name() + ".closed", m.onClosed},
		{schema.KindTradeTickReceived, m.Name() + ".tick", m.onTick},
	}
	for i, sub := range subs {
		if _, err := m.broker.Subscribe(sub.kind, bus.HandlerFunc(sub.name, sub.fn)); err != nil {
			for _, prev := range subs[:i] {
				m.broker.Unsubscribe(prev.kind, prev.name)
			}
			m.TransitionStop()
			return err
		}
	}
	m.runner.Launch(ctx, m.sweepLoop)
	return nil
}

// Stop unsubscribes and stops the sweep. Idempotent.
func (m *Monitor) Stop(ctx context.Context) error {
	if !m.TransitionStop() {
		return nil
	}
	m.broker.Unsubscribe(schema.KindPositionOpened, m.Name()+".opened")
	m.broker.Unsubscribe(schema.KindPositionClosed, m.Name()+".closed")
	m.broker.Unsubscribe(schema.KindTradeTickReceived, m.Name()+".tick")
	return m.runner.Join(ctx)
}

// OpenCount reports the number of positions under watch.
func (m *Monitor) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

func (m *Monitor) onOpened(_ context.Context, evt *schema.Event) error {
	pos, ok := evt.Payload.(*schema.PositionPayload)
	if !ok {
		return errs.New("position", errs.CodeInvalid, errs.WithMessage("unexpected PositionOpened payload"))
	}
	m.MarkActivity()

	openedAt := pos.OpenedAt
	if openedAt.IsZero() {
		openedAt = m.now()
	}
	m.mu.Lock()
	m.open[positionKey(pos.Exchange, pos.Symbol)] = &openPosition{
		exchange:   pos.Exchange,
		symbol:     pos.Symbol,
		side:       pos.Side,
		quantity:   pos.Quantity,
		entryPrice: pos.EntryPrice,
		openedAt:   openedAt,
		peakPrice:  pos.EntryPrice,
	}
	m.mu.Unlock()
	return nil
}

func (m *Monitor) onClosed(_ context.Context, evt *schema.Event) error {
	pos, ok := evt.Payload.(*schema.PositionPayload)
	if !ok {
		return errs.New("position", errs.CodeInvalid, errs.WithMessage("unexpected PositionClosed payload"))
	}
	m.MarkActivity()

	key := positionKey(pos.Exchange, pos.Symbol)
	m.mu.Lock()
	delete(m.open, key)
	delete(m.anchors, key)
	m.mu.Unlock()
	return nil
}

// onTick runs dump detection for ticks on held symbols. The anchor resets
// when it ages out of the window; a firing dump also resets it so one move
// does not warn repeatedly.
func (m *Monitor) onTick(ctx context.Context, evt *schema.Event) error {
	tick, ok := evt.Payload.(*schema.TradeTickPayload)
	if !ok {
		return errs.New("position", errs.CodeInvalid, errs.WithMessage("unexpected TradeTickReceived payload"))
	}

	key := positionKey(tick.Exchange, tick.Symbol)
	m.mu.Lock()
	pos, held := m.open[key]
	if !held {
		m.mu.Unlock()
		return nil
	}
	m.MarkActivity()

	pos.lastPrice = tick.Price
	retracePct, trailFired := m.updateTrailingLocked(pos, tick.Price)
	side := pos.side

	dumpFired := false
	var movedPct decimal.Decimal
	var correlated []string
	anchor, ok := m.anchors[key]
	switch {
	case !ok || tick.TradeTime.Sub(anchor.at) > m.cfg.DumpWindow || anchor.price.Sign() <= 0:
		m.anchors[key] = priceAnchor{price: tick.Price, at: tick.TradeTime}
	default:
		// Adverse move relative to the held side: a falling price hurts
		// longs, a rising one hurts shorts.
		adverse := anchor.price.Sub(tick.Price)
		if side == schema.SideSell {
			adverse = adverse.Neg()
		}
		movedPct = adverse.Div(anchor.price).Mul(decimal.NewFromInt(100))
		if !movedPct.LessThan(m.cfg.DumpThresholdPercent) {
			dumpFired = true
			m.anchors[key] = priceAnchor{price: tick.Price, at: tick.TradeTime}
			correlated = m.recordDumpLocked(tick.Symbol, tick.TradeTime)
		}
	}
	m.mu.Unlock()

	if trailFired {
		trailDetail := fmt.Sprintf("retraced %s%% from the favorable extreme of a %s position",
			retracePct.Round(2), side)
		m.logger.Printf("position: trailing stop hit symbol=%s %s", tick.Symbol, trailDetail)
		m.publish(ctx, schema.KindTrailingStopHit, &schema.WarningPayload{
			Exchange: tick.Exchange,
			Symbol:   tick.Symbol,
			Detail:   trailDetail,
			Metric:   retracePct,
		})
		m.publish(ctx, schema.KindForceExitRequired, &schema.ForceExitPayload{
			Exchange: tick.Exchange,
			Symbol:   tick.Symbol,
			Side:     side,
			Reason:   "trailing stop hit: " + trailDetail,
		})
	}
	if !dumpFired {
		return nil
	}

	detail := fmt.Sprintf("adverse move %s%% within %s against %s position",
		movedPct.Round(2), m.cfg.DumpWindow, side)
	m.logger.Printf("position: dump detected symbol=%s %s", tick.Symbol, detail)
	m.publish(ctx, schema.KindDumpDetected, &schema.WarningPayload{
		Exchange: tick.Exchange,
		Symbol:   tick.Symbol,
		Detail:   detail,
		Metric:   movedPct,
	})
	if len(correlated) > 1 {
		m.publish(ctx, schema.KindCorrelatedDumpDetected, &schema.WarningPayload{
			Exchange: tick.Exchange,
			Detail:   fmt.Sprintf("dumps on %d symbols within %s: %v", len(correlated), m.cfg.CorrelationWindow, correlated),
		})
	}
	if m.cfg.ExitOnDump {
		m.publish(ctx, schema.KindForceExitRequired, &schema.ForceExitPayload{
			Exchange: tick.Exchange,
			Symbol:   tick.Symbol,
			Side:     side,
			Reason:   "dump detected: " + detail,
		})
	}
	return nil
}

// updateTrailingLocked advances the favorable extreme and reports the
// retracement percent once it exceeds the trailing stop. Only profit is
/// trailed: the extreme must sit past the entry price. Fires once per
// position.
func (m *Monitor) updateTrailingLocked(pos *openPosition, price decimal.Decimal) (decimal.Decimal, bool) {
	if m.cfg.TrailingStopPercent.Sign() <= 0 || pos.trailFlagged {
		return decimal.Decimal{}, false
	}
	if pos.peakPrice.Sign() <= 0 {
		pos.peakPrice = pos.entryPrice
	}

	improved := price.GreaterThan(pos.peakPrice)
	inProfit := pos.peakPrice.GreaterThan(pos.entryPrice)
	retrace := pos.peakPrice.Sub(price)
	if pos.side == schema.SideSell {
		improved = price.LessThan(pos.peakPrice)
		inProfit = pos.peakPrice.LessThan(pos.entryPrice)
		retrace = retrace.Neg()
	}
	if improved {
		pos.peakPrice = price
		return decimal.Decimal{}, false
	}
	if !inProfit || pos.peakPrice.Sign() <= 0 {
		return decimal.Decimal{}, false
	}

	retracePct := retrace.Div(pos.peakPrice).Mul(decimal.NewFromInt(100))
	if retracePct.LessThan(m.cfg.TrailingStopPercent) {
		return decimal.Decimal{}, false
	}
	pos.trailFlagged = true
	return retracePct, true
}

// recordDumpLocked notes a dump on symbol and returns every symbol that
// dumped inside the correlation window, the new one included.
func (m *Monitor) recordDumpLocked(symbol string, at time.Time) []string {
	m.lastDumps[symbol] = at
	var symbols []string
	for sym, when := range m.lastDumps {
		if at.Sub(when) > m.cfg.CorrelationWindow {
			delete(m.lastDumps, sym)
			continue
		}
		symbols = append(symbols, sym)
	}
	return symbols
}

func (m *Monitor) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHoldTimes(ctx)
			m.CheckPortfolioHealth(ctx)
		}
	}
}

// CheckHoldTimes flags every position held past MaxHoldTime and requests its
// forced exit. Each breach is reported once; the position stays under watch
// until PositionClosed arrives.
func (m *Monitor) CheckHoldTimes(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	var breached []*openPosition
	for _, pos := range m.open {
		if pos.holdFlagged || now.Sub(pos.openedAt) < m.cfg.MaxHoldTime {
			continue
		}
		pos.holdFlagged = true
		breached = append(breached, pos)
	}
	m.mu.Unlock()

	for _, pos := range breached {
		held := now.Sub(pos.openedAt).Round(time.Second)
		detail := fmt.Sprintf("held %s, limit %s", held, m.cfg.MaxHoldTime)
		m.logger.Printf("position: max hold time exceeded symbol=%s %s", pos.symbol, detail)
		m.publish(ctx, schema.KindMaxHoldTimeExceeded, &schema.WarningPayload{
			Exchange: pos.exchange,
			Symbol:   pos.symbol,
			Detail:   detail,
		})
		m.publish(ctx, schema.KindForceExitRequired, &schema.ForceExitPayload{
			Exchange: pos.exchange,
			Symbol:   pos.symbol,
			Side:     pos.side,
			Reason:   "max hold time exceeded",
		})
	}
}

// CheckPortfolioHealth warns when two or more open positions sit in drawdown
// beyond the dump threshold at once. Fires on the rising edge and re-arms
// when the count falls back under two.
func (m *Monitor) CheckPortfolioHealth(ctx context.Context) {
	m.mu.Lock()
	total := len(m.open)
	drawdown := 0
	for _, pos := range m.open {
		if pos.lastPrice.Sign() <= 0 || pos.entryPrice.Sign() <= 0 {
			continue
		}
		adverse := pos.entryPrice.Sub(pos.lastPrice)
		if pos.side == schema.SideSell {
			adverse = adverse.Neg()
		}
		pct := adverse.Div(pos.entryPrice).Mul(decimal.NewFromInt(100))
		if !pct.LessThan(m.cfg.DumpThresholdPercent) {
			drawdown++
		}
	}
	degraded := drawdown >= 2
	fire := degraded && !m.healthFlagged
	m.healthFlagged = degraded
	m.mu.Unlock()

	if !fire {
		return
	}
	detail := fmt.Sprintf("%d of %d open positions in drawdown beyond %s%%",
		drawdown, total, m.cfg.DumpThresholdPercent)
	m.logger.Printf("position: portfolio health degraded: %s", detail)
	m.publish(ctx, schema.KindPortfolioHealthDegraded, &schema.WarningPayload{
		Detail: detail,
		Metric: decimal.NewFromInt(int64(drawdown)),
	})
}

func (m *Monitor) publish(ctx context.Context, kind schema.EventKind, payload any) {
	if err := m.broker.Publish(ctx, schema.NewEvent(kind, payload)); err != nil {
		m.CountError()
		m.logger.Printf("position: publish %s failed: %v", kind, err)
	}
}
