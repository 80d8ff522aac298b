package execution

import (
	"context"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/windmark/tradewind/internal/bus"
	"github.com/windmark/tradewind/internal/errs"
	"github.com/windmark/tradewind/internal/exchange/paper"
	"github.com/windmark/tradewind/internal/order"
	"github.com/windmark/tradewind/internal/schema"
)

type capturedEvent struct {
	kind    schema.EventKind
	seq     uint64
	payload any
}

// recorder collects bus deliveries across kinds for later inspection.
type recorder struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (r *recorder) subscribe(t *testing.T, broker *bus.Bus, kinds ...schema.EventKind) {
	t.Helper()
	for _, kind := range kinds {
		handler := bus.HandlerFunc("recorder."+string(kind), func(_ context.Context, evt *schema.Event) error {
			r.mu.Lock()
			r.events = append(r.events, capturedEvent{kind: evt.Kind, seq: evt.Seq, payload: evt.Payload})
			r.mu.Unlock()
			return nil
		})
		if _, err := broker.Subscribe(kind, handler); err != nil {
			t.Fatalf("Subscribe(%s) error: %v", kind, err)
		}
	}
}

// ordered returns the captured events sorted by bus sequence number.
func (r *recorder) ordered() []capturedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]capturedEvent, len(r.events))
	copy(out, r.events)
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (r *recorder) waitCount(t *testing.T, want int) []capturedEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.ordered(); len(got) >= want {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	got := r.ordered()
	t.Fatalf("timed out waiting for %d events, captured %d: %+v", want, len(got), got)
	return nil
}

type engineFixture struct {
	engine  *Engine
	adapter *paper.Adapter
	orders  *order.Manager
	broker  *bus.Bus
	rec     *recorder
	place   *PlacementHandler
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)

	adapter := paper.New(paper.Options{
		Name:     "paper",
		Balances: map[string]decimal.Decimal{"USDT": decimal.NewFromInt(10000)},
	})
	if err := adapter.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	providers := AdapterProviders{Adapter: adapter}
	place := NewPlacementHandler(RetryConfig{
		MaxRetries:   3,
		BaseInterval: 5 * time.Millisecond,
		Multiplier:   2,
	}, adapter)
	place.sleep = func(context.Context, time.Duration) error { return nil }

	pipeline := NewPipeline(quiet,
		NewValidationHandler(ValidationConfig{
			MinConfluence: decimal.NewFromInt(3),
			MaxConfluence: decimal.NewFromInt(100),
		}),
		NewRiskHandler(RiskConfig{
			MaxConcurrentPositions: 5,
			MaxPositionPercent:     decimal.NewFromInt(10),
			MaxStopDistancePercent: decimal.NewFromInt(5),
		}, providers, providers),
		place,
		NewReconcileHandler(ReconcileConfig{
			Enabled:      true,
			PollInterval: time.Millisecond,
			Timeout:      50 * time.Millisecond,
		}, adapter),
	)

	broker := bus.New(bus.Config{Logger: quiet})
	t.Cleanup(func() { broker.Stop(time.Second) })
	orders := order.NewManager(100, quiet)
	engine := NewEngine(EngineConfig{ExchangeName: "paper"}, pipeline, adapter, orders, broker, quiet)

	rec := &recorder{}
	rec.subscribe(t, broker,
		schema.KindOrderPlaced, schema.KindOrderFilled, schema.KindOrderFailed,
		schema.KindPositionOpened, schema.KindPositionClosed)

	return &engineFixture{engine: engine, adapter: adapter, orders: orders, broker: broker, rec: rec, place: place}
}

func TestExecuteFillsAndOpensPosition(t *testing.T) {
	fx := newEngineFixture(t)
	sig := validSignal()

	if err := fx.engine.Execute(context.Background(), sig); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	events := fx.rec.waitCount(t, 3)
	wantSeq := []schema.EventKind{schema.KindOrderPlaced, schema.KindOrderFilled, schema.KindPositionOpened}
	if len(events) != len(wantSeq) {
		t.Fatalf("captured %d events, want %d", len(events), len(wantSeq))
	}
	for i, kind := range wantSeq {
		if events[i].kind != kind {
			t.Fatalf("event[%d] kind = %s, want %s", i, events[i].kind, kind)
		}
	}

	// 2% of 10,000 USDT at 50,000 buys 0.004 BTC.
	placed := events[0].payload.(*schema.OrderPlacedPayload)
	if want := decimal.RequireFromString("0.004"); !placed.Quantity.Equal(want) {
		t.Fatalf("placed quantity = %s, want %s", placed.Quantity, want)
	}
	filled := events[1].payload.(*schema.OrderFilledPayload)
	if filled.Partial {
		t.Fatal("full fill reported as partial")
	}
	if !filled.AvgFillPrice.Equal(sig.EntryPrice) {
		t.Fatalf("avg fill price = %s, want %s", filled.AvgFillPrice, sig.EntryPrice)
	}

	history := fx.orders.History(order.Query{})
	if len(history) != 1 {
		t.Fatalf("history has %d orders, want 1", len(history))
	}
	if history[0].State != order.StateFilled {
		t.Fatalf("terminal state = %s, want %s", history[0].State, order.StateFilled)
	}
	if fx.orders.ActiveCount() != 0 {
		t.Fatalf("active count = %d after terminal fill", fx.orders.ActiveCount())
	}
}

func TestExecuteRetriesTransientErrors(t *testing.T) {
	fx := newEngineFixture(t)

	var slept []time.Duration
	fx.place.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	rateLimited := func() error {
		return errs.New("paper", errs.CodeRateLimited, errs.WithMessage("too many requests"))
	}
	fx.adapter.ScriptPlaceErrors(rateLimited(), rateLimited())

	if err := fx.engine.Execute(context.Background(), validSignal()); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	if calls := fx.adapter.PlaceCalls(); calls != 3 {
		t.Fatalf("PlaceOrder called %d times, want 3", calls)
	}
	if len(slept) != 2 {
		t.Fatalf("slept %d times, want 2", len(slept))
	}
	// Backoff grows geometrically from the base interval.
	if slept[0] != 5*time.Millisecond || slept[1] != 10*time.Millisecond {
		t.Fatalf("backoff schedule = %v, want [5ms 10ms]", slept)
	}

	events := fx.rec.waitCount(t, 3)
	if events[0].kind != schema.KindOrderPlaced {
		t.Fatalf("first event = %s, want %s", events[0].kind, schema.KindOrderPlaced)
	}

	history := fx.orders.History(order.Query{})
	if len(history) != 1 || history[0].State != order.StateFilled {
		t.Fatalf("history = %+v, want one FILLED order", history)
	}
	if history[0].RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", history[0].RetryCount)
	}
}

func TestExecuteInsufficientBalanceIsTerminal(t *testing.T) {
	fx := newEngineFixture(t)
	fx.adapter.ScriptPlaceErrors(
		errs.New("paper", errs.CodeInsufficientBalance, errs.WithMessage("account balance too low")),
	)

	if err := fx.engine.Execute(context.Background(), validSignal()); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	if calls := fx.adapter.PlaceCalls(); calls != 1 {
		t.Fatalf("PlaceOrder called %d times, want 1 (no retries)", calls)
	}

	events := fx.rec.waitCount(t, 1)
	if events[0].kind != schema.KindOrderFailed {
		t.Fatalf("event kind = %s, want %s", events[0].kind, schema.KindOrderFailed)
	}
	failed := events[0].payload.(*schema.OrderFailedPayload)
	if !strings.Contains(failed.Reason, "account balance too low") {
		t.Fatalf("failure reason %q does not carry the venue message", failed.Reason)
	}
	if len(failed.HandlerLog) == 0 {
		t.Fatal("failure payload missing the handler log")
	}

	history := fx.orders.History(order.Query{})
	if len(history) != 1 || history[0].State != order.StateFailed {
		t.Fatalf("history = %+v, want one FAILED order", history)
	}
}

func TestExecuteRejectedSignalNeverReachesVenue(t *testing.T) {
	fx := newEngineFixture(t)
	sig := validSignal()
	sig.Confluence = decimal.RequireFromString("2")

	if err := fx.engine.Execute(context.Background(), sig); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	if calls := fx.adapter.PlaceCalls(); calls != 0 {
		t.Fatalf("PlaceOrder called %d times for a rejected signal", calls)
	}
	events := fx.rec.waitCount(t, 1)
	if events[0].kind != schema.KindOrderFailed {
		t.Fatalf("event kind = %s, want %s", events[0].kind, schema.KindOrderFailed)
	}
}

func TestCircuitBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	fx := newEngineFixture(t)
	fx.rec.subscribe(t, fx.broker, schema.KindCircuitBreakerTriggered)

	rejected := validSignal()
	rejected.Confluence = decimal.RequireFromString("2")
	for i := 0; i < 5; i++ {
		if err := fx.engine.Execute(context.Background(), rejected); err != nil {
			t.Fatalf("Execute() error: %v", err)
		}
	}

	if !fx.engine.breakerOpen() {
		t.Fatal("breaker still closed after five consecutive failures")
	}
	events := fx.rec.waitCount(t, 6)
	tripped := 0
	for _, evt := range events {
		if evt.kind == schema.KindCircuitBreakerTriggered {
			tripped++
		}
	}
	if tripped != 1 {
		t.Fatalf("CircuitBreakerTriggered published %d times, want 1", tripped)
	}

	// An open breaker drops incoming signals without touching the venue.
	calls := fx.adapter.PlaceCalls()
	evt := schema.NewEvent(schema.KindSignalGenerated, validSignal())
	if err := fx.engine.onSignal(context.Background(), evt); err != nil {
		t.Fatalf("onSignal() error: %v", err)
	}
	if fx.adapter.PlaceCalls() != calls {
		t.Fatal("signal reached the venue while the breaker was open")
	}

	// The breaker closes itself once the cooldown has elapsed.
	fx.engine.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if fx.engine.breakerOpen() {
		t.Fatal("breaker still open after the cooldown")
	}
}

func TestCircuitBreakerResetsOnSuccess(t *testing.T) {
	fx := newEngineFixture(t)

	rejected := validSignal()
	rejected.Confluence = decimal.RequireFromString("2")
	for i := 0; i < 4; i++ {
		if err := fx.engine.Execute(context.Background(), rejected); err != nil {
			t.Fatalf("Execute() error: %v", err)
		}
	}
	if err := fx.engine.Execute(context.Background(), validSignal()); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if err := fx.engine.Execute(context.Background(), rejected); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	if fx.engine.breakerOpen() {
		t.Fatal("breaker tripped although a success broke the failure run")
	}
}

func TestForceExitClosesPosition(t *testing.T) {
	fx := newEngineFixture(t)

	if err := fx.engine.Execute(context.Background(), validSignal()); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	fx.rec.waitCount(t, 3)

	if err := fx.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { _ = fx.engine.Stop(context.Background()) })

	err := fx.broker.Publish(context.Background(), schema.NewEvent(schema.KindForceExitRequired, &schema.ForceExitPayload{
		Exchange: "paper",
		Symbol:   "BTC-USDT",
		Side:     schema.SideBuy,
		Reason:   "max hold time exceeded",
	}))
	if err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	events := fx.rec.waitCount(t, 4)
	last := events[len(events)-1]
	if last.kind != schema.KindPositionClosed {
		t.Fatalf("last event = %s, want %s", last.kind, schema.KindPositionClosed)
	}
	closed := last.payload.(*schema.PositionPayload)
	if !closed.Quantity.Equal(decimal.RequireFromString("0.004")) {
		t.Fatalf("closed quantity = %s, want 0.004", closed.Quantity)
	}
}
