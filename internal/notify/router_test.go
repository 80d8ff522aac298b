package notify

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/windmark/tradewind/internal/bus"
	"github.com/windmark/tradewind/internal/schema"
)

type stubSender struct {
	mu    sync.Mutex
	fails int
	sent  []Message
}

func (s *stubSender) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails > 0 {
		s.fails--
		return errors.New("relay unavailable")
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *stubSender) messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.sent...)
}

type routerFixture struct {
	router *Router
	broker *bus.Bus
	sender *stubSender

	mu       sync.Mutex
	slept    []time.Duration
	outcomes []*schema.Event
}

func (fx *routerFixture) sleeps() []time.Duration {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return append([]time.Duration(nil), fx.slept...)
}

func newRouterFixture(t *testing.T, cfg RouterConfig, sender *stubSender) *routerFixture {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	broker := bus.New(bus.Config{Logger: quiet})
	t.Cleanup(func() { broker.Stop(time.Second) })

	fx := &routerFixture{broker: broker, sender: sender}
	record := bus.HandlerFunc("outcome-recorder", func(_ context.Context, evt *schema.Event) error {
		fx.mu.Lock()
		fx.outcomes = append(fx.outcomes, evt)
		fx.mu.Unlock()
		return nil
	})
	for _, kind := range []schema.EventKind{schema.KindNotificationSent, schema.KindNotificationFailed} {
		if _, err := broker.Subscribe(kind, record); err != nil {
			t.Fatalf("Subscribe(%s) error: %v", kind, err)
		}
	}

	cfg.Logger = quiet
	if len(cfg.Recipients) == 0 {
		cfg.Recipients = []string{"ops@example.com"}
	}
	router := NewRouter(cfg, broker, sender, quiet)
	router.sleep = func(_ context.Context, d time.Duration) error {
		fx.mu.Lock()
		fx.slept = append(fx.slept, d)
		fx.mu.Unlock()
		return nil
	}
	if err := router.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop(context.Background()) })
	fx.router = router
	return fx
}

func (fx *routerFixture) waitMessages(t *testing.T, want int) []Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := fx.sender.messages(); len(msgs) >= want {
			return msgs
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sent messages, have %d", want, len(fx.sender.messages()))
	return nil
}

func (fx *routerFixture) waitOutcome(t *testing.T, kind schema.EventKind) *schema.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fx.mu.Lock()
		for _, evt := range fx.outcomes {
			if evt.Kind == kind {
				fx.mu.Unlock()
				return evt
			}
		}
		fx.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for a %s event", kind)
	return nil
}

func orderFailedEvent(reason string) *schema.Event {
	return schema.NewEvent(schema.KindOrderFailed, &schema.OrderFailedPayload{
		Exchange: "binance",
		Symbol:   "BTC-USDT",
		Side:     schema.SideBuy,
		Reason:   reason,
	})
}

func dumpEvent(symbol string) *schema.Event {
	return schema.NewEvent(schema.KindDumpDetected, &schema.WarningPayload{
		Exchange: "binance",
		Symbol:   symbol,
		Detail:   "price dropped 4.2% in 60s",
	})
}

func TestRouterDispatchesCriticalImmediately(t *testing.T) {
	sender := &stubSender{}
	fx := newRouterFixture(t, RouterConfig{WarningInterval: time.Hour, InfoInterval: time.Hour}, sender)

	if err := fx.broker.Publish(context.Background(), orderFailedEvent("account balance too low")); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	msgs := fx.waitMessages(t, 1)
	if !strings.Contains(msgs[0].Subject, "CRITICAL") || !strings.Contains(msgs[0].Subject, "OrderFailed") {
		t.Fatalf("subject = %q", msgs[0].Subject)
	}
	if !strings.Contains(msgs[0].Body, "account balance too low") {
		t.Fatalf("body = %q", msgs[0].Body)
	}

	evt := fx.waitOutcome(t, schema.KindNotificationSent)
	payload := evt.Payload.(*schema.NotificationPayload)
	if payload.Tier != string(TierCritical) || payload.Recipients != 1 {
		t.Fatalf("outcome payload = %+v", payload)
	}
}

func TestRouterRetriesCriticalSends(t *testing.T) {
	sender := &stubSender{fails: 2}
	fx := newRouterFixture(t, RouterConfig{
		WarningInterval: time.Hour,
		InfoInterval:    time.Hour,
		RetryDelay:      5 * time.Millisecond,
	}, sender)

	if err := fx.broker.Publish(context.Background(), orderFailedEvent("venue rejected")); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	fx.waitMessages(t, 1)
	fx.waitOutcome(t, schema.KindNotificationSent)
	slept := fx.sleeps()
	want := []time.Duration{5 * time.Millisecond, 10 * time.Millisecond}
	if len(slept) != len(want) || slept[0] != want[0] || slept[1] != want[1] {
		t.Fatalf("resend delays = %v, want %v", slept, want)
	}
}

func TestRouterReportsExhaustedRetries(t *testing.T) {
	sender := &stubSender{fails: 10}
	fx := newRouterFixture(t, RouterConfig{
		WarningInterval: time.Hour,
		InfoInterval:    time.Hour,
		RetryDelay:      time.Millisecond,
	}, sender)

	if err := fx.broker.Publish(context.Background(), orderFailedEvent("venue rejected")); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	evt := fx.waitOutcome(t, schema.KindNotificationFailed)
	payload := evt.Payload.(*schema.NotificationPayload)
	if payload.Detail == "" {
		t.Fatal("failure outcome carries no detail")
	}
	// One initial attempt plus the three-retry critical budget.
	if slept := fx.sleeps(); len(slept) != 3 {
		t.Fatalf("resend count = %d, want 3", len(slept))
	}
	if len(sender.messages()) != 0 {
		t.Fatalf("messages delivered despite persistent failure: %d", len(sender.messages()))
	}
}

func (fx *routerFixture) waitQueued(t *testing.T, tier Tier, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fx.router.mu.Lock()
		queued := len(fx.router.queues[tier])
		fx.router.mu.Unlock()
		if queued >= want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d queued %s notifications", want, tier)
}

func TestRouterBatchesWarningsIntoOneSummary(t *testing.T) {
	sender := &stubSender{}
	fx := newRouterFixture(t, RouterConfig{WarningInterval: time.Hour, InfoInterval: time.Hour}, sender)

	for _, symbol := range []string{"AAA", "BBB", "CCC", "DDD", "EEE", "FFF", "GGG"} {
		if err := fx.broker.Publish(context.Background(), dumpEvent(symbol+"-USDT")); err != nil {
			t.Fatalf("Publish() error: %v", err)
		}
	}
	fx.waitQueued(t, TierWarning, 7)
	fx.router.flush(context.Background(), TierWarning)

	msgs := fx.waitMessages(t, 1)
	body := msgs[0].Body
	if !strings.Contains(msgs[0].Subject, "WARNING summary") {
		t.Fatalf("subject = %q", msgs[0].Subject)
	}
	if !strings.Contains(body, "7 warning notifications") {
		t.Fatalf("body missing total: %q", body)
	}
	if !strings.Contains(body, "DumpDetected: 7") {
		t.Fatalf("body missing per-kind count: %q", body)
	}
	// Five most recent listed, the remainder only counted.
	for _, symbol := range []string{"CCC", "DDD", "EEE", "FFF", "GGG"} {
		if !strings.Contains(body, symbol+"-USDT") {
			t.Fatalf("body missing recent entry %s: %q", symbol, body)
		}
	}
	if strings.Contains(body, "AAA-USDT") || !strings.Contains(body, "and 2 more") {
		t.Fatalf("remainder not summarized: %q", body)
	}
}

func TestRouterRateLimitsPerKind(t *testing.T) {
	sender := &stubSender{}
	fx := newRouterFixture(t, RouterConfig{
		WarningInterval: time.Hour,
		InfoInterval:    time.Hour,
		RatePerHour:     2,
	}, sender)

	for i := 0; i < 5; i++ {
		if err := fx.broker.Publish(context.Background(), dumpEvent("BTC-USDT")); err != nil {
			t.Fatalf("Publish() error: %v", err)
		}
	}
	// Per-kind delivery is FIFO, so once the fifth event is counted the
	// first two are already queued.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fx.router.mu.Lock()
		suppressed := fx.router.suppressed[schema.KindDumpDetected]
		fx.router.mu.Unlock()
		if suppressed >= 3 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	fx.router.flush(context.Background(), TierWarning)

	msgs := fx.waitMessages(t, 1)
	body := msgs[0].Body
	if !strings.Contains(body, "2 warning notifications") {
		t.Fatalf("limiter admitted wrong count: %q", body)
	}
	if !strings.Contains(body, "DumpDetected: 3 suppressed") {
		t.Fatalf("suppressed count missing: %q", body)
	}
}

func TestRouterFlushesQueuesOnStop(t *testing.T) {
	sender := &stubSender{}
	fx := newRouterFixture(t, RouterConfig{WarningInterval: time.Hour, InfoInterval: time.Hour}, sender)

	if err := fx.broker.Publish(context.Background(), dumpEvent("BTC-USDT")); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	// Wait for the handler to queue it, then stop before any ticker fires.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fx.router.Health().LastActivity.After(time.Time{}) {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if err := fx.router.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	msgs := sender.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0].Body, "1 warning notifications") {
		t.Fatalf("stop flush messages = %+v", msgs)
	}
}

func TestTierForExcludesNotificationKinds(t *testing.T) {
	if _, ok := TierFor(schema.KindNotificationSent); ok {
		t.Fatal("router would consume its own output")
	}
	if tier, ok := TierFor(schema.KindCircuitBreakerTriggered); !ok || tier != TierCritical {
		t.Fatalf("circuit breaker tier = %s, %t", tier, ok)
	}
	if tier, ok := TierFor(schema.KindPositionClosed); !ok || tier != TierInfo {
		t.Fatalf("position closed tier = %s, %t", tier, ok)
	}
}
