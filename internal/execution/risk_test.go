package execution

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/windmark/tradewind/internal/schema"
)

type fakeProviders struct {
	balance decimal.Decimal
	open    int
}

func (p fakeProviders) QuoteBalance(context.Context, string, string) (decimal.Decimal, error) {
	return p.balance, nil
}

func (p fakeProviders) OpenPositionCount(context.Context, string) (int, error) {
	return p.open, nil
}

func TestRiskSizesFromQuoteBalance(t *testing.T) {
	providers := fakeProviders{balance: decimal.NewFromInt(10000)}
	handler := NewRiskHandler(RiskConfig{
		MaxConcurrentPositions: 5,
		MaxPositionPercent:     decimal.NewFromInt(10),
		MaxStopDistancePercent: decimal.NewFromInt(5),
	}, providers, providers)

	ec := &Context{Signal: validSignal(), Exchange: "paper"}
	outcome, err := handler.Process(context.Background(), ec)
	if err != nil || outcome != OutcomeSuccess {
		t.Fatalf("Process() = (%v, %v), want success", outcome, err)
	}
	if want := decimal.RequireFromString("0.004"); !ec.Quantity.Equal(want) {
		t.Fatalf("quantity = %s, want %s", ec.Quantity, want)
	}
	if !ec.StopLoss.Equal(decimal.NewFromInt(49000)) {
		t.Fatalf("stop loss = %s, want signal's 49000", ec.StopLoss)
	}
}

func TestRiskRejectsAtConcurrentPositionLimit(t *testing.T) {
	providers := fakeProviders{balance: decimal.NewFromInt(10000), open: 3}
	handler := NewRiskHandler(RiskConfig{MaxConcurrentPositions: 3}, providers, providers)

	ec := &Context{Signal: validSignal(), Exchange: "paper"}
	outcome, err := handler.Process(context.Background(), ec)
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if outcome != OutcomeFailure || ec.FailureReason == "" {
		t.Fatalf("outcome = %v reason = %q, want failure with reason", outcome, ec.FailureReason)
	}
}

func TestRiskSynthesizesStopAtMaxDistance(t *testing.T) {
	providers := fakeProviders{balance: decimal.NewFromInt(10000)}
	handler := NewRiskHandler(RiskConfig{
		MaxStopDistancePercent: decimal.NewFromInt(2),
	}, providers, providers)

	sig := validSignal()
	sig.StopLoss = decimal.Zero
	sig.TakeProfit = decimal.Zero
	ec := &Context{Signal: sig, Exchange: "paper"}
	outcome, err := handler.Process(context.Background(), ec)
	if err != nil || outcome != OutcomeSuccess {
		t.Fatalf("Process() = (%v, %v), want success", outcome, err)
	}
	// 2% below the 50,000 entry for a BUY.
	if want := decimal.NewFromInt(49000); !ec.StopLoss.Equal(want) {
		t.Fatalf("synthesized stop = %s, want %s", ec.StopLoss, want)
	}
}

func TestRiskRejectsStopBeyondMaxDistance(t *testing.T) {
	providers := fakeProviders{balance: decimal.NewFromInt(10000)}
	handler := NewRiskHandler(RiskConfig{
		MaxStopDistancePercent: decimal.NewFromInt(1),
	}, providers, providers)

	ec := &Context{Signal: validSignal(), Exchange: "paper"} // stop 2% away
	outcome, err := handler.Process(context.Background(), ec)
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if outcome != OutcomeFailure {
		t.Fatal("stop 2% from entry accepted under a 1% limit")
	}
}

func TestRiskRejectsPoorRiskReward(t *testing.T) {
	providers := fakeProviders{balance: decimal.NewFromInt(10000)}
	handler := NewRiskHandler(RiskConfig{
		MinRiskReward: decimal.NewFromInt(2),
	}, providers, providers)

	sig := validSignal()
	sig.StopLoss = decimal.NewFromInt(49000)   // risk 1000
	sig.TakeProfit = decimal.NewFromInt(50500) // reward 500
	ec := &Context{Signal: sig, Exchange: "paper"}
	outcome, err := handler.Process(context.Background(), ec)
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if outcome != OutcomeFailure {
		t.Fatal("risk/reward 0.5 accepted under a 2.0 minimum")
	}
}

func TestRiskRejectsZeroBalance(t *testing.T) {
	providers := fakeProviders{}
	handler := NewRiskHandler(RiskConfig{}, providers, providers)

	ec := &Context{Signal: validSignal(), Exchange: "paper"}
	outcome, err := handler.Process(context.Background(), ec)
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if outcome != OutcomeFailure {
		t.Fatal("zero balance produced a sized order")
	}
}

func TestRiskSellStopSynthesisAboveEntry(t *testing.T) {
	providers := fakeProviders{balance: decimal.NewFromInt(10000)}
	handler := NewRiskHandler(RiskConfig{
		MaxStopDistancePercent: decimal.NewFromInt(2),
	}, providers, providers)

	sig := validSignal()
	sig.Side = schema.SideSell
	sig.StopLoss = decimal.Zero
	sig.TakeProfit = decimal.Zero
	ec := &Context{Signal: sig, Exchange: "paper"}
	outcome, err := handler.Process(context.Background(), ec)
	if err != nil || outcome != OutcomeSuccess {
		t.Fatalf("Process() = (%v, %v), want success", outcome, err)
	}
	if want := decimal.NewFromInt(51000); !ec.StopLoss.Equal(want) {
		t.Fatalf("synthesized SELL stop = %s, want %s", ec.StopLoss, want)
	}
}
