package decision

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/windmark/tradewind/internal/analytics"
	"github.com/windmark/tradewind/internal/schema"
)

// TrendAnalyzer gates on the multi-interval trend-alignment feature: +1 votes
// BUY, -1 votes SELL, 0 blocks for lack of agreement.
type TrendAnalyzer struct{}

func (TrendAnalyzer) Name() string { return "trend" }

func (TrendAnalyzer) Analyze(snap *analytics.Snapshot) Verdict {
	trend, ok := snap.Feature(analytics.FeatureTrendAlignment)
	if !ok {
		return Verdict{Reason: "trend not computed"}
	}
	switch {
	case trend.Sign() > 0:
		return Verdict{Passed: true, Direction: schema.SideBuy, Reason: "intervals aligned rising"}
	case trend.Sign() < 0:
		return Verdict{Passed: true, Direction: schema.SideSell, Reason: "intervals aligned falling"}
	default:
		return Verdict{Reason: "intervals disagree"}
	}
}

// OrderFlowAnalyzer gates on order-flow imbalance conviction: the absolute
// imbalance must reach MinImbalance, and its sign sets the direction.
type OrderFlowAnalyzer struct {
	// MinImbalance in [0, 1]; the gate blocks below it.
	MinImbalance decimal.Decimal
}

func (OrderFlowAnalyzer) Name() string { return "order_flow" }

func (a OrderFlowAnalyzer) Analyze(snap *analytics.Snapshot) Verdict {
	imbalance, ok := snap.Feature(analytics.FeatureOrderFlowImbalance)
	if !ok {
		return Verdict{Reason: "order flow not computed"}
	}
	if imbalance.Abs().LessThan(a.MinImbalance) {
		return Verdict{Reason: fmt.Sprintf("imbalance %s below conviction %s", imbalance.Round(4), a.MinImbalance)}
	}
	direction := schema.SideBuy
	if imbalance.Sign() < 0 {
		direction = schema.SideSell
	}
	return Verdict{Passed: true, Direction: direction,
		Reason: fmt.Sprintf("imbalance %s", imbalance.Round(4))}
}

// MomentumAnalyzer passes without a directional opinion unless the windowed
// price change exceeds MinChangePercent, in which case it votes with the move.
type MomentumAnalyzer struct {
	MinChangePercent decimal.Decimal
}

func (MomentumAnalyzer) Name() string { return "momentum" }

func (a MomentumAnalyzer) Analyze(snap *analytics.Snapshot) Verdict {
	change, ok := snap.Feature(analytics.FeaturePriceChangePercent)
	if !ok {
		return Verdict{Passed: true, Reason: "price change not computed"}
	}
	if change.Abs().LessThan(a.MinChangePercent) {
		return Verdict{Passed: true, Reason: "no momentum opinion"}
	}
	direction := schema.SideBuy
	if change.Sign() < 0 {
		direction = schema.SideSell
	}
	return Verdict{Passed: true, Direction: direction,
		Reason: fmt.Sprintf("price moved %s%%", change.Round(4))}
}
