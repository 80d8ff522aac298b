package execution

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/windmark/tradewind/internal/schema"
)

// BalanceProvider reports the free quote-asset balance available for sizing.
type BalanceProvider interface {
	QuoteBalance(ctx context.Context, exchangeName, symbol string) (decimal.Decimal, error)
}

// PositionProvider reports how many positions are currently open.
type PositionProvider interface {
	OpenPositionCount(ctx context.Context, exchangeName string) (int, error)
}

// RiskConfig bounds the exposure one signal may create.
type RiskConfig struct {
	MaxConcurrentPositions int
	MaxPositionPercent     decimal.Decimal
	MinRiskReward          decimal.Decimal
	MaxStopDistancePercent decimal.Decimal
}

// RiskHandler enforces portfolio limits and computes the order quantity.
type RiskHandler struct {
	cfg       RiskConfig
	balances  BalanceProvider
	positions PositionProvider
}

// NewRiskHandler constructs the sizing link of the chain.
func NewRiskHandler(cfg RiskConfig, balances BalanceProvider, positions PositionProvider) *RiskHandler {
	return &RiskHandler{cfg: cfg, balances: balances, positions: positions}
}

// Name identifies the handler in logs.
func (h *RiskHandler) Name() string { return "risk" }

// Process checks limits, sizes the order, and synthesizes a stop loss when
// the signal omits one.
func (h *RiskHandler) Process(ctx context.Context, ec *Context) (Outcome, error) {
	sig := ec.Signal

	open, err := h.positions.OpenPositionCount(ctx, ec.Exchange)
	if err != nil {
		return OutcomeFailure, fmt.Errorf("query open positions: %w", err)
	}
	if h.cfg.MaxConcurrentPositions > 0 && open >= h.cfg.MaxConcurrentPositions {
		ec.Logf("risk: rejected: %d open positions at limit %d", open, h.cfg.MaxConcurrentPositions)
		ec.FailureReason = fmt.Sprintf("maximum concurrent positions reached (%d)", h.cfg.MaxConcurrentPositions)
		return OutcomeFailure, nil
	}

	pct := sig.PositionPercent
	if h.cfg.MaxPositionPercent.Sign() > 0 && pct.GreaterThan(h.cfg.MaxPositionPercent) {
		ec.Logf("risk: rejected: position percent %s above limit %s", pct, h.cfg.MaxPositionPercent)
		ec.FailureReason = fmt.Sprintf("position size percent %s exceeds maximum %s", pct, h.cfg.MaxPositionPercent)
		return OutcomeFailure, nil
	}

	stop := sig.StopLoss
	maxDistance := h.cfg.MaxStopDistancePercent
	if stop.Sign() <= 0 && maxDistance.Sign() > 0 {
		// Synthesize a stop at the configured maximum distance.
		offset := sig.EntryPrice.Mul(maxDistance).Div(decimal.NewFromInt(100))
		if sig.Side == schema.SideBuy {
			stop = sig.EntryPrice.Sub(offset)
		} else {
			stop = sig.EntryPrice.Add(offset)
		}
		ec.Logf("risk: synthesized stop loss %s at max distance %s%%", stop, maxDistance)
	}
	if stop.Sign() > 0 && maxDistance.Sign() > 0 {
		distance := stop.Sub(sig.EntryPrice).Abs().Div(sig.EntryPrice).Mul(decimal.NewFromInt(100))
		if distance.GreaterThan(maxDistance) {
			ec.Logf("risk: rejected: stop distance %s%% above limit %s%%", distance.Round(4), maxDistance)
			ec.FailureReason = fmt.Sprintf("stop loss distance %s%% exceeds maximum %s%%", distance.Round(4), maxDistance)
			return OutcomeFailure, nil
		}
	}

	if sig.TakeProfit.Sign() > 0 && stop.Sign() > 0 && h.cfg.MinRiskReward.Sign() > 0 {
		risk := sig.EntryPrice.Sub(stop).Abs()
		reward := sig.TakeProfit.Sub(sig.EntryPrice).Abs()
		if risk.Sign() > 0 {
			ratio := reward.Div(risk)
			if ratio.LessThan(h.cfg.MinRiskReward) {
				ec.Logf("risk: rejected: risk/reward %s below minimum %s", ratio.Round(4), h.cfg.MinRiskReward)
				ec.FailureReason = fmt.Sprintf("risk/reward ratio %s below minimum %s", ratio.Round(4), h.cfg.MinRiskReward)
				return OutcomeFailure, nil
			}
		}
	}

	balance, err := h.balances.QuoteBalance(ctx, ec.Exchange, sig.Symbol)
	if err != nil {
		return OutcomeFailure, fmt.Errorf("query balance: %w", err)
	}
	if balance.Sign() <= 0 {
		ec.Logf("risk: rejected: no available balance")
		ec.FailureReason = "insufficient balance: nothing available"
		return OutcomeFailure, nil
	}

	quantity := balance.Mul(pct).Div(decimal.NewFromInt(100)).Div(sig.EntryPrice)
	if quantity.Sign() <= 0 {
		ec.Logf("risk: rejected: computed quantity %s not positive", quantity)
		ec.FailureReason = "computed quantity not positive"
		return OutcomeFailure, nil
	}

	ec.Quantity = quantity
	ec.StopLoss = stop
	ec.Logf("risk: sized %s %s quantity=%s balance=%s pct=%s stop=%s",
		sig.Side, sig.Symbol, quantity, balance, pct, stop)
	return OutcomeSuccess, nil
}

// QuoteAsset extracts the quote leg of a BASE-QUOTE symbol.
func QuoteAsset(symbol string) string {
	if idx := strings.LastIndex(symbol, "-"); idx >= 0 {
		return symbol[idx+1:]
	}
	return symbol
}
