package execution

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/windmark/tradewind/internal/errs"
	"github.com/windmark/tradewind/internal/exchange"
)

// ReconcileConfig controls fill verification after placement.
type ReconcileConfig struct {
	// Enabled gates the whole handler; when false it passes through.
	Enabled bool
	// PollInterval spaces GetOrder calls while waiting for a terminal status.
	PollInterval time.Duration
	// Timeout bounds total polling time.
	Timeout time.Duration
	// MaxSlippagePercent flags fills too far from the expected price.
	MaxSlippagePercent decimal.Decimal
	// MinFillRatio flags partial fills below this fraction of the request.
	MinFillRatio decimal.Decimal
}

func (c ReconcileConfig) normalize() ReconcileConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MinFillRatio.IsZero() {
		c.MinFillRatio = decimal.RequireFromString("0.95")
	}
	return c
}

// ReconcileHandler polls the venue until the order reaches a terminal status
// or the deadline passes, then computes slippage and fill-ratio flags.
type ReconcileHandler struct {
	cfg     ReconcileConfig
	adapter exchange.Adapter
}

// NewReconcileHandler constructs the verification link of the chain.
func NewReconcileHandler(cfg ReconcileConfig, adapter exchange.Adapter) *ReconcileHandler {
	return &ReconcileHandler{cfg: cfg.normalize(), adapter: adapter}
}

// Name identifies the handler in logs.
func (h *ReconcileHandler) Name() string { return "reconciliation" }

// Process verifies the fill recorded by the placement handler.
func (h *ReconcileHandler) Process(ctx context.Context, ec *Context) (Outcome, error) {
	if !h.cfg.Enabled {
		ec.Logf("reconciliation: disabled, skipping")
		return OutcomeSuccess, nil
	}

	info := ec.Order
	deadline := time.Now().Add(h.cfg.Timeout)
	for !info.Status.Terminal() && time.Now().Before(deadline) {
		if err := sleepCtx(ctx, h.cfg.PollInterval); err != nil {
			return OutcomeFailure, err
		}
		latest, err := h.adapter.GetOrder(ctx, info.Symbol, exchange.OrderRef{OrderID: info.ExchangeOrderID})
		if err != nil {
			if errs.CodeOf(err) == errs.CodeOrderNotFound {
				return OutcomeFailure, err
			}
			ec.Logf("reconciliation: poll error: %v", err)
			continue
		}
		info = latest
	}
	ec.Order = info

	if ec.Signal.EntryPrice.Sign() > 0 && info.AvgFillPrice.Sign() > 0 {
		ec.Slippage = info.AvgFillPrice.Sub(ec.Signal.EntryPrice).Abs().Div(ec.Signal.EntryPrice)
		if h.cfg.MaxSlippagePercent.Sign() > 0 &&
			ec.Slippage.Mul(decimal.NewFromInt(100)).GreaterThan(h.cfg.MaxSlippagePercent) {
			ec.SlippageFlagged = true
			ec.Logf("reconciliation: slippage %s above maximum %s%%", ec.Slippage.Round(6), h.cfg.MaxSlippagePercent)
		}
	}

	if info.Quantity.Sign() > 0 {
		ec.FillRatio = info.FilledQuantity.Div(info.Quantity)
		if ec.FillRatio.LessThan(h.cfg.MinFillRatio) {
			ec.PartialFlagged = true
			ec.Logf("reconciliation: partial fill ratio %s below threshold %s", ec.FillRatio.Round(6), h.cfg.MinFillRatio)
		}
	}

	ec.Logf("reconciliation: status=%s fill_ratio=%s slippage=%s", info.Status, ec.FillRatio.Round(6), ec.Slippage.Round(6))
	return OutcomeSuccess, nil
}
