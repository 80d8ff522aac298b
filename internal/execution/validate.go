package execution

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/windmark/tradewind/internal/errs"
	"github.com/windmark/tradewind/internal/schema"
)

// ValidationConfig bounds what the chain accepts. Rejection is terminal.
type ValidationConfig struct {
	MinConfluence     decimal.Decimal
	MaxConfluence     decimal.Decimal
	ExchangeWhitelist []string
}

// ValidationHandler rejects malformed signals before any venue interaction.
type ValidationHandler struct {
	cfg ValidationConfig
}

// NewValidationHandler constructs the first link of the chain.
func NewValidationHandler(cfg ValidationConfig) *ValidationHandler {
	return &ValidationHandler{cfg: cfg}
}

// Name identifies the handler in logs.
func (h *ValidationHandler) Name() string { return "validation" }

// Process checks the structural and economic sanity of the signal.
func (h *ValidationHandler) Process(_ context.Context, ec *Context) (Outcome, error) {
	sig := ec.Signal
	if sig == nil {
		return OutcomeFailure, errs.New("", errs.CodeInvalid, errs.WithMessage("signal required"))
	}

	if sig.Confluence.LessThan(h.cfg.MinConfluence) {
		return h.reject(ec, "confluence %s below minimum %s", sig.Confluence, h.cfg.MinConfluence)
	}
	if h.cfg.MaxConfluence.Sign() > 0 && sig.Confluence.GreaterThan(h.cfg.MaxConfluence) {
		return h.reject(ec, "confluence %s above maximum %s", sig.Confluence, h.cfg.MaxConfluence)
	}

	if len(h.cfg.ExchangeWhitelist) > 0 && !h.whitelisted(ec.Exchange) {
		return h.reject(ec, "exchange %q not whitelisted", ec.Exchange)
	}

	if err := schema.ValidateSymbol(sig.Symbol); err != nil {
		return h.reject(ec, "symbol %q invalid: %v", sig.Symbol, err)
	}
	if !sig.Side.Valid() {
		return h.reject(ec, "side %q invalid", sig.Side)
	}

	pct := sig.PositionPercent
	if pct.Sign() <= 0 || pct.GreaterThan(decimal.NewFromInt(100)) {
		return h.reject(ec, "position size percent %s outside (0, 100]", pct)
	}

	if sig.EntryPrice.Sign() <= 0 {
		return h.reject(ec, "entry price %s must be positive", sig.EntryPrice)
	}

	// Stop loss must sit on the losing side of entry, take profit on the
	// winning side.
	if sig.StopLoss.Sign() > 0 {
		if sig.Side == schema.SideBuy && !sig.StopLoss.LessThan(sig.EntryPrice) {
			return h.reject(ec, "BUY stop loss %s must be below entry %s", sig.StopLoss, sig.EntryPrice)
		}
		if sig.Side == schema.SideSell && !sig.StopLoss.GreaterThan(sig.EntryPrice) {
			return h.reject(ec, "SELL stop loss %s must be above entry %s", sig.StopLoss, sig.EntryPrice)
		}
	}
	if sig.TakeProfit.Sign() > 0 {
		if sig.Side == schema.SideBuy && !sig.TakeProfit.GreaterThan(sig.EntryPrice) {
			return h.reject(ec, "BUY take profit %s must be above entry %s", sig.TakeProfit, sig.EntryPrice)
		}
		if sig.Side == schema.SideSell && !sig.TakeProfit.LessThan(sig.EntryPrice) {
			return h.reject(ec, "SELL take profit %s must be below entry %s", sig.TakeProfit, sig.EntryPrice)
		}
	}

	ec.Logf("validation: accepted %s %s confluence=%s", sig.Side, sig.Symbol, sig.Confluence)
	return OutcomeSuccess, nil
}

func (h *ValidationHandler) reject(ec *Context, format string, args ...any) (Outcome, error) {
	ec.Logf("validation: rejected: "+format, args...)
	if ec.FailureReason == "" {
		ec.FailureReason = ec.log[len(ec.log)-1]
	}
	return OutcomeFailure, nil
}

func (h *ValidationHandler) whitelisted(name string) bool {
	for _, allowed := range h.cfg.ExchangeWhitelist {
		if allowed == name {
			return true
		}
	}
	return false
}
