package execution

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/windmark/tradewind/internal/errs"
	"github.com/windmark/tradewind/internal/exchange"
	"github.com/windmark/tradewind/internal/order"
)

// RetryConfig shapes the placement backoff schedule.
type RetryConfig struct {
	// MaxRetries caps the additional attempts after the first submission.
	MaxRetries int
	// BaseInterval is the first backoff sleep.
	BaseInterval time.Duration
	// Multiplier grows the sleep between attempts.
	Multiplier float64
	// MaxInterval clamps the sleep ceiling.
	MaxInterval time.Duration
	// Jitter toggles ±25% randomization of each sleep.
	Jitter bool
}

func (c RetryConfig) normalize() RetryConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseInterval <= 0 {
		c.BaseInterval = 500 * time.Millisecond
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	return c
}

// PlacementHandler submits the order through the exchange adapter, retrying
// transient failures with exponential backoff. Insufficient balance, invalid
// parameters, authorization failures, and not-found are terminal on first
// sight; rate limits always retry up to the cap.
type PlacementHandler struct {
	cfg       RetryConfig
	adapter   exchange.Adapter
	orderType order.Type
	tif       exchange.TimeInForce
	sleep     func(context.Context, time.Duration) error
}

// NewPlacementHandler constructs the submission link of the chain.
func NewPlacementHandler(cfg RetryConfig, adapter exchange.Adapter) *PlacementHandler {
	return &PlacementHandler{
		cfg:       cfg.normalize(),
		adapter:   adapter,
		orderType: order.TypeMarket,
		tif:       exchange.TIFGoodTillCancel,
		sleep:     sleepCtx,
	}
}

// Name identifies the handler in logs.
func (h *PlacementHandler) Name() string { return "placement" }

// Process submits until acceptance, a terminal error, or retry exhaustion.
func (h *PlacementHandler) Process(ctx context.Context, ec *Context) (Outcome, error) {
	req := exchange.PlaceOrderRequest{
		Symbol:      ec.Signal.Symbol,
		Side:        ec.Signal.Side,
		Type:        h.orderType,
		Quantity:    ec.Quantity,
		Price:       ec.Signal.EntryPrice,
		StopPrice:   ec.StopLoss,
		ClientID:    ec.ClientOrderID,
		TimeInForce: h.tif,
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = h.cfg.BaseInterval
	policy.Multiplier = h.cfg.Multiplier
	policy.MaxInterval = h.cfg.MaxInterval
	if h.cfg.Jitter {
		policy.RandomizationFactor = 0.25
	} else {
		policy.RandomizationFactor = 0
	}
	policy.Reset()

	var lastErr error
	for attempt := 0; attempt <= h.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			sleep := policy.NextBackOff()
			if sleep == backoff.Stop {
				break
			}
			ec.Logf("placement: retry %d/%d in %v after %v", attempt, h.cfg.MaxRetries, sleep.Round(time.Millisecond), lastErr)
			if err := h.sleep(ctx, sleep); err != nil {
				return OutcomeFailure, err
			}
		}

		info, err := h.adapter.PlaceOrder(ctx, req)
		if err == nil {
			ec.Order = info
			ec.RetryCount = attempt
			ec.Logf("placement: accepted exchange_order_id=%s status=%s filled=%s avg=%s",
				info.ExchangeOrderID, info.Status, info.FilledQuantity, info.AvgFillPrice)
			return OutcomeSuccess, nil
		}
		lastErr = err
		ec.RetryCount = attempt

		if !errs.Retriable(err) {
			ec.Logf("placement: terminal failure code=%s: %v", errs.CodeOf(err), err)
			return OutcomeFailure, err
		}
		ec.Logf("placement: transient failure code=%s attempt=%d: %v", errs.CodeOf(err), attempt+1, err)
	}

	ec.Logf("placement: retries exhausted after %d additional attempts", h.cfg.MaxRetries)
	return OutcomeFailure, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
