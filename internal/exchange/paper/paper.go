// Package paper provides a deterministic in-memory exchange adapter used by
// tests and dry-run mode. Fills are synchronous and configurable; failures
// can be scripted per call to exercise the retry classification paths.
package paper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/windmark/tradewind/internal/errs"
	"github.com/windmark/tradewind/internal/exchange"
	"github.com/windmark/tradewind/internal/schema"
)

// Options configures the simulated venue.
type Options struct {
	Name string
	// Balances seeds the account; keys are asset codes.
	Balances map[string]decimal.Decimal
	// FillRatio scales the immediately filled fraction of each order.
	// Zero or unset means full fills.
	FillRatio decimal.Decimal
	// CommissionRate applies to filled notional. Optional.
	CommissionRate decimal.Decimal
	// Clock overrides time.Now for reproducible timestamps.
	Clock func() time.Time
}

// Adapter simulates a cash venue.
type Adapter struct {
	name           string
	fillRatio      decimal.Decimal
	commissionRate decimal.Decimal
	clock          func() time.Time

	connected atomic.Bool
	nextID    atomic.Uint64

	mu        sync.Mutex
	balances  map[string]decimal.Decimal
	orders    map[string]exchange.OrderInfo // exchange order id → info
	byClient  map[string]string             // client id → exchange order id
	positions []exchange.Position
	placeErrs []error
	placeCalls int
}

// New constructs a paper adapter.
func New(opts Options) *Adapter {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "paper"
	}
	fillRatio := opts.FillRatio
	if fillRatio.IsZero() {
		fillRatio = decimal.NewFromInt(1)
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	balances := make(map[string]decimal.Decimal, len(opts.Balances))
	for asset, amount := range opts.Balances {
		balances[asset] = amount
	}
	return &Adapter{
		name:           name,
		fillRatio:      fillRatio,
		commissionRate: opts.CommissionRate,
		clock:          clock,
		balances:       balances,
		orders:         make(map[string]exchange.OrderInfo),
		byClient:       make(map[string]string),
	}
}

// Name identifies the venue.
func (a *Adapter) Name() string { return a.name }

// Connect marks the session established. Idempotent.
func (a *Adapter) Connect(_ context.Context) error {
	a.connected.Store(true)
	return nil
}

// Disconnect tears the session down. Idempotent.
func (a *Adapter) Disconnect(_ context.Context) error {
	a.connected.Store(false)
	return nil
}

// ScriptPlaceErrors queues errors returned by successive PlaceOrder calls
// before a submission succeeds.
func (a *Adapter) ScriptPlaceErrors(errors ...error) {
	a.mu.Lock()
	a.placeErrs = append(a.placeErrs, errors...)
	a.mu.Unlock()
}

// PlaceCalls reports how many PlaceOrder invocations the adapter has seen.
func (a *Adapter) PlaceCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.placeCalls
}

// PlaceOrder fills the order synchronously according to FillRatio.
func (a *Adapter) PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (exchange.OrderInfo, error) {
	if err := a.ready(ctx); err != nil {
		return exchange.OrderInfo{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.placeCalls++
	if len(a.placeErrs) > 0 {
		err := a.placeErrs[0]
		a.placeErrs = a.placeErrs[1:]
		return exchange.OrderInfo{}, err
	}
	if req.Quantity.Sign() <= 0 {
		return exchange.OrderInfo{}, errs.New(a.name, errs.CodeInvalidOrder, errs.WithMessage("quantity must be positive"))
	}
	if !req.Side.Valid() {
		return exchange.OrderInfo{}, errs.New(a.name, errs.CodeInvalidOrder, errs.WithMessage("unknown side"))
	}

	filled := req.Quantity.Mul(a.fillRatio)
	status := exchange.StatusFilled
	if filled.LessThan(req.Quantity) {
		status = exchange.StatusPartiallyFilled
	}
	commission := filled.Mul(req.Price).Mul(a.commissionRate)

	info := exchange.OrderInfo{
		ExchangeOrderID: fmt.Sprintf("%s-%d", strings.ToUpper(a.name), a.nextID.Add(1)),
		ClientID:        req.ClientID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Status:          status,
		Quantity:        req.Quantity,
		Price:           req.Price,
		FilledQuantity:  filled,
		AvgFillPrice:    req.Price,
		Commission:      commission,
		UpdatedAt:       a.clock(),
	}
	a.orders[info.ExchangeOrderID] = info
	if req.ClientID != "" {
		a.byClient[req.ClientID] = info.ExchangeOrderID
	}
	if status == exchange.StatusFilled {
		a.positions = append(a.positions, exchange.Position{
			Symbol:     req.Symbol,
			Side:       req.Side,
			Quantity:   filled,
			EntryPrice: req.Price,
			MarkPrice:  req.Price,
			OpenedAt:   a.clock(),
		})
	}
	return info, nil
}

// CancelOrder marks a resting order cancelled.
func (a *Adapter) CancelOrder(ctx context.Context, symbol string, ref exchange.OrderRef) error {
	if err := a.ready(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	info, err := a.lookup(symbol, ref)
	if err != nil {
		return err
	}
	if info.Status.Terminal() {
		return errs.New(a.name, errs.CodeInvalidOrder, errs.WithMessage("order already terminal"))
	}
	info.Status = exchange.StatusCancelled
	info.UpdatedAt = a.clock()
	a.orders[info.ExchangeOrderID] = info
	return nil
}

// GetOrder returns the venue view of an order.
func (a *Adapter) GetOrder(ctx context.Context, symbol string, ref exchange.OrderRef) (exchange.OrderInfo, error) {
	if err := a.ready(ctx); err != nil {
		return exchange.OrderInfo{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lookup(symbol, ref)
}

// GetBalance returns account balances, optionally filtered by asset.
func (a *Adapter) GetBalance(ctx context.Context, asset string) (map[string]exchange.Balance, error) {
	if err := a.ready(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]exchange.Balance)
	for code, amount := range a.balances {
		if asset != "" && code != asset {
			continue
		}
		out[code] = exchange.Balance{Asset: code, Free: amount, Total: amount}
	}
	return out, nil
}

// GetPositions lists open simulated positions.
func (a *Adapter) GetPositions(ctx context.Context, symbol string) ([]exchange.Position, error) {
	if err := a.ready(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]exchange.Position, 0, len(a.positions))
	for _, pos := range a.positions {
		if symbol != "" && pos.Symbol != symbol {
			continue
		}
		out = append(out, pos)
	}
	return out, nil
}

// GetTicker synthesizes a ticker around the last traded price for the symbol.
func (a *Adapter) GetTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	if err := a.ready(ctx); err != nil {
		return exchange.Ticker{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	last := decimal.Zero
	for _, info := range a.orders {
		if info.Symbol == symbol && info.UpdatedAt.After(time.Time{}) {
			last = info.AvgFillPrice
		}
	}
	return exchange.Ticker{Symbol: symbol, LastPrice: last, BidPrice: last, AskPrice: last, Timestamp: a.clock()}, nil
}

// GetSymbolInfo returns permissive trading rules for any BASE-QUOTE symbol.
func (a *Adapter) GetSymbolInfo(ctx context.Context, symbol string) (exchange.SymbolInfo, error) {
	if err := a.ready(ctx); err != nil {
		return exchange.SymbolInfo{}, err
	}
	if err := schema.ValidateSymbol(symbol); err != nil {
		return exchange.SymbolInfo{}, errs.New(a.name, errs.CodeInvalidOrder, errs.WithCause(err))
	}
	parts := strings.SplitN(symbol, "-", 2)
	return exchange.SymbolInfo{
		Symbol:       symbol,
		BaseAsset:    parts[0],
		QuoteAsset:   parts[1],
		PriceStep:    decimal.RequireFromString("0.01"),
		QuantityStep: decimal.RequireFromString("0.000001"),
		MinNotional:  decimal.NewFromInt(10),
	}, nil
}

// SetPartialFill updates the fill behaviour for subsequent orders.
func (a *Adapter) SetPartialFill(ratio decimal.Decimal) {
	a.mu.Lock()
	a.fillRatio = ratio
	a.mu.Unlock()
}

func (a *Adapter) ready(ctx context.Context) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return errs.New(a.name, errs.CodeTimeout, errs.WithCause(err))
		}
	}
	if !a.connected.Load() {
		return errs.New(a.name, errs.CodeUnavailable, errs.WithMessage("adapter not connected"))
	}
	return nil
}

// lookup resolves an order reference. Caller holds the lock.
func (a *Adapter) lookup(symbol string, ref exchange.OrderRef) (exchange.OrderInfo, error) {
	id := ref.OrderID
	if id == "" {
		id = a.byClient[ref.ClientID]
	}
	info, ok := a.orders[id]
	if !ok || (symbol != "" && info.Symbol != symbol) {
		return exchange.OrderInfo{}, errs.New(a.name, errs.CodeOrderNotFound,
			errs.WithMessage("order not found: "+id))
	}
	return info, nil
}
