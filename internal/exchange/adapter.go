// Package exchange defines the uniform adapter facade over venue order and
// account APIs, plus the factory that caches connected adapter instances.
//
// Adapters surface failures through the internal/errs code taxonomy:
// rate_limited, insufficient_balance, invalid_order, order_not_found, auth,
// network, timeout; anything else must be wrapped as exchange_error. Callers
// branch on errs.CodeOf, never on concrete error types.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/windmark/tradewind/internal/order"
	"github.com/windmark/tradewind/internal/schema"
)

// MarketType distinguishes venue market segments.
type MarketType string

const (
	// MarketSpot is the cash market.
	MarketSpot MarketType = "spot"
	// MarketFutures is the derivatives market.
	MarketFutures MarketType = "futures"
)

// TimeInForce constrains how long an order rests.
type TimeInForce string

const (
	// TIFGoodTillCancel rests until cancelled.
	TIFGoodTillCancel TimeInForce = "GTC"
	// TIFImmediateOrCancel fills what it can and cancels the rest.
	TIFImmediateOrCancel TimeInForce = "IOC"
	// TIFFillOrKill fills completely or not at all.
	TIFFillOrKill TimeInForce = "FOK"
)

// OrderStatus mirrors the venue-side view of an order.
type OrderStatus string

const (
	// StatusNew is accepted but unfilled.
	StatusNew OrderStatus = "NEW"
	// StatusPartiallyFilled has partial executions.
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	// StatusFilled is completely executed. Terminal.
	StatusFilled OrderStatus = "FILLED"
	// StatusCancelled was withdrawn. Terminal.
	StatusCancelled OrderStatus = "CANCELED"
	// StatusRejected was refused. Terminal.
	StatusRejected OrderStatus = "REJECTED"
	// StatusExpired lapsed unfilled. Terminal.
	StatusExpired OrderStatus = "EXPIRED"
)

// Terminal reports whether the venue will change this status no further.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// PlaceOrderRequest carries one order submission.
type PlaceOrderRequest struct {
	Symbol      string
	Side        schema.Side
	Type        order.Type
	Quantity    decimal.Decimal
	Price       decimal.Decimal // ignored for market orders
	StopPrice   decimal.Decimal
	ClientID    string
	TimeInForce TimeInForce
}

// OrderInfo is the venue's view of an order after submission or lookup.
type OrderInfo struct {
	ExchangeOrderID string
	ClientID        string
	Symbol          string
	Side            schema.Side
	Type            order.Type
	Status          OrderStatus
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	FilledQuantity  decimal.Decimal
	AvgFillPrice    decimal.Decimal
	Commission      decimal.Decimal
	UpdatedAt       time.Time
}

// OrderRef identifies an order by exchange id or client id; one must be set.
type OrderRef struct {
	OrderID  string
	ClientID string
}

// Balance describes the funds held in one asset.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
	Total  decimal.Decimal
}

// Position describes one open position; empty for cash venues.
type Position struct {
	Symbol     string
	Side       schema.Side
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	MarkPrice  decimal.Decimal
	OpenedAt   time.Time
}

// Ticker is the latest market summary for a symbol.
type Ticker struct {
	Symbol    string
	LastPrice decimal.Decimal
	BidPrice  decimal.Decimal
	AskPrice  decimal.Decimal
	Volume24h decimal.Decimal
	Timestamp time.Time
}

// SymbolInfo carries venue trading rules for a symbol.
type SymbolInfo struct {
	Symbol       string
	BaseAsset    string
	QuoteAsset   string
	PriceStep    decimal.Decimal
	QuantityStep decimal.Decimal
	MinNotional  decimal.Decimal
}

// Adapter is the uniform facade the execution pipeline depends on. Adapter
// implementations must tolerate concurrent calls from the placement handler
// and reconciliation polling; venues that cannot must serialize internally.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (OrderInfo, error)
	CancelOrder(ctx context.Context, symbol string, ref OrderRef) error
	GetOrder(ctx context.Context, symbol string, ref OrderRef) (OrderInfo, error)

	GetBalance(ctx context.Context, asset string) (map[string]Balance, error)
	GetPositions(ctx context.Context, symbol string) ([]Position, error)
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	GetSymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error)
}
