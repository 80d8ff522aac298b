// Package schema defines the closed event catalog and the payload types
// exchanged over the engine's event bus.
package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind enumerates the closed set of bus event categories.
// The catalog is versioned by addition only.
type EventKind string

const (
	// KindTradeTickReceived identifies raw trade ticks from a stream adapter.
	KindTradeTickReceived EventKind = "TradeTickReceived"
	// KindCandleCompleted identifies closed candles at a fixed resolution.
	KindCandleCompleted EventKind = "CandleCompleted"
	// KindAnalyticsUpdated identifies refreshed per-pair analytics snapshots.
	KindAnalyticsUpdated EventKind = "AnalyticsUpdated"

	// KindSignalGenerated identifies trade signals emitted by the decision pipeline.
	KindSignalGenerated EventKind = "SignalGenerated"
	// KindOrderPlaced identifies orders accepted by the venue.
	KindOrderPlaced EventKind = "OrderPlaced"
	// KindOrderFilled identifies fully or partially filled orders.
	KindOrderFilled EventKind = "OrderFilled"
	// KindPositionOpened identifies newly opened positions.
	KindPositionOpened EventKind = "PositionOpened"
	// KindPositionClosed identifies closed positions.
	KindPositionClosed EventKind = "PositionClosed"
	// KindTrailingStopHit identifies trailing stop executions.
	KindTrailingStopHit EventKind = "TrailingStopHit"

	// KindDataQualityIssue flags suspect market data.
	KindDataQualityIssue EventKind = "DataQualityIssue"
	// KindPortfolioHealthDegraded flags deteriorating portfolio metrics.
	KindPortfolioHealthDegraded EventKind = "PortfolioHealthDegraded"
	// KindDumpDetected flags a rapid adverse price move on a held symbol.
	KindDumpDetected EventKind = "DumpDetected"
	// KindCorrelatedDumpDetected flags simultaneous dumps across symbols.
	KindCorrelatedDumpDetected EventKind = "CorrelatedDumpDetected"
	// KindMaxHoldTimeExceeded flags positions held past their limit.
	KindMaxHoldTimeExceeded EventKind = "MaxHoldTimeExceeded"

	// KindOrderFailed identifies terminal execution pipeline failures.
	KindOrderFailed EventKind = "OrderFailed"
	// KindSystemError identifies failures inside core reactive handlers.
	KindSystemError EventKind = "SystemError"
	// KindMarketDataConnectionLost identifies an exhausted stream reconnect budget.
	KindMarketDataConnectionLost EventKind = "MarketDataConnectionLost"
	// KindCircuitBreakerTriggered identifies a tripped trading circuit breaker.
	KindCircuitBreakerTriggered EventKind = "CircuitBreakerTriggered"
	// KindForceExitRequired identifies a position the monitor wants closed now.
	KindForceExitRequired EventKind = "ForceExitRequired"

	// KindNotificationSent identifies successfully dispatched notifications.
	KindNotificationSent EventKind = "NotificationSent"
	// KindNotificationFailed identifies notifications that exhausted delivery retries.
	KindNotificationFailed EventKind = "NotificationFailed"
)

// Kinds lists every member of the catalog in declaration order.
func Kinds() []EventKind {
	return []EventKind{
		KindTradeTickReceived, KindCandleCompleted, KindAnalyticsUpdated,
		KindSignalGenerated, KindOrderPlaced, KindOrderFilled,
		KindPositionOpened, KindPositionClosed, KindTrailingStopHit,
		KindDataQualityIssue, KindPortfolioHealthDegraded, KindDumpDetected,
		KindCorrelatedDumpDetected, KindMaxHoldTimeExceeded,
		KindOrderFailed, KindSystemError, KindMarketDataConnectionLost,
		KindCircuitBreakerTriggered, KindForceExitRequired,
		KindNotificationSent, KindNotificationFailed,
	}
}

// Valid reports whether the kind belongs to the catalog.
func (k EventKind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Event is the immutable record delivered to subscribers. Seq is assigned by
// the bus at publish time and is monotone across the process lifetime.
type Event struct {
	Kind      EventKind `json:"kind"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// NewEvent stamps a payload with its kind and a UTC creation time.
// The sequence id remains zero until the bus accepts the event.
func NewEvent(kind EventKind, payload any) *Event {
	return &Event{
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// TradeTickPayload carries one executed trade from a stream adapter.
type TradeTickPayload struct {
	Exchange   string          `json:"exchange"`
	Symbol     string          `json:"symbol"`
	TradeID    string          `json:"trade_id"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	BuyerMaker bool            `json:"buyer_maker"`
	TradeTime  time.Time       `json:"trade_time"`
}

// CandlePayload carries one completed candle.
type CandlePayload struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Interval  string          `json:"interval"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	OpenTime  time.Time       `json:"open_time"`
	CloseTime time.Time       `json:"close_time"`
}

// AnalyticsUpdatedPayload announces a superseded snapshot for a pair.
type AnalyticsUpdatedPayload struct {
	Exchange string    `json:"exchange"`
	Symbol   string    `json:"symbol"`
	Features []string  `json:"features"`
	Computed time.Time `json:"computed"`
}

// OrderPlacedPayload reports an order the venue has accepted.
type OrderPlacedPayload struct {
	ClientOrderID   string          `json:"client_order_id"`
	ExchangeOrderID string          `json:"exchange_order_id"`
	Exchange        string          `json:"exchange"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	SignalID        string          `json:"signal_id"`
}

// OrderFilledPayload reports fill progress on a placed order.
type OrderFilledPayload struct {
	ClientOrderID  string          `json:"client_order_id"`
	Exchange       string          `json:"exchange"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	Commission     decimal.Decimal `json:"commission"`
	Partial        bool            `json:"partial"`
}

// OrderFailedPayload reports a terminal execution failure with the handler log.
type OrderFailedPayload struct {
	ClientOrderID string   `json:"client_order_id,omitempty"`
	Exchange      string   `json:"exchange"`
	Symbol        string   `json:"symbol"`
	Side          Side     `json:"side"`
	Reason        string   `json:"reason"`
	HandlerLog    []string `json:"handler_log,omitempty"`
	SignalID      string   `json:"signal_id,omitempty"`
}

// PositionPayload describes an opened or closed position.
type PositionPayload struct {
	Exchange   string          `json:"exchange"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	StopLoss   decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit decimal.Decimal `json:"take_profit,omitempty"`
	OpenedAt   time.Time       `json:"opened_at"`
	ClosedAt   time.Time       `json:"closed_at,omitempty"`
	SignalID   string          `json:"signal_id,omitempty"`
}

// WarningPayload carries warning-tier diagnostics (data quality, portfolio
// health, dump detection, hold-time breaches).
type WarningPayload struct {
	Exchange string          `json:"exchange,omitempty"`
	Symbol   string          `json:"symbol,omitempty"`
	Detail   string          `json:"detail"`
	Metric   decimal.Decimal `json:"metric,omitempty"`
}

// SystemErrorPayload reports failures inside core reactive handlers.
type SystemErrorPayload struct {
	Component string `json:"component"`
	Detail    string `json:"detail"`
}

// ConnectionLostPayload reports an exhausted stream reconnect budget.
type ConnectionLostPayload struct {
	Exchange string   `json:"exchange"`
	Streams  []string `json:"streams,omitempty"`
	Detail   string   `json:"detail"`
}

// ForceExitPayload names the position the monitor wants liquidated.
type ForceExitPayload struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Side     Side   `json:"side"`
	Reason   string `json:"reason"`
}

// NotificationPayload reports a notification dispatch outcome.
type NotificationPayload struct {
	NotificationID string `json:"notification_id"`
	Tier           string `json:"tier"`
	Recipients     int    `json:"recipients"`
	Detail         string `json:"detail,omitempty"`
}
