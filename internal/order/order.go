// Package order owns the authoritative lifecycle state of every order the
// execution engine creates during the process lifetime.
package order

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/windmark/tradewind/internal/schema"
)

// State enumerates managed-order lifecycle states.
type State string

const (
	// StatePending marks orders created but not yet submitted.
	StatePending State = "PENDING"
	// StateSubmitted marks orders handed to the venue awaiting acknowledgement.
	StateSubmitted State = "SUBMITTED"
	// StateActive marks orders the venue has acknowledged.
	StateActive State = "ACTIVE"
	// StatePartiallyFilled marks orders with partial fills.
	StatePartiallyFilled State = "PARTIALLY_FILLED"
	// StateFilled marks fully filled orders. Terminal.
	StateFilled State = "FILLED"
	// StateCancelled marks cancelled orders. Terminal.
	StateCancelled State = "CANCELLED"
	// StateRejected marks orders the venue refused. Terminal.
	StateRejected State = "REJECTED"
	// StateFailed marks orders that never reached the venue. Terminal.
	StateFailed State = "FAILED"
)

// Terminal reports whether the state permits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateFailed:
		return true
	default:
		return false
	}
}

// Type enumerates supported order types.
type Type string

const (
	// TypeMarket crosses the book immediately.
	TypeMarket Type = "MARKET"
	// TypeLimit rests at the given price.
	TypeLimit Type = "LIMIT"
)

// Params carries the immutable creation parameters of a managed order.
type Params struct {
	Exchange string
	Symbol   string
	Side     schema.Side
	Type     Type
	Quantity decimal.Decimal
	Price    decimal.Decimal
	SignalID string
}

// ManagedOrder is the engine's in-process record of one order's lifecycle.
type ManagedOrder struct {
	ClientID   string
	ExchangeID string
	Exchange   string
	Symbol     string
	Side       schema.Side
	Type       Type
	Quantity   decimal.Decimal
	Price      decimal.Decimal

	State          State
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	Commission     decimal.Decimal

	SignalID   string
	RetryCount int
	LastError  string

	CreatedAt   time.Time
	SubmittedAt time.Time
	FilledAt    time.Time
	CancelledAt time.Time
}

// transitions lists the permitted state machine edges.
var transitions = map[State][]State{
	StatePending:         {StateSubmitted, StateFailed},
	StateSubmitted:       {StateActive, StatePartiallyFilled, StateFilled, StateRejected, StateFailed},
	StateActive:          {StatePartiallyFilled, StateFilled, StateCancelled, StateFailed},
	StatePartiallyFilled: {StatePartiallyFilled, StateFilled, StateCancelled, StateFailed},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
