package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/windmark/tradewind/internal/errs"
)

// Side captures trade direction.
type Side string

const (
	// SideBuy indicates long entries.
	SideBuy Side = "BUY"
	// SideSell indicates short entries or exits.
	SideSell Side = "SELL"
)

// Valid reports whether the side is a known direction.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Opposite returns the reverse direction.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Confidence tags signal quality derived from the confluence ratio.
type Confidence string

const (
	// ConfidenceLow marks confluence below half of the maximum possible.
	ConfidenceLow Confidence = "LOW"
	// ConfidenceMedium marks confluence in [0.5, 0.7) of maximum.
	ConfidenceMedium Confidence = "MEDIUM"
	// ConfidenceHigh marks confluence in [0.7, 0.85) of maximum.
	ConfidenceHigh Confidence = "HIGH"
	// ConfidenceVeryHigh marks confluence at or above 0.85 of maximum.
	ConfidenceVeryHigh Confidence = "VERY_HIGH"
)

// PrimaryResult records one primary analyzer verdict in evaluation order.
type PrimaryResult struct {
	Name      string `json:"name"`
	Passed    bool   `json:"passed"`
	Direction Side   `json:"direction,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// TradeSignal is the immutable output of the decision pipeline.
type TradeSignal struct {
	SignalID        string                     `json:"signal_id"`
	Exchange        string                     `json:"exchange"`
	Symbol          string                     `json:"symbol"`
	Side            Side                       `json:"side"`
	Confluence      decimal.Decimal            `json:"confluence"`
	MaxConfluence   decimal.Decimal            `json:"max_confluence"`
	PrimaryResults  []PrimaryResult            `json:"primary_results"`
	FilterScores    map[string]decimal.Decimal `json:"filter_scores"`
	EntryPrice      decimal.Decimal            `json:"entry_price"`
	StopLoss        decimal.Decimal            `json:"stop_loss,omitempty"`
	TakeProfit      decimal.Decimal            `json:"take_profit,omitempty"`
	PositionPercent decimal.Decimal            `json:"position_percent"`
	Confidence      Confidence                 `json:"confidence"`
	Timestamp       time.Time                  `json:"timestamp"`
}

// ValidateSymbol verifies the canonical instrument representation (BASE-QUOTE).
func ValidateSymbol(symbol string) error {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	parts := strings.Split(symbol, "-")
	if len(parts) != 2 {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("symbol requires base-quote"))
	}
	for _, part := range parts {
		if part == "" {
			return errs.New("", errs.CodeInvalid, errs.WithMessage("symbol contains empty leg"))
		}
		for _, r := range part {
			if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
				return errs.New("", errs.CodeInvalid, errs.WithMessage("symbol must be uppercase alphanumeric"))
			}
		}
	}
	return nil
}
