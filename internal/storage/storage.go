// Package storage defines the per-pair time-series contract, the bounded
// connection pool in front of it, and the components that feed and sweep it.
// Each (exchange, market, symbol) owns a logically separate store; the core
// depends only on the append/query surface.
package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PairKey identifies one isolated store.
type PairKey struct {
	Exchange string
	Market   string
	Symbol   string
}

func (k PairKey) String() string {
	return k.Exchange + "/" + k.Market + "/" + k.Symbol
}

// Tick is one executed trade.
type Tick struct {
	TradeID    string
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	BuyerMaker bool
	TradeTime  time.Time
}

// Candle is one completed bar at a named interval ("1m", "5m", "15m").
type Candle struct {
	Interval  string
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	OpenTime  time.Time
	CloseTime time.Time
}

// OrderFlow is one windowed order-flow measurement.
type OrderFlow struct {
	WindowEnd  time.Time
	BuyVolume  decimal.Decimal
	SellVolume decimal.Decimal
	CVD        decimal.Decimal
	Imbalance  decimal.Decimal
}

// ProfileLevel is one row of the volume profile.
type ProfileLevel struct {
	Price  decimal.Decimal
	Volume decimal.Decimal
}

// Zone is a detected support or resistance band.
type Zone struct {
	Kind       string
	Low        decimal.Decimal
	High       decimal.Decimal
	Strength   decimal.Decimal
	DetectedAt time.Time
}

// Gap is an unfilled price gap.
type Gap struct {
	Low       decimal.Decimal
	High      decimal.Decimal
	CreatedAt time.Time
	Filled    bool
}

// PairStore is the append/query surface of one pair's time series.
type PairStore interface {
	AppendTick(ctx context.Context, tick Tick) error
	AppendCandle(ctx context.Context, candle Candle) error
	AppendOrderFlow(ctx context.Context, flow OrderFlow) error
	ReplaceProfile(ctx context.Context, levels []ProfileLevel) error
	ReplaceZones(ctx context.Context, zones []Zone) error
	ReplaceGaps(ctx context.Context, gaps []Gap) error

	RecentTicks(ctx context.Context, since time.Time) ([]Tick, error)
	RecentCandles(ctx context.Context, interval string, since time.Time) ([]Candle, error)
	RecentOrderFlow(ctx context.Context, since time.Time) ([]OrderFlow, error)
	Profile(ctx context.Context) ([]ProfileLevel, error)
	Zones(ctx context.Context) ([]Zone, error)
	Gaps(ctx context.Context) ([]Gap, error)

	// Sweep deletes rows older than the retention windows allow.
	Sweep(ctx context.Context, retention Retention) error
	Close(ctx context.Context) error
}

// Backend opens pair stores. Implementations decide the physical layout;
// per-pair isolation is part of the contract.
type Backend interface {
	Open(ctx context.Context, key PairKey) (PairStore, error)
}

// Retention bounds the age of stored rows per data class.
type Retention struct {
	// Ticks and 1m candles.
	TickWindow time.Duration
	// 5m and 15m candles, and order-flow windows.
	CandleWindow time.Duration
	// Derived structures: profile, zones, gaps.
	StructureWindow time.Duration
}

// Normalize fills zero windows with the defaults.
func (r Retention) Normalize() Retention {
	if r.TickWindow <= 0 {
		r.TickWindow = 15 * time.Minute
	}
	if r.CandleWindow <= 0 {
		r.CandleWindow = time.Hour
	}
	if r.StructureWindow <= 0 {
		r.StructureWindow = 24 * time.Hour
	}
	return r
}

// Window returns the retention window for a candle interval.
func (r Retention) Window(interval string) time.Duration {
	if interval == "1m" {
		return r.TickWindow
	}
	return r.CandleWindow
}
