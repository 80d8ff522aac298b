// Package postgres implements the storage contract on PostgreSQL. Every pair
// shares one connection pool; per-pair isolation comes from the key columns,
// so "closing" a pair store releases no connections.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/windmark/tradewind/internal/storage"
)

// Backend hands out pair stores over a shared pgx pool.
type Backend struct {
	pool *pgxpool.Pool
}

// NewBackend wraps an established pool.
func NewBackend(pool *pgxpool.Pool) *Backend { return &Backend{pool: pool} }

// Connect dials the database and verifies the connection.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse storage dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect storage: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping storage: %w", err)
	}
	return pool, nil
}

// Open binds a pair store to its key columns.
func (b *Backend) Open(_ context.Context, key storage.PairKey) (storage.PairStore, error) {
	return &store{pool: b.pool, key: key}, nil
}

type store struct {
	pool *pgxpool.Pool
	key  storage.PairKey
}

func (s *store) args(extra pgx.NamedArgs) pgx.NamedArgs {
	merged := pgx.NamedArgs{
		"exchange": s.key.Exchange,
		"market":   s.key.Market,
		"symbol":   s.key.Symbol,
	}
	for name, value := range extra {
		merged[name] = value
	}
	return merged
}

const tickInsertSQL = `
INSERT INTO market_ticks (exchange, market, symbol, trade_id, price, quantity, buyer_maker, trade_time)
VALUES (@exchange, @market, @symbol, @trade_id, @price, @quantity, @buyer_maker, @trade_time)
ON CONFLICT (exchange, market, symbol, trade_id) DO NOTHING;
`

func (s *store) AppendTick(ctx context.Context, tick storage.Tick) error {
	_, err := s.pool.Exec(ctx, tickInsertSQL, s.args(pgx.NamedArgs{
		"trade_id":    tick.TradeID,
		"price":       tick.Price.String(),
		"quantity":    tick.Quantity.String(),
		"buyer_maker": tick.BuyerMaker,
		"trade_time":  tick.TradeTime,
	}))
	if err != nil {
		return fmt.Errorf("append tick %s: %w", s.key, err)
	}
	return nil
}

const candleInsertSQL = `
INSERT INTO market_candles (exchange, market, symbol, interval, open, high, low, close, volume, open_time, close_time)
VALUES (@exchange, @market, @symbol, @interval, @open, @high, @low, @close, @volume, @open_time, @close_time)
ON CONFLICT (exchange, market, symbol, interval, open_time) DO UPDATE SET
    high = EXCLUDED.high,
    low = EXCLUDED.low,
    close = EXCLUDED.close,
    volume = EXCLUDED.volume,
    close_time = EXCLUDED.close_time;
`

func (s *store) AppendCandle(ctx context.Context, candle storage.Candle) error {
	_, err := s.pool.Exec(ctx, candleInsertSQL, s.args(pgx.NamedArgs{
		"interval":   candle.Interval,
		"open":       candle.Open.String(),
		"high":       candle.High.String(),
		"low":        candle.Low.String(),
		"close":      candle.Close.String(),
		"volume":     candle.Volume.String(),
		"open_time":  candle.OpenTime,
		"close_time": candle.CloseTime,
	}))
	if err != nil {
		return fmt.Errorf("append candle %s %s: %w", s.key, candle.Interval, err)
	}
	return nil
}

const flowInsertSQL = `
INSERT INTO order_flow (exchange, market, symbol, window_end, buy_volume, sell_volume, cvd, imbalance)
VALUES (@exchange, @market, @symbol, @window_end, @buy_volume, @sell_volume, @cvd, @imbalance)
ON CONFLICT (exchange, market, symbol, window_end) DO UPDATE SET
    buy_volume = EXCLUDED.buy_volume,
    sell_volume = EXCLUDED.sell_volume,
    cvd = EXCLUDED.cvd,
    imbalance = EXCLUDED.imbalance;
`

func (s *store) AppendOrderFlow(ctx context.Context, flow storage.OrderFlow) error {
	_, err := s.pool.Exec(ctx, flowInsertSQL, s.args(pgx.NamedArgs{
		"window_end":  flow.WindowEnd,
		"buy_volume":  flow.BuyVolume.String(),
		"sell_volume": flow.SellVolume.String(),
		"cvd":         flow.CVD.String(),
		"imbalance":   flow.Imbalance.String(),
	}))
	if err != nil {
		return fmt.Errorf("append order flow %s: %w", s.key, err)
	}
	return nil
}

func (s *store) ReplaceProfile(ctx context.Context, levels []storage.ProfileLevel) error {
	return s.replace(ctx, "profile_levels", func(ctx context.Context, tx pgx.Tx) error {
		for _, level := range levels {
			_, err := tx.Exec(ctx, `
INSERT INTO profile_levels (exchange, market, symbol, price, volume)
VALUES (@exchange, @market, @symbol, @price, @volume);`,
				s.args(pgx.NamedArgs{"price": level.Price.String(), "volume": level.Volume.String()}))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *store) ReplaceZones(ctx context.Context, zones []storage.Zone) error {
	return s.replace(ctx, "zones", func(ctx context.Context, tx pgx.Tx) error {
		for _, zone := range zones {
			_, err := tx.Exec(ctx, `
INSERT INTO zones (exchange, market, symbol, kind, low, high, strength, detected_at)
VALUES (@exchange, @market, @symbol, @kind, @low, @high, @strength, @detected_at);`,
				s.args(pgx.NamedArgs{
					"kind":        zone.Kind,
					"low":         zone.Low.String(),
					"high":        zone.High.String(),
					"strength":    zone.Strength.String(),
					"detected_at": zone.DetectedAt,
				}))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *store) ReplaceGaps(ctx context.Context, gaps []storage.Gap) error {
	return s.replace(ctx, "gaps", func(ctx context.Context, tx pgx.Tx) error {
		for _, gap := range gaps {
			_, err := tx.Exec(ctx, `
INSERT INTO gaps (exchange, market, symbol, low, high, created_at, filled)
VALUES (@exchange, @market, @symbol, @low, @high, @created_at, @filled);`,
				s.args(pgx.NamedArgs{
					"low":        gap.Low.String(),
					"high":       gap.High.String(),
					"created_at": gap.CreatedAt,
					"filled":     gap.Filled,
				}))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// replace swaps a derived-structure table's rows for this pair inside one
// transaction.
func (s *store) replace(ctx context.Context, table string, insert func(context.Context, pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("replace %s %s: begin: %w", table, s.key, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE exchange = @exchange AND market = @market AND symbol = @symbol;`, table),
		s.args(nil))
	if err != nil {
		return fmt.Errorf("replace %s %s: clear: %w", table, s.key, err)
	}
	if err := insert(ctx, tx); err != nil {
		return fmt.Errorf("replace %s %s: insert: %w", table, s.key, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("replace %s %s: commit: %w", table, s.key, err)
	}
	return nil
}

func (s *store) RecentTicks(ctx context.Context, since time.Time) ([]storage.Tick, error) {
	rows, err := s.pool.Query(ctx, `
SELECT trade_id, price::text, quantity::text, buyer_maker, trade_time
FROM market_ticks
WHERE exchange = @exchange AND market = @market AND symbol = @symbol AND trade_time >= @since
ORDER BY trade_time;`, s.args(pgx.NamedArgs{"since": since}))
	if err != nil {
		return nil, fmt.Errorf("query ticks %s: %w", s.key, err)
	}
	defer rows.Close()

	var out []storage.Tick
	for rows.Next() {
		var tick storage.Tick
		var price, quantity string
		if err := rows.Scan(&tick.TradeID, &price, &quantity, &tick.BuyerMaker, &tick.TradeTime); err != nil {
			return nil, fmt.Errorf("scan tick %s: %w", s.key, err)
		}
		if tick.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse tick price %s: %w", s.key, err)
		}
		if tick.Quantity, err = decimal.NewFromString(quantity); err != nil {
			return nil, fmt.Errorf("parse tick quantity %s: %w", s.key, err)
		}
		out = append(out, tick)
	}
	return out, rows.Err()
}

func (s *store) RecentCandles(ctx context.Context, interval string, since time.Time) ([]storage.Candle, error) {
	rows, err := s.pool.Query(ctx, `
SELECT interval, open::text, high::text, low::text, close::text, volume::text, open_time, close_time
FROM market_candles
WHERE exchange = @exchange AND market = @market AND symbol = @symbol
  AND interval = @interval AND close_time >= @since
ORDER BY open_time;`, s.args(pgx.NamedArgs{"interval": interval, "since": since}))
	if err != nil {
		return nil, fmt.Errorf("query candles %s: %w", s.key, err)
	}
	defer rows.Close()

	var out []storage.Candle
	for rows.Next() {
		var candle storage.Candle
		var open, high, low, closePrice, volume string
		if err := rows.Scan(&candle.Interval, &open, &high, &low, &closePrice, &volume,
			&candle.OpenTime, &candle.CloseTime); err != nil {
			return nil, fmt.Errorf("scan candle %s: %w", s.key, err)
		}
		if candle.Open, err = decimal.NewFromString(open); err != nil {
			return nil, err
		}
		if candle.High, err = decimal.NewFromString(high); err != nil {
			return nil, err
		}
		if candle.Low, err = decimal.NewFromString(low); err != nil {
			return nil, err
		}
		if candle.Close, err = decimal.NewFromString(closePrice); err != nil {
			return nil, err
		}
		if candle.Volume, err = decimal.NewFromString(volume); err != nil {
			return nil, err
		}
		out = append(out, candle)
	}
	return out, rows.Err()
}

func (s *store) RecentOrderFlow(ctx context.Context, since time.Time) ([]storage.OrderFlow, error) {
	rows, err := s.pool.Query(ctx, `
SELECT window_end, buy_volume::text, sell_volume::text, cvd::text, imbalance::text
FROM order_flow
WHERE exchange = @exchange AND market = @market AND symbol = @symbol AND window_end >= @since
ORDER BY window_end;`, s.args(pgx.NamedArgs{"since": since}))
	if err != nil {
		return nil, fmt.Errorf("query order flow %s: %w", s.key, err)
	}
	defer rows.Close()

	var out []storage.OrderFlow
	for rows.Next() {
		var flow storage.OrderFlow
		var buy, sell, cvd, imbalance string
		if err := rows.Scan(&flow.WindowEnd, &buy, &sell, &cvd, &imbalance); err != nil {
			return nil, fmt.Errorf("scan order flow %s: %w", s.key, err)
		}
		if flow.BuyVolume, err = decimal.NewFromString(buy); err != nil {
			return nil, err
		}
		if flow.SellVolume, err = decimal.NewFromString(sell); err != nil {
			return nil, err
		}
		if flow.CVD, err = decimal.NewFromString(cvd); err != nil {
			return nil, err
		}
		if flow.Imbalance, err = decimal.NewFromString(imbalance); err != nil {
			return nil, err
		}
		out = append(out, flow)
	}
	return out, rows.Err()
}

func (s *store) Profile(ctx context.Context) ([]storage.ProfileLevel, error) {
	rows, err := s.pool.Query(ctx, `
SELECT price::text, volume::text
FROM profile_levels
WHERE exchange = @exchange AND market = @market AND symbol = @symbol
ORDER BY price;`, s.args(nil))
	if err != nil {
		return nil, fmt.Errorf("query profile %s: %w", s.key, err)
	}
	defer rows.Close()

	var out []storage.ProfileLevel
	for rows.Next() {
		var level storage.ProfileLevel
		var price, volume string
		if err := rows.Scan(&price, &volume); err != nil {
			return nil, fmt.Errorf("scan profile %s: %w", s.key, err)
		}
		if level.Price, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		if level.Volume, err = decimal.NewFromString(volume); err != nil {
			return nil, err
		}
		out = append(out, level)
	}
	return out, rows.Err()
}

func (s *store) Zones(ctx context.Context) ([]storage.Zone, error) {
	rows, err := s.pool.Query(ctx, `
SELECT kind, low::text, high::text, strength::text, detected_at
FROM zones
WHERE exchange = @exchange AND market = @market AND symbol = @symbol
ORDER BY detected_at;`, s.args(nil))
	if err != nil {
		return nil, fmt.Errorf("query zones %s: %w", s.key, err)
	}
	defer rows.Close()

	var out []storage.Zone
	for rows.Next() {
		var zone storage.Zone
		var low, high, strength string
		if err := rows.Scan(&zone.Kind, &low, &high, &strength, &zone.DetectedAt); err != nil {
			return nil, fmt.Errorf("scan zone %s: %w", s.key, err)
		}
		if zone.Low, err = decimal.NewFromString(low); err != nil {
			return nil, err
		}
		if zone.High, err = decimal.NewFromString(high); err != nil {
			return nil, err
		}
		if zone.Strength, err = decimal.NewFromString(strength); err != nil {
			return nil, err
		}
		out = append(out, zone)
	}
	return out, rows.Err()
}

func (s *store) Gaps(ctx context.Context) ([]storage.Gap, error) {
	rows, err := s.pool.Query(ctx, `
SELECT low::text, high::text, created_at, filled
FROM gaps
WHERE exchange = @exchange AND market = @market AND symbol = @symbol
ORDER BY created_at;`, s.args(nil))
	if err != nil {
		return nil, fmt.Errorf("query gaps %s: %w", s.key, err)
	}
	defer rows.Close()

	var out []storage.Gap
	for rows.Next() {
		var gap storage.Gap
		var low, high string
		if err := rows.Scan(&low, &high, &gap.CreatedAt, &gap.Filled); err != nil {
			return nil, fmt.Errorf("scan gap %s: %w", s.key, err)
		}
		if gap.Low, err = decimal.NewFromString(low); err != nil {
			return nil, err
		}
		if gap.High, err = decimal.NewFromString(high); err != nil {
			return nil, err
		}
		out = append(out, gap)
	}
	return out, rows.Err()
}

func (s *store) Sweep(ctx context.Context, retention storage.Retention) error {
	retention = retention.Normalize()
	now := time.Now().UTC()

	sweeps := []struct {
		sql  string
		args pgx.NamedArgs
	}{
		{`DELETE FROM market_ticks WHERE exchange = @exchange AND market = @market AND symbol = @symbol AND trade_time < @cutoff;`,
			pgx.NamedArgs{"cutoff": now.Add(-retention.TickWindow)}},
		{`DELETE FROM market_candles WHERE exchange = @exchange AND market = @market AND symbol = @symbol AND interval = '1m' AND close_time < @cutoff;`,
			pgx.NamedArgs{"cutoff": now.Add(-retention.TickWindow)}},
		{`DELETE FROM market_candles WHERE exchange = @exchange AND market = @market AND symbol = @symbol AND interval <> '1m' AND close_time < @cutoff;`,
			pgx.NamedArgs{"cutoff": now.Add(-retention.CandleWindow)}},
		{`DELETE FROM order_flow WHERE exchange = @exchange AND market = @market AND symbol = @symbol AND window_end < @cutoff;`,
			pgx.NamedArgs{"cutoff": now.Add(-retention.CandleWindow)}},
		{`DELETE FROM zones WHERE exchange = @exchange AND market = @market AND symbol = @symbol AND detected_at < @cutoff;`,
			pgx.NamedArgs{"cutoff": now.Add(-retention.StructureWindow)}},
		{`DELETE FROM gaps WHERE exchange = @exchange AND market = @market AND symbol = @symbol AND (filled OR created_at < @cutoff);`,
			pgx.NamedArgs{"cutoff": now.Add(-retention.StructureWindow)}},
	}
	for _, sweep := range sweeps {
		if _, err := s.pool.Exec(ctx, sweep.sql, s.args(sweep.args)); err != nil {
			return fmt.Errorf("sweep %s: %w", s.key, err)
		}
	}
	return nil
}

// Close is a no-op: the pgx pool outlives individual pair stores.
func (s *store) Close(context.Context) error { return nil }
