package postgres_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/windmark/tradewind/internal/storage"
	"github.com/windmark/tradewind/internal/storage/migrations"
	pgstore "github.com/windmark/tradewind/internal/storage/postgres"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "tradewind"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := func() (c testcontainers.Container, err error) {
		// testcontainers panics instead of returning an error when no
		// Docker host can be found; fold that into the skip path below.
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers: %v", r)
			}
		}()
		return testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres storage tests skipped: container: %v\n", err)
		setupErr = err
		os.Exit(m.Run())
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres storage tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/tradewind?sslmode=disable", host, port.Port())

	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return fmt.Errorf("runtime caller lookup failed")
	}
	root := filepath.Clean(filepath.Join(filepath.Dir(file), "..", "..", ".."))
	if err := migrations.Apply(ctx, dsn, filepath.Join(root, "db", "migrations"), nil); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	pool, err := pgstore.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	testPool = pool
	return nil
}

func testKey(symbol string) storage.PairKey {
	return storage.PairKey{Exchange: "binance", Market: "spot", Symbol: symbol}
}

func TestPairStoreRoundTrip(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres storage setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	backend := pgstore.NewBackend(testPool)
	store, err := backend.Open(ctx, testKey("BTC-USDT"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	err = store.AppendTick(ctx, storage.Tick{
		TradeID:    "t1",
		Price:      decimal.RequireFromString("50000.12"),
		Quantity:   decimal.RequireFromString("0.25"),
		BuyerMaker: true,
		TradeTime:  base,
	})
	if err != nil {
		t.Fatalf("AppendTick() error: %v", err)
	}
	// Duplicate trade ids are absorbed.
	if err := store.AppendTick(ctx, storage.Tick{TradeID: "t1", Price: decimal.NewFromInt(1), Quantity: decimal.NewFromInt(1), TradeTime: base}); err != nil {
		t.Fatalf("AppendTick(duplicate) error: %v", err)
	}

	ticks, err := store.RecentTicks(ctx, base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("RecentTicks() error: %v", err)
	}
	if len(ticks) != 1 {
		t.Fatalf("got %d ticks, want 1", len(ticks))
	}
	if !ticks[0].Price.Equal(decimal.RequireFromString("50000.12")) || !ticks[0].BuyerMaker {
		t.Fatalf("round-tripped tick = %+v", ticks[0])
	}

	err = store.AppendCandle(ctx, storage.Candle{
		Interval:  "1m",
		Open:      decimal.NewFromInt(49990),
		High:      decimal.NewFromInt(50050),
		Low:       decimal.NewFromInt(49980),
		Close:     decimal.NewFromInt(50000),
		Volume:    decimal.RequireFromString("12.5"),
		OpenTime:  base,
		CloseTime: base.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("AppendCandle() error: %v", err)
	}
	candles, err := store.RecentCandles(ctx, "1m", base)
	if err != nil {
		t.Fatalf("RecentCandles() error: %v", err)
	}
	if len(candles) != 1 || !candles[0].Volume.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("round-tripped candles = %+v", candles)
	}

	err = store.AppendOrderFlow(ctx, storage.OrderFlow{
		WindowEnd:  base.Add(time.Minute),
		BuyVolume:  decimal.NewFromInt(3),
		SellVolume: decimal.NewFromInt(1),
		CVD:        decimal.NewFromInt(2),
		Imbalance:  decimal.RequireFromString("0.5"),
	})
	if err != nil {
		t.Fatalf("AppendOrderFlow() error: %v", err)
	}
	flows, err := store.RecentOrderFlow(ctx, base)
	if err != nil {
		t.Fatalf("RecentOrderFlow() error: %v", err)
	}
	if len(flows) != 1 || !flows[0].Imbalance.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("round-tripped flows = %+v", flows)
	}
}

func TestPairStoreReplaceAndIsolation(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres storage setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	backend := pgstore.NewBackend(testPool)
	btc, _ := backend.Open(ctx, testKey("ETH-USDT"))
	other, _ := backend.Open(ctx, testKey("SOL-USDT"))

	zones := []storage.Zone{{
		Kind:       "support",
		Low:        decimal.NewFromInt(2900),
		High:       decimal.NewFromInt(2950),
		Strength:   decimal.RequireFromString("0.8"),
		DetectedAt: time.Now().UTC(),
	}}
	if err := btc.ReplaceZones(ctx, zones); err != nil {
		t.Fatalf("ReplaceZones() error: %v", err)
	}

	got, err := btc.Zones(ctx)
	if err != nil {
		t.Fatalf("Zones() error: %v", err)
	}
	if len(got) != 1 || got[0].Kind != "support" {
		t.Fatalf("zones = %+v", got)
	}

	// Per-pair isolation: the other symbol sees nothing.
	none, err := other.Zones(ctx)
	if err != nil {
		t.Fatalf("Zones() error: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("pair isolation violated: %+v", none)
	}

	// Replace swaps, never accumulates.
	if err := btc.ReplaceZones(ctx, nil); err != nil {
		t.Fatalf("ReplaceZones(nil) error: %v", err)
	}
	got, err = btc.Zones(ctx)
	if err != nil {
		t.Fatalf("Zones() error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("zones after clearing = %+v", got)
	}
}

func TestPairStoreSweep(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres storage setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	backend := pgstore.NewBackend(testPool)
	store, _ := backend.Open(ctx, testKey("XRP-USDT"))

	old := time.Now().UTC().Add(-2 * time.Hour)
	fresh := time.Now().UTC()
	for id, at := range map[string]time.Time{"old": old, "fresh": fresh} {
		err := store.AppendTick(ctx, storage.Tick{
			TradeID:   id,
			Price:     decimal.NewFromInt(1),
			Quantity:  decimal.NewFromInt(1),
			TradeTime: at,
		})
		if err != nil {
			t.Fatalf("AppendTick() error: %v", err)
		}
	}

	if err := store.Sweep(ctx, storage.Retention{}); err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	ticks, err := store.RecentTicks(ctx, time.Time{})
	if err != nil {
		t.Fatalf("RecentTicks() error: %v", err)
	}
	if len(ticks) != 1 || ticks[0].TradeID != "fresh" {
		t.Fatalf("after sweep ticks = %+v, want only the fresh tick", ticks)
	}
}
