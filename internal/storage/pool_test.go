package storage_test

import (
	"context"
	"io"
	"log"
	"testing"

	"github.com/windmark/tradewind/internal/storage"
	"github.com/windmark/tradewind/internal/storage/memory"
)

func key(symbol string) storage.PairKey {
	return storage.PairKey{Exchange: "binance", Market: "spot", Symbol: symbol}
}

func newPool(t *testing.T, maxOpen int) (*storage.Pool, *memory.Backend) {
	t.Helper()
	backend := memory.NewBackend()
	pool := storage.NewPool(storage.PoolConfig{
		MaxOpen: maxOpen,
		Logger:  log.New(io.Discard, "", 0),
	}, backend)
	t.Cleanup(func() { _ = pool.Close(context.Background()) })
	return pool, backend
}

func TestPoolSharesHandlesPerKey(t *testing.T) {
	pool, backend := newPool(t, 10)
	ctx := context.Background()

	first, err := pool.Acquire(ctx, key("BTC-USDT"))
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	second, err := pool.Acquire(ctx, key("BTC-USDT"))
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if first.Store() != second.Store() {
		t.Fatal("same key returned distinct stores")
	}
	if backend.Opened() != 1 {
		t.Fatalf("backend opened %d stores, want 1", backend.Opened())
	}
	first.Release()
	second.Release()
}

func TestPoolEvictsLeastRecentlyUsedUnheld(t *testing.T) {
	pool, backend := newPool(t, 2)
	ctx := context.Background()

	a, _ := pool.Acquire(ctx, key("AAA-USDT"))
	b, _ := pool.Acquire(ctx, key("BBB-USDT"))
	a.Release()
	b.Release()

	// AAA was released first, so it is the LRU victim.
	if _, err := pool.Acquire(ctx, key("CCC-USDT")); err != nil {
		t.Fatalf("Acquire() at capacity error: %v", err)
	}
	if pool.Len() != 2 {
		t.Fatalf("pool size = %d, want 2", pool.Len())
	}
	if backend.Opened() != 3 {
		t.Fatalf("backend opened %d stores, want 3", backend.Opened())
	}

	// Re-acquiring the evicted key opens a fresh store; BBB is the next
	// victim because CCC is still held.
	if _, err := pool.Acquire(ctx, key("AAA-USDT")); err != nil {
		t.Fatalf("Acquire() after eviction error: %v", err)
	}
	if backend.Opened() != 4 {
		t.Fatalf("backend opened %d stores, want 4", backend.Opened())
	}
	if _, ok := findKey(pool.OpenKeys(), "CCC-USDT"); !ok {
		t.Fatal("held store was evicted")
	}
}

func TestPoolRefusesWhenEveryStoreHeld(t *testing.T) {
	pool, _ := newPool(t, 1)
	ctx := context.Background()

	held, err := pool.Acquire(ctx, key("AAA-USDT"))
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if _, err := pool.Acquire(ctx, key("BBB-USDT")); err == nil {
		t.Fatal("expected acquire to fail with the only slot held")
	}

	held.Release()
	if _, err := pool.Acquire(ctx, key("BBB-USDT")); err != nil {
		t.Fatalf("Acquire() after release error: %v", err)
	}
}

func TestPoolReleaseIsIdempotent(t *testing.T) {
	pool, _ := newPool(t, 2)
	ctx := context.Background()

	a, _ := pool.Acquire(ctx, key("AAA-USDT"))
	b, _ := pool.Acquire(ctx, key("AAA-USDT"))
	a.Release()
	a.Release() // second release must not mark the entry doubly idle

	// The entry is still held by b; filling the pool and acquiring a third
	// key must not evict it.
	c, _ := pool.Acquire(ctx, key("BBB-USDT"))
	c.Release()
	if _, err := pool.Acquire(ctx, key("CCC-USDT")); err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if _, ok := findKey(pool.OpenKeys(), "AAA-USDT"); !ok {
		t.Fatal("held store was evicted after a double release")
	}
	b.Release()
}

func TestPoolCloseRefusesAcquire(t *testing.T) {
	pool, _ := newPool(t, 2)
	ctx := context.Background()

	handle, _ := pool.Acquire(ctx, key("AAA-USDT"))
	handle.Release()
	if err := pool.Close(ctx); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if _, err := pool.Acquire(ctx, key("BBB-USDT")); err == nil {
		t.Fatal("closed pool accepted an acquire")
	}
	if err := pool.Close(ctx); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
}

func TestPoolNeverExceedsMaxOpen(t *testing.T) {
	pool, _ := newPool(t, 3)
	ctx := context.Background()

	symbols := []string{"AAA-USDT", "BBB-USDT", "CCC-USDT", "DDD-USDT", "EEE-USDT"}
	for _, symbol := range symbols {
		handle, err := pool.Acquire(ctx, key(symbol))
		if err != nil {
			t.Fatalf("Acquire(%s) error: %v", symbol, err)
		}
		handle.Release()
		if pool.Len() > 3 {
			t.Fatalf("pool size %d exceeds maximum 3", pool.Len())
		}
	}
}

func findKey(keys []storage.PairKey, symbol string) (storage.PairKey, bool) {
	for _, k := range keys {
		if k.Symbol == symbol {
			return k, true
		}
	}
	return storage.PairKey{}, false
}
