package execution

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/windmark/tradewind/internal/exchange"
)

// AdapterProviders sources balances and open-position counts from an
// exchange adapter, satisfying the sizing handler's provider contracts.
type AdapterProviders struct {
	Adapter exchange.Adapter
}

// QuoteBalance returns the free balance of the symbol's quote asset.
func (p AdapterProviders) QuoteBalance(ctx context.Context, _, symbol string) (decimal.Decimal, error) {
	asset := QuoteAsset(symbol)
	balances, err := p.Adapter.GetBalance(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return balances[asset].Free, nil
}

// OpenPositionCount counts the adapter's open positions across all symbols.
func (p AdapterProviders) OpenPositionCount(ctx context.Context, _ string) (int, error) {
	positions, err := p.Adapter.GetPositions(ctx, "")
	if err != nil {
		return 0, err
	}
	return len(positions), nil
}
