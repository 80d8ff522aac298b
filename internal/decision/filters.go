package decision

import (
	"github.com/shopspring/decimal"

	"github.com/windmark/tradewind/internal/analytics"
	"github.com/windmark/tradewind/internal/errs"
)

// ImbalanceFilter scores order-flow conviction linearly: full weight at
// |imbalance| ≥ FullAt, zero at balance.
type ImbalanceFilter struct {
	FilterWeight decimal.Decimal
	// FullAt is the |imbalance| that earns the full weight. Defaults to 0.5.
	FullAt decimal.Decimal
}

func (ImbalanceFilter) Name() string { return "imbalance" }

func (f ImbalanceFilter) Weight() decimal.Decimal { return f.FilterWeight }

func (f ImbalanceFilter) Evaluate(snap *analytics.Snapshot) (decimal.Decimal, error) {
	imbalance, ok := snap.Feature(analytics.FeatureOrderFlowImbalance)
	if !ok {
		return decimal.Zero, nil
	}
	fullAt := f.FullAt
	if fullAt.Sign() <= 0 {
		fullAt = decimal.RequireFromString("0.5")
	}
	fraction := imbalance.Abs().Div(fullAt)
	if fraction.GreaterThan(decimal.NewFromInt(1)) {
		fraction = decimal.NewFromInt(1)
	}
	return f.FilterWeight.Mul(fraction), nil
}

// MomentumFilter scores the windowed price change linearly against
// FullAtPercent.
type MomentumFilter struct {
	FilterWeight  decimal.Decimal
	FullAtPercent decimal.Decimal
}

func (MomentumFilter) Name() string { return "momentum" }

func (f MomentumFilter) Weight() decimal.Decimal { return f.FilterWeight }

func (f MomentumFilter) Evaluate(snap *analytics.Snapshot) (decimal.Decimal, error) {
	change, ok := snap.Feature(analytics.FeaturePriceChangePercent)
	if !ok {
		return decimal.Zero, nil
	}
	fullAt := f.FullAtPercent
	if fullAt.Sign() <= 0 {
		fullAt = decimal.NewFromInt(1)
	}
	fraction := change.Abs().Div(fullAt)
	if fraction.GreaterThan(decimal.NewFromInt(1)) {
		fraction = decimal.NewFromInt(1)
	}
	return f.FilterWeight.Mul(fraction), nil
}

// PocProximityFilter rewards entries near the point of control: full weight
// at the POC, zero at or beyond MaxDistancePercent away.
type PocProximityFilter struct {
	FilterWeight       decimal.Decimal
	MaxDistancePercent decimal.Decimal
}

func (PocProximityFilter) Name() string { return "poc_proximity" }

func (f PocProximityFilter) Weight() decimal.Decimal { return f.FilterWeight }

func (f PocProximityFilter) Evaluate(snap *analytics.Snapshot) (decimal.Decimal, error) {
	poc, ok := snap.Feature(analytics.FeaturePointOfControl)
	if !ok || snap.Price.Sign() <= 0 {
		return decimal.Zero, nil
	}
	maxDistance := f.MaxDistancePercent
	if maxDistance.Sign() <= 0 {
		maxDistance = decimal.NewFromInt(1)
	}
	distance := snap.Price.Sub(poc).Abs().Div(snap.Price).Mul(decimal.NewFromInt(100))
	if distance.GreaterThanOrEqual(maxDistance) {
		return decimal.Zero, nil
	}
	fraction := decimal.NewFromInt(1).Sub(distance.Div(maxDistance))
	return f.FilterWeight.Mul(fraction), nil
}

// FeatureThresholdFilter awards the full weight when the named feature's
// absolute value reaches the threshold, and zero otherwise. It errors on a
// snapshot that never computed the feature, contributing zero and logging.
type FeatureThresholdFilter struct {
	FilterName   string
	FilterWeight decimal.Decimal
	Feature      string
	Threshold    decimal.Decimal
}

func (f FeatureThresholdFilter) Name() string { return f.FilterName }

func (f FeatureThresholdFilter) Weight() decimal.Decimal { return f.FilterWeight }

func (f FeatureThresholdFilter) Evaluate(snap *analytics.Snapshot) (decimal.Decimal, error) {
	value, ok := snap.Feature(f.Feature)
	if !ok {
		return decimal.Zero, errs.New("", errs.CodeInvalid, errs.WithMessage("feature "+f.Feature+" not computed"))
	}
	if value.Abs().GreaterThanOrEqual(f.Threshold) {
		return f.FilterWeight, nil
	}
	return decimal.Zero, nil
}
