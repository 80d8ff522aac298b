package decision

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// AnalyzerSpec names a primary analyzer and its parameters as configured.
type AnalyzerSpec struct {
	Name   string            `yaml:"name"`
	Params map[string]string `yaml:"params"`
}

// FilterSpec names a secondary filter, its weight, and its parameters. A
// non-empty Script builds a JavaScript filter instead of a built-in.
type FilterSpec struct {
	Name   string            `yaml:"name"`
	Weight decimal.Decimal   `yaml:"weight"`
	Params map[string]string `yaml:"params"`
	Script string            `yaml:"script"`
}

// BuildPrimary constructs a built-in primary analyzer from its spec.
func BuildPrimary(spec AnalyzerSpec) (PrimaryAnalyzer, error) {
	switch spec.Name {
	case "trend":
		return TrendAnalyzer{}, nil
	case "order_flow":
		min, err := decParam(spec.Params, "min_imbalance", "0.2")
		if err != nil {
			return nil, fmt.Errorf("analyzer %s: %w", spec.Name, err)
		}
		return OrderFlowAnalyzer{MinImbalance: min}, nil
	case "momentum":
		min, err := decParam(spec.Params, "min_change_pct", "0.5")
		if err != nil {
			return nil, fmt.Errorf("analyzer %s: %w", spec.Name, err)
		}
		return MomentumAnalyzer{MinChangePercent: min}, nil
	default:
		return nil, fmt.Errorf("unknown primary analyzer %q", spec.Name)
	}
}

// BuildFilter constructs a secondary filter from its spec.
func BuildFilter(spec FilterSpec) (SecondaryFilter, error) {
	if spec.Weight.Sign() <= 0 {
		return nil, fmt.Errorf("filter %q: weight must be positive", spec.Name)
	}
	if spec.Script != "" {
		return NewScriptFilter(spec.Name, spec.Weight, spec.Script)
	}
	switch spec.Name {
	case "imbalance":
		fullAt, err := decParam(spec.Params, "full_at", "0.5")
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", spec.Name, err)
		}
		return ImbalanceFilter{FilterWeight: spec.Weight, FullAt: fullAt}, nil
	case "momentum":
		fullAt, err := decParam(spec.Params, "full_at_pct", "1")
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", spec.Name, err)
		}
		return MomentumFilter{FilterWeight: spec.Weight, FullAtPercent: fullAt}, nil
	case "poc_proximity":
		max, err := decParam(spec.Params, "max_distance_pct", "1")
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", spec.Name, err)
		}
		return PocProximityFilter{FilterWeight: spec.Weight, MaxDistancePercent: max}, nil
	case "feature_threshold":
		feature := spec.Params["feature"]
		if feature == "" {
			return nil, fmt.Errorf("filter %s: feature param required", spec.Name)
		}
		threshold, err := decParam(spec.Params, "threshold", "0")
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", spec.Name, err)
		}
		return FeatureThresholdFilter{
			FilterName:   spec.Name,
			FilterWeight: spec.Weight,
			Feature:      feature,
			Threshold:    threshold,
		}, nil
	default:
		return nil, fmt.Errorf("unknown filter %q", spec.Name)
	}
}

// Build assembles the analyzer and filter lists for a pipeline.
func Build(analyzers []AnalyzerSpec, filters []FilterSpec) ([]PrimaryAnalyzer, []SecondaryFilter, error) {
	primaries := make([]PrimaryAnalyzer, 0, len(analyzers))
	for _, spec := range analyzers {
		analyzer, err := BuildPrimary(spec)
		if err != nil {
			return nil, nil, err
		}
		primaries = append(primaries, analyzer)
	}
	secondaries := make([]SecondaryFilter, 0, len(filters))
	for _, spec := range filters {
		filter, err := BuildFilter(spec)
		if err != nil {
			return nil, nil, err
		}
		secondaries = append(secondaries, filter)
	}
	return primaries, secondaries, nil
}

func decParam(params map[string]string, key, fallback string) (decimal.Decimal, error) {
	raw, ok := params[key]
	if !ok || raw == "" {
		raw = fallback
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("param %s: %w", key, err)
	}
	return value, nil
}
