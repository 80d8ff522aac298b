package decision

import (
	"fmt"
	"sync"

	"github.com/dop251/goja"
	"github.com/shopspring/decimal"

	"github.com/windmark/tradewind/internal/analytics"
)

// ScriptFilter runs a user-supplied JavaScript filter. The script must define
// `function evaluate(features, price)` returning a number; the pipeline clamps
// the result to [0, weight]. Features are passed as a name → float object.
//
// A goja runtime is not safe for concurrent use, so evaluations are
// serialized per filter.
type ScriptFilter struct {
	name   string
	weight decimal.Decimal

	mu   sync.Mutex
	rt   *goja.Runtime
	eval goja.Callable
}

// NewScriptFilter compiles source and binds its evaluate export.
func NewScriptFilter(name string, weight decimal.Decimal, source string) (*ScriptFilter, error) {
	program, err := goja.Compile(name+".js", source, true)
	if err != nil {
		return nil, fmt.Errorf("script filter %s: compile: %w", name, err)
	}
	rt := goja.New()
	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("script filter %s: execute: %w", name, err)
	}
	eval, ok := goja.AssertFunction(rt.Get("evaluate"))
	if !ok {
		return nil, fmt.Errorf("script filter %s: evaluate function not defined", name)
	}
	return &ScriptFilter{name: name, weight: weight, rt: rt, eval: eval}, nil
}

// Name identifies the filter in scores and logs.
func (f *ScriptFilter) Name() string { return f.name }

// Weight returns the configured maximum score.
func (f *ScriptFilter) Weight() decimal.Decimal { return f.weight }

// Evaluate invokes the script with the snapshot's features.
func (f *ScriptFilter) Evaluate(snap *analytics.Snapshot) (score decimal.Decimal, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer func() {
		// goja panics when the script throws outside the callable path.
		if r := recover(); r != nil {
			score, err = decimal.Zero, fmt.Errorf("script filter %s: %v", f.name, r)
		}
	}()

	features := make(map[string]float64)
	for _, name := range snap.FeatureNames() {
		if value, ok := snap.Feature(name); ok {
			features[name], _ = value.Float64()
		}
	}
	price, _ := snap.Price.Float64()

	result, err := f.eval(goja.Undefined(), f.rt.ToValue(features), f.rt.ToValue(price))
	if err != nil {
		return decimal.Zero, fmt.Errorf("script filter %s: %w", f.name, err)
	}
	return decimal.NewFromFloat(result.ToFloat()), nil
}
