// Package decision converts analytics snapshots into trade signals. An
// ordered primary gate decides whether and in which direction to trade; a
// weighted set of secondary filters scores conviction against a confluence
// threshold.
package decision

import (
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/windmark/tradewind/internal/analytics"
	"github.com/windmark/tradewind/internal/schema"
)

// Verdict is one primary analyzer's answer for a snapshot. An empty
// Direction means the analyzer passes without a directional opinion.
type Verdict struct {
	Passed    bool
	Direction schema.Side
	Reason    string
}

// PrimaryAnalyzer is a gate: every configured analyzer must pass, and all
// directional opinions must agree, before any filter runs.
type PrimaryAnalyzer interface {
	Name() string
	Analyze(snap *analytics.Snapshot) Verdict
}

// SecondaryFilter scores conviction in [0, Weight]. A filter that returns an
// error contributes zero.
type SecondaryFilter interface {
	Name() string
	Weight() decimal.Decimal
	Evaluate(snap *analytics.Snapshot) (decimal.Decimal, error)
}

// Config shapes the emitted signals.
type Config struct {
	// Threshold is the minimum confluence sum that produces a signal.
	Threshold decimal.Decimal
	// PositionPercent sizes every emitted signal.
	PositionPercent decimal.Decimal
	// StopLossPercent and TakeProfitPercent place the brackets relative to
	// the entry price. Zero omits the bracket.
	StopLossPercent   decimal.Decimal
	TakeProfitPercent decimal.Decimal
}

func (c Config) normalize() Config {
	if c.Threshold.Sign() <= 0 {
		c.Threshold = decimal.NewFromInt(3)
	}
	if c.PositionPercent.Sign() <= 0 {
		c.PositionPercent = decimal.NewFromInt(2)
	}
	return c
}

// Pipeline evaluates snapshots. It is purely functional in its inputs: no
// state is carried between invocations.
type Pipeline struct {
	cfg       Config
	primaries []PrimaryAnalyzer
	filters   []SecondaryFilter
	maxScore  decimal.Decimal
	logger    *log.Logger
}

// NewPipeline assembles a decision pipeline. Primary order is significant;
// filter order is not.
func NewPipeline(cfg Config, primaries []PrimaryAnalyzer, filters []SecondaryFilter, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.Default()
	}
	maxScore := decimal.Zero
	for _, f := range filters {
		maxScore = maxScore.Add(f.Weight())
	}
	return &Pipeline{
		cfg:       cfg.normalize(),
		primaries: primaries,
		filters:   filters,
		maxScore:  maxScore,
		logger:    logger,
	}
}

// MaxConfluence is the sum of the configured filter weights.
func (p *Pipeline) MaxConfluence() decimal.Decimal { return p.maxScore }

// Evaluate runs the gate and the filters for one snapshot. It returns nil
// when no signal should be emitted.
func (p *Pipeline) Evaluate(snap *analytics.Snapshot) *schema.TradeSignal {
	results := make([]schema.PrimaryResult, 0, len(p.primaries))
	var direction schema.Side

	for _, analyzer := range p.primaries {
		verdict := analyzer.Analyze(snap)
		results = append(results, schema.PrimaryResult{
			Name:      analyzer.Name(),
			Passed:    verdict.Passed,
			Direction: verdict.Direction,
			Reason:    verdict.Reason,
		})
		if !verdict.Passed {
			return nil
		}
		if verdict.Direction == "" {
			continue
		}
		if direction != "" && direction != verdict.Direction {
			p.logger.Printf("decision: %s %s: primary directions disagree (%s vs %s)",
				snap.Exchange, snap.Symbol, direction, verdict.Direction)
			return nil
		}
		direction = verdict.Direction
	}
	if direction == "" {
		return nil
	}

	scores := make(map[string]decimal.Decimal, len(p.filters))
	sum := decimal.Zero
	for _, filter := range p.filters {
		score, err := filter.Evaluate(snap)
		if err != nil {
			p.logger.Printf("decision: filter %s failed for %s %s: %v", filter.Name(), snap.Exchange, snap.Symbol, err)
			score = decimal.Zero
		}
		score = clamp(score, filter.Weight())
		scores[filter.Name()] = score
		sum = sum.Add(score)
	}
	if sum.LessThan(p.cfg.Threshold) {
		return nil
	}

	entry := snap.Price
	sig := &schema.TradeSignal{
		SignalID:        uuid.NewString(),
		Exchange:        snap.Exchange,
		Symbol:          snap.Symbol,
		Side:            direction,
		Confluence:      sum,
		MaxConfluence:   p.maxScore,
		PrimaryResults:  results,
		FilterScores:    scores,
		EntryPrice:      entry,
		PositionPercent: p.cfg.PositionPercent,
		Confidence:      Classify(sum, p.maxScore),
		Timestamp:       time.Now().UTC(),
	}
	if p.cfg.StopLossPercent.Sign() > 0 {
		offset := entry.Mul(p.cfg.StopLossPercent).Div(decimal.NewFromInt(100))
		if direction == schema.SideBuy {
			sig.StopLoss = entry.Sub(offset)
		} else {
			sig.StopLoss = entry.Add(offset)
		}
	}
	if p.cfg.TakeProfitPercent.Sign() > 0 {
		offset := entry.Mul(p.cfg.TakeProfitPercent).Div(decimal.NewFromInt(100))
		if direction == schema.SideBuy {
			sig.TakeProfit = entry.Add(offset)
		} else {
			sig.TakeProfit = entry.Sub(offset)
		}
	}
	return sig
}

// Classify maps the confluence ratio onto the confidence scale.
func Classify(sum, max decimal.Decimal) schema.Confidence {
	if max.Sign() <= 0 {
		return schema.ConfidenceLow
	}
	ratio := sum.Div(max)
	switch {
	case ratio.LessThan(decimal.RequireFromString("0.5")):
		return schema.ConfidenceLow
	case ratio.LessThan(decimal.RequireFromString("0.7")):
		return schema.ConfidenceMedium
	case ratio.LessThan(decimal.RequireFromString("0.85")):
		return schema.ConfidenceHigh
	default:
		return schema.ConfidenceVeryHigh
	}
}

func clamp(score, weight decimal.Decimal) decimal.Decimal {
	if score.Sign() < 0 {
		return decimal.Zero
	}
	if score.GreaterThan(weight) {
		return weight
	}
	return score
}
