// Package execution transforms trade signals into submitted, reconciled
// orders through a fixed chain of handlers, and hosts the engine that binds
// the chain to the event bus.
package execution

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/windmark/tradewind/internal/exchange"
	"github.com/windmark/tradewind/internal/schema"
)

// Outcome is the terminal disposition of one pipeline invocation.
type Outcome int

const (
	// OutcomeSuccess means the order is at least submitted and reconciled.
	OutcomeSuccess Outcome = iota
	// OutcomeFailure means a handler short-circuited the chain.
	OutcomeFailure
	// OutcomeRetry defers the signal for later; unused in the default chain.
	OutcomeRetry
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomeFailure:
		return "FAILURE"
	case OutcomeRetry:
		return "RETRY"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Context is the scratchpad threaded through one pipeline invocation. Its
// lifetime equals the invocation; handlers append to the log and write their
// computed values here for downstream handlers and the engine.
type Context struct {
	Signal   *schema.TradeSignal
	Exchange string

	// Written by the sizing handler.
	Quantity decimal.Decimal
	StopLoss decimal.Decimal

	// Written by the engine before the chain runs.
	ClientOrderID string

	// Written by the placement handler.
	Order      exchange.OrderInfo
	RetryCount int

	// Written by the reconciliation handler.
	Slippage        decimal.Decimal
	FillRatio       decimal.Decimal
	SlippageFlagged bool
	PartialFlagged  bool

	FailureReason string
	log           []string
}

// Logf appends a formatted entry to the handler log.
func (c *Context) Logf(format string, args ...any) {
	c.log = append(c.log, fmt.Sprintf(format, args...))
}

// HandlerLog returns the append-only log accumulated so far.
func (c *Context) HandlerLog() []string {
	out := make([]string, len(c.log))
	copy(out, c.log)
	return out
}

// Handler is one link in the execution chain.
type Handler interface {
	Name() string
	Process(ctx context.Context, ec *Context) (Outcome, error)
}

// Pipeline runs handlers in order, short-circuiting on the first non-success
// outcome or error.
type Pipeline struct {
	handlers []Handler
	logger   *log.Logger
}

// NewPipeline assembles a handler chain.
func NewPipeline(logger *log.Logger, handlers ...Handler) *Pipeline {
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{handlers: handlers, logger: logger}
}

// Run executes the chain for one signal.
func (p *Pipeline) Run(ctx context.Context, ec *Context) Outcome {
	for _, h := range p.handlers {
		start := time.Now()
		outcome, err := h.Process(ctx, ec)
		elapsed := time.Since(start)
		if err != nil {
			if ec.FailureReason == "" {
				ec.FailureReason = err.Error()
			}
			ec.Logf("%s: failed after %v: %v", h.Name(), elapsed.Round(time.Millisecond), err)
			p.logger.Printf("execution: handler %s failed signal=%s err=%v", h.Name(), ec.Signal.SignalID, err)
			return OutcomeFailure
		}
		if outcome != OutcomeSuccess {
			if ec.FailureReason == "" {
				ec.FailureReason = fmt.Sprintf("%s returned %s", h.Name(), outcome)
			}
			return outcome
		}
	}
	return OutcomeSuccess
}
