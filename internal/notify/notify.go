// Package notify consumes lifecycle, warning, and error events and dispatches
// them to an email sender per priority tier: critical events go out
// immediately with retries, warning and info events are batched into periodic
// summaries. A per-event-kind rate limit suppresses spam.
package notify

import (
	"context"
	"time"

	"github.com/windmark/tradewind/internal/schema"
)

// Tier is a notification priority.
type Tier string

const (
	TierCritical Tier = "CRITICAL"
	TierWarning  Tier = "WARNING"
	TierInfo     Tier = "INFO"
)

// TierFor maps an event kind onto its tier. The observability kinds
// (NotificationSent, NotificationFailed) are excluded to keep the router from
// consuming its own output.
func TierFor(kind schema.EventKind) (Tier, bool) {
	switch kind {
	case schema.KindOrderFailed, schema.KindSystemError, schema.KindMarketDataConnectionLost,
		schema.KindCircuitBreakerTriggered, schema.KindForceExitRequired:
		return TierCritical, true
	case schema.KindDataQualityIssue, schema.KindPortfolioHealthDegraded, schema.KindDumpDetected,
		schema.KindCorrelatedDumpDetected, schema.KindMaxHoldTimeExceeded:
		return TierWarning, true
	case schema.KindTradeTickReceived, schema.KindCandleCompleted, schema.KindAnalyticsUpdated,
		schema.KindSignalGenerated, schema.KindOrderPlaced, schema.KindOrderFilled,
		schema.KindPositionOpened, schema.KindPositionClosed, schema.KindTrailingStopHit:
		return TierInfo, true
	default:
		return "", false
	}
}

// Message is one rendered email.
type Message struct {
	Subject    string
	Body       string
	Recipients []string
}

// Sender delivers rendered messages. Implementations must be safe for
// concurrent use.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// notification is one routed event awaiting dispatch.
type notification struct {
	id      string
	tier    Tier
	kind    schema.EventKind
	detail  string
	created time.Time
}
