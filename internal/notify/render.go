package notify

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	json "github.com/goccy/go-json"

	"github.com/windmark/tradewind/internal/schema"
)

// detailTemplates render the one-line description of each event kind.
// Kinds without an entry fall back to a JSON dump of the payload.
var detailTemplates = template.Must(template.New("details").Parse(`
{{- define "OrderFailed" -}}
order failed {{.Symbol}} {{.Side}}: {{.Reason}}
{{- end -}}
{{- define "SystemError" -}}
component {{.Component}} error: {{.Detail}}
{{- end -}}
{{- define "MarketDataConnectionLost" -}}
market data lost for {{.Exchange}}: {{.Detail}}
{{- end -}}
{{- define "ForceExitRequired" -}}
force exit {{.Symbol}} {{.Side}}: {{.Reason}}
{{- end -}}
{{- define "CircuitBreakerTriggered" -}}
circuit breaker on {{.Component}}: {{.Detail}}
{{- end -}}
{{- define "DumpDetected" -}}
dump on {{.Symbol}}: {{.Detail}}
{{- end -}}
{{- define "TrailingStopHit" -}}
trailing stop {{.Symbol}}: {{.Detail}}
{{- end -}}
{{- define "PortfolioHealthDegraded" -}}
portfolio health: {{.Detail}}
{{- end -}}
{{- define "DataQualityIssue" -}}
data quality on {{.Exchange}}: {{.Detail}}
{{- end -}}
{{- define "MaxHoldTimeExceeded" -}}
{{.Symbol}} held past limit: {{.Detail}}
{{- end -}}
{{- define "OrderPlaced" -}}
placed {{.Side}} {{.Quantity}} {{.Symbol}} @ {{.Price}}
{{- end -}}
{{- define "OrderFilled" -}}
filled {{.Side}} {{.FilledQuantity}} {{.Symbol}} @ {{.AvgFillPrice}}
{{- end -}}
{{- define "PositionOpened" -}}
opened {{.Side}} {{.Quantity}} {{.Symbol}} @ {{.EntryPrice}}
{{- end -}}
{{- define "PositionClosed" -}}
closed {{.Side}} {{.Quantity}} {{.Symbol}}
{{- end -}}
{{- define "SignalGenerated" -}}
signal {{.Side}} {{.Symbol}} confluence {{.Confluence}} ({{.Confidence}})
{{- end -}}
`))

// renderDetail produces the event's one-line description.
func renderDetail(evt *schema.Event) string {
	var sb strings.Builder
	if err := detailTemplates.ExecuteTemplate(&sb, string(evt.Kind), evt.Payload); err == nil {
		return sb.String()
	}
	raw, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Sprintf("%v", evt.Payload)
	}
	return string(raw)
}

// renderImmediate builds the message for one critical event.
func renderImmediate(n notification, recipients []string) Message {
	return Message{
		Subject:    fmt.Sprintf("[tradewind] %s: %s", n.tier, n.kind),
		Body:       fmt.Sprintf("%s\n\n%s\n", n.detail, n.created.Format(time.RFC3339)),
		Recipients: recipients,
	}
}

// renderSummary aggregates a flushed batch by event kind, listing the five
// most recent entries and counting the remainder. Suppressed counts record
// events the rate limiter refused since the previous flush.
func renderSummary(tier Tier, batch []notification, suppressed map[schema.EventKind]int, recipients []string) Message {
	counts := make(map[schema.EventKind]int)
	for _, n := range batch {
		counts[n.kind]++
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d %s notifications\n\n", len(batch), strings.ToLower(string(tier)))
	for kind, count := range counts {
		fmt.Fprintf(&sb, "%s: %d\n", kind, count)
	}

	sb.WriteString("\nmost recent:\n")
	shown := batch
	if len(shown) > 5 {
		shown = shown[len(shown)-5:]
	}
	for i := len(shown) - 1; i >= 0; i-- {
		n := shown[i]
		fmt.Fprintf(&sb, "  [%s] %s %s\n", n.created.Format(time.RFC3339), n.kind, n.detail)
	}
	if remainder := len(batch) - len(shown); remainder > 0 {
		fmt.Fprintf(&sb, "  ... and %d more\n", remainder)
	}

	if len(suppressed) > 0 {
		sb.WriteString("\nrate limited:\n")
		for kind, count := range suppressed {
			fmt.Fprintf(&sb, "  %s: %d suppressed\n", kind, count)
		}
	}

	return Message{
		Subject:    fmt.Sprintf("[tradewind] %s summary (%d events)", tier, len(batch)),
		Body:       sb.String(),
		Recipients: recipients,
	}
}
