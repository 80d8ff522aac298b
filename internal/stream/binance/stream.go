// Package binance maintains the combined-stream market data websocket and
// feeds trade ticks and completed candles onto the event bus.
package binance

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/windmark/tradewind/internal/bus"
	"github.com/windmark/tradewind/internal/lifecycle"
	"github.com/windmark/tradewind/internal/schema"
)

// StreamConfig selects the subscribed market data streams.
type StreamConfig struct {
	// URL is the combined-stream endpoint base.
	URL string
	// Symbols lists canonical BASE-QUOTE instruments.
	Symbols []string
	// Intervals lists the kline resolutions to follow.
	Intervals []string
	// MaxReconnects bounds consecutive failed connection cycles before the
	// stream gives up and reports the loss.
	MaxReconnects int

	Logger *log.Logger
}

func (c StreamConfig) normalize() StreamConfig {
	if c.URL == "" {
		c.URL = "wss://stream.binance.com:9443"
	}
	if len(c.Intervals) == 0 {
		c.Intervals = []string{"1m", "5m", "15m"}
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 10
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// Stream is the always-on component that owns the websocket connection.
type Stream struct {
	lifecycle.Base
	cfg    StreamConfig
	broker *bus.Bus
	logger *log.Logger
	runner lifecycle.Runner

	// symbols maps the lowercase stream symbol back to its canonical form.
	symbols map[string]string
	url     string
}

// NewStream builds the stream component for the configured symbols.
func NewStream(cfg StreamConfig, broker *bus.Bus, logger *log.Logger) *Stream {
	cfg = cfg.normalize()
	if logger == nil {
		logger = cfg.Logger
	}

	symbols := make(map[string]string, len(cfg.Symbols))
	streams := make([]string, 0, len(cfg.Symbols)*(1+len(cfg.Intervals)))
	for _, symbol := range cfg.Symbols {
		symbols[strings.ToLower(strings.ReplaceAll(symbol, "-", ""))] = symbol
		streams = append(streams, streamName(symbol, "trade"))
		for _, interval := range cfg.Intervals {
			streams = append(streams, streamName(symbol, "kline_"+interval))
		}
	}

	return &Stream{
		Base:    lifecycle.NewBase("binance-stream"),
		cfg:     cfg,
		broker:  broker,
		logger:  logger,
		symbols: symbols,
		url:     cfg.URL + "/stream?streams=" + strings.Join(streams, "/"),
	}
}

// Start launches the connection loop.
func (s *Stream) Start(ctx context.Context) error {
	if !s.TransitionStart() {
		return nil
	}
	if len(s.cfg.Symbols) == 0 {
		s.TransitionStop()
		return nil
	}
	s.runner.Launch(ctx, s.run)
	return nil
}

// Stop tears the connection down. Idempotent.
func (s *Stream) Stop(ctx context.Context) error {
	if !s.TransitionStop() {
		return nil
	}
	return s.runner.Join(ctx)
}

// run dials, pumps frames, and reconnects with exponential backoff. The
// failure budget resets on every healthy connection; once exhausted the
// stream reports MarketDataConnectionLost and exits.
func (s *Stream) run(ctx context.Context) {
	wait := backoff.NewExponentialBackOff()
	failures := 0

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.Dial(ctx, s.url, nil)
		if err == nil {
			s.logger.Printf("binance: stream connected symbols=%d", len(s.symbols))
			failures = 0
			wait.Reset()
			err = s.pump(ctx, conn)
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}

		failures++
		s.CountError()
		s.logger.Printf("binance: stream cycle failed (%d/%d): %v", failures, s.cfg.MaxReconnects, err)
		if failures > s.cfg.MaxReconnects {
			s.reportLost(ctx, err)
			return
		}

		timer := time.NewTimer(wait.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// pump reads frames until the connection breaks.
func (s *Stream) pump(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close(websocket.StatusNormalClosure, "shutdown")

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}

		evt, err := decodeFrame(data, s.symbols)
		if err != nil {
			s.CountError()
			s.logger.Printf("binance: frame decode failed: %v", err)
			s.reportQuality(ctx, err)
			continue
		}
		if evt == nil {
			continue
		}
		s.MarkActivity()
		if err := s.broker.Publish(ctx, evt); err != nil {
			return err
		}
	}
}

// reportQuality surfaces undecodable venue frames as a data quality warning
// so operators see corruption instead of a silently thinning feed.
func (s *Stream) reportQuality(ctx context.Context, cause error) {
	err := s.broker.Publish(ctx, schema.NewEvent(schema.KindDataQualityIssue, &schema.WarningPayload{
		Exchange: "binance",
		Detail:   "frame decode failed: " + cause.Error(),
	}))
	if err != nil {
		s.logger.Printf("binance: publish data quality issue failed: %v", err)
	}
}

func (s *Stream) reportLost(ctx context.Context, cause error) {
	streams := make([]string, 0, len(s.symbols))
	for _, symbol := range s.symbols {
		streams = append(streams, symbol)
	}
	detail := "reconnect budget exhausted"
	if cause != nil {
		detail += ": " + cause.Error()
	}
	err := s.broker.Publish(ctx, schema.NewEvent(schema.KindMarketDataConnectionLost, &schema.ConnectionLostPayload{
		Exchange: "binance",
		Streams:  streams,
		Detail:   detail,
	}))
	if err != nil {
		s.logger.Printf("binance: publish connection loss failed: %v", err)
	}
}
