package binance

import (
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/windmark/tradewind/internal/errs"
	"github.com/windmark/tradewind/internal/schema"
)

// combinedFrame is the envelope of the combined-stream endpoint: the stream
// name plus the raw event payload.
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type tradeFrame struct {
	EventType  string `json:"e"`
	TradeID    int64  `json:"t"`
	Price      string `json:"p"`
	Quantity   string `json:"q"`
	TradeTime  int64  `json:"T"`
	BuyerMaker bool   `json:"m"`
}

type klineFrame struct {
	EventType string `json:"e"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

// streamName renders the lowercase stream id binance expects, e.g.
// BTC-USDT -> btcusdt@trade.
func streamName(symbol, suffix string) string {
	return strings.ToLower(strings.ReplaceAll(symbol, "-", "")) + "@" + suffix
}

// decodeFrame turns one combined-stream message into a bus event. It returns
// (nil, nil) for frames that carry nothing to publish: control responses,
// unknown streams, and klines that are still open.
func decodeFrame(data []byte, symbols map[string]string) (*schema.Event, error) {
	var frame combinedFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, errs.Wrap("binance", err)
	}
	if frame.Stream == "" {
		return nil, nil
	}
	symbol, ok := symbols[strings.SplitN(frame.Stream, "@", 2)[0]]
	if !ok {
		return nil, nil
	}

	switch {
	case strings.HasSuffix(frame.Stream, "@trade"):
		return decodeTrade(frame.Data, symbol)
	case strings.Contains(frame.Stream, "@kline_"):
		return decodeKline(frame.Data, symbol)
	default:
		return nil, nil
	}
}

func decodeTrade(data []byte, symbol string) (*schema.Event, error) {
	var trade tradeFrame
	if err := json.Unmarshal(data, &trade); err != nil {
		return nil, errs.Wrap("binance", err)
	}
	if trade.EventType != "trade" {
		return nil, nil
	}
	price, err := decimal.NewFromString(trade.Price)
	if err != nil {
		return nil, errs.New("binance", errs.CodeInvalid, errs.WithMessage("bad trade price "+trade.Price))
	}
	quantity, err := decimal.NewFromString(trade.Quantity)
	if err != nil {
		return nil, errs.New("binance", errs.CodeInvalid, errs.WithMessage("bad trade quantity "+trade.Quantity))
	}
	return schema.NewEvent(schema.KindTradeTickReceived, &schema.TradeTickPayload{
		Exchange:   "binance",
		Symbol:     symbol,
		TradeID:    strconv.FormatInt(trade.TradeID, 10),
		Price:      price,
		Quantity:   quantity,
		BuyerMaker: trade.BuyerMaker,
		TradeTime:  time.UnixMilli(trade.TradeTime).UTC(),
	}), nil
}

func decodeKline(data []byte, symbol string) (*schema.Event, error) {
	var kline klineFrame
	if err := json.Unmarshal(data, &kline); err != nil {
		return nil, errs.Wrap("binance", err)
	}
	if kline.EventType != "kline" || !kline.Kline.Closed {
		return nil, nil
	}

	k := kline.Kline
	fields := map[string]string{"open": k.Open, "high": k.High, "low": k.Low, "close": k.Close, "volume": k.Volume}
	parsed := make(map[string]decimal.Decimal, len(fields))
	for name, raw := range fields {
		value, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, errs.New("binance", errs.CodeInvalid, errs.WithMessage("bad kline "+name+" "+raw))
		}
		parsed[name] = value
	}
	return schema.NewEvent(schema.KindCandleCompleted, &schema.CandlePayload{
		Exchange:  "binance",
		Symbol:    symbol,
		Interval:  k.Interval,
		Open:      parsed["open"],
		High:      parsed["high"],
		Low:       parsed["low"],
		Close:     parsed["close"],
		Volume:    parsed["volume"],
		OpenTime:  time.UnixMilli(k.OpenTime).UTC(),
		CloseTime: time.UnixMilli(k.CloseTime).UTC(),
	}), nil
}
