// Package binance implements the spot REST adapter. Signed endpoints carry
// an HMAC-SHA256 signature over the query string; failures map onto the
// errs code taxonomy so the placement handler can branch on retriability.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/windmark/tradewind/internal/errs"
	"github.com/windmark/tradewind/internal/exchange"
	"github.com/windmark/tradewind/internal/order"
	"github.com/windmark/tradewind/internal/schema"
)

// Options configures the spot adapter.
type Options struct {
	BaseURL   string
	APIKey    string
	APISecret string
	// RequestsPerSecond caps outbound REST calls. Zero means 10.
	RequestsPerSecond float64
	// Timeout bounds each HTTP round trip. Zero means 10s.
	Timeout time.Duration
}

// Adapter talks to the spot REST API.
type Adapter struct {
	http      *resty.Client
	secret    []byte
	limiter   *rate.Limiter
	connected atomic.Bool
}

// New builds an unconnected adapter.
func New(opts Options) *Adapter {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.binance.com"
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 10
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("X-MBX-APIKEY", opts.APIKey)

	return &Adapter{
		http:    client,
		secret:  []byte(opts.APISecret),
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
	}
}

// Name returns the venue name.
func (a *Adapter) Name() string { return "binance" }

// Connect verifies API reachability with a ping.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.connected.Load() {
		return nil
	}
	resp, err := a.http.R().SetContext(ctx).Get("/api/v3/ping")
	if err != nil {
		return errs.New(a.Name(), errs.CodeNetwork, errs.WithMessage("ping failed"), errs.WithCause(err))
	}
	if resp.StatusCode() != http.StatusOK {
		return a.apiError(resp)
	}
	a.connected.Store(true)
	return nil
}

// Disconnect marks the adapter unusable; the HTTP client holds no sockets
// worth tearing down.
func (a *Adapter) Disconnect(_ context.Context) error {
	a.connected.Store(false)
	return nil
}

// venueSymbol renders BASE-QUOTE as the venue's concatenated form.
func venueSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "-", ""))
}

// restOrder is the venue order representation shared by the place, query,
// and cancel responses.
type restOrder struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	OrigClientOrderID   string `json:"origClientOrderId"`
	Price               string `json:"price"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	Type                string `json:"type"`
	Side                string `json:"side"`
	UpdateTime          int64  `json:"updateTime"`
	TransactTime        int64  `json:"transactTime"`
}

// PlaceOrder submits one order through POST /api/v3/order.
func (a *Adapter) PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (exchange.OrderInfo, error) {
	params := url.Values{}
	params.Set("symbol", venueSymbol(req.Symbol))
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", req.Quantity.String())
	params.Set("newClientOrderId", req.ClientID)
	params.Set("newOrderRespType", "FULL")
	if req.Type == order.TypeLimit {
		params.Set("price", req.Price.String())
		params.Set("timeInForce", string(req.TimeInForce))
	}

	var placed restOrder
	if err := a.signedCall(ctx, http.MethodPost, "/api/v3/order", params, &placed); err != nil {
		return exchange.OrderInfo{}, err
	}
	return a.toOrderInfo(req.Symbol, placed)
}

// CancelOrder withdraws an order through DELETE /api/v3/order.
func (a *Adapter) CancelOrder(ctx context.Context, symbol string, ref exchange.OrderRef) error {
	params := url.Values{}
	params.Set("symbol", venueSymbol(symbol))
	if ref.OrderID != "" {
		params.Set("orderId", ref.OrderID)
	} else if ref.ClientID != "" {
		params.Set("origClientOrderId", ref.ClientID)
	} else {
		return errs.New(a.Name(), errs.CodeInvalid, errs.WithMessage("order reference required"))
	}
	var cancelled restOrder
	return a.signedCall(ctx, http.MethodDelete, "/api/v3/order", params, &cancelled)
}

// GetOrder looks an order up through GET /api/v3/order.
func (a *Adapter) GetOrder(ctx context.Context, symbol string, ref exchange.OrderRef) (exchange.OrderInfo, error) {
	params := url.Values{}
	params.Set("symbol", venueSymbol(symbol))
	if ref.OrderID != "" {
		params.Set("orderId", ref.OrderID)
	} else if ref.ClientID != "" {
		params.Set("origClientOrderId", ref.ClientID)
	} else {
		return exchange.OrderInfo{}, errs.New(a.Name(), errs.CodeInvalid, errs.WithMessage("order reference required"))
	}
	var found restOrder
	if err := a.signedCall(ctx, http.MethodGet, "/api/v3/order", params, &found); err != nil {
		return exchange.OrderInfo{}, err
	}
	return a.toOrderInfo(symbol, found)
}

// GetBalance reads account balances; asset filters to one asset when set.
func (a *Adapter) GetBalance(ctx context.Context, asset string) (map[string]exchange.Balance, error) {
	var account struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := a.signedCall(ctx, http.MethodGet, "/api/v3/account", url.Values{}, &account); err != nil {
		return nil, err
	}

	asset = strings.ToUpper(asset)
	out := make(map[string]exchange.Balance)
	for _, b := range account.Balances {
		if asset != "" && b.Asset != asset {
			continue
		}
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			return nil, errs.New(a.Name(), errs.CodeExchange, errs.WithMessage("bad balance "+b.Free))
		}
		locked, err := decimal.NewFromString(b.Locked)
		if err != nil {
			return nil, errs.New(a.Name(), errs.CodeExchange, errs.WithMessage("bad balance "+b.Locked))
		}
		out[b.Asset] = exchange.Balance{
			Asset:  b.Asset,
			Free:   free,
			Locked: locked,
			Total:  free.Add(locked),
		}
	}
	return out, nil
}

// GetPositions reports nothing: spot holds balances, not positions. The
// order manager carries position state for cash venues.
func (a *Adapter) GetPositions(_ context.Context, _ string) ([]exchange.Position, error) {
	return nil, nil
}

// GetTicker reads the 24h summary for a symbol.
func (a *Adapter) GetTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return exchange.Ticker{}, err
	}
	var ticker struct {
		LastPrice string `json:"lastPrice"`
		BidPrice  string `json:"bidPrice"`
		AskPrice  string `json:"askPrice"`
		Volume    string `json:"volume"`
		CloseTime int64  `json:"closeTime"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", venueSymbol(symbol)).
		SetResult(&ticker).
		Get("/api/v3/ticker/24hr")
	if err != nil {
		return exchange.Ticker{}, errs.New(a.Name(), errs.CodeNetwork, errs.WithCause(err))
	}
	if resp.StatusCode() != http.StatusOK {
		return exchange.Ticker{}, a.apiError(resp)
	}

	parsed := make(map[string]decimal.Decimal, 4)
	for name, raw := range map[string]string{
		"last": ticker.LastPrice, "bid": ticker.BidPrice, "ask": ticker.AskPrice, "volume": ticker.Volume,
	} {
		value, err := decimal.NewFromString(raw)
		if err != nil {
			return exchange.Ticker{}, errs.New(a.Name(), errs.CodeExchange, errs.WithMessage("bad ticker "+name+" "+raw))
		}
		parsed[name] = value
	}
	return exchange.Ticker{
		Symbol:    symbol,
		LastPrice: parsed["last"],
		BidPrice:  parsed["bid"],
		AskPrice:  parsed["ask"],
		Volume24h: parsed["volume"],
		Timestamp: time.UnixMilli(ticker.CloseTime).UTC(),
	}, nil
}

// GetSymbolInfo reads trading rules from /api/v3/exchangeInfo.
func (a *Adapter) GetSymbolInfo(ctx context.Context, symbol string) (exchange.SymbolInfo, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return exchange.SymbolInfo{}, err
	}
	var info struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
			Filters    []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", venueSymbol(symbol)).
		SetResult(&info).
		Get("/api/v3/exchangeInfo")
	if err != nil {
		return exchange.SymbolInfo{}, errs.New(a.Name(), errs.CodeNetwork, errs.WithCause(err))
	}
	if resp.StatusCode() != http.StatusOK {
		return exchange.SymbolInfo{}, a.apiError(resp)
	}
	if len(info.Symbols) == 0 {
		return exchange.SymbolInfo{}, errs.New(a.Name(), errs.CodeOrderNotFound, errs.WithMessage("unknown symbol "+symbol))
	}

	out := exchange.SymbolInfo{
		Symbol:     symbol,
		BaseAsset:  info.Symbols[0].BaseAsset,
		QuoteAsset: info.Symbols[0].QuoteAsset,
	}
	for _, filter := range info.Symbols[0].Filters {
		switch filter.FilterType {
		case "PRICE_FILTER":
			out.PriceStep, _ = decimal.NewFromString(filter.TickSize)
		case "LOT_SIZE":
			out.QuantityStep, _ = decimal.NewFromString(filter.StepSize)
		case "NOTIONAL", "MIN_NOTIONAL":
			out.MinNotional, _ = decimal.NewFromString(filter.MinNotional)
		}
	}
	return out, nil
}

// signedCall sends one authenticated request with the timestamp and HMAC
// signature appended to the query.
func (a *Adapter) signedCall(ctx context.Context, method, path string, params url.Values, result any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")
	query := params.Encode()
	query += "&signature=" + a.sign(query)

	req := a.http.R().SetContext(ctx).SetQueryString(query)
	var (
		resp *resty.Response
		err  error
	)
	switch method {
	case http.MethodPost:
		resp, err = req.Post(path)
	case http.MethodDelete:
		resp, err = req.Delete(path)
	default:
		resp, err = req.Get(path)
	}
	if err != nil {
		if ctx.Err() != nil {
			return errs.New(a.Name(), errs.CodeTimeout, errs.WithCause(err))
		}
		return errs.New(a.Name(), errs.CodeNetwork, errs.WithCause(err))
	}
	if resp.StatusCode() != http.StatusOK {
		return a.apiError(resp)
	}
	if result != nil {
		if err := json.Unmarshal(resp.Body(), result); err != nil {
			return errs.New(a.Name(), errs.CodeExchange, errs.WithMessage("bad response body"), errs.WithCause(err))
		}
	}
	return nil
}

func (a *Adapter) sign(query string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// apiError maps a venue error response onto the errs taxonomy.
func (a *Adapter) apiError(resp *resty.Response) error {
	var body struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(resp.Body(), &body)

	code := classify(resp.StatusCode(), body.Code)
	return errs.New(a.Name(), code,
		errs.WithHTTP(resp.StatusCode()),
		errs.WithRawCode(strconv.Itoa(body.Code)),
		errs.WithMessage(body.Msg))
}

// classify maps venue HTTP statuses and error codes to pipeline codes.
func classify(status, venueCode int) errs.Code {
	switch venueCode {
	case -1003, -1015: // TOO_MANY_REQUESTS, TOO_MANY_ORDERS
		return errs.CodeRateLimited
	case -2010: // NEW_ORDER_REJECTED (insufficient balance among others)
		return errs.CodeInsufficientBalance
	case -2013: // NO_SUCH_ORDER
		return errs.CodeOrderNotFound
	case -1021, -1022, -2014, -2015: // timestamp/signature/key problems
		return errs.CodeAuth
	case -1100, -1102, -1104, -1106, -1111, -1121: // malformed parameters
		return errs.CodeInvalidOrder
	}
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return errs.CodeRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.CodeAuth
	case status == http.StatusNotFound:
		return errs.CodeOrderNotFound
	case status >= 500:
		return errs.CodeExchange
	case status >= 400:
		return errs.CodeInvalidOrder
	default:
		return errs.CodeExchange
	}
}

func (a *Adapter) toOrderInfo(symbol string, raw restOrder) (exchange.OrderInfo, error) {
	fields := map[string]string{"price": raw.Price, "origQty": raw.OrigQty, "executedQty": raw.ExecutedQty, "quote": raw.CummulativeQuoteQty}
	parsed := make(map[string]decimal.Decimal, len(fields))
	for name, value := range fields {
		if value == "" {
			parsed[name] = decimal.Zero
			continue
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			return exchange.OrderInfo{}, errs.New(a.Name(), errs.CodeExchange, errs.WithMessage("bad order "+name+" "+value))
		}
		parsed[name] = d
	}

	// Market fills report no price; derive the average from the quote volume.
	avg := parsed["price"]
	if parsed["executedQty"].Sign() > 0 && parsed["quote"].Sign() > 0 {
		avg = parsed["quote"].Div(parsed["executedQty"])
	}

	clientID := raw.ClientOrderID
	if clientID == "" {
		clientID = raw.OrigClientOrderID
	}
	updated := raw.UpdateTime
	if updated == 0 {
		updated = raw.TransactTime
	}
	return exchange.OrderInfo{
		ExchangeOrderID: strconv.FormatInt(raw.OrderID, 10),
		ClientID:        clientID,
		Symbol:          symbol,
		Side:            schema.Side(raw.Side),
		Type:            order.Type(raw.Type),
		Status:          exchange.OrderStatus(raw.Status),
		Quantity:        parsed["origQty"],
		Price:           parsed["price"],
		FilledQuantity:  parsed["executedQty"],
		AvgFillPrice:    avg,
		UpdatedAt:       time.UnixMilli(updated).UTC(),
	}, nil
}
