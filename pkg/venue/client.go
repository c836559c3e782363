// Package venue talks to the perpetual-futures exchange: a REST client
// for historical candles and order entry, and a WebSocket ticker stream.
//
// Usage:
//
//	c, err := venue.NewClient(venue.Config{BaseURL: "https://pro.edgex.exchange", AccountID: "1", APIKey: "k"})
//	candles, err := c.GetCandles(ctx, "10000001", 15*time.Minute, 51)
//	id, err := c.SubmitOrder(ctx, req)
package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"

	"perp-trader/internal/model"
)

const (
	defaultTimeout  = 7 * time.Second
	defaultPageSize = 100
	codeSuccess     = "SUCCESS"
)

var routes = map[string]string{
	"quote.kline":  "/api/v1/public/quote/getKline",
	"order.create": "/api/v1/private/order/createOrder",
	"order.cancel": "/api/v1/private/order/cancelOrderById",
}

var klineTypes = map[time.Duration]string{
	time.Minute:      "MINUTE_1",
	5 * time.Minute:  "MINUTE_5",
	15 * time.Minute: "MINUTE_15",
	30 * time.Minute: "MINUTE_30",
	time.Hour:        "HOUR_1",
	2 * time.Hour:    "HOUR_2",
	4 * time.Hour:    "HOUR_4",
	24 * time.Hour:   "DAY_1",
}

// ErrUnsupportedInterval is returned for candle intervals the venue has no kline type for.
var ErrUnsupportedInterval = errors.New("venue: unsupported candle interval")

// APIError is a non-SUCCESS envelope or a non-2xx status.
type APIError struct {
	Status int
	Code   string
	Msg    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue: status %d code %s: %s", e.Status, e.Code, e.Msg)
}

// Config configures the REST client.
type Config struct {
	BaseURL    string
	AccountID  string
	APIKey     string
	TOTPSecret string // optional; adds X-Totp to private calls
	Timeout    time.Duration
	PageSize   int // candles per getKline page
	Logger     *slog.Logger
}

// Client is the venue REST client. It satisfies model.CandleSource and
// model.OrderSink.
type Client struct {
	baseURL    string
	accountID  string
	apiKey     string
	totpSecret string
	pageSize   int
	httpClient *http.Client
	log        *slog.Logger
	now        func() time.Time
}

var (
	_ model.CandleSource = (*Client)(nil)
	_ model.OrderSink    = (*Client)(nil)
)

// NewClient validates cfg and returns a client.
func NewClient(cfg Config) (*Client, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("venue: base url: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		accountID:  cfg.AccountID,
		apiKey:     cfg.APIKey,
		totpSecret: cfg.TOTPSecret,
		pageSize:   cfg.PageSize,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        cfg.Logger.With("component", "venue"),
		now:        time.Now,
	}, nil
}

// KlineType maps a candle interval to the venue's kline type name.
func KlineType(interval time.Duration) (string, error) {
	kt, ok := klineTypes[interval]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedInterval, interval)
	}
	return kt, nil
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type kline struct {
	KlineTime string `json:"klineTime"`
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
	Size      string `json:"size"`
}

// GetCandles returns the newest count candles, oldest first. Pages of
// PageSize are fetched walking backward in time until count candles are
// collected or the venue runs out of history.
func (c *Client) GetCandles(ctx context.Context, instrument string, interval time.Duration, count int) ([]model.Candle, error) {
	kt, err := KlineType(interval)
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]model.Candle, count)
	var end int64 // exclusive upper bound in ms; 0 means now

	for len(seen) < count {
		q := url.Values{}
		q.Set("contractId", instrument)
		q.Set("klineType", kt)
		q.Set("priceType", "LAST_PRICE")
		want := min(c.pageSize, count-len(seen))
		q.Set("size", strconv.Itoa(want))
		if end > 0 {
			q.Set("filterEndKlineTimeExclusive", strconv.FormatInt(end, 10))
		}

		var page struct {
			DataList []kline `json:"dataList"`
		}
		if err := c.do(ctx, http.MethodGet, "quote.kline", q, nil, false, &page); err != nil {
			return nil, fmt.Errorf("get candles %s: %w", instrument, err)
		}
		if len(page.DataList) == 0 {
			break
		}

		oldest := int64(0)
		added := 0
		for _, k := range page.DataList {
			cd, ms, err := k.candle(instrument)
			if err != nil {
				return nil, fmt.Errorf("get candles %s: %w", instrument, err)
			}
			if _, dup := seen[ms]; !dup {
				seen[ms] = cd
				added++
			}
			if oldest == 0 || ms < oldest {
				oldest = ms
			}
		}
		if added == 0 || len(page.DataList) < want {
			break
		}
		end = oldest
	}

	out := make([]model.Candle, 0, len(seen))
	for _, cd := range seen {
		out = append(out, cd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	if len(out) > count {
		out = out[len(out)-count:]
	}
	return out, nil
}

func (k kline) candle(instrument string) (model.Candle, int64, error) {
	ms, err := strconv.ParseInt(k.KlineTime, 10, 64)
	if err != nil {
		return model.Candle{}, 0, fmt.Errorf("kline time %q: %w", k.KlineTime, err)
	}
	c := model.Candle{Instrument: instrument, TS: time.UnixMilli(ms).UTC()}
	for _, f := range []struct {
		s   string
		dst *decimal.Decimal
	}{{k.Open, &c.Open}, {k.High, &c.High}, {k.Low, &c.Low}, {k.Close, &c.Close}, {k.Size, &c.Volume}} {
		if f.s == "" {
			continue
		}
		v, err := decimal.NewFromString(f.s)
		if err != nil {
			return model.Candle{}, 0, fmt.Errorf("kline %d: %w", ms, err)
		}
		*f.dst = v
	}
	return c, ms, nil
}

// SubmitOrder places req and returns the venue order id.
func (c *Client) SubmitOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	tif := "GOOD_TIL_CANCEL"
	if req.Type == model.OrderMarket {
		tif = "IMMEDIATE_OR_CANCEL"
	}
	body := map[string]any{
		"accountId":     c.accountID,
		"contractId":    req.Instrument,
		"side":          req.Side.String(),
		"type":          string(req.Type),
		"size":          req.Size,
		"price":         req.Price,
		"clientOrderId": req.ClientOrderID,
		"timeInForce":   tif,
		"reduceOnly":    req.ReduceOnly,
	}
	var out struct {
		OrderID string `json:"orderId"`
		ID      string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "order.create", nil, body, true, &out); err != nil {
		return "", fmt.Errorf("submit order %s: %w", req.ClientOrderID, err)
	}
	id := out.OrderID
	if id == "" {
		id = out.ID
	}
	if id == "" {
		return "", fmt.Errorf("submit order %s: empty order id", req.ClientOrderID)
	}
	c.log.Info("order accepted", "instrument", req.Instrument, "side", req.Side.String(),
		"price", req.Price, "size", req.Size, "order_id", id)
	return id, nil
}

// CancelOrder cancels a resting order by venue id.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	body := map[string]any{
		"accountId":   c.accountID,
		"orderIdList": []string{orderID},
	}
	if err := c.do(ctx, http.MethodPost, "order.cancel", nil, body, true, nil); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

func (c *Client) headers(private bool) (http.Header, error) {
	h := http.Header{}
	h.Set("Accept", "application/json")
	h.Set("Content-Type", "application/json")
	if !private {
		return h, nil
	}
	h.Set("X-Api-Key", c.apiKey)
	h.Set("X-Account-Id", c.accountID)
	if c.totpSecret != "" {
		code, err := totp.GenerateCode(c.totpSecret, c.now())
		if err != nil {
			return nil, fmt.Errorf("totp: %w", err)
		}
		h.Set("X-Totp", code)
	}
	return h, nil
}

func (c *Client) do(ctx context.Context, method, route string, q url.Values, body any, private bool, out any) error {
	uri, ok := routes[route]
	if !ok {
		return fmt.Errorf("unknown route: %s", route)
	}
	reqURL := c.baseURL + uri
	if len(q) > 0 {
		reqURL += "?" + q.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, rd)
	if err != nil {
		return err
	}
	if req.Header, err = c.headers(private); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode/100 != 2 {
			return &APIError{Status: resp.StatusCode, Msg: strings.TrimSpace(string(raw))}
		}
		return fmt.Errorf("couldn't parse JSON response: %w", err)
	}
	if resp.StatusCode/100 != 2 || env.Code != codeSuccess {
		return &APIError{Status: resp.StatusCode, Code: env.Code, Msg: env.Msg}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", route, err)
	}
	return nil
}
