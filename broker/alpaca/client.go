// Package alpaca implements broker.Gateway against the Alpaca v2 trading
// API. Orders are notional-sized market orders, so fractional quantities
// come back from the venue rather than being computed locally.
package alpaca

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/rustyeddy/signalbridge/broker"
)

const (
	// PaperURL is Alpaca's paper-trading environment.
	PaperURL = "https://paper-api.alpaca.markets"
	// LiveURL is Alpaca's live trading environment.
	LiveURL = "https://api.alpaca.markets"
)

// Client is an Alpaca REST client. It throttles requests with a token
// bucket so bursts of webhook signals stay under the venue's rate limit.
type Client struct {
	baseURL    string
	key        string
	secret     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates an Alpaca client. rps bounds outbound requests per
// second; zero or negative disables throttling.
func NewClient(baseURL, key, secret string, rps float64) *Client {
	if baseURL == "" {
		baseURL = PaperURL
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}

	return &Client{
		baseURL: baseURL,
		key:     key,
		secret:  secret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: limiter,
	}
}

type orderRequest struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	Notional    string `json:"notional,omitempty"`
	TimeInForce string `json:"time_in_force"`
}

type apiOrder struct {
	ID        string `json:"id"`
	Symbol    string `json:"symbol"`
	FilledQty string `json:"filled_qty"`
}

type apiPosition struct {
	Symbol string `json:"symbol"`
	Qty    string `json:"qty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SubmitOrder places a notional-sized market order.
func (c *Client) SubmitOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderAck, error) {
	body := orderRequest{
		Symbol:      req.Symbol,
		Side:        string(req.Side),
		Type:        "market",
		Notional:    req.Notional.String(),
		TimeInForce: "day",
	}

	var out apiOrder
	if err := c.do(ctx, http.MethodPost, "/v2/orders", body, &out); err != nil {
		return broker.OrderAck{}, gatewayErr("submit order", err)
	}
	return toAck(out)
}

// ClosePosition liquidates the full position for symbol. A 404 from the
// venue maps to broker.ErrPositionNotFound.
func (c *Client) ClosePosition(ctx context.Context, symbol string) (broker.OrderAck, error) {
	var out apiOrder
	err := c.do(ctx, http.MethodDelete, "/v2/positions/"+symbol, nil, &out)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.status == http.StatusNotFound {
			return broker.OrderAck{}, broker.ErrPositionNotFound
		}
		return broker.OrderAck{}, gatewayErr("close position", err)
	}
	return toAck(out)
}

// GetPositions returns all open positions held at the venue.
func (c *Client) GetPositions(ctx context.Context) ([]broker.Position, error) {
	var raw []apiPosition
	if err := c.do(ctx, http.MethodGet, "/v2/positions", nil, &raw); err != nil {
		return nil, gatewayErr("get positions", err)
	}

	out := make([]broker.Position, 0, len(raw))
	for _, p := range raw {
		qty, err := decimal.NewFromString(p.Qty)
		if err != nil {
			return nil, gatewayErr("get positions", fmt.Errorf("bad qty %q for %s: %w", p.Qty, p.Symbol, err))
		}
		out = append(out, broker.Position{Symbol: p.Symbol, Quantity: qty})
	}
	return out, nil
}

func toAck(o apiOrder) (broker.OrderAck, error) {
	ack := broker.OrderAck{OrderID: o.ID, Symbol: o.Symbol}
	if o.FilledQty != "" {
		qty, err := decimal.NewFromString(o.FilledQty)
		if err != nil {
			return ack, gatewayErr("submit order", fmt.Errorf("bad filled_qty %q: %w", o.FilledQty, err))
		}
		ack.FilledQty = qty
	}
	return ack, nil
}

// statusError carries the venue's HTTP status and message body.
type statusError struct {
	status  int
	message string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.message)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("APCA-API-KEY-ID", c.key)
	req.Header.Set("APCA-API-SECRET-KEY", c.secret)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		data, _ := io.ReadAll(resp.Body)
		msg := string(data)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			msg = apiErr.Message
		}
		return &statusError{status: resp.StatusCode, message: msg}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func gatewayErr(op string, err error) error {
	return &broker.GatewayError{Op: op, Timeout: isTimeout(err), Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
