package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/signalbridge/audit"
	"github.com/rustyeddy/signalbridge/broker"
	"github.com/rustyeddy/signalbridge/engine"
	"github.com/rustyeddy/signalbridge/ledger"
)

type stubGateway struct {
	mu          sync.Mutex
	submitCalls int
	ack         broker.OrderAck
	submitErr   error

	entered chan struct{}
	block   chan struct{}
}

func (g *stubGateway) SubmitOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderAck, error) {
	g.mu.Lock()
	g.submitCalls++
	entered, block := g.entered, g.block
	g.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if g.submitErr != nil {
		return broker.OrderAck{}, g.submitErr
	}
	return g.ack, nil
}

func (g *stubGateway) ClosePosition(ctx context.Context, symbol string) (broker.OrderAck, error) {
	return g.ack, nil
}

func (g *stubGateway) GetPositions(ctx context.Context) ([]broker.Position, error) {
	return nil, nil
}

func newTestServer(t *testing.T, gw broker.Gateway, token string) (*Server, *ledger.Store, *audit.Log) {
	t.Helper()

	store, err := ledger.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	auditLog := audit.New(store.DB(), zerolog.Nop())
	eng := engine.New(engine.Config{
		Notional:       decimal.NewFromInt(2000),
		DedupWindow:    time.Minute,
		GatewayTimeout: time.Second,
	}, gw, store, auditLog, zerolog.Nop())

	return New(eng, store, auditLog, token, zerolog.Nop()), store, auditLog
}

func postWebhook(t *testing.T, s *Server, body string, headers map[string]string) (*httptest.ResponseRecorder, webhookResponse) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	var resp webhookResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return rr, resp
}

func TestWebhookConfirmed(t *testing.T) {
	t.Parallel()

	gw := &stubGateway{ack: broker.OrderAck{OrderID: "BRK-1", FilledQty: decimal.NewFromInt(5)}}
	s, store, _ := newTestServer(t, gw, "")

	rr, resp := postWebhook(t, s, `{"symbol":"AAPL","action":"buy","user":"tv","price":"190"}`, nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "confirmed", resp.Status)
	require.NotEmpty(t, resp.OrderID)

	rec, err := store.GetOrder(resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateConfirmed, rec.State)
}

func TestWebhookMalformedRejectedBeforeEngine(t *testing.T) {
	t.Parallel()

	gw := &stubGateway{}
	s, store, auditLog := newTestServer(t, gw, "")

	rr, resp := postWebhook(t, s, `{"symbol":"","action":"buy"}`, nil)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "rejected", resp.Status)
	assert.NotEmpty(t, resp.Error)

	// No order record is ever created for a rejected payload.
	orders, err := store.ListOrders("", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, orders)

	entries, err := auditLog.Recent(audit.KindSignalRejected, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Payload, `"action":"buy"`)
}

func TestWebhookCloseWithoutPosition(t *testing.T) {
	t.Parallel()

	gw := &stubGateway{}
	s, _, _ := newTestServer(t, gw, "")

	rr, resp := postWebhook(t, s, `{"symbol":"MSFT","action":"close","user":"tv"}`, nil)

	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "failed", resp.Status)
	assert.Equal(t, "no open position", resp.Error)
	assert.NotEmpty(t, resp.OrderID)
}

func TestWebhookCloseAlias(t *testing.T) {
	t.Parallel()

	gw := &stubGateway{ack: broker.OrderAck{OrderID: "BRK-2"}}
	s, store, _ := newTestServer(t, gw, "")

	require.NoError(t, store.OpenPosition(ledger.Position{
		Symbol:        "AAPL",
		Quantity:      decimal.NewFromInt(5),
		NotionalBasis: decimal.NewFromInt(2000),
		OpenedAt:      time.Now().UTC(),
	}))

	rr, resp := postWebhook(t, s, `{"symbol":"AAPL","action":"Trailing Exit Long","user":"tv"}`, nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "confirmed", resp.Status)

	_, ok, err := store.GetOpenPosition("AAPL")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWebhookDuplicateConflict(t *testing.T) {
	t.Parallel()

	gw := &stubGateway{
		ack:     broker.OrderAck{OrderID: "BRK-3", FilledQty: decimal.NewFromInt(1)},
		entered: make(chan struct{}),
		block:   make(chan struct{}),
	}
	s, _, _ := newTestServer(t, gw, "")

	body := `{"symbol":"AAPL","action":"buy","user":"tv"}`

	done := make(chan webhookResponse, 1)
	go func() {
		_, resp := postWebhook(t, s, body, nil)
		done <- resp
	}()
	<-gw.entered

	rr, resp := postWebhook(t, s, body, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "failed", resp.Status)
	assert.Equal(t, "duplicate in flight", resp.Error)

	close(gw.block)
	first := <-done
	assert.Equal(t, "confirmed", first.Status)
}

func TestWebhookGatewayFailure(t *testing.T) {
	t.Parallel()

	gw := &stubGateway{submitErr: &broker.GatewayError{Op: "submit order", Timeout: true, Err: context.DeadlineExceeded}}
	s, _, _ := newTestServer(t, gw, "")

	rr, resp := postWebhook(t, s, `{"symbol":"MSFT","action":"buy","user":"tv"}`, nil)

	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, "failed", resp.Status)
}

func TestWebhookLedgerFaultReturns500(t *testing.T) {
	t.Parallel()

	s, store, _ := newTestServer(t, &stubGateway{}, "")

	// A dead ledger is a local fault, not a broker outage.
	require.NoError(t, store.Close())

	rr, resp := postWebhook(t, s, `{"symbol":"AAPL","action":"buy","user":"tv"}`, nil)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "failed", resp.Status)
}

func TestWebhookTokenAuth(t *testing.T) {
	t.Parallel()

	gw := &stubGateway{ack: broker.OrderAck{OrderID: "BRK-4", FilledQty: decimal.NewFromInt(1)}}
	s, _, _ := newTestServer(t, gw, "s3cret")

	body := `{"symbol":"AAPL","action":"buy","user":"tv"}`

	rr, resp := postWebhook(t, s, body, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "rejected", resp.Status)

	rr, resp = postWebhook(t, s, body, map[string]string{"X-Webhook-Token": "s3cret"})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "confirmed", resp.Status)
}

func TestPositionsEndpoint(t *testing.T) {
	t.Parallel()

	s, store, _ := newTestServer(t, &stubGateway{}, "")

	require.NoError(t, store.OpenPosition(ledger.Position{
		Symbol:        "AAPL",
		Quantity:      decimal.RequireFromString("5.25"),
		NotionalBasis: decimal.NewFromInt(2000),
		OpenedAt:      time.Now().UTC(),
	}))

	req := httptest.NewRequest(http.MethodGet, "/positions", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var out []positionView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "AAPL", out[0].Symbol)
	assert.Equal(t, "5.25", out[0].Quantity)
}

func TestOrdersEndpoint(t *testing.T) {
	t.Parallel()

	s, store, _ := newTestServer(t, &stubGateway{}, "")

	require.NoError(t, store.InsertOrder(ledger.OrderRecord{
		ID:          "01ORD",
		Symbol:      "AAPL",
		Action:      "buy",
		Notional:    decimal.NewFromInt(2000),
		State:       ledger.StateConfirmed,
		Source:      "tv",
		SubmittedAt: time.Now().UTC(),
	}))

	req := httptest.NewRequest(http.MethodGet, "/orders?symbol=AAPL", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var out []orderView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "01ORD", out[0].ID)
	assert.Equal(t, "confirmed", out[0].State)

	req = httptest.NewRequest(http.MethodGet, "/orders?since=not-a-time", nil)
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
