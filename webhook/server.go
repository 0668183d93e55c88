// Package webhook is the HTTP intake for trade signals, plus the
// read-only ledger endpoints the dashboard consumes.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/signalbridge/audit"
	"github.com/rustyeddy/signalbridge/broker"
	"github.com/rustyeddy/signalbridge/engine"
	"github.com/rustyeddy/signalbridge/ledger"
	"github.com/rustyeddy/signalbridge/metrics"
)

const maxBodyBytes = 1 << 20

// Server handles inbound webhook requests. One request carries one
// signal; the response reports the engine's terminal outcome. This
// layer never retries: the webhook provider owns retry policy, and the
// engine's dedup window absorbs the duplicates that causes.
type Server struct {
	engine *engine.Engine
	store  *ledger.Store
	audit  *audit.Log
	token  string
	log    zerolog.Logger
}

// New creates a webhook server. token, when non-empty, is required in
// the X-Webhook-Token header of every signal request.
func New(eng *engine.Engine, store *ledger.Store, auditLog *audit.Log, token string, logger zerolog.Logger) *Server {
	return &Server{
		engine: eng,
		store:  store,
		audit:  auditLog,
		token:  token,
		log:    logger.With().Str("component", "webhook").Logger(),
	}
}

// Handler returns the HTTP handler for the intake and read endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /positions", s.handlePositions)
	mux.HandleFunc("GET /orders", s.handleOrders)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

type webhookResponse struct {
	Status  string `json:"status"`
	OrderID string `json:"orderId,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.token != "" && r.Header.Get("X-Webhook-Token") != s.token {
		writeJSON(w, http.StatusUnauthorized, webhookResponse{Status: "rejected", Error: "unauthorized"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, webhookResponse{Status: "rejected", Error: "unreadable body"})
		return
	}

	sig, err := parseSignal(body)
	if err != nil {
		s.audit.Append(audit.Entry{
			Kind:    audit.KindSignalRejected,
			Detail:  err.Error(),
			Payload: string(body),
		})
		metrics.SignalsTotal.WithLabelValues("rejected").Inc()
		writeJSON(w, http.StatusBadRequest, webhookResponse{Status: "rejected", Error: err.Error()})
		return
	}
	sig.ReceivedAt = time.Now().UTC()

	s.audit.Append(audit.Entry{
		Kind:    audit.KindSignalAccepted,
		Symbol:  sig.Symbol,
		Detail:  string(sig.Action) + " from " + sig.Source,
		Payload: string(body),
	})
	metrics.SignalsTotal.WithLabelValues("accepted").Inc()

	res, err := s.engine.Execute(r.Context(), sig)
	status, outcome := classify(err)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", sig.Symbol).Str("action", string(sig.Action)).Msg("signal failed")
		writeJSON(w, status, webhookResponse{Status: outcome, OrderID: res.OrderID, Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{Status: "confirmed", OrderID: res.OrderID})
}

// classify maps engine errors onto response codes: semantic rejection
// 422, in-flight duplicate 409, broker-side failure or timeout 502,
// local faults (ledger unavailable) 500.
func classify(err error) (int, string) {
	var (
		ve *engine.ValidationError
		ge *broker.GatewayError
	)
	switch {
	case err == nil:
		return http.StatusOK, "confirmed"
	case errors.As(err, &ve):
		return http.StatusUnprocessableEntity, "failed"
	case errors.Is(err, engine.ErrDuplicateInFlight):
		return http.StatusConflict, "failed"
	case errors.As(err, &ge), errors.Is(err, context.DeadlineExceeded):
		return http.StatusBadGateway, "failed"
	default:
		return http.StatusInternalServerError, "failed"
	}
}

type positionView struct {
	Symbol        string    `json:"symbol"`
	Quantity      string    `json:"quantity"`
	NotionalBasis string    `json:"notionalBasis"`
	PendingFill   bool      `json:"pendingFill,omitempty"`
	OpenedAt      time.Time `json:"openedAt"`
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.ListOpenPositions()
	if err != nil {
		s.log.Error().Err(err).Msg("list positions")
		http.Error(w, "ledger unavailable", http.StatusInternalServerError)
		return
	}

	out := make([]positionView, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionView{
			Symbol:        p.Symbol,
			Quantity:      p.Quantity.String(),
			NotionalBasis: p.NotionalBasis.String(),
			PendingFill:   p.PendingFill,
			OpenedAt:      p.OpenedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type orderView struct {
	ID            string     `json:"id"`
	Symbol        string     `json:"symbol"`
	Action        string     `json:"action"`
	Notional      string     `json:"notional"`
	BrokerOrderID string     `json:"brokerOrderId,omitempty"`
	State         string     `json:"state"`
	ErrorDetail   string     `json:"errorDetail,omitempty"`
	SubmittedAt   time.Time  `json:"submittedAt"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		var err error
		since, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
	}

	records, err := s.store.ListOrders(symbol, since)
	if err != nil {
		s.log.Error().Err(err).Msg("list orders")
		http.Error(w, "ledger unavailable", http.StatusInternalServerError)
		return
	}

	out := make([]orderView, 0, len(records))
	for _, rec := range records {
		out = append(out, orderView{
			ID:            rec.ID,
			Symbol:        rec.Symbol,
			Action:        rec.Action,
			Notional:      rec.Notional.String(),
			BrokerOrderID: rec.BrokerOrderID,
			State:         string(rec.State),
			ErrorDetail:   rec.ErrorDetail,
			SubmittedAt:   rec.SubmittedAt,
			ResolvedAt:    rec.ResolvedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
