// Package engine drives the per-signal order state machine:
// received -> validated -> submitted -> confirmed | failed.
// The ledger is only written after the broker confirms, and the whole
// flow for one symbol runs under that symbol's ledger lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rustyeddy/signalbridge/audit"
	"github.com/rustyeddy/signalbridge/broker"
	"github.com/rustyeddy/signalbridge/ledger"
	"github.com/rustyeddy/signalbridge/metrics"
	"github.com/rustyeddy/signalbridge/pkg/id"
)

// Action is the canonical trade instruction carried by a signal.
type Action string

const (
	ActionBuy   Action = "buy"
	ActionSell  Action = "sell"
	ActionClose Action = "close"
)

// Signal is one validated inbound trade instruction. Price is advisory:
// it is only used to estimate the position quantity when the venue has
// not reported a fill yet. Notional overrides the configured per-trade
// amount when positive.
type Signal struct {
	Symbol     string
	Action     Action
	Source     string
	Price      decimal.Decimal
	Notional   decimal.Decimal
	ReceivedAt time.Time
}

// Result reports the terminal outcome of one signal.
type Result struct {
	OrderID       string
	BrokerOrderID string
	State         ledger.OrderState
}

// Config holds the engine's tunables, loaded by the configuration
// collaborator.
type Config struct {
	Notional       decimal.Decimal
	DedupWindow    time.Duration
	GatewayTimeout time.Duration
}

// Engine executes signals against the broker and records outcomes in
// the ledger.
type Engine struct {
	cfg   Config
	gw    broker.Gateway
	store *ledger.Store
	audit *audit.Log
	dedup *dedupWindow
	log   zerolog.Logger
}

// New creates an execution engine.
func New(cfg Config, gw broker.Gateway, store *ledger.Store, auditLog *audit.Log, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:   cfg,
		gw:    gw,
		store: store,
		audit: auditLog,
		dedup: newDedupWindow(cfg.DedupWindow),
		log:   logger.With().Str("component", "engine").Logger(),
	}
}

// Execute runs one signal to a terminal state. The returned Result
// always carries the order record ID; err is non-nil for every
// non-confirmed outcome and classifies it (*ValidationError,
// ErrDuplicateInFlight, or a gateway error).
func (e *Engine) Execute(ctx context.Context, sig Signal) (Result, error) {
	now := time.Now().UTC()
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = now
	}

	notional := sig.Notional
	if !notional.IsPositive() {
		notional = e.cfg.Notional
	}

	rec := ledger.OrderRecord{
		ID:          id.New(),
		Symbol:      sig.Symbol,
		Action:      string(sig.Action),
		Notional:    notional,
		State:       ledger.StateReceived,
		Source:      sig.Source,
		SubmittedAt: sig.ReceivedAt,
	}
	if err := e.store.InsertOrder(rec); err != nil {
		return Result{}, fmt.Errorf("record signal: %w", err)
	}

	// Reserve the dedup key before taking the symbol lock, so a
	// duplicate is rejected immediately instead of queueing behind the
	// in-flight original.
	key := dedupKey(sig)
	if !e.dedup.reserve(key, now) {
		return e.fail(rec, "duplicate in flight", ErrDuplicateInFlight)
	}
	defer e.dedup.release(key)

	unlock := e.store.LockSymbol(sig.Symbol)
	defer unlock()

	// Validation against current ledger state.
	_, open, err := e.store.GetOpenPosition(sig.Symbol)
	if err != nil {
		return e.fail(rec, "ledger unavailable", err)
	}
	switch sig.Action {
	case ActionClose:
		if !open {
			return e.fail(rec, "no open position", &ValidationError{Reason: "no open position"})
		}
	case ActionBuy, ActionSell:
		if open {
			return e.fail(rec, "position already open", &ValidationError{Reason: "position already open"})
		}
	default:
		return e.fail(rec, "unknown action", &ValidationError{Reason: fmt.Sprintf("unknown action %q", sig.Action)})
	}

	if err := e.store.AdvanceOrder(rec.ID, ledger.StateValidated); err != nil {
		return e.fail(rec, "ledger unavailable", err)
	}
	e.transition(rec, fmt.Sprintf("order %s %s validated", rec.ID, rec.Action))

	// Submission. The gateway call is the only blocking point and
	// carries a bounded timeout; on expiry the broker-side order may
	// still exist, which the reconciler repairs on its next pass.
	cctx := ctx
	if e.cfg.GatewayTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, e.cfg.GatewayTimeout)
		defer cancel()
	}

	var ack broker.OrderAck
	if sig.Action == ActionClose {
		ack, err = e.gw.ClosePosition(cctx, sig.Symbol)
	} else {
		ack, err = e.gw.SubmitOrder(cctx, broker.OrderRequest{
			Symbol:   sig.Symbol,
			Side:     side(sig.Action),
			Notional: notional,
		})
	}
	if err != nil {
		detail := err.Error()
		if isTimeout(err) {
			detail = "timeout"
		}
		return e.fail(rec, detail, err)
	}

	if err := e.store.MarkSubmitted(rec.ID, ack.OrderID); err != nil {
		return e.fail(rec, "ledger unavailable", err)
	}
	e.transition(rec, fmt.Sprintf("order %s %s submitted (broker %s)", rec.ID, rec.Action, ack.OrderID))

	// Confirmation strictly precedes the position write.
	resolvedAt := time.Now().UTC()
	if err := e.store.ResolveOrder(rec.ID, ledger.StateConfirmed, resolvedAt, ""); err != nil {
		return Result{OrderID: rec.ID}, fmt.Errorf("confirm order %s: %w", rec.ID, err)
	}
	e.transition(rec, fmt.Sprintf("order %s %s confirmed (broker %s)", rec.ID, rec.Action, ack.OrderID))
	metrics.OrdersTotal.WithLabelValues(rec.Action, string(ledger.StateConfirmed)).Inc()

	if err := e.apply(sig, notional, ack, resolvedAt); err != nil {
		// The order is confirmed at the venue; a failed local write is
		// drift that the reconciler will repair.
		e.log.Error().Err(err).Str("symbol", sig.Symbol).Msg("ledger update after confirmation failed")
	}

	return Result{
		OrderID:       rec.ID,
		BrokerOrderID: ack.OrderID,
		State:         ledger.StateConfirmed,
	}, nil
}

// apply mutates the ledger for a confirmed order.
func (e *Engine) apply(sig Signal, notional decimal.Decimal, ack broker.OrderAck, at time.Time) error {
	if sig.Action == ActionClose {
		return e.store.ClosePosition(sig.Symbol, at, "close order")
	}

	qty := ack.FilledQty
	pending := false
	if qty.IsZero() {
		if sig.Price.IsPositive() {
			// No fill report yet: estimate from the advisory price until
			// reconciliation replaces it with the venue's number.
			qty = notional.DivRound(sig.Price, 8)
		} else {
			// No fill report and no advisory price either. The position
			// is open at the venue with an unknown size; mark it pending
			// so a zero quantity is not read as flat, and let
			// reconciliation fill in the number.
			pending = true
		}
	}
	if sig.Action == ActionSell {
		qty = qty.Neg()
	}

	return e.store.OpenPosition(ledger.Position{
		Symbol:        sig.Symbol,
		Quantity:      qty,
		NotionalBasis: notional,
		PendingFill:   pending,
		OpenedAt:      at,
	})
}

// fail resolves the order record as failed with detail and returns
// cause to the caller.
func (e *Engine) fail(rec ledger.OrderRecord, detail string, cause error) (Result, error) {
	if err := e.store.ResolveOrder(rec.ID, ledger.StateFailed, time.Now().UTC(), detail); err != nil {
		e.log.Error().Err(err).Str("order_id", rec.ID).Msg("mark order failed")
	}
	e.transition(rec, fmt.Sprintf("order %s %s failed: %s", rec.ID, rec.Action, detail))
	metrics.OrdersTotal.WithLabelValues(rec.Action, string(ledger.StateFailed)).Inc()

	return Result{OrderID: rec.ID, State: ledger.StateFailed}, cause
}

// transition appends one audit row per order state change, so the full
// received -> validated -> submitted -> terminal path is recoverable
// even though orders.state is overwritten in place.
func (e *Engine) transition(rec ledger.OrderRecord, detail string) {
	e.audit.Append(audit.Entry{
		Kind:   audit.KindOrderTransition,
		Symbol: rec.Symbol,
		Detail: detail,
	})
}

func dedupKey(sig Signal) string {
	return sig.Symbol + "|" + string(sig.Action) + "|" + sig.Source
}

func side(a Action) broker.Side {
	if a == ActionSell {
		return broker.SideSell
	}
	return broker.SideBuy
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ge *broker.GatewayError
	return errors.As(err, &ge) && ge.Timeout
}
