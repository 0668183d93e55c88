// Package broker defines the narrow capability interface the execution
// engine and the reconciliation job depend on. Concrete venue clients
// (broker/alpaca) implement it; tests substitute fakes.
package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Side is the direction of a market order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderRequest is a notional-sized market order. The venue converts the
// notional amount into a (possibly fractional) quantity at execution.
type OrderRequest struct {
	Symbol   string
	Side     Side
	Notional decimal.Decimal
}

// OrderAck is the venue's acknowledgment that an order was accepted.
// FilledQty is zero when the venue has not reported a fill yet.
type OrderAck struct {
	OrderID   string
	Symbol    string
	FilledQty decimal.Decimal
}

// Position is a venue-reported holding. Quantity is signed; negative
// means short.
type Position struct {
	Symbol   string
	Quantity decimal.Decimal
}

// Gateway is everything the core needs from a trading venue.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	ClosePosition(ctx context.Context, symbol string) (OrderAck, error)
	GetPositions(ctx context.Context) ([]Position, error)
}

// ErrPositionNotFound is returned by ClosePosition when the venue holds
// no position for the symbol.
var ErrPositionNotFound = errors.New("position not found")

// GatewayError wraps any venue-side failure: rejection, network error,
// or timeout. Timeout is set when the call expired before the venue
// answered, in which case a broker-side order may still exist and is
// left for reconciliation to pick up.
type GatewayError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("broker %s: timeout", e.Op)
	}
	return fmt.Sprintf("broker %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }
