// Package ledger is the local persistent store of positions, order
// records, and the audit trail. It is the single shared mutable store;
// writers coordinate through per-symbol locks (see locks.go).
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle state of a position row.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// Position is a local view of a holding. Quantity is signed; negative
// means short. PendingFill marks a position opened before the venue
// reported a fill quantity; it is cleared once the quantity comes from
// the venue. CloseReason records why a position left the book
// ("close order", "external close").
type Position struct {
	Symbol        string
	Quantity      decimal.Decimal
	NotionalBasis decimal.Decimal
	PendingFill   bool
	Status        PositionStatus
	OpenedAt      time.Time
	ClosedAt      *time.Time
	CloseReason   string
}

// OrderState is the execution state of an order record. Transitions
// only move forward; Confirmed and Failed are terminal.
type OrderState string

const (
	StateReceived  OrderState = "received"
	StateValidated OrderState = "validated"
	StateSubmitted OrderState = "submitted"
	StateConfirmed OrderState = "confirmed"
	StateFailed    OrderState = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s OrderState) Terminal() bool {
	return s == StateConfirmed || s == StateFailed
}

var stateRank = map[OrderState]int{
	StateReceived:  0,
	StateValidated: 1,
	StateSubmitted: 2,
	StateConfirmed: 3,
	StateFailed:    3,
}

// ErrBackwardTransition is wrapped into errors returned when a state
// update would move an order record backwards or out of a terminal
// state.
var ErrBackwardTransition = fmt.Errorf("order state may only move forward")

// OrderRecord is one execution attempt. Records are inserted once and
// then only advanced; they are never deleted.
type OrderRecord struct {
	ID            string
	Symbol        string
	Action        string
	Notional      decimal.Decimal
	BrokerOrderID string
	State         OrderState
	ErrorDetail   string
	Source        string
	SubmittedAt   time.Time
	ResolvedAt    *time.Time
}
