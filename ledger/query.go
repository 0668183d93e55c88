package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Read-side queries. These serve the dashboard collaborator and the
// reconciler; none of them take the per-symbol locks.

// ListOpenPositions returns every open position, ordered by symbol.
func (s *Store) ListOpenPositions() ([]Position, error) {
	rows, err := s.db.Query(`
		SELECT symbol, quantity, notional_basis, pending_fill, status, opened_at, closed_at, close_reason
		FROM positions
		WHERE status = 'open'
		ORDER BY symbol ASC`)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetOrder returns a single order record by ID.
func (s *Store) GetOrder(id string) (OrderRecord, error) {
	row := s.db.QueryRow(`
		SELECT order_id, symbol, action, notional, broker_order_id, state, error_detail, source, submitted_at, resolved_at
		FROM orders
		WHERE order_id = ?`, id)

	rec, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return OrderRecord{}, fmt.Errorf("order %q not found", id)
	}
	if err != nil {
		return OrderRecord{}, fmt.Errorf("get order %s: %w", id, err)
	}
	return rec, nil
}

// ListOrders returns order records submitted at or after since, newest
// first. An empty symbol matches all symbols.
func (s *Store) ListOrders(symbol string, since time.Time) ([]OrderRecord, error) {
	rows, err := s.db.Query(`
		SELECT order_id, symbol, action, notional, broker_order_id, state, error_detail, source, submitted_at, resolved_at
		FROM orders
		WHERE (? = '' OR symbol = ?) AND submitted_at >= ?
		ORDER BY submitted_at DESC`,
		symbol, symbol, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		rec, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanOrder(row scanner) (OrderRecord, error) {
	var (
		rec      OrderRecord
		notional string
		state    string
		resolved sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &rec.Symbol, &rec.Action, &notional, &rec.BrokerOrderID,
		&state, &rec.ErrorDetail, &rec.Source, &rec.SubmittedAt, &resolved,
	)
	if err != nil {
		return OrderRecord{}, err
	}

	if rec.Notional, err = decimal.NewFromString(notional); err != nil {
		return OrderRecord{}, fmt.Errorf("bad notional %q: %w", notional, err)
	}
	rec.State = OrderState(state)
	if resolved.Valid {
		t := resolved.Time
		rec.ResolvedAt = &t
	}
	return rec, nil
}
