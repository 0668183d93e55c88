package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite-backed ledger.
type Store struct {
	db    *sql.DB
	locks keyedMutex
}

// Open opens (or creates) the ledger database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}

	// The webhook server and the reconciler share this handle.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply ledger schema: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying handle for collaborators that share the
// ledger database file (the audit sink).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// OpenPosition inserts a new open position row. The partial unique
// index rejects a second open position for the same symbol.
func (s *Store) OpenPosition(p Position) error {
	_, err := s.db.Exec(`
		INSERT INTO positions (symbol, quantity, notional_basis, pending_fill, status, opened_at)
		VALUES (?, ?, ?, ?, 'open', ?)`,
		p.Symbol, p.Quantity.String(), p.NotionalBasis.String(), p.PendingFill, p.OpenedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("open position %s: %w", p.Symbol, err)
	}
	return nil
}

// GetOpenPosition returns the open position for symbol, if any.
func (s *Store) GetOpenPosition(symbol string) (Position, bool, error) {
	row := s.db.QueryRow(`
		SELECT symbol, quantity, notional_basis, pending_fill, status, opened_at, closed_at, close_reason
		FROM positions
		WHERE symbol = ? AND status = 'open'`, symbol)

	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return Position{}, false, nil
	}
	if err != nil {
		return Position{}, false, fmt.Errorf("get open position %s: %w", symbol, err)
	}
	return p, true, nil
}

// SetQuantity overwrites the quantity of the open position for symbol.
// Used by reconciliation when the venue reports a different size; the
// quantity now comes from the venue, so the pending-fill marker clears.
func (s *Store) SetQuantity(symbol string, qty decimal.Decimal) error {
	res, err := s.db.Exec(`
		UPDATE positions SET quantity = ?, pending_fill = 0
		WHERE symbol = ? AND status = 'open'`,
		qty.String(), symbol,
	)
	if err != nil {
		return fmt.Errorf("set quantity %s: %w", symbol, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("set quantity %s: no open position", symbol)
	}
	return nil
}

// ClosePosition marks the open position for symbol closed.
func (s *Store) ClosePosition(symbol string, closedAt time.Time, reason string) error {
	res, err := s.db.Exec(`
		UPDATE positions SET status = 'closed', closed_at = ?, close_reason = ?
		WHERE symbol = ? AND status = 'open'`,
		closedAt.UTC(), reason, symbol,
	)
	if err != nil {
		return fmt.Errorf("close position %s: %w", symbol, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("close position %s: no open position", symbol)
	}
	return nil
}

// InsertOrder inserts a new order record.
func (s *Store) InsertOrder(rec OrderRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO orders
		(order_id, symbol, action, notional, broker_order_id, state, error_detail, source, submitted_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Symbol, rec.Action, rec.Notional.String(), rec.BrokerOrderID,
		string(rec.State), rec.ErrorDetail, rec.Source, rec.SubmittedAt.UTC(), nullTime(rec.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", rec.ID, err)
	}
	return nil
}

// AdvanceOrder moves an order record to a non-terminal state.
func (s *Store) AdvanceOrder(id string, state OrderState) error {
	return s.advance(id, state, "", nil, "")
}

// MarkSubmitted advances an order record to submitted and stores the
// venue-assigned order ID.
func (s *Store) MarkSubmitted(id, brokerOrderID string) error {
	return s.advance(id, StateSubmitted, brokerOrderID, nil, "")
}

// ResolveOrder moves an order record into a terminal state.
func (s *Store) ResolveOrder(id string, state OrderState, resolvedAt time.Time, errorDetail string) error {
	if !state.Terminal() {
		return fmt.Errorf("resolve order %s: %s is not terminal", id, state)
	}
	at := resolvedAt.UTC()
	return s.advance(id, state, "", &at, errorDetail)
}

// advance enforces forward-only transitions: the current state's rank
// must be strictly below the target's.
func (s *Store) advance(id string, to OrderState, brokerOrderID string, resolvedAt *time.Time, errorDetail string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var cur string
	if err := tx.QueryRow(`SELECT state FROM orders WHERE order_id = ?`, id).Scan(&cur); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("order %q not found", id)
		}
		return err
	}
	if stateRank[OrderState(cur)] >= stateRank[to] {
		return fmt.Errorf("order %s: %s -> %s: %w", id, cur, to, ErrBackwardTransition)
	}

	_, err = tx.Exec(`
		UPDATE orders SET
			state = ?,
			broker_order_id = CASE WHEN ? != '' THEN ? ELSE broker_order_id END,
			error_detail = CASE WHEN ? != '' THEN ? ELSE error_detail END,
			resolved_at = COALESCE(?, resolved_at)
		WHERE order_id = ?`,
		string(to), brokerOrderID, brokerOrderID, errorDetail, errorDetail, nullTime(resolvedAt), id,
	)
	if err != nil {
		return fmt.Errorf("advance order %s: %w", id, err)
	}
	return tx.Commit()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(row scanner) (Position, error) {
	var (
		p      Position
		qty    string
		basis  string
		status string
		closed sql.NullTime
		reason sql.NullString
	)
	if err := row.Scan(&p.Symbol, &qty, &basis, &p.PendingFill, &status, &p.OpenedAt, &closed, &reason); err != nil {
		return Position{}, err
	}

	var err error
	if p.Quantity, err = decimal.NewFromString(qty); err != nil {
		return Position{}, fmt.Errorf("bad quantity %q: %w", qty, err)
	}
	if p.NotionalBasis, err = decimal.NewFromString(basis); err != nil {
		return Position{}, fmt.Errorf("bad notional basis %q: %w", basis, err)
	}
	p.Status = PositionStatus(status)
	if closed.Valid {
		t := closed.Time
		p.ClosedAt = &t
	}
	p.CloseReason = reason.String
	return p, nil
}
