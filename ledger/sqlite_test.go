package ledger

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestSchemaCreated(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='table' AND name IN ('positions','orders','audit')`)
	require.NoError(t, err)
	defer rows.Close()

	found := map[string]bool{}
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		found[name] = true
	}
	require.NoError(t, rows.Err())

	assert.True(t, found["positions"])
	assert.True(t, found["orders"])
	assert.True(t, found["audit"])
}

func TestPositionLifecycle(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	opened := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

	require.NoError(t, s.OpenPosition(Position{
		Symbol:        "AAPL",
		Quantity:      decimal.RequireFromString("10.5"),
		NotionalBasis: decimal.RequireFromString("2000"),
		OpenedAt:      opened,
	}))

	p, ok, err := s.GetOpenPosition("AAPL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, p.Quantity.Equal(decimal.RequireFromString("10.5")))
	assert.Equal(t, PositionOpen, p.Status)
	assert.Nil(t, p.ClosedAt)

	require.NoError(t, s.SetQuantity("AAPL", decimal.RequireFromString("12")))
	p, ok, err = s.GetOpenPosition("AAPL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, p.Quantity.Equal(decimal.RequireFromString("12")))

	closedAt := opened.Add(2 * time.Hour)
	require.NoError(t, s.ClosePosition("AAPL", closedAt, "external close"))

	_, ok, err = s.GetOpenPosition("AAPL")
	require.NoError(t, err)
	assert.False(t, ok)

	// A closed symbol can be reopened.
	require.NoError(t, s.OpenPosition(Position{
		Symbol:        "AAPL",
		Quantity:      decimal.NewFromInt(3),
		NotionalBasis: decimal.Zero,
		OpenedAt:      closedAt.Add(time.Minute),
	}))
}

func TestSingleOpenPositionPerSymbol(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	require.NoError(t, s.OpenPosition(Position{
		Symbol:        "MSFT",
		Quantity:      decimal.NewFromInt(1),
		NotionalBasis: decimal.Zero,
		OpenedAt:      time.Now().UTC(),
	}))

	err := s.OpenPosition(Position{
		Symbol:        "MSFT",
		Quantity:      decimal.NewFromInt(2),
		NotionalBasis: decimal.Zero,
		OpenedAt:      time.Now().UTC(),
	})
	assert.Error(t, err)
}

func TestSetQuantityClearsPendingFill(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	require.NoError(t, s.OpenPosition(Position{
		Symbol:        "AAPL",
		Quantity:      decimal.Zero,
		NotionalBasis: decimal.NewFromInt(2000),
		PendingFill:   true,
		OpenedAt:      time.Now().UTC(),
	}))

	p, ok, err := s.GetOpenPosition("AAPL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, p.PendingFill)

	require.NoError(t, s.SetQuantity("AAPL", decimal.RequireFromString("7.5")))

	p, ok, err = s.GetOpenPosition("AAPL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, p.PendingFill)
	assert.True(t, p.Quantity.Equal(decimal.RequireFromString("7.5")))
}

func TestCloseWithoutOpenPositionErrors(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	assert.Error(t, s.ClosePosition("TSLA", time.Now().UTC(), "close order"))
	assert.Error(t, s.SetQuantity("TSLA", decimal.NewFromInt(1)))
}

func TestOrderForwardOnlyTransitions(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	submitted := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	rec := OrderRecord{
		ID:          "01TEST",
		Symbol:      "AAPL",
		Action:      "buy",
		Notional:    decimal.RequireFromString("2000"),
		State:       StateReceived,
		Source:      "tv-user",
		SubmittedAt: submitted,
	}
	require.NoError(t, s.InsertOrder(rec))

	require.NoError(t, s.AdvanceOrder(rec.ID, StateValidated))
	require.NoError(t, s.MarkSubmitted(rec.ID, "BRK-1"))

	got, err := s.GetOrder(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSubmitted, got.State)
	assert.Equal(t, "BRK-1", got.BrokerOrderID)

	// Backwards is rejected.
	err = s.AdvanceOrder(rec.ID, StateValidated)
	assert.ErrorIs(t, err, ErrBackwardTransition)

	resolvedAt := submitted.Add(time.Second)
	require.NoError(t, s.ResolveOrder(rec.ID, StateConfirmed, resolvedAt, ""))

	got, err = s.GetOrder(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, got.State)
	require.NotNil(t, got.ResolvedAt)
	assert.True(t, got.ResolvedAt.Equal(resolvedAt))

	// Terminal states never change.
	err = s.ResolveOrder(rec.ID, StateFailed, resolvedAt.Add(time.Second), "late failure")
	assert.ErrorIs(t, err, ErrBackwardTransition)
}

func TestResolveRequiresTerminalState(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	require.NoError(t, s.InsertOrder(OrderRecord{
		ID:          "01NONTERM",
		Symbol:      "AAPL",
		Action:      "buy",
		Notional:    decimal.NewFromInt(100),
		State:       StateReceived,
		SubmittedAt: time.Now().UTC(),
	}))

	assert.Error(t, s.ResolveOrder("01NONTERM", StateValidated, time.Now().UTC(), ""))
}

func TestListOrdersFilters(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	for i, rec := range []OrderRecord{
		{ID: "01A", Symbol: "AAPL", Action: "buy", State: StateConfirmed},
		{ID: "01B", Symbol: "MSFT", Action: "sell", State: StateFailed, ErrorDetail: "timeout"},
		{ID: "01C", Symbol: "AAPL", Action: "close", State: StateConfirmed},
	} {
		rec.Notional = decimal.NewFromInt(2000)
		rec.SubmittedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.InsertOrder(rec))
	}

	aapl, err := s.ListOrders("AAPL", time.Time{})
	require.NoError(t, err)
	require.Len(t, aapl, 2)
	assert.Equal(t, "01C", aapl[0].ID) // newest first

	all, err := s.ListOrders("", base.Add(30*time.Second))
	require.NoError(t, err)
	require.Len(t, all, 2)

	msft, err := s.ListOrders("MSFT", time.Time{})
	require.NoError(t, err)
	require.Len(t, msft, 1)
	assert.Equal(t, "timeout", msft[0].ErrorDetail)
}

func TestListOpenPositions(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	now := time.Now().UTC()

	for _, sym := range []string{"MSFT", "AAPL"} {
		require.NoError(t, s.OpenPosition(Position{
			Symbol:        sym,
			Quantity:      decimal.NewFromInt(1),
			NotionalBasis: decimal.Zero,
			OpenedAt:      now,
		}))
	}
	require.NoError(t, s.ClosePosition("MSFT", now.Add(time.Minute), "external close"))

	open, err := s.ListOpenPositions()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "AAPL", open[0].Symbol)
}
