// Package audit is the append-only record of every signal decision and
// order outcome. Entries land in the ledger database's audit table and
// are mirrored to the structured log so operators can tail either.
package audit

import (
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/signalbridge/pkg/id"
)

// Kind classifies an audit entry.
type Kind string

const (
	KindSignalAccepted  Kind = "signal_accepted"
	KindSignalRejected  Kind = "signal_rejected"
	KindOrderTransition Kind = "order_transition"
	KindReconSync       Kind = "recon_sync"
	KindReconClose      Kind = "recon_close"
	KindReconDrift      Kind = "recon_drift"
	KindReconError      Kind = "recon_error"
)

// Entry is one audit line. Payload carries the raw webhook body for
// signal entries and is empty otherwise.
type Entry struct {
	ID      string
	Time    time.Time
	Kind    Kind
	Symbol  string
	Detail  string
	Payload string
}

// Log writes entries to the shared ledger database.
type Log struct {
	db  *sql.DB
	log zerolog.Logger
}

// New creates an audit log on top of the ledger's database handle.
func New(db *sql.DB, logger zerolog.Logger) *Log {
	return &Log{db: db, log: logger.With().Str("component", "audit").Logger()}
}

// Append records one entry. Audit failures must never fail the trade
// path, so storage errors are reported through the logger only.
func (l *Log) Append(e Entry) {
	if e.ID == "" {
		e.ID = id.New()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	_, err := l.db.Exec(`
		INSERT INTO audit (audit_id, time, kind, symbol, detail, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Time.UTC(), string(e.Kind), e.Symbol, e.Detail, e.Payload,
	)
	if err != nil {
		l.log.Error().Err(err).Str("kind", string(e.Kind)).Str("symbol", e.Symbol).Msg("audit append failed")
	}

	l.log.Info().
		Str("kind", string(e.Kind)).
		Str("symbol", e.Symbol).
		Str("detail", e.Detail).
		Msg("audit")
}

// Recent returns up to limit entries of the given kind, newest first.
// An empty kind matches everything.
func (l *Log) Recent(kind Kind, limit int) ([]Entry, error) {
	rows, err := l.db.Query(`
		SELECT audit_id, time, kind, symbol, detail, payload
		FROM audit
		WHERE (? = '' OR kind = ?)
		ORDER BY time DESC, audit_id DESC
		LIMIT ?`,
		string(kind), string(kind), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e Entry
			k string
		)
		if err := rows.Scan(&e.ID, &e.Time, &k, &e.Symbol, &e.Detail, &e.Payload); err != nil {
			return nil, err
		}
		e.Kind = Kind(k)
		out = append(out, e)
	}
	return out, rows.Err()
}
