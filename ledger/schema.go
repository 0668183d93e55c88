package ledger

// Schema creates the position, order, and audit tables. The partial
// unique index enforces the at-most-one-open-position-per-symbol
// invariant at the storage layer. Quantities and notionals are stored
// as TEXT so decimal values round-trip exactly.
const Schema = `
CREATE TABLE IF NOT EXISTS positions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL,
	quantity TEXT NOT NULL,
	notional_basis TEXT NOT NULL,
	pending_fill INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	opened_at DATETIME NOT NULL,
	closed_at DATETIME,
	close_reason TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open
	ON positions(symbol) WHERE status = 'open';

CREATE TABLE IF NOT EXISTS orders (
	order_id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	action TEXT NOT NULL,
	notional TEXT NOT NULL,
	broker_order_id TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	error_detail TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL DEFAULT '',
	submitted_at DATETIME NOT NULL,
	resolved_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_orders_symbol_time
	ON orders(symbol, submitted_at);

CREATE TABLE IF NOT EXISTS audit (
	audit_id TEXT PRIMARY KEY,
	time DATETIME NOT NULL,
	kind TEXT NOT NULL,
	symbol TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_audit_time ON audit(time);
`
