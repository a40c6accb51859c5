package db

import "fmt"

// schema holds the operational-history tables this core persists beyond
// the bare JSON contract of spec §6: the three-way audit trail (Order
// Mirror / Shadow Balance reconciliation results) and TWAP slice history.
//
// Adapted from the teacher's pkg/db/schema.go: the migration-by-IF-NOT-
// EXISTS idiom and WAL journal mode are kept; the multi-tenant tables
// (users, connections, risk_configs, strategies) are dropped — this core
// has one operator, one venue, one pair.
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    asset TEXT NOT NULL,
    exchange_free REAL NOT NULL,
    reservations REAL NOT NULL,
    shadow_available REAL NOT NULL,
    diff REAL NOT NULL,
    repaired INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS mirror_diffs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    local_status TEXT,
    remote_status TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS twap_slices (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    rebalance_id TEXT NOT NULL,
    side TEXT NOT NULL,
    qty REAL NOT NULL,
    price REAL,
    order_id TEXT,
    status TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// ApplyMigrations executes the schema DDL; safe to call on every startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("db: nil database")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("db: apply schema: %w", err)
	}
	return nil
}
