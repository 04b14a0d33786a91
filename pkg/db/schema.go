package db

import "fmt"

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id TEXT NOT NULL,
    subject TEXT NOT NULL,
    data TEXT NOT NULL,
    source TEXT,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_subject ON events(subject);

CREATE TABLE IF NOT EXISTS trading_tasks (
    task_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT,
    mode TEXT NOT NULL,
    entry_price REAL DEFAULT 0,
    exit_price REAL DEFAULT 0,
    quantity REAL DEFAULT 0,
    pnl REAL DEFAULT 0,
    status TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    closed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_tasks_user_symbol ON trading_tasks(user_id, symbol);

CREATE TABLE IF NOT EXISTS orders (
    order_id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    type TEXT NOT NULL,
    price REAL DEFAULT 0,
    quantity REAL NOT NULL,
    filled_quantity REAL DEFAULT 0,
    status TEXT NOT NULL,
    is_grid_order INTEGER DEFAULT 0,
    grid_pair_id TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    filled_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_orders_task ON orders(task_id);
CREATE INDEX IF NOT EXISTS idx_orders_user_symbol ON orders(user_id, symbol);
`

// ApplyMigrations creates the tables when missing.
func ApplyMigrations(d *Database) error {
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
