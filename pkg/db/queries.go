package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

var ErrNotFound = errors.New("record not found")

// Store provides the trading-side queries. Writes are serialised so the
// single SQLite writer never sees interleaved transactions from concurrent
// task actors.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func NewStore(d *Database) *Store {
	return &Store{db: d.DB}
}

// UpsertTask inserts or updates a trading task row.
func (s *Store) UpsertTask(ctx context.Context, t TaskRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var closedAt any
	if t.ClosedAt != nil {
		closedAt = t.ClosedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trading_tasks
			(task_id, user_id, symbol, side, mode, entry_price, exit_price, quantity, pnl, status, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			side = excluded.side,
			entry_price = excluded.entry_price,
			exit_price = excluded.exit_price,
			quantity = excluded.quantity,
			pnl = excluded.pnl,
			status = excluded.status,
			closed_at = excluded.closed_at
	`, t.TaskID, t.UserID, t.Symbol, t.Side, t.Mode, t.EntryPrice, t.ExitPrice,
		t.Quantity, t.PnL, t.Status, closedAt)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

// UpsertOrder inserts or updates an order row.
func (s *Store) UpsertOrder(ctx context.Context, o OrderRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var filledAt any
	if o.FilledAt != nil {
		filledAt = o.FilledAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders
			(order_id, task_id, user_id, symbol, side, type, price, quantity,
			 filled_quantity, status, is_grid_order, grid_pair_id, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			price = excluded.price,
			filled_quantity = excluded.filled_quantity,
			status = excluded.status,
			grid_pair_id = excluded.grid_pair_id,
			filled_at = excluded.filled_at
	`, o.OrderID, o.TaskID, o.UserID, o.Symbol, o.Side, o.Type, o.Price,
		o.Quantity, o.FilledQuantity, o.Status, boolToInt(o.IsGridOrder),
		o.GridPairID, filledAt)
	if err != nil {
		return fmt.Errorf("upsert order: %w", err)
	}
	return nil
}

// TasksByUser returns all task rows for a user, newest first.
func (s *Store) TasksByUser(ctx context.Context, userID string) ([]TaskRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, user_id, symbol, COALESCE(side, ''), mode, entry_price,
		       exit_price, quantity, pnl, status, created_at, closed_at
		FROM trading_tasks
		WHERE user_id = ?
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// Task returns one task by user and symbol, preferring the open one.
func (s *Store) Task(ctx context.Context, userID, symbol string) (TaskRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, user_id, symbol, COALESCE(side, ''), mode, entry_price,
		       exit_price, quantity, pnl, status, created_at, closed_at
		FROM trading_tasks
		WHERE user_id = ? AND symbol = ?
		ORDER BY (status = 'CLOSED'), created_at DESC
		LIMIT 1
	`, userID, symbol)

	var t TaskRow
	var closedAt sql.NullTime
	err := row.Scan(&t.TaskID, &t.UserID, &t.Symbol, &t.Side, &t.Mode,
		&t.EntryPrice, &t.ExitPrice, &t.Quantity, &t.PnL, &t.Status,
		&t.CreatedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRow{}, ErrNotFound
	}
	if err != nil {
		return TaskRow{}, fmt.Errorf("query task: %w", err)
	}
	if closedAt.Valid {
		ts := closedAt.Time
		t.ClosedAt = &ts
	}
	return t, nil
}

// OrdersByTask returns all orders recorded for a task.
func (s *Store) OrdersByTask(ctx context.Context, taskID string) ([]OrderRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, task_id, user_id, symbol, side, type, price, quantity,
		       filled_quantity, status, is_grid_order, COALESCE(grid_pair_id, ''),
		       created_at, filled_at
		FROM orders
		WHERE task_id = ?
		ORDER BY created_at
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRow
	for rows.Next() {
		var o OrderRow
		var isGrid int
		var filledAt sql.NullTime
		if err := rows.Scan(&o.OrderID, &o.TaskID, &o.UserID, &o.Symbol, &o.Side,
			&o.Type, &o.Price, &o.Quantity, &o.FilledQuantity, &o.Status,
			&isGrid, &o.GridPairID, &o.CreatedAt, &filledAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.IsGridOrder = isGrid != 0
		if filledAt.Valid {
			ts := filledAt.Time
			o.FilledAt = &ts
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanTasks(rows *sql.Rows) ([]TaskRow, error) {
	var out []TaskRow
	for rows.Next() {
		var t TaskRow
		var closedAt sql.NullTime
		if err := rows.Scan(&t.TaskID, &t.UserID, &t.Symbol, &t.Side, &t.Mode,
			&t.EntryPrice, &t.ExitPrice, &t.Quantity, &t.PnL, &t.Status,
			&t.CreatedAt, &closedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if closedAt.Valid {
			ts := closedAt.Time
			t.ClosedAt = &ts
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
