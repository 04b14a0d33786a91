package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"quantflow/internal/events"
)

func testDB(t *testing.T) *Database {
	t.Helper()
	d, err := NewInMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return d
}

func TestEventStoreTrimsToCap(t *testing.T) {
	d := testDB(t)
	store := NewEventStore(d, 1000)

	for i := 0; i < 1100; i++ {
		e := events.New("tick", events.Data{"seq": i})
		if err := store.Append(e); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	count, err := store.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1000 {
		t.Fatalf("count = %d, want 1000", count)
	}

	recent, err := store.Recent(1000)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if got := recent[0].Data.Int("seq"); got != 1099 {
		t.Fatalf("newest seq = %d, want 1099", got)
	}
	if got := recent[len(recent)-1].Data.Int("seq"); got != 100 {
		t.Fatalf("oldest kept seq = %d, want 100", got)
	}
}

func TestEventStoreRecentNewestFirst(t *testing.T) {
	d := testDB(t)
	store := NewEventStore(d, 1000)
	for i := 0; i < 5; i++ {
		_ = store.Append(events.New(fmt.Sprintf("subject.%d", i), events.Data{}))
	}
	recent, err := store.Recent(3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("len = %d, want 3", len(recent))
	}
	if recent[0].Subject != "subject.4" || recent[2].Subject != "subject.2" {
		t.Fatalf("order wrong: %s, %s", recent[0].Subject, recent[2].Subject)
	}
}

func TestTaskUpsert(t *testing.T) {
	d := testDB(t)
	store := NewStore(d)
	ctx := context.Background()

	row := TaskRow{
		TaskID: "t1", UserID: "u1", Symbol: "XRPUSDC", Side: "LONG",
		Mode: "NO_GRID", EntryPrice: 1.0, Quantity: 100, Status: "OPEN",
	}
	if err := store.UpsertTask(ctx, row); err != nil {
		t.Fatalf("insert: %v", err)
	}

	closedAt := time.Now()
	row.Status = "CLOSED"
	row.ExitPrice = 1.05
	row.PnL = 4.9
	row.ClosedAt = &closedAt
	if err := store.UpsertTask(ctx, row); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := store.Task(ctx, "u1", "XRPUSDC")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got.Status != "CLOSED" || got.ExitPrice != 1.05 || got.PnL != 4.9 {
		t.Fatalf("unexpected row: %+v", got)
	}
	if got.ClosedAt == nil {
		t.Fatalf("closed_at not stored")
	}

	if _, err := store.Task(ctx, "u1", "GHOST"); err != ErrNotFound {
		t.Fatalf("missing task must return ErrNotFound, got %v", err)
	}
}

func TestOrderUpsertAndQuery(t *testing.T) {
	d := testDB(t)
	store := NewStore(d)
	ctx := context.Background()

	o := OrderRow{
		OrderID: "1001", TaskID: "t1", UserID: "u1", Symbol: "XRPUSDC",
		Side: "BUY", Type: "POST_ONLY", Price: 0.95, Quantity: 100,
		Status: "NEW", IsGridOrder: true, GridPairID: "p1",
	}
	if err := store.UpsertOrder(ctx, o); err != nil {
		t.Fatalf("insert: %v", err)
	}

	filledAt := time.Now()
	o.Status = "FILLED"
	o.FilledQuantity = 100
	o.FilledAt = &filledAt
	if err := store.UpsertOrder(ctx, o); err != nil {
		t.Fatalf("update: %v", err)
	}

	rows, err := store.OrdersByTask(ctx, "t1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len = %d, want 1", len(rows))
	}
	got := rows[0]
	if got.Status != "FILLED" || got.FilledQuantity != 100 || !got.IsGridOrder || got.GridPairID != "p1" {
		t.Fatalf("unexpected row: %+v", got)
	}
	if got.FilledQuantity > got.Quantity {
		t.Fatalf("filled quantity exceeds quantity")
	}
}
