// README: SQLite store tests on an in-memory database with the embedded schema.
package workorder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"workshop/internal/infra"
	"workshop/internal/types"
)

func setupSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	ctx := context.Background()
	db, err := infra.NewSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := infra.MigrateSQLite(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewSQLiteStore(db)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := setupSQLiteStore(t)
	clock := &fakeClock{now: at(8, 0)}
	svc := NewService(store, WithClock(clock.Now))
	ctx := context.Background()

	stall := types.ID("stall-1")
	if _, err := svc.Register(ctx, RegisterCommand{
		ID: "wo1", StallID: &stall, MechanicIDs: []types.ID{"m1", "m2"}, Estimate: 3 * time.Hour, Notes: "brakes",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Register(ctx, RegisterCommand{ID: "wo1"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate: %v", err)
	}

	clock.Set(at(11, 0))
	if _, err := svc.StartService(ctx, StartCommand{OrderID: "wo1", At: ptr(at(9, 0))}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.BeginStop(ctx, BeginStopCommand{OrderID: "wo1", Stop: PhaseWaitingPart, At: ptr(at(9, 30)), Note: "disc"}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.EndStop(ctx, EndStopCommand{OrderID: "wo1", Stop: PhaseWaitingPart, At: ptr(at(10, 0))}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.StartService(ctx, StartCommand{OrderID: "wo1", At: ptr(at(10, 0))}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Complete(ctx, CompleteCommand{OrderID: "wo1", At: ptr(at(11, 0))}); err != nil {
		t.Fatal(err)
	}

	o, err := store.Get(ctx, "wo1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if o.Stage != StageCompleted || o.Version != 5 || o.Notes != "brakes" {
		t.Fatalf("order = %+v", o)
	}
	if o.StallID == nil || *o.StallID != stall || len(o.MechanicIDs) != 2 {
		t.Fatalf("assignment lost: %+v", o)
	}
	if len(o.Events) != 3 || o.Events[1].Note != "disc" || !o.Events[1].EndedAt.Equal(at(10, 0)) {
		t.Fatalf("events = %+v", o.Events)
	}
	if o.Derived.NetLeadTime != 90*time.Minute || o.Derived.PerStop[PhaseWaitingPart] != 30*time.Minute {
		t.Fatalf("derived = %+v", o.Derived)
	}
	if o.CompletedAt == nil || !o.CompletedAt.Equal(at(11, 0)) {
		t.Fatalf("completed_at = %v", o.CompletedAt)
	}

	if _, err := store.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing: %v", err)
	}
}

func TestSQLiteStoreRecomputeAndRange(t *testing.T) {
	store := setupSQLiteStore(t)
	clock := &fakeClock{now: at(8, 0)}
	svc := NewService(store, WithClock(clock.Now))
	ctx := context.Background()

	for _, id := range []types.ID{"a", "b", "c"} {
		if _, err := svc.Register(ctx, RegisterCommand{ID: id, Estimate: time.Hour}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := svc.StartService(ctx, StartCommand{OrderID: "b"}); err != nil {
		t.Fatal(err)
	}
	clock.Set(at(8, 30))

	res, err := svc.Recompute(ctx, RecomputeRequest{All: true, BatchSize: 2})
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if res.Recomputed != 3 || res.Batches != 2 || len(res.Errors) != 0 {
		t.Fatalf("result = %+v", res)
	}
	b, _ := store.Get(ctx, "b")
	if b.Derived.NetLeadTime != 30*time.Minute || b.Derived.ProgressPercent != 50 {
		t.Fatalf("b derived = %+v", b.Derived)
	}

	// a stale version is skipped rather than overwriting fresher values
	saved, err := store.SaveDerived(ctx, []DerivedUpdate{{ID: "b", Version: 0, Derived: Derived{}}})
	if err != nil || saved != 0 {
		t.Fatalf("stale save = %d, %v", saved, err)
	}

	orders, err := store.ListActiveBetween(ctx, at(0, 0), at(24, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 3 {
		t.Fatalf("range = %d orders, want 3", len(orders))
	}
	orders, err = store.ListActiveBetween(ctx, day.AddDate(0, 0, 1), day.AddDate(0, 0, 2))
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 1 || orders[0].ID != "b" {
		t.Fatalf("next day = %+v, want only the running order", orders)
	}
}

func TestSQLiteStoreSerializesTransitions(t *testing.T) {
	store := setupSQLiteStore(t)
	clock := &fakeClock{now: at(8, 0)}
	svc := NewService(store, WithClock(clock.Now))
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterCommand{ID: "wo1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.StartService(ctx, StartCommand{OrderID: "wo1"}); err != nil {
		t.Fatal(err)
	}
	clock.Set(at(9, 0))

	errs := make(chan error, len(StopTypes))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, stop := range StopTypes {
		wg.Add(1)
		go func(p PhaseType) {
			defer wg.Done()
			<-start
			_, err := svc.BeginStop(ctx, BeginStopCommand{OrderID: "wo1", Stop: p})
			errs <- err
		}(stop)
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
		} else if !errors.Is(err, ErrStopAlreadyOpen) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 success, got %d", success)
	}
}

func TestSQLiteStoreStallHistoryAndHolders(t *testing.T) {
	store := setupSQLiteStore(t)
	clock := &fakeClock{now: at(8, 0)}
	svc := NewService(store, WithClock(clock.Now))
	ctx := context.Background()
	stallA := types.ID("A")
	for _, id := range []types.ID{"wo1", "wo2"} {
		if _, err := svc.Register(ctx, RegisterCommand{ID: id, StallID: &stallA}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := svc.StartService(ctx, StartCommand{OrderID: "wo1"}); err != nil {
		t.Fatal(err)
	}
	clock.Set(at(9, 0))

	if _, err := svc.AssignStall(ctx, AssignStallCommand{OrderID: "wo2", StallID: "B", Reason: "moved"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	_, err := svc.AssignStall(ctx, AssignStallCommand{OrderID: "wo2", StallID: "A"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("assign onto held stall: %v", err)
	}

	o, err := store.Get(ctx, "wo2")
	if err != nil {
		t.Fatal(err)
	}
	if o.StallID == nil || *o.StallID != "B" || len(o.StallHistory) != 2 {
		t.Fatalf("order = %+v history %+v", o.StallID, o.StallHistory)
	}
	if h := o.StallHistory[0]; h.StallID != "A" || h.EndedAt == nil || !h.EndedAt.Equal(at(9, 0)) {
		t.Fatalf("closed row = %+v", h)
	}
	if h := o.StallHistory[1]; h.StallID != "B" || h.EndedAt != nil || h.Reason != "moved" || !h.StartedAt.Equal(at(9, 0)) {
		t.Fatalf("open row = %+v", h)
	}

	holders, err := store.ListByStall(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if len(holders) != 1 || holders[0].ID != "wo1" || !holders[0].InProgress() {
		t.Fatalf("holders of A = %+v", holders)
	}
	if _, err := svc.Complete(ctx, CompleteCommand{OrderID: "wo1"}); err != nil {
		t.Fatal(err)
	}
	if holders, err = store.ListByStall(ctx, "A"); err != nil || len(holders) != 0 {
		t.Fatalf("holders after completion = %+v, %v", holders, err)
	}
}
