// README: Postgres store tests; they run only when WORKSHOP_TEST_DSN points at a disposable database.
package workorder

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"workshop/internal/infra"
	"workshop/internal/types"
)

func setupPGStore(t *testing.T) *PGStore {
	t.Helper()
	dsn := os.Getenv("WORKSHOP_TEST_DSN")
	if dsn == "" {
		t.Skip("WORKSHOP_TEST_DSN not set")
	}
	ctx := context.Background()
	pool, err := infra.NewDB(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := infra.MigratePostgres(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE work_order_stall_history, work_order_events, work_orders CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return NewPGStore(pool)
}

func TestPGStoreFlow(t *testing.T) {
	store := setupPGStore(t)
	clock := &fakeClock{now: at(8, 0)}
	svc := NewService(store, WithClock(clock.Now))
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterCommand{ID: "pg1", Estimate: 2 * time.Hour}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Register(ctx, RegisterCommand{ID: "pg1"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate: %v", err)
	}
	clock.Set(at(12, 0))
	mustDo(t, ignoreSnap(svc.StartService(ctx, StartCommand{OrderID: "pg1", At: ptr(at(9, 0))})))
	mustDo(t, ignoreSnap(svc.BeginStop(ctx, BeginStopCommand{OrderID: "pg1", Stop: PhaseBreak, At: ptr(at(10, 0))})))
	mustDo(t, ignoreSnap(svc.EndStop(ctx, EndStopCommand{OrderID: "pg1", Stop: PhaseBreak, At: ptr(at(10, 15))})))
	mustDo(t, ignoreSnap(svc.StartService(ctx, StartCommand{OrderID: "pg1", At: ptr(at(10, 15))})))
	mustDo(t, ignoreSnap(svc.Complete(ctx, CompleteCommand{OrderID: "pg1", At: ptr(at(11, 0))})))

	o, err := store.Get(ctx, "pg1")
	if err != nil {
		t.Fatal(err)
	}
	if o.Stage != StageCompleted || len(o.Events) != 3 {
		t.Fatalf("order = %+v", o)
	}
	if o.Derived.NetLeadTime != 105*time.Minute || o.Derived.PerStop[PhaseBreak] != 15*time.Minute {
		t.Fatalf("derived = %+v", o.Derived)
	}

	saved, err := store.SaveDerived(ctx, []DerivedUpdate{{ID: "pg1", Version: o.Version - 1}})
	if err != nil || saved != 0 {
		t.Fatalf("stale save = %d, %v", saved, err)
	}
	res, err := svc.Recompute(ctx, RecomputeRequest{OrderIDs: []types.ID{"pg1", "missing"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Recomputed != 1 || len(res.Errors) != 1 || res.Errors[0].OrderID != "missing" {
		t.Fatalf("recompute = %+v", res)
	}
}

func TestPGStoreConcurrentStopsExactlyOneWins(t *testing.T) {
	store := setupPGStore(t)
	svc := NewService(store, WithClock(func() time.Time { return at(9, 30) }))
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterCommand{ID: "pg2"}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.StartService(ctx, StartCommand{OrderID: "pg2", At: ptr(at(9, 0))}); err != nil {
		t.Fatal(err)
	}

	const n = 8
	errs := make(chan error, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(p PhaseType) {
			defer wg.Done()
			<-start
			_, err := svc.BeginStop(ctx, BeginStopCommand{OrderID: "pg2", Stop: p})
			errs <- err
		}(StopTypes[i%len(StopTypes)])
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

	o, err := store.Get(ctx, "pg2")
	if err != nil {
		t.Fatal(err)
	}
	if o.OpenEvent() != 1 || len(o.Events) != 2 {
		t.Fatalf("ledger = %+v", o.Events)
	}
}

func ignoreSnap(_ Snapshot, err error) error { return err }

func TestPGStoreStallHistory(t *testing.T) {
	store := setupPGStore(t)
	clock := &fakeClock{now: at(8, 0)}
	svc := NewService(store, WithClock(clock.Now))
	ctx := context.Background()
	stallA := types.ID("A")
	if _, err := svc.Register(ctx, RegisterCommand{ID: "pg-stall", StallID: &stallA}); err != nil {
		t.Fatal(err)
	}
	mustDo(t, ignoreSnap(svc.StartService(ctx, StartCommand{OrderID: "pg-stall"})))
	clock.Set(at(9, 0))
	mustDo(t, ignoreSnap(svc.AssignStall(ctx, AssignStallCommand{OrderID: "pg-stall", StallID: "B", Force: true})))

	o, err := store.Get(ctx, "pg-stall")
	if err != nil {
		t.Fatal(err)
	}
	if len(o.StallHistory) != 2 || o.StallHistory[0].EndedAt == nil || o.StallHistory[1].StallID != "B" {
		t.Fatalf("history = %+v", o.StallHistory)
	}
	holders, err := store.ListByStall(ctx, "B")
	if err != nil || len(holders) != 1 || holders[0].ID != "pg-stall" {
		t.Fatalf("holders = %+v, %v", holders, err)
	}
}
