// README: Lead-time calculator tests (durations, invariants, progress, corrupt ledgers).
package workorder

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestCalculateStopAndResume(t *testing.T) {
	o := newOrder()
	mustDo(t, o.StartService(at(9, 0)))
	mustDo(t, o.BeginStop(PhaseWaitingPart, at(9, 30), ""))
	mustDo(t, o.EndStop(PhaseWaitingPart, at(10, 0), ""))
	mustDo(t, o.StartService(at(10, 0)))
	mustDo(t, o.Complete(at(11, 0)))

	d, err := Calculate(o, at(15, 0))
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if d.TotalElapsed != 2*time.Hour {
		t.Errorf("total = %v, want 2h", d.TotalElapsed)
	}
	if d.PerStop[PhaseWaitingPart] != 30*time.Minute {
		t.Errorf("waiting_part = %v, want 30m", d.PerStop[PhaseWaitingPart])
	}
	if d.NetLeadTime != 90*time.Minute {
		t.Errorf("net = %v, want 1h30m", d.NetLeadTime)
	}
	if d.ProgressPercent != 100 {
		t.Errorf("progress = %v, want 100", d.ProgressPercent)
	}
}

func TestCalculateRepeatedStopsOfSameType(t *testing.T) {
	o := newOrder()
	mustDo(t, o.StartService(at(8, 0)))
	mustDo(t, o.BeginStop(PhaseBreak, at(8, 30), ""))
	mustDo(t, o.EndStop(PhaseBreak, at(8, 45), ""))
	mustDo(t, o.StartService(at(8, 45)))
	mustDo(t, o.BeginStop(PhaseBreak, at(12, 0), ""))
	mustDo(t, o.EndStop(PhaseBreak, at(13, 0), ""))
	mustDo(t, o.StartService(at(13, 0)))
	mustDo(t, o.BeginStop(PhaseOtherStop, at(14, 0), ""))

	d, err := Calculate(o, at(14, 20))
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if d.PerStop[PhaseBreak] != 75*time.Minute {
		t.Errorf("break = %v, want 1h15m", d.PerStop[PhaseBreak])
	}
	// the open stop is measured up to now
	if d.PerStop[PhaseOtherStop] != 20*time.Minute {
		t.Errorf("other = %v, want 20m", d.PerStop[PhaseOtherStop])
	}
	if d.TotalElapsed != 6*time.Hour+20*time.Minute {
		t.Errorf("total = %v", d.TotalElapsed)
	}
}

func TestCalculateIdentityHolds(t *testing.T) {
	build := map[string]func(o *WorkOrder){
		"active only": func(o *WorkOrder) {
			_ = o.StartService(at(9, 0))
		},
		"open stop": func(o *WorkOrder) {
			_ = o.StartService(at(9, 0))
			_ = o.BeginStop(PhaseWaitingConfirmation, at(9, 40), "")
		},
		"awaiting resume": func(o *WorkOrder) {
			_ = o.StartService(at(9, 0))
			_ = o.BeginStop(PhaseWaitingPart, at(9, 40), "")
			_ = o.EndStop(PhaseWaitingPart, at(10, 10), "")
		},
		"late resume": func(o *WorkOrder) {
			_ = o.StartService(at(9, 0))
			_ = o.BeginStop(PhaseBreak, at(9, 40), "")
			_ = o.EndStop(PhaseBreak, at(10, 0), "")
			_ = o.StartService(at(10, 25))
			_ = o.Complete(at(11, 5))
		},
		"cancelled mid stop": func(o *WorkOrder) {
			_ = o.StartService(at(9, 0))
			_ = o.BeginStop(PhaseWaitingSublet, at(9, 15), "")
			_ = o.Cancel(at(10, 0))
		},
		"clamped end": func(o *WorkOrder) {
			_ = o.StartService(at(9, 0))
			_ = o.BeginStop(PhaseBreak, at(9, 30), "")
			_ = o.EndStop(PhaseBreak, at(9, 10), "")
			_ = o.StartService(at(9, 45))
		},
	}
	now := at(12, 0)
	for name, fn := range build {
		t.Run(name, func(t *testing.T) {
			o := newOrder()
			fn(o)
			d, err := Calculate(o, now)
			if err != nil {
				t.Fatalf("calculate: %v", err)
			}
			if d.NetLeadTime < 0 || d.TotalElapsed < 0 {
				t.Fatalf("negative figures: %+v", d)
			}
			if d.NetLeadTime > d.TotalElapsed {
				t.Fatalf("net %v exceeds total %v", d.NetLeadTime, d.TotalElapsed)
			}
			if got := d.NetLeadTime + d.TotalStops(); got != d.TotalElapsed {
				t.Fatalf("net + stops = %v, total = %v", got, d.TotalElapsed)
			}
			// the active segments must add up to the same net figure
			var active time.Duration
			for _, seg := range Segments(o, now) {
				if seg.Duration() < 0 {
					t.Fatalf("negative segment %+v", seg)
				}
				if seg.Type == PhaseActive {
					active += seg.Duration()
				}
			}
			if active != d.TotalElapsed-d.TotalStops() {
				t.Fatalf("active sum %v != total - stops %v", active, d.TotalElapsed-d.TotalStops())
			}
		})
	}
}

func TestRecomputeIsIdempotent(t *testing.T) {
	o := newOrder()
	mustDo(t, o.StartService(at(9, 0)))
	mustDo(t, o.BeginStop(PhaseBreak, at(10, 0), ""))
	now := at(10, 30)

	mustDo(t, Recompute(o, now))
	first := o.Derived
	mustDo(t, Recompute(o, now))
	if !reflect.DeepEqual(first, o.Derived) {
		t.Fatalf("recompute not idempotent:\n%+v\n%+v", first, o.Derived)
	}
}

func TestProgressPercent(t *testing.T) {
	cases := []struct {
		name     string
		estimate time.Duration
		build    func(o *WorkOrder)
		want     float64
	}{
		{"not started", time.Hour, func(o *WorkOrder) {}, 0},
		{"half way", 2 * time.Hour, func(o *WorkOrder) { _ = o.StartService(at(9, 0)) }, 50},
		{"over estimate caps below 100", 30 * time.Minute, func(o *WorkOrder) { _ = o.StartService(at(9, 0)) }, 99},
		{"no estimate", 0, func(o *WorkOrder) { _ = o.StartService(at(9, 0)) }, 0},
		{"completed", time.Hour * 8, func(o *WorkOrder) {
			_ = o.StartService(at(9, 0))
			_ = o.Complete(at(9, 30))
		}, 100},
		{"stop pauses progress", 4 * time.Hour, func(o *WorkOrder) {
			_ = o.StartService(at(9, 0))
			_ = o.BeginStop(PhaseWaitingPart, at(9, 0), "")
		}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := newOrder()
			o.Estimate = tc.estimate
			tc.build(o)
			d, err := Calculate(o, at(10, 0))
			if err != nil {
				t.Fatalf("calculate: %v", err)
			}
			if d.ProgressPercent != tc.want {
				t.Fatalf("progress = %v, want %v", d.ProgressPercent, tc.want)
			}
		})
	}
}

func TestDisplayStage(t *testing.T) {
	o := newOrder()
	if got := DisplayStage(o); got != "Not Started" {
		t.Errorf("got %q", got)
	}
	_ = o.StartService(at(9, 0))
	if got := DisplayStage(o); got != "In Progress" {
		t.Errorf("got %q", got)
	}
	_ = o.BeginStop(PhaseWaitingPart, at(9, 10), "")
	if got := DisplayStage(o); got != "Waiting for Part" {
		t.Errorf("got %q", got)
	}
	_ = o.EndStop(PhaseWaitingPart, at(9, 20), "")
	if got := DisplayStage(o); got != "Awaiting Resume" {
		t.Errorf("got %q", got)
	}
}

func TestValidateRejectsCorruptLedgers(t *testing.T) {
	end := func(h, m int) *time.Time { v := at(h, m); return &v }
	cases := []struct {
		name string
		o    WorkOrder
	}{
		{"negative duration", WorkOrder{Stage: StageActive, Events: []PhaseEvent{
			{Type: PhaseActive, StartedAt: at(10, 0), EndedAt: end(9, 0)},
			{Type: PhaseActive, StartedAt: at(10, 0)},
		}}},
		{"two open events", WorkOrder{Stage: StageBreak, Events: []PhaseEvent{
			{Type: PhaseActive, StartedAt: at(9, 0)},
			{Type: PhaseBreak, StartedAt: at(9, 30)},
		}}},
		{"starts with a stop", WorkOrder{Stage: StageBreak, Events: []PhaseEvent{
			{Type: PhaseBreak, StartedAt: at(9, 0)},
		}}},
		{"overlap", WorkOrder{Stage: StageBreak, Events: []PhaseEvent{
			{Type: PhaseActive, StartedAt: at(9, 0), EndedAt: end(10, 0)},
			{Type: PhaseBreak, StartedAt: at(9, 30)},
		}}},
		{"completed without completed_at", WorkOrder{Stage: StageCompleted, Events: []PhaseEvent{
			{Type: PhaseActive, StartedAt: at(9, 0), EndedAt: end(10, 0)},
		}}},
		{"completed_at on active order", WorkOrder{Stage: StageActive, CompletedAt: end(10, 0), Events: []PhaseEvent{
			{Type: PhaseActive, StartedAt: at(9, 0)},
		}}},
		{"stage disagrees with ledger", WorkOrder{Stage: StageWaitingPart, Events: []PhaseEvent{
			{Type: PhaseActive, StartedAt: at(9, 0)},
		}}},
		{"not started with events", WorkOrder{Stage: StageNotStarted, Events: []PhaseEvent{
			{Type: PhaseActive, StartedAt: at(9, 0)},
		}}},
		{"unknown stage", WorkOrder{Stage: "paused"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := tc.o
			if _, err := Calculate(&o, at(12, 0)); !errors.Is(err, ErrCorruptLedger) {
				t.Fatalf("err = %v, want ErrCorruptLedger", err)
			}
		})
	}
}

func TestSnapshotCarriesWarnings(t *testing.T) {
	o := newOrder()
	mustDo(t, o.StartService(at(9, 0)))
	mustDo(t, o.BeginStop(PhaseBreak, at(8, 0), ""))

	snap, err := BuildSnapshot(o, at(9, 30))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Warnings) != 1 {
		t.Fatalf("warnings = %v", snap.Warnings)
	}
	if snap.NetLeadTime != 0 || snap.PerStopDuration[PhaseBreak] != 30*time.Minute {
		t.Fatalf("unexpected figures %+v", snap)
	}
	if snap.DisplayStage != "On Break" {
		t.Fatalf("display = %q", snap.DisplayStage)
	}
}

func TestBuildTimeline(t *testing.T) {
	o := newOrder()
	mustDo(t, o.StartService(at(9, 0)))
	mustDo(t, o.BeginStop(PhaseWaitingPart, at(9, 30), "caliper"))
	mustDo(t, o.EndStop(PhaseWaitingPart, at(10, 0), ""))
	mustDo(t, o.StartService(at(10, 0)))
	mustDo(t, o.Complete(at(11, 0)))

	tl, err := BuildTimeline(o, at(12, 0))
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	want := []TimelineKind{KindServiceStarted, KindStopStarted, KindStopEnded, KindServiceResumed, KindServiceCompleted}
	if len(tl.Entries) != len(want) {
		t.Fatalf("entries = %+v", tl.Entries)
	}
	for i, k := range want {
		if tl.Entries[i].Kind != k {
			t.Errorf("entry %d = %s, want %s", i, tl.Entries[i].Kind, k)
		}
	}
	if tl.Entries[1].Note != "caliper" {
		t.Errorf("note = %q", tl.Entries[1].Note)
	}
	if tl.Derived.NetLeadTime != 90*time.Minute {
		t.Errorf("net = %v", tl.Derived.NetLeadTime)
	}
}
