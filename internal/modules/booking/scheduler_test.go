// README: Availability scheduler tests (half-open overlap, ordering, validation).
package booking

import (
	"errors"
	"testing"
	"time"

	"workshop/internal/types"
)

var (
	bookingDay = types.Date{Year: 2026, Month: time.March, Day: 2}
	hours      = OperatingHours{Open: 8 * 60, Close: 17 * 60}
)

func hm(h, m int) types.TimeOfDay { return types.TimeOfDay(h*60 + m) }

func dur(d time.Duration) *time.Duration { return &d }

func tod(t types.TimeOfDay) *types.TimeOfDay { return &t }

func TestCheckAvailabilityHalfOpen(t *testing.T) {
	stalls := []Stall{{ID: "A", Code: "A", Active: true}}
	existing := []Reservation{{ID: "r1", StallID: "A", Date: bookingDay, Start: hm(10, 0), End: hm(11, 0), State: StateConfirmed}}

	cases := []struct {
		name      string
		start     types.TimeOfDay
		end       types.TimeOfDay
		available bool
	}{
		{name: "abutting after", start: hm(11, 0), end: hm(12, 0), available: true},
		{name: "abutting before", start: hm(9, 0), end: hm(10, 0), available: true},
		{name: "overlapping tail", start: hm(10, 30), end: hm(11, 30), available: false},
		{name: "inside", start: hm(10, 15), end: hm(10, 45), available: false},
		{name: "covering", start: hm(9, 0), end: hm(12, 0), available: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CheckAvailability(stalls, Window{Date: bookingDay, Start: tc.start, End: tc.end}, existing)
			if len(got) != 1 {
				t.Fatalf("stalls = %d", len(got))
			}
			a := got[0]
			if a.IsAvailable != tc.available {
				t.Fatalf("available = %v, want %v", a.IsAvailable, tc.available)
			}
			if len(a.BookedSlots) != 1 {
				t.Fatalf("booked slots = %+v", a.BookedSlots)
			}
			if !tc.available && (len(a.Conflicts) != 1 || a.Conflicts[0].ReservationID != "r1") {
				t.Fatalf("conflicts = %+v", a.Conflicts)
			}
			if tc.available && len(a.Conflicts) != 0 {
				t.Fatalf("unexpected conflicts: %+v", a.Conflicts)
			}
		})
	}
}

func TestCheckAvailabilityKeepsBusyStallsInOrder(t *testing.T) {
	stalls := []Stall{
		{ID: "c", Sequence: 2, Active: true},
		{ID: "b", Sequence: 1, Active: true},
		{ID: "a", Sequence: 2, Active: true},
	}
	existing := []Reservation{
		{ID: "r1", StallID: "b", Date: bookingDay, Start: hm(9, 0), End: hm(12, 0), State: StateDraft},
		{ID: "r2", StallID: "a", Date: bookingDay, Start: hm(9, 0), End: hm(12, 0), State: StateCancelled},
		{ID: "r3", StallID: "c", Date: bookingDay.AddDays(1), Start: hm(9, 0), End: hm(12, 0), State: StateConfirmed},
	}
	got := CheckAvailability(stalls, Window{Date: bookingDay, Start: hm(10, 0), End: hm(11, 0)}, existing)

	wantOrder := []types.ID{"b", "a", "c"}
	wantAvail := []bool{false, true, true}
	for i, a := range got {
		if a.StallID != wantOrder[i] || a.IsAvailable != wantAvail[i] {
			t.Fatalf("position %d = %s/%v, want %s/%v", i, a.StallID, a.IsAvailable, wantOrder[i], wantAvail[i])
		}
	}
	if len(got[1].BookedSlots) != 0 || len(got[2].BookedSlots) != 0 {
		t.Fatal("cancelled or other-day reservations must not show as booked")
	}
}

func TestWindowResolve(t *testing.T) {
	cases := []struct {
		name    string
		req     WindowRequest
		want    Window
		wantErr bool
	}{
		{name: "duration", req: WindowRequest{Date: bookingDay, Start: hm(9, 0), Duration: dur(90 * time.Minute)}, want: Window{Date: bookingDay, Start: hm(9, 0), End: hm(10, 30)}},
		{name: "end", req: WindowRequest{Date: bookingDay, Start: hm(9, 0), End: tod(hm(17, 0))}, want: Window{Date: bookingDay, Start: hm(9, 0), End: hm(17, 0)}},
		{name: "both", req: WindowRequest{Date: bookingDay, Start: hm(9, 0), Duration: dur(time.Hour), End: tod(hm(10, 0))}, wantErr: true},
		{name: "neither", req: WindowRequest{Date: bookingDay, Start: hm(9, 0)}, wantErr: true},
		{name: "zero duration", req: WindowRequest{Date: bookingDay, Start: hm(9, 0), Duration: dur(0)}, wantErr: true},
		{name: "negative duration", req: WindowRequest{Date: bookingDay, Start: hm(9, 0), Duration: dur(-time.Hour)}, wantErr: true},
		{name: "end before start", req: WindowRequest{Date: bookingDay, Start: hm(9, 0), End: tod(hm(8, 30))}, wantErr: true},
		{name: "before opening", req: WindowRequest{Date: bookingDay, Start: hm(7, 30), Duration: dur(time.Hour)}, wantErr: true},
		{name: "past closing", req: WindowRequest{Date: bookingDay, Start: hm(16, 30), Duration: dur(time.Hour)}, wantErr: true},
		{name: "missing date", req: WindowRequest{Start: hm(9, 0), Duration: dur(time.Hour)}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.req.Resolve(hours)
			if tc.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("err = %v, want validation error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("window = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestReservationTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateDraft, StateConfirmed, true},
		{StateDraft, StateCancelled, true},
		{StateDraft, StateConverted, false},
		{StateConfirmed, StateConverted, true},
		{StateConfirmed, StateCancelled, true},
		{StateConfirmed, StateDraft, false},
		{StateCancelled, StateDraft, true},
		{StateCancelled, StateConfirmed, false},
		{StateConverted, StateCancelled, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}
