// README: Availability check over the stall pool using half-open interval overlap.
package booking

import (
	"fmt"
	"sort"
	"time"

	"workshop/internal/types"
)

// OperatingHours is the daily window reservations must fall into.
type OperatingHours struct {
	Open  types.TimeOfDay
	Close types.TimeOfDay
}

func (h OperatingHours) Hours() float64 { return (h.Close - h.Open).Hours() }

// WindowRequest asks for a slot given either a duration or an explicit end, never both.
type WindowRequest struct {
	Date     types.Date
	Start    types.TimeOfDay
	Duration *time.Duration
	End      *types.TimeOfDay
}

type Window struct {
	Date  types.Date      `json:"date"`
	Start types.TimeOfDay `json:"start"`
	End   types.TimeOfDay `json:"end"`
}

// Resolve validates the request against the operating hours.
func (r WindowRequest) Resolve(hours OperatingHours) (Window, error) {
	if r.Date.IsZero() {
		return Window{}, fmt.Errorf("%w: date is required", ErrValidation)
	}
	var end types.TimeOfDay
	switch {
	case r.Duration != nil && r.End != nil:
		return Window{}, fmt.Errorf("%w: give either duration or end time, not both", ErrValidation)
	case r.Duration != nil:
		if *r.Duration < time.Minute {
			return Window{}, fmt.Errorf("%w: duration must be at least one minute", ErrValidation)
		}
		end = r.Start.Add(*r.Duration)
	case r.End != nil:
		end = *r.End
	default:
		return Window{}, fmt.Errorf("%w: duration or end time is required", ErrValidation)
	}
	if end <= r.Start {
		return Window{}, fmt.Errorf("%w: end %s is not after start %s", ErrValidation, end, r.Start)
	}
	if r.Start < hours.Open || end > hours.Close {
		return Window{}, fmt.Errorf("%w: %s-%s is outside operating hours %s-%s",
			ErrValidation, r.Start, end, hours.Open, hours.Close)
	}
	return Window{Date: r.Date, Start: r.Start, End: end}, nil
}

type Slot struct {
	ReservationID types.ID        `json:"reservation_id"`
	Start         types.TimeOfDay `json:"start"`
	End           types.TimeOfDay `json:"end"`
	State         State           `json:"state"`
	CustomerName  string          `json:"customer_name,omitempty"`
}

type StallAvailability struct {
	StallID     types.ID `json:"stall_id"`
	Code        string   `json:"code"`
	Name        string   `json:"name"`
	IsAvailable bool     `json:"is_available"`
	BookedSlots []Slot   `json:"booked_slots"`
	Conflicts   []Slot   `json:"conflicts"`
}

// CheckAvailability annotates every stall with its booked slots on w.Date and
// whether w fits. Busy stalls are kept; the result is ordered by sequence then id.
func CheckAvailability(stalls []Stall, w Window, reservations []Reservation) []StallAvailability {
	ordered := make([]Stall, len(stalls))
	copy(ordered, stalls)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Sequence != ordered[j].Sequence {
			return ordered[i].Sequence < ordered[j].Sequence
		}
		return ordered[i].ID < ordered[j].ID
	})

	byStall := make(map[types.ID][]Reservation)
	for _, r := range reservations {
		if r.Date != w.Date || !r.Blocks() {
			continue
		}
		byStall[r.StallID] = append(byStall[r.StallID], r)
	}

	out := make([]StallAvailability, 0, len(ordered))
	for _, st := range ordered {
		booked := byStall[st.ID]
		sort.Slice(booked, func(i, j int) bool { return booked[i].Start < booked[j].Start })
		a := StallAvailability{
			StallID:     st.ID,
			Code:        st.Code,
			Name:        st.Name,
			IsAvailable: true,
			BookedSlots: make([]Slot, 0, len(booked)),
			Conflicts:   []Slot{},
		}
		for _, r := range booked {
			slot := Slot{ReservationID: r.ID, Start: r.Start, End: r.End, State: r.State, CustomerName: r.CustomerName}
			a.BookedSlots = append(a.BookedSlots, slot)
			if r.Overlaps(w.Start, w.End) {
				a.IsAvailable = false
				a.Conflicts = append(a.Conflicts, slot)
			}
		}
		out = append(out, a)
	}
	return out
}

// conflicting returns the reservations in sameDay that overlap w, ignoring self.
func conflicting(sameDay []Reservation, w Window, self types.ID) []Reservation {
	var out []Reservation
	for _, r := range sameDay {
		if r.ID == self || r.Date != w.Date || !r.Blocks() {
			continue
		}
		if r.Overlaps(w.Start, w.End) {
			out = append(out, r)
		}
	}
	return out
}
