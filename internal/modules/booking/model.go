// README: Stall roster and reservation aggregate with its state flow.
package booking

import (
	"time"

	"workshop/internal/types"
)

type Stall struct {
	ID        types.ID   `json:"id"`
	Code      string     `json:"code"`
	Name      string     `json:"name"`
	Sequence  int        `json:"sequence"`
	Active    bool       `json:"active"`
	Mechanics []Mechanic `json:"mechanics,omitempty"`
}

type Mechanic struct {
	ID      types.ID  `json:"id"`
	Name    string    `json:"name"`
	StallID *types.ID `json:"stall_id,omitempty"`
	Active  bool      `json:"active"`
}

// Roster is the set of stalls (with their mechanics attached) and every known mechanic.
type Roster struct {
	Stalls    []Stall
	Mechanics []Mechanic
}

type State string

const (
	StateDraft     State = "draft"
	StateConfirmed State = "confirmed"
	StateConverted State = "converted"
	StateCancelled State = "cancelled"
)

// AllowedTransitions represents the reservation flow as code. Converted is terminal.
var AllowedTransitions = map[State][]State{
	StateDraft:     {StateConfirmed, StateCancelled},
	StateConfirmed: {StateConverted, StateCancelled},
	StateCancelled: {StateDraft},
}

func CanTransition(from, to State) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s State) Valid() bool {
	switch s {
	case StateDraft, StateConfirmed, StateConverted, StateCancelled:
		return true
	}
	return false
}

type Reservation struct {
	ID           types.ID        `json:"id"`
	StallID      types.ID        `json:"stall_id"`
	Date         types.Date      `json:"date"`
	Start        types.TimeOfDay `json:"start"`
	End          types.TimeOfDay `json:"end"`
	State        State           `json:"state"`
	CustomerName string          `json:"customer_name"`
	Service      string          `json:"service"`
	MechanicIDs  []types.ID      `json:"mechanic_ids"`
	WorkOrderID  *types.ID       `json:"work_order_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Blocks reports whether the reservation holds its slot.
func (r Reservation) Blocks() bool { return r.State != StateCancelled }

// Overlaps uses half-open intervals: touching endpoints do not overlap.
func (r Reservation) Overlaps(start, end types.TimeOfDay) bool {
	return start < r.End && r.Start < end
}

func (r Reservation) Duration() time.Duration { return (r.End - r.Start).Duration() }
