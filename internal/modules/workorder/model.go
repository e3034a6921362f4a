// README: Work order aggregate, phase ledger and stage definitions.
package workorder

import (
	"time"

	"workshop/internal/types"
)

type Stage string

const (
	StageNotStarted          Stage = "not_started"
	StageActive              Stage = "active"
	StageWaitingPart         Stage = "waiting_part"
	StageWaitingConfirmation Stage = "waiting_confirmation"
	StageBreak               Stage = "break"
	StageWaitingSublet       Stage = "waiting_sublet"
	StageOtherStop           Stage = "other_stop"
	StageCompleted           Stage = "completed"
	StageCancelled           Stage = "cancelled"
)

// PhaseType labels a ledger event: PhaseActive or one of the job stops.
type PhaseType string

const (
	PhaseActive              PhaseType = "active"
	PhaseWaitingPart         PhaseType = "waiting_part"
	PhaseWaitingConfirmation PhaseType = "waiting_confirmation"
	PhaseBreak               PhaseType = "break"
	PhaseWaitingSublet       PhaseType = "waiting_sublet"
	PhaseOtherStop           PhaseType = "other_stop"
)

// StopTypes lists every job stop in display order.
var StopTypes = []PhaseType{
	PhaseWaitingPart,
	PhaseWaitingConfirmation,
	PhaseBreak,
	PhaseWaitingSublet,
	PhaseOtherStop,
}

// Stages lists every stage in lifecycle order.
var Stages = []Stage{
	StageNotStarted,
	StageActive,
	StageWaitingPart,
	StageWaitingConfirmation,
	StageBreak,
	StageWaitingSublet,
	StageOtherStop,
	StageCompleted,
	StageCancelled,
}

func (p PhaseType) IsStop() bool {
	for _, s := range StopTypes {
		if p == s {
			return true
		}
	}
	return false
}

func ParseStopType(s string) (PhaseType, bool) {
	p := PhaseType(s)
	return p, p.IsStop()
}

func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageCancelled
}

// StopStage maps a job stop to the stage an order sits in during it.
func StopStage(p PhaseType) Stage { return Stage(p) }

func (s Stage) stop() (PhaseType, bool) {
	p := PhaseType(s)
	return p, p.IsStop()
}

// PhaseEvent is one span of the ledger. Only the last event may be open.
type PhaseEvent struct {
	Seq        int        `json:"seq"`
	Type       PhaseType  `json:"type"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	RecordedAt time.Time  `json:"recorded_at"`
	Note       string     `json:"note,omitempty"`
	EndNote    string     `json:"end_note,omitempty"`
	Clamped    bool       `json:"clamped,omitempty"`
}

func (e PhaseEvent) Open() bool { return e.EndedAt == nil }

// StallAssignment is one stretch of an order on a stall. Only the last may be open.
type StallAssignment struct {
	Seq       int        `json:"seq"`
	StallID   types.ID   `json:"stall_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Derived holds the cached output of the lead-time calculator.
type Derived struct {
	TotalElapsed    time.Duration               `json:"total_elapsed"`
	NetLeadTime     time.Duration               `json:"net_lead_time"`
	PerStop         map[PhaseType]time.Duration `json:"per_stop"`
	ProgressPercent float64                     `json:"progress_percent"`
	ComputedAt      *time.Time                  `json:"computed_at,omitempty"`
}

type WorkOrder struct {
	ID          types.ID      `json:"id"`
	Stage       Stage         `json:"stage"`
	Version     int           `json:"version"`
	StallID     *types.ID     `json:"stall_id,omitempty"`
	MechanicIDs []types.ID    `json:"mechanic_ids,omitempty"`
	Estimate    time.Duration `json:"estimate"`
	Notes       string        `json:"notes,omitempty"`
	Events      []PhaseEvent  `json:"events"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	CancelledAt *time.Time    `json:"cancelled_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Derived     Derived       `json:"derived"`

	StallHistory []StallAssignment `json:"stall_history,omitempty"`
}

// OpenEvent returns the index of the open event, or -1.
func (o *WorkOrder) OpenEvent() int {
	if n := len(o.Events); n > 0 && o.Events[n-1].Open() {
		return n - 1
	}
	return -1
}

// InProgress reports whether work has started and the order is not yet closed.
func (o *WorkOrder) InProgress() bool {
	return len(o.Events) > 0 && !o.Stage.IsTerminal()
}

// OpenStop returns the job stop the order is currently in.
func (o *WorkOrder) OpenStop() (PhaseType, bool) {
	if i := o.OpenEvent(); i >= 0 && o.Events[i].Type.IsStop() {
		return o.Events[i].Type, true
	}
	return "", false
}

// AssignStall closes the open stall assignment at at and opens one on stall.
// Moving to the stall the order already holds changes nothing.
func (o *WorkOrder) AssignStall(stall types.ID, at time.Time, reason string) bool {
	if o.StallID != nil && *o.StallID == stall {
		return false
	}
	if n := len(o.StallHistory); n > 0 && o.StallHistory[n-1].EndedAt == nil {
		end := at
		o.StallHistory[n-1].EndedAt = &end
	}
	o.StallHistory = append(o.StallHistory, StallAssignment{
		Seq:       len(o.StallHistory),
		StallID:   stall,
		StartedAt: at,
		Reason:    reason,
	})
	id := stall
	o.StallID = &id
	return true
}

// FirstStart is the start of the first active event.
func (o *WorkOrder) FirstStart() (time.Time, bool) {
	if len(o.Events) == 0 {
		return time.Time{}, false
	}
	return o.Events[0].StartedAt, true
}

func (o *WorkOrder) Clone() *WorkOrder {
	c := *o
	c.Events = append([]PhaseEvent(nil), o.Events...)
	c.MechanicIDs = append([]types.ID(nil), o.MechanicIDs...)
	c.StallHistory = append([]StallAssignment(nil), o.StallHistory...)
	if o.Derived.PerStop != nil {
		c.Derived.PerStop = make(map[PhaseType]time.Duration, len(o.Derived.PerStop))
		for k, v := range o.Derived.PerStop {
			c.Derived.PerStop[k] = v
		}
	}
	return &c
}

// Snapshot is the caller-facing view returned by every transition.
type Snapshot struct {
	ID              types.ID                    `json:"id"`
	CurrentStage    Stage                       `json:"current_stage"`
	DisplayStage    string                      `json:"display_stage"`
	TotalElapsed    time.Duration               `json:"total_elapsed"`
	NetLeadTime     time.Duration               `json:"net_lead_time"`
	PerStopDuration map[PhaseType]time.Duration `json:"per_stop_duration"`
	ProgressPercent float64                     `json:"progress_percent"`
	Warnings        []string                    `json:"warnings,omitempty"`
	Order           *WorkOrder                  `json:"-"`
}
