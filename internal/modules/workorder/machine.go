// README: Job-stop state machine; every transition mutates the phase ledger in place.
package workorder

import (
	"fmt"
	"time"
)

// StartService opens an active event. From not_started it starts at `at`;
// a resume is only legal once the job stop has been closed and never
// starts before that stop's end.
func (o *WorkOrder) StartService(at time.Time) error {
	if o.Stage == StageNotStarted {
		if len(o.Events) != 0 {
			return fmt.Errorf("%w: not started order already has events", ErrCorruptLedger)
		}
		o.appendEvent(PhaseEvent{Type: PhaseActive, StartedAt: at, RecordedAt: at})
		o.Stage = StageActive
		return nil
	}

	stop, ok := o.Stage.stop()
	if !ok {
		return fmt.Errorf("%w: cannot start service while %s", ErrInvalidTransition, o.Stage)
	}
	if o.OpenEvent() >= 0 {
		return fmt.Errorf("%w: %s must be ended before service resumes", ErrInvalidTransition, stop)
	}
	if len(o.Events) == 0 {
		return fmt.Errorf("%w: %s stage without events", ErrCorruptLedger, o.Stage)
	}
	last := o.Events[len(o.Events)-1]
	start, clamped := clampAfter(at, *last.EndedAt)
	o.appendEvent(PhaseEvent{Type: PhaseActive, StartedAt: start, RecordedAt: at, Clamped: clamped})
	o.Stage = StageActive
	return nil
}

// BeginStop closes the active event at `at` and opens the job stop.
func (o *WorkOrder) BeginStop(stop PhaseType, at time.Time, note string) error {
	if !stop.IsStop() {
		return fmt.Errorf("%w: unknown job stop %q", ErrValidation, stop)
	}
	if o.Stage.IsTerminal() {
		return fmt.Errorf("%w: order is %s", ErrInvalidTransition, o.Stage)
	}
	idx := o.OpenEvent()
	if idx >= 0 && o.Events[idx].Type.IsStop() {
		return fmt.Errorf("%w: %s is open", ErrStopAlreadyOpen, o.Events[idx].Type)
	}
	if o.Stage != StageActive {
		return fmt.Errorf("%w: cannot begin %s while %s", ErrInvalidTransition, stop, o.Stage)
	}
	if idx < 0 {
		return fmt.Errorf("%w: active stage without an open active event", ErrCorruptLedger)
	}

	end := o.closeEvent(idx, at, "")
	o.appendEvent(PhaseEvent{Type: stop, StartedAt: end, RecordedAt: at, Note: note})
	o.Stage = StopStage(stop)
	return nil
}

// EndStop closes the open job stop. Service stays paused until StartService.
func (o *WorkOrder) EndStop(stop PhaseType, at time.Time, note string) error {
	if !stop.IsStop() {
		return fmt.Errorf("%w: unknown job stop %q", ErrValidation, stop)
	}
	idx := o.OpenEvent()
	if idx < 0 || o.Events[idx].Type != stop || o.Stage != StopStage(stop) {
		return fmt.Errorf("%w: %s is not the open phase", ErrInvalidTransition, stop)
	}
	o.closeEvent(idx, at, note)
	return nil
}

// Complete closes the active event and stamps CompletedAt once.
func (o *WorkOrder) Complete(at time.Time) error {
	if o.Stage.IsTerminal() {
		return fmt.Errorf("%w: order is %s", ErrInvalidTransition, o.Stage)
	}
	idx := o.OpenEvent()
	if idx >= 0 && o.Events[idx].Type.IsStop() {
		return fmt.Errorf("%w: %s is open", ErrOpenStopPending, o.Events[idx].Type)
	}
	if o.Stage != StageActive || idx < 0 {
		return fmt.Errorf("%w: cannot complete while %s", ErrInvalidTransition, o.Stage)
	}
	end := o.closeEvent(idx, at, "")
	o.CompletedAt = &end
	o.Stage = StageCompleted
	return nil
}

// Cancel is legal from any non-terminal stage. Open phases stay open and
// are measured up to CancelledAt.
func (o *WorkOrder) Cancel(at time.Time) error {
	if o.Stage.IsTerminal() {
		return fmt.Errorf("%w: order is %s", ErrInvalidTransition, o.Stage)
	}
	o.CancelledAt = &at
	o.Stage = StageCancelled
	return nil
}

func (o *WorkOrder) appendEvent(e PhaseEvent) {
	e.Seq = len(o.Events)
	o.Events = append(o.Events, e)
}

// closeEvent ends event idx at `at`, never before its start.
func (o *WorkOrder) closeEvent(idx int, at time.Time, note string) time.Time {
	e := &o.Events[idx]
	end, clamped := clampAfter(at, e.StartedAt)
	e.EndedAt = &end
	e.EndNote = note
	e.Clamped = e.Clamped || clamped
	return end
}

func clampAfter(at, floor time.Time) (time.Time, bool) {
	if at.Before(floor) {
		return floor, true
	}
	return at, false
}

// Warnings lists events whose supplied timestamps had to be clamped.
func (o *WorkOrder) Warnings() []string {
	var out []string
	for _, e := range o.Events {
		if e.Clamped {
			out = append(out, fmt.Sprintf("%s event #%d: out-of-order timestamp clamped to the previous boundary", e.Type, e.Seq))
		}
	}
	return out
}
