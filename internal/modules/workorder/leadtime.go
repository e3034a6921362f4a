// README: Lead-time calculator; pure derivation of durations and progress from the ledger.
package workorder

import (
	"fmt"
	"time"
)

// maxInProgressPercent keeps unfinished orders below 100 even past their estimate.
const maxInProgressPercent = 99.0

var stageLabels = map[Stage]string{
	StageNotStarted:          "Not Started",
	StageActive:              "In Progress",
	StageWaitingPart:         "Waiting for Part",
	StageWaitingConfirmation: "Waiting for Confirmation",
	StageBreak:               "On Break",
	StageWaitingSublet:       "Waiting for Sublet",
	StageOtherStop:           "Other Job Stop",
	StageCompleted:           "Completed",
	StageCancelled:           "Cancelled",
}

const awaitingResumeLabel = "Awaiting Resume"

// DisplayStage is the presentation label for the order's stage.
func DisplayStage(o *WorkOrder) string {
	if _, ok := o.Stage.stop(); ok && o.OpenEvent() < 0 {
		return awaitingResumeLabel
	}
	if l, ok := stageLabels[o.Stage]; ok {
		return l
	}
	return string(o.Stage)
}

// Segment is a span of time attributed to one phase type.
type Segment struct {
	Type  PhaseType
	Start time.Time
	End   time.Time
}

func (s Segment) Duration() time.Duration { return s.End.Sub(s.Start) }

// Horizon is where open phases are measured to: completion, cancellation or now,
// never earlier than the last recorded boundary.
func Horizon(o *WorkOrder, now time.Time) time.Time {
	h := now
	switch {
	case o.CompletedAt != nil:
		h = *o.CompletedAt
	case o.CancelledAt != nil:
		h = *o.CancelledAt
	}
	if n := len(o.Events); n > 0 {
		last := o.Events[n-1]
		b := last.StartedAt
		if last.EndedAt != nil {
			b = *last.EndedAt
		}
		if h.Before(b) {
			h = b
		}
	}
	return h
}

// Segments tiles [first start, horizon). Gaps between events and the tail
// after a closed stop that was never resumed count as active time.
// The ledger must already be valid.
func Segments(o *WorkOrder, now time.Time) []Segment {
	if len(o.Events) == 0 {
		return nil
	}
	h := Horizon(o, now)
	cursor := o.Events[0].StartedAt
	out := make([]Segment, 0, len(o.Events)+1)
	for _, e := range o.Events {
		if e.StartedAt.After(cursor) {
			out = append(out, Segment{Type: PhaseActive, Start: cursor, End: e.StartedAt})
		}
		end := h
		if e.EndedAt != nil {
			end = *e.EndedAt
		}
		out = append(out, Segment{Type: e.Type, Start: e.StartedAt, End: end})
		cursor = end
	}
	if cursor.Before(h) {
		out = append(out, Segment{Type: PhaseActive, Start: cursor, End: h})
	}
	return out
}

// Validate rejects ledgers the calculator cannot measure.
func Validate(o *WorkOrder) error {
	if _, ok := stageLabels[o.Stage]; !ok {
		return fmt.Errorf("%w: unknown stage %q", ErrCorruptLedger, o.Stage)
	}
	if (o.CompletedAt != nil) != (o.Stage == StageCompleted) {
		return fmt.Errorf("%w: completed_at does not match stage %s", ErrCorruptLedger, o.Stage)
	}
	if o.Stage == StageCancelled && o.CancelledAt == nil {
		return fmt.Errorf("%w: cancelled without cancelled_at", ErrCorruptLedger)
	}
	if o.Stage == StageNotStarted {
		if len(o.Events) != 0 {
			return fmt.Errorf("%w: not started order has %d events", ErrCorruptLedger, len(o.Events))
		}
		return nil
	}
	if len(o.Events) == 0 {
		if o.Stage == StageCancelled {
			return nil
		}
		return fmt.Errorf("%w: %s order has no events", ErrCorruptLedger, o.Stage)
	}
	if o.Events[0].Type != PhaseActive {
		return fmt.Errorf("%w: first event is %s, want active", ErrCorruptLedger, o.Events[0].Type)
	}

	last := len(o.Events) - 1
	for i, e := range o.Events {
		if e.Type != PhaseActive && !e.Type.IsStop() {
			return fmt.Errorf("%w: event %d has unknown type %q", ErrCorruptLedger, i, e.Type)
		}
		if e.EndedAt == nil && i != last {
			return fmt.Errorf("%w: event %d (%s) is open but not last", ErrCorruptLedger, i, e.Type)
		}
		if e.EndedAt != nil && e.EndedAt.Before(e.StartedAt) {
			return fmt.Errorf("%w: event %d (%s) has negative duration", ErrCorruptLedger, i, e.Type)
		}
		if i > 0 && e.StartedAt.Before(*o.Events[i-1].EndedAt) {
			return fmt.Errorf("%w: event %d starts before event %d ends", ErrCorruptLedger, i, i-1)
		}
	}

	tail := o.Events[last]
	switch o.Stage {
	case StageActive:
		if tail.Type != PhaseActive || !tail.Open() {
			return fmt.Errorf("%w: active stage without an open active event", ErrCorruptLedger)
		}
	case StageCompleted:
		if tail.Type != PhaseActive || tail.Open() {
			return fmt.Errorf("%w: completed order must end with a closed active event", ErrCorruptLedger)
		}
	case StageCancelled:
	default:
		if stop, _ := o.Stage.stop(); tail.Type != stop {
			return fmt.Errorf("%w: stage %s but last event is %s", ErrCorruptLedger, o.Stage, tail.Type)
		}
	}
	return nil
}

// Calculate derives the lead-time figures at `now`. It does not mutate o.
func Calculate(o *WorkOrder, now time.Time) (Derived, error) {
	if err := Validate(o); err != nil {
		return Derived{}, err
	}
	d := Derived{PerStop: make(map[PhaseType]time.Duration, len(StopTypes))}
	for _, s := range StopTypes {
		d.PerStop[s] = 0
	}
	first, ok := o.FirstStart()
	if !ok {
		return d, nil
	}

	d.TotalElapsed = Horizon(o, now).Sub(first)
	for _, seg := range Segments(o, now) {
		if seg.Type == PhaseActive {
			d.NetLeadTime += seg.Duration()
			continue
		}
		d.PerStop[seg.Type] += seg.Duration()
	}
	d.ProgressPercent = progress(o, d.NetLeadTime)
	return d, nil
}

func progress(o *WorkOrder, net time.Duration) float64 {
	switch o.Stage {
	case StageNotStarted:
		return 0
	case StageCompleted:
		return 100
	}
	if o.Estimate <= 0 {
		return 0
	}
	p := float64(net) / float64(o.Estimate) * 100
	if p > maxInProgressPercent {
		return maxInProgressPercent
	}
	return p
}

// TotalStops sums every job-stop duration.
func (d Derived) TotalStops() time.Duration {
	var sum time.Duration
	for _, v := range d.PerStop {
		sum += v
	}
	return sum
}

// Recompute overwrites the cached derived fields. Calling it twice at the
// same `now` yields identical output.
func Recompute(o *WorkOrder, now time.Time) error {
	d, err := Calculate(o, now)
	if err != nil {
		return err
	}
	at := now
	d.ComputedAt = &at
	o.Derived = d
	return nil
}

// BuildSnapshot derives the caller-facing view of o at `now`.
func BuildSnapshot(o *WorkOrder, now time.Time) (Snapshot, error) {
	d, err := Calculate(o, now)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		ID:              o.ID,
		CurrentStage:    o.Stage,
		DisplayStage:    DisplayStage(o),
		TotalElapsed:    d.TotalElapsed,
		NetLeadTime:     d.NetLeadTime,
		PerStopDuration: d.PerStop,
		ProgressPercent: d.ProgressPercent,
		Warnings:        o.Warnings(),
		Order:           o,
	}, nil
}
