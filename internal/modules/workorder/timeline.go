// README: Chronological order timeline built from the phase ledger.
package workorder

import (
	"sort"
	"time"

	"workshop/internal/types"
)

type TimelineKind string

const (
	KindServiceStarted   TimelineKind = "service_started"
	KindServiceResumed   TimelineKind = "service_resumed"
	KindStopStarted      TimelineKind = "job_stop_started"
	KindStopEnded        TimelineKind = "job_stop_ended"
	KindServiceCompleted TimelineKind = "service_completed"
	KindCancelled        TimelineKind = "cancelled"
)

type TimelineEntry struct {
	At    time.Time    `json:"at"`
	Kind  TimelineKind `json:"kind"`
	Phase PhaseType    `json:"phase,omitempty"`
	Note  string       `json:"note,omitempty"`
}

type Timeline struct {
	OrderID  types.ID        `json:"order_id"`
	Stage    Stage           `json:"stage"`
	Entries  []TimelineEntry `json:"entries"`
	Derived  Derived         `json:"derived"`
	Warnings []string        `json:"warnings,omitempty"`
}

// BuildTimeline lists every boundary of the ledger in time order.
func BuildTimeline(o *WorkOrder, now time.Time) (Timeline, error) {
	d, err := Calculate(o, now)
	if err != nil {
		return Timeline{}, err
	}
	var entries []TimelineEntry
	for i, e := range o.Events {
		switch {
		case e.Type == PhaseActive && i == 0:
			entries = append(entries, TimelineEntry{At: e.StartedAt, Kind: KindServiceStarted, Phase: e.Type})
		case e.Type == PhaseActive:
			entries = append(entries, TimelineEntry{At: e.StartedAt, Kind: KindServiceResumed, Phase: e.Type})
		default:
			entries = append(entries, TimelineEntry{At: e.StartedAt, Kind: KindStopStarted, Phase: e.Type, Note: e.Note})
			if e.EndedAt != nil {
				entries = append(entries, TimelineEntry{At: *e.EndedAt, Kind: KindStopEnded, Phase: e.Type, Note: e.EndNote})
			}
		}
	}
	if o.CompletedAt != nil {
		entries = append(entries, TimelineEntry{At: *o.CompletedAt, Kind: KindServiceCompleted})
	}
	if o.CancelledAt != nil {
		entries = append(entries, TimelineEntry{At: *o.CancelledAt, Kind: KindCancelled})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].At.Before(entries[j].At) })

	return Timeline{
		OrderID:  o.ID,
		Stage:    o.Stage,
		Entries:  entries,
		Derived:  d,
		Warnings: o.Warnings(),
	}, nil
}
