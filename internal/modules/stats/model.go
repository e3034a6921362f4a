// README: Statistics query, report shapes and presentation rounding.
package stats

import (
	"errors"
	"fmt"
	"math"

	"workshop/internal/modules/booking"
	"workshop/internal/modules/workorder"
	"workshop/internal/types"
)

var ErrValidation = errors.New("validation error")

// MaxRangeDays bounds one statistics query.
const MaxRangeDays = 366

type GroupBy string

const (
	GroupByDay      GroupBy = "day"
	GroupByHour     GroupBy = "hour"
	GroupByStall    GroupBy = "stall"
	GroupByMechanic GroupBy = "mechanic"
)

func ParseGroupBy(s string) (GroupBy, error) {
	switch g := GroupBy(s); g {
	case "":
		return GroupByDay, nil
	case GroupByDay, GroupByHour, GroupByStall, GroupByMechanic:
		return g, nil
	}
	return "", fmt.Errorf("%w: unknown group_by %q", ErrValidation, s)
}

type Query struct {
	From    types.Date
	To      types.Date
	GroupBy GroupBy
}

func (q Query) Validate() error {
	if q.From.IsZero() || q.To.IsZero() {
		return fmt.Errorf("%w: date_from and date_to are required", ErrValidation)
	}
	if q.To.Before(q.From) {
		return fmt.Errorf("%w: date_to %s before date_from %s", ErrValidation, q.To, q.From)
	}
	if n := types.DaysBetween(q.From, q.To); n > MaxRangeDays {
		return fmt.Errorf("%w: range of %d days exceeds %d", ErrValidation, n, MaxRangeDays)
	}
	if _, err := ParseGroupBy(string(q.GroupBy)); err != nil {
		return err
	}
	return nil
}

// Summary covers the whole range. Hour figures are unrounded until Rounded.
type Summary struct {
	TotalOrders          int                             `json:"total_orders"`
	SkippedOrders        int                             `json:"skipped_orders"`
	ByStage              map[workorder.Stage]int         `json:"by_stage"`
	NotStarted           int                             `json:"not_started"`
	InProgress           int                             `json:"in_progress"`
	Completed            int                             `json:"completed"`
	Cancelled            int                             `json:"cancelled"`
	CompletedInRange     int                             `json:"completed_in_range"`
	AvgTotalElapsedHours float64                         `json:"avg_total_elapsed_hours"`
	AvgNetLeadTimeHours  float64                         `json:"avg_net_lead_time_hours"`
	AvgJobStopHours      float64                         `json:"avg_job_stop_hours"`
	TotalJobStops        int                             `json:"total_job_stops"`
	JobStopHours         map[workorder.PhaseType]float64 `json:"job_stop_hours"`
	MechanicsOnDuty      int                             `json:"mechanics_on_duty"`
	TotalBookings        int                             `json:"total_bookings"`
	BookingsByState      map[booking.State]int           `json:"bookings_by_state"`
	BookingsByStall      map[types.ID]int                `json:"bookings_by_stall"`
	UtilizationPercent   float64                         `json:"utilization_percent"`
	PeakHour             *int                            `json:"peak_hour"`
}

// TrendPoint is one bucket of the trend; which fields are set depends on GroupBy.
type TrendPoint struct {
	Date                *types.Date `json:"date,omitempty"`
	Hour                *int        `json:"hour,omitempty"`
	ResourceID          types.ID    `json:"resource_id,omitempty"`
	Name                string      `json:"name,omitempty"`
	OrdersStarted       int         `json:"orders_started"`
	OrdersCompleted     int         `json:"orders_completed"`
	ActiveHours         float64     `json:"active_hours"`
	JobStopHours        float64     `json:"job_stop_hours"`
	AvgNetLeadTimeHours float64     `json:"avg_net_lead_time_hours"`
	Bookings            int         `json:"bookings"`
	UtilizedHours       float64     `json:"utilized_hours"`
	UtilizationPercent  float64     `json:"utilization_percent"`
	PeakHour            *int        `json:"peak_hour,omitempty"`
}

type Report struct {
	From    types.Date   `json:"date_from"`
	To      types.Date   `json:"date_to"`
	GroupBy GroupBy      `json:"group_by"`
	Summary Summary      `json:"summary"`
	Trend   []TrendPoint `json:"trend"`
}

// Rounded returns a copy with every hour and percentage rounded to 2 decimals.
func (r Report) Rounded() Report {
	out := r
	s := r.Summary
	s.AvgTotalElapsedHours = round2(s.AvgTotalElapsedHours)
	s.AvgNetLeadTimeHours = round2(s.AvgNetLeadTimeHours)
	s.AvgJobStopHours = round2(s.AvgJobStopHours)
	s.UtilizationPercent = round2(s.UtilizationPercent)
	s.JobStopHours = make(map[workorder.PhaseType]float64, len(r.Summary.JobStopHours))
	for k, v := range r.Summary.JobStopHours {
		s.JobStopHours[k] = round2(v)
	}
	out.Summary = s

	out.Trend = make([]TrendPoint, len(r.Trend))
	for i, p := range r.Trend {
		p.ActiveHours = round2(p.ActiveHours)
		p.JobStopHours = round2(p.JobStopHours)
		p.AvgNetLeadTimeHours = round2(p.AvgNetLeadTimeHours)
		p.UtilizedHours = round2(p.UtilizedHours)
		p.UtilizationPercent = round2(p.UtilizationPercent)
		out.Trend[i] = p
	}
	return out
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
