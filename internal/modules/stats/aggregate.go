// README: Pure aggregation of work order ledgers and reservations into day, hour and resource buckets.
package stats

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"workshop/internal/modules/booking"
	"workshop/internal/modules/workorder"
	"workshop/internal/types"
)

// Input is everything one report is built from.
type Input struct {
	Query        Query
	Location     *time.Location
	Hours        booking.OperatingHours
	Now          time.Time
	Orders       []*workorder.WorkOrder
	Reservations []booking.Reservation
	Roster       booking.Roster
}

// hourBucket is one slice of the operating window, [Start, End) minutes of the day.
type hourBucket struct {
	Hour       int
	Start, End types.TimeOfDay
}

func hourBuckets(h booking.OperatingHours) []hourBucket {
	var out []hourBucket
	for start := h.Open; start < h.Close; {
		hour := int(start) / 60
		end := min(types.TimeOfDay((hour+1)*60), h.Close)
		out = append(out, hourBucket{Hour: hour, Start: start, End: end})
		start = end
	}
	return out
}

// overlap is the length of [a0, a1) ∩ [b0, b1).
func overlap(a0, a1, b0, b1 time.Time) time.Duration {
	start, end := a0, a1
	if b0.After(start) {
		start = b0
	}
	if b1.Before(end) {
		end = b1
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}

// resource accumulates one stall's or mechanic's figures.
type resource struct {
	id        types.ID
	name      string
	bookings  int
	completed int
	utilized  time.Duration
	hourly    []time.Duration
}

type dayAcc struct {
	date       types.Date
	start, end time.Time
	started    int
	completed  int
	netSum     time.Duration
	active     time.Duration
	stop       time.Duration
	bookings   int
	utilized   time.Duration
	hourActive []time.Duration
	hourStop   []time.Duration
	hourStart  []int
}

type aggregator struct {
	in         Input
	buckets    []hourBucket
	days       []*dayAcc
	stalls     map[types.ID]*resource
	stallIDs   []types.ID
	mechanics  map[types.ID]*resource
	mechIDs    []types.ID
	hourly     []time.Duration
	summary    Summary
	elapsed    time.Duration
	net        time.Duration
	stops      time.Duration
	stopByType map[workorder.PhaseType]time.Duration
	onDuty     map[types.ID]struct{}
}

// Aggregate builds the report. Orders whose ledger cannot be measured are
// skipped and counted. Figures are unrounded; call Report.Rounded to present.
func Aggregate(in Input) (Report, error) {
	if err := in.Query.Validate(); err != nil {
		return Report{}, err
	}
	if in.Location == nil {
		in.Location = time.UTC
	}
	g, _ := ParseGroupBy(string(in.Query.GroupBy))
	in.Query.GroupBy = g

	a := newAggregator(in)
	for _, o := range in.Orders {
		a.addOrder(o)
	}
	for _, r := range in.Reservations {
		a.addReservation(r)
	}
	return Report{
		From:    in.Query.From,
		To:      in.Query.To,
		GroupBy: g,
		Summary: a.finishSummary(),
		Trend:   a.trend(),
	}, nil
}

func newAggregator(in Input) *aggregator {
	a := &aggregator{
		in:         in,
		buckets:    hourBuckets(in.Hours),
		stalls:     make(map[types.ID]*resource),
		mechanics:  make(map[types.ID]*resource),
		stopByType: make(map[workorder.PhaseType]time.Duration),
		onDuty:     make(map[types.ID]struct{}),
		summary: Summary{
			ByStage:         make(map[workorder.Stage]int),
			JobStopHours:    make(map[workorder.PhaseType]float64),
			BookingsByState: make(map[booking.State]int),
			BookingsByStall: make(map[types.ID]int),
		},
	}
	a.hourly = make([]time.Duration, len(a.buckets))
	for d := in.Query.From; !d.After(in.Query.To); d = d.AddDays(1) {
		a.days = append(a.days, &dayAcc{
			date:       d,
			start:      d.Start(in.Location),
			end:        d.AddDays(1).Start(in.Location),
			hourActive: make([]time.Duration, len(a.buckets)),
			hourStop:   make([]time.Duration, len(a.buckets)),
			hourStart:  make([]int, len(a.buckets)),
		})
	}
	for _, st := range in.Roster.Stalls {
		a.stall(st.ID).name = st.Name
	}
	for _, m := range in.Roster.Mechanics {
		a.mechanic(m.ID).name = m.Name
	}
	return a
}

func (a *aggregator) stall(id types.ID) *resource {
	r, ok := a.stalls[id]
	if !ok {
		r = &resource{id: id, name: string(id), hourly: make([]time.Duration, len(a.buckets))}
		a.stalls[id] = r
		a.stallIDs = append(a.stallIDs, id)
	}
	return r
}

func (a *aggregator) mechanic(id types.ID) *resource {
	r, ok := a.mechanics[id]
	if !ok {
		r = &resource{id: id, name: string(id), hourly: make([]time.Duration, len(a.buckets))}
		a.mechanics[id] = r
		a.mechIDs = append(a.mechIDs, id)
	}
	return r
}

func (a *aggregator) rangeStart() time.Time { return a.days[0].start }
func (a *aggregator) rangeEnd() time.Time   { return a.days[len(a.days)-1].end }

func (a *aggregator) inRange(t time.Time) bool {
	return !t.Before(a.rangeStart()) && t.Before(a.rangeEnd())
}

func (a *aggregator) addOrder(o *workorder.WorkOrder) {
	d, err := workorder.Calculate(o, a.in.Now)
	if err != nil {
		log.Warn().Err(err).Str("order_id", string(o.ID)).Msg("statistics skip order")
		a.summary.SkippedOrders++
		return
	}
	s := &a.summary
	s.TotalOrders++
	s.ByStage[o.Stage]++
	switch {
	case o.Stage == workorder.StageNotStarted:
		s.NotStarted++
	case o.Stage == workorder.StageCompleted:
		s.Completed++
	case o.Stage == workorder.StageCancelled:
		s.Cancelled++
	default:
		s.InProgress++
		for _, m := range o.MechanicIDs {
			a.onDuty[m] = struct{}{}
		}
	}

	var stall *resource
	if o.StallID != nil {
		stall = a.stall(*o.StallID)
	}
	mechanics := make([]*resource, 0, len(o.MechanicIDs))
	for _, m := range o.MechanicIDs {
		mechanics = append(mechanics, a.mechanic(m))
	}

	if o.CompletedAt != nil && a.inRange(*o.CompletedAt) {
		s.CompletedInRange++
		a.elapsed += d.TotalElapsed
		a.net += d.NetLeadTime
		a.stops += d.TotalStops()
		if day := a.dayOf(*o.CompletedAt); day != nil {
			day.completed++
			day.netSum += d.NetLeadTime
		}
		if stall != nil {
			stall.completed++
		}
		for _, m := range mechanics {
			m.completed++
		}
	}
	if first, ok := o.FirstStart(); ok {
		if day := a.dayOf(first); day != nil {
			day.started++
			for i, b := range a.buckets {
				if !first.Before(day.date.At(b.Start, a.in.Location)) && first.Before(day.date.At(b.End, a.in.Location)) {
					day.hourStart[i]++
				}
			}
		}
	}
	for _, e := range o.Events {
		if e.Type.IsStop() && a.inRange(e.StartedAt) {
			s.TotalJobStops++
		}
	}

	for _, seg := range workorder.Segments(o, a.in.Now) {
		active := seg.Type == workorder.PhaseActive
		for _, day := range a.days {
			ov := overlap(seg.Start, seg.End, day.start, day.end)
			if ov == 0 {
				continue
			}
			if !active {
				day.stop += ov
				a.stopByType[seg.Type] += ov
			} else {
				day.active += ov
			}
			for i, b := range a.buckets {
				hov := overlap(seg.Start, seg.End, day.date.At(b.Start, a.in.Location), day.date.At(b.End, a.in.Location))
				if hov == 0 {
					continue
				}
				if !active {
					day.hourStop[i] += hov
					continue
				}
				day.hourActive[i] += hov
				a.hourly[i] += hov
				if stall != nil {
					day.utilized += hov
					stall.utilized += hov
					stall.hourly[i] += hov
				}
				for _, m := range mechanics {
					m.utilized += hov
					m.hourly[i] += hov
				}
			}
		}
	}
}

func (a *aggregator) addReservation(r booking.Reservation) {
	if r.Date.Before(a.in.Query.From) || r.Date.After(a.in.Query.To) {
		return
	}
	s := &a.summary
	s.TotalBookings++
	s.BookingsByState[r.State]++
	if !r.Blocks() {
		return
	}
	s.BookingsByStall[r.StallID]++
	a.stall(r.StallID).bookings++
	for _, m := range r.MechanicIDs {
		a.mechanic(m).bookings++
	}
	if day := a.dayOf(r.Date.Start(a.in.Location)); day != nil {
		day.bookings++
	}
}

func (a *aggregator) dayOf(t time.Time) *dayAcc {
	for _, d := range a.days {
		if !t.Before(d.start) && t.Before(d.end) {
			return d
		}
	}
	return nil
}

// capacity is the operating time of n resources over the whole range.
func (a *aggregator) capacity(n int) time.Duration {
	return time.Duration(n*len(a.days)) * (a.in.Hours.Close - a.in.Hours.Open).Duration()
}

func (a *aggregator) activeStalls() int {
	n := 0
	for _, st := range a.in.Roster.Stalls {
		if st.Active {
			n++
		}
	}
	return n
}

func (a *aggregator) finishSummary() Summary {
	s := a.summary
	if n := s.CompletedInRange; n > 0 {
		s.AvgTotalElapsedHours = a.elapsed.Hours() / float64(n)
		s.AvgNetLeadTimeHours = a.net.Hours() / float64(n)
		s.AvgJobStopHours = a.stops.Hours() / float64(n)
	}
	for k, v := range a.stopByType {
		s.JobStopHours[k] = v.Hours()
	}
	s.MechanicsOnDuty = len(a.onDuty)
	var utilized time.Duration
	for _, r := range a.stalls {
		utilized += r.utilized
	}
	s.UtilizationPercent = utilization(utilized, a.capacity(a.activeStalls()))
	s.PeakHour = a.peak(a.hourly)
	return s
}

func (a *aggregator) trend() []TrendPoint {
	switch a.in.Query.GroupBy {
	case GroupByHour:
		return a.hourTrend()
	case GroupByStall:
		return a.resourceTrend(a.stalls, a.stallOrder())
	case GroupByMechanic:
		ids := append([]types.ID(nil), a.mechIDs...)
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		return a.resourceTrend(a.mechanics, ids)
	default:
		return a.dayTrend()
	}
}

func (a *aggregator) dayTrend() []TrendPoint {
	perDay := (a.in.Hours.Close - a.in.Hours.Open).Duration() * time.Duration(a.activeStalls())
	out := make([]TrendPoint, 0, len(a.days))
	for _, d := range a.days {
		date := d.date
		p := TrendPoint{
			Date:               &date,
			OrdersStarted:      d.started,
			OrdersCompleted:    d.completed,
			ActiveHours:        d.active.Hours(),
			JobStopHours:       d.stop.Hours(),
			Bookings:           d.bookings,
			UtilizedHours:      d.utilized.Hours(),
			UtilizationPercent: utilization(d.utilized, perDay),
			PeakHour:           a.peak(d.hourActive),
		}
		if d.completed > 0 {
			p.AvgNetLeadTimeHours = d.netSum.Hours() / float64(d.completed)
		}
		out = append(out, p)
	}
	return out
}

func (a *aggregator) hourTrend() []TrendPoint {
	out := make([]TrendPoint, 0, len(a.days)*len(a.buckets))
	for _, d := range a.days {
		for i, b := range a.buckets {
			date, hour := d.date, b.Hour
			out = append(out, TrendPoint{
				Date:          &date,
				Hour:          &hour,
				OrdersStarted: d.hourStart[i],
				ActiveHours:   d.hourActive[i].Hours(),
				JobStopHours:  d.hourStop[i].Hours(),
			})
		}
	}
	return out
}

// stallOrder lists roster stalls in roster order, then stalls only seen in data by id.
func (a *aggregator) stallOrder() []types.ID {
	ids := make([]types.ID, 0, len(a.stallIDs))
	known := make(map[types.ID]bool, len(a.in.Roster.Stalls))
	for _, st := range a.in.Roster.Stalls {
		ids = append(ids, st.ID)
		known[st.ID] = true
	}
	var extra []types.ID
	for _, id := range a.stallIDs {
		if !known[id] {
			extra = append(extra, id)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(ids, extra...)
}

func (a *aggregator) resourceTrend(res map[types.ID]*resource, order []types.ID) []TrendPoint {
	capacity := a.capacity(1)
	out := make([]TrendPoint, 0, len(order))
	for _, id := range order {
		r := res[id]
		out = append(out, TrendPoint{
			ResourceID:         r.id,
			Name:               r.name,
			OrdersCompleted:    r.completed,
			ActiveHours:        r.utilized.Hours(),
			Bookings:           r.bookings,
			UtilizedHours:      r.utilized.Hours(),
			UtilizationPercent: utilization(r.utilized, capacity),
			PeakHour:           a.peak(r.hourly),
		})
	}
	return out
}

// peak returns the clock hour with the most accumulated time, earliest on
// ties, or nil when nothing accumulated.
func (a *aggregator) peak(hourly []time.Duration) *int {
	best := -1
	for i, v := range hourly {
		if v > 0 && (best < 0 || v > hourly[best]) {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	h := a.buckets[best].Hour
	return &h
}

// utilization is a percentage of capacity, capped at 100.
func utilization(used, capacity time.Duration) float64 {
	if capacity <= 0 {
		return 0
	}
	return min(100, float64(used)/float64(capacity)*100)
}
