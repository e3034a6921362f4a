// README: Stall occupancy board; current in-progress order, booked slots and next free time per stall.
package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"workshop/internal/modules/booking"
	"workshop/internal/modules/workorder"
	"workshop/internal/types"
)

type CurrentOrder struct {
	ID              types.ID             `json:"id"`
	Stage           workorder.Stage      `json:"stage"`
	DisplayStage    string               `json:"display_stage"`
	OpenStop        *workorder.PhaseType `json:"open_stop,omitempty"`
	StartedAt       time.Time            `json:"started_at"`
	Estimate        time.Duration        `json:"estimate"`
	NetLeadTime     time.Duration        `json:"net_lead_time"`
	ProgressPercent float64              `json:"progress_percent"`
	MechanicIDs     []types.ID           `json:"mechanic_ids,omitempty"`
}

type StallStatus struct {
	StallID      types.ID              `json:"stall_id"`
	Code         string                `json:"code"`
	Name         string                `json:"name"`
	Occupied     bool                  `json:"occupied"`
	Current      *CurrentOrder         `json:"current_order,omitempty"`
	Reservations []booking.Reservation `json:"reservations"`
	// NextAvailable is nil when nothing is free before closing.
	NextAvailable *types.TimeOfDay `json:"next_available,omitempty"`
}

type StallBoard struct {
	Date          types.Date    `json:"date"`
	Stalls        []StallStatus `json:"stalls"`
	TotalStalls   int           `json:"total_stalls"`
	Occupied      int           `json:"occupied_stalls"`
	OccupancyRate float64       `json:"occupancy_rate"`
}

// StallBoard reports every active stall for date, today when date is zero.
// Occupancy is taken at the service clock; the current order only pushes
// NextAvailable when date is today.
func (s *Service) StallBoard(ctx context.Context, date types.Date) (StallBoard, error) {
	now := s.now().In(s.loc)
	today := types.DateOf(now)
	if date.IsZero() {
		date = today
	}

	var (
		orders       []*workorder.WorkOrder
		reservations []booking.Reservation
		roster       booking.Roster
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		orders, err = s.orders.ListActiveBetween(gctx, today.Start(s.loc), today.AddDays(1).Start(s.loc))
		if err != nil {
			return fmt.Errorf("load work orders: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		reservations, err = s.bookings.ListReservations(gctx, date, date)
		if err != nil {
			return fmt.Errorf("load reservations: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		roster, err = s.bookings.Roster(gctx)
		if err != nil {
			return fmt.Errorf("load roster: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return StallBoard{}, err
	}

	current := currentOrders(orders, now)
	booked := make(map[types.ID][]booking.Reservation)
	for _, r := range reservations {
		if r.Blocks() {
			booked[r.StallID] = append(booked[r.StallID], r)
		}
	}

	board := StallBoard{Date: date, Stalls: []StallStatus{}}
	for _, st := range roster.Stalls {
		if !st.Active {
			continue
		}
		rs := booked[st.ID]
		sort.Slice(rs, func(i, j int) bool { return rs[i].Start < rs[j].Start })
		status := StallStatus{
			StallID:      st.ID,
			Code:         st.Code,
			Name:         st.Name,
			Current:      current[st.ID],
			Reservations: append([]booking.Reservation{}, rs...),
		}
		status.Occupied = status.Current != nil
		if status.Occupied {
			board.Occupied++
		}
		status.NextAvailable = s.nextAvailable(date, today, now, status.Current, rs)
		board.Stalls = append(board.Stalls, status)
	}
	board.TotalStalls = len(board.Stalls)
	if board.TotalStalls > 0 {
		board.OccupancyRate = float64(board.Occupied) / float64(board.TotalStalls) * 100
	}

	log.Debug().
		Str("date", date.String()).
		Int("stalls", board.TotalStalls).
		Int("occupied", board.Occupied).
		Msg("stall board built")
	return board, nil
}

// currentOrders picks, per stall, the in-progress order that started first.
func currentOrders(orders []*workorder.WorkOrder, now time.Time) map[types.ID]*CurrentOrder {
	out := make(map[types.ID]*CurrentOrder)
	for _, o := range orders {
		if o.StallID == nil || !o.InProgress() {
			continue
		}
		started, _ := o.FirstStart()
		if cur, ok := out[*o.StallID]; ok && !started.Before(cur.StartedAt) {
			continue
		}
		c := &CurrentOrder{
			ID:              o.ID,
			Stage:           o.Stage,
			DisplayStage:    workorder.DisplayStage(o),
			StartedAt:       started,
			Estimate:        o.Estimate,
			NetLeadTime:     o.Derived.NetLeadTime,
			ProgressPercent: o.Derived.ProgressPercent,
			MechanicIDs:     o.MechanicIDs,
		}
		if d, err := workorder.Calculate(o, now); err != nil {
			log.Warn().Err(err).Str("order_id", string(o.ID)).Msg("stall board uses stored lead time")
		} else {
			c.NetLeadTime = d.NetLeadTime
			c.ProgressPercent = d.ProgressPercent
		}
		if stop, ok := o.OpenStop(); ok {
			c.OpenStop = &stop
		}
		out[*o.StallID] = c
	}
	return out
}

// nextAvailable walks the day's bookings from the earliest usable minute and
// returns the first one no booking covers.
func (s *Service) nextAvailable(date, today types.Date, now time.Time, cur *CurrentOrder, booked []booking.Reservation) *types.TimeOfDay {
	if date.Before(today) {
		return nil
	}
	cursor := s.hours.Open
	if date == today {
		cursor = max(cursor, clockCeil(now))
		if cur != nil {
			free := expectedFinish(now, cur)
			if types.DateOf(free) != today {
				return nil
			}
			cursor = max(cursor, clockCeil(free))
		}
	}
	for _, r := range booked {
		if r.Start <= cursor && cursor < r.End {
			cursor = r.End
		}
	}
	if cursor >= s.hours.Close {
		return nil
	}
	return &cursor
}

// defaultServiceSpan stands in for the estimate of an order registered without one.
const defaultServiceSpan = 2 * time.Hour

// expectedFinish projects when the current order frees its stall from the
// estimate still left. An overrun order is expected to finish now.
func expectedFinish(now time.Time, cur *CurrentOrder) time.Time {
	estimate := cur.Estimate
	if estimate <= 0 {
		estimate = defaultServiceSpan
	}
	return now.Add(max(estimate-cur.NetLeadTime, 0))
}

func clockCeil(t time.Time) types.TimeOfDay {
	tod := types.ClockOf(t)
	if t.Second() > 0 || t.Nanosecond() > 0 {
		tod++
	}
	return tod
}
