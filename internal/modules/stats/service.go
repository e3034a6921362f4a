// README: Statistics service; loads orders, reservations and roster concurrently and aggregates them.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"workshop/internal/modules/booking"
	"workshop/internal/modules/workorder"
	"workshop/internal/types"
)

type OrderSource interface {
	ListActiveBetween(ctx context.Context, from, to time.Time) ([]*workorder.WorkOrder, error)
}

type BookingSource interface {
	Roster(ctx context.Context) (booking.Roster, error)
	ListReservations(ctx context.Context, from, to types.Date) ([]booking.Reservation, error)
}

type Service struct {
	orders   OrderSource
	bookings BookingSource
	hours    booking.OperatingHours
	loc      *time.Location
	now      func() time.Time
}

func NewService(orders OrderSource, bookings BookingSource, hours booking.OperatingHours, loc *time.Location, now func() time.Time) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Service{orders: orders, bookings: bookings, hours: hours, loc: loc, now: now}
}

// GetStatistics returns the unrounded report for q; callers present it with Rounded.
func (s *Service) GetStatistics(ctx context.Context, q Query) (Report, error) {
	if err := q.Validate(); err != nil {
		return Report{}, err
	}
	in := Input{Query: q, Location: s.loc, Hours: s.hours, Now: s.now()}
	from := q.From.Start(s.loc)
	to := q.To.AddDays(1).Start(s.loc)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		orders, err := s.orders.ListActiveBetween(gctx, from, to)
		if err != nil {
			return fmt.Errorf("load work orders: %w", err)
		}
		in.Orders = orders
		return nil
	})
	g.Go(func() error {
		rs, err := s.bookings.ListReservations(gctx, q.From, q.To)
		if err != nil {
			return fmt.Errorf("load reservations: %w", err)
		}
		in.Reservations = rs
		return nil
	})
	g.Go(func() error {
		roster, err := s.bookings.Roster(gctx)
		if err != nil {
			return fmt.Errorf("load roster: %w", err)
		}
		in.Roster = roster
		return nil
	})
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	started := time.Now()
	rep, err := Aggregate(in)
	if err != nil {
		return Report{}, err
	}
	log.Debug().
		Str("from", q.From.String()).
		Str("to", q.To.String()).
		Str("group_by", string(rep.GroupBy)).
		Int("orders", len(in.Orders)).
		Int("reservations", len(in.Reservations)).
		Dur("took", time.Since(started)).
		Msg("statistics aggregated")
	return rep, nil
}
