// README: Booking service; availability, reservation lifecycle and conversion into work orders.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"workshop/internal/events"
	"workshop/internal/modules/workorder"
	"workshop/internal/types"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("slot already booked")
	ErrInvalidTransition = errors.New("invalid reservation transition")
)

// WorkOrderRegistrar registers the work order a converted reservation turns into.
type WorkOrderRegistrar interface {
	Register(ctx context.Context, cmd workorder.RegisterCommand) (*workorder.WorkOrder, error)
}

type Service struct {
	repo   Repository
	orders WorkOrderRegistrar
	events events.Publisher
	hours  OperatingHours
	now    func() time.Time
}

type Option func(*Service)

func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.events = p } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(repo Repository, orders WorkOrderRegistrar, hours OperatingHours, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		orders: orders,
		events: events.Nop{},
		hours:  hours,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Hours() OperatingHours { return s.hours }

type CreateReservationCommand struct {
	StallID      types.ID
	Window       WindowRequest
	State        State
	CustomerName string
	Service      string
	MechanicIDs  []types.ID
}

type UpdateStateCommand struct {
	ReservationID types.ID
	State         State
	// Estimate overrides the reservation length as the work order estimate on conversion.
	Estimate *time.Duration
}

type SaveStallCommand struct {
	ID       types.ID
	Code     string
	Name     string
	Sequence int
	Active   bool
}

type SaveMechanicCommand struct {
	ID      types.ID
	Name    string
	StallID *types.ID
	Active  bool
}

// ReservationPayload is published on reservation changes.
type ReservationPayload struct {
	ReservationID types.ID   `json:"reservation_id"`
	StallID       types.ID   `json:"stall_id"`
	Date          types.Date `json:"date"`
	From          State      `json:"from,omitempty"`
	To            State      `json:"to"`
	WorkOrderID   *types.ID  `json:"work_order_id,omitempty"`
}

func (s *Service) Roster(ctx context.Context) (Roster, error) {
	return s.repo.Roster(ctx)
}

// CheckAvailability returns every active stall with its booked slots and
// whether the requested window fits.
func (s *Service) CheckAvailability(ctx context.Context, req WindowRequest) ([]StallAvailability, error) {
	w, err := req.Resolve(s.hours)
	if err != nil {
		return nil, err
	}
	roster, err := s.repo.Roster(ctx)
	if err != nil {
		return nil, err
	}
	reservations, err := s.repo.ListReservations(ctx, w.Date, w.Date)
	if err != nil {
		return nil, err
	}
	return CheckAvailability(activeStalls(roster.Stalls), w, reservations), nil
}

// CreateReservation re-runs the overlap check under the stall lock right
// before the insert; the storage constraint rejects anything that slips past.
func (s *Service) CreateReservation(ctx context.Context, cmd CreateReservationCommand) (*Reservation, error) {
	if !types.IsValidID(string(cmd.StallID)) {
		return nil, fmt.Errorf("%w: invalid stall id", ErrValidation)
	}
	w, err := cmd.Window.Resolve(s.hours)
	if err != nil {
		return nil, err
	}
	state := cmd.State
	if state == "" {
		state = StateDraft
	}
	if state != StateDraft && state != StateConfirmed {
		return nil, fmt.Errorf("%w: a reservation starts as draft or confirmed", ErrValidation)
	}
	now := s.now()
	r := &Reservation{
		ID:           types.NewID(),
		StallID:      cmd.StallID,
		Date:         w.Date,
		Start:        w.Start,
		End:          w.End,
		State:        state,
		CustomerName: strings.TrimSpace(cmd.CustomerName),
		Service:      strings.TrimSpace(cmd.Service),
		MechanicIDs:  cmd.MechanicIDs,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.repo.Create(ctx, r, func(stall Stall, sameDay []Reservation) error {
		if !stall.Active {
			return fmt.Errorf("%w: stall %s is inactive", ErrValidation, stall.ID)
		}
		return overlapError(conflicting(sameDay, w, r.ID))
	})
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("reservation_id", string(r.ID)).
		Str("stall_id", string(r.StallID)).
		Str("date", r.Date.String()).
		Str("window", r.Start.String()+"-"+r.End.String()).
		Msg("reservation created")
	s.publish(ctx, events.TypeReservationCreated, r, "")
	return r, nil
}

// UpdateReservationState moves a reservation along AllowedTransitions.
// Converting registers the work order first, keyed by the reservation id, so
// a retried conversion finds the order already there.
func (s *Service) UpdateReservationState(ctx context.Context, cmd UpdateStateCommand) (*Reservation, error) {
	if !cmd.State.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrValidation, cmd.State)
	}
	current, err := s.repo.Get(ctx, cmd.ReservationID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(current.State, cmd.State) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.State, cmd.State)
	}

	var orderID *types.ID
	if cmd.State == StateConverted {
		id, err := s.convert(ctx, current, cmd.Estimate)
		if err != nil {
			return nil, err
		}
		orderID = &id
	}

	var from State
	updated, err := s.repo.Update(ctx, cmd.ReservationID, func(r *Reservation, sameDay []Reservation) error {
		from = r.State
		if !CanTransition(r.State, cmd.State) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, cmd.State)
		}
		if r.State == StateCancelled {
			w := Window{Date: r.Date, Start: r.Start, End: r.End}
			if err := overlapError(conflicting(sameDay, w, r.ID)); err != nil {
				return err
			}
		}
		r.State = cmd.State
		r.UpdatedAt = s.now()
		if orderID != nil {
			r.WorkOrderID = orderID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("reservation_id", string(updated.ID)).
		Str("from", string(from)).
		Str("to", string(updated.State)).
		Msg("reservation state changed")
	s.publish(ctx, events.TypeReservationChanged, updated, from)
	return updated, nil
}

func (s *Service) convert(ctx context.Context, r *Reservation, estimate *time.Duration) (types.ID, error) {
	if s.orders == nil {
		return "", fmt.Errorf("%w: work order registration is not configured", ErrInvalidTransition)
	}
	est := r.Duration()
	if estimate != nil {
		if *estimate < 0 {
			return "", fmt.Errorf("%w: estimate must not be negative", ErrValidation)
		}
		est = *estimate
	}
	stall := r.StallID
	notes := r.Service
	if r.CustomerName != "" {
		notes = strings.TrimSpace(r.CustomerName + ": " + r.Service)
	}
	_, err := s.orders.Register(ctx, workorder.RegisterCommand{
		ID:          r.ID,
		StallID:     &stall,
		MechanicIDs: r.MechanicIDs,
		Estimate:    est,
		Notes:       notes,
	})
	if err != nil && !errors.Is(err, workorder.ErrConflict) {
		return "", fmt.Errorf("register work order: %w", err)
	}
	return r.ID, nil
}

func (s *Service) ListReservations(ctx context.Context, from, to types.Date) ([]Reservation, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("%w: date_to before date_from", ErrValidation)
	}
	return s.repo.ListReservations(ctx, from, to)
}

func (s *Service) SaveStall(ctx context.Context, cmd SaveStallCommand) (Stall, error) {
	if !types.IsValidID(string(cmd.ID)) {
		return Stall{}, fmt.Errorf("%w: invalid stall id", ErrValidation)
	}
	st := Stall{ID: cmd.ID, Code: strings.TrimSpace(cmd.Code), Name: strings.TrimSpace(cmd.Name), Sequence: cmd.Sequence, Active: cmd.Active}
	if st.Code == "" {
		st.Code = string(cmd.ID)
	}
	if st.Name == "" {
		st.Name = st.Code
	}
	if err := s.repo.SaveStall(ctx, st); err != nil {
		return Stall{}, err
	}
	return st, nil
}

func (s *Service) SaveMechanic(ctx context.Context, cmd SaveMechanicCommand) (Mechanic, error) {
	if !types.IsValidID(string(cmd.ID)) {
		return Mechanic{}, fmt.Errorf("%w: invalid mechanic id", ErrValidation)
	}
	if strings.TrimSpace(cmd.Name) == "" {
		return Mechanic{}, fmt.Errorf("%w: mechanic name is required", ErrValidation)
	}
	m := Mechanic{ID: cmd.ID, Name: strings.TrimSpace(cmd.Name), StallID: cmd.StallID, Active: cmd.Active}
	if err := s.repo.SaveMechanic(ctx, m); err != nil {
		return Mechanic{}, err
	}
	return m, nil
}

func (s *Service) publish(ctx context.Context, eventType string, r *Reservation, from State) {
	env, err := events.NewEnvelope(eventType, string(r.ID), s.now(), ReservationPayload{
		ReservationID: r.ID,
		StallID:       r.StallID,
		Date:          r.Date,
		From:          from,
		To:            r.State,
		WorkOrderID:   r.WorkOrderID,
	})
	if err != nil {
		log.Warn().Err(err).Str("event_type", eventType).Msg("build event")
		return
	}
	if err := s.events.Publish(ctx, env); err != nil {
		log.Warn().Err(err).Str("event_type", eventType).Msg("publish event")
	}
}

func overlapError(conflicts []Reservation) error {
	if len(conflicts) == 0 {
		return nil
	}
	c := conflicts[0]
	return fmt.Errorf("%w: overlaps reservation %s (%s-%s)", ErrConflict, c.ID, c.Start, c.End)
}

func activeStalls(stalls []Stall) []Stall {
	out := make([]Stall, 0, len(stalls))
	for _, st := range stalls {
		if st.Active {
			out = append(out, st)
		}
	}
	return out
}
