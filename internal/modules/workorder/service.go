// README: Work order service; runs transitions under the per-order lock and persists derived fields.
package workorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"workshop/internal/events"
	"workshop/internal/types"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("work order not found")
	ErrConflict          = errors.New("work order conflict")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrStopAlreadyOpen   = errors.New("job stop already open")
	ErrOpenStopPending   = errors.New("job stop still open")
	ErrCorruptLedger     = errors.New("corrupt ledger")
)

// maxClockSkew bounds how far a client-supplied timestamp may run ahead of the server clock.
const maxClockSkew = time.Minute

// Cache is a read-through cache of work orders. Misses and failures fall back
// to the repository. Set must not replace an entry holding a higher Version.
type Cache interface {
	Get(ctx context.Context, id types.ID) (*WorkOrder, bool)
	Set(ctx context.Context, o *WorkOrder)
	Invalidate(ctx context.Context, id types.ID)
}

type Service struct {
	repo      Repository
	cache     Cache
	events    events.Publisher
	now       func() time.Time
	batchSize int
}

type Option func(*Service)

func WithCache(c Cache) Option { return func(s *Service) { s.cache = c } }

func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.events = p } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithBatchSize sets the recompute batch size used when a request leaves it unset.
func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		events:    events.Nop{},
		now:       time.Now,
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type RegisterCommand struct {
	ID          types.ID
	StallID     *types.ID
	MechanicIDs []types.ID
	Estimate    time.Duration
	Notes       string
}

type StartCommand struct {
	OrderID types.ID
	At      *time.Time
}

type BeginStopCommand struct {
	OrderID types.ID
	Stop    PhaseType
	At      *time.Time
	Note    string
}

type EndStopCommand struct {
	OrderID types.ID
	Stop    PhaseType
	At      *time.Time
	Note    string
}

type CompleteCommand struct {
	OrderID types.ID
	At      *time.Time
}

type CancelCommand struct {
	OrderID types.ID
	Reason  string
}

type UpdateEstimateCommand struct {
	OrderID  types.ID
	Estimate time.Duration
}

type UpdateNotesCommand struct {
	OrderID types.ID
	Notes   string
}

// AssignStallCommand moves an order onto a stall. Force takes the stall even
// while another in-progress order holds it.
type AssignStallCommand struct {
	OrderID types.ID
	StallID types.ID
	Force   bool
	Reason  string
}

// TransitionPayload is published after every committed change.
type TransitionPayload struct {
	OrderID     types.ID  `json:"order_id"`
	Action      string    `json:"action"`
	From        Stage     `json:"from"`
	To          Stage     `json:"to"`
	At          time.Time `json:"at"`
	NetLeadTime float64   `json:"net_lead_time_seconds"`
	Reason      string    `json:"reason,omitempty"`
	StallID     *types.ID `json:"stall_id,omitempty"`
}

// Register creates a not-started order. It is the booking workflow's entry point.
func (s *Service) Register(ctx context.Context, cmd RegisterCommand) (*WorkOrder, error) {
	if cmd.Estimate < 0 {
		return nil, fmt.Errorf("%w: estimate must not be negative", ErrValidation)
	}
	id := cmd.ID
	if id == "" {
		id = types.NewID()
	}
	if !types.IsValidID(string(id)) {
		return nil, fmt.Errorf("%w: invalid order id", ErrValidation)
	}
	if cmd.StallID != nil && !types.IsValidID(string(*cmd.StallID)) {
		return nil, fmt.Errorf("%w: invalid stall id", ErrValidation)
	}
	now := s.now()
	o := &WorkOrder{
		ID:          id,
		Stage:       StageNotStarted,
		MechanicIDs: cmd.MechanicIDs,
		Estimate:    cmd.Estimate,
		Notes:       cmd.Notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if cmd.StallID != nil {
		o.AssignStall(*cmd.StallID, now, "")
	}
	if err := Recompute(o, now); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, o); err != nil {
		return nil, err
	}
	s.publish(ctx, events.TypeWorkOrderRegistered, o.ID, now, TransitionPayload{
		OrderID: o.ID, Action: "register", From: "", To: o.Stage, At: now, StallID: o.StallID,
	})
	return o, nil
}

func (s *Service) StartService(ctx context.Context, cmd StartCommand) (Snapshot, error) {
	return s.transition(ctx, cmd.OrderID, "start_service", "", func(o *WorkOrder, now time.Time) error {
		at, err := resolveAt(cmd.At, now)
		if err != nil {
			return err
		}
		return o.StartService(at)
	})
}

func (s *Service) BeginStop(ctx context.Context, cmd BeginStopCommand) (Snapshot, error) {
	return s.transition(ctx, cmd.OrderID, "begin_stop", cmd.Note, func(o *WorkOrder, now time.Time) error {
		at, err := resolveAt(cmd.At, now)
		if err != nil {
			return err
		}
		return o.BeginStop(cmd.Stop, at, cmd.Note)
	})
}

func (s *Service) EndStop(ctx context.Context, cmd EndStopCommand) (Snapshot, error) {
	return s.transition(ctx, cmd.OrderID, "end_stop", cmd.Note, func(o *WorkOrder, now time.Time) error {
		at, err := resolveAt(cmd.At, now)
		if err != nil {
			return err
		}
		return o.EndStop(cmd.Stop, at, cmd.Note)
	})
}

func (s *Service) Complete(ctx context.Context, cmd CompleteCommand) (Snapshot, error) {
	return s.transition(ctx, cmd.OrderID, "complete", "", func(o *WorkOrder, now time.Time) error {
		at, err := resolveAt(cmd.At, now)
		if err != nil {
			return err
		}
		return o.Complete(at)
	})
}

func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (Snapshot, error) {
	return s.transition(ctx, cmd.OrderID, "cancel", cmd.Reason, func(o *WorkOrder, now time.Time) error {
		return o.Cancel(now)
	})
}

func (s *Service) UpdateEstimate(ctx context.Context, cmd UpdateEstimateCommand) (Snapshot, error) {
	if cmd.Estimate < 0 {
		return Snapshot{}, fmt.Errorf("%w: estimate must not be negative", ErrValidation)
	}
	return s.transition(ctx, cmd.OrderID, "update_estimate", "", func(o *WorkOrder, _ time.Time) error {
		if o.Stage.IsTerminal() {
			return fmt.Errorf("%w: order is %s", ErrInvalidTransition, o.Stage)
		}
		o.Estimate = cmd.Estimate
		return nil
	})
}

func (s *Service) UpdateNotes(ctx context.Context, cmd UpdateNotesCommand) (Snapshot, error) {
	return s.transition(ctx, cmd.OrderID, "update_notes", "", func(o *WorkOrder, _ time.Time) error {
		o.Notes = cmd.Notes
		return nil
	})
}

// AssignStall records the move in the order's stall history. Without Force it
// fails with ErrConflict while another in-progress order holds the stall.
func (s *Service) AssignStall(ctx context.Context, cmd AssignStallCommand) (Snapshot, error) {
	if !types.IsValidID(string(cmd.StallID)) {
		return Snapshot{}, fmt.Errorf("%w: invalid stall id", ErrValidation)
	}
	if !types.IsValidID(string(cmd.OrderID)) {
		return Snapshot{}, fmt.Errorf("%w: invalid order id", ErrValidation)
	}
	if !cmd.Force {
		holders, err := s.repo.ListByStall(ctx, cmd.StallID)
		if err != nil {
			return Snapshot{}, fmt.Errorf("list stall orders: %w", err)
		}
		for _, h := range holders {
			if h.ID != cmd.OrderID && h.InProgress() {
				return Snapshot{}, fmt.Errorf("%w: stall %s is held by order %s", ErrConflict, cmd.StallID, h.ID)
			}
		}
	}
	return s.transition(ctx, cmd.OrderID, "assign_stall", cmd.Reason, func(o *WorkOrder, now time.Time) error {
		if o.Stage.IsTerminal() {
			return fmt.Errorf("%w: order is %s", ErrInvalidTransition, o.Stage)
		}
		o.AssignStall(cmd.StallID, now, cmd.Reason)
		return nil
	})
}

// Get returns the snapshot of one order, served from the cache when possible.
func (s *Service) Get(ctx context.Context, id types.ID) (Snapshot, error) {
	o, err := s.load(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return BuildSnapshot(o, s.now())
}

func (s *Service) Timeline(ctx context.Context, id types.ID) (Timeline, error) {
	o, err := s.load(ctx, id)
	if err != nil {
		return Timeline{}, err
	}
	return BuildTimeline(o, s.now())
}

// ListActiveBetween returns orders with ledger activity or registration in [from, to).
func (s *Service) ListActiveBetween(ctx context.Context, from, to time.Time) ([]*WorkOrder, error) {
	return s.repo.ListActiveBetween(ctx, from, to)
}

// Now exposes the service clock so readers derive figures at the same instant.
func (s *Service) Now() time.Time { return s.now() }

func (s *Service) load(ctx context.Context, id types.ID) (*WorkOrder, error) {
	if !types.IsValidID(string(id)) {
		return nil, fmt.Errorf("%w: invalid order id", ErrValidation)
	}
	if s.cache != nil {
		if o, ok := s.cache.Get(ctx, id); ok {
			return o, nil
		}
	}
	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, o)
	}
	return o, nil
}

// transition applies mutate under the repository's per-order lock. The
// ledger is re-derived before commit so a corrupt result is never stored.
func (s *Service) transition(ctx context.Context, id types.ID, action, reason string, mutate func(o *WorkOrder, now time.Time) error) (Snapshot, error) {
	if !types.IsValidID(string(id)) {
		return Snapshot{}, fmt.Errorf("%w: invalid order id", ErrValidation)
	}
	now := s.now()
	var from Stage
	saved, err := s.repo.Update(ctx, id, func(o *WorkOrder) error {
		from = o.Stage
		if err := mutate(o, now); err != nil {
			return err
		}
		o.UpdatedAt = now
		return Recompute(o, now)
	})
	if err != nil {
		return Snapshot{}, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, saved)
	}

	log.Debug().
		Str("order_id", string(id)).
		Str("action", action).
		Str("from", string(from)).
		Str("to", string(saved.Stage)).
		Msg("work order transition")

	s.publish(ctx, events.TypeWorkOrderTransition, id, now, TransitionPayload{
		OrderID:     id,
		Action:      action,
		From:        from,
		To:          saved.Stage,
		At:          now,
		NetLeadTime: saved.Derived.NetLeadTime.Seconds(),
		Reason:      reason,
		StallID:     saved.StallID,
	})
	return BuildSnapshot(saved, now)
}

func (s *Service) publish(ctx context.Context, eventType string, key types.ID, at time.Time, payload any) {
	e, err := events.NewEnvelope(eventType, string(key), at, payload)
	if err == nil {
		err = s.events.Publish(ctx, e)
	}
	if err != nil {
		log.Warn().Err(err).Str("event_type", eventType).Str("key", string(key)).Msg("publish event")
	}
}

func resolveAt(at *time.Time, now time.Time) (time.Time, error) {
	if at == nil {
		return now, nil
	}
	if at.After(now.Add(maxClockSkew)) {
		return time.Time{}, fmt.Errorf("%w: timestamp %s is in the future", ErrValidation, at.Format(time.RFC3339))
	}
	return *at, nil
}
