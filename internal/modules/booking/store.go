// README: Booking repository contract and its PostgreSQL implementation.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"workshop/internal/types"
	"workshop/migrations"
)

// Repository persists the roster and reservations. Create and Update hold
// the stall row lock while check/fn inspect the stall's other reservations
// for the same date.
type Repository interface {
	Roster(ctx context.Context) (Roster, error)
	SaveStall(ctx context.Context, st Stall) error
	SaveMechanic(ctx context.Context, m Mechanic) error
	Get(ctx context.Context, id types.ID) (*Reservation, error)
	ListReservations(ctx context.Context, from, to types.Date) ([]Reservation, error)
	Create(ctx context.Context, r *Reservation, check func(stall Stall, sameDay []Reservation) error) error
	Update(ctx context.Context, id types.ID, fn func(r *Reservation, sameDay []Reservation) error) (*Reservation, error)
}

const (
	pgExclusionViolation  = "23P01"
	pgForeignKeyViolation = "23503"
)

const reservationColumns = `
	id, stall_id, booking_date, start_minute, end_minute, state,
	customer_name, service, mechanic_ids, work_order_id, created_at, updated_at`

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Roster(ctx context.Context) (Roster, error) {
	rows, err := s.db.Query(ctx, `SELECT id, code, name, sequence, active FROM stalls ORDER BY sequence, id`)
	if err != nil {
		return Roster{}, err
	}
	var stalls []Stall
	for rows.Next() {
		var st Stall
		if err := rows.Scan(&st.ID, &st.Code, &st.Name, &st.Sequence, &st.Active); err != nil {
			rows.Close()
			return Roster{}, err
		}
		stalls = append(stalls, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Roster{}, err
	}

	rows, err = s.db.Query(ctx, `SELECT id, name, stall_id, active FROM mechanics ORDER BY id`)
	if err != nil {
		return Roster{}, err
	}
	defer rows.Close()
	var mechanics []Mechanic
	for rows.Next() {
		var m Mechanic
		var stallID *string
		if err := rows.Scan(&m.ID, &m.Name, &stallID, &m.Active); err != nil {
			return Roster{}, err
		}
		if stallID != nil {
			id := types.ID(*stallID)
			m.StallID = &id
		}
		mechanics = append(mechanics, m)
	}
	if err := rows.Err(); err != nil {
		return Roster{}, err
	}
	return attachMechanics(stalls, mechanics), nil
}

func (s *PGStore) SaveStall(ctx context.Context, st Stall) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO stalls (id, code, name, sequence, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET code = EXCLUDED.code, name = EXCLUDED.name, sequence = EXCLUDED.sequence, active = EXCLUDED.active`,
		string(st.ID), st.Code, st.Name, st.Sequence, st.Active,
	)
	return err
}

func (s *PGStore) SaveMechanic(ctx context.Context, m Mechanic) error {
	var stallID *string
	if m.StallID != nil {
		v := string(*m.StallID)
		stallID = &v
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO mechanics (id, name, stall_id, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, stall_id = EXCLUDED.stall_id, active = EXCLUDED.active`,
		string(m.ID), m.Name, stallID, m.Active,
	)
	return mapPGError(err)
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Reservation, error) {
	r, err := scanReservation(s.db.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: reservation %s", ErrNotFound, id)
	}
	return r, err
}

func (s *PGStore) ListReservations(ctx context.Context, from, to types.Date) ([]Reservation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE booking_date BETWEEN $1 AND $2
		ORDER BY booking_date, stall_id, start_minute`,
		from.Start(time.UTC), to.Start(time.UTC))
	if err != nil {
		return nil, err
	}
	return collectReservations(rows)
}

// Create locks the stall row so two bookings for one stall run their
// overlap checks one after another. The exclusion constraint still guards
// the insert.
func (s *PGStore) Create(ctx context.Context, r *Reservation, check func(Stall, []Reservation) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	stall, err := lockStallPG(ctx, tx, r.StallID)
	if err != nil {
		return err
	}
	sameDay, err := sameDayPG(ctx, tx, r.StallID, r.Date)
	if err != nil {
		return err
	}
	if err := check(stall, sameDay); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		string(r.ID), string(r.StallID), r.Date.Start(time.UTC), int(r.Start), int(r.End), string(r.State),
		r.CustomerName, r.Service, idsToStrings(r.MechanicIDs), idPtrToString(r.WorkOrderID), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return mapPGError(err)
	}
	return tx.Commit(ctx)
}

func (s *PGStore) Update(ctx context.Context, id types.ID, fn func(*Reservation, []Reservation) error) (*Reservation, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var stallID string
	err = tx.QueryRow(ctx, `SELECT stall_id FROM reservations WHERE id = $1`, string(id)).Scan(&stallID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: reservation %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if _, err := lockStallPG(ctx, tx, types.ID(stallID)); err != nil {
		return nil, err
	}
	r, err := scanReservation(tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE`, string(id)))
	if err != nil {
		return nil, err
	}
	sameDay, err := sameDayPG(ctx, tx, r.StallID, r.Date)
	if err != nil {
		return nil, err
	}
	if err := fn(r, sameDay); err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE reservations
		SET state = $1, work_order_id = $2, updated_at = $3
		WHERE id = $4`,
		string(r.State), idPtrToString(r.WorkOrderID), r.UpdatedAt, string(id),
	)
	if err != nil {
		return nil, mapPGError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func lockStallPG(ctx context.Context, tx pgx.Tx, id types.ID) (Stall, error) {
	var st Stall
	err := tx.QueryRow(ctx, `SELECT id, code, name, sequence, active FROM stalls WHERE id = $1 FOR UPDATE`, string(id)).
		Scan(&st.ID, &st.Code, &st.Name, &st.Sequence, &st.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return Stall{}, fmt.Errorf("%w: stall %s", ErrNotFound, id)
	}
	return st, err
}

func sameDayPG(ctx context.Context, tx pgx.Tx, stallID types.ID, d types.Date) ([]Reservation, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE stall_id = $1 AND booking_date = $2 AND state <> 'cancelled'
		ORDER BY start_minute`,
		string(stallID), d.Start(time.UTC))
	if err != nil {
		return nil, err
	}
	return collectReservations(rows)
}

func collectReservations(rows pgx.Rows) ([]Reservation, error) {
	defer rows.Close()
	var out []Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (*Reservation, error) {
	var r Reservation
	var date time.Time
	var start, end int
	var mechanics []string
	var orderID *string
	err := row.Scan(&r.ID, &r.StallID, &date, &start, &end, &r.State,
		&r.CustomerName, &r.Service, &mechanics, &orderID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Date = types.DateOf(date)
	r.Start, r.End = types.TimeOfDay(start), types.TimeOfDay(end)
	r.MechanicIDs = stringsToIDs(mechanics)
	if orderID != nil {
		id := types.ID(*orderID)
		r.WorkOrderID = &id
	}
	return &r, nil
}

// mapPGError turns constraint violations into domain errors.
func mapPGError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == pgExclusionViolation || pgErr.ConstraintName == migrations.OverlapConstraint:
		return fmt.Errorf("%w: stall already booked in that window", ErrConflict)
	case pgErr.Code == pgForeignKeyViolation:
		return fmt.Errorf("%w: %s", ErrNotFound, pgErr.Detail)
	}
	return err
}

func attachMechanics(stalls []Stall, mechanics []Mechanic) Roster {
	idx := make(map[types.ID]int, len(stalls))
	for i, st := range stalls {
		idx[st.ID] = i
	}
	for _, m := range mechanics {
		if m.StallID == nil {
			continue
		}
		if i, ok := idx[*m.StallID]; ok {
			stalls[i].Mechanics = append(stalls[i].Mechanics, m)
		}
	}
	return Roster{Stalls: stalls, Mechanics: mechanics}
}

func idPtrToString(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func idsToStrings(ids []types.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func stringsToIDs(ss []string) []types.ID {
	if len(ss) == 0 {
		return nil
	}
	out := make([]types.ID, len(ss))
	for i, s := range ss {
		out[i] = types.ID(s)
	}
	return out
}
