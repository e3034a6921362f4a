// README: Booking repository backed by embedded SQLite; triggers enforce the no-overlap rule.
package booking

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"workshop/internal/types"
	"workshop/migrations"
)

// SQLiteStore takes the database write lock at BEGIN, which covers the
// stall lock the Postgres store takes explicitly.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Roster(ctx context.Context) (Roster, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, code, name, sequence, active FROM stalls ORDER BY sequence, id`)
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

	rows, err = s.db.QueryContext(ctx, `SELECT id, name, stall_id, active FROM mechanics ORDER BY id`)
	if err != nil {
		return Roster{}, err
	}
	defer rows.Close()
	var mechanics []Mechanic
	for rows.Next() {
		var m Mechanic
		var stallID sql.NullString
		if err := rows.Scan(&m.ID, &m.Name, &stallID, &m.Active); err != nil {
			return Roster{}, err
		}
		if stallID.Valid {
			id := types.ID(stallID.String)
			m.StallID = &id
		}
		mechanics = append(mechanics, m)
	}
	if err := rows.Err(); err != nil {
		return Roster{}, err
	}
	return attachMechanics(stalls, mechanics), nil
}

func (s *SQLiteStore) SaveStall(ctx context.Context, st Stall) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stalls (id, code, name, sequence, active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET code = excluded.code, name = excluded.name, sequence = excluded.sequence, active = excluded.active`,
		string(st.ID), st.Code, st.Name, st.Sequence, st.Active,
	)
	return err
}

func (s *SQLiteStore) SaveMechanic(ctx context.Context, m Mechanic) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mechanics (id, name, stall_id, active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET name = excluded.name, stall_id = excluded.stall_id, active = excluded.active`,
		string(m.ID), m.Name, idPtrToString(m.StallID), m.Active,
	)
	return mapSQLiteError(err)
}

func (s *SQLiteStore) Get(ctx context.Context, id types.ID) (*Reservation, error) {
	r, err := scanSQLiteReservation(s.db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: reservation %s", ErrNotFound, id)
	}
	return r, err
}

func (s *SQLiteStore) ListReservations(ctx context.Context, from, to types.Date) ([]Reservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE booking_date BETWEEN ? AND ?
		ORDER BY booking_date, stall_id, start_minute`,
		from.String(), to.String())
	if err != nil {
		return nil, err
	}
	return collectSQLiteReservations(rows)
}

func (s *SQLiteStore) Create(ctx context.Context, r *Reservation, check func(Stall, []Reservation) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stall, err := stallSQLite(ctx, tx, r.StallID)
	if err != nil {
		return err
	}
	sameDay, err := sameDaySQLite(ctx, tx, r.StallID, r.Date)
	if err != nil {
		return err
	}
	if err := check(stall, sameDay); err != nil {
		return err
	}
	mechanics, err := json.Marshal(idsToStrings(r.MechanicIDs))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(r.ID), string(r.StallID), r.Date.String(), int(r.Start), int(r.End), string(r.State),
		r.CustomerName, r.Service, string(mechanics), idPtrToString(r.WorkOrderID), r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
	)
	if err != nil {
		return mapSQLiteError(err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Update(ctx context.Context, id types.ID, fn func(*Reservation, []Reservation) error) (*Reservation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	r, err := scanSQLiteReservation(tx.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: reservation %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	sameDay, err := sameDaySQLite(ctx, tx, r.StallID, r.Date)
	if err != nil {
		return nil, err
	}
	if err := fn(r, sameDay); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE reservations
		SET state = ?, work_order_id = ?, updated_at = ?
		WHERE id = ?`,
		string(r.State), idPtrToString(r.WorkOrderID), r.UpdatedAt.UTC(), string(id),
	)
	if err != nil {
		return nil, mapSQLiteError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r, nil
}

func stallSQLite(ctx context.Context, tx *sql.Tx, id types.ID) (Stall, error) {
	var st Stall
	err := tx.QueryRowContext(ctx, `SELECT id, code, name, sequence, active FROM stalls WHERE id = ?`, string(id)).
		Scan(&st.ID, &st.Code, &st.Name, &st.Sequence, &st.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return Stall{}, fmt.Errorf("%w: stall %s", ErrNotFound, id)
	}
	return st, err
}

func sameDaySQLite(ctx context.Context, tx *sql.Tx, stallID types.ID, d types.Date) ([]Reservation, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE stall_id = ? AND booking_date = ? AND state <> 'cancelled'
		ORDER BY start_minute`,
		string(stallID), d.String())
	if err != nil {
		return nil, err
	}
	return collectSQLiteReservations(rows)
}

func collectSQLiteReservations(rows *sql.Rows) ([]Reservation, error) {
	defer rows.Close()
	var out []Reservation
	for rows.Next() {
		r, err := scanSQLiteReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanSQLiteReservation(row rowScanner) (*Reservation, error) {
	var r Reservation
	var date, mechanics string
	var start, end int
	var orderID sql.NullString
	err := row.Scan(&r.ID, &r.StallID, &date, &start, &end, &r.State,
		&r.CustomerName, &r.Service, &mechanics, &orderID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if r.Date, err = types.ParseDate(date); err != nil {
		return nil, fmt.Errorf("reservation %s: %w", r.ID, err)
	}
	r.Start, r.End = types.TimeOfDay(start), types.TimeOfDay(end)
	var mech []string
	if err := json.Unmarshal([]byte(mechanics), &mech); err != nil {
		return nil, fmt.Errorf("reservation %s: decode mechanic ids: %w", r.ID, err)
	}
	r.MechanicIDs = stringsToIDs(mech)
	if orderID.Valid {
		id := types.ID(orderID.String)
		r.WorkOrderID = &id
	}
	return &r, nil
}

func mapSQLiteError(err error) error {
	var sqlErr sqlite3.Error
	if !errors.As(err, &sqlErr) {
		return err
	}
	switch {
	case strings.Contains(sqlErr.Error(), migrations.OverlapConstraint):
		return fmt.Errorf("%w: stall already booked in that window", ErrConflict)
	case sqlErr.ExtendedCode == sqlite3.ErrConstraintForeignKey:
		return fmt.Errorf("%w: referenced stall or work order does not exist", ErrNotFound)
	}
	return err
}
