// README: Work order repository backed by embedded SQLite (database/sql + go-sqlite3).
package workorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"workshop/internal/types"
)

// SQLiteStore relies on the connection's immediate transactions: the write
// lock is taken at BEGIN, which serializes Update calls.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Create(ctx context.Context, o *WorkOrder) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	args, err := sqliteOrderArgs(o)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO work_orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
		return fmt.Errorf("%w: order %s already exists", ErrConflict, o.ID)
	}
	if err != nil {
		return err
	}
	if err := writeEventsSQLite(ctx, tx, o); err != nil {
		return err
	}
	if err := writeStallHistorySQLite(ctx, tx, o); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, id types.ID) (*WorkOrder, error) {
	orders, err := s.LoadMany(ctx, []types.ID{id})
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, ErrNotFound
	}
	return orders[0], nil
}

func (s *SQLiteStore) Update(ctx context.Context, id types.ID, fn func(o *WorkOrder) error) (*WorkOrder, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	o, err := scanSQLiteOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM work_orders WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	evs, err := loadEventsSQLite(ctx, tx, []types.ID{id})
	if err != nil {
		return nil, err
	}
	o.Events = evs[id]
	hist, err := loadStallHistorySQLite(ctx, tx, []types.ID{id})
	if err != nil {
		return nil, err
	}
	o.StallHistory = hist[id]

	if err := fn(o); err != nil {
		return nil, err
	}

	mechanics, err := json.Marshal(idsToStrings(o.MechanicIDs))
	if err != nil {
		return nil, err
	}
	perStop, err := encodePerStop(o.Derived.PerStop)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE work_orders
		SET stage = ?, version = version + 1, stall_id = ?, mechanic_ids = ?, estimate_ns = ?, notes = ?,
		    completed_at = ?, cancelled_at = ?, updated_at = ?,
		    total_elapsed_ns = ?, net_lead_time_ns = ?, per_stop_ns = ?, progress_percent = ?, derived_at = ?
		WHERE id = ? AND version = ?`,
		string(o.Stage), toStringPtr(o.StallID), string(mechanics), int64(o.Estimate), o.Notes,
		nullTime(o.CompletedAt), nullTime(o.CancelledAt), o.UpdatedAt.UTC(),
		int64(o.Derived.TotalElapsed), int64(o.Derived.NetLeadTime), string(perStop), o.Derived.ProgressPercent,
		nullTime(o.Derived.ComputedAt), string(id), o.Version,
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, ErrConflict
	}
	if err := writeEventsSQLite(ctx, tx, o); err != nil {
		return nil, err
	}
	if err := writeStallHistorySQLite(ctx, tx, o); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	o.Version++
	return o, nil
}

func (s *SQLiteStore) ListIDs(ctx context.Context, after types.ID, limit int) ([]types.ID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM work_orders WHERE id > ? ORDER BY id LIMIT ?`, string(after), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, types.ID(id))
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LoadMany(ctx context.Context, ids []types.ID) ([]*WorkOrder, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ph, args := inClause(ids)
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM work_orders WHERE id IN (`+ph+`) ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	return s.collect(ctx, rows)
}

func (s *SQLiteStore) ListActiveBetween(ctx context.Context, from, to time.Time) ([]*WorkOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM work_orders w
		WHERE (w.created_at >= ? AND w.created_at < ?)
		   OR (EXISTS (SELECT 1 FROM work_order_events e WHERE e.work_order_id = w.id AND e.started_at < ?)
		       AND (COALESCE(w.completed_at, w.cancelled_at) IS NULL OR COALESCE(w.completed_at, w.cancelled_at) >= ?))
		ORDER BY w.id`, from.UTC(), to.UTC(), to.UTC(), from.UTC())
	if err != nil {
		return nil, err
	}
	return s.collect(ctx, rows)
}

func (s *SQLiteStore) ListByStall(ctx context.Context, stallID types.ID) ([]*WorkOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM work_orders
		WHERE stall_id = ? AND stage NOT IN ('completed', 'cancelled')
		ORDER BY id`, string(stallID))
	if err != nil {
		return nil, err
	}
	return s.collect(ctx, rows)
}

func (s *SQLiteStore) collect(ctx context.Context, rows *sql.Rows) ([]*WorkOrder, error) {
	var out []*WorkOrder
	for rows.Next() {
		o, err := scanSQLiteOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}
	ids := make([]types.ID, len(out))
	for i, o := range out {
		ids[i] = o.ID
	}
	evs, err := loadEventsSQLite(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	hist, err := loadStallHistorySQLite(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for _, o := range out {
		o.Events = evs[o.ID]
		o.StallHistory = hist[o.ID]
	}
	return out, nil
}

func (s *SQLiteStore) SaveDerived(ctx context.Context, batch []DerivedUpdate) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE work_orders
		SET total_elapsed_ns = ?, net_lead_time_ns = ?, per_stop_ns = ?, progress_percent = ?, derived_at = ?
		WHERE id = ? AND version = ?`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	saved := 0
	for _, u := range batch {
		perStop, err := encodePerStop(u.Derived.PerStop)
		if err != nil {
			return 0, err
		}
		res, err := stmt.ExecContext(ctx,
			int64(u.Derived.TotalElapsed), int64(u.Derived.NetLeadTime), string(perStop),
			u.Derived.ProgressPercent, nullTime(u.Derived.ComputedAt), string(u.ID), u.Version,
		)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		saved += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return saved, nil
}

type sqliteQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadEventsSQLite(ctx context.Context, q sqliteQuerier, ids []types.ID) (map[types.ID][]PhaseEvent, error) {
	ph, args := inClause(ids)
	rows, err := q.QueryContext(ctx, `
		SELECT work_order_id, seq, phase, started_at, ended_at, recorded_at, note, end_note, clamped
		FROM work_order_events
		WHERE work_order_id IN (`+ph+`)
		ORDER BY work_order_id, seq`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[types.ID][]PhaseEvent, len(ids))
	for rows.Next() {
		var orderID, phase string
		var e PhaseEvent
		var ended sql.NullTime
		if err := rows.Scan(&orderID, &e.Seq, &phase, &e.StartedAt, &ended, &e.RecordedAt, &e.Note, &e.EndNote, &e.Clamped); err != nil {
			return nil, err
		}
		e.Type = PhaseType(phase)
		e.EndedAt = toTimePtr(ended)
		out[types.ID(orderID)] = append(out[types.ID(orderID)], e)
	}
	return out, rows.Err()
}

func writeEventsSQLite(ctx context.Context, tx *sql.Tx, o *WorkOrder) error {
	for _, e := range o.Events {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO work_order_events (work_order_id, seq, phase, started_at, ended_at, recorded_at, note, end_note, clamped)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (work_order_id, seq) DO UPDATE
			SET ended_at = excluded.ended_at, end_note = excluded.end_note, clamped = excluded.clamped`,
			string(o.ID), e.Seq, string(e.Type), e.StartedAt.UTC(), nullTime(e.EndedAt), e.RecordedAt.UTC(),
			e.Note, e.EndNote, e.Clamped,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func loadStallHistorySQLite(ctx context.Context, q sqliteQuerier, ids []types.ID) (map[types.ID][]StallAssignment, error) {
	ph, args := inClause(ids)
	rows, err := q.QueryContext(ctx, `
		SELECT work_order_id, seq, stall_id, started_at, ended_at, reason
		FROM work_order_stall_history
		WHERE work_order_id IN (`+ph+`)
		ORDER BY work_order_id, seq`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[types.ID][]StallAssignment, len(ids))
	for rows.Next() {
		var orderID, stallID string
		var a StallAssignment
		var ended sql.NullTime
		if err := rows.Scan(&orderID, &a.Seq, &stallID, &a.StartedAt, &ended, &a.Reason); err != nil {
			return nil, err
		}
		a.StallID = types.ID(stallID)
		a.EndedAt = toTimePtr(ended)
		out[types.ID(orderID)] = append(out[types.ID(orderID)], a)
	}
	return out, rows.Err()
}

func writeStallHistorySQLite(ctx context.Context, tx *sql.Tx, o *WorkOrder) error {
	for _, a := range o.StallHistory {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO work_order_stall_history (work_order_id, seq, stall_id, started_at, ended_at, reason)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (work_order_id, seq) DO UPDATE SET ended_at = excluded.ended_at`,
			string(o.ID), a.Seq, string(a.StallID), a.StartedAt.UTC(), nullTime(a.EndedAt), a.Reason,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func sqliteOrderArgs(o *WorkOrder) ([]any, error) {
	mechanics, err := json.Marshal(idsToStrings(o.MechanicIDs))
	if err != nil {
		return nil, err
	}
	perStop, err := encodePerStop(o.Derived.PerStop)
	if err != nil {
		return nil, err
	}
	return []any{
		string(o.ID), string(o.Stage), o.Version, toStringPtr(o.StallID), string(mechanics),
		int64(o.Estimate), o.Notes, nullTime(o.CompletedAt), nullTime(o.CancelledAt),
		o.CreatedAt.UTC(), o.UpdatedAt.UTC(),
		int64(o.Derived.TotalElapsed), int64(o.Derived.NetLeadTime), string(perStop),
		o.Derived.ProgressPercent, nullTime(o.Derived.ComputedAt),
	}, nil
}

func scanSQLiteOrder(row rowScanner) (*WorkOrder, error) {
	var o WorkOrder
	var id, stage, mechanics, perStop string
	var stallID sql.NullString
	var estimate, total, net int64
	var completedAt, cancelledAt, derivedAt sql.NullTime
	err := row.Scan(
		&id, &stage, &o.Version, &stallID, &mechanics, &estimate, &o.Notes,
		&completedAt, &cancelledAt, &o.CreatedAt, &o.UpdatedAt,
		&total, &net, &perStop, &o.Derived.ProgressPercent, &derivedAt,
	)
	if err != nil {
		return nil, err
	}
	o.ID = types.ID(id)
	o.Stage = Stage(stage)
	if stallID.Valid {
		sid := types.ID(stallID.String)
		o.StallID = &sid
	}
	var mech []string
	if err := json.Unmarshal([]byte(mechanics), &mech); err != nil {
		return nil, fmt.Errorf("order %s: decode mechanic ids: %w", id, err)
	}
	o.MechanicIDs = stringsToIDs(mech)
	o.Estimate = time.Duration(estimate)
	o.CompletedAt = toTimePtr(completedAt)
	o.CancelledAt = toTimePtr(cancelledAt)
	o.Derived.TotalElapsed = time.Duration(total)
	o.Derived.NetLeadTime = time.Duration(net)
	o.Derived.ComputedAt = toTimePtr(derivedAt)
	if o.Derived.PerStop, err = decodePerStop([]byte(perStop)); err != nil {
		return nil, fmt.Errorf("order %s: %w", id, err)
	}
	return &o, nil
}

func inClause(ids []types.ID) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = string(id)
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
