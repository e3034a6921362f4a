// README: Work order repository contract and its PostgreSQL implementation.
package workorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"workshop/internal/types"
)

// Repository persists orders with their ledgers. Update runs fn on a copy
// of the order while holding the order's row lock; nothing is written when
// fn fails.
type Repository interface {
	Create(ctx context.Context, o *WorkOrder) error
	Get(ctx context.Context, id types.ID) (*WorkOrder, error)
	Update(ctx context.Context, id types.ID, fn func(o *WorkOrder) error) (*WorkOrder, error)
	ListIDs(ctx context.Context, after types.ID, limit int) ([]types.ID, error)
	LoadMany(ctx context.Context, ids []types.ID) ([]*WorkOrder, error)
	SaveDerived(ctx context.Context, batch []DerivedUpdate) (int, error)
	ListActiveBetween(ctx context.Context, from, to time.Time) ([]*WorkOrder, error)
	// ListByStall returns the open (not completed or cancelled) orders on a stall.
	ListByStall(ctx context.Context, stallID types.ID) ([]*WorkOrder, error)
}

const pgUniqueViolation = "23505"

const orderColumns = `
	id, stage, version, stall_id, mechanic_ids, estimate_ns, notes,
	completed_at, cancelled_at, created_at, updated_at,
	total_elapsed_ns, net_lead_time_ns, per_stop_ns, progress_percent, derived_at`

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, o *WorkOrder) error {
	perStop, err := encodePerStop(o.Derived.PerStop)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO work_orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		string(o.ID), string(o.Stage), o.Version, toStringPtr(o.StallID), idsToStrings(o.MechanicIDs),
		int64(o.Estimate), o.Notes, o.CompletedAt, o.CancelledAt, o.CreatedAt, o.UpdatedAt,
		int64(o.Derived.TotalElapsed), int64(o.Derived.NetLeadTime), perStop,
		o.Derived.ProgressPercent, o.Derived.ComputedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: order %s already exists", ErrConflict, o.ID)
	}
	if err != nil {
		return err
	}
	if err := writeEventsPG(ctx, tx, o); err != nil {
		return err
	}
	if err := writeStallHistoryPG(ctx, tx, o); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*WorkOrder, error) {
	orders, err := s.LoadMany(ctx, []types.ID{id})
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, ErrNotFound
	}
	return orders[0], nil
}

// Update locks the order row with SELECT ... FOR UPDATE, so concurrent
// transitions on one order run one after another.
func (s *PGStore) Update(ctx context.Context, id types.ID, fn func(o *WorkOrder) error) (*WorkOrder, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM work_orders WHERE id = $1 FOR UPDATE`, string(id))
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	evs, err := loadEventsPG(ctx, tx, []types.ID{id})
	if err != nil {
		return nil, err
	}
	o.Events = evs[id]
	hist, err := loadStallHistoryPG(ctx, tx, []types.ID{id})
	if err != nil {
		return nil, err
	}
	o.StallHistory = hist[id]

	if err := fn(o); err != nil {
		return nil, err
	}

	perStop, err := encodePerStop(o.Derived.PerStop)
	if err != nil {
		return nil, err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE work_orders
		SET stage = $1,
		    version = version + 1,
		    stall_id = $2,
		    mechanic_ids = $3,
		    estimate_ns = $4,
		    notes = $5,
		    completed_at = $6,
		    cancelled_at = $7,
		    updated_at = $8,
		    total_elapsed_ns = $9,
		    net_lead_time_ns = $10,
		    per_stop_ns = $11,
		    progress_percent = $12,
		    derived_at = $13
		WHERE id = $14 AND version = $15`,
		string(o.Stage), toStringPtr(o.StallID), idsToStrings(o.MechanicIDs), int64(o.Estimate), o.Notes,
		o.CompletedAt, o.CancelledAt, o.UpdatedAt,
		int64(o.Derived.TotalElapsed), int64(o.Derived.NetLeadTime), perStop, o.Derived.ProgressPercent,
		o.Derived.ComputedAt, string(id), o.Version,
	)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() != 1 {
		return nil, ErrConflict
	}
	if err := writeEventsPG(ctx, tx, o); err != nil {
		return nil, err
	}
	if err := writeStallHistoryPG(ctx, tx, o); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	o.Version++
	return o, nil
}

func (s *PGStore) ListIDs(ctx context.Context, after types.ID, limit int) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM work_orders WHERE id > $1 ORDER BY id LIMIT $2`, string(after), limit)
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

func (s *PGStore) LoadMany(ctx context.Context, ids []types.ID) ([]*WorkOrder, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `SELECT `+orderColumns+` FROM work_orders WHERE id = ANY($1) ORDER BY id`, idsToStrings(ids))
	if err != nil {
		return nil, err
	}
	return s.collect(ctx, rows)
}

func (s *PGStore) ListActiveBetween(ctx context.Context, from, to time.Time) ([]*WorkOrder, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+orderColumns+`
		FROM work_orders w
		WHERE (w.created_at >= $1 AND w.created_at < $2)
		   OR (EXISTS (SELECT 1 FROM work_order_events e WHERE e.work_order_id = w.id AND e.started_at < $2)
		       AND COALESCE(w.completed_at, w.cancelled_at, 'infinity'::timestamptz) >= $1)
		ORDER BY w.id`, from, to)
	if err != nil {
		return nil, err
	}
	return s.collect(ctx, rows)
}

func (s *PGStore) ListByStall(ctx context.Context, stallID types.ID) ([]*WorkOrder, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+orderColumns+`
		FROM work_orders
		WHERE stall_id = $1 AND stage NOT IN ('completed', 'cancelled')
		ORDER BY id`, string(stallID))
	if err != nil {
		return nil, err
	}
	return s.collect(ctx, rows)
}

func (s *PGStore) collect(ctx context.Context, rows pgx.Rows) ([]*WorkOrder, error) {
	var out []*WorkOrder
	for rows.Next() {
		o, err := scanOrder(rows)
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
	evs, err := loadEventsPG(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	hist, err := loadStallHistoryPG(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for _, o := range out {
		o.Events = evs[o.ID]
		o.StallHistory = hist[o.ID]
	}
	return out, nil
}

// SaveDerived writes a recompute batch in one transaction. Rows whose
// version moved since they were read are skipped.
func (s *PGStore) SaveDerived(ctx context.Context, batch []DerivedUpdate) (int, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	b := &pgx.Batch{}
	for _, u := range batch {
		perStop, err := encodePerStop(u.Derived.PerStop)
		if err != nil {
			return 0, err
		}
		b.Queue(`
			UPDATE work_orders
			SET total_elapsed_ns = $1, net_lead_time_ns = $2, per_stop_ns = $3,
			    progress_percent = $4, derived_at = $5
			WHERE id = $6 AND version = $7`,
			int64(u.Derived.TotalElapsed), int64(u.Derived.NetLeadTime), perStop,
			u.Derived.ProgressPercent, u.Derived.ComputedAt, string(u.ID), u.Version,
		)
	}
	br := tx.SendBatch(ctx, b)
	saved := 0
	for range batch {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, err
		}
		saved += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return saved, nil
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadEventsPG(ctx context.Context, q pgQuerier, ids []types.ID) (map[types.ID][]PhaseEvent, error) {
	rows, err := q.Query(ctx, `
		SELECT work_order_id, seq, phase, started_at, ended_at, recorded_at, note, end_note, clamped
		FROM work_order_events
		WHERE work_order_id = ANY($1)
		ORDER BY work_order_id, seq`, idsToStrings(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[types.ID][]PhaseEvent, len(ids))
	for rows.Next() {
		var orderID string
		var e PhaseEvent
		if err := rows.Scan(&orderID, &e.Seq, &e.Type, &e.StartedAt, &e.EndedAt, &e.RecordedAt, &e.Note, &e.EndNote, &e.Clamped); err != nil {
			return nil, err
		}
		out[types.ID(orderID)] = append(out[types.ID(orderID)], e)
	}
	return out, rows.Err()
}

// writeEventsPG upserts the ledger. Only the formerly open event can change,
// so rows are written in seq order to keep the one-open-event index valid.
func writeEventsPG(ctx context.Context, tx pgx.Tx, o *WorkOrder) error {
	if len(o.Events) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, e := range o.Events {
		b.Queue(`
			INSERT INTO work_order_events (work_order_id, seq, phase, started_at, ended_at, recorded_at, note, end_note, clamped)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (work_order_id, seq) DO UPDATE
			SET ended_at = EXCLUDED.ended_at, end_note = EXCLUDED.end_note, clamped = EXCLUDED.clamped`,
			string(o.ID), e.Seq, string(e.Type), e.StartedAt, e.EndedAt, e.RecordedAt, e.Note, e.EndNote, e.Clamped,
		)
	}
	return tx.SendBatch(ctx, b).Close()
}

func loadStallHistoryPG(ctx context.Context, q pgQuerier, ids []types.ID) (map[types.ID][]StallAssignment, error) {
	rows, err := q.Query(ctx, `
		SELECT work_order_id, seq, stall_id, started_at, ended_at, reason
		FROM work_order_stall_history
		WHERE work_order_id = ANY($1)
		ORDER BY work_order_id, seq`, idsToStrings(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[types.ID][]StallAssignment, len(ids))
	for rows.Next() {
		var orderID, stallID string
		var a StallAssignment
		if err := rows.Scan(&orderID, &a.Seq, &stallID, &a.StartedAt, &a.EndedAt, &a.Reason); err != nil {
			return nil, err
		}
		a.StallID = types.ID(stallID)
		out[types.ID(orderID)] = append(out[types.ID(orderID)], a)
	}
	return out, rows.Err()
}

// writeStallHistoryPG upserts the stall history; only ended_at of the last
// open row ever changes.
func writeStallHistoryPG(ctx context.Context, tx pgx.Tx, o *WorkOrder) error {
	if len(o.StallHistory) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, a := range o.StallHistory {
		b.Queue(`
			INSERT INTO work_order_stall_history (work_order_id, seq, stall_id, started_at, ended_at, reason)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (work_order_id, seq) DO UPDATE SET ended_at = EXCLUDED.ended_at`,
			string(o.ID), a.Seq, string(a.StallID), a.StartedAt, a.EndedAt, a.Reason,
		)
	}
	return tx.SendBatch(ctx, b).Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*WorkOrder, error) {
	var o WorkOrder
	var stallID *string
	var mechanics []string
	var estimate, total, net int64
	var perStop []byte
	err := row.Scan(
		&o.ID, &o.Stage, &o.Version, &stallID, &mechanics, &estimate, &o.Notes,
		&o.CompletedAt, &o.CancelledAt, &o.CreatedAt, &o.UpdatedAt,
		&total, &net, &perStop, &o.Derived.ProgressPercent, &o.Derived.ComputedAt,
	)
	if err != nil {
		return nil, err
	}
	if stallID != nil {
		id := types.ID(*stallID)
		o.StallID = &id
	}
	o.MechanicIDs = stringsToIDs(mechanics)
	o.Estimate = time.Duration(estimate)
	o.Derived.TotalElapsed = time.Duration(total)
	o.Derived.NetLeadTime = time.Duration(net)
	if o.Derived.PerStop, err = decodePerStop(perStop); err != nil {
		return nil, fmt.Errorf("order %s: %w", o.ID, err)
	}
	return &o, nil
}

func encodePerStop(m map[PhaseType]time.Duration) ([]byte, error) {
	raw := make(map[string]int64, len(m))
	for k, v := range m {
		raw[string(k)] = int64(v)
	}
	return json.Marshal(raw)
}

func decodePerStop(b []byte) (map[PhaseType]time.Duration, error) {
	var raw map[string]int64
	if len(b) > 0 {
		if err := json.Unmarshal(b, &raw); err != nil {
			return nil, fmt.Errorf("decode per-stop durations: %w", err)
		}
	}
	out := make(map[PhaseType]time.Duration, len(raw))
	for k, v := range raw {
		out[PhaseType(k)] = time.Duration(v)
	}
	return out, nil
}

func toStringPtr(v *types.ID) *string {
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
