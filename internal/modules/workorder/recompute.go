// README: Batch recompute of derived fields with per-batch commit and per-item error isolation.
package workorder

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"workshop/internal/events"
	"workshop/internal/types"
)

const DefaultBatchSize = 100

// maxBatchFactor caps a requested batch size at this multiple of the configured one.
const maxBatchFactor = 10

type RecomputeRequest struct {
	OrderIDs  []types.ID
	All       bool
	BatchSize int
}

// BatchItemError reports one order that could not be recomputed.
type BatchItemError struct {
	OrderID types.ID `json:"order_id"`
	Message string   `json:"message"`
}

func (e BatchItemError) Error() string {
	return fmt.Sprintf("order %s: %s", e.OrderID, e.Message)
}

type RecomputeResult struct {
	Recomputed int              `json:"recomputed_count"`
	Skipped    int              `json:"skipped_count"`
	Batches    int              `json:"batches"`
	Errors     []BatchItemError `json:"errors"`
}

// DerivedUpdate is written only while the order still has Version.
type DerivedUpdate struct {
	ID      types.ID
	Version int
	Derived Derived
}

// Recompute re-derives cached fields batch by batch. Each batch commits on
// its own; cancelling ctx stops before the next batch and returns the
// partial result together with ctx.Err().
func (s *Service) Recompute(ctx context.Context, req RecomputeRequest) (RecomputeResult, error) {
	res := RecomputeResult{Errors: []BatchItemError{}}
	if req.All == (len(req.OrderIDs) > 0) {
		return res, fmt.Errorf("%w: give either order ids or all", ErrValidation)
	}
	size := req.BatchSize
	if size <= 0 {
		size = s.batchSize
	}
	if limit := s.MaxBatchSize(); size > limit {
		return res, fmt.Errorf("%w: batch_size %d exceeds %d", ErrValidation, size, limit)
	}

	next := s.explicitBatches(req.OrderIDs, size)
	if req.All {
		next = s.pagedBatches(size)
	}

	started := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ids, err := next(ctx)
		if err != nil {
			return res, fmt.Errorf("list orders: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		s.recomputeBatch(ctx, ids, &res)
		res.Batches++
	}

	log.Info().
		Int("recomputed", res.Recomputed).
		Int("skipped", res.Skipped).
		Int("errors", len(res.Errors)).
		Int("batches", res.Batches).
		Dur("took", time.Since(started)).
		Msg("recompute finished")
	s.publish(ctx, events.TypeWorkOrderRecomputed, "recompute", s.now(), res)
	return res, nil
}

// MaxBatchSize is the largest batch a recompute request may ask for.
func (s *Service) MaxBatchSize() int { return s.batchSize * maxBatchFactor }

func (s *Service) explicitBatches(ids []types.ID, size int) func(context.Context) ([]types.ID, error) {
	seen := make(map[types.ID]struct{}, len(ids))
	uniq := make([]types.ID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}
	return func(context.Context) ([]types.ID, error) {
		n := min(size, len(uniq))
		batch := uniq[:n]
		uniq = uniq[n:]
		return batch, nil
	}
}

func (s *Service) pagedBatches(size int) func(context.Context) ([]types.ID, error) {
	var after types.ID
	return func(ctx context.Context) ([]types.ID, error) {
		ids, err := s.repo.ListIDs(ctx, after, size)
		if err != nil || len(ids) == 0 {
			return nil, err
		}
		after = ids[len(ids)-1]
		return ids, nil
	}
}

func (s *Service) recomputeBatch(ctx context.Context, ids []types.ID, res *RecomputeResult) {
	orders, err := s.repo.LoadMany(ctx, ids)
	if err != nil {
		log.Warn().Err(err).Int("size", len(ids)).Msg("batch load failed, loading orders one by one")
		orders = s.loadEach(ctx, ids, res)
	}
	byID := make(map[types.ID]*WorkOrder, len(orders))
	for _, o := range orders {
		byID[o.ID] = o
	}

	now := s.now()
	updates := make([]DerivedUpdate, 0, len(ids))
	for _, id := range ids {
		o, ok := byID[id]
		if !ok {
			if err == nil {
				res.Errors = append(res.Errors, BatchItemError{OrderID: id, Message: ErrNotFound.Error()})
			}
			continue
		}
		d, cerr := Calculate(o, now)
		if cerr != nil {
			res.Errors = append(res.Errors, BatchItemError{OrderID: id, Message: cerr.Error()})
			continue
		}
		at := now
		d.ComputedAt = &at
		updates = append(updates, DerivedUpdate{ID: id, Version: o.Version, Derived: d})
	}
	if len(updates) == 0 {
		return
	}

	saved, err := s.repo.SaveDerived(ctx, updates)
	if err != nil {
		for _, u := range updates {
			res.Errors = append(res.Errors, BatchItemError{OrderID: u.ID, Message: "commit batch: " + err.Error()})
		}
		return
	}
	res.Recomputed += saved
	res.Skipped += len(updates) - saved
	if s.cache != nil {
		for _, u := range updates {
			s.cache.Invalidate(ctx, u.ID)
		}
	}
}

// loadEach is the fallback when one unreadable row fails the batch load.
func (s *Service) loadEach(ctx context.Context, ids []types.ID, res *RecomputeResult) []*WorkOrder {
	out := make([]*WorkOrder, 0, len(ids))
	for _, id := range ids {
		o, err := s.repo.Get(ctx, id)
		if err != nil {
			res.Errors = append(res.Errors, BatchItemError{OrderID: id, Message: err.Error()})
			continue
		}
		out = append(out, o)
	}
	return out
}
