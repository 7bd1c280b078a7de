package engine

import (
	"context"
	"fmt"

	"github.com/jwalitptl/chairqueue/internal/model"
	"github.com/jwalitptl/chairqueue/internal/view"
)

// Reorder moves the entry at from to index to within partition key and
// rewrites the partition's display order densely. Every member is
// written, so a remote partition that missed an earlier write is made
// dense again.
func (e *Engine) Reorder(ctx context.Context, key view.Key, from, to int) error {
	const op = "reorder"
	ids, orders, undo, ok := e.prepareReorder(key, from, to)
	if !ok {
		e.metrics.Mutations.WithLabelValues(op, "skipped").Inc()
		return nil
	}

	var err error
	if e.cfg.AtomicWrites && e.remote.CanWriteOrders() {
		err = e.remote.WriteOrders(ctx, orders)
	} else {
		// one write per record; a failure part way leaves the rest stale
		// until the next refetch
		for _, id := range ids {
			if err = e.remote.UpdatePatient(ctx, id, model.Patch{model.ColDisplayOrder: orders[id]}); err != nil {
				break
			}
			delete(undo, id)
		}
	}
	if err != nil {
		e.fail(op, nil, err)
		if e.cfg.RollbackOnFailure {
			e.revertOrders(undo, orders)
		}
		return fmt.Errorf("%s %s: %w", op, key, err)
	}
	e.metrics.Mutations.WithLabelValues(op, "success").Inc()
	return nil
}

// prepareReorder computes the new orders, patches the cache where they
// differ and returns the partition ids in their current order.
func (e *Engine) prepareReorder(key view.Key, from, to int) ([]int64, map[int64]int, map[int64]int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := view.Build(e.cache.All(), e.cache.Doctors(), view.Options{}).Partition(key)
	orders, ok := view.Reorder(list, from, to)
	if !ok {
		return nil, nil, nil, false
	}

	ids := make([]int64, 0, len(list))
	undo := make(map[int64]int)
	for _, p := range list {
		ids = append(ids, p.ID)
		if next := orders[p.ID]; next != p.DisplayOrder {
			undo[p.ID] = p.DisplayOrder
			e.cache.ApplyPatch(p.ID, model.Patch{model.ColDisplayOrder: next})
		}
	}
	return ids, orders, undo, true
}

func (e *Engine) revertOrders(undo, orders map[int64]int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, prev := range undo {
		if p, ok := e.cache.Get(id); ok && p.DisplayOrder == orders[id] {
			e.cache.ApplyPatch(id, model.Patch{model.ColDisplayOrder: prev})
			e.metrics.Rollbacks.Inc()
		}
	}
}
