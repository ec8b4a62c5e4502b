package engine

import (
	"context"
	"time"

	"worktab/internal/domain"
	"worktab/internal/events"
)

// SweepStalePending flags pending orders older than olderThan with an
// order.stale audit event, once per order. It runs outside the request
// path on a timer and uses the same transactional discipline, so it
// cannot race a concurrent completion of the same order.
func (e Engine) SweepStalePending(ctx context.Context, olderThan time.Duration) ([]domain.Order, error) {
	cutoff := e.now().UTC().Add(-olderThan).Format(time.RFC3339)
	stale, err := e.Repo.StalePending(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	var flagged []domain.Order
	for _, o := range stale {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return flagged, err
		}
		already, err := e.Repo.HasEventTx(ctx, tx, "order.stale", o.Ref)
		if err != nil {
			tx.Rollback()
			return flagged, err
		}
		if already {
			tx.Rollback()
			continue
		}
		if err := e.Events.Append(ctx, tx, "order.stale", "order", o.Ref, "",
			events.EventPayload{"requested_at": o.RequestedAt, "quantity": o.Quantity}); err != nil {
			tx.Rollback()
			return flagged, err
		}
		if err := tx.Commit(); err != nil {
			return flagged, err
		}
		flagged = append(flagged, o)
	}
	return flagged, nil
}

// SeedWorkers inserts the config roster into the registry without
// overwriting runtime changes to existing workers.
func (e Engine) SeedWorkers(ctx context.Context) error {
	if e.Config == nil || len(e.Config.Workers) == 0 {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.nowRFC3339()
	for _, seed := range e.Config.Workers {
		w, err := seed.Worker()
		if err != nil {
			return err
		}
		w.CreatedAt = now
		if err := e.Repo.EnsureWorkerTx(ctx, tx, w); err != nil {
			return err
		}
	}
	return tx.Commit()
}
