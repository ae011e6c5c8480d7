package hookdb

import (
	"context"
	"time"
)

// SweepOnce queues a row_sync job for every stale row of every integration
// whose replicator refreshes rows on a schedule. It returns how many jobs
// were queued. Rows already waiting in the queue are not queued twice.
func (e *Engine) SweepOnce(ctx context.Context) (int, error) {
	queued := 0
	for _, name := range e.registry.Names() {
		sints, err := e.store.ListIntegrationsByService(ctx, name)
		if err != nil {
			return queued, err
		}
		for _, sint := range sints {
			b, err := e.Bind(ctx, sint)
			if err != nil {
				e.logger.Warn("sweep could not bind integration", "integration_id", sint.ID, "opaque_id", sint.OpaqueID, "error", err)
				continue
			}
			syncer, ok := b.Replicator.(RowSyncer)
			if !ok {
				break
			}
			if !b.Env.Organization.HasDatabase() {
				continue
			}
			keys, err := syncer.RowsNeedingSync(ctx)
			if err != nil {
				b.Env.Log().Warn("sweep could not list stale rows", "error", err)
				continue
			}
			for _, key := range keys {
				added, err := e.enqueue(ctx, Job{Kind: JobRowSync, IntegrationID: sint.ID, RowKey: key})
				if err != nil {
					return queued, err
				}
				if added {
					queued++
				}
			}
		}
	}
	return queued, nil
}

// RunSweeper calls SweepOnce on the current SweepInterval until ctx ends.
func (e *Engine) RunSweeper(ctx context.Context) error {
	for {
		queued, err := e.SweepOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Error("sweep failed", "error", err)
		} else if queued > 0 {
			e.logger.Info("sweep queued row syncs", "jobs", queued)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.closed:
			return nil
		case <-time.After(e.Settings().SweepInterval):
		}
	}
}
