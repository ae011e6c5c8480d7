package hookdb

import (
	"context"
	"fmt"
	"time"
)

// Backfill pages through the replicator's history and upserts every item.
// An incremental run passes the previous watermark to the pager. The
// watermark advances to the start time of a run only when every page
// succeeded; afterwards backfills of ready dependents are queued.
func (e *Engine) Backfill(ctx context.Context, b Bound, incremental bool) error {
	desc := b.Replicator.Descriptor()
	pager, ok := b.Replicator.(BackfillPager)
	if !desc.SupportsBackfill || !ok {
		return configurationErrorf("%s does not support backfill", desc.Name)
	}
	if step := b.Replicator.BackfillStateMachine(); !step.Complete() {
		return &ConfigurationError{Message: fmt.Sprintf("%s backfill is not configured", desc.Name), Step: step}
	}
	if err := e.ensureTable(ctx, b); err != nil {
		return err
	}

	started := e.now().UTC()
	var since *time.Time
	if incremental && b.Integration.LastBackfilledAt != nil {
		t := *b.Integration.LastBackfilledAt
		since = &t
	}
	logger := b.Env.Log()
	logger.Info("backfill started", "incremental", since != nil)

	token := ""
	items, written := 0, 0
	for page := 1; ; page++ {
		result, err := pager.FetchBackfillPage(ctx, token, since)
		if err != nil {
			return fmt.Errorf("backfill %s page %d: %w", desc.Name, page, err)
		}
		for _, item := range result.Items {
			ok, err := UpsertPayload(ctx, b.Env, b.Replicator, item)
			if err != nil {
				return fmt.Errorf("backfill %s page %d: %w", desc.Name, page, err)
			}
			items++
			if ok {
				written++
			}
		}
		if result.NextToken == "" {
			break
		}
		token = result.NextToken
		if err := sleepContext(ctx, desc.BackfillPageDelay); err != nil {
			return err
		}
	}

	b.Integration.LastBackfilledAt = &started
	if err := e.store.UpdateIntegration(ctx, b.Integration); err != nil {
		return err
	}
	logger.Info("backfill finished", "items", items, "written", written)
	return e.cascadeBackfill(ctx, b, incremental)
}

func (e *Engine) cascadeBackfill(ctx context.Context, parent Bound, incremental bool) error {
	dependents, err := e.Dependents(ctx, parent.Integration)
	if err != nil {
		return err
	}
	for _, dep := range dependents {
		if !dep.Replicator.Descriptor().SupportsBackfill || !dep.Replicator.BackfillStateMachine().Complete() {
			continue
		}
		if err := e.EnqueueJob(ctx, Job{Kind: JobBackfill, IntegrationID: dep.Integration.ID, Incremental: incremental}); err != nil {
			return err
		}
	}
	return nil
}
