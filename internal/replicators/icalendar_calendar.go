package replicators

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/agentworkforce/hookdb/internal/hookdb"
	"github.com/agentworkforce/hookdb/internal/ical"
)

const (
	calendarRequestSync     = "SYNC"
	calendarRequestDelete   = "DELETE"
	calendarRequestUnitTest = "__WHDB_UNIT_TEST"
)

func icalendarCalendarDescriptor() hookdb.Descriptor {
	d := hookdb.Descriptor{
		Name:             ICalendarCalendarName,
		SupportsWebhooks: true,
	}
	d.New = func(env *hookdb.Env) hookdb.Replicator {
		return &icalendarCalendar{base: base{desc: d, env: env}}
	}
	return d
}

// icalendarCalendar stores the feeds a tenant wants synced. Its webhooks are
// commands from the tenant's own backend; the events themselves land in the
// dependent icalendar event table.
type icalendarCalendar struct {
	base
}

func (r *icalendarCalendar) VerifyWebhook(req hookdb.WebhookRequest) hookdb.WebhookResponse {
	return hookdb.SharedSecretVerifier{Secret: r.sint().WebhookSecret}.Verify(req)
}

func (r *icalendarCalendar) Schema() hookdb.TableSchema {
	return hookdb.TableSchema{
		RemoteKey: textCol("external_id", false),
		Columns:   []hookdb.Column{textCol("ics_url", false)},
		Extra:     []hookdb.Column{col("last_synced_at", hookdb.TypeTimestamp, true)},
	}
}

func (r *icalendarCalendar) ConflictPredicate() hookdb.Predicate {
	return hookdb.Always()
}

func (r *icalendarCalendar) PrepareRow(payload hookdb.Payload, _ any) (hookdb.Row, error) {
	id := payload.String("external_id")
	if id == nil || *id == "" {
		return nil, &hookdb.ConfigurationError{Message: "calendar requests need an external_id"}
	}
	row := hookdb.Row{
		"external_id":     *id,
		"ics_url":         nil,
		hookdb.DataColumn: "{}",
	}
	if u := payload.String("ics_url"); u != nil {
		row["ics_url"] = normalizeFeedURL(*u)
	}
	return row, nil
}

func normalizeFeedURL(u string) string {
	u = strings.TrimSpace(u)
	if rest, ok := strings.CutPrefix(u, "webcal://"); ok {
		return "https://" + rest
	}
	return u
}

// HandleWebhookBody dispatches on the request type.
func (r *icalendarCalendar) HandleWebhookBody(ctx context.Context, body hookdb.Payload) error {
	typ := ""
	if s := body.String("type"); s != nil {
		typ = *s
	}
	switch typ {
	case calendarRequestUnitTest:
		_, err := hookdb.UpsertPayload(ctx, r.env, r, body)
		return err
	case calendarRequestSync:
		row, err := r.PrepareRow(body, nil)
		if err != nil {
			return err
		}
		if _, err := hookdb.UpsertPrepared(ctx, r.env, r, row); err != nil {
			return err
		}
		return r.env.Enqueue(ctx, hookdb.Job{Kind: hookdb.JobRowSync, RowKey: row["external_id"].(string)})
	case calendarRequestDelete:
		id := body.String("external_id")
		if id == nil || *id == "" {
			return &hookdb.ConfigurationError{Message: "calendar requests need an external_id"}
		}
		return r.deleteCalendar(ctx, *id)
	}
	return &hookdb.ConfigurationError{Message: "Unknown request type: " + typ}
}

// deleteCalendar removes the calendar row and, in the same call, every
// dependent row keyed to it.
func (r *icalendarCalendar) deleteCalendar(ctx context.Context, externalID string) error {
	if _, err := hookdb.DeleteRows(ctx, r.env, "external_id", externalID); err != nil {
		return err
	}
	deps, err := r.env.Dependents(ctx)
	if err != nil {
		return err
	}
	for _, dep := range deps {
		n, err := hookdb.DeleteRows(ctx, dep.Env, "calendar_external_id", externalID)
		if err != nil {
			return fmt.Errorf("delete %s rows of calendar %s: %w", dep.Integration.ServiceName, externalID, err)
		}
		r.env.Log().Info("deleted calendar rows", "calendar_external_id", externalID, "dependent", dep.Integration.OpaqueID, "rows", n)
	}
	return nil
}

// RowsNeedingSync lists calendars never synced or last synced before the
// freshness window.
func (r *icalendarCalendar) RowsNeedingSync(ctx context.Context) ([]string, error) {
	table := r.sint().TableName
	cutoff := r.env.Time().Add(-r.env.Settings.CalendarFreshnessWindow)
	var keys []string
	err := r.env.DB.Admin(ctx, hookdb.FastTimeout, func(ctx context.Context, q hookdb.Querier) error {
		exists, err := hookdb.TableExists(ctx, q, table)
		if err != nil || !exists {
			return err
		}
		rows, err := q.Query(ctx, fmt.Sprintf(
			"SELECT external_id FROM %s WHERE ics_url IS NOT NULL AND (last_synced_at IS NULL OR last_synced_at < $1) ORDER BY pk",
			pgx.Identifier{table}.Sanitize()), cutoff)
		if err != nil {
			return &hookdb.StorageError{Op: "list stale calendars", Err: err}
		}
		keys, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	return keys, err
}

// SyncRow fetches one calendar's feed and applies it to the event table.
func (r *icalendarCalendar) SyncRow(ctx context.Context, externalID string) error {
	logger := r.env.Log().With("calendar_external_id", externalID)
	feedURL, found, err := r.feedURL(ctx, externalID)
	if err != nil {
		return err
	}
	if !found {
		logger.Info("calendar no longer exists, skipping sync")
		return nil
	}
	events, err := r.eventIntegration(ctx)
	if err != nil {
		return err
	}
	if events == nil || feedURL == "" {
		return r.markSynced(ctx, externalID)
	}

	body, err := r.env.HTTP.Do(ctx, hookdb.UpstreamRequest{
		URL:    feedURL,
		Header: http.Header{"Accept": {"text/calendar"}},
	})
	if err != nil {
		return err
	}
	existing, err := loadStoredEvents(ctx, events, externalID)
	if err != nil {
		return err
	}
	planner := newSyncPlanner(externalID, existing, r.env.Time(), r.env.Settings.RecurrenceProjection, logger)
	scanner := ical.NewScanner(bytes.NewReader(body))
	for scanner.Next() {
		planner.add(scanner.Event())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("parse feed of calendar %s: %w", externalID, err)
	}
	plan := planner.finish()
	if err := applyCalendarPlan(ctx, events, plan); err != nil {
		return err
	}
	logger.Info("calendar synced", "upserts", len(plan.Upserts), "cancelled", len(plan.Cancel), "deleted", len(plan.Delete), "unchanged", plan.Skipped)
	return r.markSynced(ctx, externalID)
}

func (r *icalendarCalendar) feedURL(ctx context.Context, externalID string) (string, bool, error) {
	var feed *string
	found := false
	err := r.env.DB.Admin(ctx, hookdb.FastTimeout, func(ctx context.Context, q hookdb.Querier) error {
		err := q.QueryRow(ctx, fmt.Sprintf("SELECT ics_url FROM %s WHERE external_id = $1",
			pgx.Identifier{r.sint().TableName}.Sanitize()), externalID).Scan(&feed)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return &hookdb.StorageError{Op: "load calendar " + externalID, Err: err}
		}
		found = true
		return nil
	})
	if err != nil || feed == nil {
		return "", found, err
	}
	return *feed, found, nil
}

func (r *icalendarCalendar) eventIntegration(ctx context.Context) (*hookdb.Bound, error) {
	deps, err := r.env.Dependents(ctx)
	if err != nil {
		return nil, err
	}
	for i := range deps {
		if deps[i].Replicator.Descriptor().Name == ICalendarEventName {
			return &deps[i], nil
		}
	}
	return nil, nil
}

func (r *icalendarCalendar) markSynced(ctx context.Context, externalID string) error {
	return r.env.DB.Admin(ctx, hookdb.FastTimeout, func(ctx context.Context, q hookdb.Querier) error {
		_, err := q.Exec(ctx, fmt.Sprintf("UPDATE %s SET last_synced_at = $1 WHERE external_id = $2",
			pgx.Identifier{r.sint().TableName}.Sanitize()), r.env.Time().UTC(), externalID)
		if err != nil {
			return &hookdb.StorageError{Op: "mark calendar synced", Err: err}
		}
		return nil
	})
}

func loadStoredEvents(ctx context.Context, events *hookdb.Bound, calendarID string) ([]storedEvent, error) {
	table := events.Integration.TableName
	var out []storedEvent
	err := events.Env.DB.Admin(ctx, hookdb.FastTimeout, func(ctx context.Context, q hookdb.Querier) error {
		exists, err := hookdb.TableExists(ctx, q, table)
		if err != nil || !exists {
			return err
		}
		rows, err := q.Query(ctx, fmt.Sprintf(
			"SELECT uid, recurring_event_id, recurring_event_sequence, last_modified_at, status FROM %s WHERE calendar_external_id = $1",
			pgx.Identifier{table}.Sanitize()), calendarID)
		if err != nil {
			return &hookdb.StorageError{Op: "load events of calendar " + calendarID, Err: err}
		}
		defer rows.Close()
		for rows.Next() {
			var (
				s           storedEvent
				recurringID *string
				sequence    *int32
				status      *string
			)
			if err := rows.Scan(&s.UID, &recurringID, &sequence, &s.LastModified, &status); err != nil {
				return err
			}
			if recurringID != nil {
				s.RecurringID = *recurringID
			}
			if sequence != nil {
				s.Sequence = int(*sequence)
			}
			if status != nil {
				s.Status = *status
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	return out, err
}

// applyCalendarPlan writes the plan in one transaction so readers never see
// a half-synced calendar.
func applyCalendarPlan(ctx context.Context, events *hookdb.Bound, plan calendarSyncPlan) error {
	table := events.Integration.TableName
	schema := events.Replicator.Schema()
	pred := events.Replicator.ConflictPredicate()
	now := events.Env.Time().UTC()
	return events.Env.DB.Admin(ctx, hookdb.SlowSchema, func(ctx context.Context, q hookdb.Querier) error {
		exists, err := hookdb.TableExists(ctx, q, table)
		if err != nil {
			return err
		}
		if !exists {
			if err := hookdb.EnsureTable(ctx, q, table, schema); err != nil {
				return err
			}
		}
		return pgx.BeginFunc(ctx, q, func(tx pgx.Tx) error {
			for _, row := range plan.Upserts {
				if _, err := hookdb.UpsertRow(ctx, tx, table, schema, row, pred, now); err != nil {
					return err
				}
			}
			quoted := pgx.Identifier{table}.Sanitize()
			if len(plan.Delete) > 0 {
				if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE compound_identity = ANY($1)", quoted), plan.Delete); err != nil {
					return &hookdb.StorageError{Op: "delete stale events", Err: err}
				}
			}
			if len(plan.Cancel) > 0 {
				_, err := tx.Exec(ctx, fmt.Sprintf(
					`UPDATE %s SET status = $1, data = jsonb_set(data, '{STATUS}', jsonb_build_object('v', $1::text)), row_updated_at = $2 WHERE compound_identity = ANY($3)`,
					quoted), statusCancelled, now, plan.Cancel)
				if err != nil {
					return &hookdb.StorageError{Op: "cancel missing events", Err: err}
				}
			}
			return nil
		})
	})
}

func (r *icalendarCalendar) createFields() []hookdb.RequiredField {
	return []hookdb.RequiredField{{
		Field: hookdb.WebhookSecretField,
		Output: `You are about to add support for syncing iCalendar (.ics) URLs into WebhookDB.

We need a secret your backend will send in the ` + hookdb.SharedSecretHeader + ` header
with every request, so WebhookDB knows the request really came from you.`,
		Prompt: "Paste or type a random secret here:",
		Secret: true,
	}}
}

func (r *icalendarCalendar) completeOutput() string {
	return fmt.Sprintf(`All set! Here is the endpoint to send requests to from your backend:

%s

Send a POST with the %s header set to your secret and a JSON body such as:

  {"type": "SYNC", "ics_url": "https://example.com/calendar.ics", "external_id": "<your id>"}

SYNC adds or updates a calendar and syncs it right away. Calendars are then
re-synced every %s. DELETE with an external_id removes a calendar and its events.
%s`, r.env.WebhookURL(), hookdb.SharedSecretHeader, r.env.Settings.CalendarFreshnessWindow.Round(time.Minute),
		readonlyURLOutput(r.env, "calendars"))
}

func (r *icalendarCalendar) CreateStateMachine() hookdb.Step {
	return hookdb.NextStep(r.env, r.createFields(), func() hookdb.Step {
		return hookdb.CompleteStep{Output: r.completeOutput()}
	})
}

// BackfillStateMachine is the create machine; calendars are only ever filled
// by requests from the tenant.
func (r *icalendarCalendar) BackfillStateMachine() hookdb.Step {
	return r.CreateStateMachine()
}

func (r *icalendarCalendar) Transitions() map[string]hookdb.Transition {
	return hookdb.TransitionsFor(r.createFields(), nil)
}
