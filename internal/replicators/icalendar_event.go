package replicators

import (
	"net/http"

	"github.com/agentworkforce/hookdb/internal/hookdb"
)

func icalendarEventDescriptor() hookdb.Descriptor {
	d := hookdb.Descriptor{
		Name:      ICalendarEventName,
		DependsOn: ICalendarCalendarName,
	}
	d.New = func(env *hookdb.Env) hookdb.Replicator {
		return &icalendarEvent{base: base{desc: d, env: env}}
	}
	return d
}

// icalendarEvent owns the event table. Its rows are written only by the
// calendar integration it depends on.
type icalendarEvent struct {
	base
}

var icalendarEventSchema = hookdb.TableSchema{
	RemoteKey: textCol("compound_identity", false),
	Columns: []hookdb.Column{
		textCol("calendar_external_id", true),
		textCol("uid", true),
		textCol("recurring_event_id", true),
		col("recurring_event_sequence", hookdb.TypeInteger, false),
		col("start_at", hookdb.TypeTimestamp, true),
		col("end_at", hookdb.TypeTimestamp, true),
		col("start_date", hookdb.TypeDate, true),
		col("end_date", hookdb.TypeDate, true),
		textCol("status", true),
		col("categories", hookdb.TypeTextArray, false),
		col("priority", hookdb.TypeInteger, false),
		col("geo_lat", hookdb.TypeDouble, false),
		col("geo_lng", hookdb.TypeDouble, false),
		textCol("classification", false),
		col("created_at", hookdb.TypeTimestamp, false),
		col("last_modified_at", hookdb.TypeTimestamp, true),
	},
}

func (r *icalendarEvent) VerifyWebhook(hookdb.WebhookRequest) hookdb.WebhookResponse {
	return hookdb.WebhookResponse{
		Status:  http.StatusBadRequest,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    `{"message": "iCalendar events are synced through their calendar integration"}`,
	}
}

func (r *icalendarEvent) Schema() hookdb.TableSchema {
	return icalendarEventSchema
}

// ConflictPredicate compares stored data because feeds often omit
// LAST-MODIFIED.
func (r *icalendarEvent) ConflictPredicate() hookdb.Predicate {
	return hookdb.DataChanged()
}

func (r *icalendarEvent) PrepareRow(hookdb.Payload, any) (hookdb.Row, error) {
	return nil, &hookdb.ConfigurationError{Message: "iCalendar event rows are written by calendar syncs"}
}

func (r *icalendarEvent) CreateStateMachine() hookdb.Step {
	return hookdb.CompleteStep{Output: "Events from every synced iCalendar feed are stored here.\n" +
		readonlyURLOutput(r.env, "iCalendar events")}
}

func (r *icalendarEvent) BackfillStateMachine() hookdb.Step {
	return hookdb.CompleteStep{Output: "iCalendar events are filled in whenever their calendar syncs; there is nothing to backfill."}
}

func (r *icalendarEvent) Transitions() map[string]hookdb.Transition {
	return hookdb.TransitionsFor(nil, nil)
}
