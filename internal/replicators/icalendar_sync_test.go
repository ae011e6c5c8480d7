package replicators

import (
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/hookdb/internal/hookdb"
	"github.com/agentworkforce/hookdb/internal/ical"
)

const testProjection = 2 * 365 * 24 * time.Hour

func feed(events ...string) string {
	return "BEGIN:VCALENDAR\nVERSION:2.0\nPRODID:-//hookdb//test//EN\n" + strings.Join(events, "\n") + "\nEND:VCALENDAR\n"
}

func planFeed(t *testing.T, body string, existing ...storedEvent) calendarSyncPlan {
	t.Helper()
	planner := newSyncPlanner("cal1", existing, testNow, testProjection, slog.New(slog.NewTextHandler(io.Discard, nil)))
	sc := ical.NewScanner(strings.NewReader(body))
	for sc.Next() {
		planner.add(sc.Event())
	}
	require.NoError(t, sc.Err())
	return planner.finish()
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func timePtr(t time.Time) *time.Time { return &t }

func upsertsByUID(plan calendarSyncPlan) map[string]hookdb.Row {
	out := make(map[string]hookdb.Row, len(plan.Upserts))
	for _, row := range plan.Upserts {
		out[row["uid"].(string)] = row
	}
	return out
}

const lincoln = `BEGIN:VEVENT
UID:c7614cff-3549-4a00-9152-d25cc1fe077d
DTSTART;VALUE=DATE:20080212
DTEND;VALUE=DATE:20080213
DTSTAMP:20150421T141403Z
SUMMARY:Abraham Lincoln
CATEGORIES:U.S. Presidents,Civil War People
LOCATION:Hodgenville\, Kentucky
GEO:37.5739497;-85.7399606
DESCRIPTION:Born February 12\, 1809\nSixteenth President (1861-1865)\n\n\n
 \nhttp://AmericanHistoryCalendar.com
STATUS:CONFIRMED
CLASS:PUBLIC
PRIORITY:1
URL:http://americanhistorycalendar.com/peoplecalendar/1,328-abraham-lincoln
END:VEVENT`

func TestPlannerBuildsOneOffRow(t *testing.T) {
	plan := planFeed(t, feed(lincoln))
	require.Len(t, plan.Upserts, 1)
	row := plan.Upserts[0]

	assert.Equal(t, "cal1-c7614cff-3549-4a00-9152-d25cc1fe077d", row["compound_identity"])
	assert.Equal(t, "cal1", row["calendar_external_id"])
	assert.Equal(t, "c7614cff-3549-4a00-9152-d25cc1fe077d", row["uid"])
	assert.Nil(t, row["recurring_event_id"])
	assert.Nil(t, row["recurring_event_sequence"])

	assert.Equal(t, day(2008, 2, 12), *row["start_date"].(*time.Time))
	assert.Equal(t, day(2008, 2, 13), *row["end_date"].(*time.Time))
	assert.Nil(t, row["start_at"])
	assert.Nil(t, row["end_at"])

	assert.Equal(t, []string{"U.S. Presidents", "Civil War People"}, row["categories"])
	assert.InDelta(t, 37.5739497, *row["geo_lat"].(*float64), 1e-9)
	assert.InDelta(t, -85.7399606, *row["geo_lng"].(*float64), 1e-9)
	assert.Equal(t, "CONFIRMED", *row["status"].(*string))
	assert.Equal(t, "PUBLIC", *row["classification"].(*string))
	assert.Equal(t, 1, *row["priority"].(*int))
	assert.Nil(t, row["last_modified_at"].(*time.Time), "no LAST-MODIFIED stays null")

	var data map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(row[hookdb.DataColumn].(string)), &data))
	assert.Equal(t, "Born February 12, 1809\nSixteenth President (1861-1865)\n\n\n\nhttp://AmericanHistoryCalendar.com", data["DESCRIPTION"]["v"])
	assert.Equal(t, "Hodgenville, Kentucky", data["LOCATION"]["v"])
	assert.Equal(t, "DATE", data["DTSTART"]["VALUE"])
	assert.Equal(t, "20080212", data["DTSTART"]["v"])

	_, _, err := hookdb.BuildUpsert("events", icalendarEventSchema, row, hookdb.DataChanged(), testNow)
	require.NoError(t, err)
}

func modifiedEvent(uid, lastModified string) string {
	return "BEGIN:VEVENT\nUID:" + uid + "\nDTSTART:20240301T090000Z\nLAST-MODIFIED:" + lastModified + "\nSUMMARY:x\nEND:VEVENT"
}

func TestPlannerStoresZeroCountRuleAsSingleEvent(t *testing.T) {
	plan := planFeed(t, feed("BEGIN:VEVENT\nUID:u1\nDTSTART:20240301T090000Z\nRRULE:FREQ=DAILY;COUNT=0\nEND:VEVENT"))
	require.Len(t, plan.Upserts, 1)
	assert.Equal(t, "u1", plan.Upserts[0]["uid"])
	assert.Nil(t, plan.Upserts[0]["recurring_event_id"])
}

func TestPlannerSkipsUnchangedEvents(t *testing.T) {
	stored := storedEvent{UID: "u1", LastModified: timePtr(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)), Status: "CONFIRMED"}

	plan := planFeed(t, feed(modifiedEvent("u1", "20240101T000000Z")), stored)
	assert.Empty(t, plan.Upserts)
	assert.Equal(t, 1, plan.Skipped)
	assert.Empty(t, plan.Cancel, "a skipped event still counts as present")

	plan = planFeed(t, feed(modifiedEvent("u1", "20240102T000000Z")), stored)
	require.Len(t, plan.Upserts, 1)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), *plan.Upserts[0]["last_modified_at"].(*time.Time))
}

func TestPlannerReprocessesEventsWithoutLastModified(t *testing.T) {
	stored := storedEvent{UID: "u1", LastModified: timePtr(testNow.Add(time.Hour))}
	plan := planFeed(t, feed("BEGIN:VEVENT\nUID:u1\nDTSTART:20240301T090000Z\nEND:VEVENT"), stored)
	require.Len(t, plan.Upserts, 1)
	assert.Zero(t, plan.Skipped)
	assert.Nil(t, plan.Upserts[0]["last_modified_at"].(*time.Time))
}

func TestPlannerReprocessesCancelledEventThatReturns(t *testing.T) {
	stored := storedEvent{UID: "u1", LastModified: timePtr(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)), Status: statusCancelled}
	plan := planFeed(t, feed(modifiedEvent("u1", "20240101T000000Z")), stored)
	require.Len(t, plan.Upserts, 1)
	assert.Nil(t, plan.Upserts[0]["status"])
}

func TestPlannerCancelsEventsMissingFromFeed(t *testing.T) {
	plan := planFeed(t, feed(modifiedEvent("u1", "20240101T000000Z")),
		storedEvent{UID: "gone"},
		storedEvent{UID: "r-0", RecurringID: "r", Sequence: 0},
		storedEvent{UID: "r-1", RecurringID: "r", Sequence: 1},
		storedEvent{UID: "old", Status: statusCancelled},
	)
	assert.Equal(t, []string{"cal1-gone", "cal1-r-0", "cal1-r-1"}, plan.Cancel)
	assert.Empty(t, plan.Delete)
}

const yearly = `BEGIN:VEVENT
UID:bday
DTSTART;VALUE=DATE:20080212
DTEND;VALUE=DATE:20080213
RRULE:FREQ=YEARLY;UNTIL=20110101
LAST-MODIFIED:20240201T000000Z
SUMMARY:Birthday
END:VEVENT`

func TestPlannerProjectsRecurringEvents(t *testing.T) {
	plan := planFeed(t, feed(yearly))
	require.Len(t, plan.Upserts, 3)
	rows := upsertsByUID(plan)

	for seq, year := range []int{2008, 2009, 2010} {
		uid := "bday-" + strconv.Itoa(seq)
		row, ok := rows[uid]
		require.True(t, ok, uid)
		assert.Equal(t, "cal1-"+uid, row["compound_identity"])
		assert.Equal(t, "bday", *row["recurring_event_id"].(*string))
		assert.Equal(t, seq, *row["recurring_event_sequence"].(*int))
		assert.Equal(t, day(year, 2, 12), *row["start_date"].(*time.Time))
		assert.Equal(t, day(year, 2, 13), *row["end_date"].(*time.Time))
	}
}

func storedProjections(uid string, n int) []storedEvent {
	out := make([]storedEvent, n)
	for i := range out {
		out[i] = storedEvent{
			UID:          uid + "-" + strconv.Itoa(i),
			RecurringID:  uid,
			Sequence:     i,
			LastModified: timePtr(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)),
		}
	}
	return out
}

func TestPlannerDeletesProjectionsARuleNoLongerGenerates(t *testing.T) {
	shorter := strings.Replace(yearly, "UNTIL=20110101", "UNTIL=20090301", 1)
	plan := planFeed(t, feed(shorter), storedProjections("bday", 3)...)
	assert.Len(t, plan.Upserts, 2)
	assert.Equal(t, []string{"cal1-bday-2"}, plan.Delete)
	assert.Empty(t, plan.Cancel)

	beforeStart := strings.Replace(yearly, "UNTIL=20110101", "UNTIL=20070101", 1)
	plan = planFeed(t, feed(beforeStart), storedProjections("bday", 3)...)
	assert.Empty(t, plan.Upserts)
	assert.Equal(t, []string{"cal1-bday-0", "cal1-bday-1", "cal1-bday-2"}, plan.Delete)
	assert.Empty(t, plan.Cancel)
}

func TestPlannerEndFromDurationOrNothing(t *testing.T) {
	plan := planFeed(t, feed(
		"BEGIN:VEVENT\nUID:open\nDTSTART:20240301T090000Z\nEND:VEVENT",
		"BEGIN:VEVENT\nUID:timed\nDTSTART:20240301T090000Z\nDURATION:PT1H30M\nEND:VEVENT",
	))
	rows := upsertsByUID(plan)

	assert.Nil(t, rows["open"]["end_at"])
	assert.Nil(t, rows["open"]["end_date"])
	assert.Equal(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), *rows["open"]["start_at"].(*time.Time))
	assert.Equal(t, time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC), *rows["timed"]["end_at"].(*time.Time))
}

func TestPlannerHonoursExdate(t *testing.T) {
	plan := planFeed(t, feed(`BEGIN:VEVENT
UID:standup
DTSTART:20240301T090000Z
DTEND:20240301T091500Z
RRULE:FREQ=DAILY;COUNT=3
EXDATE:20240302T090000Z
END:VEVENT`))
	require.Len(t, plan.Upserts, 2)
	rows := upsertsByUID(plan)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), *rows["standup-0"]["start_at"].(*time.Time))
	assert.Equal(t, time.Date(2024, 3, 3, 9, 0, 0, 0, time.UTC), *rows["standup-1"]["start_at"].(*time.Time))
	assert.Equal(t, time.Date(2024, 3, 3, 9, 15, 0, 0, time.UTC), *rows["standup-1"]["end_at"].(*time.Time))
}

func TestPlannerResolvesZones(t *testing.T) {
	plan := planFeed(t, feed(
		"BEGIN:VEVENT\nUID:ny\nDTSTART;TZID=America/New_York:20240301T090000\nEND:VEVENT",
		"BEGIN:VEVENT\nUID:mars\nDTSTART;TZID=Mars/Olympus_Mons:20240301T090000\nEND:VEVENT",
	))
	rows := upsertsByUID(plan)
	assert.Equal(t, time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC), *rows["ny"]["start_at"].(*time.Time))
	assert.Equal(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), *rows["mars"]["start_at"].(*time.Time))
}

func TestPlannerSwitchesBetweenOneOffAndRecurring(t *testing.T) {
	recurring := "BEGIN:VEVENT\nUID:u\nDTSTART:20240301T090000Z\nRRULE:FREQ=DAILY;COUNT=2\nEND:VEVENT"
	plan := planFeed(t, feed(recurring), storedEvent{UID: "u"})
	assert.Len(t, plan.Upserts, 2)
	assert.Equal(t, []string{"cal1-u"}, plan.Delete)

	oneOff := "BEGIN:VEVENT\nUID:u\nDTSTART:20240301T090000Z\nEND:VEVENT"
	plan = planFeed(t, feed(oneOff), storedProjections("u", 2)...)
	require.Len(t, plan.Upserts, 1)
	assert.Equal(t, "cal1-u", plan.Upserts[0]["compound_identity"])
	assert.Equal(t, []string{"cal1-u-0", "cal1-u-1"}, plan.Delete)
}

func TestPlannerSkipsEventsItCannotPlace(t *testing.T) {
	plan := planFeed(t, feed(
		"BEGIN:VEVENT\nDTSTART:20240301T090000Z\nSUMMARY:no uid\nEND:VEVENT",
		"BEGIN:VEVENT\nUID:nostart\nSUMMARY:no start\nEND:VEVENT",
		"BEGIN:VEVENT\nUID:dup\nDTSTART:20240301T090000Z\nSUMMARY:first\nEND:VEVENT",
		"BEGIN:VEVENT\nUID:dup\nDTSTART:20240302T090000Z\nSUMMARY:second\nEND:VEVENT",
		"BEGIN:VEVENT\nUID:dup\nRECURRENCE-ID:20240303T090000Z\nDTSTART:20240303T100000Z\nEND:VEVENT",
	))
	require.Len(t, plan.Upserts, 1)
	assert.Equal(t, "dup", plan.Upserts[0]["uid"])
	assert.Equal(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), *plan.Upserts[0]["start_at"].(*time.Time))
}

func TestPlannerStoresUnreadableRuleAsSingleEvent(t *testing.T) {
	plan := planFeed(t, feed("BEGIN:VEVENT\nUID:odd\nDTSTART:20240301T090000Z\nRRULE:FREQ=SOMETIMES\nEND:VEVENT"))
	require.Len(t, plan.Upserts, 1)
	assert.Equal(t, "cal1-odd", plan.Upserts[0]["compound_identity"])
	assert.Nil(t, plan.Upserts[0]["recurring_event_id"])
}

func TestSplitTextList(t *testing.T) {
	assert.Equal(t, []string{"a,b", "c"}, splitTextList(`a\,b,c`))
	assert.Equal(t, []string{"solo"}, splitTextList("solo"))
}

func TestPlannerStopsAtUntilBeforeHorizon(t *testing.T) {
	now := time.Date(2022, 6, 6, 0, 0, 0, 0, time.UTC)
	planner := newSyncPlanner("cal1", nil, now, testProjection, slog.New(slog.NewTextHandler(io.Discard, nil)))
	sc := ical.NewScanner(strings.NewReader(feed("BEGIN:VEVENT\nUID:ny\nDTSTART;VALUE=DATE:20180101\nRRULE:FREQ=YEARLY;UNTIL=20200101\nEND:VEVENT")))
	for sc.Next() {
		planner.add(sc.Event())
	}
	plan := planner.finish()

	require.Len(t, plan.Upserts, 3)
	for i, year := range []int{2018, 2019, 2020} {
		assert.Equal(t, day(year, 1, 1), *plan.Upserts[i]["start_date"].(*time.Time))
	}
}
