package replicators

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/hookdb/internal/hookdb"
	"github.com/agentworkforce/hookdb/internal/ical"
)

const statusCancelled = "CANCELLED"

// textProperties hold TEXT values whose escapes are decoded before storage.
var textProperties = []string{
	"CATEGORIES", "CLASS", "COMMENT", "CONTACT", "DESCRIPTION",
	"LOCATION", "RELATED-TO", "RESOURCES", "STATUS", "SUMMARY",
}

// storedEvent is the slice of an existing event row the planner compares
// against.
type storedEvent struct {
	UID          string
	RecurringID  string
	Sequence     int
	LastModified *time.Time
	Status       string
}

func (s storedEvent) baseUID() string {
	if s.RecurringID != "" {
		return s.RecurringID
	}
	return s.UID
}

// calendarSyncPlan is every write one feed fetch implies for one calendar.
type calendarSyncPlan struct {
	Upserts []hookdb.Row
	// Cancel holds compound identities of one-off and projected rows whose
	// uid left the feed. They keep their row with status CANCELLED.
	Cancel []string
	// Delete holds compound identities of projections the current rule no
	// longer generates, and rows that changed between one-off and recurring.
	Delete  []string
	Skipped int
}

// syncPlanner consumes events one at a time so the feed never has to be
// held in memory as a whole.
type syncPlanner struct {
	calendarID string
	now        time.Time
	horizon    time.Time
	logger     *slog.Logger

	existing map[string][]storedEvent
	seen     map[string]bool
	plan     calendarSyncPlan
}

func newSyncPlanner(calendarID string, existing []storedEvent, now time.Time, projection time.Duration, logger *slog.Logger) *syncPlanner {
	if logger == nil {
		logger = slog.Default()
	}
	byUID := make(map[string][]storedEvent, len(existing))
	for _, s := range existing {
		byUID[s.baseUID()] = append(byUID[s.baseUID()], s)
	}
	return &syncPlanner{
		calendarID: calendarID,
		now:        now.UTC(),
		horizon:    now.UTC().Add(projection),
		logger:     logger,
		existing:   byUID,
		seen:       map[string]bool{},
	}
}

func (p *syncPlanner) compound(rowUID string) string {
	return p.calendarID + "-" + rowUID
}

func (p *syncPlanner) add(ev ical.Event) {
	uid := strings.TrimSpace(ev.Value("UID"))
	if uid == "" {
		p.logger.Warn("skipping event without uid", "calendar_external_id", p.calendarID)
		return
	}
	if _, ok := ev.Get("RECURRENCE-ID"); ok {
		// Overrides of single instances are not projected separately.
		p.logger.Debug("skipping recurrence override", "calendar_external_id", p.calendarID, "uid", uid)
		return
	}
	if p.seen[uid] {
		p.logger.Debug("skipping duplicate uid", "calendar_external_id", p.calendarID, "uid", uid)
		return
	}
	p.seen[uid] = true

	// Without LAST-MODIFIED the event is always reprocessed and the column
	// stays null.
	lastModified := optionalTime(ev, "LAST-MODIFIED")
	stored := p.existing[uid]
	if lastModified != nil && p.unchanged(ev, stored, *lastModified) {
		p.plan.Skipped++
		return
	}

	startProp, ok := ev.Get("DTSTART")
	if !ok {
		p.logger.Warn("skipping event without DTSTART", "calendar_external_id", p.calendarID, "uid", uid)
		return
	}
	start, err := ical.ParseMoment(startProp)
	if err != nil {
		p.logger.Warn("skipping event with unreadable DTSTART", "calendar_external_id", p.calendarID, "uid", uid, "error", err)
		return
	}
	end := p.endMoment(ev, start, uid)

	if ruleProp, ok := ev.Get("RRULE"); ok && ruleProp.Valid {
		rule, err := ical.ParseRule(ruleProp.Value)
		if err == nil {
			p.addRecurring(ev, uid, rule, start, end, lastModified, stored)
			return
		}
		p.logger.Warn("storing event with unreadable RRULE as a single occurrence",
			"calendar_external_id", p.calendarID, "uid", uid, "error", err)
	}
	p.addSingle(ev, uid, start, end, lastModified, stored)
}

// unchanged reports whether every stored row for the uid already reflects a
// LAST-MODIFIED at least as new as the incoming one. A cancelled row coming
// back into the feed is always reprocessed.
func (p *syncPlanner) unchanged(ev ical.Event, stored []storedEvent, lastModified time.Time) bool {
	if len(stored) == 0 {
		return false
	}
	incomingCancelled := strings.EqualFold(ev.Value("STATUS"), statusCancelled)
	for _, s := range stored {
		if s.LastModified == nil || lastModified.After(*s.LastModified) {
			return false
		}
		if s.Status == statusCancelled && !incomingCancelled {
			return false
		}
	}
	return true
}

func (p *syncPlanner) endMoment(ev ical.Event, start ical.Moment, uid string) *ical.Moment {
	if prop, ok := ev.Get("DTEND"); ok {
		end, err := ical.ParseMoment(prop)
		if err == nil {
			return &end
		}
		p.logger.Warn("ignoring unreadable DTEND", "calendar_external_id", p.calendarID, "uid", uid, "error", err)
	}
	if prop, ok := ev.Get("DURATION"); ok && prop.Valid {
		d, err := ical.ParseDuration(prop.Value)
		if err == nil {
			end := ical.Moment{Time: start.Time.Add(d), DateOnly: start.DateOnly}
			return &end
		}
		p.logger.Warn("ignoring unreadable DURATION", "calendar_external_id", p.calendarID, "uid", uid, "error", err)
	}
	return nil
}

func (p *syncPlanner) addSingle(ev ical.Event, uid string, start ical.Moment, end *ical.Moment, lastModified *time.Time, stored []storedEvent) {
	row, err := p.row(ev, uid, nil, start, end, lastModified)
	if err != nil {
		p.logger.Warn("skipping event that cannot be encoded", "calendar_external_id", p.calendarID, "uid", uid, "error", err)
		return
	}
	p.plan.Upserts = append(p.plan.Upserts, row)
	for _, s := range stored {
		if s.RecurringID != "" {
			p.plan.Delete = append(p.plan.Delete, p.compound(s.UID))
		}
	}
}

func (p *syncPlanner) addRecurring(ev ical.Event, uid string, rule ical.Rule, start ical.Moment, end *ical.Moment, lastModified *time.Time, stored []storedEvent) {
	var excluded []time.Time
	for _, prop := range ev.All("EXDATE") {
		moments, err := ical.ParseMomentList(prop)
		if err != nil {
			p.logger.Warn("ignoring unreadable EXDATE", "calendar_external_id", p.calendarID, "uid", uid, "error", err)
			continue
		}
		for _, m := range moments {
			excluded = append(excluded, m.Time)
		}
	}
	occurrences, err := rule.Occurrences(start.Time, p.horizon, excluded)
	if err != nil {
		p.logger.Warn("skipping event whose rule cannot be projected", "calendar_external_id", p.calendarID, "uid", uid, "error", err)
		return
	}
	var length time.Duration
	if end != nil {
		length = end.Time.Sub(start.Time)
	}
	for seq, at := range occurrences {
		occStart := ical.Moment{Time: at, DateOnly: start.DateOnly}
		var occEnd *ical.Moment
		if end != nil {
			occEnd = &ical.Moment{Time: at.Add(length), DateOnly: end.DateOnly}
		}
		row, err := p.row(ev, uid, &seq, occStart, occEnd, lastModified)
		if err != nil {
			p.logger.Warn("skipping occurrence that cannot be encoded", "calendar_external_id", p.calendarID, "uid", uid, "error", err)
			continue
		}
		p.plan.Upserts = append(p.plan.Upserts, row)
	}
	for _, s := range stored {
		if s.RecurringID == "" || s.Sequence >= len(occurrences) {
			p.plan.Delete = append(p.plan.Delete, p.compound(s.UID))
		}
	}
}

// finish cancels rows whose uid did not appear in the feed.
func (p *syncPlanner) finish() calendarSyncPlan {
	for uid, stored := range p.existing {
		if p.seen[uid] {
			continue
		}
		for _, s := range stored {
			if s.Status != statusCancelled {
				p.plan.Cancel = append(p.plan.Cancel, p.compound(s.UID))
			}
		}
	}
	sort.Strings(p.plan.Cancel)
	sort.Strings(p.plan.Delete)
	return p.plan
}

// row builds one event row. seq is nil for one-off events.
func (p *syncPlanner) row(ev ical.Event, uid string, seq *int, start ical.Moment, end *ical.Moment, lastModified *time.Time) (hookdb.Row, error) {
	rowUID := uid
	var recurringID *string
	var sequence *int
	if seq != nil {
		rowUID = uid + "-" + strconv.Itoa(*seq)
		id, n := uid, *seq
		recurringID, sequence = &id, &n
	}
	data, err := eventData(ev)
	if err != nil {
		return nil, err
	}
	row := hookdb.Row{
		"compound_identity":        p.compound(rowUID),
		"calendar_external_id":     p.calendarID,
		"uid":                      rowUID,
		"recurring_event_id":       recurringID,
		"recurring_event_sequence": sequence,
		"status":                   optionalText(ev, "STATUS"),
		"categories":               categories(ev),
		"priority":                 optionalInt(ev, "PRIORITY"),
		"classification":           optionalText(ev, "CLASS"),
		"created_at":               optionalTime(ev, "CREATED"),
		"last_modified_at":         lastModified,
		hookdb.DataColumn:          data,
	}
	setMoment(row, "start", &start)
	setMoment(row, "end", end)
	lat, lng := geo(ev)
	row["geo_lat"] = lat
	row["geo_lng"] = lng
	return row, nil
}

// setMoment writes date-only values to <prefix>_date and instants to
// <prefix>_at, leaving the other column null.
func setMoment(row hookdb.Row, prefix string, m *ical.Moment) {
	var at, date *time.Time
	if m != nil {
		t := m.Time
		if m.DateOnly {
			date = &t
		} else {
			t = t.UTC()
			at = &t
		}
	}
	row[prefix+"_at"] = at
	row[prefix+"_date"] = date
}

func eventData(ev ical.Event) (string, error) {
	decoded := ev.Clone()
	for _, name := range textProperties {
		props := ev.All(name)
		for i, prop := range props {
			prop.Value = ical.UnescapeText(prop.Value)
			if i == 0 {
				decoded.Set(name, prop)
			} else {
				decoded.Add(name, prop)
			}
		}
	}
	raw, err := json.Marshal(decoded)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	return string(raw), nil
}

func optionalText(ev ical.Event, name string) *string {
	v := strings.TrimSpace(ical.UnescapeText(ev.Value(name)))
	if v == "" {
		return nil
	}
	return &v
}

func optionalInt(ev ical.Event, name string) *int {
	n, err := strconv.Atoi(strings.TrimSpace(ev.Value(name)))
	if err != nil {
		return nil
	}
	return &n
}

func optionalTime(ev ical.Event, name string) *time.Time {
	prop, ok := ev.Get(name)
	if !ok {
		return nil
	}
	m, err := ical.ParseMoment(prop)
	if err != nil {
		return nil
	}
	t := m.Time.UTC()
	return &t
}

func categories(ev ical.Event) []string {
	var out []string
	for _, prop := range ev.All("CATEGORIES") {
		for _, part := range splitTextList(prop.Value) {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// splitTextList splits a TEXT list on unescaped commas and decodes each item.
func splitTextList(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case ',':
			out = append(out, ical.UnescapeText(s[start:i]))
			start = i + 1
		}
	}
	return append(out, ical.UnescapeText(s[start:]))
}

func geo(ev ical.Event) (*float64, *float64) {
	latRaw, lngRaw, ok := strings.Cut(ev.Value("GEO"), ";")
	if !ok {
		return nil, nil
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latRaw), 64)
	if err != nil {
		return nil, nil
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(lngRaw), 64)
	if err != nil {
		return nil, nil
	}
	return &lat, &lng
}
