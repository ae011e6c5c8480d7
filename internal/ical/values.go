package ical

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"
)

const (
	dateLayout      = "20060102"
	dateTimeLayout  = "20060102T150405"
	utcDateTimeForm = "20060102T150405Z"
)

// Moment is a decoded DATE or DATE-TIME. Date-only values keep DateOnly set
// and carry midnight UTC in Time purely as a calendar date.
type Moment struct {
	Time     time.Time
	DateOnly bool
}

func (m Moment) IsZero() bool {
	return m.Time.IsZero()
}

// Date returns the calendar date of a date-only moment.
func (m Moment) Date() (int, time.Month, int) {
	return m.Time.Date()
}

var zoneCache sync.Map

// LoadZone resolves a TZID. Unknown or malformed zone names resolve to UTC.
func LoadZone(tzid string) *time.Location {
	tzid = strings.TrimSpace(tzid)
	if tzid == "" || strings.EqualFold(tzid, "utc") || strings.EqualFold(tzid, "z") {
		return time.UTC
	}
	if loc, ok := zoneCache.Load(tzid); ok {
		return loc.(*time.Location)
	}
	loc, err := time.LoadLocation(tzid)
	if err != nil || tzid == "Local" {
		loc = time.UTC
	}
	zoneCache.Store(tzid, loc)
	return loc
}

// ParseMoment decodes a DTSTART-style property, honouring VALUE=DATE and TZID.
func ParseMoment(p Property) (Moment, error) {
	if !p.Valid || strings.TrimSpace(p.Value) == "" {
		return Moment{}, fmt.Errorf("ical: empty date value")
	}
	return parseMomentValue(strings.TrimSpace(p.Value), p.Param("VALUE"), LoadZone(p.Param("TZID")))
}

func parseMomentValue(value, valueType string, loc *time.Location) (Moment, error) {
	if strings.EqualFold(valueType, "DATE") || len(value) == len(dateLayout) {
		t, err := time.ParseInLocation(dateLayout, value, time.UTC)
		if err != nil {
			return Moment{}, fmt.Errorf("ical: parse date %q: %w", value, err)
		}
		return Moment{Time: t, DateOnly: true}, nil
	}
	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse(utcDateTimeForm, value)
		if err != nil {
			return Moment{}, fmt.Errorf("ical: parse date-time %q: %w", value, err)
		}
		return Moment{Time: t}, nil
	}
	t, err := time.ParseInLocation(dateTimeLayout, value, loc)
	if err != nil {
		return Moment{}, fmt.Errorf("ical: parse date-time %q: %w", value, err)
	}
	return Moment{Time: t}, nil
}

// ParseMomentList decodes a comma-separated EXDATE/RDATE property.
func ParseMomentList(p Property) ([]Moment, error) {
	if !p.Valid {
		return nil, nil
	}
	loc := LoadZone(p.Param("TZID"))
	var out []Moment
	for _, part := range strings.Split(p.Value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		m, err := parseMomentValue(part, p.Param("VALUE"), loc)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// ParseDuration decodes an RFC 5545 DURATION such as P1D, PT1H30M or -P2W.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("ical: empty duration")
	}
	sign := time.Duration(1)
	switch s[0] {
	case '-':
		sign = -1
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("ical: duration %q missing P", s)
	}
	s = s[1:]
	var total time.Duration
	inTime := false
	num := ""
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
			continue
		case r == 'T':
			inTime = true
			continue
		}
		if num == "" {
			return 0, fmt.Errorf("ical: malformed duration %q", s)
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			return 0, fmt.Errorf("ical: malformed duration %q: %w", s, err)
		}
		num = ""
		unit := time.Duration(n)
		switch {
		case r == 'W' && !inTime:
			total += unit * 7 * 24 * time.Hour
		case r == 'D' && !inTime:
			total += unit * 24 * time.Hour
		case r == 'H' && inTime:
			total += unit * time.Hour
		case r == 'M' && inTime:
			total += unit * time.Minute
		case r == 'S' && inTime:
			total += unit * time.Second
		default:
			return 0, fmt.Errorf("ical: unknown duration unit %q", r)
		}
	}
	if num != "" {
		return 0, fmt.Errorf("ical: trailing digits in duration %q", s)
	}
	return sign * total, nil
}
