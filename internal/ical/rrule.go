package ical

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Frequency int

const (
	Daily Frequency = iota + 1
	Weekly
	Monthly
	Yearly
)

// MaxOccurrences caps how many instances a single rule may project.
const MaxOccurrences = 5000

const maxPeriods = 200000

type WeekdayNum struct {
	// N selects the nth weekday of the month or year; 0 means every one.
	N   int
	Day time.Weekday
}

type Rule struct {
	Freq       Frequency
	Interval   int
	Count      int
	Until      string
	ByDay      []WeekdayNum
	ByMonthDay []int
	ByMonth    []time.Month
	WeekStart  time.Weekday
}

var weekdayCodes = map[string]time.Weekday{
	"SU": time.Sunday,
	"MO": time.Monday,
	"TU": time.Tuesday,
	"WE": time.Wednesday,
	"TH": time.Thursday,
	"FR": time.Friday,
	"SA": time.Saturday,
}

func ParseRule(s string) (Rule, error) {
	r := Rule{Interval: 1, WeekStart: time.Monday}
	for _, part := range strings.Split(strings.TrimSpace(s), ";") {
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return Rule{}, fmt.Errorf("ical: malformed rule part %q", part)
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		value = strings.ToUpper(strings.TrimSpace(value))
		switch key {
		case "FREQ":
			switch value {
			case "DAILY":
				r.Freq = Daily
			case "WEEKLY":
				r.Freq = Weekly
			case "MONTHLY":
				r.Freq = Monthly
			case "YEARLY":
				r.Freq = Yearly
			default:
				return Rule{}, fmt.Errorf("ical: unsupported FREQ %q", value)
			}
		case "INTERVAL":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return Rule{}, fmt.Errorf("ical: invalid INTERVAL %q", value)
			}
			r.Interval = n
		case "COUNT":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return Rule{}, fmt.Errorf("ical: invalid COUNT %q", value)
			}
			r.Count = n
		case "UNTIL":
			r.Until = value
		case "BYDAY":
			for _, item := range strings.Split(value, ",") {
				wd, err := parseWeekdayNum(item)
				if err != nil {
					return Rule{}, err
				}
				r.ByDay = append(r.ByDay, wd)
			}
		case "BYMONTHDAY":
			for _, item := range strings.Split(value, ",") {
				n, err := strconv.Atoi(item)
				if err != nil || n == 0 || n < -31 || n > 31 {
					return Rule{}, fmt.Errorf("ical: invalid BYMONTHDAY %q", item)
				}
				r.ByMonthDay = append(r.ByMonthDay, n)
			}
		case "BYMONTH":
			for _, item := range strings.Split(value, ",") {
				n, err := strconv.Atoi(item)
				if err != nil || n < 1 || n > 12 {
					return Rule{}, fmt.Errorf("ical: invalid BYMONTH %q", item)
				}
				r.ByMonth = append(r.ByMonth, time.Month(n))
			}
		case "WKST":
			wd, ok := weekdayCodes[value]
			if !ok {
				return Rule{}, fmt.Errorf("ical: invalid WKST %q", value)
			}
			r.WeekStart = wd
		}
	}
	if r.Freq == 0 {
		return Rule{}, fmt.Errorf("ical: rule %q has no FREQ", s)
	}
	return r, nil
}

func parseWeekdayNum(s string) (WeekdayNum, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return WeekdayNum{}, fmt.Errorf("ical: invalid BYDAY %q", s)
	}
	day, ok := weekdayCodes[s[len(s)-2:]]
	if !ok {
		return WeekdayNum{}, fmt.Errorf("ical: invalid BYDAY %q", s)
	}
	n := 0
	if prefix := s[:len(s)-2]; prefix != "" {
		v, err := strconv.Atoi(prefix)
		if err != nil || v == 0 || v < -53 || v > 53 {
			return WeekdayNum{}, fmt.Errorf("ical: invalid BYDAY %q", s)
		}
		n = v
	}
	return WeekdayNum{N: n, Day: day}, nil
}

// Occurrences projects the rule from start through the earlier of its UNTIL
// bound and horizon, both inclusive. Excluded instants are dropped after
// COUNT is applied.
func (r Rule) Occurrences(start time.Time, horizon time.Time, excluded []time.Time) ([]time.Time, error) {
	bound := horizon
	if r.Until != "" {
		until, err := r.untilFor(start)
		if err != nil {
			return nil, err
		}
		if until.Before(bound) {
			bound = until
		}
	}
	skip := make(map[int64]struct{}, len(excluded))
	for _, t := range excluded {
		skip[t.Unix()] = struct{}{}
	}

	var out []time.Time
	emitted := 0
	for period := 0; period < maxPeriods; period++ {
		periodStart, candidates := r.expand(start, period)
		if periodStart.After(bound) {
			break
		}
		for _, c := range candidates {
			if c.Before(start) {
				continue
			}
			if c.After(bound) {
				return out, nil
			}
			if r.Count > 0 && emitted >= r.Count {
				return out, nil
			}
			emitted++
			if _, ok := skip[c.Unix()]; ok {
				continue
			}
			out = append(out, c)
			if len(out) >= MaxOccurrences {
				return out, nil
			}
		}
	}
	return out, nil
}

func (r Rule) untilFor(start time.Time) (time.Time, error) {
	v := r.Until
	switch {
	case len(v) == len(dateLayout):
		d, err := time.ParseInLocation(dateLayout, v, start.Location())
		if err != nil {
			return time.Time{}, fmt.Errorf("ical: invalid UNTIL %q: %w", v, err)
		}
		// A date bound includes the whole day.
		return d.Add(24*time.Hour - time.Nanosecond), nil
	case strings.HasSuffix(v, "Z"):
		t, err := time.Parse(utcDateTimeForm, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("ical: invalid UNTIL %q: %w", v, err)
		}
		return t, nil
	default:
		t, err := time.ParseInLocation(dateTimeLayout, v, start.Location())
		if err != nil {
			return time.Time{}, fmt.Errorf("ical: invalid UNTIL %q: %w", v, err)
		}
		return t, nil
	}
}

// expand returns the first instant of the period and the sorted candidate
// occurrences inside it.
func (r Rule) expand(start time.Time, period int) (time.Time, []time.Time) {
	step := period * r.Interval
	switch r.Freq {
	case Daily:
		day := start.AddDate(0, 0, step)
		if r.matchesMonth(day.Month()) && r.matchesMonthDay(day) && r.matchesWeekday(day.Weekday()) {
			return day, []time.Time{day}
		}
		return day, nil
	case Weekly:
		offset := (int(start.Weekday()) - int(r.WeekStart) + 7) % 7
		weekStart := start.AddDate(0, 0, -offset+7*step)
		if len(r.ByDay) == 0 {
			day := start.AddDate(0, 0, 7*step)
			if r.matchesMonth(day.Month()) {
				return weekStart, []time.Time{day}
			}
			return weekStart, nil
		}
		var out []time.Time
		for _, wd := range r.ByDay {
			day := weekStart.AddDate(0, 0, (int(wd.Day)-int(r.WeekStart)+7)%7)
			if r.matchesMonth(day.Month()) {
				out = append(out, day)
			}
		}
		return weekStart, sortUnique(out)
	case Monthly:
		first := at(start, start.Year(), start.Month()+time.Month(step), 1)
		if !r.matchesMonth(first.Month()) {
			return first, nil
		}
		return first, r.inMonth(start, first.Year(), first.Month())
	case Yearly:
		year := start.Year() + step
		first := at(start, year, time.January, 1)
		months := r.ByMonth
		if len(months) == 0 && len(r.ByDay) > 0 && len(r.ByMonthDay) == 0 {
			return first, r.weekdaysInYear(start, year)
		}
		if len(months) == 0 {
			if len(r.ByMonthDay) > 0 {
				for m := time.January; m <= time.December; m++ {
					months = append(months, m)
				}
			} else {
				months = []time.Month{start.Month()}
			}
		}
		var out []time.Time
		for _, m := range months {
			out = append(out, r.inMonth(start, year, m)...)
		}
		return first, sortUnique(out)
	}
	return start, nil
}

func (r Rule) inMonth(start time.Time, year int, month time.Month) []time.Time {
	var out []time.Time
	lastDay := daysIn(year, month)
	switch {
	case len(r.ByMonthDay) > 0:
		for _, d := range r.ByMonthDay {
			if d < 0 {
				d = lastDay + d + 1
			}
			if d < 1 || d > lastDay {
				continue
			}
			t := at(start, year, month, d)
			if len(r.ByDay) == 0 || r.matchesWeekday(t.Weekday()) {
				out = append(out, t)
			}
		}
	case len(r.ByDay) > 0:
		for _, wd := range r.ByDay {
			var days []int
			for d := 1; d <= lastDay; d++ {
				if at(start, year, month, d).Weekday() == wd.Day {
					days = append(days, d)
				}
			}
			for _, d := range pickNth(days, wd.N) {
				out = append(out, at(start, year, month, d))
			}
		}
	default:
		if start.Day() <= lastDay {
			out = append(out, at(start, year, month, start.Day()))
		}
	}
	return sortUnique(out)
}

func (r Rule) weekdaysInYear(start time.Time, year int) []time.Time {
	var out []time.Time
	for _, wd := range r.ByDay {
		var days []time.Time
		for d := at(start, year, time.January, 1); d.Year() == year; d = d.AddDate(0, 0, 1) {
			if d.Weekday() == wd.Day {
				days = append(days, d)
			}
		}
		idx := make([]int, len(days))
		for i := range days {
			idx[i] = i
		}
		for _, i := range pickNth(idx, wd.N) {
			out = append(out, days[i])
		}
	}
	return sortUnique(out)
}

func pickNth(values []int, n int) []int {
	switch {
	case n == 0:
		return values
	case n > 0 && n <= len(values):
		return []int{values[n-1]}
	case n < 0 && -n <= len(values):
		return []int{values[len(values)+n]}
	}
	return nil
}

func (r Rule) matchesMonth(m time.Month) bool {
	if len(r.ByMonth) == 0 {
		return true
	}
	for _, want := range r.ByMonth {
		if want == m {
			return true
		}
	}
	return false
}

func (r Rule) matchesMonthDay(t time.Time) bool {
	if len(r.ByMonthDay) == 0 {
		return true
	}
	last := daysIn(t.Year(), t.Month())
	for _, d := range r.ByMonthDay {
		if d < 0 {
			d = last + d + 1
		}
		if d == t.Day() {
			return true
		}
	}
	return false
}

func (r Rule) matchesWeekday(wd time.Weekday) bool {
	if len(r.ByDay) == 0 {
		return true
	}
	for _, want := range r.ByDay {
		if want.Day == wd {
			return true
		}
	}
	return false
}

// at builds a date carrying start's wall-clock time and location.
func at(start time.Time, year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, start.Hour(), start.Minute(), start.Second(), 0, start.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func sortUnique(ts []time.Time) []time.Time {
	if len(ts) < 2 {
		return ts
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
	out := ts[:1]
	for _, t := range ts[1:] {
		if !t.Equal(out[len(out)-1]) {
			out = append(out, t)
		}
	}
	return out
}
