// Package ical reads VEVENT components out of iCalendar feeds and expands
// their recurrence rules.
//
// The scanner is lazy: it unfolds continuation lines and decodes one event at
// a time, so a large feed never has to be held in memory. A Scanner reads its
// source once; to walk the same feed again, build a new Scanner over a fresh
// reader.
package ical

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
)

const maxLineBytes = 1 << 20

var ErrLineTooLong = errors.New("ical: content line too long")

// Property is one content line value plus its parameters. Valid is false when
// the line carried no value separator at all.
type Property struct {
	Value  string
	Valid  bool
	Params map[string]string
}

func (p Property) Param(name string) string {
	return p.Params[strings.ToUpper(name)]
}

func (p Property) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Params)+1)
	for k, v := range p.Params {
		out[k] = v
	}
	if p.Valid {
		out["v"] = p.Value
	} else {
		out["v"] = nil
	}
	return json.Marshal(out)
}

// Event holds the properties of one VEVENT keyed by upper-case name. Repeated
// properties (EXDATE, CATEGORIES, ATTENDEE) keep every occurrence in order.
type Event struct {
	props map[string][]Property
}

func NewEvent() Event {
	return Event{props: map[string][]Property{}}
}

func (e Event) Add(name string, p Property) {
	name = strings.ToUpper(name)
	e.props[name] = append(e.props[name], p)
}

// Set replaces every value for name.
func (e Event) Set(name string, p Property) {
	e.props[strings.ToUpper(name)] = []Property{p}
}

func (e Event) Get(name string) (Property, bool) {
	values := e.props[strings.ToUpper(name)]
	if len(values) == 0 {
		return Property{}, false
	}
	return values[0], true
}

func (e Event) All(name string) []Property {
	return e.props[strings.ToUpper(name)]
}

// Value returns the first value for name, or "" when absent or value-less.
func (e Event) Value(name string) string {
	p, ok := e.Get(name)
	if !ok || !p.Valid {
		return ""
	}
	return p.Value
}

func (e Event) Names() []string {
	names := make([]string, 0, len(e.props))
	for name := range e.props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e Event) Clone() Event {
	out := NewEvent()
	for name, values := range e.props {
		out.props[name] = append([]Property(nil), values...)
	}
	return out
}

// MarshalJSON writes single properties as objects and repeated ones as arrays.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.props))
	for name, values := range e.props {
		if len(values) == 1 {
			out[name] = values[0]
			continue
		}
		out[name] = values
	}
	return json.Marshal(out)
}

type Scanner struct {
	r       *bufio.Reader
	pending string
	hasPend bool
	event   Event
	err     error
	done    bool
}

func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReader(r)}
}

// Next advances to the next VEVENT. It returns false at end of input or on a
// read error; check Err afterwards.
func (s *Scanner) Next() bool {
	if s.done {
		return false
	}
	var stack []string
	var current Event
	for {
		line, ok := s.unfolded()
		if !ok {
			s.done = true
			return false
		}
		if line == "" {
			continue
		}
		name, prop := ParseLine(line)
		switch name {
		case "BEGIN":
			component := strings.ToUpper(strings.TrimSpace(prop.Value))
			stack = append(stack, component)
			if component == "VEVENT" && len(stack) >= 1 && !insideEvent(stack[:len(stack)-1]) {
				current = NewEvent()
			}
			continue
		case "END":
			if len(stack) == 0 {
				continue
			}
			component := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if component == "VEVENT" && !insideEvent(stack) && current.props != nil {
				s.event = current
				return true
			}
			continue
		}
		if len(stack) > 0 && stack[len(stack)-1] == "VEVENT" && current.props != nil {
			current.Add(name, prop)
		}
	}
}

func (s *Scanner) Event() Event {
	return s.event
}

func (s *Scanner) Err() error {
	return s.err
}

// ParseEvents drains a scanner into a slice.
func ParseEvents(r io.Reader) ([]Event, error) {
	sc := NewScanner(r)
	var events []Event
	for sc.Next() {
		events = append(events, sc.Event())
	}
	return events, sc.Err()
}

func insideEvent(stack []string) bool {
	for _, component := range stack {
		if component == "VEVENT" {
			return true
		}
	}
	return false
}

// unfolded returns the next logical line, joining any continuation lines
// that begin with a space or tab.
func (s *Scanner) unfolded() (string, bool) {
	var b strings.Builder
	if s.hasPend {
		b.WriteString(s.pending)
		s.hasPend = false
	} else {
		raw, ok := s.physical()
		if !ok {
			return "", false
		}
		b.WriteString(raw)
	}
	for {
		raw, ok := s.physical()
		if !ok {
			return b.String(), true
		}
		if strings.HasPrefix(raw, " ") || strings.HasPrefix(raw, "\t") {
			b.WriteString(raw[1:])
			if b.Len() > maxLineBytes {
				s.err = ErrLineTooLong
				return "", false
			}
			continue
		}
		s.pending = raw
		s.hasPend = true
		return b.String(), true
	}
}

func (s *Scanner) physical() (string, bool) {
	if s.err != nil {
		return "", false
	}
	raw, err := s.r.ReadString('\n')
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.err = err
			return "", false
		}
		if raw == "" {
			return "", false
		}
	}
	return strings.TrimRight(raw, "\r\n"), true
}

// ParseLine splits `NAME;PARAM=VALUE;...:VALUE` into its name and property.
// Parameter values may be double-quoted to carry ':', ';' or ','.
func ParseLine(line string) (string, Property) {
	prop := Property{Params: map[string]string{}}
	inQuote := false
	nameEnd := -1
	valueStart := -1
	for i := 0; i < len(line); i++ {
		switch c := line[i]; {
		case c == '"':
			inQuote = !inQuote
		case c == ';' && !inQuote && nameEnd < 0:
			nameEnd = i
		case c == ':' && !inQuote:
			valueStart = i
		}
		if valueStart >= 0 {
			break
		}
	}
	head := line
	if valueStart >= 0 {
		head = line[:valueStart]
		prop.Value = line[valueStart+1:]
		prop.Valid = true
	}
	if nameEnd < 0 || nameEnd > len(head) {
		return strings.ToUpper(strings.TrimSpace(head)), prop
	}
	name := strings.ToUpper(strings.TrimSpace(head[:nameEnd]))
	for _, param := range splitParams(head[nameEnd+1:]) {
		key, value, found := strings.Cut(param, "=")
		if !found {
			continue
		}
		prop.Params[strings.ToUpper(strings.TrimSpace(key))] = unquote(value)
	}
	return name, prop
}

func splitParams(s string) []string {
	var out []string
	inQuote := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case ';':
			if !inQuote {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	return append(out, s[start:])
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// UnescapeText decodes the TEXT escapes \n, \N, \, \; and \\, plus the \r and
// \t that real feeds emit.
func UnescapeText(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n', 'N':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case ',', ';', '\\':
			b.WriteByte(s[i])
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
