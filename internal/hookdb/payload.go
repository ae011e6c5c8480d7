package hookdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Payload is a decoded JSON object from a webhook or backfill page.
type Payload map[string]any

func DecodePayload(raw []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: body is not a json object: %v", ErrInvalidInput, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: body is not a json object", ErrInvalidInput)
	}
	return p, nil
}

func (p Payload) Lookup(path ...string) (any, bool) {
	var cur any = map[string]any(p)
	for _, key := range path {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

func (p Payload) Object(path ...string) (Payload, bool) {
	v, ok := p.Lookup(path...)
	if !ok {
		return nil, false
	}
	m, ok := asMap(v)
	if !ok {
		return nil, false
	}
	return Payload(m), true
}

func (p Payload) Items(path ...string) []Payload {
	v, ok := p.Lookup(path...)
	if !ok {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]Payload, 0, len(list))
	for _, item := range list {
		if m, ok := asMap(item); ok {
			out = append(out, Payload(m))
		}
	}
	return out
}

// String returns strings as-is and renders numbers and bools; nil for absent.
func (p Payload) String(path ...string) *string {
	v, ok := p.Lookup(path...)
	if !ok {
		return nil
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case json.Number:
		s = t.String()
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		s = strconv.FormatBool(t)
	default:
		return nil
	}
	return &s
}

func (p Payload) Int(path ...string) *int64 {
	v, ok := p.Lookup(path...)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return &n
		}
		if f, err := t.Float64(); err == nil && f == math.Trunc(f) {
			n := int64(f)
			return &n
		}
	case float64:
		if t == math.Trunc(t) {
			n := int64(t)
			return &n
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return &n
		}
	}
	return nil
}

func (p Payload) Float(path ...string) *float64 {
	v, ok := p.Lookup(path...)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return &f
		}
	case float64:
		return &t
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return &f
		}
	}
	return nil
}

// Time accepts unix seconds or an RFC 3339 string.
func (p Payload) Time(path ...string) *time.Time {
	v, ok := p.Lookup(path...)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			ts = ts.UTC()
			return &ts
		}
	default:
		if n := p.Int(path...); n != nil {
			ts := time.Unix(*n, 0).UTC()
			return &ts
		}
	}
	return nil
}

func (p Payload) Bool(path ...string) *bool {
	v, ok := p.Lookup(path...)
	if !ok {
		return nil
	}
	b, ok := v.(bool)
	if !ok {
		return nil
	}
	return &b
}

func (p Payload) JSON() ([]byte, error) {
	return json.Marshal(map[string]any(p))
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Payload:
		return t, true
	}
	return nil, false
}
