package models

import (
	"fmt"
	"time"
)

const jsonTimeFormat = time.RFC3339Nano

// Time wraps time.Time to provide a stable JSON encoding (RFC3339 with
// nanosecond precision, always UTC) for run records and audit events
// persisted as plain JSON files.
type Time struct {
	time.Time
}

func NewTime(t time.Time) Time {
	return Time{Time: t.UTC()}
}

func NewTimePtr(t time.Time) *Time {
	nt := NewTime(t)
	return &nt
}

func Now() Time {
	return NewTime(time.Now())
}

func (t Time) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", t.Time.Format(jsonTimeFormat))), nil
}

func (t *Time) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" || s == `""` {
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := time.Parse(jsonTimeFormat, s)
	if err != nil {
		return fmt.Errorf("error parsing time %q: %w", s, err)
	}
	t.Time = parsed.UTC()
	return nil
}

func (t Time) IsZero() bool {
	return t.Time.IsZero()
}
