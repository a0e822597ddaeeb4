// Package period maps timestamps onto the calendar-day buckets digests are grouped by.
package period

import (
	"fmt"
	"time"
)

const layout = "2006-01-02"

// Key names one local calendar day. Keys compare lexicographically in day order.
type Key string

// Range is the half-open interval [Start, End) covered by a Key.
type Range struct {
	Start time.Time
	End   time.Time
}

// Of returns the key of the calendar day containing t, evaluated in t's location.
func Of(t time.Time) Key {
	return Key(t.Format(layout))
}

// Parse validates a key string.
func Parse(value string) (Key, error) {
	if _, err := time.Parse(layout, value); err != nil {
		return "", fmt.Errorf("parse period %q: %w", value, err)
	}
	return Key(value), nil
}

func (k Key) String() string {
	return string(k)
}

func (k Key) Valid() bool {
	_, err := time.Parse(layout, string(k))
	return err == nil
}

// Time returns local midnight at the start of the day in loc.
func (k Key) Time(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(layout, string(k), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse period %q: %w", string(k), err)
	}
	return t, nil
}

// Range returns the interval of the day in loc. The end is computed with
// calendar arithmetic so days with a DST shift are 23 or 25 hours long.
func (k Key) Range(loc *time.Location) (Range, error) {
	start, err := k.Time(loc)
	if err != nil {
		return Range{}, err
	}
	return Range{Start: start, End: start.AddDate(0, 0, 1)}, nil
}

func (r Range) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}
