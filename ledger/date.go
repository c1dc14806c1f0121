package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

// DateLayout is the wire and storage format of a Date. Stored dates compare
// correctly as strings.
const DateLayout = "2006-01-02"

// =============================================================================
// DATE - Calendar day with no time-of-day or zone
// =============================================================================

// Date is an accounting date. Entries, periods and fiscal years are all
// resolved at day granularity.
type Date struct {
	t time.Time
}

// NewDate builds a Date from its components.
func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates a timestamp to its calendar day in the timestamp's zone.
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

// ParseDate parses YYYY-MM-DD. Only well-formedness is checked.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("%w: date %q is not YYYY-MM-DD", ErrValidation, s)
	}
	return Date{t: t}, nil
}

// MustParseDate is ParseDate for literals in tests and seeds.
func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Comparison
func (d Date) Before(o Date) bool         { return d.t.Before(o.t) }
func (d Date) After(o Date) bool          { return d.t.After(o.t) }
func (d Date) Equal(o Date) bool          { return d.t.Equal(o.t) }
func (d Date) BeforeOrEqual(o Date) bool  { return !d.t.After(o.t) }
func (d Date) AfterOrEqual(o Date) bool   { return !d.t.Before(o.t) }
func (d Date) AddDays(n int) Date         { return Date{t: d.t.AddDate(0, 0, n)} }
func (d Date) Year() int                  { return d.t.Year() }
func (d Date) IsZero() bool               { return d.t.IsZero() }
func (d Date) Time() time.Time            { return d.t }
func (d Date) String() string             { return d.t.Format(DateLayout) }

// MarshalJSON encodes the date as "YYYY-MM-DD".
func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts "YYYY-MM-DD".
func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// UnmarshalYAML accepts "YYYY-MM-DD" scalars in seed documents.
func (d *Date) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DateRange is an inclusive [Start, End] span of days.
type DateRange struct {
	Start Date
	End   Date
}

// Contains reports whether d falls within the range, bounds included.
func (r DateRange) Contains(d Date) bool {
	return d.AfterOrEqual(r.Start) && d.BeforeOrEqual(r.End)
}

// Overlaps reports whether two inclusive ranges share at least one day.
func (r DateRange) Overlaps(o DateRange) bool {
	return r.Start.BeforeOrEqual(o.End) && o.Start.BeforeOrEqual(r.End)
}

func (r DateRange) String() string {
	return "[" + r.Start.String() + ", " + r.End.String() + "]"
}
