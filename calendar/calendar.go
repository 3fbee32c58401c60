// Package calendar holds the broken-down wall clock time that the RTC stores.
package calendar

import (
	"errors"
	"fmt"
	"time"
)

const (
	// MinYear and MaxYear bound the years a two-digit RTC year register can hold.
	MinYear = 2000
	MaxYear = 2099
)

// ErrOutOfRange is wrapped by Validate when a field is outside its calendar bounds.
var ErrOutOfRange = errors.New("calendar field out of range")

// Time is a calendar date and time of day, with no time zone and one-second resolution.
//
// Weekday is not derived from the date.  The RTC counts it independently, so whoever
// builds a Time is responsible for making it agree with the date (FromTime does).
type Time struct {
	Year    int
	Month   time.Month
	Day     int
	Hour    int
	Minute  int
	Second  int
	Weekday time.Weekday
}

// FromTime breaks t down in its own location.
func FromTime(t time.Time) Time {
	h, m, s := t.Clock()
	return Time{
		Year:    t.Year(),
		Month:   t.Month(),
		Day:     t.Day(),
		Hour:    h,
		Minute:  m,
		Second:  s,
		Weekday: t.Weekday(),
	}
}

// In returns the instant this calendar time represents in loc.
func (t Time) In(loc *time.Location) time.Time {
	return time.Date(t.Year, t.Month, t.Day, t.Hour, t.Minute, t.Second, 0, loc)
}

// Validate checks that every field is within its native bounds.
func (t Time) Validate() error {
	check := func(name string, v, lo, hi int) error {
		if v < lo || v > hi {
			return fmt.Errorf("%s %d not in [%d, %d]: %w", name, v, lo, hi, ErrOutOfRange)
		}
		return nil
	}
	for _, err := range []error{
		check("year", t.Year, MinYear, MaxYear),
		check("month", int(t.Month), 1, 12),
		check("day", t.Day, 1, 31),
		check("hour", t.Hour, 0, 23),
		check("minute", t.Minute, 0, 59),
		check("second", t.Second, 0, 59),
		check("weekday", int(t.Weekday), int(time.Sunday), int(time.Saturday)),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

func (t Time) String() string {
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d (%s)", t.Year, int(t.Month), t.Day, t.Hour, t.Minute, t.Second, t.Weekday)
}
