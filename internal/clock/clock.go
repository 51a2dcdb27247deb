// Package clock maps instants to quota days in an explicit time zone.
package clock

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// DayKeyLayout is the canonical day key format.
const DayKeyLayout = "20060102"

// DayKey returns the calendar day of t in loc.
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(orUTC(loc)).Format(DayKeyLayout)
}

// NextResetAt returns the start of the calendar day following t in loc, in UTC.
// An instant exactly at midnight already belongs to the new day, so its reset
// is the following midnight.
func NextResetAt(t time.Time, loc *time.Location) time.Time {
	local := t.In(orUTC(loc))
	next := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, local.Location())
	return next.UTC()
}

// LoadLocation resolves an IANA zone name. The empty name is UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", name, err)
	}
	return loc, nil
}

func orUTC(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
