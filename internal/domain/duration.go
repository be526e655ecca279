package domain

import (
	"strings"
	"time"
)

// PackageDuration is the purchased length of a messaging-service package.
type PackageDuration string

const (
	PackageDurationMonth PackageDuration = "month"
	PackageDurationYear  PackageDuration = "year"
)

// ParsePackageDuration accepts the canonical values plus the monthly/yearly spellings used by older records.
func ParsePackageDuration(value string) (PackageDuration, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "month", "monthly", "1m":
		return PackageDurationMonth, true
	case "year", "yearly", "annual", "1y":
		return PackageDurationYear, true
	default:
		return "", false
	}
}

// Valid reports whether the duration is known.
func (d PackageDuration) Valid() bool {
	return d == PackageDurationMonth || d == PackageDurationYear
}

// AddTo advances t by one calendar month or year. The day is clamped to the last day of the
// target month so that Jan 31 + month is Feb 28/29 rather than early March.
func (d PackageDuration) AddTo(t time.Time) time.Time {
	switch d {
	case PackageDurationMonth:
		return addMonthsClamped(t, 1)
	case PackageDurationYear:
		return addMonthsClamped(t, 12)
	default:
		return t
	}
}

func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	hour, minute, sec := t.Clock()

	first := time.Date(year, month+time.Month(months), 1, hour, minute, sec, t.Nanosecond(), t.Location())
	last := daysIn(first.Year(), first.Month())
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, hour, minute, sec, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
