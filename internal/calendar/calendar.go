// Package calendar implements custom world calendars: arbitrary months,
// days-per-month, and month names, with parse/format/validate round-trip
// guarantees and a per-campaign monotonic world-time clock.
package calendar

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/campaignforge/core/internal/pkg/errors"
)

// Definition describes a world's calendar. A year's length is always the
// sum of DaysPerMonth; no arithmetic in this package assumes 365 days.
type Definition struct {
	ID            string
	Name          string
	MonthsPerYear int
	DaysPerMonth  []int
	MonthNames    []string
	Epoch         time.Time
	Notes         string
}

// Gregorian is the built-in default calendar, used when a campaign does
// not configure one of its own.
var Gregorian = Definition{
	ID:            "gregorian",
	Name:          "Gregorian",
	MonthsPerYear: 12,
	DaysPerMonth:  []int{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31},
	MonthNames: []string{
		"January", "February", "March", "April", "May", "June",
		"July", "August", "September", "October", "November", "December",
	},
	Epoch: time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC),
}

// GregorianCalendar returns the built-in Gregorian Definition.
func GregorianCalendar() Definition {
	return Gregorian
}

// AbsalomReckoning returns the Golarion calendar used as a seed fixture:
// twelve months of the same lengths as the Gregorian calendar, but with
// Golarion's month names ("Calistril" at index 1, 28 days).
func AbsalomReckoning() Definition {
	return Definition{
		ID:            "absalom-reckoning",
		Name:          "Absalom Reckoning",
		MonthsPerYear: 12,
		DaysPerMonth:  []int{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31},
		MonthNames: []string{
			"Abadius", "Calistril", "Pharast", "Gozran", "Desnus", "Sarenith",
			"Erastus", "Arodus", "Rova", "Lamashan", "Neth", "Kuthona",
		},
		Epoch: time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// WorldDate is a decomposed date within a Definition: 1-indexed Year,
// 1-indexed Month (within MonthsPerYear), 1-indexed Day (within that
// month's DaysPerMonth), plus an optional time-of-day.
type WorldDate struct {
	Year   int
	Month  int
	Day    int
	Hour   int
	Minute int
	Second int
}

func (d Definition) yearLength() int {
	total := 0
	for _, n := range d.DaysPerMonth {
		total += n
	}
	return total
}

// ParseWorldDate accepts ISO 8601 or "DD MonthName YYYY[ HH:MM:SS]". Month
// names are matched case-insensitively. Without a calendar definition only
// ISO 8601 is accepted. Days are validated against the month's
// DaysPerMonth.
func ParseWorldDate(s string, def *Definition) (WorldDate, error) {
	s = strings.TrimSpace(s)

	if def == nil {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return WorldDate{}, apperrors.BadRequest(apperrors.CodeInvalidCalendarDate, "invalid ISO 8601 date").
				WithDetail("cause", err.Error())
		}
		return WorldDate{
			Year: t.Year(), Month: int(t.Month()), Day: t.Day(),
			Hour: t.Hour(), Minute: t.Minute(), Second: t.Second(),
		}, nil
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return WorldDate{
			Year: t.Year(), Month: int(t.Month()), Day: t.Day(),
			Hour: t.Hour(), Minute: t.Minute(), Second: t.Second(),
		}, nil
	}

	return parseNamedFormat(s, *def)
}

func parseNamedFormat(s string, def Definition) (WorldDate, error) {
	var datePart, timePart string
	fields := strings.Fields(s)
	if len(fields) == 4 {
		datePart = strings.Join(fields[:3], " ")
		timePart = fields[3]
	} else if len(fields) == 3 {
		datePart = s
	} else {
		return WorldDate{}, apperrors.BadRequest(apperrors.CodeInvalidCalendarDate, "unrecognized date format")
	}

	parts := strings.Fields(datePart)
	day, err := strconv.Atoi(parts[0])
	if err != nil {
		return WorldDate{}, apperrors.BadRequest(apperrors.CodeInvalidCalendarDate, "invalid day").
			WithDetail("cause", err.Error())
	}
	monthName := parts[1]
	year, err := strconv.Atoi(parts[2])
	if err != nil {
		return WorldDate{}, apperrors.BadRequest(apperrors.CodeInvalidCalendarDate, "invalid year").
			WithDetail("cause", err.Error())
	}

	monthIdx := -1
	for i, name := range def.MonthNames {
		if strings.EqualFold(name, monthName) {
			monthIdx = i + 1
			break
		}
	}
	if monthIdx == -1 {
		return WorldDate{}, apperrors.BadRequest(apperrors.CodeInvalidCalendarDate, "unknown month name").
			WithDetail("month", monthName)
	}

	date := WorldDate{Year: year, Month: monthIdx, Day: day}

	if timePart != "" {
		hms := strings.Split(timePart, ":")
		if len(hms) != 3 {
			return WorldDate{}, apperrors.BadRequest(apperrors.CodeInvalidCalendarDate, "invalid time of day")
		}
		for i, v := range []*int{&date.Hour, &date.Minute, &date.Second} {
			n, err := strconv.Atoi(hms[i])
			if err != nil {
				return WorldDate{}, apperrors.BadRequest(apperrors.CodeInvalidCalendarDate, "invalid time component").
					WithDetail("cause", err.Error())
			}
			*v = n
		}
	}

	if result := Validate(date, def); !result.IsValid {
		return WorldDate{}, apperrors.BadRequest(apperrors.CodeInvalidCalendarDate, result.Error)
	}
	return date, nil
}

// FormatWorldDate is the inverse of ParseWorldDate: "DD MonthName YYYY" or,
// with includeTime, "DD MonthName YYYY HH:MM:SS" (zero-padded).
func FormatWorldDate(d WorldDate, def *Definition, includeTime bool) (string, error) {
	if def == nil {
		t := time.Date(d.Year, time.Month(d.Month), d.Day, d.Hour, d.Minute, d.Second, 0, time.UTC)
		if includeTime {
			return t.Format(time.RFC3339), nil
		}
		return t.Format("2006-01-02"), nil
	}

	if d.Month < 1 || d.Month > len(def.MonthNames) {
		return "", apperrors.BadRequest(apperrors.CodeInvalidCalendarDate, "month out of range")
	}
	name := def.MonthNames[d.Month-1]

	base := fmt.Sprintf("%02d %s %04d", d.Day, name, d.Year)
	if !includeTime {
		return base, nil
	}
	return fmt.Sprintf("%s %02d:%02d:%02d", base, d.Hour, d.Minute, d.Second), nil
}

// ValidationResult reports whether a WorldDate satisfies a Definition.
type ValidationResult struct {
	IsValid bool
	Error   string
}

// Validate checks a WorldDate against def: month and day bounds, and that
// the date is not before the calendar's epoch.
func Validate(d WorldDate, def Definition) ValidationResult {
	if def.MonthsPerYear <= 0 || len(def.DaysPerMonth) != def.MonthsPerYear {
		return ValidationResult{false, "calendar definition is malformed"}
	}
	if d.Month < 1 || d.Month > def.MonthsPerYear {
		return ValidationResult{false, "month out of range"}
	}
	daysInMonth := def.DaysPerMonth[d.Month-1]
	if d.Day < 1 || d.Day > daysInMonth {
		return ValidationResult{false, fmt.Sprintf("day out of range for month (max %d)", daysInMonth)}
	}
	if d.Hour < 0 || d.Hour > 23 || d.Minute < 0 || d.Minute > 59 || d.Second < 0 || d.Second > 59 {
		return ValidationResult{false, "time of day out of range"}
	}

	if ordinal(d, def) < ordinalOfEpoch(def) {
		return ValidationResult{false, "date is before calendar epoch"}
	}
	return ValidationResult{IsValid: true}
}

// ordinal returns the number of days elapsed from year 0 day 1 of the
// calendar to d, used to compare dates including before/after epoch.
func ordinal(d WorldDate, def Definition) int64 {
	days := int64(d.Year) * int64(def.yearLength())
	for m := 0; m < d.Month-1; m++ {
		days += int64(def.DaysPerMonth[m])
	}
	days += int64(d.Day - 1)
	return days
}

func ordinalOfEpoch(def Definition) int64 {
	return ordinal(WorldDate{Year: def.Epoch.Year(), Month: 1, Day: 1}, def)
}

// Compare returns -1, 0, or 1 as a is before, equal to, or after b, under
// def's arithmetic.
func Compare(a, b WorldDate, def Definition) int {
	oa, ob := ordinal(a, def), ordinal(b, def)
	switch {
	case oa < ob:
		return -1
	case oa > ob:
		return 1
	}
	switch {
	case a.Hour != b.Hour:
		return sign(a.Hour - b.Hour)
	case a.Minute != b.Minute:
		return sign(a.Minute - b.Minute)
	default:
		return sign(a.Second - b.Second)
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}
