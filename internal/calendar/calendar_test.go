package calendar

import (
	"testing"
	"time"
)

func fourMonthCalendar() Definition {
	return Definition{
		ID:            "cal-1",
		Name:          "Harptos-ish",
		MonthsPerYear: 4,
		DaysPerMonth:  []int{30, 30, 30, 30},
		MonthNames:    []string{"Frostwane", "Greentide", "Highsun", "Leaffall"},
		Epoch:         time.Date(0, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestParseWorldDate_ISO8601_NoCalendar(t *testing.T) {
	d, err := ParseWorldDate("2026-07-31T12:00:00Z", nil)
	if err != nil {
		t.Fatalf("ParseWorldDate() error = %v", err)
	}
	if d.Year != 2026 || d.Month != 7 || d.Day != 31 {
		t.Fatalf("ParseWorldDate() = %+v, want 2026-07-31", d)
	}
}

func TestParseWorldDate_NamedFormat(t *testing.T) {
	def := fourMonthCalendar()
	d, err := ParseWorldDate("15 greentide 100", &def)
	if err != nil {
		t.Fatalf("ParseWorldDate() error = %v", err)
	}
	if d.Year != 100 || d.Month != 2 || d.Day != 15 {
		t.Fatalf("ParseWorldDate() = %+v, want {100 2 15}", d)
	}
}

func TestParseWorldDate_NamedFormatWithTime(t *testing.T) {
	def := fourMonthCalendar()
	d, err := ParseWorldDate("01 Frostwane 1 08:30:00", &def)
	if err != nil {
		t.Fatalf("ParseWorldDate() error = %v", err)
	}
	if d.Hour != 8 || d.Minute != 30 || d.Second != 0 {
		t.Fatalf("ParseWorldDate() time = %02d:%02d:%02d, want 08:30:00", d.Hour, d.Minute, d.Second)
	}
}

func TestParseWorldDate_UnknownMonth(t *testing.T) {
	def := fourMonthCalendar()
	if _, err := ParseWorldDate("1 Wintermoon 1", &def); err == nil {
		t.Fatal("ParseWorldDate() expected error for unknown month name")
	}
}

func TestParseWorldDate_DayOutOfRange(t *testing.T) {
	def := fourMonthCalendar()
	if _, err := ParseWorldDate("31 Frostwane 1", &def); err == nil {
		t.Fatal("ParseWorldDate() expected error for day 31 in a 30-day month")
	}
}

func TestFormatWorldDate_RoundTrip(t *testing.T) {
	def := fourMonthCalendar()
	original := WorldDate{Year: 12, Month: 3, Day: 7, Hour: 14, Minute: 5, Second: 9}

	s, err := FormatWorldDate(original, &def, true)
	if err != nil {
		t.Fatalf("FormatWorldDate() error = %v", err)
	}

	parsed, err := ParseWorldDate(s, &def)
	if err != nil {
		t.Fatalf("ParseWorldDate() error = %v", err)
	}
	if parsed != original {
		t.Fatalf("round trip = %+v, want %+v", parsed, original)
	}
}

func TestFormatWorldDate_NoTime(t *testing.T) {
	def := fourMonthCalendar()
	s, err := FormatWorldDate(WorldDate{Year: 1, Month: 1, Day: 5}, &def, false)
	if err != nil {
		t.Fatalf("FormatWorldDate() error = %v", err)
	}
	want := "05 Frostwane 0001"
	if s != want {
		t.Fatalf("FormatWorldDate() = %q, want %q", s, want)
	}
}

func TestValidate_MalformedDefinition(t *testing.T) {
	def := Definition{MonthsPerYear: 2, DaysPerMonth: []int{30}}
	result := Validate(WorldDate{Year: 1, Month: 1, Day: 1}, def)
	if result.IsValid {
		t.Fatal("Validate() expected invalid for mismatched DaysPerMonth length")
	}
}

func TestValidate_BeforeEpoch(t *testing.T) {
	def := fourMonthCalendar()
	def.Epoch = time.Date(10, 1, 1, 0, 0, 0, 0, time.UTC)
	result := Validate(WorldDate{Year: 5, Month: 1, Day: 1}, def)
	if result.IsValid {
		t.Fatal("Validate() expected invalid date before epoch")
	}
}

func TestValidate_TimeOfDayOutOfRange(t *testing.T) {
	def := fourMonthCalendar()
	result := Validate(WorldDate{Year: 1, Month: 1, Day: 1, Hour: 24}, def)
	if result.IsValid {
		t.Fatal("Validate() expected invalid for hour 24")
	}
}

func TestCompare(t *testing.T) {
	def := fourMonthCalendar()
	a := WorldDate{Year: 1, Month: 1, Day: 1}
	b := WorldDate{Year: 1, Month: 1, Day: 2}
	c := WorldDate{Year: 1, Month: 1, Day: 1}

	if Compare(a, b, def) != -1 {
		t.Error("Compare() expected a before b")
	}
	if Compare(b, a, def) != 1 {
		t.Error("Compare() expected b after a")
	}
	if Compare(a, c, def) != 0 {
		t.Error("Compare() expected a equal c")
	}
}

func TestCompare_AcrossMonthBoundary(t *testing.T) {
	def := fourMonthCalendar()
	endOfMonth1 := WorldDate{Year: 1, Month: 1, Day: 30}
	startOfMonth2 := WorldDate{Year: 1, Month: 2, Day: 1}

	if Compare(endOfMonth1, startOfMonth2, def) != -1 {
		t.Error("Compare() expected month 1 day 30 before month 2 day 1")
	}
}

func TestGregorian_IsUsable(t *testing.T) {
	result := Validate(WorldDate{Year: 2026, Month: 2, Day: 28}, Gregorian)
	if !result.IsValid {
		t.Fatalf("Validate() on Gregorian = %+v, want valid", result)
	}
}

func TestAbsalomReckoning_RoundTrip(t *testing.T) {
	def := AbsalomReckoning()
	d, err := ParseWorldDate("15 Pharast 4707", &def)
	if err != nil {
		t.Fatalf("ParseWorldDate() error = %v", err)
	}
	out, err := FormatWorldDate(d, &def, false)
	if err != nil {
		t.Fatalf("FormatWorldDate() error = %v", err)
	}
	if out != "15 Pharast 4707" {
		t.Fatalf("FormatWorldDate() = %q, want %q", out, "15 Pharast 4707")
	}
}

func TestAbsalomReckoning_CalistrilHas28Days(t *testing.T) {
	def := AbsalomReckoning()
	if _, err := ParseWorldDate("29 Calistril 4707", &def); err == nil {
		t.Fatal("ParseWorldDate() expected error for Calistril 29 (month has 28 days)")
	}
}
