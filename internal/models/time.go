package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const minutesPerDay = 24 * 60

// LocalTime is a wall-clock time of day with minute precision, stored as the
// minute of the day (0..1439). Arithmetic wraps at midnight.
type LocalTime int

// NewLocalTime returns the time hour:minute, normalized into a single day.
func NewLocalTime(hour, minute int) LocalTime {
	m := (hour*60 + minute) % minutesPerDay
	if m < 0 {
		m += minutesPerDay
	}
	return LocalTime(m)
}

func (t LocalTime) Hour() int { return int(t) / 60 }
func (t LocalTime) Minute() int { return int(t) % 60 }
func (t LocalTime) MinuteOfDay() int { return int(t) }

// PlusMinutes adds minutes, wrapping past midnight.
func (t LocalTime) PlusMinutes(minutes int) LocalTime {
	return NewLocalTime(0, int(t)+minutes)
}

// MinutesUntil returns the minutes from t forward to end. When end is earlier
// in the day than t the span is measured across midnight.
func (t LocalTime) MinutesUntil(end LocalTime) int {
	if t > end {
		return minutesPerDay - int(t) + int(end)
	}
	return int(end) - int(t)
}

func (t LocalTime) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// ParseLocalTime accepts "HH:mm", "HH:mm:ss" and "HH:mm:ss.SSS". Seconds are
// truncated.
func ParseLocalTime(s string) (LocalTime, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid local time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in local time %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in local time %q", s)
	}
	if len(parts) == 3 {
		sec := parts[2]
		if i := strings.IndexByte(sec, '.'); i >= 0 {
			sec = sec[:i]
		}
		if v, err := strconv.Atoi(sec); err != nil || v < 0 || v > 59 {
			return 0, fmt.Errorf("invalid second in local time %q", s)
		}
	}
	return NewLocalTime(h, m), nil
}

func (t LocalTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *LocalTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParseLocalTime(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// LocalDate is a calendar date without a time zone.
type LocalDate struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) LocalDate {
	y, m, d := t.Date()
	return LocalDate{Year: y, Month: m, Day: d}
}

func ParseLocalDate(s string) (LocalDate, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return LocalDate{}, fmt.Errorf("invalid local date %q: %w", s, err)
	}
	return DateOf(t), nil
}

func (d LocalDate) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// AddDays returns the date n days after d.
func (d LocalDate) AddDays(n int) LocalDate {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC))
}

// Compare returns -1, 0 or +1 depending on whether d is before, equal to or
// after o.
func (d LocalDate) Compare(o LocalDate) int {
	switch {
	case d.Year != o.Year:
		return cmpInt(d.Year, o.Year)
	case d.Month != o.Month:
		return cmpInt(int(d.Month), int(o.Month))
	default:
		return cmpInt(d.Day, o.Day)
	}
}

func cmpInt(a, b int) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

func (d LocalDate) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *LocalDate) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParseLocalDate(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Period is the subset of an ISO-8601 duration used by schedules: days plus a
// time part. The time part is normalized so minutes and seconds stay below 60;
// hours are never folded into days.
type Period struct {
	Days    int
	Hours   int
	Minutes int
	Seconds int
}

// MinutesPeriod returns a normalized period of the given number of minutes.
func MinutesPeriod(minutes int) Period {
	return Period{Hours: minutes / 60, Minutes: minutes % 60}
}

// TotalMinutes counts the hours and minutes of the time part. Days are not
// included.
func (p Period) TotalMinutes() int {
	return p.Hours*60 + p.Minutes
}

func (p Period) IsZero() bool {
	return p == Period{}
}

func (p Period) String() string {
	if p.IsZero() {
		return "PT0S"
	}
	var b strings.Builder
	b.WriteByte('P')
	if p.Days != 0 {
		fmt.Fprintf(&b, "%dD", p.Days)
	}
	if p.Hours != 0 || p.Minutes != 0 || p.Seconds != 0 {
		b.WriteByte('T')
		if p.Hours != 0 {
			fmt.Fprintf(&b, "%dH", p.Hours)
		}
		if p.Minutes != 0 {
			fmt.Fprintf(&b, "%dM", p.Minutes)
		}
		if p.Seconds != 0 {
			fmt.Fprintf(&b, "%dS", p.Seconds)
		}
	}
	return b.String()
}

// ParsePeriod parses durations such as "PT8H", "PT90M", "P1DT2H30M".
// Fractional seconds are dropped.
func ParsePeriod(s string) (Period, error) {
	if len(s) < 2 || s[0] != 'P' {
		return Period{}, fmt.Errorf("invalid period %q", s)
	}
	var p Period
	inTime := false
	num := ""
	for _, r := range s[1:] {
		switch {
		case r >= '0' && r <= '9', r == '.':
			num += string(r)
			continue
		case r == 'T':
			if inTime || num != "" {
				return Period{}, fmt.Errorf("invalid period %q", s)
			}
			inTime = true
			continue
		}
		if num == "" {
			return Period{}, fmt.Errorf("invalid period %q", s)
		}
		whole := num
		if i := strings.IndexByte(whole, '.'); i >= 0 {
			whole = whole[:i]
		}
		n, err := strconv.Atoi(whole)
		if err != nil {
			return Period{}, fmt.Errorf("invalid period %q: %w", s, err)
		}
		num = ""
		switch {
		case !inTime && r == 'D':
			p.Days += n
		case !inTime && r == 'W':
			p.Days += 7 * n
		case inTime && r == 'H':
			p.Hours += n
		case inTime && r == 'M':
			p.Minutes += n
		case inTime && r == 'S':
			p.Seconds += n
		default:
			return Period{}, fmt.Errorf("unsupported period designator %q in %q", r, s)
		}
	}
	if num != "" {
		return Period{}, fmt.Errorf("invalid period %q", s)
	}
	return p.normalize(), nil
}

func (p Period) normalize() Period {
	p.Minutes += p.Seconds / 60
	p.Seconds %= 60
	p.Hours += p.Minutes / 60
	p.Minutes %= 60
	return p
}

func (p Period) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Period) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParsePeriod(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}
