// README: Time-of-day value object (minutes from midnight) for operating hours and slots.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay counts minutes after midnight. 24:00 is allowed as an end bound.
type TimeOfDay int

const MaxTimeOfDay TimeOfDay = 24 * 60

// ParseTimeOfDay accepts "HH:MM" or decimal hours such as "9.5".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	if h, m, ok := strings.Cut(s, ":"); ok {
		hh, err1 := strconv.Atoi(h)
		mm, err2 := strconv.Atoi(m)
		if err1 != nil || err2 != nil || hh < 0 || mm < 0 || mm > 59 {
			return 0, fmt.Errorf("invalid time of day %q", s)
		}
		return check(TimeOfDay(hh*60+mm), s)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return FromHours(f)
}

// FromHours converts decimal hours (8.5 = 08:30), rounding to the nearest minute.
func FromHours(h float64) (TimeOfDay, error) {
	if h < 0 {
		return 0, fmt.Errorf("invalid time of day %v", h)
	}
	return check(TimeOfDay(h*60+0.5), strconv.FormatFloat(h, 'f', -1, 64))
}

func check(t TimeOfDay, raw string) (TimeOfDay, error) {
	if t < 0 || t > MaxTimeOfDay {
		return 0, fmt.Errorf("time of day %q out of range", raw)
	}
	return t, nil
}

// ClockOf returns the time of day of t in t's location.
func ClockOf(t time.Time) TimeOfDay {
	return TimeOfDay(t.Hour()*60 + t.Minute())
}

func (t TimeOfDay) Hours() float64          { return float64(t) / 60 }
func (t TimeOfDay) Duration() time.Duration { return time.Duration(t) * time.Minute }
func (t TimeOfDay) Add(d time.Duration) TimeOfDay {
	return t + TimeOfDay(d/time.Minute)
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
