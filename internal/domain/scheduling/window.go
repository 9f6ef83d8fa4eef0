package scheduling

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/clinicflow/clinicflow/internal/platform/apperr"
)

const (
	DefaultDuration = 30
	MaxDuration     = 24 * 60
)

// Window is a half-open interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow builds the window starting at start for minutes. Zero minutes
// means DefaultDuration.
func NewWindow(start time.Time, minutes int) (Window, error) {
	if start.IsZero() {
		return Window{}, apperr.Validation("appointmentDate is required")
	}
	if minutes == 0 {
		minutes = DefaultDuration
	}
	if minutes < 0 {
		return Window{}, apperr.Validation("duration must be greater than 0")
	}
	if minutes > MaxDuration {
		return Window{}, apperr.Validation("duration must not exceed %d minutes", MaxDuration)
	}
	return Window{Start: start, End: start.Add(time.Duration(minutes) * time.Minute)}, nil
}

// Overlaps reports strict overlap: windows that only touch do not overlap.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

func (w Window) Minutes() int {
	return int(w.End.Sub(w.Start) / time.Minute)
}

// wallClock returns the UTC weekday and the start/end offsets in seconds
// from that day's midnight. A window ending exactly at the next midnight
// reports an end of 86400.
func (w Window) wallClock() (time.Weekday, int, int, error) {
	start := w.Start.UTC()
	end := w.End.UTC()
	midnight := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	startSec := int(start.Sub(midnight) / time.Second)
	endSec := int(end.Sub(midnight) / time.Second)
	if endSec > secondsPerDay {
		return 0, 0, 0, apperr.Validation("appointment must start and end on the same day")
	}
	return start.Weekday(), startSec, endSec, nil
}

const secondsPerDay = 24 * 60 * 60

var instantLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseInstant accepts RFC 3339 and zone-less ISO 8601 timestamps. Zone-less
// values are read as UTC.
func ParseInstant(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, apperr.Validation("appointmentDate is required")
	}
	for _, layout := range instantLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, apperr.Validation("invalid appointmentDate %q", s)
}

// parseClock parses "HH:MM" into seconds after midnight. "24:00" is accepted
// so a slot can run to the end of the day.
func parseClock(s string) (int, error) {
	if len(s) != 5 || s[2] != ':' || !digits(s[:2]) || !digits(s[3:]) {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, _ := strconv.Atoi(s[:2])
	m, _ := strconv.Atoi(s[3:])
	if h == 24 && m == 0 {
		return secondsPerDay, nil
	}
	if h > 23 || m > 59 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	return (h*60 + m) * 60, nil
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
