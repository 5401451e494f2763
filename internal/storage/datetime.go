package storage

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DateTimeLayout is the canonical stored form of Schedule.DateTime.
const DateTimeLayout = "2006-01-02 15:04"

var dateTimeLayouts = []string{
	DateTimeLayout,
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// ParseDateTime parses a schedule wall clock as a UTC instant.
func ParseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: date_time %q: want %q", ErrInvalid, s, DateTimeLayout)
}

// FormatDateTime renders t (in UTC) in the canonical layout. Seconds are truncated.
func FormatDateTime(t time.Time) string {
	return t.UTC().Format(DateTimeLayout)
}

// Normalize checks the input and rewrites DateTime into the canonical layout.
func (in *ScheduleInput) Normalize() error {
	in.Type = MessageType(strings.ToLower(strings.TrimSpace(string(in.Type))))
	if in.Type == "" {
		in.Type = TypeText
	}
	if in.Type != TypeText && in.Type != TypeScript {
		return fmt.Errorf("%w: type %q", ErrInvalid, in.Type)
	}
	if strings.TrimSpace(in.Text) == "" {
		return fmt.Errorf("%w: text is empty", ErrInvalid)
	}

	in.DateTime = strings.TrimSpace(in.DateTime)
	switch {
	case in.TS != nil && in.DateTime != "":
		return fmt.Errorf("%w: ts and date_time are mutually exclusive", ErrInvalid)
	case in.TS == nil && in.DateTime == "":
		return fmt.Errorf("%w: one of ts or date_time is required", ErrInvalid)
	case in.DateTime != "":
		t, err := ParseDateTime(in.DateTime)
		if err != nil {
			return err
		}
		in.DateTime = FormatDateTime(t)
	}

	filters := make([]string, 0, len(in.Filters))
	for _, f := range in.Filters {
		if f = strings.TrimSpace(f); f != "" {
			filters = append(filters, f)
		}
	}
	in.Filters = filters
	return nil
}

// SendTime computes a recipient's send time in epoch ms.
//
// An absolute ts is shared by every recipient. Otherwise the date_time UTC
// instant is shifted back by the recipient's offset, so "12:00" fires at noon
// local time.
func (s Schedule) SendTime(tz float64) (int64, error) {
	if s.TS != nil {
		return *s.TS, nil
	}
	t, err := ParseDateTime(s.DateTime)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli() - int64(math.Round(tz*3_600_000)), nil
}
