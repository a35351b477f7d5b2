package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"pumpctl.org/internal/ids"
)

const (
	MaxDurationSeconds = 86400

	IntervalOnce   int64 = 0
	IntervalHourly int64 = 3600
	IntervalDaily  int64 = 86400
	IntervalWeekly int64 = 604800
)

var (
	ErrInvalidSchedule = errors.New("protocol: invalid schedule")
	ErrUnknownSchedule = errors.New("protocol: unknown schedule")
)

// Schedule is one device-side pump run plan.
type Schedule struct {
	ID       int64 `json:"id"`
	Start    int64 `json:"start"`    // epoch seconds
	Duration int64 `json:"duration"` // seconds
	Interval int64 `json:"interval"` // seconds, 0 = one-time
	Enabled  bool  `json:"enabled"`
}

// Validate checks the field ranges the device accepts.
func (s Schedule) Validate() error {
	switch {
	case s.ID <= 0:
		return fmt.Errorf("%w: id must be positive", ErrInvalidSchedule)
	case s.Start <= 0:
		return fmt.Errorf("%w: start is required", ErrInvalidSchedule)
	case s.Duration < 1 || s.Duration > MaxDurationSeconds:
		return fmt.Errorf("%w: duration must be within 1..%d seconds", ErrInvalidSchedule, MaxDurationSeconds)
	case s.Interval < 0:
		return fmt.Errorf("%w: interval must not be negative", ErrInvalidSchedule)
	}
	return nil
}

// Label renders the repeat frequency the way the dashboard shows it.
func (s Schedule) Label() string {
	switch {
	case s.Interval == IntervalHourly:
		return "Hourly"
	case s.Interval == IntervalDaily:
		return "Daily"
	case s.Interval == IntervalWeekly:
		return "Weekly"
	case s.Interval > 0:
		return fmt.Sprintf("Every %gh", float64(s.Interval)/3600)
	default:
		return "Once"
	}
}

// Frequency is the user-facing repeat choice.
type Frequency string

const (
	FrequencyOnce   Frequency = "once"
	FrequencyHourly Frequency = "hourly"
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
	FrequencyCustom Frequency = "custom"
)

// ScheduleSpec is what a user fills in; Build turns it into a Schedule.
type ScheduleSpec struct {
	Start       time.Time     `json:"start"`
	Duration    time.Duration `json:"-"`
	DurationMin int64         `json:"duration_minutes"`
	Frequency   Frequency     `json:"frequency"`
	CustomHours int64         `json:"custom_hours,omitempty"`
}

// Build assigns a fresh creation-time id and converts units.
func (sp ScheduleSpec) Build(now time.Time) (Schedule, error) {
	if sp.Start.IsZero() {
		return Schedule{}, fmt.Errorf("%w: start is required", ErrInvalidSchedule)
	}
	dur := sp.Duration
	if dur == 0 {
		dur = time.Duration(sp.DurationMin) * time.Minute
	}
	var interval int64
	switch Frequency(strings.ToLower(string(sp.Frequency))) {
	case FrequencyOnce, "":
		interval = IntervalOnce
	case FrequencyHourly:
		interval = IntervalHourly
	case FrequencyDaily:
		interval = IntervalDaily
	case FrequencyWeekly:
		interval = IntervalWeekly
	case FrequencyCustom:
		if sp.CustomHours <= 0 {
			return Schedule{}, fmt.Errorf("%w: custom interval needs positive hours", ErrInvalidSchedule)
		}
		interval = sp.CustomHours * 3600
	default:
		return Schedule{}, fmt.Errorf("%w: unknown frequency %q", ErrInvalidSchedule, sp.Frequency)
	}
	s := Schedule{
		ID:       ids.Token(now),
		Start:    sp.Start.Unix(),
		Duration: int64(dur / time.Second),
		Interval: interval,
		Enabled:  true,
	}
	if err := s.Validate(); err != nil {
		return Schedule{}, err
	}
	return s, nil
}
