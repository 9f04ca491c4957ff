package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// Schedule kinds supported on spider_projects.schedule.
const (
	ScheduleIntervalMinutes = "interval_minutes"
	ScheduleIntervalHours   = "interval_hours"
	ScheduleDaily           = "daily"
	ScheduleWeekly          = "weekly"
	ScheduleMonthly         = "monthly"
)

// timeOfDayRe validates the "HH:MM" wall-clock field.
var timeOfDayRe = regexp.MustCompile(`^([01]?\d|2[0-3]):[0-5]\d$`)

// ErrInvalidSchedule is returned for unparseable or inconsistent schedules.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Schedule is the parsed form of the schedule JSON stored on a project.
// Days uses 0=Sunday..6=Saturday; Dates uses day-of-month 1..31.
type Schedule struct {
	Type     string `json:"type"`
	Interval int    `json:"interval,omitempty"`
	Time     string `json:"time,omitempty"`
	Days     []int  `json:"days,omitempty"`
	Dates    []int  `json:"dates,omitempty"`
}

// ParseSchedule parses and validates schedule JSON.
func ParseSchedule(raw string) (*Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the schedule's internal consistency.
func (s *Schedule) Validate() error {
	switch s.Type {
	case ScheduleIntervalMinutes, ScheduleIntervalHours:
		if s.Interval <= 0 {
			return fmt.Errorf("%w: interval must be positive", ErrInvalidSchedule)
		}
	case ScheduleDaily:
		if !timeOfDayRe.MatchString(s.Time) {
			return fmt.Errorf("%w: daily schedule needs time HH:MM", ErrInvalidSchedule)
		}
	case ScheduleWeekly:
		if !timeOfDayRe.MatchString(s.Time) {
			return fmt.Errorf("%w: weekly schedule needs time HH:MM", ErrInvalidSchedule)
		}
		if len(s.Days) == 0 {
			return fmt.Errorf("%w: weekly schedule needs days", ErrInvalidSchedule)
		}
		for _, d := range s.Days {
			if d < 0 || d > 6 {
				return fmt.Errorf("%w: day %d out of range 0..6", ErrInvalidSchedule, d)
			}
		}
	case ScheduleMonthly:
		if !timeOfDayRe.MatchString(s.Time) {
			return fmt.Errorf("%w: monthly schedule needs time HH:MM", ErrInvalidSchedule)
		}
		if len(s.Dates) == 0 {
			return fmt.Errorf("%w: monthly schedule needs dates", ErrInvalidSchedule)
		}
		for _, d := range s.Dates {
			if d < 1 || d > 31 {
				return fmt.Errorf("%w: date %d out of range 1..31", ErrInvalidSchedule, d)
			}
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSchedule, s.Type)
	}
	return nil
}
