package automation

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleType selects the recurrence rule of a Schedule.
type ScheduleType string

const (
	ScheduleOnce     ScheduleType = "once"
	ScheduleDaily    ScheduleType = "daily"
	ScheduleWeekly   ScheduleType = "weekly"
	ScheduleMonthly  ScheduleType = "monthly"
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
	ScheduleManual   ScheduleType = "manual"
)

// Schedule is a recurrence specification for a rule.
//
// Calendar types (daily, weekly, monthly) fire at TimeOfDay ("HH:MM" or
// "HH:MM:SS") in Timezone. Interval fires at StartAt + k*Interval. Cron
// uses a standard five-field expression. Manual never falls due.
type Schedule struct {
	Type ScheduleType `json:"type"`

	StartAt *time.Time `json:"start_at,omitempty"`
	EndAt   *time.Time `json:"end_at,omitempty"`

	TimeOfDay   string `json:"time_of_day,omitempty"`
	DaysOfWeek  []int  `json:"days_of_week,omitempty"`  // 0 = Sunday
	DaysOfMonth []int  `json:"days_of_month,omitempty"` // 1-31, clamped to month length

	IntervalSeconds int    `json:"interval_seconds,omitempty"`
	CronExpression  string `json:"cron_expression,omitempty"`

	// IANA zone name; empty means UTC
	Timezone string `json:"timezone,omitempty"`
}

// cronParser accepts the standard five-field syntax plus descriptors (@hourly).
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate checks that the schedule can produce run times.
func (s *Schedule) Validate() error {
	if s == nil {
		return nil
	}
	if _, err := s.location(); err != nil {
		return fmt.Errorf("%w: timezone %q: %v", ErrInvalidSchedule, s.Timezone, err)
	}
	if s.StartAt != nil && s.EndAt != nil && s.EndAt.Before(*s.StartAt) {
		return fmt.Errorf("%w: end_at before start_at", ErrInvalidSchedule)
	}

	switch s.Type {
	case ScheduleOnce:
		if s.StartAt == nil {
			return fmt.Errorf("%w: once requires start_at", ErrInvalidSchedule)
		}
	case ScheduleDaily:
		if _, err := parseTimeOfDay(s.TimeOfDay); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
	case ScheduleWeekly:
		if _, err := parseTimeOfDay(s.TimeOfDay); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		if len(s.DaysOfWeek) == 0 {
			return fmt.Errorf("%w: weekly requires days_of_week", ErrInvalidSchedule)
		}
		for _, d := range s.DaysOfWeek {
			if d < 0 || d > 6 {
				return fmt.Errorf("%w: day of week %d out of range 0-6", ErrInvalidSchedule, d)
			}
		}
	case ScheduleMonthly:
		if _, err := parseTimeOfDay(s.TimeOfDay); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		if len(s.DaysOfMonth) == 0 {
			return fmt.Errorf("%w: monthly requires days_of_month", ErrInvalidSchedule)
		}
		for _, d := range s.DaysOfMonth {
			if d < 1 || d > 31 {
				return fmt.Errorf("%w: day of month %d out of range 1-31", ErrInvalidSchedule, d)
			}
		}
	case ScheduleInterval:
		if s.IntervalSeconds <= 0 {
			return fmt.Errorf("%w: interval_seconds must be positive", ErrInvalidSchedule)
		}
	case ScheduleCron:
		if _, err := cronParser.Parse(s.CronExpression); err != nil {
			return fmt.Errorf("%w: cron expression: %v", ErrInvalidSchedule, err)
		}
	case ScheduleManual:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSchedule, s.Type)
	}
	return nil
}

// Next returns the first run time strictly after from.
// ok is false when the schedule has no further runs (manual, a past
// one-shot, past EndAt, or an invalid definition).
func (s *Schedule) Next(from time.Time) (next time.Time, ok bool) {
	if s == nil {
		return time.Time{}, false
	}
	if s.EndAt != nil && from.After(*s.EndAt) {
		return time.Time{}, false
	}

	loc, err := s.location()
	if err != nil {
		return time.Time{}, false
	}
	local := from.In(loc)

	switch s.Type {
	case ScheduleOnce:
		if s.StartAt != nil && s.StartAt.After(from) {
			next, ok = *s.StartAt, true
		}
	case ScheduleDaily:
		next, ok = s.nextDaily(local)
	case ScheduleWeekly:
		next, ok = s.nextWeekly(local)
	case ScheduleMonthly:
		next, ok = s.nextMonthly(local)
	case ScheduleInterval:
		next, ok = s.nextInterval(from)
	case ScheduleCron:
		sched, perr := cronParser.Parse(s.CronExpression)
		if perr != nil {
			return time.Time{}, false
		}
		next = sched.Next(local)
		ok = !next.IsZero()
	}

	if !ok {
		return time.Time{}, false
	}
	// Calendar types anchor to StartAt when it lies in the future.
	if s.StartAt != nil && next.Before(*s.StartAt) && s.Type != ScheduleInterval {
		return s.Next(s.StartAt.Add(-time.Nanosecond))
	}
	if s.EndAt != nil && next.After(*s.EndAt) {
		return time.Time{}, false
	}
	return next.UTC(), true
}

// NextRun computes the next due time for the sweep. Consecutive failures
// push the due time out by min(2^failures minutes, maxBackoff) when
// maxBackoff is positive.
func NextRun(s *Schedule, from time.Time, consecutiveFailures int, maxBackoff time.Duration) (time.Time, bool) {
	next, ok := s.Next(from)
	if !ok {
		return time.Time{}, false
	}
	return next.Add(Backoff(consecutiveFailures, maxBackoff)), true
}

// Backoff returns the delay added after the given failure streak.
func Backoff(consecutiveFailures int, maxBackoff time.Duration) time.Duration {
	if consecutiveFailures <= 0 || maxBackoff <= 0 {
		return 0
	}
	// 2^n minutes overflows quickly; anything past 2^30 is capped anyway
	exp := math.Min(float64(consecutiveFailures), 30)
	delay := time.Duration(math.Pow(2, exp)) * time.Minute
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

func (s *Schedule) location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

func (s *Schedule) nextDaily(from time.Time) (time.Time, bool) {
	tod, err := parseTimeOfDay(s.TimeOfDay)
	if err != nil {
		return time.Time{}, false
	}
	candidate := atTimeOfDay(from, tod)
	if !candidate.After(from) {
		candidate = atTimeOfDay(from.AddDate(0, 0, 1), tod)
	}
	return candidate, true
}

func (s *Schedule) nextWeekly(from time.Time) (time.Time, bool) {
	tod, err := parseTimeOfDay(s.TimeOfDay)
	if err != nil || len(s.DaysOfWeek) == 0 {
		return time.Time{}, false
	}
	days := make(map[time.Weekday]struct{}, len(s.DaysOfWeek))
	for _, d := range s.DaysOfWeek {
		days[time.Weekday(d)] = struct{}{}
	}
	// Eight days covers "today, but the time already passed" wrapping to next week.
	for i := 0; i <= 7; i++ {
		day := from.AddDate(0, 0, i)
		if _, ok := days[day.Weekday()]; !ok {
			continue
		}
		candidate := atTimeOfDay(day, tod)
		if candidate.After(from) {
			return candidate, true
		}
	}
	return time.Time{}, false
}

func (s *Schedule) nextMonthly(from time.Time) (time.Time, bool) {
	tod, err := parseTimeOfDay(s.TimeOfDay)
	if err != nil || len(s.DaysOfMonth) == 0 {
		return time.Time{}, false
	}
	days := append([]int(nil), s.DaysOfMonth...)
	sort.Ints(days)

	for m := 0; m <= 12; m++ {
		first := time.Date(from.Year(), from.Month()+time.Month(m), 1, 0, 0, 0, 0, from.Location())
		last := daysIn(first)
		for _, d := range days {
			day := first.AddDate(0, 0, min(d, last)-1)
			candidate := atTimeOfDay(day, tod)
			if candidate.After(from) {
				return candidate, true
			}
		}
	}
	return time.Time{}, false
}

func (s *Schedule) nextInterval(from time.Time) (time.Time, bool) {
	if s.IntervalSeconds <= 0 {
		return time.Time{}, false
	}
	interval := time.Duration(s.IntervalSeconds) * time.Second
	if s.StartAt == nil {
		return from.Add(interval), true
	}
	start := *s.StartAt
	if from.Before(start) {
		return start, true
	}
	steps := from.Sub(start)/interval + 1
	return start.Add(steps * interval), true
}

// parseTimeOfDay parses "HH:MM" or "HH:MM:SS" into an offset from midnight.
func parseTimeOfDay(v string) (time.Duration, error) {
	parts := strings.Split(v, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("time_of_day %q must be HH:MM or HH:MM:SS", v)
	}
	limits := []int{23, 59, 59}
	units := []time.Duration{time.Hour, time.Minute, time.Second}
	var total time.Duration
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] {
			return 0, fmt.Errorf("time_of_day %q out of range", v)
		}
		total += time.Duration(n) * units[i]
	}
	return total, nil
}

// atTimeOfDay returns the wall-clock time tod on the calendar day of t.
func atTimeOfDay(t time.Time, tod time.Duration) time.Time {
	h := int(tod / time.Hour)
	m := int(tod % time.Hour / time.Minute)
	sec := int(tod % time.Minute / time.Second)
	return time.Date(t.Year(), t.Month(), t.Day(), h, m, sec, 0, t.Location())
}

func daysIn(firstOfMonth time.Time) int {
	return firstOfMonth.AddDate(0, 1, -1).Day()
}

func (s *Schedule) clone() *Schedule {
	if s == nil {
		return nil
	}
	cpy := *s
	cpy.StartAt = cloneTimePtr(s.StartAt)
	cpy.EndAt = cloneTimePtr(s.EndAt)
	if s.DaysOfWeek != nil {
		cpy.DaysOfWeek = append([]int(nil), s.DaysOfWeek...)
	}
	if s.DaysOfMonth != nil {
		cpy.DaysOfMonth = append([]int(nil), s.DaysOfMonth...)
	}
	return &cpy
}
