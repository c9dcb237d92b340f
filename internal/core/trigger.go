package core

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TriggerKind selects how a schedule computes its next fire time.
type TriggerKind string

const (
	TriggerImmediate TriggerKind = "immediate"
	TriggerInterval  TriggerKind = "interval"
	TriggerDaily     TriggerKind = "daily"
	TriggerWeekly    TriggerKind = "weekly"
	TriggerCron      TriggerKind = "cron"
	TriggerEvent     TriggerKind = "event"
)

// ParseTriggerKind accepts the lower-case kind names, ignoring case and
// surrounding space.
func ParseTriggerKind(v string) (TriggerKind, error) {
	k := TriggerKind(strings.ToLower(strings.TrimSpace(v)))
	switch k {
	case TriggerImmediate, TriggerInterval, TriggerDaily, TriggerWeekly, TriggerCron, TriggerEvent:
		return k, nil
	}
	return "", fmt.Errorf("unknown trigger kind %q", v)
}

// TriggerConfig carries the settings of every trigger kind; each kind reads
// only its own fields.
type TriggerConfig struct {
	// interval
	Hours   int `json:"hours,omitempty" yaml:"hours,omitempty"`
	Minutes int `json:"minutes,omitempty" yaml:"minutes,omitempty"`
	Seconds int `json:"seconds,omitempty" yaml:"seconds,omitempty"`
	// daily and weekly, "HH:MM" or "HH:MM:SS"
	Time string `json:"time,omitempty" yaml:"time,omitempty"`
	// weekly, Monday=0 through Sunday=6
	Day int `json:"day,omitempty" yaml:"day,omitempty"`
	// cron, 5 fields
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
	// event, informational
	EventType string `json:"event_type,omitempty" yaml:"event_type,omitempty"`
}

// Interval returns the summed interval duration.
func (c TriggerConfig) Interval() time.Duration {
	return time.Duration(c.Hours)*time.Hour + time.Duration(c.Minutes)*time.Minute + time.Duration(c.Seconds)*time.Second
}

var errNoOccurrence = errors.New("trigger has no future occurrence")

// ValidateTrigger checks that cfg is usable for kind.
func ValidateTrigger(kind TriggerKind, cfg TriggerConfig) error {
	switch kind {
	case TriggerImmediate, TriggerEvent:
		return nil
	case TriggerInterval:
		if cfg.Hours < 0 || cfg.Minutes < 0 || cfg.Seconds < 0 {
			return fmt.Errorf("interval fields must not be negative")
		}
		if cfg.Interval() <= 0 {
			return fmt.Errorf("interval must be greater than zero")
		}
		return nil
	case TriggerDaily:
		_, err := parseClock(cfg.Time)
		return err
	case TriggerWeekly:
		if cfg.Day < 0 || cfg.Day > 6 {
			return fmt.Errorf("invalid weekday %d, expected 0 (Monday) to 6 (Sunday)", cfg.Day)
		}
		_, err := parseClock(cfg.Time)
		return err
	case TriggerCron:
		_, err := ParseCron(cfg.Expression)
		return err
	default:
		return fmt.Errorf("unknown trigger kind %q", kind)
	}
}

// NextRun computes the next fire time of an armed trigger relative to now.
// Immediate yields now; Event yields nil since it only fires on demand.
func NextRun(kind TriggerKind, cfg TriggerConfig, now time.Time) (*time.Time, error) {
	var next time.Time
	switch kind {
	case TriggerImmediate:
		next = now
	case TriggerEvent:
		return nil, nil
	case TriggerInterval:
		d := cfg.Interval()
		if d <= 0 {
			return nil, fmt.Errorf("interval must be greater than zero")
		}
		next = now.Add(d)
	case TriggerDaily:
		clock, err := parseClock(cfg.Time)
		if err != nil {
			return nil, err
		}
		next = nextDaily(now, clock)
	case TriggerWeekly:
		if cfg.Day < 0 || cfg.Day > 6 {
			return nil, fmt.Errorf("invalid weekday %d, expected 0 (Monday) to 6 (Sunday)", cfg.Day)
		}
		clock, err := parseClock(cfg.Time)
		if err != nil {
			return nil, err
		}
		next = nextWeekly(now, cfg.Day, clock)
	case TriggerCron:
		schedule, err := ParseCron(cfg.Expression)
		if err != nil {
			return nil, err
		}
		next = schedule.Next(now)
		if next.IsZero() {
			return nil, errNoOccurrence
		}
	default:
		return nil, fmt.Errorf("unknown trigger kind %q", kind)
	}
	return &next, nil
}

// PreviewRuns lists up to n upcoming fire times starting after from, as if
// every fire happened exactly on time. Immediate previews a single run and
// Event previews none.
func PreviewRuns(kind TriggerKind, cfg TriggerConfig, from time.Time, n int) ([]time.Time, error) {
	if err := ValidateTrigger(kind, cfg); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	switch kind {
	case TriggerEvent:
		return []time.Time{}, nil
	case TriggerImmediate:
		return []time.Time{from}, nil
	case TriggerCron:
		schedule, err := ParseCron(cfg.Expression)
		if err != nil {
			return nil, err
		}
		return NextOccurrences(schedule, from, n), nil
	}
	out := make([]time.Time, 0, n)
	cursor := from
	for len(out) < n {
		next, err := NextRun(kind, cfg, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, *next)
		cursor = *next
	}
	return out, nil
}

type clockTime struct {
	hour, minute, second int
}

func parseClock(v string) (clockTime, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return clockTime{}, fmt.Errorf("invalid time %q, expected HH:MM", v)
	}
	var vals [3]int
	limits := [3]int{23, 59, 59}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] {
			return clockTime{}, fmt.Errorf("invalid time %q, expected HH:MM", v)
		}
		vals[i] = n
	}
	return clockTime{hour: vals[0], minute: vals[1], second: vals[2]}, nil
}

func (c clockTime) on(day time.Time, offset int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day()+offset, c.hour, c.minute, c.second, 0, day.Location())
}

func nextDaily(now time.Time, c clockTime) time.Time {
	next := c.on(now, 0)
	if !next.After(now) {
		next = c.on(now, 1)
	}
	return next
}

// mondayIndex converts time.Weekday (Sunday=0) to Monday=0.
func mondayIndex(d time.Weekday) int {
	return (int(d) + 6) % 7
}

func nextWeekly(now time.Time, day int, c clockTime) time.Time {
	ahead := (day - mondayIndex(now.Weekday()) + 7) % 7
	next := c.on(now, ahead)
	if !next.After(now) {
		next = c.on(now, ahead+7)
	}
	return next
}
