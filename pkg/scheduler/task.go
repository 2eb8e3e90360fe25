package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// maxCronSearchMinutes bounds the next-run search to five years.
const maxCronSearchMinutes = 5 * 366 * 24 * 60

// TaskFunc is the body of a scheduled task.
type TaskFunc func(ctx context.Context) error

// Task is one periodic maintenance entry.
//
// Schedule is either "@every <duration>" or a five-field cron expression
// (minute hour day-of-month month day-of-week) evaluated in Timezone.
type Task struct {
	Name     string
	Schedule string
	Timezone string
	// LockTTL bounds how long a crashed holder blocks other instances. The
	// lease is renewed while the task runs.
	LockTTL time.Duration
	Run     TaskFunc
}

// Validate checks required fields and schedule syntax.
func (t *Task) Validate() error {
	if t == nil {
		return schedulerError(ErrValidation, "task is nil")
	}
	if strings.TrimSpace(t.Name) == "" {
		return schedulerError(ErrValidation, "task name is required")
	}
	if strings.TrimSpace(t.Schedule) == "" {
		return schedulerError(ErrValidation, "task schedule is required")
	}
	if t.Run == nil {
		return schedulerError(ErrValidation, fmt.Sprintf("task %q has no run function", t.Name))
	}
	if _, err := t.NextRun(time.Now().UTC()); err != nil {
		return err
	}
	return nil
}

// NextRun returns the first run strictly after now, in UTC.
func (t *Task) NextRun(now time.Time) (time.Time, error) {
	loc, err := t.location()
	if err != nil {
		return time.Time{}, err
	}
	return nextRunForSchedule(strings.TrimSpace(t.Schedule), now.In(loc), loc)
}

func (t *Task) location() (*time.Location, error) {
	name := strings.TrimSpace(t.Timezone)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.Join(schedulerError(ErrValidation, "invalid task timezone"), err)
	}
	return loc, nil
}

func nextRunForSchedule(schedule string, now time.Time, loc *time.Location) (time.Time, error) {
	if raw, ok := strings.CutPrefix(schedule, "@every "); ok {
		interval, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return time.Time{}, errors.Join(schedulerError(ErrValidation, "invalid @every duration"), err)
		}
		if interval <= 0 {
			return time.Time{}, schedulerError(ErrValidation, "@every duration must be > 0")
		}
		return now.Add(interval).UTC(), nil
	}

	expr, err := parseCron(schedule)
	if err != nil {
		return time.Time{}, err
	}
	candidate := now.Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < maxCronSearchMinutes; i++ {
		local := candidate.In(loc)
		if expr.matches(local) {
			return local.UTC(), nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, schedulerError(ErrValidation, fmt.Sprintf("no run found for schedule %q", schedule))
}

// cronField is a bitset of allowed values; bit i set means value i matches.
type cronField struct {
	bits     uint64
	wildcard bool
}

func (f cronField) has(v int) bool { return f.bits&(1<<uint(v)) != 0 }

type cronExpr struct {
	minute, hour, dom, month, dow cronField
}

// matches applies the usual cron rule: when both day fields are
// restricted, either one matching is enough.
func (e cronExpr) matches(t time.Time) bool {
	if !e.minute.has(t.Minute()) || !e.hour.has(t.Hour()) || !e.month.has(int(t.Month())) {
		return false
	}
	domOK, dowOK := e.dom.has(t.Day()), e.dow.has(int(t.Weekday()))
	switch {
	case e.dom.wildcard && e.dow.wildcard:
		return true
	case e.dom.wildcard:
		return dowOK
	case e.dow.wildcard:
		return domOK
	default:
		return domOK || dowOK
	}
}

var cronFieldSpecs = []struct {
	name     string
	min, max int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

func parseCron(schedule string) (cronExpr, error) {
	parts := strings.Fields(schedule)
	if len(parts) != len(cronFieldSpecs) {
		return cronExpr{}, schedulerError(ErrValidation, fmt.Sprintf("unsupported schedule format %q", schedule))
	}
	fields := make([]cronField, len(parts))
	for i, spec := range cronFieldSpecs {
		f, err := parseCronField(parts[i], spec.min, spec.max)
		if err != nil {
			return cronExpr{}, errors.Join(
				schedulerError(ErrValidation, fmt.Sprintf("invalid %s field %q", spec.name, parts[i])), err)
		}
		fields[i] = f
	}
	// Day-of-week 7 is Sunday.
	if fields[4].has(7) {
		fields[4].bits = fields[4].bits&^(1<<7) | 1
	}
	return cronExpr{minute: fields[0], hour: fields[1], dom: fields[2], month: fields[3], dow: fields[4]}, nil
}

func parseCronField(raw string, lo, hi int) (cronField, error) {
	raw = strings.TrimSpace(raw)
	if raw == "*" {
		return cronField{bits: rangeBits(lo, hi, 1), wildcard: true}, nil
	}
	var f cronField
	for _, segment := range strings.Split(raw, ",") {
		bits, err := parseCronSegment(strings.TrimSpace(segment), lo, hi)
		if err != nil {
			return cronField{}, err
		}
		f.bits |= bits
	}
	return f, nil
}

// parseCronSegment handles "*", "n", "a-b" and any of them with "/step".
func parseCronSegment(segment string, lo, hi int) (uint64, error) {
	if segment == "" {
		return 0, errors.New("empty segment")
	}
	base, stepRaw, hasStep := strings.Cut(segment, "/")
	step := 1
	if hasStep {
		n, err := strconv.Atoi(strings.TrimSpace(stepRaw))
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid step %q", stepRaw)
		}
		step = n
	}

	start, end := lo, hi
	switch base = strings.TrimSpace(base); {
	case base == "*" || base == "":
	case strings.Contains(base, "-"):
		a, b, _ := strings.Cut(base, "-")
		var err error
		if start, err = strconv.Atoi(strings.TrimSpace(a)); err != nil {
			return 0, fmt.Errorf("invalid range start %q", a)
		}
		if end, err = strconv.Atoi(strings.TrimSpace(b)); err != nil {
			return 0, fmt.Errorf("invalid range end %q", b)
		}
	default:
		n, err := strconv.Atoi(base)
		if err != nil {
			return 0, fmt.Errorf("invalid value %q", base)
		}
		start, end = n, n
		if hasStep {
			end = hi
		}
	}

	if start < lo || end > hi {
		return 0, fmt.Errorf("value out of range [%d,%d]", lo, hi)
	}
	if end < start {
		return 0, fmt.Errorf("invalid range %d-%d", start, end)
	}
	return rangeBits(start, end, step), nil
}

func rangeBits(start, end, step int) uint64 {
	var bits uint64
	for v := start; v <= end; v += step {
		bits |= 1 << uint(v)
	}
	return bits
}
