package scheduler

import (
	"fmt"
	"strconv"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/groupd/internal/store"
)

// NextRun computes the next firing instant per scheduleType:
//
//   - cron: scheduleValue is a cron expression, evaluated in loc; the
//     result is strictly after `after`.
//   - interval: scheduleValue is a positive integer count of milliseconds.
//   - once: scheduleValue is an RFC3339 timestamp, returned as-is whether
//     or not it lies after `after`.
func NextRun(scheduleType store.ScheduleType, scheduleValue string, after time.Time, loc *time.Location) (time.Time, error) {
	switch scheduleType {
	case store.ScheduleCron:
		return nextCronRun(scheduleValue, after, loc)
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil || ms <= 0 {
			return time.Time{}, fmt.Errorf("scheduler: invalid interval value %q", scheduleValue)
		}
		return after.Add(time.Duration(ms) * time.Millisecond), nil
	case store.ScheduleOnce:
		t, err := time.Parse(time.RFC3339, scheduleValue)
		if err != nil {
			return time.Time{}, fmt.Errorf("scheduler: invalid once timestamp %q: %w", scheduleValue, err)
		}
		return t, nil
	default:
		return time.Time{}, fmt.Errorf("scheduler: unknown schedule type %q", scheduleType)
	}
}

func nextCronRun(expr string, after time.Time, loc *time.Location) (time.Time, error) {
	g := gronx.New()
	if !g.IsValid(expr) {
		return time.Time{}, fmt.Errorf("scheduler: invalid cron expression %q", expr)
	}
	ref := after
	if loc != nil {
		ref = after.In(loc)
	}
	next, err := gronx.NextTickAfter(expr, ref, false)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduler: compute next tick for %q: %w", expr, err)
	}
	return next, nil
}

// NormalizeContextMode returns mode if it is a recognized value, otherwise
// the isolated default per spec.
func NormalizeContextMode(mode store.ContextMode) store.ContextMode {
	if mode == store.ContextGroup || mode == store.ContextIsolated {
		return mode
	}
	return store.ContextIsolated
}
