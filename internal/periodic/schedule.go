// Package periodic schedules headless agent runs. A beat loop selects
// tasks whose next_run_at has passed, advances the schedule before
// dispatch so a duplicated beat cannot double-run a task, and hands each
// one to a bounded worker pool that drives a non-streaming turn with
// retries, timeouts, and failure parking.
package periodic

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relayops/relay/pkg/models"
)

// Schedule type discriminators.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
)

// cronParser accepts the standard five fields: minute, hour, day of
// month, month, day of week.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// NextRun computes the next execution time strictly after the given
// instant. Cron expressions resolve in the task's timezone and the
// result comes back in UTC; an unknown timezone resolves as UTC.
func NextRun(schedule models.Schedule, timezone string, after time.Time) (time.Time, error) {
	switch schedule.Type {
	case ScheduleCron:
		if schedule.Cron == nil {
			return time.Time{}, fmt.Errorf("cron schedule has no cron spec")
		}
		expr := schedule.Cron.Expression()
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
		}
		return sched.Next(after.In(location(timezone))).UTC(), nil

	case ScheduleInterval:
		step, err := intervalDuration(schedule.Interval)
		if err != nil {
			return time.Time{}, err
		}
		return after.Add(step).UTC(), nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule type %q", schedule.Type)
	}
}

// Validate reports whether the schedule can produce run times. Unlike
// NextRun it rejects unknown timezones, so creation surfaces a typo
// instead of silently running the task in UTC.
func Validate(schedule models.Schedule, timezone string) error {
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return fmt.Errorf("unknown timezone %q", timezone)
		}
	}
	switch schedule.Type {
	case ScheduleCron:
		if schedule.Cron == nil {
			return fmt.Errorf("cron schedule has no cron spec")
		}
		expr := schedule.Cron.Expression()
		if _, err := cronParser.Parse(expr); err != nil {
			return fmt.Errorf("parse cron expression %q: %w", expr, err)
		}
		return nil
	case ScheduleInterval:
		_, err := intervalDuration(schedule.Interval)
		return err
	default:
		return fmt.Errorf("unknown schedule type %q", schedule.Type)
	}
}

func intervalDuration(spec *models.IntervalSpec) (time.Duration, error) {
	if spec == nil {
		return 0, fmt.Errorf("interval schedule has no interval spec")
	}
	if spec.Every <= 0 {
		return 0, fmt.Errorf("interval every must be positive, got %d", spec.Every)
	}
	var unit time.Duration
	switch spec.Unit {
	case "minutes":
		unit = time.Minute
	case "hours":
		unit = time.Hour
	case "days":
		unit = 24 * time.Hour
	default:
		return 0, fmt.Errorf("unknown interval unit %q", spec.Unit)
	}
	return time.Duration(spec.Every) * unit, nil
}

// location resolves a timezone name; unknown names resolve to UTC.
func location(timezone string) *time.Location {
	if timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
