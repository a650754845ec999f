package periodic

import (
	"strings"
	"testing"
	"time"

	"github.com/relayops/relay/pkg/models"
)

func cronSchedule(minute, hour string) models.Schedule {
	return models.Schedule{
		Type: ScheduleCron,
		Cron: &models.CronSpec{
			Minute: models.CronField(minute),
			Hour:   models.CronField(hour),
		},
	}
}

func intervalSchedule(every int, unit string) models.Schedule {
	return models.Schedule{
		Type:     ScheduleInterval,
		Interval: &models.IntervalSpec{Every: every, Unit: unit},
	}
}

func TestNextRunCron(t *testing.T) {
	after := time.Date(2026, time.March, 10, 22, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		schedule models.Schedule
		timezone string
		after    time.Time
		want     time.Time
	}{
		{
			name:     "daily nine am in seoul",
			schedule: cronSchedule("0", "9"),
			timezone: "Asia/Seoul",
			after:    after,
			// 22:00 UTC is 07:00 the next day in Seoul; the following
			// 09:00 KST is midnight UTC.
			want: time.Date(2026, time.March, 11, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "on the boundary moves a full day forward",
			schedule: cronSchedule("0", "9"),
			timezone: "Asia/Seoul",
			after:    time.Date(2026, time.March, 11, 0, 0, 0, 0, time.UTC),
			want:     time.Date(2026, time.March, 12, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "unknown timezone resolves as utc",
			schedule: cronSchedule("0", "9"),
			timezone: "Mars/Olympus",
			after:    after,
			want:     time.Date(2026, time.March, 11, 9, 0, 0, 0, time.UTC),
		},
		{
			name:     "empty fields default to every minute",
			schedule: models.Schedule{Type: ScheduleCron, Cron: &models.CronSpec{}},
			after:    after,
			want:     after.Add(time.Minute),
		},
		{
			name:     "step expression",
			schedule: cronSchedule("*/15", "*"),
			after:    time.Date(2026, time.March, 10, 22, 7, 0, 0, time.UTC),
			want:     time.Date(2026, time.March, 10, 22, 15, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextRun(tt.schedule, tt.timezone, tt.after)
			if err != nil {
				t.Fatalf("NextRun: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("next run = %s, want %s", got, tt.want)
			}
			if !got.After(tt.after) {
				t.Errorf("next run %s is not after %s", got, tt.after)
			}
			if got.Location() != time.UTC {
				t.Errorf("next run location = %v, want UTC", got.Location())
			}
		})
	}
}

func TestNextRunInterval(t *testing.T) {
	after := time.Date(2026, time.March, 10, 22, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		schedule models.Schedule
		want     time.Time
	}{
		{"minutes", intervalSchedule(30, "minutes"), after.Add(30 * time.Minute)},
		{"hours", intervalSchedule(6, "hours"), after.Add(6 * time.Hour)},
		{"days", intervalSchedule(2, "days"), after.Add(48 * time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextRun(tt.schedule, "", after)
			if err != nil {
				t.Fatalf("NextRun: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("next run = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNextRunErrors(t *testing.T) {
	tests := []struct {
		name     string
		schedule models.Schedule
	}{
		{"unknown type", models.Schedule{Type: "yearly"}},
		{"cron without spec", models.Schedule{Type: ScheduleCron}},
		{"invalid cron expression", cronSchedule("61", "*")},
		{"interval without spec", models.Schedule{Type: ScheduleInterval}},
		{"zero interval", intervalSchedule(0, "minutes")},
		{"unknown interval unit", intervalSchedule(5, "weeks")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NextRun(tt.schedule, "", time.Now()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(cronSchedule("0", "9"), "Asia/Seoul"); err != nil {
		t.Errorf("valid cron schedule: %v", err)
	}
	if err := Validate(intervalSchedule(15, "minutes"), ""); err != nil {
		t.Errorf("valid interval schedule: %v", err)
	}
	if err := Validate(cronSchedule("0", "24"), ""); err == nil {
		t.Error("expected error for out-of-range hour")
	}

	// NextRun tolerates a stale timezone, creation must not.
	err := Validate(cronSchedule("0", "9"), "Mars/Olympus")
	if err == nil || !strings.Contains(err.Error(), "timezone") {
		t.Errorf("unknown timezone error = %v", err)
	}
	if _, nerr := NextRun(cronSchedule("0", "9"), "Mars/Olympus", time.Now()); nerr != nil {
		t.Errorf("NextRun with unknown timezone: %v", nerr)
	}
}
