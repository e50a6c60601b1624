/*
Copyright 2026 The Spreadguard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package annotations

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// RebalanceScheduleAnnotation defines when disruptive actions (evictions,
	// cordons) are allowed to run (cron format, UTC). Set on the SpreadPolicy.
	RebalanceScheduleAnnotation = "spread.fitzek.eu/rebalance-schedule"

	// RebalanceDurationAnnotation defines how long the rebalance window stays
	// open after each schedule occurrence.
	RebalanceDurationAnnotation = "spread.fitzek.eu/rebalance-duration"
)

// RebalanceWindow is a recurring time window during which a policy permits
// disruptive actions. A nil window means disruptions are always allowed.
type RebalanceWindow struct {
	// Schedule is the parsed cron schedule.
	Schedule cron.Schedule
	// Duration is how long the window lasts.
	Duration time.Duration
}

// ParseRebalanceWindow parses the rebalance window annotations.
// Both schedule and duration must be present together, or both absent.
func ParseRebalanceWindow(annotations map[string]string) (*RebalanceWindow, error) {
	scheduleStr := annotations[RebalanceScheduleAnnotation]
	durationStr := annotations[RebalanceDurationAnnotation]

	if (scheduleStr == "") != (durationStr == "") {
		return nil, fmt.Errorf("both %s and %s must be specified together",
			RebalanceScheduleAnnotation, RebalanceDurationAnnotation)
	}

	// No window configured
	if scheduleStr == "" {
		return nil, nil
	}

	// 5-field format: minute hour day month weekday
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(scheduleStr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", scheduleStr, err)
	}

	duration, err := time.ParseDuration(durationStr)
	if err != nil {
		return nil, fmt.Errorf("invalid duration %q: %w", durationStr, err)
	}
	if duration <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %s", duration)
	}

	return &RebalanceWindow{
		Schedule: schedule,
		Duration: duration,
	}, nil
}

// Contains reports whether the given time falls inside an open window.
func (w *RebalanceWindow) Contains(t time.Time) bool {
	// No window configured = always allowed
	if w == nil {
		return true
	}

	t = t.UTC()

	// The most recent occurrence is the first one after (t - duration); the
	// window is [occurrence, occurrence + duration).
	lastSchedule := w.Schedule.Next(t.Add(-w.Duration))
	windowEnd := lastSchedule.Add(w.Duration)

	return !t.Before(lastSchedule) && t.Before(windowEnd)
}

// NextOpening returns the start of the next window strictly after t. With no
// window configured it returns t itself.
func (w *RebalanceWindow) NextOpening(t time.Time) time.Time {
	if w == nil {
		return t
	}
	return w.Schedule.Next(t.UTC())
}
