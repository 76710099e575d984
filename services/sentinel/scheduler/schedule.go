// Copyright (C) 2026 Parley Systems (eng@parley.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule computes when a task should next run.
type Schedule interface {
	// Next returns the first activation strictly after t.
	Next(t time.Time) time.Time
}

// Every returns a fixed-interval schedule.
func Every(interval time.Duration) Schedule {
	return periodicSchedule{interval: interval}
}

type periodicSchedule struct {
	interval time.Duration
}

func (p periodicSchedule) Next(t time.Time) time.Time {
	return t.Add(p.interval)
}

// CalendarUnit selects the recurrence of a calendar schedule.
type CalendarUnit string

const (
	UnitDaily   CalendarUnit = "daily"
	UnitWeekly  CalendarUnit = "weekly"
	UnitMonthly CalendarUnit = "monthly"
	UnitYearly  CalendarUnit = "yearly"
)

// CalendarSpec describes a wall-clock recurrence: a time of day in a
// zone, repeating daily, weekly on Monday, monthly on a day of month,
// or yearly on a date. Zero-value fields take the documented defaults.
type CalendarSpec struct {
	Unit CalendarUnit

	// TimeOfDay is "15:04" wall-clock time. Default "00:00".
	TimeOfDay string

	// DayOfMonth applies to monthly and yearly units. Default 1.
	DayOfMonth int

	// Month applies to the yearly unit (1-12). Default 1.
	Month int

	// Location is an IANA zone name. Default "UTC".
	Location string
}

// Calendar compiles a CalendarSpec into a Schedule. The cron library
// owns the next-occurrence math, including DST transitions and months
// without the requested day.
func Calendar(spec CalendarSpec) (Schedule, error) {
	loc := spec.Location
	if loc == "" {
		loc = "UTC"
	}
	if _, err := time.LoadLocation(loc); err != nil {
		return nil, fmt.Errorf("calendar schedule: unknown location %q: %w", loc, err)
	}

	tod := spec.TimeOfDay
	if tod == "" {
		tod = "00:00"
	}
	at, err := time.Parse("15:04", tod)
	if err != nil {
		return nil, fmt.Errorf("calendar schedule: bad time of day %q: %w", tod, err)
	}
	hour, minute := at.Hour(), at.Minute()

	dom := spec.DayOfMonth
	if dom == 0 {
		dom = 1
	}
	month := spec.Month
	if month == 0 {
		month = 1
	}

	var expr string
	switch spec.Unit {
	case UnitDaily:
		expr = fmt.Sprintf("%d %d * * *", minute, hour)
	case UnitWeekly:
		// Weekly runs land on Monday.
		expr = fmt.Sprintf("%d %d * * 1", minute, hour)
	case UnitMonthly:
		expr = fmt.Sprintf("%d %d %d * *", minute, hour, dom)
	case UnitYearly:
		expr = fmt.Sprintf("%d %d %d %d *", minute, hour, dom, month)
	default:
		return nil, fmt.Errorf("calendar schedule: unknown unit %q", spec.Unit)
	}

	sched, err := cron.ParseStandard(fmt.Sprintf("CRON_TZ=%s %s", loc, expr))
	if err != nil {
		return nil, fmt.Errorf("calendar schedule: %w", err)
	}
	return sched, nil
}
