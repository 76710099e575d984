// Copyright (C) 2026 Parley Systems (eng@parley.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scheduler

import (
	"testing"
	"time"
)

func TestEvery(t *testing.T) {
	s := Every(10 * time.Minute)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	if got := s.Next(now); !got.Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("Next = %v, want %v", got, now.Add(10*time.Minute))
	}
}

func TestCalendarDaily(t *testing.T) {
	s, err := Calendar(CalendarSpec{Unit: UnitDaily, TimeOfDay: "06:30"})
	if err != nil {
		t.Fatal(err)
	}

	// Before today's slot: fires today.
	from := time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC)
	want := time.Date(2026, 3, 10, 6, 30, 0, 0, time.UTC)
	if got := s.Next(from); !got.Equal(want) {
		t.Errorf("Next(%v) = %v, want %v", from, got, want)
	}

	// After today's slot: fires tomorrow.
	from = time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)
	want = time.Date(2026, 3, 11, 6, 30, 0, 0, time.UTC)
	if got := s.Next(from); !got.Equal(want) {
		t.Errorf("Next(%v) = %v, want %v", from, got, want)
	}
}

func TestCalendarWeeklyLandsOnMonday(t *testing.T) {
	s, err := Calendar(CalendarSpec{Unit: UnitWeekly, TimeOfDay: "09:00"})
	if err != nil {
		t.Fatal(err)
	}

	// 2026-03-10 is a Tuesday; next Monday is the 16th.
	from := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	want := time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC)
	if got := s.Next(from); !got.Equal(want) {
		t.Fatalf("Next(%v) = %v, want %v", from, got, want)
	}
	if got := s.Next(from); got.Weekday() != time.Monday {
		t.Errorf("weekly schedule landed on %v", got.Weekday())
	}
}

func TestCalendarMonthlySameDay(t *testing.T) {
	s, err := Calendar(CalendarSpec{Unit: UnitMonthly, TimeOfDay: "00:15", DayOfMonth: 15})
	if err != nil {
		t.Fatal(err)
	}

	from := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
	want := time.Date(2026, 4, 15, 0, 15, 0, 0, time.UTC)
	if got := s.Next(from); !got.Equal(want) {
		t.Fatalf("Next(%v) = %v, want %v", from, got, want)
	}
}

func TestCalendarMonthlySkipsShortMonths(t *testing.T) {
	s, err := Calendar(CalendarSpec{Unit: UnitMonthly, TimeOfDay: "08:00", DayOfMonth: 31})
	if err != nil {
		t.Fatal(err)
	}

	// April has 30 days; the next 31st after April 1st is May 31st.
	from := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	want := time.Date(2026, 5, 31, 8, 0, 0, 0, time.UTC)
	if got := s.Next(from); !got.Equal(want) {
		t.Fatalf("Next(%v) = %v, want %v", from, got, want)
	}
}

func TestCalendarYearly(t *testing.T) {
	s, err := Calendar(CalendarSpec{Unit: UnitYearly, TimeOfDay: "03:00", DayOfMonth: 1, Month: 7})
	if err != nil {
		t.Fatal(err)
	}

	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	want := time.Date(2027, 7, 1, 3, 0, 0, 0, time.UTC)
	if got := s.Next(from); !got.Equal(want) {
		t.Fatalf("Next(%v) = %v, want %v", from, got, want)
	}
}

func TestCalendarTimezone(t *testing.T) {
	s, err := Calendar(CalendarSpec{Unit: UnitDaily, TimeOfDay: "06:00", Location: "Asia/Tokyo"})
	if err != nil {
		t.Fatal(err)
	}

	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skip("tzdata unavailable")
	}

	// 06:00 Tokyo is 21:00 UTC the previous day.
	from := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	got := s.Next(from)
	want := time.Date(2026, 3, 11, 6, 0, 0, 0, tokyo)
	if !got.Equal(want) {
		t.Fatalf("Next(%v) = %v, want %v", from, got, want)
	}
}

func TestCalendarDefaults(t *testing.T) {
	s, err := Calendar(CalendarSpec{Unit: UnitDaily})
	if err != nil {
		t.Fatal(err)
	}
	from := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	want := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	if got := s.Next(from); !got.Equal(want) {
		t.Fatalf("default time of day should be midnight, got %v", got)
	}
}

func TestCalendarRejectsBadInput(t *testing.T) {
	cases := []CalendarSpec{
		{Unit: "hourly"},
		{Unit: UnitDaily, TimeOfDay: "25:00"},
		{Unit: UnitDaily, Location: "Mars/Olympus"},
	}
	for _, spec := range cases {
		if _, err := Calendar(spec); err == nil {
			t.Errorf("expected error for %+v", spec)
		}
	}
}
