// Package slots computes free interview hours inside a workday from a list of
// calendar events, and groups them into weekly boards for export.
package slots

import (
	"strconv"
	"strings"
	"time"

	"hrslots/internal/model"
)

// NoSlots is rendered when every hour of the window is taken.
const NoSlots = "Нет свободных слотов"

// Slot is one hour-aligned subdivision of the work window.
type Slot struct {
	Hour     int
	Start    time.Time
	End      time.Time
	Occupied bool
}

// Range is a maximal run of free slots, [StartHour, EndHour).
//
// Single marks a one-hour run that was closed by a busy hour; it renders as
// the bare hour ("14"). Runs reaching the end of the window always render
// with a dash ("17-18").
type Range struct {
	StartHour int
	EndHour   int
	Single    bool
}

func (r Range) String() string {
	if r.Single {
		return strconv.Itoa(r.StartHour)
	}
	return strconv.Itoa(r.StartHour) + "-" + strconv.Itoa(r.EndHour)
}

// Availability is the result of one day computation.
type Availability struct {
	Date   time.Time
	Window WorkWindow
	Slots  []Slot
	Ranges []Range
}

// String renders the ranges joined by ", ", or NoSlots.
func (a Availability) String() string {
	if len(a.Ranges) == 0 {
		return NoSlots
	}
	parts := make([]string, len(a.Ranges))
	for i, r := range a.Ranges {
		parts[i] = r.String()
	}
	return strings.Join(parts, ", ")
}

// Free reports whether at least one hour is available.
func (a Availability) Free() bool {
	return len(a.Ranges) > 0
}

// Count is the number of ranges, which is what the board badge shows.
func (a Availability) Count() int {
	return len(a.Ranges)
}

// FreeHours lists the start hour of every free slot in ascending order.
func (a Availability) FreeHours() []int {
	out := make([]int, 0, len(a.Slots))
	for _, r := range a.Ranges {
		for h := r.StartHour; h < r.EndHour; h++ {
			out = append(out, h)
		}
	}
	return out
}

// OccupiedHours lists the start hour of every busy slot in ascending order.
func (a Availability) OccupiedHours() []int {
	out := make([]int, 0, len(a.Slots))
	for _, s := range a.Slots {
		if s.Occupied {
			out = append(out, s.Hour)
		}
	}
	return out
}

// Calculator holds the knobs of the computation. The zero value uses
// DefaultWindow and DefaultMinOverlap.
type Calculator struct {
	Window     WorkWindow
	MinOverlap time.Duration
}

// Compute returns the free ranges of w on date's calendar day, given that
// day's events. An invalid window falls back to DefaultWindow.
func Compute(events []model.Event, date time.Time, w WorkWindow) Availability {
	return Calculator{Window: w}.Day(events, date)
}

// Day computes availability for date's calendar day in date's location.
func (c Calculator) Day(events []model.Event, date time.Time) Availability {
	w := c.Window
	if !w.Valid() {
		w = DefaultWindow
	}
	minOverlap := c.MinOverlap
	if minOverlap <= 0 {
		minOverlap = DefaultMinOverlap
	}

	loc := date.Location()
	dayStart, _ := w.On(date)

	slots := make([]Slot, 0, w.Hours())
	for i := 0; i < w.Hours(); i++ {
		start := dayStart.Add(time.Duration(i) * time.Hour)
		slots = append(slots, Slot{
			Hour:  w.StartHour + i,
			Start: start,
			End:   start.Add(time.Hour),
		})
	}

	for _, ev := range events {
		if ev.AllDay || ev.Start.IsZero() || ev.End.IsZero() || ev.Duration() <= 0 {
			continue
		}
		// Hour-of-day precheck; a multi-day event is compared by its
		// wall-clock hours only.
		if ev.Start.In(loc).Hour() >= w.EndHour || ev.End.In(loc).Hour() < w.StartHour {
			continue
		}
		for i := range slots {
			if overlap(slots[i].Start, slots[i].End, ev.Start, ev.End) >= minOverlap {
				slots[i].Occupied = true
			}
		}
	}

	return Availability{
		Date:   date,
		Window: w,
		Slots:  slots,
		Ranges: coalesce(slots),
	}
}

func coalesce(slots []Slot) []Range {
	var (
		ranges []Range
		open   = -1
	)
	for _, s := range slots {
		if !s.Occupied {
			if open < 0 {
				open = s.Hour
			}
			continue
		}
		if open >= 0 {
			ranges = append(ranges, Range{StartHour: open, EndHour: s.Hour, Single: s.Hour-open == 1})
			open = -1
		}
	}
	if open >= 0 {
		last := slots[len(slots)-1]
		ranges = append(ranges, Range{StartHour: open, EndHour: last.Hour + 1})
	}
	return ranges
}

func overlap(aStart, aEnd, bStart, bEnd time.Time) time.Duration {
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}
