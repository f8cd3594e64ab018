package slots

import (
	"fmt"
	"strings"
	"time"

	"hrslots/internal/model"
)

// Week selects which week a board is built for.
type Week int

const (
	Current Week = iota
	Next
)

func (w Week) String() string {
	if w == Next {
		return "next"
	}
	return "current"
}

// ParseWeek accepts "current" and "next" (case-insensitive); empty means current.
func ParseWeek(s string) (Week, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "current":
		return Current, nil
	case "next":
		return Next, nil
	default:
		return Current, fmt.Errorf("slots: unknown week %q", s)
	}
}

// Short Russian weekday labels as they appear in exported text, indexed by
// time.Weekday.
var weekdayLabels = [...]string{"ВС", "ПН", "ВТ", "СР", "ЧТ", "ПТ", "СБ"}

// workdays is how many cards a board has, starting on Monday.
const workdays = 5

// WeekdayLabel returns "ПН".."ВС".
func WeekdayLabel(d time.Weekday) string {
	return weekdayLabels[d%7]
}

// DefaultLunchKeywords are title fragments that do not count as meetings.
var DefaultLunchKeywords = []string{"обед", "lunch"}

// DaySlots is one card on the weekly board.
type DaySlots struct {
	Date         time.Time
	Weekday      string // ПН..ПТ
	DateLabel    string // dd.mm
	Meetings     int
	Availability Availability
}

// Slots is the rendered availability string for the day.
func (d DaySlots) Slots() string {
	return d.Availability.String()
}

// Board builds weekly slot cards on top of a Calculator.
type Board struct {
	Calculator Calculator

	// LunchKeywords are matched case-insensitively against event titles to
	// exclude them from the meetings count. Nil means DefaultLunchKeywords.
	LunchKeywords []string

	// Location is the zone in which days and hours are evaluated.
	// Nil means now's location.
	Location *time.Location
}

// BuildWeek is Board{Calculator: {Window: w}}.Week.
func BuildWeek(events []model.Event, now time.Time, week Week, w WorkWindow) []DaySlots {
	return Board{Calculator: Calculator{Window: w}}.Week(events, now, week)
}

// Week returns Monday..Friday cards for the selected week. For the current
// week, today and all earlier days are left out.
func (b Board) Week(events []model.Event, now time.Time, week Week) []DaySlots {
	if b.Location != nil {
		now = now.In(b.Location)
	}
	monday := WeekStart(now, week)
	today := startOfDay(now)

	keywords := b.LunchKeywords
	if keywords == nil {
		keywords = DefaultLunchKeywords
	}

	out := make([]DaySlots, 0, workdays)
	for i := 0; i < workdays; i++ {
		date := monday.AddDate(0, 0, i)
		if week == Current && !date.After(today) {
			continue
		}

		dayEvents := EventsOn(events, date)
		meetings := 0
		for _, ev := range dayEvents {
			if !IsLunch(ev.Title, keywords) {
				meetings++
			}
		}

		out = append(out, DaySlots{
			Date:         date,
			Weekday:      WeekdayLabel(date.Weekday()),
			DateLabel:    date.Format("02.01"),
			Meetings:     meetings,
			Availability: b.Calculator.Day(dayEvents, date),
		})
	}
	return out
}

// WeekStart returns Monday 00:00 of now's week, shifted by one week for Next.
func WeekStart(now time.Time, week Week) time.Time {
	day := startOfDay(now)
	offset := int(time.Monday - day.Weekday())
	if day.Weekday() == time.Sunday {
		offset = -6
	}
	if week == Next {
		offset += 7
	}
	return day.AddDate(0, 0, offset)
}

// EventsOn returns the events whose start falls on date's calendar day,
// evaluated in date's location.
func EventsOn(events []model.Event, date time.Time) []model.Event {
	loc := date.Location()
	y, m, d := date.Date()

	out := make([]model.Event, 0)
	for _, ev := range events {
		if ev.Start.IsZero() {
			continue
		}
		ey, em, ed := ev.Start.In(loc).Date()
		if ey == y && em == m && ed == d {
			out = append(out, ev)
		}
	}
	return out
}

// IsLunch reports whether title contains any of keywords, ignoring case.
func IsLunch(title string, keywords []string) bool {
	t := strings.ToLower(title)
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" && strings.Contains(t, k) {
			return true
		}
	}
	return false
}

// HasFreeSlots reports whether any day has at least one free hour.
func HasFreeSlots(days []DaySlots) bool {
	for _, d := range days {
		if d.Availability.Free() {
			return true
		}
	}
	return false
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
