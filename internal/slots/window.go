package slots

import (
	"errors"
	"fmt"
	"time"
)

// Default workday used when nothing else is configured: 11:00-18:00.
const (
	DefaultStartHour = 11
	DefaultEndHour   = 18

	// DefaultMinOverlap is how much of an hour an event has to cover before
	// the hour counts as busy. Exactly this much is enough.
	DefaultMinOverlap = 30 * time.Minute
)

var ErrInvalidWindow = errors.New("slots: invalid work window")

// DefaultWindow is the conventional 11-18 workday.
var DefaultWindow = WorkWindow{StartHour: DefaultStartHour, EndHour: DefaultEndHour}

// WorkWindow is the bounded daily hour range eligible for scheduling,
// [StartHour, EndHour) in local hours of the target day.
type WorkWindow struct {
	StartHour int `yaml:"start_hour" json:"start_hour"`
	EndHour   int `yaml:"end_hour" json:"end_hour"`
}

// NewWorkWindow validates and returns a window.
func NewWorkWindow(startHour, endHour int) (WorkWindow, error) {
	w := WorkWindow{StartHour: startHour, EndHour: endHour}
	if !w.Valid() {
		return WorkWindow{}, fmt.Errorf("%w: %d-%d", ErrInvalidWindow, startHour, endHour)
	}
	return w, nil
}

// Valid reports whether the window holds at least one hour inside a day.
func (w WorkWindow) Valid() bool {
	return w.StartHour >= 0 && w.EndHour <= 24 && w.StartHour < w.EndHour
}

// Hours returns the number of hourly slots in the window.
func (w WorkWindow) Hours() int {
	if !w.Valid() {
		return 0
	}
	return w.EndHour - w.StartHour
}

func (w WorkWindow) String() string {
	return fmt.Sprintf("%d-%d", w.StartHour, w.EndHour)
}

// On returns the absolute bounds of the window on the calendar day of date,
// in date's location.
func (w WorkWindow) On(date time.Time) (start, end time.Time) {
	y, m, d := date.Date()
	loc := date.Location()
	return time.Date(y, m, d, w.StartHour, 0, 0, 0, loc), time.Date(y, m, d, w.EndHour, 0, 0, 0, loc)
}
