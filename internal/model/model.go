package model

import "time"

// Event is a single busy interval on somebody's calendar as seen by the slot
// calculator. Start is inclusive, End exclusive.
type Event struct {
	ID     string `json:"id,omitempty"`
	Title  string `json:"title"`
	AllDay bool   `json:"is_all_day"`

	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns End-Start; malformed events yield zero or a negative value.
func (e Event) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// Occurrence represents a single concrete instance of a calendar entry
// (after recurrence expansion and timezone normalization).
type Occurrence struct {
	SourceID string // calendar source ID
	UID      string // iCalendar UID

	// InstanceKey uniquely identifies a single occurrence of a recurring
	// event, typically derived from the local start time.
	InstanceKey string

	Summary     string
	Description string
	Location    string

	AllDay bool

	// Transparent occurrences are shown but never make anyone busy.
	Transparent bool

	// Start / End are in the configured display timezone.
	Start time.Time
	End   time.Time
}

// Event converts the occurrence into the calculator's input shape.
func (o Occurrence) Event() Event {
	return Event{
		ID:     o.InstanceKey,
		Title:  o.Summary,
		AllDay: o.AllDay,
		Start:  o.Start,
		End:    o.End,
	}
}
