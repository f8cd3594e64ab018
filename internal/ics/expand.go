package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "hrslots/internal/log"
	"hrslots/internal/model"
)

const defaultMaxOccurrencesPerEvent = 5000

// ExpandConfig bounds recurrence expansion.
type ExpandConfig struct {
	// DisplayLocation is the zone occurrences are converted to; nil means
	// time.Local.
	DisplayLocation *time.Location

	// Occurrences overlapping [RangeStart, RangeEnd) are returned.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps a single series; zero means 5000.
	MaxOccurrencesPerEvent int
}

// ExpandResult holds the occurrences sorted by start time and the UIDs of
// series cut off by the cap.
type ExpandResult struct {
	Occurrences     []model.Occurrence
	TruncatedEvents []string
}

// ExpandOccurrences turns parsed VEVENTs into concrete occurrences: single
// events, RRULE series minus EXDATEs, with RECURRENCE-ID overrides applied
// (a cancelled override removes its instance).
func ExpandOccurrences(events []ParsedEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	// Overrides are keyed by source too: two calendars may share a UID.
	type seriesKey struct{ source, uid string }
	bases := make(map[seriesKey][]ParsedEvent)
	overrides := make(map[seriesKey][]ParsedEvent)
	var order []seriesKey

	for _, ev := range events {
		k := seriesKey{ev.Source.ID, ev.UID}
		if ev.IsOverride && ev.Recurrence != nil {
			overrides[k] = append(overrides[k], ev)
			continue
		}
		if _, seen := bases[k]; !seen {
			order = append(order, k)
		}
		bases[k] = append(bases[k], ev)
	}

	out := make([]model.Occurrence, 0)
	for _, k := range order {
		truncated := false
		for _, ev := range latestRevision(bases[k]) {
			var occ []model.Occurrence
			if ev.RawRRule == "" {
				occ = expandSingle(ev, overrides[k], cfg)
			} else {
				var hitCap bool
				occ, hitCap = expandSeries(ev, overrides[k], cfg)
				truncated = truncated || hitCap
			}
			out = append(out, occ...)
		}
		if truncated {
			result.TruncatedEvents = append(result.TruncatedEvents, k.uid)
			appLog.Warn("expand: series truncated", "uid", k.uid, "source", k.source, "cap", cfg.MaxOccurrencesPerEvent)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].End.Before(out[j].End)
		}
		return out[i].Start.Before(out[j].Start)
	})
	result.Occurrences = out
	return result, nil
}

func expandSingle(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) []model.Occurrence {
	start, end := ev.Start, ev.End
	if o, ok := findOverride(overrides, start); ok {
		if o.Cancelled {
			return nil
		}
		ev, start, end = o, o.Start, o.End
	}
	if !inRange(start, end, cfg) {
		return nil
	}
	return []model.Occurrence{makeOccurrence(ev, start, end, cfg.DisplayLocation)}
}

func expandSeries(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]model.Occurrence, bool) {
	loc := ev.Start.Location()
	opt, err := rrule.StrToROptionInLocation(ev.RawRRule, loc)
	if err != nil {
		appLog.Error("expand: bad RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return nil, false
	}
	opt.Dtstart = ev.Start
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		appLog.Error("expand: bad RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return nil, false
	}

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(loc))
	}

	dur := ev.End.Sub(ev.Start)
	if ev.AllDay && dur <= 0 {
		dur = 24 * time.Hour
	}

	// Widen the lower bound so instances already in progress at RangeStart
	// are still found.
	starts := set.Between(cfg.RangeStart.Add(-dur).In(loc), cfg.RangeEnd.In(loc), true)
	hitCap := false
	if len(starts) > cfg.MaxOccurrencesPerEvent {
		starts = starts[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	out := make([]model.Occurrence, 0, len(starts))
	for _, s := range starts {
		var e time.Time
		if ev.AllDay {
			s = time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, s.Location())
			e = s.AddDate(0, 0, int((dur+23*time.Hour)/(24*time.Hour)))
		} else {
			e = s.Add(dur)
		}

		inst := ev
		if o, ok := findOverride(overrides, s); ok {
			if o.Cancelled {
				continue
			}
			inst, s, e = o, o.Start, o.End
		}
		if !inRange(s, e, cfg) {
			continue
		}
		out = append(out, makeOccurrence(inst, s, e, cfg.DisplayLocation))
	}
	return out, hitCap
}

// findOverride returns the override whose RECURRENCE-ID is the given
// instance start. Among several, the highest SEQUENCE wins.
func findOverride(overrides []ParsedEvent, instanceStart time.Time) (ParsedEvent, bool) {
	var (
		best  ParsedEvent
		found bool
	)
	for _, o := range overrides {
		if o.Recurrence == nil || !o.Recurrence.Equal(instanceStart) {
			continue
		}
		if !found || o.Seq >= best.Seq {
			best, found = o, true
		}
	}
	return best, found
}

// latestRevision keeps only the copies of a master event with the highest
// SEQUENCE.
func latestRevision(evs []ParsedEvent) []ParsedEvent {
	if len(evs) < 2 {
		return evs
	}
	top := evs[0].Seq
	for _, ev := range evs[1:] {
		if ev.Seq > top {
			top = ev.Seq
		}
	}
	out := make([]ParsedEvent, 0, len(evs))
	for _, ev := range evs {
		if ev.Seq == top {
			out = append(out, ev)
		}
	}
	return out
}

func makeOccurrence(ev ParsedEvent, start, end time.Time, loc *time.Location) model.Occurrence {
	s := start.In(loc)
	return model.Occurrence{
		SourceID:    ev.Source.ID,
		UID:         ev.UID,
		InstanceKey: ev.Source.ID + "/" + ev.UID + "/" + s.Format(time.RFC3339),
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		AllDay:      ev.AllDay,
		Transparent: ev.Transparent,
		Start:       s,
		End:         end.In(loc),
	}
}

// inRange reports whether [start, end) overlaps the configured range. A
// zero-length event counts when it starts inside the range.
func inRange(start, end time.Time, cfg ExpandConfig) bool {
	if !start.Before(cfg.RangeEnd) {
		return false
	}
	if end.After(start) {
		return end.After(cfg.RangeStart)
	}
	return !start.Before(cfg.RangeStart)
}

// ToEvents converts occurrences to calculator input, dropping transparent
// ones since they never block a slot.
func ToEvents(occs []model.Occurrence) []model.Event {
	out := make([]model.Event, 0, len(occs))
	for _, o := range occs {
		if o.Transparent {
			continue
		}
		out = append(out, o.Event())
	}
	return out
}
