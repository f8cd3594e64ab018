package ics

import (
	"context"
	"errors"
	"fmt"
	"time"

	appLog "hrslots/internal/log"
	"hrslots/internal/model"
)

// Snapshot is one refresh of all feeds.
type Snapshot struct {
	Occurrences   []model.Occurrence
	TruncatedUIDs []string
	RangeStart    time.Time
	RangeEnd      time.Time
	FetchedAt     time.Time

	// Errors holds per-source failures; the snapshot is still usable.
	Errors []error
}

// Events is the calculator view of the snapshot.
func (s *Snapshot) Events() []model.Event {
	if s == nil {
		return nil
	}
	return ToEvents(s.Occurrences)
}

// Loader runs fetch, parse and expand for a set of sources.
type Loader struct {
	Fetcher  *Fetcher
	Sources  []Source
	Location *time.Location

	// Backfill and Horizon bound the expansion around now.
	Backfill time.Duration
	Horizon  time.Duration
}

// Load fetches every source and expands occurrences in
// [now-Backfill, now+Horizon). Only a failure of the whole pipeline or a
// cancelled ctx is returned as an error.
func (l *Loader) Load(ctx context.Context, now time.Time) (*Snapshot, error) {
	loc := l.Location
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)
	snap := &Snapshot{
		RangeStart: now.Add(-l.Backfill),
		RangeEnd:   now.Add(l.Horizon),
		FetchedAt:  now,
	}
	if len(l.Sources) == 0 {
		snap.Occurrences = []model.Occurrence{}
		return snap, nil
	}

	results, errs := l.Fetcher.FetchAll(ctx, l.Sources)
	if err := ctx.Err(); err != nil {
		// Feeds after the cancellation point were skipped.
		return nil, fmt.Errorf("ics: load interrupted: %w", err)
	}
	snap.Errors = errs
	if len(results) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	parsed := make([]ParsedEvent, 0)
	for _, res := range results {
		evs, err := ParseICS(res.Source, res.Body)
		if err != nil {
			snap.Errors = append(snap.Errors, err)
			continue
		}
		parsed = append(parsed, evs...)
	}

	expanded, err := ExpandOccurrences(parsed, ExpandConfig{
		DisplayLocation: loc,
		RangeStart:      snap.RangeStart,
		RangeEnd:        snap.RangeEnd,
	})
	if err != nil {
		return nil, err
	}
	snap.Occurrences = expanded.Occurrences
	snap.TruncatedUIDs = expanded.TruncatedEvents

	appLog.Info("calendar snapshot loaded",
		"sources", len(l.Sources),
		"occurrences", len(snap.Occurrences),
		"errors", len(snap.Errors),
	)
	return snap, nil
}
