package web

import (
	"context"
	"net/http"
	"time"

	"hrslots/internal/ics"
	appLog "hrslots/internal/log"
	"hrslots/internal/model"
)

// refreshTimeout bounds one feed reload once it is detached from the caller.
const refreshTimeout = 2 * time.Minute

// Refresh reloads every feed and replaces the cached snapshot. A failed
// refresh keeps the previous snapshot.
//
// The reload runs detached from ctx's cancellation, so a client that hangs
// up halfway cannot leave a partial snapshot behind.
func (s *Server) Refresh(ctx context.Context) (*ics.Snapshot, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	return s.refreshLocked(ctx)
}

func (s *Server) refreshLocked(ctx context.Context) (*ics.Snapshot, error) {
	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	defer cancel()

	snap, err := s.loader.Load(loadCtx, s.now())
	if err != nil {
		appLog.Error("calendar refresh failed", err)
		return nil, err
	}
	s.storeSnapshot(snap)
	return snap, nil
}

func (s *Server) storeSnapshot(snap *ics.Snapshot) {
	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()
}

// snapshot returns the cached snapshot, loading it on first use.
func (s *Server) snapshot(ctx context.Context) (*ics.Snapshot, error) {
	if snap := s.cachedSnapshot(); snap != nil {
		return snap, nil
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	// Another request may have finished the first load while we waited.
	if snap := s.cachedSnapshot(); snap != nil {
		return snap, nil
	}
	return s.refreshLocked(ctx)
}

func (s *Server) cachedSnapshot() *ics.Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

// events returns the calculator input from the cached snapshot.
func (s *Server) events(ctx context.Context) ([]model.Event, *ics.Snapshot, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, nil, err
	}
	return snap.Events(), snap, nil
}

type eventsResponse struct {
	Occurrences     []occurrenceDTO `json:"occurrences"`
	TruncatedUIDs   []string        `json:"truncated_uids,omitempty"`
	RangeStart      time.Time       `json:"range_start"`
	RangeEnd        time.Time       `json:"range_end"`
	FetchedAt       time.Time       `json:"fetched_at"`
	DisplayTimeZone string          `json:"display_timezone"`
}

type occurrenceDTO struct {
	SourceID    string    `json:"source_id"`
	UID         string    `json:"uid"`
	InstanceKey string    `json:"instance_key"`
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	AllDay      bool      `json:"all_day"`
	Transparent bool      `json:"transparent,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

// handleEvents lists cached occurrences overlapping a window around now.
//
// GET /api/events?days=7&backfill=1
//   - days:     days ahead (default 7)
//   - backfill: days back (default 1)
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}

	q := r.URL.Query()
	days := parseIntDefault(q.Get("days"), 7)
	if days <= 0 {
		days = 7
	}
	backfill := parseIntDefault(q.Get("backfill"), 1)
	if backfill < 0 {
		backfill = 0
	}

	snap, err := s.snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "failed to load calendars")
		return
	}

	loc := resolveLocationOrLocal(s.config().Timezone)
	now := s.now().In(loc)
	rangeStart := now.AddDate(0, 0, -backfill)
	rangeEnd := now.AddDate(0, 0, days)

	dtos := make([]occurrenceDTO, 0, len(snap.Occurrences))
	for _, occ := range snap.Occurrences {
		if !occ.Start.Before(rangeEnd) || !occ.End.After(rangeStart) {
			continue
		}
		dtos = append(dtos, occurrenceDTO{
			SourceID:    occ.SourceID,
			UID:         occ.UID,
			InstanceKey: occ.InstanceKey,
			Summary:     occ.Summary,
			Description: occ.Description,
			Location:    occ.Location,
			AllDay:      occ.AllDay,
			Transparent: occ.Transparent,
			Start:       occ.Start,
			End:         occ.End,
		})
	}

	writeJSON(w, http.StatusOK, eventsResponse{
		Occurrences:     dtos,
		TruncatedUIDs:   snap.TruncatedUIDs,
		RangeStart:      rangeStart,
		RangeEnd:        rangeEnd,
		FetchedAt:       snap.FetchedAt,
		DisplayTimeZone: loc.String(),
	})
}

type refreshResponse struct {
	Occurrences int       `json:"occurrences"`
	FailedFeeds int       `json:"failed_feeds"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// handleRefresh forces a feed reload (POST /api/refresh).
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	snap, err := s.Refresh(r.Context())
	if err != nil {
		// Errors carry feed URLs; details stay in the log.
		writeError(w, http.StatusBadGateway, "failed to load calendars")
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{
		Occurrences: len(snap.Occurrences),
		FailedFeeds: len(snap.Errors),
		FetchedAt:   snap.FetchedAt,
	})
}
