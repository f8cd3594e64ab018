package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"hrslots/internal/chatcmd"
	"hrslots/internal/export"
	appLog "hrslots/internal/log"
	"hrslots/internal/slots"
)

type rangeDTO struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Label string `json:"label"`
}

type dayDTO struct {
	Date      string     `json:"date"`
	Weekday   string     `json:"weekday"`
	DateLabel string     `json:"date_label"`
	Meetings  int        `json:"meetings"`
	Slots     string     `json:"slots"`
	Free      bool       `json:"free"`
	Ranges    []rangeDTO `json:"ranges"`
	FreeHours []int      `json:"free_hours"`
	BusyHours []int      `json:"busy_hours"`
}

type weekResponse struct {
	Week      string    `json:"week"`
	Window    string    `json:"window"`
	Timezone  string    `json:"timezone"`
	HasFree   bool      `json:"has_free"`
	Days      []dayDTO  `json:"days"`
	FetchedAt time.Time `json:"fetched_at"`
}

func toDayDTO(d slots.DaySlots) dayDTO {
	out := dayDTO{
		Date:      d.Date.Format(time.DateOnly),
		Weekday:   d.Weekday,
		DateLabel: d.DateLabel,
		Meetings:  d.Meetings,
		Slots:     d.Slots(),
		Free:      d.Availability.Free(),
		Ranges:    make([]rangeDTO, 0, len(d.Availability.Ranges)),
		FreeHours: d.Availability.FreeHours(),
		BusyHours: d.Availability.OccupiedHours(),
	}
	for _, r := range d.Availability.Ranges {
		out.Ranges = append(out.Ranges, rangeDTO{Start: r.StartHour, End: r.EndHour, Label: r.String()})
	}
	return out
}

// handleWeek returns the board for one week.
//
// GET /api/slots?week=current|next
func (s *Server) handleWeek(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	week, err := slots.ParseWeek(r.URL.Query().Get("week"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, snap, err := s.events(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "failed to load calendars")
		return
	}

	b := s.board()
	days := b.Week(events, s.now(), week)
	resp := weekResponse{
		Week:      week.String(),
		Window:    b.Calculator.Window.String(),
		Timezone:  b.Location.String(),
		HasFree:   slots.HasFreeSlots(days),
		Days:      make([]dayDTO, 0, len(days)),
		FetchedAt: snap.FetchedAt,
	}
	for _, d := range days {
		resp.Days = append(resp.Days, toDayDTO(d))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDay returns availability for a single date.
//
// GET /api/slots/day?date=2025-09-16
func (s *Server) handleDay(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}

	b := s.board()
	date, err := time.ParseInLocation(time.DateOnly, r.URL.Query().Get("date"), b.Location)
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	events, _, err := s.events(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "failed to load calendars")
		return
	}

	dayEvents := slots.EventsOn(events, date)
	meetings := 0
	for _, ev := range dayEvents {
		if !slots.IsLunch(ev.Title, b.LunchKeywords) {
			meetings++
		}
	}
	writeJSON(w, http.StatusOK, toDayDTO(slots.DaySlots{
		Date:         date,
		Weekday:      slots.WeekdayLabel(date.Weekday()),
		DateLabel:    date.Format("02.01"),
		Meetings:     meetings,
		Availability: b.Calculator.Day(dayEvents, date),
	}))
}

// handleExport returns the text recruiters paste into chats.
//
// GET /api/slots/export?week=current|next|all
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}

	which := strings.ToLower(r.URL.Query().Get("week"))
	var weeks []slots.Week
	switch which {
	case "all":
		weeks = []slots.Week{slots.Current, slots.Next}
	default:
		week, err := slots.ParseWeek(which)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		weeks = []slots.Week{week}
	}

	events, _, err := s.events(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "failed to load calendars")
		return
	}

	b := s.board()
	now := s.now()
	settings := s.exportSettings()

	var text string
	if len(weeks) == 2 {
		text, err = export.FormatAll(b.Week(events, now, slots.Current), b.Week(events, now, slots.Next), settings)
	} else {
		text, err = export.FormatWeek(weeks[0], b.Week(events, now, weeks[0]), settings)
	}
	if errors.Is(err, export.ErrNothingToCopy) {
		writeError(w, http.StatusNotFound, "Нет доступных слотов для копирования")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

func (s *Server) exportSettings() export.Settings {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg.Slots.Export
}

// handleSettings reads or replaces the export settings (GET|PUT
// /api/settings). PUT persists the config file when a path is set.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPut) {
		return
	}
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, s.exportSettings())
		return
	}

	var in export.Settings
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings: "+err.Error())
		return
	}

	s.cfgMu.Lock()
	// Work on a copy so a failed save leaves the live settings untouched.
	next := *s.cfg
	next.Slots.Export = in
	var err error
	if s.cfgPath != "" {
		err = next.Save(s.cfgPath)
	} else {
		next.Normalize()
	}
	if err == nil {
		s.cfg.Slots.Export = next.Slots.Export
	}
	saved := s.cfg.Slots.Export
	s.cfgMu.Unlock()

	if err != nil {
		appLog.Error("settings save failed", err)
		writeError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}
	appLog.Info("export settings updated")
	writeJSON(w, http.StatusOK, saved)
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// handleChatMessage turns raw chat input into the tagged payload
// (POST /api/chat/message).
func (s *Server) handleChatMessage(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	var in chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	msg, err := chatcmd.NewMessage(in.SessionID, in.Text)
	if errors.Is(err, chatcmd.ErrEmptyText) {
		writeError(w, http.StatusBadRequest, "Введите текст сообщения")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, msg)
}
