package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hrslots/internal/config"
)

const testFeed = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//hrslots//test//EN
BEGIN:VEVENT
UID:interview
DTSTART:20250917T110000Z
DTEND:20250917T120000Z
SUMMARY:Interview
END:VEVENT
BEGIN:VEVENT
UID:lunch
DTSTART:20250917T130000Z
DTEND:20250917T133000Z
SUMMARY:Обед
END:VEVENT
END:VCALENDAR
`

// tuesday is 2025-09-16 08:00 UTC.
var tuesday = time.Date(2025, time.September, 16, 8, 0, 0, 0, time.UTC)

type testEnv struct {
	srv     *Server
	h       http.Handler
	cfg     *config.Config
	cfgPath string
	hits    *atomic.Int32
}

func newTestEnv(t *testing.T, now time.Time, mutate func(*config.Config)) *testEnv {
	t.Helper()

	var hits atomic.Int32
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(strings.ReplaceAll(testFeed, "\n", "\r\n")))
	}))
	t.Cleanup(feed.Close)

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.CacheDir = dir
	cfg.ICS = []config.ICSConfig{{ID: "hr", URL: feed.URL + "/hr.ics"}}
	if mutate != nil {
		mutate(cfg)
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	srv := NewServer(cfg, WithClock(func() time.Time { return now }), WithConfigPath(cfgPath))
	return &testEnv{srv: srv, h: srv.Handler(), cfg: cfg, cfgPath: cfgPath, hits: &hits}
}

func (e *testEnv) do(t *testing.T, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, tuesday, nil)
	rec := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestWeekEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, tuesday, nil)

	rec := env.do(t, http.MethodGet, "/api/slots?week=current", "")
	require.Equal(t, http.StatusOK, rec.Code)
	cur := decode[weekResponse](t, rec)
	assert.Equal(t, "current", cur.Week)
	assert.Equal(t, "11-18", cur.Window)
	assert.True(t, cur.HasFree)
	require.Len(t, cur.Days, 3, "today and earlier are skipped")
	assert.Equal(t, "СР", cur.Days[0].Weekday)
	assert.Equal(t, "12, 14-18", cur.Days[0].Slots)
	assert.Equal(t, 1, cur.Days[0].Meetings, "lunch is not a meeting")
	assert.Equal(t, []int{11, 13}, cur.Days[0].BusyHours)
	assert.Equal(t, "11-18", cur.Days[1].Slots)

	rec = env.do(t, http.MethodGet, "/api/slots?week=next", "")
	require.Equal(t, http.StatusOK, rec.Code)
	next := decode[weekResponse](t, rec)
	require.Len(t, next.Days, 5)
	assert.Equal(t, "ПН", next.Days[0].Weekday)
	assert.Equal(t, "22.09", next.Days[0].DateLabel)

	rec = env.do(t, http.MethodGet, "/api/slots?week=later", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, int32(1), env.hits.Load(), "feeds are fetched once and cached")
}

func TestDayEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, tuesday, nil)

	rec := env.do(t, http.MethodGet, "/api/slots/day?date=2025-09-17", "")
	require.Equal(t, http.StatusOK, rec.Code)
	day := decode[dayDTO](t, rec)
	assert.Equal(t, "2025-09-17", day.Date)
	assert.Equal(t, "СР", day.Weekday)
	assert.Equal(t, "12, 14-18", day.Slots)
	require.Len(t, day.Ranges, 2)
	assert.Equal(t, rangeDTO{Start: 12, End: 13, Label: "12"}, day.Ranges[0])

	rec = env.do(t, http.MethodGet, "/api/slots/day?date=17.09.2025", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExportEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, tuesday, func(c *config.Config) {
		c.Slots.Export.CurrentWeekPrefix = "Свободные слоты:"
	})

	rec := env.do(t, http.MethodGet, "/api/slots/export?week=current", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "Свободные слоты:\nСР 12, 14-18\nЧТ 11-18\nПТ 11-18", rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/slots/export?week=all", "")
	require.Equal(t, http.StatusOK, rec.Code)
	want := "СР 12, 14-18\nЧТ 11-18\nПТ 11-18\n\n---\n" +
		"ПН (22.09) 11-18\nВТ (23.09) 11-18\nСР (24.09) 11-18\nЧТ (25.09) 11-18\nПТ (26.09) 11-18"
	assert.Equal(t, want, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/slots/export?week=soon", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExportNothingToCopy(t *testing.T) {
	t.Parallel()

	friday := time.Date(2025, time.September, 19, 9, 0, 0, 0, time.UTC)
	env := newTestEnv(t, friday, nil)

	rec := env.do(t, http.MethodGet, "/api/slots/export?week=current", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "Нет доступных слотов")

	rec = env.do(t, http.MethodGet, "/api/slots/export?week=next", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSettingsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, tuesday, nil)

	rec := env.do(t, http.MethodGet, "/api/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"currentWeekPrefix":"","nextWeekPrefix":"","allSlotsPrefix":"","separatorText":"---"}`, rec.Body.String())

	rec = env.do(t, http.MethodPut, "/api/settings", `{"nextWeekPrefix":"На следующей неделе:","separatorText":"***"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	saved, err := config.Load(env.cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "На следующей неделе:", saved.Slots.Export.NextWeekPrefix)
	assert.Equal(t, "***", saved.Slots.Export.SeparatorText)

	rec = env.do(t, http.MethodGet, "/api/slots/export?week=next", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "На следующей неделе:\nПН (22.09)"))

	rec = env.do(t, http.MethodPut, "/api/settings", `{"unknown":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/settings", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSettingsSaveFailureKeepsLiveSettings(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, tuesday, nil)
	// A directory where the config file should be makes the rename fail.
	require.NoError(t, os.MkdirAll(filepath.Join(env.cfgPath, "blocker"), 0o700))

	rec := env.do(t, http.MethodPut, "/api/settings", `{"nextWeekPrefix":"Отклонено:","separatorText":"***"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"currentWeekPrefix":"","nextWeekPrefix":"","allSlotsPrefix":"","separatorText":"---"}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/slots/export?week=next", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "ПН (22.09)"), rec.Body.String())
}

func TestChatMessageEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, tuesday, nil)

	rec := env.do(t, http.MethodPost, "/api/chat/message", `{"session_id":"7","text":"/inv завтра в 12"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"action_type":"invite","text":"завтра в 12","session_id":"7"}`, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/chat/message", `{"session_id":"7","text":"/s"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, tuesday, nil)

	rec := env.do(t, http.MethodGet, "/api/events?days=7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[eventsResponse](t, rec)
	require.Len(t, resp.Occurrences, 2)
	assert.Equal(t, "Interview", resp.Occurrences[0].Summary)
	assert.Equal(t, "UTC", resp.DisplayTimeZone)

	rec = env.do(t, http.MethodGet, "/api/events?days=1", "")
	assert.Empty(t, decode[eventsResponse](t, rec).Occurrences)
}

func TestRefreshEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, tuesday, nil)

	rec := env.do(t, http.MethodPost, "/api/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[refreshResponse](t, rec).Occurrences)

	rec = env.do(t, http.MethodGet, "/api/refresh", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// oneEventFeed serves a calendar with a single event and runs before, if
// set, ahead of writing the body.
func oneEventFeed(t *testing.T, uid, start, end string, before func()) string {
	t.Helper()
	body := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//hrslots//test//EN\r\n" +
		"BEGIN:VEVENT\r\nUID:" + uid + "\r\nDTSTART:" + start + "\r\nDTEND:" + end +
		"\r\nSUMMARY:" + uid + "\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if before != nil {
			before()
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/" + uid + ".ics"
}

func TestRefreshIgnoresCallerCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv(t, tuesday, func(c *config.Config) {
		c.ICS = []config.ICSConfig{
			{ID: "a", URL: oneEventFeed(t, "a", "20250917T110000Z", "20250917T120000Z", nil)},
			{ID: "b", URL: oneEventFeed(t, "b", "20250918T110000Z", "20250918T120000Z", cancel)},
			{ID: "c", URL: oneEventFeed(t, "c", "20250917T150000Z", "20250917T160000Z", nil)},
		}
	})

	snap, err := env.srv.Refresh(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Errors)
	assert.Len(t, snap.Occurrences, 3, "feeds after the hang-up are still fetched")

	rec := env.do(t, http.MethodGet, "/api/slots/day?date=2025-09-17", "")
	require.Equal(t, http.StatusOK, rec.Code)
	day := decode[dayDTO](t, rec)
	assert.Equal(t, "12-15, 16-18", day.Slots)
	assert.Equal(t, []int{11, 15}, day.BusyHours)
}

func TestFirstLoadRunsOnce(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, tuesday, nil)

	var wg sync.WaitGroup
	codes := make([]int, 8)
	for i := range codes {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/api/slots/day?date=2025-09-17", nil)
			rec := httptest.NewRecorder()
			env.h.ServeHTTP(rec, req)
			codes[i] = rec.Code
		}()
	}
	wg.Wait()

	for _, code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
	assert.Equal(t, int32(1), env.hits.Load(), "concurrent first requests share one load")
}

func TestBasicAuth(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, tuesday, func(c *config.Config) {
		c.BasicAuth = &config.BasicAuthConfig{Username: "hr", Password: "secret"}
	})

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/settings", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/settings", nil)
	req.SetBasicAuth("hr", "secret")
	rec := httptest.NewRecorder()
	env.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, tuesday, func(c *config.Config) {
		c.RateLimit.PerSecond = 0.001
		c.RateLimit.Burst = 2
	})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/settings", "").Code)
	}
	rec := env.do(t, http.MethodGet, "/api/settings", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// Another client has its own bucket; non-API paths are never limited.
	req := httptest.NewRequest(http.MethodGet, "/api/settings", nil)
	req.RemoteAddr = "198.51.100.20:4000"
	rec = httptest.NewRecorder()
	env.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", "").Code)
}

func TestRateLimitIgnoresForgedForwardedFor(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, tuesday, func(c *config.Config) {
		c.RateLimit.PerSecond = 0.001
		c.RateLimit.Burst = 1
	})

	ok := 0
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/settings", nil)
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
		req.Header.Set("X-Real-IP", fmt.Sprintf("198.51.100.%d", i+1))
		rec := httptest.NewRecorder()
		env.h.ServeHTTP(rec, req)
		if rec.Code == http.StatusOK {
			ok++
		}
	}
	assert.Equal(t, 1, ok, "rotating proxy headers share the peer's bucket")
}

func TestRateLimitTrustedProxy(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, tuesday, func(c *config.Config) {
		c.RateLimit.PerSecond = 0.001
		c.RateLimit.Burst = 1
		c.RateLimit.TrustedProxies = []string{"192.0.2.0/24"}
	})

	get := func(xff string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/settings", nil)
		req.Header.Set("X-Forwarded-For", xff)
		rec := httptest.NewRecorder()
		env.h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, get("203.0.113.5"))
	assert.Equal(t, http.StatusOK, get("203.0.113.6"), "clients behind the proxy are keyed separately")
	assert.Equal(t, http.StatusTooManyRequests, get("203.0.113.5"))
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, tuesday, nil)

	rec := env.do(t, http.MethodGet, "/health", "")
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = httptest.NewRecorder()
	env.h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestStaticAndPreview(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, tuesday, nil)

	rec := env.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `data-ready`)

	rec = env.do(t, http.MethodGet, "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/preview.png", "").Code)
	require.NoError(t, os.WriteFile(filepath.Join(env.cfg.CacheDir, SnapshotFile), []byte("\x89PNG"), 0o644))
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/preview.png", "").Code)
}

func TestRefresherRunsHooks(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, tuesday, nil)

	_, err := NewRefresher(env.srv, "not a schedule", time.UTC)
	assert.Error(t, err)

	var calls atomic.Int32
	r, err := NewRefresher(env.srv, "*/5 * * * *", time.UTC,
		func(context.Context) error { calls.Add(1); return nil },
		func(context.Context) error { return errors.New("snapshot failed") },
	)
	require.NoError(t, err)

	r.RunOnce(context.Background())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), env.hits.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.RunOnce(ctx)
	assert.Equal(t, int32(1), calls.Load(), "cancelled context skips the run")
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	trusted := parseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.1", "bogus", ""})
	require.Len(t, trusted, 2)

	tests := []struct {
		name    string
		remote  string
		xff     string
		xri     string
		trusted []netip.Prefix
		want    string
	}{
		{name: "peer only", remote: "192.0.2.1:5555", want: "192.0.2.1"},
		{name: "headers from untrusted peer", remote: "198.51.100.9:5555", xff: "203.0.113.5", xri: "203.0.113.6", trusted: trusted, want: "198.51.100.9"},
		{name: "no trusted list", remote: "192.0.2.1:5555", xff: "203.0.113.5", want: "192.0.2.1"},
		{name: "real ip via proxy", remote: "192.0.2.1:5555", xri: "198.51.100.7", trusted: trusted, want: "198.51.100.7"},
		{name: "forwarded via proxy", remote: "192.0.2.1:5555", xff: "203.0.113.5", xri: "198.51.100.7", trusted: trusted, want: "203.0.113.5"},
		{name: "spoofed leftmost hop", remote: "192.0.2.1:5555", xff: "1.2.3.4, 203.0.113.5, 10.0.0.1", trusted: trusted, want: "203.0.113.5"},
		{name: "all hops trusted", remote: "192.0.2.1:5555", xff: "10.0.0.2, 10.0.0.1", trusted: trusted, want: "10.0.0.2"},
		{name: "ipv6 peer", remote: "[2001:db8::1]:443", want: "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			assert.Equal(t, tt.want, clientIP(req, tt.trusted))
		})
	}
}
