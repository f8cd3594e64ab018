package web

import (
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"hrslots/internal/config"
	"hrslots/internal/ics"
	appLog "hrslots/internal/log"
	"hrslots/internal/slots"
)

// SnapshotFile is the board PNG name under the cache directory.
const SnapshotFile = "board.png"

// Server serves the slot board page and its JSON/text API.
type Server struct {
	cfgPath string
	cfgMu   sync.RWMutex
	cfg     *config.Config

	loader  *ics.Loader
	now     func() time.Time
	mux     *http.ServeMux
	limiter *ipLimiter

	// refreshMu serializes feed refreshes; snapMu guards the last result.
	refreshMu sync.Mutex
	snapMu    sync.RWMutex
	snap      *ics.Snapshot
}

// embeddedStatic holds the board page.
//
//go:embed all:static
var embeddedStatic embed.FS

type Option func(*Server)

// WithConfigPath makes PUT /api/settings persist to path.
func WithConfigPath(path string) Option {
	return func(s *Server) { s.cfgPath = path }
}

// WithLoader replaces the loader built from the config.
func WithLoader(l *ics.Loader) Option {
	return func(s *Server) {
		if l != nil {
			s.loader = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// NewServer constructs a Server for cfg.
func NewServer(cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		cfg: cfg,
		now: time.Now,
		mux: http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.loader == nil {
		s.loader = NewLoader(cfg)
	}
	if cfg.RateLimit.PerSecond > 0 {
		s.limiter = newIPLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst, cfg.RateLimit.TrustedProxies)
	}
	s.registerRoutes()
	return s
}

// NewLoader builds the feed pipeline described by cfg.
func NewLoader(cfg *config.Config) *ics.Loader {
	return &ics.Loader{
		Fetcher:  ics.NewFetcher(filepath.Join(cfg.CacheDir, "ics")),
		Sources:  Sources(cfg),
		Location: resolveLocationOrLocal(cfg.Timezone),
		Backfill: 24 * time.Hour,
		Horizon:  time.Duration(cfg.HorizonDays) * 24 * time.Hour,
	}
}

// Sources converts configured feeds, skipping entries without a URL.
func Sources(cfg *config.Config) []ics.Source {
	sources := make([]ics.Source, 0, len(cfg.ICS))
	for _, c := range cfg.ICS {
		if c.URL == "" {
			continue
		}
		id := c.ID
		if id == "" {
			id = c.Name
		}
		if id == "" {
			id = c.URL
		}
		sources = append(sources, ics.Source{ID: id, URL: c.URL})
	}
	return sources
}

// Handler returns the routes wrapped in request-id, rate-limit and auth
// middleware.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled")
		h = s.basicAuthMiddleware(h)
	}
	if s.limiter != nil {
		h = s.limiter.middleware(h)
	}
	return requestIDMiddleware(h)
}

func (s *Server) basicAuthEnabled() bool {
	ba := s.cfg.BasicAuth
	return ba != nil && ba.Username != "" && ba.Password != ""
}

// basicAuthMiddleware guards everything except /health.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="hrslots", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ListenAndServe runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config().Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/events", s.handleEvents)
	s.mux.HandleFunc("/api/refresh", s.handleRefresh)
	s.mux.HandleFunc("/api/slots", s.handleWeek)
	s.mux.HandleFunc("/api/slots/day", s.handleDay)
	s.mux.HandleFunc("/api/slots/export", s.handleExport)
	s.mux.HandleFunc("/api/settings", s.handleSettings)
	s.mux.HandleFunc("/api/chat/message", s.handleChatMessage)
	s.mux.HandleFunc("/preview.png", s.handlePreview)

	// Everything else is the embedded board page.
	s.mux.Handle("/", s.staticFileServer())
}

func (s *Server) config() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// board builds the week board from the current config.
func (s *Server) board() slots.Board {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()

	b, err := s.cfg.Board()
	if err != nil {
		appLog.Error("board timezone invalid; using local", err)
		b.Calculator = slots.Calculator{
			Window:     s.cfg.Window(),
			MinOverlap: time.Duration(s.cfg.Slots.MinOverlapMinutes) * time.Minute,
		}
		b.LunchKeywords = s.cfg.Slots.LunchKeywords
		b.Location = time.Local
	}
	return b
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// staticFileServer serves the embedded board page. /api/* never falls
// through to it.
func (s *Server) staticFileServer() http.Handler {
	sub, err := fs.Sub(embeddedStatic, "static")
	if err != nil {
		appLog.Error("failed to initialize embedded static filesystem", err)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "static UI not available", http.StatusServiceUnavailable)
		})
	}
	fileServer := http.FileServer(http.FS(sub))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api" || strings.HasPrefix(r.URL.Path, "/api/") {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		fileServer.ServeHTTP(w, r)
	})
}

// handlePreview serves the last board snapshot from the cache directory.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, filepath.Join(s.config().CacheDir, SnapshotFile))
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func resolveLocationOrLocal(name string) *time.Location {
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", name)
		return time.Local
	}
	return loc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}
