package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"calfeed/internal/agenda"
	"calfeed/internal/config"
	"calfeed/internal/ics"
	appLog "calfeed/internal/log"
	"calfeed/internal/model"
)

// Agenda is the read side of the agenda service plus an on-demand refresh.
// *agenda.Service implements it.
type Agenda interface {
	Events() []model.ResolvedEvent
	Between(from, to time.Time) []model.ResolvedEvent
	Window() ics.Window
	Sources() []agenda.SourceStatus
	Refresh(ctx context.Context) error
}

// Server provides the HTTP API over the agenda snapshot.
type Server struct {
	cfg    *config.Config
	agenda Agenda
	loc    *time.Location
	mux    *http.ServeMux
	now    func() time.Time
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, ag Agenda) *Server {
	s := &Server{
		cfg:    cfg,
		agenda: ag,
		loc:    cfg.Location(),
		mux:    http.NewServeMux(),
		now:    time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
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
			w.Header().Set("WWW-Authenticate", `Basic realm="calfeed", charset="UTF-8"`)
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

// Run serves on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
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
	s.mux.HandleFunc("/api/sources", s.handleSources)
	s.mux.HandleFunc("/api/refresh", s.handleRefresh)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// EventView is the JSON shape of one resolved event. All-day events start
// at midnight of their date in the display zone.
type EventView struct {
	SourceID     string     `json:"source_id"`
	UID          string     `json:"uid"`
	MasterUID    string     `json:"master_uid,omitempty"`
	Kind         string     `json:"kind"`
	Status       string     `json:"status"`
	Sequence     int        `json:"sequence,omitempty"`
	Summary      string     `json:"summary"`
	Description  string     `json:"description,omitempty"`
	Location     string     `json:"location,omitempty"`
	AllDay       bool       `json:"all_day"`
	Start        time.Time  `json:"start"`
	End          time.Time  `json:"end"`
	RecurrenceID *time.Time `json:"recurrence_id,omitempty"`
}

// NewEventView converts ev for display in loc.
func NewEventView(ev model.ResolvedEvent, loc *time.Location) EventView {
	v := EventView{
		SourceID:    ev.SourceID,
		UID:         ev.UID,
		MasterUID:   ev.MasterUID,
		Kind:        ev.Kind().String(),
		Status:      ev.Status.String(),
		Sequence:    ev.Sequence,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		AllDay:      ev.AllDay(),
		Start:       displayTime(ev.Start, loc),
		End:         displayTime(ev.End, loc),
	}
	if ev.RecurrenceID != nil {
		rid := displayTime(*ev.RecurrenceID, loc)
		v.RecurrenceID = &rid
	}
	return v
}

// NewEventViews converts a whole collection; the result is never nil.
func NewEventViews(events []model.ResolvedEvent, loc *time.Location) []EventView {
	out := make([]EventView, 0, len(events))
	for _, ev := range events {
		out = append(out, NewEventView(ev, loc))
	}
	return out
}

func displayTime(d model.DateValue, loc *time.Location) time.Time {
	if d.AllDay {
		y, m, day := d.Date()
		return time.Date(y, m, day, 0, 0, 0, 0, loc)
	}
	return d.Time.In(loc)
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Events          []EventView `json:"events"`
	TruncatedUIDs   []string    `json:"truncated_uids,omitempty"`
	RangeStart      time.Time   `json:"range_start"`
	RangeEnd        time.Time   `json:"range_end"`
	DisplayTimeZone string      `json:"display_timezone"`
}

// handleEvents returns the merged events of the last refresh.
//
// GET /api/events?days=7&backfill=1
//   - days:     how many days ahead of now to include
//   - backfill: how many days before now to include
//
// Without either parameter the whole expansion window is returned.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	win := s.agenda.Window()
	rangeStart, rangeEnd := win.Start, win.End
	events := s.agenda.Events()

	if q.Has("days") || q.Has("backfill") {
		days := parseIntDefault(q.Get("days"), 7)
		if days <= 0 {
			days = 7
		}
		backfill := parseIntDefault(q.Get("backfill"), 1)
		if backfill < 0 {
			backfill = 0
		}
		now := s.now().In(s.loc)
		rangeStart = now.AddDate(0, 0, -backfill)
		rangeEnd = now.AddDate(0, 0, days)
		events = s.agenda.Between(rangeStart, rangeEnd)
	}

	var truncated []string
	for _, st := range s.agenda.Sources() {
		truncated = append(truncated, st.Truncated...)
	}

	appLog.Debug("api events request",
		"range_start", rangeStart.Format(time.RFC3339),
		"range_end", rangeEnd.Format(time.RFC3339),
		"events", len(events),
	)

	writeJSON(w, http.StatusOK, eventsResponse{
		Events:          NewEventViews(events, s.loc),
		TruncatedUIDs:   truncated,
		RangeStart:      rangeStart,
		RangeEnd:        rangeEnd,
		DisplayTimeZone: s.loc.String(),
	})
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.agenda.Sources())
}

// handleRefresh runs a refresh now. Per-source failures are reported in the
// source list; the response is 200 either way.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.agenda.Refresh(r.Context()); err != nil {
		if r.Context().Err() != nil {
			return
		}
		appLog.Error("api refresh: one or more sources failed", err)
	}
	writeJSON(w, http.StatusOK, s.agenda.Sources())
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
