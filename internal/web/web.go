package web

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/text/language"

	"calhub/internal/aggregate"
	"calhub/internal/config"
	"calhub/internal/ics"
	appLog "calhub/internal/log"
	"calhub/internal/messages"
	"calhub/internal/metrics"
	"calhub/internal/registry"
	"calhub/internal/view"
)

const maxBodyBytes = 1 << 20

// Server exposes the aggregation engine over HTTP.
type Server struct {
	cfg     *config.Config
	svc     *aggregate.Service
	metrics *metrics.Metrics
	msgs    *messages.Catalog
	router  *mux.Router
}

// NewServer constructs a Server. m may be nil, which disables /metrics.
func NewServer(cfg *config.Config, svc *aggregate.Service, m *metrics.Metrics, msgs *messages.Catalog) *Server {
	s := &Server{
		cfg:     cfg,
		svc:     svc,
		metrics: m,
		msgs:    msgs,
		router:  mux.NewRouter(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the root handler: CORS, then basic auth, then the router.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.router)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		h = s.basicAuthMiddleware(h)
	}
	return s.corsMiddleware(h)
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(s.recoverMiddleware, logMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/calendars", s.handleListCalendars).Methods(http.MethodGet)
	api.HandleFunc("/calendars", s.handleAddCalendar).Methods(http.MethodPost)
	api.HandleFunc("/calendars/google/import", s.handleImport).Methods(http.MethodPost)
	api.HandleFunc("/calendars/{id}", s.handleRemoveCalendar).Methods(http.MethodDelete)
	api.HandleFunc("/calendars/{id}/refresh", s.handleRefresh).Methods(http.MethodPost)
	api.HandleFunc("/refresh", s.handleRefreshAll).Methods(http.MethodPost)
	api.HandleFunc("/view", s.handleView).Methods(http.MethodGet)
	api.HandleFunc("/quick-entry/preview", s.handlePreview).Methods(http.MethodPost)
	api.HandleFunc("/quick-entry", s.handleQuickEntry).Methods(http.MethodPost)
	api.HandleFunc("/export.ics", s.handleExport).Methods(http.MethodGet)
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware protects everything except /health and preflights.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calhub", charset="UTF-8"`)
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

// corsMiddleware answers preflights itself and tags every response.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	origin := "*"
	if s.cfg != nil && s.cfg.CORSOrigin != "" {
		origin = s.cfg.CORSOrigin
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept-Language")
		if origin != "*" {
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		began := time.Now()
		next.ServeHTTP(rec, r)
		appLog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(began).Milliseconds(),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				appLog.Error("handler panic", errors.New("panic"), "path", r.URL.Path, "value", v)
				s.writeMessage(w, r, http.StatusInternalServerError, messages.Internal, nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleEvents reads one feed on demand.
//
// GET /api/events?url=<percent-encoded feed url>
//
// A document that cannot be parsed still answers 200, with the sentinel
// calendar name and no events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	doc, err := s.svc.ReadDocument(r.Context(), raw)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	appLog.Info("api events request", "url", ics.RedactURL(raw), "calendar", doc.CalendarName, "events", len(doc.Events))
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleListCalendars(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"calendars": s.svc.Sources(),
		"google":    s.svc.HasProvider(),
	})
}

type addCalendarRequest struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

func (s *Server) handleAddCalendar(w http.ResponseWriter, r *http.Request) {
	var req addCalendarRequest
	if !s.decode(w, r, &req) {
		return
	}
	src, err := s.svc.AddFeed(r.Context(), req.URL, req.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	srcs, err := s.svc.ImportProvider(r.Context())
	switch {
	case errors.Is(err, aggregate.ErrNoProvider):
		s.fail(w, r, err)
		return
	case err != nil && len(srcs) == 0:
		appLog.Error("provider import failed", err)
		s.writeMessage(w, r, http.StatusBadGateway, messages.ProviderFailed, nil)
		return
	}

	resp := map[string]any{"calendars": srcs}
	if err != nil {
		appLog.Error("provider import partially failed", err, "imported", len(srcs))
		resp["error"] = s.msgs.Localize(messages.ProviderFailed, nil, acceptLanguage(r))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRemoveCalendar(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Remove(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.Refresh(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRefreshAll(w http.ResponseWriter, r *http.Request) {
	outs, err := s.svc.RefreshAll(r.Context())
	resp := map[string]any{"outcomes": outs}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleView renders the merged event set.
//
// GET /api/view?sort=chronological|lexicographic&q=&mode=&anchor=&source=&group=&lang=
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	q, ok := s.viewQuery(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.svc.View(q))
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q, ok := s.viewQuery(w, r)
	if !ok {
		return
	}
	body := s.svc.Export(r.URL.Query().Get("name"), q)
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="calhub.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func (s *Server) viewQuery(w http.ResponseWriter, r *http.Request) (view.Query, bool) {
	p := r.URL.Query()
	q := view.Query{
		Sort:     view.ParseSortKey(p.Get("sort")),
		Search:   p.Get("q"),
		Mode:     view.ParseMode(p.Get("mode")),
		Group:    p.Get("group"),
		SourceID: p.Get("source"),
	}
	if a := p.Get("anchor"); a != "" {
		t, err := parseAnchor(a, s.cfg.Location())
		if err != nil {
			s.writeMessage(w, r, http.StatusBadRequest, messages.BadRequest, nil)
			return q, false
		}
		q.Anchor = t
	}
	if l := p.Get("lang"); l != "" {
		tag, err := language.Parse(l)
		if err != nil {
			s.writeMessage(w, r, http.StatusBadRequest, messages.BadRequest, nil)
			return q, false
		}
		q.Lang = tag
	}
	return q, true
}

func parseAnchor(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", s, loc)
}

type quickEntryRequest struct {
	Text string `json:"text"`
	Lang string `json:"lang"`
}

func (s *Server) quickEntry(w http.ResponseWriter, r *http.Request) (quickEntryRequest, bool) {
	var req quickEntryRequest
	if !s.decode(w, r, &req) {
		return req, false
	}
	if req.Lang == "" {
		req.Lang = acceptLanguage(r)
	}
	return req, true
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	req, ok := s.quickEntry(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event": s.svc.Preview(req.Text, req.Lang)})
}

func (s *Server) handleQuickEntry(w http.ResponseWriter, r *http.Request) {
	req, ok := s.quickEntry(w, r)
	if !ok {
		return
	}
	ev, err := s.svc.QuickAdd(req.Text, req.Lang)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		appLog.Debug("bad request body", "path", r.URL.Path, "error", err.Error())
		s.writeMessage(w, r, http.StatusBadRequest, messages.BadRequest, nil)
		return false
	}
	return true
}

// fail maps a service error to a status code and a localized message.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var se *ics.StatusError
	switch {
	case errors.Is(err, ics.ErrInvalidURL):
		s.writeMessage(w, r, http.StatusBadRequest, messages.InvalidURL, nil)
	case errors.As(err, &se):
		s.writeMessage(w, r, se.Code, messages.UpstreamStatus, map[string]any{"Status": se.Status})
	case errors.Is(err, registry.ErrNotFound):
		s.writeMessage(w, r, http.StatusNotFound, messages.SourceNotFound, nil)
	case errors.Is(err, registry.ErrNotPermitted):
		s.writeMessage(w, r, http.StatusForbidden, messages.RemoveNotPermitted, nil)
	case errors.Is(err, registry.ErrInvalid):
		s.writeMessage(w, r, http.StatusBadRequest, messages.BadRequest, nil)
	case errors.Is(err, aggregate.ErrUnparseable):
		s.writeMessage(w, r, http.StatusUnprocessableEntity, messages.AddFeedFailed, nil)
	case errors.Is(err, aggregate.ErrNothingToCreate):
		s.writeMessage(w, r, http.StatusUnprocessableEntity, messages.NothingToCreate, nil)
	case errors.Is(err, aggregate.ErrNoProvider):
		s.writeMessage(w, r, http.StatusServiceUnavailable, messages.ProviderUnavailable, nil)
	case errors.Is(err, ics.ErrTooLarge):
		s.writeMessage(w, r, http.StatusBadGateway, messages.TransportFailed, nil)
	default:
		appLog.Error("request failed", err, "path", r.URL.Path)
		s.writeMessage(w, r, http.StatusInternalServerError, messages.TransportFailed, nil)
	}
}

func (s *Server) writeMessage(w http.ResponseWriter, r *http.Request, status int, id string, data map[string]any) {
	writeError(w, status, s.msgs.Localize(id, data, acceptLanguage(r)))
}

func acceptLanguage(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Accept-Language"))
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
