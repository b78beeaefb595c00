package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"unical/internal/cache"
	"unical/internal/config"
	"unical/internal/ics"
	appLog "unical/internal/log"
	"unical/internal/metrics"
	"unical/internal/model"
	"unical/internal/proxy"
	"unical/internal/timetable"
)

const calendarFilename = "unibo-calendar.ics"

// Aggregator runs the fetch/normalize/aggregate pipeline for a descriptor set.
type Aggregator interface {
	Collect(ctx context.Context, descs []model.ProgramDescriptor) (timetable.Result, error)
}

// Relay forwards a single upstream GET for browser clients.
type Relay interface {
	Forward(ctx context.Context, target string) (proxy.Response, error)
}

// Deps are the collaborators a Server is built from.
type Deps struct {
	Config     *config.Config
	Aggregator Aggregator
	Relay      Relay
	// Cache defaults to cache.Nop when nil.
	Cache cache.Cache
	// Now defaults to time.Now.
	Now func() time.Time
}

// Server provides the HTTP API: schedule proxy, events JSON and calendar
// export.
type Server struct {
	cfg      *config.Config
	agg      Aggregator
	relay    Relay
	cache    cache.Cache
	now      func() time.Time
	validate *validator.Validate
	mux      *http.ServeMux
}

// NewServer constructs a new Server.
func NewServer(d Deps) *Server {
	if d.Config == nil {
		d.Config = config.DefaultConfig()
	}
	if d.Cache == nil {
		d.Cache = cache.Nop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	s := &Server{
		cfg:      d.Config,
		agg:      d.Aggregator,
		relay:    d.Relay,
		cache:    d.Cache,
		now:      d.Now,
		validate: validator.New(),
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on cfg.Listen until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
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
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.Handle("/", instrument("root", http.HandlerFunc(s.handleRoot)))
	s.mux.Handle("/health", instrument("health", http.HandlerFunc(s.handleHealth)))
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.Handle("/api/fetch-schedule", instrument("fetch_schedule", http.HandlerFunc(s.handleFetchSchedule)))
	s.mux.Handle("/api/events", instrument("events", http.HandlerFunc(s.handleEvents)))
	s.mux.Handle("/calendar.ics", instrument("calendar", http.HandlerFunc(s.handleCalendar)))
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Unibo Smart Calendar Server - Endpoints: /health, /metrics, /api/fetch-schedule, /api/events, /calendar.ics"))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleFetchSchedule relays GET /api/fetch-schedule?url=... to the upstream.
func (s *Server) handleFetchSchedule(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	resp, err := s.relay.Forward(r.Context(), target)
	if err != nil {
		pe := proxy.Classify(err)
		appLog.Error("proxy fetch failed", err, "kind", pe.Kind.String(), "status", pe.Status)
		writeJSON(w, pe.Status, pe)
		return
	}
	w.Header().Set("Content-Type", resp.ContentType)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Timestamp time.Time          `json:"timestamp"`
	FromCache bool               `json:"from_cache"`
	Events    []eventDTO         `json:"events"`
	Conflicts []model.Key        `json:"conflicts"`
	Warnings  timetable.Warnings `json:"warnings"`
}

// eventDTO is an event plus its identity key and conflict flag.
type eventDTO struct {
	model.Event
	Key      model.Key `json:"key"`
	Conflict bool      `json:"conflict"`
}

// snapshot is one aggregation, fresh or cached.
type snapshot struct {
	events    []model.Event
	warnings  timetable.Warnings
	timestamp time.Time
	fromCache bool
}

// handleEvents returns the aggregated events for the descriptors in urls,
// or for the configured programs.
//
// GET /api/events?urls=[{"name":..,"url":..}]&refresh=1
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	descs := s.cfg.Programs
	if raw := q.Get("urls"); raw != "" {
		var err error
		descs, err = s.parseDescriptors(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid urls parameter")
			return
		}
	}
	refresh, _ := strconv.ParseBool(q.Get("refresh"))

	snap, err := s.aggregate(r.Context(), descs, refresh)
	if err != nil {
		appLog.Error("api events: aggregation failed", err)
		writeError(w, http.StatusInternalServerError, "failed to aggregate events")
		return
	}

	conflicts := timetable.Conflicts(snap.events)
	metrics.SetConflicts(len(conflicts))

	sorted := timetable.SortChronological(snap.events)
	dtos := make([]eventDTO, 0, len(sorted))
	for _, e := range sorted {
		k := e.Key()
		dtos = append(dtos, eventDTO{Event: e, Key: k, Conflict: conflicts.Has(k)})
	}

	writeJSON(w, http.StatusOK, eventsResponse{
		Timestamp: snap.timestamp,
		FromCache: snap.fromCache,
		Events:    dtos,
		Conflicts: conflicts.Keys(),
		Warnings:  snap.warnings,
	})
}

// handleCalendar exports a fresh aggregation for urls as an iCalendar file.
// It never reads the cache, but the run still refreshes it.
//
// GET /calendar.ics?urls=[{"name":..,"url":..}]
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("urls")
	if raw == "" {
		writeText(w, http.StatusBadRequest, "No calendar URLs provided")
		return
	}
	descs, err := s.parseDescriptors(raw)
	if err != nil {
		appLog.Warn("calendar: undecodable urls parameter", "err", err)
		writeText(w, http.StatusBadRequest, "Invalid calendar URLs")
		return
	}

	snap, err := s.refresh(r.Context(), descs)
	if err != nil {
		appLog.Error("calendar: aggregation failed", err)
		writeText(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	text, err := ics.Export(snap.events, ics.ExportOptions{Now: s.now})
	switch {
	case errors.Is(err, ics.ErrExport):
		writeText(w, http.StatusInternalServerError, "Error generating calendar")
		return
	case err != nil:
		appLog.Error("calendar: unexpected export error", err)
		writeText(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	w.Header().Set("Content-Type", "text/calendar;charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+calendarFilename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

// aggregate serves descs from the cache, or collects and stores them. Cache
// failures are logged and treated as misses.
func (s *Server) aggregate(ctx context.Context, descs []model.ProgramDescriptor, refresh bool) (snapshot, error) {
	key := cache.KeyFor(descs)

	if refresh {
		if err := s.cache.Invalidate(ctx, key); err != nil {
			appLog.Error("cache invalidate failed", err, "key", key)
		}
	} else {
		entry, ok, err := s.cache.Get(ctx, key)
		switch {
		case err != nil:
			metrics.RecordCacheLookup("error")
			appLog.Error("cache get failed", err, "key", key)
		case ok:
			metrics.RecordCacheLookup("hit")
			return snapshot{events: entry.Events, timestamp: entry.Timestamp, fromCache: true}, nil
		default:
			metrics.RecordCacheLookup("miss")
		}
	}

	return s.refresh(ctx, descs)
}

// refresh always collects and writes the cache. A run with no events is
// not stored, so an upstream outage is retried on the next request.
func (s *Server) refresh(ctx context.Context, descs []model.ProgramDescriptor) (snapshot, error) {
	res, err := s.agg.Collect(ctx, descs)
	if err != nil {
		return snapshot{}, err
	}
	snap := snapshot{events: res.Events, warnings: res.Warnings, timestamp: s.now().UTC()}

	key := cache.KeyFor(descs)
	if len(snap.events) == 0 {
		appLog.Warn("aggregation returned no events, not caching", "key", key, "programs", len(descs), "rejected", res.Warnings.Rejected)
		return snap, nil
	}
	if err := s.cache.Set(ctx, key, cache.Entry{Timestamp: snap.timestamp, Events: snap.events}); err != nil {
		appLog.Error("cache set failed", err, "key", key)
	}
	return snap, nil
}

// parseDescriptors decodes the urls parameter: a JSON array of {name,url}
// objects, optionally URL-encoded a second time by the client. Entries that
// fail validation are dropped; the fetcher would discard them anyway.
func (s *Server) parseDescriptors(raw string) ([]model.ProgramDescriptor, error) {
	var descs []model.ProgramDescriptor
	err := json.Unmarshal([]byte(raw), &descs)
	if err != nil {
		unescaped, uerr := url.QueryUnescape(raw)
		if uerr != nil {
			return nil, err
		}
		if err = json.Unmarshal([]byte(unescaped), &descs); err != nil {
			return nil, err
		}
	}

	out := descs[:0]
	for i, d := range descs {
		d.Name = strings.TrimSpace(d.Name)
		d.URL = strings.TrimSpace(d.URL)
		if verr := s.validate.Struct(d); verr != nil {
			appLog.Warn("dropping invalid program descriptor", "index", i, "name", d.Name, "err", verr)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.RecordHTTPRequest(endpoint, r.Method, strconv.Itoa(rec.status), time.Since(started))
	})
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

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}
