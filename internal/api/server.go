// Package api provides the REST endpoints for device identity and history.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"notecard_fleet/internal/fault"
	"notecard_fleet/internal/history"
	"notecard_fleet/internal/identity"
	"notecard_fleet/internal/journey"
	"notecard_fleet/internal/mergequery"
	"notecard_fleet/internal/storage"
)

// Identities resolves and merges device identities.
type Identities interface {
	Resolve(ctx context.Context, key string) (*storage.ResolvedIdentity, error)
	MergeIdentities(ctx context.Context, sourceSerial, targetSerial string) (*identity.MergeResult, error)
}

// History answers merged history queries.
type History interface {
	Journeys(ctx context.Context, q history.JourneyQuery) (*history.Result[storage.Journey], error)
	Locations(ctx context.Context, q history.LocationQuery) (*history.Result[storage.LocationPoint], error)
	Telemetry(ctx context.Context, w history.Window) (*history.Result[storage.TelemetryReading], error)
	Power(ctx context.Context, w history.Window) (*history.Result[storage.PowerReading], error)
	Journey(ctx context.Context, key string, journeyID int64) (*history.JourneyDetail, error)
	JourneyPowerConsumption(ctx context.Context, key string, journeyID int64) (*history.PowerConsumption, error)
	VisitedCities(ctx context.Context, key string, start, end int64) (*history.Result[history.CityVisit], error)
}

// JourneyMatcher map-matches a journey owned by one of ids.
type JourneyMatcher interface {
	MatchJourney(ctx context.Context, ids []string, journeyID int64) (*journey.MatchResult, error)
}

// JourneyDeleter deletes a journey owned by one of ids.
type JourneyDeleter interface {
	DeleteOwnedJourney(ctx context.Context, ids []string, journeyID int64) (*journey.DeleteResult, error)
}

// Deps are the services behind the endpoints.
type Deps struct {
	Identities Identities
	History    History
	Matcher    JourneyMatcher
	Deleter    JourneyDeleter
}

// Config holds configuration for the API server.
type Config struct {
	Port           int
	RequestTimeout time.Duration
}

// Server provides REST API access to device identity and history.
type Server struct {
	deps    Deps
	port    int
	timeout time.Duration
	log     logrus.FieldLogger
}

// NewServer creates a new API server.
func NewServer(deps Deps, cfg Config, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Server{
		deps:    deps,
		port:    cfg.Port,
		timeout: cfg.RequestTimeout,
		log:     logger.WithField("component", "api"),
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	r.Mount("/", s.Router())

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(s.port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", srv.Addr).Info("API server starting.")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Router returns the configured chi router for embedding in other servers.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/devices/{key}", func(r chi.Router) {
		r.Get("/identity", s.handleIdentity)
		r.Get("/journeys", s.handleJourneys)
		r.Get("/journeys/{id}", s.handleJourney)
		r.Delete("/journeys/{id}", s.handleDeleteJourney)
		r.Post("/journeys/{id}/match", s.handleMatchJourney)
		r.Get("/journeys/{id}/power", s.handleJourneyPower)
		r.Get("/locations", s.handleLocations)
		r.Get("/telemetry", s.handleTelemetry)
		r.Get("/power", s.handlePower)
		r.Get("/cities", s.handleCities)
	})

	r.Post("/admin/merge", s.handleMerge)

	return r
}

// requestLogger logs each request through logrus once it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("Request served.")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	id, err := s.deps.Identities.Resolve(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (s *Server) handleJourneys(w http.ResponseWriter, r *http.Request) {
	win, err := parseWindow(r)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	res, err := s.deps.History.Journeys(r.Context(), history.JourneyQuery{
		Window: win,
		Status: filterParam(r, "status"),
	})
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	win, err := parseWindow(r)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	res, err := s.deps.History.Locations(r.Context(), history.LocationQuery{
		Window: win,
		Source: filterParam(r, "source"),
	})
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	win, err := parseWindow(r)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	res, err := s.deps.History.Telemetry(r.Context(), win)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	win, err := parseWindow(r)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	res, err := s.deps.History.Power(r.Context(), win)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCities(w http.ResponseWriter, r *http.Request) {
	win, err := parseWindow(r)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	res, err := s.deps.History.VisitedCities(r.Context(), win.Key, win.Start, win.End)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleJourney(w http.ResponseWriter, r *http.Request) {
	journeyID, err := journeyParam(r)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	res, err := s.deps.History.Journey(r.Context(), chi.URLParam(r, "key"), journeyID)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleJourneyPower(w http.ResponseWriter, r *http.Request) {
	journeyID, err := journeyParam(r)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	res, err := s.deps.History.JourneyPowerConsumption(r.Context(), chi.URLParam(r, "key"), journeyID)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMatchJourney(w http.ResponseWriter, r *http.Request) {
	journeyID, err := journeyParam(r)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	id, err := s.deps.Identities.Resolve(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	res, err := s.deps.Matcher.MatchJourney(r.Context(), id.AllIDs, journeyID)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteJourney(w http.ResponseWriter, r *http.Request) {
	journeyID, err := journeyParam(r)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	id, err := s.deps.Identities.Resolve(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	res, err := s.deps.Deleter.DeleteOwnedJourney(r.Context(), id.AllIDs, journeyID)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// MergeRequest is the request body for an identity merge.
type MergeRequest struct {
	Source string `json:"source_serial_number"`
	Target string `json:"target_serial_number"`
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req MergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	res, err := s.deps.Identities.MergeIdentities(r.Context(), strings.TrimSpace(req.Source), strings.TrimSpace(req.Target))
	if err != nil && !(fault.KindOf(err) == fault.KindPartial && res != nil) {
		s.writeFault(w, r, err)
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("serial_number", res.SerialNumber).Warn("Merge left records to reconcile.")
		writeJSON(w, http.StatusMultiStatus, map[string]any{
			"result": res,
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeFault maps an error kind to a status code.
func (s *Server) writeFault(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	switch kind {
	case fault.KindNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case fault.KindInvalid:
		writeError(w, http.StatusBadRequest, err.Error())
	case fault.KindUpstream:
		s.log.WithError(err).WithField("path", r.URL.Path).Warn("Upstream failure.")
		writeError(w, http.StatusBadGateway, err.Error())
	case fault.KindIndeterminate:
		writeJSON(w, http.StatusOK, nil)
	case fault.KindPartial:
		writeError(w, http.StatusMultiStatus, err.Error())
	default:
		s.log.WithError(err).WithField("path", r.URL.Path).Error("Request failed.")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseWindow(r *http.Request) (history.Window, error) {
	q := r.URL.Query()
	win := history.Window{
		Key:   chi.URLParam(r, "key"),
		Order: mergequery.Descending,
	}

	var err error
	if win.Start, err = int64Param(q.Get("start"), "start"); err != nil {
		return win, err
	}
	if win.End, err = int64Param(q.Get("end"), "end"); err != nil {
		return win, err
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return win, fault.Invalid("limit must be a positive integer")
		}
		win.Limit = n
	}

	if v := q.Get("fetch_all"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return win, fault.Invalid("fetch_all must be a boolean")
		}
		win.FetchAll = b
	}

	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
	case "asc":
		win.Order = mergequery.Ascending
	default:
		return win, fault.Invalid("order must be asc or desc")
	}

	return win, nil
}

func int64Param(v, name string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fault.Invalid("%s must be milliseconds since the epoch", name)
	}
	return n, nil
}

func journeyParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, fault.Invalid("journey id must be an integer")
	}
	return id, nil
}

func filterParam(r *http.Request, name string) storage.AttrFilter {
	if v := r.URL.Query().Get(name); v != "" {
		return storage.AttrFilter{Present: true, Value: v}
	}
	return storage.AttrFilter{}
}

// Helper functions.

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
