package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/Rajchodisetti/tradegate/internal/deviation"
	"github.com/Rajchodisetti/tradegate/internal/observ"
	"github.com/Rajchodisetti/tradegate/internal/safety"
	"github.com/Rajchodisetti/tradegate/internal/store"
)

type Gate interface {
	Status() safety.Status
	CanExecute(intent safety.TradeIntent) bool
	Activate(reason string) error
	EmergencyShutdown(reason string) error
	Deactivate(authCode, reason string) error
	EnableLiveTrading(authCode, overrideCode string) error
	RecentEntries(n int) []safety.LogEntry
}

type Deviation interface {
	Status() deviation.Status
	RecentAlerts(limit int) []deviation.Alert
	Process(t deviation.TradeRecord) (deviation.AnalysisResult, error)
}

type ctxKey struct{}

// Server is the local operator surface over the gate and the deviation engine.
type Server struct {
	router *mux.Router
	server *http.Server

	gate      Gate
	deviation Deviation
	audit     store.AuditReader
}

// NewServer wires routes. audit may be nil, in which case /audit serves the
// gate's in-memory ring.
func NewServer(addr string, gate Gate, dev Deviation, audit store.AuditReader) *Server {
	s := &Server{router: mux.NewRouter(), gate: gate, deviation: dev, audit: audit}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)

	s.router.Handle("/metrics", observ.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(jsonContentTypeMiddleware)

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/audit", s.handleAudit).Methods(http.MethodGet)
	api.HandleFunc("/check", s.handleCheck).Methods(http.MethodPost)
	api.HandleFunc("/halt", s.handleHalt).Methods(http.MethodPost)
	api.HandleFunc("/emergency", s.handleEmergency).Methods(http.MethodPost)
	api.HandleFunc("/deactivate", s.handleDeactivate).Methods(http.MethodPost)
	api.HandleFunc("/live", s.handleLive).Methods(http.MethodPost)

	if s.deviation != nil {
		api.HandleFunc("/deviation", s.handleDeviationStatus).Methods(http.MethodGet)
		api.HandleFunc("/deviation/alerts", s.handleDeviationAlerts).Methods(http.MethodGet)
		api.HandleFunc("/trades", s.handleTrade).Methods(http.MethodPost)
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	})
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	observ.Log("http_server_starting", map[string]any{"addr": s.server.Addr})
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	observ.Log("http_server_stopping", map[string]any{"addr": s.server.Addr})
	return s.server.Shutdown(ctx)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()[:8]
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWrapper) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		id, _ := r.Context().Value(ctxKey{}).(string)
		observ.Log("http_request", map[string]any{
			"request_id":  id,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapper.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote":      r.RemoteAddr,
		})
	})
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error  string         `json:"error"`
	Status *safety.Status `json:"status,omitempty"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type deactivateRequest struct {
	AuthCode string `json:"auth_code"`
	Reason   string `json:"reason"`
}

type liveRequest struct {
	AuthCode     string `json:"auth_code"`
	OverrideCode string `json:"override_code"`
}

type checkResponse struct {
	Allowed bool          `json:"allowed"`
	Status  safety.Status `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"mode":   s.gate.Status().Mode,
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gate.Status())
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	if s.audit == nil {
		writeJSON(w, http.StatusOK, s.gate.RecentEntries(limit))
		return
	}
	entries, err := s.audit.Recent(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}
	if entries == nil {
		entries = []safety.LogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var intent safety.TradeIntent
	if !decode(w, r, &intent) {
		return
	}
	writeJSON(w, http.StatusOK, checkResponse{Allowed: s.gate.CanExecute(intent), Status: s.gate.Status()})
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "manual activation"
	}
	s.respond(w, s.gate.Activate(req.Reason))
}

func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "emergency shutdown"
	}
	s.respond(w, s.gate.EmergencyShutdown(req.Reason))
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	var req deactivateRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "manual deactivation"
	}
	s.respond(w, s.gate.Deactivate(req.AuthCode, req.Reason))
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	var req liveRequest
	if !decode(w, r, &req) {
		return
	}
	s.respond(w, s.gate.EnableLiveTrading(req.AuthCode, req.OverrideCode))
}

func (s *Server) handleDeviationStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deviation.Status())
}

func (s *Server) handleDeviationAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deviation.RecentAlerts(queryLimit(r, 10)))
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	var t deviation.TradeRecord
	if !decode(w, r, &t) {
		return
	}
	res, err := s.deviation.Process(t)
	if err != nil {
		// The trade was scored and kept in memory; only the snapshot failed.
		w.Header().Set("X-Persist-Error", err.Error())
	}
	writeJSON(w, http.StatusOK, res)
}

// respond maps gate errors to status codes. A persistence failure still
// reports the resulting status so the caller can see the halt took effect.
func (s *Server) respond(w http.ResponseWriter, err error) {
	status := s.gate.Status()
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, status)
	case errors.Is(err, safety.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error()})
	case errors.Is(err, safety.ErrHaltActive), errors.Is(err, safety.ErrConfigViolation):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Status: &status})
	case errors.Is(err, safety.ErrPersistence):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error(), Status: &status})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error(), Status: &status})
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

func queryLimit(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > 1000 {
		return 1000
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observ.Warn("http_encode_failed", map[string]any{"error": err.Error()})
	}
}
