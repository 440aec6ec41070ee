package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sitesync/internal/capture"
	"sitesync/internal/config"
	"sitesync/internal/engine"
	"sitesync/internal/logging"
)

// Server exposes the engine over HTTP on the configured loopback bind.
type Server struct {
	bind       string
	logger     *slog.Logger
	engine     *engine.Engine
	maxPayload int64

	listener net.Listener
	server   *http.Server
}

// NewServer builds the HTTP server. Returns nil when no bind address is
// configured, in which case the daemon runs without an API.
func NewServer(cfg *config.Config, eng *engine.Engine, logger *slog.Logger) *Server {
	if cfg == nil || eng == nil {
		return nil
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil
	}

	srv := &Server{
		bind:       bind,
		logger:     logging.NewComponentLogger(logger, "api-server"),
		engine:     eng,
		maxPayload: cfg.MaxPayloadBytes(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/captures", srv.handleCaptures)
	mux.HandleFunc("/api/status", srv.handleStatus)
	mux.HandleFunc("/api/queue", srv.handleQueue)
	mux.HandleFunc("/api/queue/", srv.handleQueueRecord)
	mux.HandleFunc("/api/sync", srv.handleSync)
	mux.HandleFunc("/api/prune", srv.handlePrune)
	mux.HandleFunc("/api/test-notification", srv.handleTestNotification)

	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

// Start begins serving and shuts down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

// Addr returns the bound listen address, or empty before Start.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleCaptures(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxPayload+1<<20)
	if err := r.ParseMultipartForm(s.maxPayload + 1<<20); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("parse multipart form: %v", err))
		return
	}

	category, ok := capture.ParseCategory(r.FormValue("category"))
	if !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown category %q", r.FormValue("category")))
		return
	}

	capturedAt := time.Now().UTC()
	if raw := strings.TrimSpace(r.FormValue("captured_at")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "captured_at must be RFC 3339")
			return
		}
		capturedAt = parsed.UTC()
	}

	geo, err := parseGeolocation(r.FormValue("latitude"), r.FormValue("longitude"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	file, _, err := r.FormFile("photo")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "photo file is required")
		return
	}
	defer file.Close()
	payload, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("read photo: %v", err))
		return
	}

	record, err := s.engine.Enqueue(r.Context(), payload, category, capturedAt, geo)
	if err != nil {
		if errors.Is(err, capture.ErrValidation) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, RecordResponse{Record: FromRecord(record)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	snapshot, err := s.engine.Status(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, FromSnapshot(snapshot))
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var statuses []capture.Status
	for _, value := range r.URL.Query()["status"] {
		status, ok := capture.ParseStatus(value)
		if !ok {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", value))
			return
		}
		statuses = append(statuses, status)
	}

	records, err := s.engine.ListQueue(r.Context(), statuses...)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, QueueListResponse{Records: FromRecords(records)})
}

func (s *Server) handleQueueRecord(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/queue/")
	clientID, action, _ := strings.Cut(rest, "/")
	if clientID == "" {
		s.writeError(w, http.StatusNotFound, "capture record not found")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		record, err := s.engine.GetRecord(r.Context(), clientID)
		if err != nil {
			if errors.Is(err, capture.ErrNotFound) {
				s.writeError(w, http.StatusNotFound, "capture record not found")
				return
			}
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, RecordResponse{Record: FromRecord(record)})

	case action == "requeue" && r.Method == http.MethodPost:
		record, err := s.engine.Requeue(r.Context(), clientID)
		if err != nil {
			switch {
			case errors.Is(err, capture.ErrNotFound):
				s.writeError(w, http.StatusNotFound, "capture record not found")
			case errors.Is(err, capture.ErrInvalidTransition):
				s.writeError(w, http.StatusConflict, err.Error())
			default:
				s.writeError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}
		s.writeJSON(w, http.StatusOK, RecordResponse{Record: FromRecord(record)})

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.engine.TriggerSync()
	snapshot, err := s.engine.Status(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, SyncResponse{Triggered: true, Online: snapshot.Online})
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	keepDays := 7
	if raw := strings.TrimSpace(r.URL.Query().Get("keep_days")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "keep_days must be a non-negative integer")
			return
		}
		keepDays = parsed
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -keepDays)
	pruned, err := s.engine.PruneSucceeded(r.Context(), cutoff)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, PruneResponse{Pruned: pruned})
}

func (s *Server) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sent, message, err := s.engine.TestNotification(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("%s: %v", message, err))
		return
	}
	s.writeJSON(w, http.StatusOK, NotifyTestResponse{Sent: sent, Message: message})
}

func parseGeolocation(latRaw, lonRaw string) (*capture.Geolocation, error) {
	latRaw = strings.TrimSpace(latRaw)
	lonRaw = strings.TrimSpace(lonRaw)
	if latRaw == "" && lonRaw == "" {
		return nil, nil
	}
	if latRaw == "" || lonRaw == "" {
		return nil, errors.New("latitude and longitude must be supplied together")
	}
	lat, err := strconv.ParseFloat(latRaw, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(lonRaw, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid longitude: %w", err)
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, errors.New("geolocation out of range")
	}
	return &capture.Geolocation{Latitude: lat, Longitude: lon}, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
