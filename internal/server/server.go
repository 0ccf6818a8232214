package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/audiolibrelab/labcapture/internal/metrics"
	"github.com/audiolibrelab/labcapture/internal/recorder"
	"github.com/audiolibrelab/labcapture/internal/sensor"
	"github.com/audiolibrelab/labcapture/internal/service"
	"github.com/audiolibrelab/labcapture/internal/store"
	"github.com/audiolibrelab/labcapture/internal/trigger"
)

const shutdownTimeout = 10 * time.Second

// Catalog describes the configured sensors.
type Catalog interface {
	Specs() []sensor.Spec
	Triggers(id sensor.ID) []*trigger.Trigger
	Options(id sensor.ID) sensor.Options
}

// Options configures a Server. Metrics may be nil to disable metric
// recording (e.g. in tests).
type Options struct {
	Controller *recorder.Controller
	Store      *store.Store
	Catalog    Catalog
	Connection *service.Connection
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Server is the HTTP control surface of the recording controller
type Server struct {
	controller *recorder.Controller
	store      *store.Store
	catalog    Catalog
	conn       *service.Connection
	metrics    *metrics.Metrics
	logger     *slog.Logger

	// Observers registered over HTTP, keyed by handle
	observerLock sync.RWMutex
	observers    map[string]*remoteObserver
}

// StatusResponse represents the JSON response for the status endpoint
type StatusResponse struct {
	Status               recorder.RecordingStatus `json:"status"`
	TransitionInProgress bool                     `json:"transition_in_progress"`
	ObservedSensorIDs    []sensor.ID              `json:"observed_sensor_ids"`
	Experiment           *ExperimentInfo          `json:"experiment,omitempty"`
	Notification         service.Notification     `json:"notification"`
	LastEnded            *service.EndedRecording  `json:"last_ended,omitempty"`
	LastError            string                   `json:"last_error,omitempty"`
}

// ExperimentInfo summarizes the selected experiment
type ExperimentInfo struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Trials int    `json:"trials"`
}

// GenericResponse is the body of successful commands
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// New creates a new server instance
func New(opts Options) (*Server, error) {
	if opts.Controller == nil {
		return nil, fmt.Errorf("server: controller is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("server: store is required")
	}
	if opts.Catalog == nil {
		return nil, fmt.Errorf("server: sensor catalog is required")
	}
	if opts.Connection == nil {
		opts.Connection = service.NewConnection(opts.Logger)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		controller: opts.Controller,
		store:      opts.Store,
		catalog:    opts.Catalog,
		conn:       opts.Connection,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		observers:  make(map[string]*remoteObserver),
	}, nil
}

// Router builds the chi router with every endpoint
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestLogger(s.logger))
	if s.metrics != nil {
		r.Use(metrics.RequestMiddleware(s.metrics))
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			s.metrics.Handler(func() {
				s.metrics.RecordingState(s.controller.RecordingStatus().State)
			}).ServeHTTP(w, r)
		})
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Route("/recording", func(r chi.Router) {
			r.Post("/start", s.handleStartRecording)
			r.Post("/stop", s.handleStopRecording)
			r.Post("/discard", s.handleDiscardRecording)
		})

		r.Route("/observe/{sensor}", func(r chi.Router) {
			r.Post("/", s.handleObserve)
			r.Get("/{handle}", s.handleObserverState)
			r.Delete("/{handle}", s.handleStopObserving)
		})
		r.Post("/pause", s.handlePause)
		r.Post("/resume/{token}", s.handleResume)

		r.Route("/sensors", func(r chi.Router) {
			r.Get("/", s.handleSensors)
			r.Get("/observed", s.handleObservedSensors)
			r.Post("/{sensor}/reboot", s.handleReboot)
			r.Put("/{sensor}/options", s.handleApplyOptions)
			r.Delete("/{sensor}/triggers", s.handleClearTriggers)
		})

		r.Get("/snapshot", s.handleSnapshot)
		r.Get("/snapshot/text", s.handleSnapshotText)

		r.Route("/experiments", func(r chi.Router) {
			r.Get("/", s.handleListExperiments)
			r.Post("/", s.handleCreateExperiment)
			r.Get("/{id}", s.handleGetExperiment)
			r.Post("/{id}/select", s.handleSelectExperiment)
		})
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then drains connections
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.logger.Info("Starting LabCapture server", "addr", addr)

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutdown signal received, draining connections")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.logger.Info("Server stopped")
	return nil
}

// handleStatus returns the current recording status and session info
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	inTransition, err := s.controller.TransitionInProgress(ctx)
	if err != nil {
		s.sendControllerError(w, err, "operation", "status")
		return
	}
	ids, err := s.controller.ObservedSensorIDs(ctx)
	if err != nil {
		s.sendControllerError(w, err, "operation", "status")
		return
	}
	exp, err := s.controller.SelectedExperiment(ctx)
	if err != nil {
		s.sendControllerError(w, err, "operation", "status")
		return
	}

	svc := s.conn.Service()
	response := StatusResponse{
		Status:               s.controller.RecordingStatus(),
		TransitionInProgress: inTransition,
		ObservedSensorIDs:    ids,
		Notification:         svc.Notification(),
		LastEnded:            svc.LastEnded(),
		LastError:            svc.GetLastError(),
	}
	if response.ObservedSensorIDs == nil {
		response.ObservedSensorIDs = []sensor.ID{}
	}
	if exp != nil {
		response.Experiment = &ExperimentInfo{ID: exp.ID, Title: exp.DisplayTitle(), Trials: len(exp.Trials)}
	}
	sendJSON(w, http.StatusOK, response)
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.StartRecording(r.Context(), true); err != nil {
		s.sendControllerError(w, err, "operation", "start_recording")
		return
	}
	sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Recording started"})
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.StopRecording(r.Context()); err != nil {
		s.sendControllerError(w, err, "operation", "stop_recording")
		return
	}
	sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Recording stopped"})
}

func (s *Server) handleDiscardRecording(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.StopRecordingWithoutSaving(r.Context()); err != nil {
		s.sendControllerError(w, err, "operation", "discard_recording")
		return
	}
	sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Recording discarded"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	token, err := s.controller.PauseObservingAll(r.Context())
	if err != nil {
		s.sendControllerError(w, err, "operation", "pause")
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{"success": true, "token": token})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	resumed, err := s.controller.ResumeObservingAll(r.Context(), token)
	if err != nil {
		s.sendControllerError(w, err, "operation", "resume", "token", token)
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{"success": true, "resumed": resumed})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	ids, err := s.snapshotIDs(r)
	if err != nil {
		s.sendControllerError(w, err, "operation", "snapshot")
		return
	}
	report, err := s.controller.GenerateSnapshot(r.Context(), ids)
	if err != nil {
		s.sendControllerError(w, err, "operation", "snapshot")
		return
	}
	sendJSON(w, http.StatusOK, report)
}

func (s *Server) handleSnapshotText(w http.ResponseWriter, r *http.Request) {
	ids, err := s.snapshotIDs(r)
	if err != nil {
		s.sendControllerError(w, err, "operation", "snapshot_text")
		return
	}
	text, err := s.controller.SnapshotText(r.Context(), ids)
	if err != nil {
		s.sendControllerError(w, err, "operation", "snapshot_text")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintln(w, text)
}

// snapshotIDs reads the comma separated ids parameter, defaulting to every
// observed sensor
func (s *Server) snapshotIDs(r *http.Request) ([]sensor.ID, error) {
	raw := r.URL.Query().Get("ids")
	if raw == "" {
		return s.controller.ObservedSensorIDs(r.Context())
	}
	var ids []sensor.ID
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			ids = append(ids, sensor.ID(part))
		}
	}
	return ids, nil
}

// sendControllerError maps controller and store errors to HTTP statuses
func (s *Server) sendControllerError(w http.ResponseWriter, err error, logContext ...interface{}) {
	status := http.StatusInternalServerError
	code := recorder.ErrorCode(err)
	switch {
	case code != 0:
		status = http.StatusConflict
		s.conn.Service().SetLastError(err.Error())
	case errors.Is(err, recorder.ErrUnknownSensor), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, recorder.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	}
	s.sendErrorResponse(w, status, err.Error(), code, logContext...)
}

// sendErrorResponse logs and writes a JSON error body
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, code int, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	s.logger.Error("Sending error response to client", logFields...)

	body := map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	}
	if code != 0 {
		body["code"] = code
	}
	sendJSON(w, statusCode, body)
}

func sendJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
