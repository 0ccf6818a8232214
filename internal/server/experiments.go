package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/audiolibrelab/labcapture/internal/experiment"
	"github.com/audiolibrelab/labcapture/internal/store"
)

// ExperimentCreateRequest is the body of POST /api/experiments
type ExperimentCreateRequest struct {
	Title string `json:"title"`
}

// handleListExperiments lists stored experiments, newest first
func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	includeArchived, _ := strconv.ParseBool(r.URL.Query().Get("archived"))

	list, err := s.store.ListExperiments(r.Context(), includeArchived)
	if err != nil {
		s.sendControllerError(w, err, "operation", "list_experiments")
		return
	}
	if list == nil {
		list = []store.Summary{}
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{"experiments": list})
}

// handleCreateExperiment creates an experiment and selects it for recording
func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req ExperimentCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid request body", 0, "operation", "create_experiment", "error", err)
		return
	}
	if s.controller.RecordingStatus().IsRecording() {
		s.sendErrorResponse(w, http.StatusConflict, "Cannot change experiment while recording", 0, "operation", "create_experiment")
		return
	}

	exp := experiment.New(req.Title, s.controller.Now())
	if err := s.store.CreateExperiment(r.Context(), exp); err != nil {
		s.sendControllerError(w, err, "operation", "create_experiment")
		return
	}
	created := exp.Clone()
	if err := s.controller.SetSelectedExperiment(r.Context(), exp); err != nil {
		s.sendControllerError(w, err, "operation", "create_experiment", "experiment_id", exp.ID)
		return
	}

	s.logger.Info("Experiment created", "experiment_id", created.ID, "title", created.DisplayTitle())
	sendJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exp, err := s.store.GetExperiment(r.Context(), id)
	if err != nil {
		s.sendControllerError(w, err, "operation", "get_experiment", "experiment_id", id)
		return
	}
	sendJSON(w, http.StatusOK, exp)
}

// handleSelectExperiment loads a stored experiment and makes it the one new trials go to
func (s *Server) handleSelectExperiment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.controller.RecordingStatus().IsRecording() {
		s.sendErrorResponse(w, http.StatusConflict, "Cannot change experiment while recording", 0, "operation", "select_experiment", "experiment_id", id)
		return
	}

	exp, err := s.store.GetExperiment(r.Context(), id)
	if err != nil {
		s.sendControllerError(w, err, "operation", "select_experiment", "experiment_id", id)
		return
	}
	info := ExperimentInfo{ID: exp.ID, Title: exp.DisplayTitle(), Trials: len(exp.Trials)}
	if err := s.controller.SetSelectedExperiment(r.Context(), exp); err != nil {
		s.sendControllerError(w, err, "operation", "select_experiment", "experiment_id", id)
		return
	}
	sendJSON(w, http.StatusOK, info)
}
