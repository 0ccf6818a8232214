package server

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/audiolibrelab/labcapture/internal/recorder"
	"github.com/audiolibrelab/labcapture/internal/sensor"
)

// remoteObserver keeps what an HTTP client has been sent since it started
// observing a sensor. Callbacks arrive on the controller goroutine.
type remoteObserver struct {
	sensorID sensor.ID

	mu        sync.RWMutex
	last      *sensor.Reading
	samples   int
	status    sensor.Status
	lastError string
}

// ObserverState is the JSON view of a remote observer
type ObserverState struct {
	SensorID  sensor.ID       `json:"sensor_id"`
	Handle    string          `json:"handle"`
	Samples   int             `json:"samples"`
	Last      *sensor.Reading `json:"last,omitempty"`
	Status    sensor.Status   `json:"status,omitempty"`
	LastError string          `json:"last_error,omitempty"`
}

func (o *remoteObserver) OnReading(_ sensor.ID, r sensor.Reading) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.last = &r
	o.samples++
}

func (o *remoteObserver) OnSourceStatus(_ sensor.ID, status sensor.Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status = status
}

func (o *remoteObserver) OnSourceError(_ sensor.ID, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastError = err.Error()
}

func (o *remoteObserver) state(handle string) ObserverState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st := ObserverState{
		SensorID:  o.sensorID,
		Handle:    handle,
		Samples:   o.samples,
		Status:    o.status,
		LastError: o.lastError,
	}
	if o.last != nil {
		last := *o.last
		st.Last = &last
	}
	return st
}

// handleObserve starts observing a sensor with its configured triggers and options
func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	id := sensor.ID(chi.URLParam(r, "sensor"))
	obs := &remoteObserver{sensorID: id}

	h, err := s.controller.StartObserving(r.Context(), id, s.catalog.Triggers(id), obs, obs, s.catalog.Options(id))
	if err != nil {
		s.sendControllerError(w, err, "operation", "observe", "sensor_id", string(id))
		return
	}

	handle := h.String()
	s.observerLock.Lock()
	s.observers[handle] = obs
	s.observerLock.Unlock()

	s.logger.Info("Sensor observed", "sensor_id", string(id), "handle", handle)
	sendJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "handle": handle})
}

func (s *Server) handleObserverState(w http.ResponseWriter, r *http.Request) {
	obs, handle, ok := s.lookupObserver(r)
	if !ok {
		s.sendErrorResponse(w, http.StatusNotFound, "Unknown observer handle", 0, "handle", handle)
		return
	}
	sendJSON(w, http.StatusOK, obs.state(handle))
}

func (s *Server) handleStopObserving(w http.ResponseWriter, r *http.Request) {
	obs, handle, ok := s.lookupObserver(r)
	if !ok {
		s.sendErrorResponse(w, http.StatusNotFound, "Unknown observer handle", 0, "handle", handle)
		return
	}
	h, err := recorder.ParseHandle(handle)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), 0, "handle", handle)
		return
	}
	if err := s.controller.StopObserving(r.Context(), obs.sensorID, h); err != nil {
		s.sendControllerError(w, err, "operation", "stop_observing", "handle", handle)
		return
	}

	s.observerLock.Lock()
	delete(s.observers, handle)
	s.observerLock.Unlock()

	sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Observer removed"})
}

func (s *Server) lookupObserver(r *http.Request) (*remoteObserver, string, bool) {
	id := sensor.ID(chi.URLParam(r, "sensor"))
	handle := chi.URLParam(r, "handle")

	s.observerLock.RLock()
	defer s.observerLock.RUnlock()
	obs, ok := s.observers[handle]
	if !ok || obs.sensorID != id {
		return nil, handle, false
	}
	return obs, handle, true
}

// handleSensors lists every configured sensor
func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]interface{}{"sensors": s.catalog.Specs()})
}

// handleObservedSensors lists the sensors held by the controller
func (s *Server) handleObservedSensors(w http.ResponseWriter, r *http.Request) {
	states, err := s.controller.Sensors(r.Context())
	if err != nil {
		s.sendControllerError(w, err, "operation", "observed_sensors")
		return
	}
	if states == nil {
		states = []recorder.SensorState{}
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{"sensors": states})
}

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	id := sensor.ID(chi.URLParam(r, "sensor"))
	if err := s.controller.Reboot(r.Context(), id); err != nil {
		s.sendControllerError(w, err, "operation", "reboot", "sensor_id", string(id))
		return
	}
	sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Sensor rebooted"})
}

// handleApplyOptions applies a JSON object of option strings to a sensor
func (s *Server) handleApplyOptions(w http.ResponseWriter, r *http.Request) {
	id := sensor.ID(chi.URLParam(r, "sensor"))

	var opts sensor.Options
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid options body", 0, "sensor_id", string(id), "error", err)
		return
	}
	if err := s.controller.ApplyOptions(r.Context(), id, opts); err != nil {
		s.sendControllerError(w, err, "operation", "apply_options", "sensor_id", string(id))
		return
	}
	sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Options applied"})
}

func (s *Server) handleClearTriggers(w http.ResponseWriter, r *http.Request) {
	id := sensor.ID(chi.URLParam(r, "sensor"))
	if err := s.controller.ClearSensorTriggers(r.Context(), id); err != nil {
		s.sendControllerError(w, err, "operation", "clear_triggers", "sensor_id", string(id))
		return
	}
	sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Triggers cleared"})
}
