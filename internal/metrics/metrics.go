// Package metrics exposes controller and HTTP metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/audiolibrelab/labcapture/internal/recorder"
	"github.com/audiolibrelab/labcapture/internal/trigger"
)

var _ recorder.Instrumentation = (*Metrics)(nil)

var recordingStates = []recorder.State{
	recorder.StateInactive,
	recorder.StateStarting,
	recorder.StateActive,
	recorder.StateStopping,
}

// Metrics holds Prometheus counters and gauges for labcapture. It
// implements recorder.Instrumentation.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   prometheus.Counter
	errorsTotal     prometheus.Counter
	transitions     *prometheus.CounterVec
	samplesRouted   prometheus.Counter
	triggersFired   *prometheus.CounterVec
	observedSensors prometheus.Gauge
	recordingState  *prometheus.GaugeVec
}

// New creates and registers Prometheus metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "labcapture_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "labcapture_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "labcapture_transitions_total",
		Help: "Recording transitions that reached a terminal step",
	}, []string{"kind", "result"})
	samplesRouted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "labcapture_samples_routed_total",
		Help: "Sensor samples delivered to observers",
	})
	triggersFired := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "labcapture_triggers_fired_total",
		Help: "Triggers whose action executed",
	}, []string{"action"})
	observedSensors := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "labcapture_observed_sensors",
		Help: "Number of sensors held by the controller",
	})
	recordingState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "labcapture_recording_state",
		Help: "1 for the current recording state, 0 otherwise",
	}, []string{"state"})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		transitions,
		samplesRouted,
		triggersFired,
		observedSensors,
		recordingState,
	)

	m := &Metrics{
		registry:        registry,
		requestsTotal:   requestsTotal,
		errorsTotal:     errorsTotal,
		transitions:     transitions,
		samplesRouted:   samplesRouted,
		triggersFired:   triggersFired,
		observedSensors: observedSensors,
		recordingState:  recordingState,
	}
	m.RecordingState(recorder.StateInactive)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// TransitionFinished counts a start, stop or discard by outcome. Failures
// are labelled with their error code.
func (m *Metrics) TransitionFinished(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		if code := recorder.ErrorCode(err); code != 0 {
			result = "code_" + strconv.Itoa(code)
		}
	}
	m.transitions.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) SampleRouted() {
	m.samplesRouted.Inc()
}

func (m *Metrics) TriggerFired(action trigger.Action) {
	m.triggersFired.WithLabelValues(string(action)).Inc()
}

func (m *Metrics) ObservedSensors(n int) {
	m.observedSensors.Set(float64(n))
}

// RecordingState marks state as the current one.
func (m *Metrics) RecordingState(state recorder.State) {
	for _, s := range recordingStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.recordingState.WithLabelValues(string(s)).Set(v)
	}
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
