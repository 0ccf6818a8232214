package sensor

import (
	"log/slog"
	"strconv"

	"github.com/audiolibrelab/labcapture/internal/clock"
	"github.com/audiolibrelab/labcapture/internal/experiment"
)

// ID identifies a logical sensor for the whole session.
type ID string

// Reading is one scalar sample. Timestamp is in milliseconds.
type Reading struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// Status is the connection state reported by a sensor source.
type Status string

const (
	StatusDisconnected Status = "DISCONNECTED"
	StatusConnecting   Status = "CONNECTING"
	StatusConnected    Status = "CONNECTED"
)

// Spec is the descriptive metadata of a sensor.
type Spec struct {
	ID    ID     `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Kind  string `json:"kind" yaml:"kind"`
	Units string `json:"units,omitempty" yaml:"units,omitempty"`
}

// Options are free-form sensor settings passed through to the source.
type Options map[string]string

// Float returns the option parsed as a float, or def when missing or
// malformed.
func (o Options) Float(key string, def float64) float64 {
	v, ok := o[key]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// Observer receives samples for the sensors it was registered on.
type Observer interface {
	OnReading(id ID, r Reading)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(id ID, r Reading)

func (f ObserverFunc) OnReading(id ID, r Reading) { f(id, r) }

// StatusListener receives connection updates from a sensor source.
type StatusListener interface {
	OnSourceStatus(id ID, status Status)
	OnSourceError(id ID, err error)
}

// SampleSink is handed to a source; the source calls it for every sample
// it produces. It must be called from the source's own goroutine, never
// from inside a Recorder method.
type SampleSink func(r Reading)

// Environment carries the shared services a source may use.
type Environment struct {
	Clock  clock.Clock
	Logger *slog.Logger
}

// Recorder is the handle a source returns for one sensor.
type Recorder interface {
	ApplyOptions(opts Options) error
	StartObserving() error
	StopObserving() error
	StartRecording(runID string) error
	// StopRecording ends the current run. A nil trial discards the run.
	StopRecording(trial *experiment.Trial) error
}

// Source creates recorders for the sensors it knows how to drive.
type Source interface {
	CreateRecorder(id ID, sink SampleSink, status StatusListener, env Environment) (Recorder, error)
}
