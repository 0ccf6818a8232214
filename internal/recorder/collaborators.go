package recorder

import (
	"context"
	"sync"

	"github.com/audiolibrelab/labcapture/internal/experiment"
	"github.com/audiolibrelab/labcapture/internal/sensor"
	"github.com/audiolibrelab/labcapture/internal/trigger"
)

// SensorRegistry resolves sensor ids to sources and specs.
type SensorRegistry interface {
	Source(id sensor.ID) (sensor.Source, bool)
	Spec(id sensor.ID) sensor.Spec
}

// ExperimentStore persists experiments. Calls are single attempt; the
// controller never retries.
type ExperimentStore interface {
	UpdateExperiment(ctx context.Context, exp *experiment.Experiment) error
	SaveImmediately(ctx context.Context) error
}

// SurfaceBinder connects to the external recording surface.
type SurfaceBinder interface {
	Bind(ctx context.Context) (Surface, error)
}

// Surface is the external recording surface, e.g. a foreground service
// that keeps the process alive while recording.
type Surface interface {
	BeginRecording(name, resumeIntent string) error
	// EndRecording is the last externally visible step of a stop.
	EndRecording(discardIfBackground bool, trialID, experimentID, title string) error
}

// SensorHistory remembers the most recently observed sensors.
type SensorHistory interface {
	MostRecentSensorIDs() []sensor.ID
	SetMostRecentSensorIDs(ids []sensor.ID) error
}

// AlertSink plays the audio and physical alerts requested by triggers.
type AlertSink interface {
	Alert(kind trigger.AlertType, t *trigger.Trigger)
}

// TriggerFiredListener is told about trigger side effects. Callbacks run
// on the controller goroutine and must not call back into the controller.
type TriggerFiredListener interface {
	OnRequestStartRecording()
	OnRequestStopRecording()
	OnTriggerFired(t *trigger.Trigger)
}

// ObservedIDsListener receives the list of observed sensors whenever it
// changes. It runs on the controller goroutine.
type ObservedIDsListener func(ids []sensor.ID)

// LabelListener is told when a trigger label has been persisted.
type LabelListener func(label experiment.Label)

// Instrumentation receives controller events for metrics.
type Instrumentation interface {
	TransitionFinished(kind string, err error)
	SampleRouted()
	TriggerFired(action trigger.Action)
	ObservedSensors(n int)
	RecordingState(state State)
}

type nopInstrumentation struct{}

func (nopInstrumentation) TransitionFinished(string, error) {}
func (nopInstrumentation) SampleRouted() {}
func (nopInstrumentation) TriggerFired(trigger.Action) {}
func (nopInstrumentation) ObservedSensors(int) {}
func (nopInstrumentation) RecordingState(State) {}

type memoryHistory struct {
	mu  sync.Mutex
	ids []sensor.ID
}

func (h *memoryHistory) MostRecentSensorIDs() []sensor.ID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]sensor.ID(nil), h.ids...)
}

func (h *memoryHistory) SetMostRecentSensorIDs(ids []sensor.ID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ids = append([]sensor.ID(nil), ids...)
	return nil
}
