package recorder

import (
	"log/slog"
	"time"

	"github.com/audiolibrelab/labcapture/internal/clock"
	"github.com/audiolibrelab/labcapture/internal/experiment"
	"github.com/audiolibrelab/labcapture/internal/sensor"
)

// RecorderState is the sub-state of one StatefulRecorder.
type RecorderState string

const (
	RecorderIdle      RecorderState = "IDLE"
	RecorderObserving RecorderState = "OBSERVING"
	RecorderRecording RecorderState = "RECORDING"
)

// StatefulRecorder coordinates observing and recording for one sensor on
// top of the source's Recorder. Stopping observation is delayed so that
// listeners flapping on and off do not churn the source.
//
// A StatefulRecorder is owned by the controller goroutine. Delayed stops
// are handed back to that goroutine through schedule.
type StatefulRecorder struct {
	id        sensor.ID
	source    sensor.Recorder
	clock     clock.Clock
	stopDelay time.Duration
	schedule  func(func())
	logger    *slog.Logger

	observing     bool
	recording     bool
	sourceRunning bool
	recordedData  bool
	runID         string

	pendingStop    *clock.Timer
	stopGeneration uint64
}

func newStatefulRecorder(id sensor.ID, source sensor.Recorder, c clock.Clock, stopDelay time.Duration, schedule func(func()), logger *slog.Logger) *StatefulRecorder {
	return &StatefulRecorder{
		id:        id,
		source:    source,
		clock:     c,
		stopDelay: stopDelay,
		schedule:  schedule,
		logger:    logger.With("sensor_id", string(id)),
	}
}

func (sr *StatefulRecorder) ID() sensor.ID {
	return sr.id
}

func (sr *StatefulRecorder) State() RecorderState {
	switch {
	case sr.recording:
		return RecorderRecording
	case sr.observing:
		return RecorderObserving
	default:
		return RecorderIdle
	}
}

func (sr *StatefulRecorder) IsObserving() bool { return sr.observing }
func (sr *StatefulRecorder) IsRecording() bool { return sr.recording }

// IsStillRunning is true while observing or recording.
func (sr *StatefulRecorder) IsStillRunning() bool {
	return sr.observing || sr.recording
}

// HasRecordedData reports whether a sample arrived while recording since
// the last StartRecording.
func (sr *StatefulRecorder) HasRecordedData() bool {
	return sr.recordedData
}

func (sr *StatefulRecorder) ApplyOptions(opts sensor.Options) {
	if err := sr.source.ApplyOptions(opts); err != nil {
		sr.logger.Warn("Failed to apply sensor options", "error", err)
	}
}

func (sr *StatefulRecorder) StartObserving() {
	sr.cancelPendingStop()
	sr.observing = true
	sr.startSource()
}

// StopObserving schedules the source to stop after the stop delay unless
// observation or recording resumes first. A recording source keeps
// running.
func (sr *StatefulRecorder) StopObserving() {
	sr.observing = false
	if sr.recording {
		return
	}
	sr.scheduleStop()
}

// StartRecording moves to RECORDING. If the source rejects the command the
// failure is logged and the state is left unchanged.
func (sr *StatefulRecorder) StartRecording(runID string) {
	sr.cancelPendingStop()
	sr.startSource()
	if err := sr.source.StartRecording(runID); err != nil {
		sr.logger.Error("Sensor could not start recording", "run_id", runID, "error", err)
		if !sr.observing {
			sr.scheduleStop()
		}
		return
	}
	sr.recording = true
	sr.recordedData = false
	sr.runID = runID
}

// StopRecording ends the run. A nil trial discards it.
func (sr *StatefulRecorder) StopRecording(trial *experiment.Trial) {
	if !sr.recording {
		return
	}
	if err := sr.source.StopRecording(trial); err != nil {
		sr.logger.Error("Sensor could not stop recording", "run_id", sr.runID, "error", err)
	}
	sr.recording = false
	sr.runID = ""
	if !sr.observing {
		sr.scheduleStop()
	}
}

// NoteReading is called for every sample the source delivers.
func (sr *StatefulRecorder) NoteReading() {
	if sr.recording {
		sr.recordedData = true
	}
}

// Reboot cycles the source without changing the sub-state.
func (sr *StatefulRecorder) Reboot() {
	if !sr.sourceRunning {
		return
	}
	sr.logger.Info("Rebooting sensor")
	if err := sr.source.StopObserving(); err != nil {
		sr.logger.Warn("Sensor stop failed during reboot", "error", err)
	}
	if err := sr.source.StartObserving(); err != nil {
		sr.logger.Error("Sensor restart failed during reboot", "error", err)
		return
	}
	if sr.recording {
		if err := sr.source.StartRecording(sr.runID); err != nil {
			sr.logger.Error("Sensor could not resume recording after reboot", "run_id", sr.runID, "error", err)
		}
	}
}

func (sr *StatefulRecorder) startSource() {
	if sr.sourceRunning {
		return
	}
	if err := sr.source.StartObserving(); err != nil {
		sr.logger.Error("Sensor failed to start", "error", err)
		return
	}
	sr.sourceRunning = true
}

func (sr *StatefulRecorder) stopSource() {
	if !sr.sourceRunning {
		return
	}
	if err := sr.source.StopObserving(); err != nil {
		sr.logger.Warn("Sensor failed to stop", "error", err)
	}
	sr.sourceRunning = false
}

func (sr *StatefulRecorder) scheduleStop() {
	sr.cancelPendingStop()
	if sr.stopDelay <= 0 {
		sr.stopSource()
		return
	}

	gen := sr.stopGeneration
	sr.pendingStop = sr.clock.AfterFunc(sr.stopDelay, func() {
		sr.schedule(func() { sr.delayedStop(gen) })
	})
}

// cancelPendingStop invalidates any scheduled stop, including one whose
// timer already fired but has not yet reached the owner.
func (sr *StatefulRecorder) cancelPendingStop() {
	sr.stopGeneration++
	if sr.pendingStop != nil {
		sr.pendingStop.Stop()
		sr.pendingStop = nil
	}
}

func (sr *StatefulRecorder) delayedStop(gen uint64) {
	if gen != sr.stopGeneration || sr.observing || sr.recording {
		return
	}
	sr.pendingStop = nil
	sr.stopSource()
}

// shutdown stops the source immediately.
func (sr *StatefulRecorder) shutdown() {
	sr.cancelPendingStop()
	sr.observing = false
	sr.recording = false
	sr.stopSource()
}
