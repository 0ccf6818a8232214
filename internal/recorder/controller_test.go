package recorder

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/labcapture/internal/experiment"
	"github.com/audiolibrelab/labcapture/internal/sensor"
	"github.com/audiolibrelab/labcapture/internal/trigger"
)

func TestRecordingLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	log := &statusLog{}
	defer h.c.WatchRecordingStatus(log.watch)()

	h.observe(t, "temp")
	h.src.emit("temp", 1, 20)
	h.selectExperiment(t)

	require.NoError(t, h.c.StartRecording(ctx, true))
	status := h.c.RecordingStatus()
	require.Equal(t, StateActive, status.State)
	require.True(t, status.UserInitiated)
	require.NotNil(t, status.Recording)
	require.Equal(t, "Boiling point", status.Recording.ExperimentName)
	require.Equal(t, testStart, status.Recording.StartTime)
	runID := status.Recording.RunID
	require.Equal(t, []string{runID}, h.src.recorder("temp").snapshot().runs)

	h.src.emit("temp", 2, 21)
	h.clock.Advance(30 * time.Second)
	require.NoError(t, h.c.StopRecording(ctx))

	require.Equal(t, []State{StateInactive, StateStarting, StateActive, StateStopping, StateInactive}, log.list())
	require.Equal(t, Inactive, h.c.RecordingStatus())

	updates, saves := h.store.written()
	require.Len(t, updates, 3)
	require.Equal(t, 1, saves)
	require.False(t, updates[0].Trial(runID).Ended())
	trial := updates[2].Trial(runID)
	require.NotNil(t, trial)
	require.Equal(t, testStart, trial.CreatedAt)
	require.Equal(t, testStart.Add(30*time.Second), trial.EndTime)

	calls := h.surface.history()
	require.Equal(t, []surfaceCall{
		{begin: true, name: "Boiling point"},
		{trialID: runID, experimentID: h.exp.ID, title: "Boiling point"},
	}, calls)

	rec := h.src.recorder("temp").snapshot()
	require.Len(t, rec.stopped, 1)
	require.Equal(t, runID, rec.stopped[0].ID)

	// The sensor is still observed after the run.
	ids, err := h.c.ObservedSensorIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []sensor.ID{"temp"}, ids)

	// Stopping again is a no-op.
	require.NoError(t, h.c.StopRecording(ctx))
	require.Len(t, log.list(), 5)
}

func TestStartFailsWithoutSensors(t *testing.T) {
	h := newHarness(t)
	h.selectExperiment(t)

	err := h.c.StartRecording(context.Background(), true)
	require.ErrorIs(t, err, ErrStartFailed)
	require.Equal(t, CodeStartFailed, ErrorCode(err))
	require.Equal(t, Inactive, h.c.RecordingStatus())
}

func TestStartFailsWhenSensorDisconnected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.selectExperiment(t)

	_, err := h.c.StartObserving(ctx, "temp", nil, nil, nil, nil)
	require.NoError(t, err)

	err = h.c.StartRecording(ctx, true)
	require.ErrorIs(t, err, ErrStartFailedDisconnected)
	require.Equal(t, CodeStartFailedDisconnected, ErrorCode(err))
	require.Equal(t, StateInactive, h.c.RecordingStatus().State)
}

func TestStartFailsWithoutExperiment(t *testing.T) {
	h := newHarness(t)
	log := &statusLog{}
	defer h.c.WatchRecordingStatus(log.watch)()
	h.observe(t, "temp")

	err := h.c.StartRecording(context.Background(), true)
	require.ErrorIs(t, err, ErrStartFailed)
	require.Equal(t, []State{StateInactive}, log.list())

	updates, _ := h.store.written()
	require.Empty(t, updates)
}

func TestStartPersistFailureRollsBack(t *testing.T) {
	h := newHarnessWithStore(t, &memoryStore{fail: func(int) error { return errDisk }})
	ctx := context.Background()
	log := &statusLog{}
	defer h.c.WatchRecordingStatus(log.watch)()
	h.observe(t, "temp")
	h.selectExperiment(t)

	err := h.c.StartRecording(ctx, true)
	require.ErrorIs(t, err, ErrStartFailed)
	require.ErrorIs(t, err, errDisk)
	require.Equal(t, CodeStartFailed, ErrorCode(err))
	require.Equal(t, []State{StateInactive, StateStarting, StateInactive}, log.list())

	busy, err := h.c.TransitionInProgress(ctx)
	require.NoError(t, err)
	require.False(t, busy)

	exp, err := h.c.SelectedExperiment(ctx)
	require.NoError(t, err)
	require.Empty(t, exp.Trials)
	require.Empty(t, h.src.recorder("temp").snapshot().runs)
	require.Empty(t, h.surface.history())
}

func TestStartBindFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.surface.bindErr = errDisk
	h.observe(t, "temp")
	h.selectExperiment(t)

	err := h.c.StartRecording(context.Background(), true)
	require.ErrorIs(t, err, ErrStartFailed)
	require.Equal(t, Inactive, h.c.RecordingStatus())
	updates, _ := h.store.written()
	require.Empty(t, updates)
}

func TestStopPersistFailureResetsSession(t *testing.T) {
	h := newHarnessWithStore(t, &memoryStore{fail: func(n int) error {
		if n >= 1 {
			return errDisk
		}
		return nil
	}})
	ctx := context.Background()
	h.observe(t, "temp")
	h.selectExperiment(t)

	require.NoError(t, h.c.StartRecording(ctx, true))
	h.src.emit("temp", 1, 20)

	err := h.c.StopRecording(ctx)
	require.ErrorIs(t, err, ErrFailedSaveRecording)
	require.ErrorIs(t, err, errDisk)
	require.Equal(t, CodeFailedSaveRecording, ErrorCode(err))
	require.Equal(t, Inactive, h.c.RecordingStatus())

	busy, err := h.c.TransitionInProgress(ctx)
	require.NoError(t, err)
	require.False(t, busy)
	require.Len(t, h.surface.history(), 1)
}

func TestStopRejectedWithoutData(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	log := &statusLog{}
	defer h.c.WatchRecordingStatus(log.watch)()
	h.observe(t, "temp")
	h.src.emit("temp", 1, 20)
	h.selectExperiment(t)

	require.NoError(t, h.c.StartRecording(ctx, true))
	err := h.c.StopRecording(ctx)
	require.ErrorIs(t, err, ErrStopFailedNoData)
	require.Equal(t, CodeStopFailedNoData, ErrorCode(err))
	require.Equal(t, StateActive, h.c.RecordingStatus().State)
	require.Equal(t, []State{StateInactive, StateStarting, StateActive, StateStopping, StateActive}, log.list())

	h.src.emit("temp", 2, 21)
	require.NoError(t, h.c.StopRecording(ctx))
	require.Equal(t, StateInactive, h.c.RecordingStatus().State)
}

func TestStopRejectedWhileLateSensorHasNoData(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.observe(t, "temp")
	h.selectExperiment(t)

	require.NoError(t, h.c.StartRecording(ctx, true))
	h.src.emit("temp", 1, 20)
	light := h.observe(t, "light")

	err := h.c.StopRecording(ctx)
	require.ErrorIs(t, err, ErrStopFailedNoData)
	require.Equal(t, StateActive, h.c.RecordingStatus().State)

	// Dropping the silent sensor lets the run end.
	require.NoError(t, h.c.StopObserving(ctx, "light", light))
	h.clock.Advance(time.Second)
	h.sync(t)
	require.NoError(t, h.c.StopRecording(ctx))
	require.Equal(t, StateInactive, h.c.RecordingStatus().State)
}

func TestStopRejectedWhenSensorDisconnected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.observe(t, "temp")
	h.selectExperiment(t)

	require.NoError(t, h.c.StartRecording(ctx, true))
	h.src.emit("temp", 1, 20)
	h.src.setStatus("temp", sensor.StatusDisconnected)

	err := h.c.StopRecording(ctx)
	require.ErrorIs(t, err, ErrStopFailedDisconnected)
	require.Equal(t, CodeStopFailedDisconnected, ErrorCode(err))
	require.Equal(t, StateActive, h.c.RecordingStatus().State)
	require.NotNil(t, h.c.RecordingStatus().Recording)
}

func TestTransitionGuardSpansStart(t *testing.T) {
	store := &memoryStore{gate: make(chan struct{})}
	h := newHarnessWithStore(t, store)
	ctx := context.Background()
	log := &statusLog{}
	defer h.c.WatchRecordingStatus(log.watch)()
	h.observe(t, "temp")
	h.selectExperiment(t)

	done := make(chan error, 1)
	go func() { done <- h.c.StartRecording(ctx, true) }()

	require.Eventually(t, func() bool {
		busy, err := h.c.TransitionInProgress(ctx)
		return err == nil && busy
	}, time.Second, time.Millisecond)
	require.Equal(t, StateStarting, h.c.RecordingStatus().State)

	// Everything else is ignored while the start is in flight.
	require.NoError(t, h.c.StartRecording(ctx, false))
	require.NoError(t, h.c.StopRecording(ctx))
	require.NoError(t, h.c.StopRecordingWithoutSaving(ctx))

	store.gate <- struct{}{}
	require.NoError(t, <-done)

	busy, err := h.c.TransitionInProgress(ctx)
	require.NoError(t, err)
	require.False(t, busy)
	require.Equal(t, []State{StateInactive, StateStarting, StateActive}, log.list())
	updates, _ := store.written()
	require.Len(t, updates, 1)
}

func TestDiscardPersistsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.observe(t, "temp")
	h.selectExperiment(t)

	require.NoError(t, h.c.StartRecording(ctx, true))
	h.src.emit("temp", 1, 20)
	require.NoError(t, h.c.StopRecordingWithoutSaving(ctx))
	require.Equal(t, Inactive, h.c.RecordingStatus())

	updates, saves := h.store.written()
	require.Len(t, updates, 1)
	require.Zero(t, saves)

	calls := h.surface.history()
	require.Len(t, calls, 2)
	require.Equal(t, surfaceCall{experimentID: h.exp.ID}, calls[1])

	rec := h.src.recorder("temp").snapshot()
	require.Equal(t, 1, rec.discards)
	require.Empty(t, rec.stopped)

	// Discarding again is a no-op.
	require.NoError(t, h.c.StopRecordingWithoutSaving(ctx))
	require.Len(t, h.surface.history(), 2)
}

func TestBackgroundStopLetsSurfaceDiscard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.observe(t, "temp")
	h.selectExperiment(t)
	require.NoError(t, h.c.SetRecordActivityInForeground(ctx, false))

	require.NoError(t, h.c.StartRecording(ctx, true))
	h.src.emit("temp", 1, 20)
	require.NoError(t, h.c.StopRecording(ctx))

	calls := h.surface.history()
	require.Len(t, calls, 2)
	require.True(t, calls[1].discardIfBackground)
}

func TestStartUnarchivesExperiment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.exp.Archived = true
	h.observe(t, "temp")
	h.selectExperiment(t)

	require.NoError(t, h.c.StartRecording(ctx, true))
	h.src.emit("temp", 1, 20)
	require.NoError(t, h.c.StopRecording(ctx))

	updates, _ := h.store.written()
	require.Len(t, updates, 4)
	require.True(t, updates[0].Archived)
	require.False(t, updates[1].Archived)
	require.False(t, updates[3].Archived)
}

func TestLayoutsRecordedAtStartAndStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.observe(t, "temp")
	h.selectExperiment(t)

	var mu sync.Mutex
	layouts := []experiment.SensorLayout{{SensorID: "temp", CardView: "graph"}}
	require.NoError(t, h.c.SetLayoutSupplier(ctx, func() []experiment.SensorLayout {
		mu.Lock()
		defer mu.Unlock()
		return append([]experiment.SensorLayout(nil), layouts...)
	}))

	require.NoError(t, h.c.StartRecording(ctx, true))
	runID := h.c.RecordingStatus().Recording.RunID
	mu.Lock()
	layouts = []experiment.SensorLayout{{SensorID: "temp", CardView: "meter", AudioEnabled: true}}
	mu.Unlock()
	h.src.emit("temp", 1, 20)
	require.NoError(t, h.c.StopRecording(ctx))

	updates, _ := h.store.written()
	trial := updates[len(updates)-1].Trial(runID)
	require.Equal(t, "graph", trial.LayoutsAtStart[0].CardView)
	require.Equal(t, "meter", trial.LayoutsAtStop[0].CardView)
}

func TestPauseAndResumeTokens(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.observe(t, "temp")

	ok, err := h.c.ResumeObservingAll(ctx, "0")
	require.NoError(t, err)
	require.False(t, ok)

	token, err := h.c.PauseObservingAll(ctx)
	require.NoError(t, err)
	require.Equal(t, "1", token)

	h.clock.Advance(time.Second)
	h.sync(t)
	rec := h.src.recorder("temp").snapshot()
	require.False(t, rec.running)
	require.Equal(t, 1, rec.stops)

	// Paused sensors are kept while a caller still holds them.
	states, err := h.c.Sensors(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, RecorderIdle, states[0].State)

	ok, err = h.c.ResumeObservingAll(ctx, "bogus")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = h.c.ResumeObservingAll(ctx, token)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, h.src.recorder("temp").snapshot().running)

	ok, err = h.c.ResumeObservingAll(ctx, token)
	require.NoError(t, err)
	require.False(t, ok)

	second, err := h.c.PauseObservingAll(ctx)
	require.NoError(t, err)
	ok, err = h.c.ResumeObservingAll(ctx, token)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = h.c.ResumeObservingAll(ctx, second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPauseAndResumePushObservedIDs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.observe(t, "temp")

	var mu sync.Mutex
	var seen [][]sensor.ID
	require.NoError(t, h.c.AddObservedIDsListener(ctx, "ui", func(ids []sensor.ID) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ids)
	}))

	token, err := h.c.PauseObservingAll(ctx)
	require.NoError(t, err)
	ok, err := h.c.ResumeObservingAll(ctx, token)
	require.NoError(t, err)
	require.True(t, ok)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, [][]sensor.ID{{"temp"}, {"temp"}, {"temp"}}, seen)
}

func TestPauseWhileRecordingKeepsSensorsRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.observe(t, "temp")
	h.selectExperiment(t)
	require.NoError(t, h.c.StartRecording(ctx, true))

	_, err := h.c.PauseObservingAll(ctx)
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	h.sync(t)

	rec := h.src.recorder("temp").snapshot()
	require.True(t, rec.running)
	require.Zero(t, rec.stops)
}

func TestSnapshotSkipsSensorsWithoutData(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.observe(t, "temp")
	h.observe(t, "light")
	h.src.emit("temp", 5, 21.5)
	h.src.emit("light", 6, math.NaN())

	report, err := h.c.GenerateSnapshot(ctx, []sensor.ID{"temp", "light", "ghost"})
	require.NoError(t, err)
	require.Len(t, report.Snapshots, 1)
	require.Equal(t, "Temperature", report.Snapshots[0].Sensor.Name)
	require.Equal(t, 21.5, report.Snapshots[0].Value)
	require.Equal(t, int64(5), report.Snapshots[0].Timestamp)

	text, err := h.c.SnapshotText(ctx, []sensor.ID{"temp"})
	require.NoError(t, err)
	require.Equal(t, "Temperature has value 21.5", text)

	text, err = h.c.SnapshotText(ctx, []sensor.ID{"light"})
	require.NoError(t, err)
	require.Equal(t, "No sensors observed", text)

	h.src.emit("light", 7, 300)
	text, err = h.c.SnapshotText(ctx, []sensor.ID{"temp", "light"})
	require.NoError(t, err)
	require.Equal(t, "Temperature has value 21.5, Light has value 300", text)
}

func TestOnlyWhenRecordingNoteTrigger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	note, err := trigger.New("temp", trigger.ActionNote, trigger.WhenAbove, 10)
	require.NoError(t, err)
	note.OnlyWhenRecording = true
	note.NoteText = "too hot"

	h.observe(t, "temp", note)
	h.selectExperiment(t)

	labels := make(chan experiment.Label, 4)
	_, err = h.c.AddLabelListener(ctx, func(l experiment.Label) { labels <- l })
	require.NoError(t, err)
	fired := &firedLog{}
	_, err = h.c.AddTriggerFiredListener(ctx, fired)
	require.NoError(t, err)

	h.src.emit("temp", 1, 20)
	require.Empty(t, fired.list())

	require.NoError(t, h.c.StartRecording(ctx, true))
	runID := h.c.RecordingStatus().Recording.RunID
	h.src.emit("temp", 2, 20)
	require.Equal(t, []string{"fired:NOTE"}, fired.list())

	select {
	case l := <-labels:
		require.Equal(t, "too hot", l.Text)
		require.Equal(t, experiment.LabelSensorTrigger, l.Kind)
		require.Equal(t, note.ID, l.TriggerID)
		require.Equal(t, "temp", l.SensorID)
		require.Equal(t, "Temperature", l.SensorName)
		require.Equal(t, int64(2), l.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("label listener was not called")
	}

	require.NoError(t, h.c.StopRecording(ctx))
	updates, _ := h.store.written()
	last := updates[len(updates)-1]
	require.Len(t, last.Trial(runID).Labels, 1)
	require.Empty(t, last.Labels)
}

func TestOnlyWhenRecordingTriggerSilentWhileStopping(t *testing.T) {
	store := &memoryStore{gate: make(chan struct{})}
	h := newHarnessWithStore(t, store)
	ctx := context.Background()

	note, err := trigger.New("temp", trigger.ActionNote, trigger.WhenAbove, 10)
	require.NoError(t, err)
	note.OnlyWhenRecording = true
	h.observe(t, "temp", note)
	h.selectExperiment(t)
	fired := &firedLog{}
	_, err = h.c.AddTriggerFiredListener(ctx, fired)
	require.NoError(t, err)

	started := make(chan error, 1)
	go func() { started <- h.c.StartRecording(ctx, true) }()
	store.gate <- struct{}{}
	require.NoError(t, <-started)
	h.src.emit("temp", 1, 5)

	stopped := make(chan error, 1)
	go func() { stopped <- h.c.StopRecording(ctx) }()
	require.Eventually(t, func() bool {
		return h.c.RecordingStatus().State == StateStopping
	}, time.Second, time.Millisecond)

	h.src.emit("temp", 2, 20)
	require.Empty(t, fired.list())

	// One update ends the trial and one saves the completed experiment.
	store.gate <- struct{}{}
	store.gate <- struct{}{}
	require.NoError(t, <-stopped)
	require.Empty(t, fired.list())
}

func TestNoteTriggerLabelsExperimentWhenIdle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	note, err := trigger.New("temp", trigger.ActionNote, trigger.WhenRisesAbove, 10)
	require.NoError(t, err)
	h.observe(t, "temp", note)
	h.selectExperiment(t)

	labels := make(chan experiment.Label, 4)
	_, err = h.c.AddLabelListener(ctx, func(l experiment.Label) { labels <- l })
	require.NoError(t, err)

	h.src.emit("temp", 1, 5)
	h.src.emit("temp", 2, 15)
	h.src.emit("temp", 3, 20)

	select {
	case <-labels:
	case <-time.After(time.Second):
		t.Fatal("label listener was not called")
	}

	exp, err := h.c.SelectedExperiment(ctx)
	require.NoError(t, err)
	require.Len(t, exp.Labels, 1)
}

func TestStartAndStopTriggers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	start, err := trigger.New("temp", trigger.ActionStartRecording, trigger.WhenRisesAbove, 50)
	require.NoError(t, err)
	stop, err := trigger.New("temp", trigger.ActionStopRecording, trigger.WhenDropsBelow, 40)
	require.NoError(t, err)

	h.observe(t, "temp", start, stop)
	h.selectExperiment(t)
	fired := &firedLog{}
	_, err = h.c.AddTriggerFiredListener(ctx, fired)
	require.NoError(t, err)

	h.src.emit("temp", 1, 45)
	h.src.emit("temp", 2, 60)
	require.Eventually(t, func() bool {
		return h.c.RecordingStatus().State == StateActive
	}, time.Second, time.Millisecond)
	require.False(t, h.c.RecordingStatus().UserInitiated)
	require.Equal(t, []string{"request-start", "fired:START_RECORDING"}, fired.list())

	h.src.emit("temp", 3, 61)
	h.src.emit("temp", 4, 30)
	require.Eventually(t, func() bool {
		busy, err := h.c.TransitionInProgress(ctx)
		return err == nil && !busy && h.c.RecordingStatus().State == StateInactive
	}, time.Second, time.Millisecond)
	require.Equal(t, []string{
		"request-start", "fired:START_RECORDING",
		"request-stop", "fired:STOP_RECORDING",
	}, fired.list())
}

func TestStartTriggerNeedsExperiment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	start, err := trigger.New("temp", trigger.ActionStartRecording, trigger.WhenAbove, 50)
	require.NoError(t, err)
	h.observe(t, "temp", start)
	fired := &firedLog{}
	_, err = h.c.AddTriggerFiredListener(ctx, fired)
	require.NoError(t, err)

	h.src.emit("temp", 1, 60)
	require.Empty(t, fired.list())
	require.Equal(t, Inactive, h.c.RecordingStatus())
}

func TestAlertTriggerDispatchesAudibleAlerts(t *testing.T) {
	h := newHarness(t)

	alert, err := trigger.New("temp", trigger.ActionAlert, trigger.WhenAbove, 50)
	require.NoError(t, err)
	alert.AlertTypes = []trigger.AlertType{trigger.AlertVisual, trigger.AlertAudio, trigger.AlertPhysical}
	h.observe(t, "temp", alert)

	h.src.emit("temp", 1, 60)
	h.alerts.mu.Lock()
	defer h.alerts.mu.Unlock()
	require.Equal(t, []trigger.AlertType{trigger.AlertAudio, trigger.AlertPhysical}, h.alerts.kinds)
}

func TestClearSensorTriggers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alert, err := trigger.New("temp", trigger.ActionAlert, trigger.WhenAbove, 50)
	require.NoError(t, err)
	alert.AlertTypes = []trigger.AlertType{trigger.AlertAudio}
	h.observe(t, "temp", alert)
	h.src.emit("temp", 1, 60)

	require.NoError(t, h.c.ClearSensorTriggers(ctx, "temp"))
	h.src.emit("temp", 2, 70)

	h.alerts.mu.Lock()
	require.Len(t, h.alerts.kinds, 1)
	h.alerts.mu.Unlock()

	text, err := h.c.SnapshotText(ctx, []sensor.ID{"temp"})
	require.NoError(t, err)
	require.Equal(t, "Temperature has value 70", text)
}

func TestObservedIDsAndHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.history.SetMostRecentSensorIDs([]sensor.ID{"light"}))

	var mu sync.Mutex
	var seen [][]sensor.ID
	require.NoError(t, h.c.AddObservedIDsListener(ctx, "ui", func(ids []sensor.ID) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ids)
	}))

	handle := h.observe(t, "temp")
	require.NoError(t, h.c.StopObserving(ctx, "temp", handle))

	ids, err := h.c.MostRecentObservedSensorIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []sensor.ID{"temp"}, ids)

	mu.Lock()
	require.Equal(t, [][]sensor.ID{{"light"}, {"temp"}, nil}, seen)
	mu.Unlock()

	// The source keeps running until the stop delay passes.
	require.True(t, h.src.recorder("temp").snapshot().running)
	h.clock.Advance(time.Second)
	h.sync(t)
	require.False(t, h.src.recorder("temp").snapshot().running)

	require.NoError(t, h.c.RemoveObservedIDsListener(ctx, "ui"))
	h.observe(t, "light")
	mu.Lock()
	require.Len(t, seen, 3)
	mu.Unlock()
}

func TestSharedSensorStopsWithLastObserver(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.observe(t, "temp")
	second := h.observe(t, "temp")
	require.Equal(t, 1, h.src.recorder("temp").snapshot().starts)

	require.NoError(t, h.c.StopObserving(ctx, "temp", first))
	states, err := h.c.Sensors(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, RecorderObserving, states[0].State)
	require.Equal(t, 1, states[0].Listeners)

	// A stale handle changes nothing.
	require.NoError(t, h.c.StopObserving(ctx, "temp", first))
	states, err = h.c.Sensors(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)

	require.NoError(t, h.c.StopObserving(ctx, "temp", second))
	states, err = h.c.Sensors(ctx)
	require.NoError(t, err)
	require.Empty(t, states)
}

func TestRecordingOutlivesObservers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	handle := h.observe(t, "temp")
	h.selectExperiment(t)

	require.NoError(t, h.c.StartRecording(ctx, true))
	require.NoError(t, h.c.StopObserving(ctx, "temp", handle))
	h.clock.Advance(time.Minute)
	h.sync(t)

	states, err := h.c.Sensors(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, RecorderRecording, states[0].State)

	h.src.emit("temp", 1, 20)
	require.NoError(t, h.c.StopRecording(ctx))

	// Nobody holds the sensor any more, so it goes with the run.
	states, err = h.c.Sensors(ctx)
	require.NoError(t, err)
	require.Empty(t, states)
}

func TestUnknownSensor(t *testing.T) {
	h := newHarness(t)
	_, err := h.c.StartObserving(context.Background(), "ghost", nil, nil, nil, nil)
	require.ErrorIs(t, err, ErrUnknownSensor)
}

func TestClosedControllerRejectsCalls(t *testing.T) {
	h := newHarness(t)
	h.c.Close()

	require.ErrorIs(t, h.c.StartRecording(context.Background(), true), ErrClosed)
	_, err := h.c.StartObserving(context.Background(), "temp", nil, nil, nil, nil)
	require.ErrorIs(t, err, ErrClosed)
}
