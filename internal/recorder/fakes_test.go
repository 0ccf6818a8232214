package recorder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/labcapture/internal/clock"
	"github.com/audiolibrelab/labcapture/internal/experiment"
	"github.com/audiolibrelab/labcapture/internal/sensor"
	"github.com/audiolibrelab/labcapture/internal/trigger"
)

// manualSource lets a test push samples and status changes by hand.
type manualSource struct {
	mu        sync.Mutex
	sinks     map[sensor.ID]sensor.SampleSink
	status    map[sensor.ID]sensor.StatusListener
	recorders map[sensor.ID]*manualRecorder
}

func newManualSource() *manualSource {
	return &manualSource{
		sinks:     make(map[sensor.ID]sensor.SampleSink),
		status:    make(map[sensor.ID]sensor.StatusListener),
		recorders: make(map[sensor.ID]*manualRecorder),
	}
}

func (s *manualSource) CreateRecorder(id sensor.ID, sink sensor.SampleSink, status sensor.StatusListener, _ sensor.Environment) (sensor.Recorder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &manualRecorder{}
	s.sinks[id] = sink
	s.status[id] = status
	s.recorders[id] = r
	return r, nil
}

func (s *manualSource) emit(id sensor.ID, ts int64, value float64) {
	s.mu.Lock()
	sink := s.sinks[id]
	s.mu.Unlock()
	sink(sensor.Reading{Timestamp: ts, Value: value})
}

func (s *manualSource) setStatus(id sensor.ID, status sensor.Status) {
	s.mu.Lock()
	l := s.status[id]
	s.mu.Unlock()
	l.OnSourceStatus(id, status)
}

func (s *manualSource) recorder(id sensor.ID) *manualRecorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recorders[id]
}

type manualRecorder struct {
	mu       sync.Mutex
	running  bool
	starts   int
	stops    int
	runs     []string
	stopped  []*experiment.Trial
	discards int
}

func (r *manualRecorder) ApplyOptions(sensor.Options) error { return nil }

func (r *manualRecorder) StartObserving() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = true
	r.starts++
	return nil
}

func (r *manualRecorder) StopObserving() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
	r.stops++
	return nil
}

func (r *manualRecorder) StartRecording(runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, runID)
	return nil
}

func (r *manualRecorder) StopRecording(t *experiment.Trial) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t == nil {
		r.discards++
		return nil
	}
	r.stopped = append(r.stopped, t)
	return nil
}

func (r *manualRecorder) snapshot() manualRecorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return manualRecorder{
		running:  r.running,
		starts:   r.starts,
		stops:    r.stops,
		runs:     append([]string(nil), r.runs...),
		stopped:  append([]*experiment.Trial(nil), r.stopped...),
		discards: r.discards,
	}
}

type memoryStore struct {
	mu      sync.Mutex
	updates []*experiment.Experiment
	saves   int
	// fail, when set, decides the result of each update by its index.
	fail func(n int) error
	// gate, when set, blocks every update until it receives.
	gate chan struct{}
}

func (s *memoryStore) UpdateExperiment(_ context.Context, exp *experiment.Experiment) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.updates)
	s.updates = append(s.updates, exp)
	if s.fail != nil {
		return s.fail(n)
	}
	return nil
}

func (s *memoryStore) SaveImmediately(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	return nil
}

func (s *memoryStore) written() ([]*experiment.Experiment, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*experiment.Experiment(nil), s.updates...), s.saves
}

type surfaceCall struct {
	begin               bool
	name                string
	discardIfBackground bool
	trialID             string
	experimentID        string
	title               string
}

type recordingSurface struct {
	mu      sync.Mutex
	calls   []surfaceCall
	bindErr error
}

func (s *recordingSurface) Bind(context.Context) (Surface, error) {
	if s.bindErr != nil {
		return nil, s.bindErr
	}
	return s, nil
}

func (s *recordingSurface) BeginRecording(name, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, surfaceCall{begin: true, name: name})
	return nil
}

func (s *recordingSurface) EndRecording(discardIfBackground bool, trialID, experimentID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, surfaceCall{
		discardIfBackground: discardIfBackground,
		trialID:             trialID,
		experimentID:        experimentID,
		title:               title,
	})
	return nil
}

func (s *recordingSurface) history() []surfaceCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]surfaceCall(nil), s.calls...)
}

type alertLog struct {
	mu    sync.Mutex
	kinds []trigger.AlertType
}

func (a *alertLog) Alert(kind trigger.AlertType, _ *trigger.Trigger) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.kinds = append(a.kinds, kind)
}

type firedLog struct {
	mu     sync.Mutex
	events []string
}

func (f *firedLog) add(e string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *firedLog) OnRequestStartRecording() { f.add("request-start") }
func (f *firedLog) OnRequestStopRecording() { f.add("request-stop") }
func (f *firedLog) OnTriggerFired(t *trigger.Trigger) { f.add("fired:" + string(t.Action)) }

func (f *firedLog) list() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

type statusLog struct {
	mu     sync.Mutex
	states []State
}

func (l *statusLog) watch(s RecordingStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s.State)
}

func (l *statusLog) list() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

type harness struct {
	c       *Controller
	src     *manualSource
	store   *memoryStore
	surface *recordingSurface
	clock   *clock.FakeClock
	alerts  *alertLog
	history *memoryHistory
	exp     *experiment.Experiment
}

var testStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, &memoryStore{})
}

func newHarnessWithStore(t *testing.T, store *memoryStore) *harness {
	t.Helper()

	src := newManualSource()
	reg := sensor.NewRegistry()
	require.NoError(t, reg.Add(sensor.Spec{ID: "temp", Name: "Temperature", Kind: "manual", Units: "C"}, src))
	require.NoError(t, reg.Add(sensor.Spec{ID: "light", Name: "Light", Kind: "manual", Units: "lx"}, src))

	h := &harness{
		src:     src,
		store:   store,
		surface: &recordingSurface{},
		clock:   clock.Fake(testStart),
		alerts:  &alertLog{},
		history: &memoryHistory{},
		exp:     experiment.New("Boiling point", testStart),
	}

	c, err := NewController(Config{
		Sensors:   reg,
		Store:     h.store,
		Binder:    h.surface,
		History:   h.history,
		Alerts:    h.alerts,
		Clock:     h.clock,
		StopDelay: time.Second,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	h.c = c
	return h
}

// observe registers a no-op observer on id and reports it connected.
func (h *harness) observe(t *testing.T, id sensor.ID, triggers ...*trigger.Trigger) Handle {
	t.Helper()
	handle, err := h.c.StartObserving(context.Background(), id, triggers, sensor.ObserverFunc(func(sensor.ID, sensor.Reading) {}), nil, nil)
	require.NoError(t, err)
	h.src.setStatus(id, sensor.StatusConnected)
	return handle
}

func (h *harness) selectExperiment(t *testing.T) {
	t.Helper()
	require.NoError(t, h.c.SetSelectedExperiment(context.Background(), h.exp))
}

// sync waits for everything already queued on the controller goroutine.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	_, err := h.c.TransitionInProgress(context.Background())
	require.NoError(t, err)
}

var errDisk = errors.New("disk full")
