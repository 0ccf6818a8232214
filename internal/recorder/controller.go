package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/audiolibrelab/labcapture/internal/clock"
	"github.com/audiolibrelab/labcapture/internal/experiment"
	"github.com/audiolibrelab/labcapture/internal/sensor"
	"github.com/audiolibrelab/labcapture/internal/trigger"
)

// DefaultStopDelay is how long a sensor keeps running after its last
// observer leaves.
const DefaultStopDelay = 5 * time.Second

// Config wires a Controller to its collaborators. Sensors, Store and
// Binder are required.
type Config struct {
	Sensors         SensorRegistry
	Store           ExperimentStore
	Binder          SurfaceBinder
	History         SensorHistory
	Alerts          AlertSink
	Instrumentation Instrumentation
	Clock           clock.Clock
	StopDelay       time.Duration
	// ResumeIntent is handed to the surface so it can bring the user back
	// to the recording.
	ResumeIntent string
	Logger       *slog.Logger
}

type transition int

const (
	transitionNone transition = iota
	transitionStarting
	transitionStopping
	transitionDiscarding
)

func (t transition) String() string {
	switch t {
	case transitionStarting:
		return "starting"
	case transitionStopping:
		return "stopping"
	case transitionDiscarding:
		return "discarding"
	default:
		return "none"
	}
}

// SensorState describes one observed sensor.
type SensorState struct {
	ID        sensor.ID     `json:"id"`
	Name      string        `json:"name"`
	State     RecorderState `json:"state"`
	Source    sensor.Status `json:"source_status"`
	Listeners int           `json:"listeners"`
	HasData   bool          `json:"has_recorded_data"`
}

// Controller owns every observed sensor and the recording session. All of
// its state lives on a single goroutine; public methods hand closures to
// that goroutine and wait for them. Binding and persistence run on a
// separate worker and post their continuations back, so at most one
// session transition is ever in flight.
//
// Listener callbacks run on the controller goroutine and must not call
// back into the controller.
type Controller struct {
	sensors      SensorRegistry
	store        ExperimentStore
	binder       SurfaceBinder
	history      SensorHistory
	alerts       AlertSink
	instr        Instrumentation
	clock        clock.Clock
	stopDelay    time.Duration
	resumeIntent string
	logger       *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	mailbox   chan func()
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	io        *serialWorker
	status    *statusFeed

	// Owned by the run goroutine.
	registry         *ListenerRegistry
	recorders        map[sensor.ID]*StatefulRecorder
	order            []sensor.ID
	serviceObservers map[sensor.ID]Handle
	latest           map[sensor.ID]*sensor.Reading
	currentTrialID   string
	transition       transition
	pauseCount       int
	pauseConsumed    bool
	selected         *experiment.Experiment
	layoutSupplier   func() []experiment.SensorLayout
	foreground       bool

	triggerListeners     map[int]TriggerFiredListener
	nextTriggerListener  int
	labelListeners       map[int]LabelListener
	nextLabelListener    int
	observedIDListeners  map[string]ObservedIDsListener
	observedListenerKeys []string
}

// NewController starts a controller. Close releases it.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Sensors == nil {
		return nil, fmt.Errorf("recorder: sensor registry is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("recorder: experiment store is required")
	}
	if cfg.Binder == nil {
		return nil, fmt.Errorf("recorder: surface binder is required")
	}
	if cfg.History == nil {
		cfg.History = &memoryHistory{}
	}
	if cfg.Instrumentation == nil {
		cfg.Instrumentation = nopInstrumentation{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.StopDelay < 0 {
		cfg.StopDelay = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		sensors:      cfg.Sensors,
		store:        cfg.Store,
		binder:       cfg.Binder,
		history:      cfg.History,
		alerts:       cfg.Alerts,
		instr:        cfg.Instrumentation,
		clock:        cfg.Clock,
		stopDelay:    cfg.StopDelay,
		resumeIntent: cfg.ResumeIntent,
		logger:       cfg.Logger,

		ctx:     ctx,
		cancel:  cancel,
		mailbox: make(chan func(), 64),
		closed:  make(chan struct{}),
		io:      newSerialWorker(),
		status:  newStatusFeed(),

		registry:            NewListenerRegistry(),
		recorders:           make(map[sensor.ID]*StatefulRecorder),
		serviceObservers:    make(map[sensor.ID]Handle),
		latest:              make(map[sensor.ID]*sensor.Reading),
		pauseConsumed:       true,
		foreground:          true,
		triggerListeners:    make(map[int]TriggerFiredListener),
		labelListeners:      make(map[int]LabelListener),
		observedIDListeners: make(map[string]ObservedIDsListener),
	}

	c.wg.Add(2)
	go c.run()
	go func() {
		defer c.wg.Done()
		c.io.run(c.closed)
	}()
	return c, nil
}

// Close stops every sensor and the controller goroutines. In-flight
// transitions are abandoned. It must not be called from a listener.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.closed)
		c.wg.Wait()
	})
}

func (c *Controller) run() {
	defer c.wg.Done()
	for {
		select {
		case fn := <-c.mailbox:
			c.safeCall(fn)
		case <-c.closed:
			for _, id := range c.order {
				c.recorders[id].shutdown()
			}
			return
		}
	}
}

func (c *Controller) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Recorder controller task panicked", "panic", r)
		}
	}()
	fn()
}

// do runs fn on the controller goroutine and waits for it.
func (c *Controller) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}
	select {
	case c.mailbox <- task:
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-c.closed:
		return ErrClosed
	}
}

// post queues fn for the controller goroutine without waiting for it to
// run. It must not be called from the controller goroutine.
func (c *Controller) post(fn func()) {
	select {
	case c.mailbox <- fn:
	case <-c.closed:
	}
}

// await waits for the terminal step of a transition.
func (c *Controller) await(ctx context.Context, result <-chan error) error {
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrClosed
	}
}

// StartObserving registers observer and listener for id, creating the
// sensor's recorder on first use. triggers are evaluated against every
// sample in the order given; they only take effect for the first
// registration of a sensor.
func (c *Controller) StartObserving(ctx context.Context, id sensor.ID, triggers []*trigger.Trigger, observer sensor.Observer, listener sensor.StatusListener, opts sensor.Options) (Handle, error) {
	own := make([]*trigger.Trigger, len(triggers))
	for i, t := range triggers {
		own[i] = t.Copy()
	}

	var h Handle
	var err error
	if doErr := c.do(ctx, func() {
		h, err = c.startObserving(id, own, observer, listener, opts)
	}); doErr != nil {
		return Handle{}, doErr
	}
	return h, err
}

func (c *Controller) startObserving(id sensor.ID, triggers []*trigger.Trigger, observer sensor.Observer, listener sensor.StatusListener, opts sensor.Options) (Handle, error) {
	if sr, ok := c.recorders[id]; ok {
		h := c.registry.Register(id, observer, listener)
		c.startObservingRecorder(sr)
		c.addServiceObserverIfNeeded(id, triggers)
		return h, nil
	}

	source, ok := c.sensors.Source(id)
	if !ok {
		return Handle{}, fmt.Errorf("%w: %s", ErrUnknownSensor, id)
	}

	h := c.registry.Register(id, observer, listener)
	var sr *StatefulRecorder
	sink := func(r sensor.Reading) {
		_ = c.do(c.ctx, func() { c.onReading(id, sr, r) })
	}
	relay := statusRelay{c: c, current: func() bool { return sr != nil && c.recorders[id] == sr }}
	underlying, err := source.CreateRecorder(id, sink, relay, sensor.Environment{Clock: c.clock, Logger: c.logger})
	if err != nil {
		c.registry.Unregister(id, h)
		return Handle{}, fmt.Errorf("create recorder for %s: %w", id, err)
	}

	sr = newStatefulRecorder(id, underlying, c.clock, c.stopDelay, c.post, c.logger)
	if opts != nil {
		sr.ApplyOptions(opts)
	}
	c.recorders[id] = sr
	c.order = append(c.order, id)
	c.logger.Debug("Sensor recorder created", "sensor_id", string(id))

	c.addServiceObserverIfNeeded(id, triggers)
	c.startObservingRecorder(sr)
	return h, nil
}

func (c *Controller) startObservingRecorder(sr *StatefulRecorder) {
	sr.StartObserving()
	c.notifyObservedIDs()
}

// onReading handles a sample from the source behind sr. Samples from a
// recorder that has since been replaced are dropped.
func (c *Controller) onReading(id sensor.ID, sr *StatefulRecorder, r sensor.Reading) {
	if sr == nil || c.recorders[id] != sr {
		return
	}
	sr.NoteReading()
	c.registry.Route(id, r)
	c.instr.SampleRouted()
}

// StopObserving removes one registration. Once only the controller's own
// observer remains the sensor stops observing; it is forgotten entirely
// when it is neither observing nor recording.
func (c *Controller) StopObserving(ctx context.Context, id sensor.ID, h Handle) error {
	return c.do(ctx, func() { c.stopObserving(id, h) })
}

func (c *Controller) stopObserving(id sensor.ID, h Handle) {
	c.registry.Unregister(id, h)
	if c.registry.CountListeners(id) == 1 {
		c.stopObservingServiceObserver(id)
	}
	c.cleanUpUnusedRecorders()
	c.notifyObservedIDs()

	if len(c.recorders) == 0 {
		if err := c.history.SetMostRecentSensorIDs([]sensor.ID{id}); err != nil {
			c.logger.Warn("Failed to remember most recent sensor", "sensor_id", string(id), "error", err)
		}
	}
}

func (c *Controller) stopObservingServiceObserver(id sensor.ID) {
	sr, ok := c.recorders[id]
	if !ok {
		return
	}
	sr.StopObserving()
	if !sr.IsRecording() {
		c.removeServiceObserver(id)
	}
}

func (c *Controller) removeServiceObserver(id sensor.ID) {
	if h, ok := c.serviceObservers[id]; ok {
		c.registry.Unregister(id, h)
		delete(c.serviceObservers, id)
	}
	delete(c.latest, id)
}

// userListenerCount excludes the controller's own observer.
func (c *Controller) userListenerCount(id sensor.ID) int {
	n := c.registry.CountListeners(id)
	if _, ok := c.serviceObservers[id]; ok {
		n--
	}
	return n
}

// cleanUpUnusedRecorders forgets recorders that are neither running nor
// held by a caller's registration (as happens while paused). It reports
// whether anything was removed.
func (c *Controller) cleanUpUnusedRecorders() bool {
	removed := false
	kept := c.order[:0]
	for _, id := range c.order {
		sr := c.recorders[id]
		if sr.IsStillRunning() || c.userListenerCount(id) > 0 {
			kept = append(kept, id)
			continue
		}
		delete(c.recorders, id)
		c.removeServiceObserver(id)
		c.registry.Forget(id)
		removed = true
		c.logger.Debug("Sensor recorder removed", "sensor_id", string(id))
	}
	c.order = kept
	return removed
}

func (c *Controller) observedIDs() []sensor.ID {
	return append([]sensor.ID(nil), c.order...)
}

func (c *Controller) mostRecentObservedIDs() []sensor.ID {
	if len(c.order) > 0 {
		return c.observedIDs()
	}
	return c.history.MostRecentSensorIDs()
}

func (c *Controller) notifyObservedIDs() {
	c.instr.ObservedSensors(len(c.order))
	for _, key := range c.observedListenerKeys {
		c.observedIDListeners[key](c.observedIDs())
	}
}

// ApplyOptions forwards options to the sensor's source. Unknown sensors
// are ignored.
func (c *Controller) ApplyOptions(ctx context.Context, id sensor.ID, opts sensor.Options) error {
	return c.do(ctx, func() {
		if sr, ok := c.recorders[id]; ok {
			sr.ApplyOptions(opts)
		}
	})
}

// Reboot cycles the sensor's source, e.g. after an I/O error.
func (c *Controller) Reboot(ctx context.Context, id sensor.ID) error {
	return c.do(ctx, func() {
		if sr, ok := c.recorders[id]; ok {
			sr.Reboot()
		}
	})
}

// ClearSensorTriggers replaces the sensor's triggers with none.
func (c *Controller) ClearSensorTriggers(ctx context.Context, id sensor.ID) error {
	return c.do(ctx, func() {
		h, ok := c.serviceObservers[id]
		if !ok {
			return
		}
		delete(c.serviceObservers, id)
		c.registry.Unregister(id, h)
		c.addServiceObserverIfNeeded(id, nil)
	})
}

// Sensors describes every observed sensor in observation order.
func (c *Controller) Sensors(ctx context.Context) ([]SensorState, error) {
	var out []SensorState
	err := c.do(ctx, func() {
		out = make([]SensorState, 0, len(c.order))
		for _, id := range c.order {
			sr := c.recorders[id]
			out = append(out, SensorState{
				ID:        id,
				Name:      c.sensors.Spec(id).Name,
				State:     sr.State(),
				Source:    c.registry.SourceStatus(id),
				Listeners: c.userListenerCount(id),
				HasData:   sr.HasRecordedData(),
			})
		}
	})
	return out, err
}

// MostRecentObservedSensorIDs returns the observed sensors, or the
// remembered ones when nothing is observed.
func (c *Controller) MostRecentObservedSensorIDs(ctx context.Context) ([]sensor.ID, error) {
	var ids []sensor.ID
	err := c.do(ctx, func() { ids = c.mostRecentObservedIDs() })
	return ids, err
}

// AddObservedIDsListener registers l under key and immediately calls it
// with MostRecentObservedSensorIDs.
func (c *Controller) AddObservedIDsListener(ctx context.Context, key string, l ObservedIDsListener) error {
	return c.do(ctx, func() {
		if _, exists := c.observedIDListeners[key]; !exists {
			c.observedListenerKeys = append(c.observedListenerKeys, key)
		}
		c.observedIDListeners[key] = l
		l(c.mostRecentObservedIDs())
	})
}

func (c *Controller) RemoveObservedIDsListener(ctx context.Context, key string) error {
	return c.do(ctx, func() {
		if _, exists := c.observedIDListeners[key]; !exists {
			return
		}
		delete(c.observedIDListeners, key)
		c.observedListenerKeys = slices.DeleteFunc(c.observedListenerKeys, func(k string) bool { return k == key })
	})
}

func (c *Controller) AddTriggerFiredListener(ctx context.Context, l TriggerFiredListener) (int, error) {
	var id int
	err := c.do(ctx, func() {
		id = c.nextTriggerListener
		c.nextTriggerListener++
		c.triggerListeners[id] = l
	})
	return id, err
}

func (c *Controller) RemoveTriggerFiredListener(ctx context.Context, id int) error {
	return c.do(ctx, func() { delete(c.triggerListeners, id) })
}

// AddLabelListener registers l to hear about persisted trigger labels.
func (c *Controller) AddLabelListener(ctx context.Context, l LabelListener) (int, error) {
	var id int
	err := c.do(ctx, func() {
		id = c.nextLabelListener
		c.nextLabelListener++
		c.labelListeners[id] = l
	})
	return id, err
}

func (c *Controller) RemoveLabelListener(ctx context.Context, id int) error {
	return c.do(ctx, func() { delete(c.labelListeners, id) })
}

func (c *Controller) triggerListenersInOrder() []TriggerFiredListener {
	out := make([]TriggerFiredListener, 0, len(c.triggerListeners))
	for _, id := range sortedKeys(c.triggerListeners) {
		out = append(out, c.triggerListeners[id])
	}
	return out
}

func sortedKeys[V any](m map[int]V) []int {
	return slices.Sorted(maps.Keys(m))
}

func (c *Controller) SetSelectedExperiment(ctx context.Context, exp *experiment.Experiment) error {
	return c.do(ctx, func() { c.selected = exp })
}

// SelectedExperiment returns a copy of the selected experiment, or nil.
func (c *Controller) SelectedExperiment(ctx context.Context) (*experiment.Experiment, error) {
	var exp *experiment.Experiment
	err := c.do(ctx, func() { exp = c.selected.Clone() })
	return exp, err
}

// SetLayoutSupplier sets the function consulted for sensor layouts at the
// start and stop of every trial.
func (c *Controller) SetLayoutSupplier(ctx context.Context, fn func() []experiment.SensorLayout) error {
	return c.do(ctx, func() { c.layoutSupplier = fn })
}

// SetRecordActivityInForeground records whether the user is looking at the
// recording; a stop while in the background lets the surface discard
// itself.
func (c *Controller) SetRecordActivityInForeground(ctx context.Context, foreground bool) error {
	return c.do(ctx, func() { c.foreground = foreground })
}

func (c *Controller) buildLayouts() []experiment.SensorLayout {
	if c.layoutSupplier == nil {
		return nil
	}
	return c.layoutSupplier()
}

// TransitionInProgress reports whether a start, stop or discard is running.
func (c *Controller) TransitionInProgress(ctx context.Context) (bool, error) {
	var busy bool
	err := c.do(ctx, func() { busy = c.transition != transitionNone })
	return busy, err
}

// RecordingStatus returns the current status.
func (c *Controller) RecordingStatus() RecordingStatus {
	return c.status.Value()
}

// WatchRecordingStatus calls fn with the current status and then with every
// change, in publication order. The returned function stops the watch.
func (c *Controller) WatchRecordingStatus(fn func(RecordingStatus)) func() {
	return c.status.Watch(fn)
}

// Now returns the controller clock's current time.
func (c *Controller) Now() time.Time {
	return c.clock.Now()
}

func (c *Controller) isRecording() bool {
	return c.status.Value().IsRecording()
}

func (c *Controller) publish(s RecordingStatus) {
	c.status.Publish(s)
	c.instr.RecordingState(s.State)
}

// statusRelay hands source status updates to the controller goroutine.
// Updates from a recorder that has since been replaced are dropped.
type statusRelay struct {
	c       *Controller
	current func() bool
}

func (s statusRelay) OnSourceStatus(id sensor.ID, status sensor.Status) {
	_ = s.c.do(s.c.ctx, func() {
		if s.current() {
			s.c.registry.OnSourceStatus(id, status)
		}
	})
}

func (s statusRelay) OnSourceError(id sensor.ID, err error) {
	_ = s.c.do(s.c.ctx, func() {
		if !s.current() {
			return
		}
		s.c.logger.Warn("Sensor reported an error", "sensor_id", string(id), "error", err)
		s.c.registry.OnSourceError(id, err)
	})
}
