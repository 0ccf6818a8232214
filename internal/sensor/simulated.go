package sensor

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/labcapture/internal/clock"
	"github.com/audiolibrelab/labcapture/internal/experiment"
)

// Waveform selects the signal a simulated sensor produces.
type Waveform string

const (
	WaveformSine     Waveform = "sine"
	WaveformRamp     Waveform = "ramp"
	WaveformConstant Waveform = "constant"
)

// Option keys understood by simulated sensors.
const (
	OptionRateHz    = "rate_hz"
	OptionAmplitude = "amplitude"
	OptionOffset    = "offset"
	OptionPeriodMs  = "period_ms"
)

// NewSource creates a simulated source for the given waveform kind.
// An empty kind defaults to a sine wave.
func NewSource(kind string, defaults Options) (Source, error) {
	switch Waveform(strings.ToLower(kind)) {
	case WaveformSine, "":
		return &SimulatedSource{Waveform: WaveformSine, Defaults: defaults}, nil
	case WaveformRamp:
		return &SimulatedSource{Waveform: WaveformRamp, Defaults: defaults}, nil
	case WaveformConstant:
		return &SimulatedSource{Waveform: WaveformConstant, Defaults: defaults}, nil
	default:
		return nil, fmt.Errorf("unknown sensor kind %q (expected sine, ramp or constant)", kind)
	}
}

// SimulatedSource produces synthetic samples on a clock ticker.
type SimulatedSource struct {
	Waveform Waveform
	Defaults Options
}

func (s *SimulatedSource) CreateRecorder(id ID, sink SampleSink, status StatusListener, env Environment) (Recorder, error) {
	if sink == nil {
		return nil, fmt.Errorf("sensor %s: sample sink is required", id)
	}
	c := env.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &simulatedRecorder{
		id:       id,
		waveform: s.Waveform,
		sink:     sink,
		status:   status,
		clock:    c,
		logger:   logger.With("sensor_id", string(id)),
		rateHz:   10,
		amp:      1,
		periodMs: 10000,
	}
	r.applyLocked(s.Defaults)
	return r, nil
}

type simulatedRecorder struct {
	id       ID
	waveform Waveform
	sink     SampleSink
	status   StatusListener
	clock    clock.Clock
	logger   *slog.Logger

	mutex    sync.RWMutex
	rateHz   float64
	amp      float64
	offset   float64
	periodMs float64
	stopChan chan struct{}
	// done closes once the latest worker has reported DISCONNECTED.
	done     chan struct{}
	runID    string
}

func (r *simulatedRecorder) ApplyOptions(opts Options) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.applyLocked(opts)
	return nil
}

func (r *simulatedRecorder) applyLocked(opts Options) {
	if rate := opts.Float(OptionRateHz, r.rateHz); rate > 0 {
		r.rateHz = rate
	}
	r.amp = opts.Float(OptionAmplitude, r.amp)
	r.offset = opts.Float(OptionOffset, r.offset)
	if period := opts.Float(OptionPeriodMs, r.periodMs); period > 0 {
		r.periodMs = period
	}
}

// StartObserving launches the sampling goroutine. It returns without
// emitting anything; samples and status updates come from the worker.
func (r *simulatedRecorder) StartObserving() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.stopChan != nil {
		return nil
	}
	interval := time.Duration(float64(time.Second) / r.rateHz)
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := r.clock.NewTicker(interval)
	prev := r.done
	r.stopChan = make(chan struct{})
	r.done = make(chan struct{})
	go r.sampleWorker(ticker, r.stopChan, prev, r.done)

	r.logger.Debug("Simulated sensor started", "waveform", r.waveform, "interval", interval)
	return nil
}

// StopObserving signals the worker and returns without waiting for it,
// since the worker may be blocked delivering a sample to the caller. The
// worker reports DISCONNECTED on its way out.
func (r *simulatedRecorder) StopObserving() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.stopChan == nil {
		return nil
	}
	close(r.stopChan)
	r.stopChan = nil
	r.logger.Debug("Simulated sensor stopped")
	return nil
}

func (r *simulatedRecorder) StartRecording(runID string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.stopChan == nil {
		return fmt.Errorf("sensor %s is not running", r.id)
	}
	r.runID = runID
	r.logger.Info("Simulated sensor recording", "run_id", runID)
	return nil
}

func (r *simulatedRecorder) StopRecording(trial *experiment.Trial) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if trial == nil {
		r.logger.Info("Simulated sensor run discarded", "run_id", r.runID)
	} else {
		r.logger.Info("Simulated sensor run saved", "run_id", r.runID, "trial_id", trial.ID)
	}
	r.runID = ""
	return nil
}

// sampleWorker waits for the previous worker to finish so status reports
// of a restarted source stay in order.
func (r *simulatedRecorder) sampleWorker(ticker *clock.Ticker, stop <-chan struct{}, prev <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer r.report(StatusDisconnected)
	defer ticker.Stop()

	if prev != nil {
		<-prev
	}
	r.report(StatusConnected)

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			select {
			case <-stop:
				return
			default:
			}
			r.sink(Reading{Timestamp: now.UnixMilli(), Value: r.valueAt(now)})
		}
	}
}

func (r *simulatedRecorder) report(status Status) {
	if r.status != nil {
		r.status.OnSourceStatus(r.id, status)
	}
}

func (r *simulatedRecorder) valueAt(now time.Time) float64 {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	phase := math.Mod(float64(now.UnixMilli()), r.periodMs) / r.periodMs
	switch r.waveform {
	case WaveformRamp:
		return r.offset + r.amp*phase
	case WaveformConstant:
		return r.offset
	default:
		return r.offset + r.amp*math.Sin(2*math.Pi*phase)
	}
}
