package recorder

import (
	"sync"
	"time"
)

// State is the session-level recording state.
type State string

const (
	StateInactive State = "INACTIVE"
	StateStarting State = "STARTING"
	StateActive   State = "ACTIVE"
	StateStopping State = "STOPPING"
)

// RecordingMetadata describes the run in progress.
type RecordingMetadata struct {
	StartTime      time.Time `json:"start_time"`
	RunID          string    `json:"run_id"`
	ExperimentName string    `json:"experiment_name"`
}

// RecordingStatus is the value published to status watchers. ACTIVE and
// STOPPING always carry Recording; STARTING carries none.
type RecordingStatus struct {
	State         State              `json:"state"`
	Recording     *RecordingMetadata `json:"recording,omitempty"`
	UserInitiated bool               `json:"user_initiated"`
}

// Inactive is the status of a controller with no run.
var Inactive = RecordingStatus{State: StateInactive}

func activeStatus(meta RecordingMetadata, userInitiated bool) RecordingStatus {
	return RecordingStatus{State: StateActive, Recording: &meta, UserInitiated: userInitiated}
}

// IsRecording reports whether a run is in progress.
func (s RecordingStatus) IsRecording() bool {
	return s.Recording != nil
}

func (s RecordingStatus) withState(state State) RecordingStatus {
	s.State = state
	return s
}

func (s RecordingStatus) withStateAndOrigin(state State, userInitiated bool) RecordingStatus {
	s.State = state
	s.UserInitiated = userInitiated
	return s
}

// statusFeed holds the current status and delivers every change, in
// order, to each watcher. A new watcher first receives the current value.
type statusFeed struct {
	deliver sync.Mutex

	mu       sync.RWMutex
	current  RecordingStatus
	nextID   int
	watchers map[int]func(RecordingStatus)
	order    []int
}

func newStatusFeed() *statusFeed {
	return &statusFeed{current: Inactive, watchers: make(map[int]func(RecordingStatus))}
}

func (f *statusFeed) Value() RecordingStatus {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

func (f *statusFeed) Publish(s RecordingStatus) {
	f.deliver.Lock()
	defer f.deliver.Unlock()

	f.mu.Lock()
	f.current = s
	fns := f.snapshotLocked()
	f.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// Watch registers fn and returns a function that unregisters it.
func (f *statusFeed) Watch(fn func(RecordingStatus)) func() {
	f.deliver.Lock()
	defer f.deliver.Unlock()

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.watchers[id] = fn
	f.order = append(f.order, id)
	current := f.current
	f.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.watchers, id)
			for i, x := range f.order {
				if x == id {
					f.order = append(f.order[:i], f.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (f *statusFeed) snapshotLocked() []func(RecordingStatus) {
	out := make([]func(RecordingStatus), 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.watchers[id])
	}
	return out
}
