package recorder

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/audiolibrelab/labcapture/internal/sensor"
)

// Handle identifies one (observer, status listener) registration. The
// zero Handle is never issued.
type Handle struct {
	index      uint32
	generation uint32
}

func (h Handle) IsZero() bool {
	return h.generation == 0
}

func (h Handle) String() string {
	return fmt.Sprintf("%d.%d", h.index, h.generation)
}

// ParseHandle is the inverse of Handle.String.
func ParseHandle(s string) (Handle, error) {
	idx, gen, ok := strings.Cut(s, ".")
	if !ok {
		return Handle{}, fmt.Errorf("invalid handle %q", s)
	}
	i, err := strconv.ParseUint(idx, 10, 32)
	if err != nil {
		return Handle{}, fmt.Errorf("invalid handle %q: %w", s, err)
	}
	g, err := strconv.ParseUint(gen, 10, 32)
	if err != nil || g == 0 {
		return Handle{}, fmt.Errorf("invalid handle %q", s)
	}
	return Handle{index: uint32(i), generation: uint32(g)}, nil
}

type slot struct {
	generation uint32
	used       bool
	id         sensor.ID
	observer   sensor.Observer
	listener   sensor.StatusListener
}

type sourceState struct {
	status   sensor.Status
	hasError bool
}

// ListenerRegistry maps sensors to their observers in a slot table. It is
// not safe for concurrent use; the controller goroutine owns it.
type ListenerRegistry struct {
	slots   []slot
	free    []uint32
	byID    map[sensor.ID][]uint32
	sources map[sensor.ID]sourceState
}

func NewListenerRegistry() *ListenerRegistry {
	return &ListenerRegistry{
		byID:    make(map[sensor.ID][]uint32),
		sources: make(map[sensor.ID]sourceState),
	}
}

// Register adds an observer and status listener for id. Either may be nil.
func (r *ListenerRegistry) Register(id sensor.ID, observer sensor.Observer, listener sensor.StatusListener) Handle {
	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		idx = uint32(len(r.slots))
		r.slots = append(r.slots, slot{generation: 1})
	}

	s := &r.slots[idx]
	s.used = true
	s.id = id
	s.observer = observer
	s.listener = listener
	r.byID[id] = append(r.byID[id], idx)

	return Handle{index: idx, generation: s.generation}
}

// Unregister removes the registration. Unknown or stale handles are
// ignored, as are handles registered under a different id.
func (r *ListenerRegistry) Unregister(id sensor.ID, h Handle) {
	if h.IsZero() || int(h.index) >= len(r.slots) {
		return
	}
	s := &r.slots[h.index]
	if !s.used || s.generation != h.generation || s.id != id {
		return
	}

	order := r.byID[id]
	for i, idx := range order {
		if idx == h.index {
			order = append(order[:i], order[i+1:]...)
			break
		}
	}
	if len(order) == 0 {
		delete(r.byID, id)
	} else {
		r.byID[id] = order
	}

	*s = slot{generation: s.generation + 1}
	r.free = append(r.free, h.index)
}

func (r *ListenerRegistry) CountListeners(id sensor.ID) int {
	return len(r.byID[id])
}

// Route delivers r to every observer of id in registration order.
func (r *ListenerRegistry) Route(id sensor.ID, reading sensor.Reading) {
	for _, obs := range r.observers(id) {
		obs.OnReading(id, reading)
	}
}

// observers snapshots the observer list so callbacks may unregister.
func (r *ListenerRegistry) observers(id sensor.ID) []sensor.Observer {
	order := r.byID[id]
	if len(order) == 0 {
		return nil
	}
	out := make([]sensor.Observer, 0, len(order))
	for _, idx := range order {
		if obs := r.slots[idx].observer; obs != nil {
			out = append(out, obs)
		}
	}
	return out
}

func (r *ListenerRegistry) listeners(id sensor.ID) []sensor.StatusListener {
	var out []sensor.StatusListener
	for _, idx := range r.byID[id] {
		if l := r.slots[idx].listener; l != nil {
			out = append(out, l)
		}
	}
	return out
}

// OnSourceStatus records the source status and forwards it to listeners.
func (r *ListenerRegistry) OnSourceStatus(id sensor.ID, status sensor.Status) {
	st := r.sources[id]
	st.status = status
	if status == sensor.StatusConnected {
		st.hasError = false
	}
	r.sources[id] = st

	for _, l := range r.listeners(id) {
		l.OnSourceStatus(id, status)
	}
}

// OnSourceError marks the source as failed until it reports CONNECTED
// again, and forwards the error to listeners.
func (r *ListenerRegistry) OnSourceError(id sensor.ID, err error) {
	st := r.sources[id]
	st.hasError = true
	r.sources[id] = st

	for _, l := range r.listeners(id) {
		l.OnSourceError(id, err)
	}
}

// SourceConnectedWithoutError is true iff the last status reported for id
// was CONNECTED and no error followed it.
func (r *ListenerRegistry) SourceConnectedWithoutError(id sensor.ID) bool {
	st, ok := r.sources[id]
	return ok && st.status == sensor.StatusConnected && !st.hasError
}

// SourceStatus returns the last status reported for id.
func (r *ListenerRegistry) SourceStatus(id sensor.ID) sensor.Status {
	if st, ok := r.sources[id]; ok {
		return st.status
	}
	return sensor.StatusDisconnected
}

// Forget drops the stored source status for id.
func (r *ListenerRegistry) Forget(id sensor.ID) {
	delete(r.sources, id)
}
