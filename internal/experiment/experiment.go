package experiment

import (
	"time"

	"github.com/google/uuid"
)

const untitledTitle = "Untitled experiment"

// Experiment groups the trials recorded for one investigation together
// with the labels attached to it outside of any trial.
type Experiment struct {
	ID        string    `json:"id" yaml:"id"`
	Title     string    `json:"title" yaml:"title"`
	Archived  bool      `json:"archived" yaml:"archived"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	Trials    []*Trial  `json:"trials" yaml:"trials"`
	Labels    []Label   `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// Trial is one bounded recording run. Its ID doubles as the run id handed
// to every sensor recorder.
type Trial struct {
	ID             string         `json:"id" yaml:"id"`
	Title          string         `json:"title,omitempty" yaml:"title,omitempty"`
	CreatedAt      time.Time      `json:"created_at" yaml:"created_at"`
	EndTime        time.Time      `json:"end_time,omitempty" yaml:"end_time,omitempty"`
	LayoutsAtStart []SensorLayout `json:"layouts_at_start,omitempty" yaml:"layouts_at_start,omitempty"`
	LayoutsAtStop  []SensorLayout `json:"layouts_at_stop,omitempty" yaml:"layouts_at_stop,omitempty"`
	Labels         []Label        `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// SensorLayout records how a sensor was presented when a trial started or
// stopped.
type SensorLayout struct {
	SensorID     string `json:"sensor_id" yaml:"sensor_id" cbor:"sensor_id"`
	CardView     string `json:"card_view" yaml:"card_view" cbor:"card_view"`
	AudioEnabled bool   `json:"audio_enabled" yaml:"audio_enabled" cbor:"audio_enabled"`
}

// LabelKind distinguishes the origin of a label.
type LabelKind string

const (
	LabelText          LabelKind = "TEXT"
	LabelSensorTrigger LabelKind = "SENSOR_TRIGGER"
	LabelSnapshot      LabelKind = "SNAPSHOT"
)

// Label is a timestamped note attached to an experiment or a trial.
type Label struct {
	ID            string    `json:"id" yaml:"id"`
	Timestamp     int64     `json:"timestamp" yaml:"timestamp"`
	Kind          LabelKind `json:"kind" yaml:"kind"`
	Text          string    `json:"text,omitempty" yaml:"text,omitempty"`
	TriggerID     string    `json:"trigger_id,omitempty" yaml:"trigger_id,omitempty"`
	TriggerAction string    `json:"trigger_action,omitempty" yaml:"trigger_action,omitempty"`
	SensorID      string    `json:"sensor_id,omitempty" yaml:"sensor_id,omitempty"`
	SensorName    string    `json:"sensor_name,omitempty" yaml:"sensor_name,omitempty"`
}

// New creates an empty experiment with a fresh id.
func New(title string, now time.Time) *Experiment {
	return &Experiment{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
	}
}

// NewTrial creates a trial starting at now with the given layouts.
func NewTrial(now time.Time, layouts []SensorLayout) *Trial {
	return &Trial{
		ID:             uuid.NewString(),
		CreatedAt:      now,
		LayoutsAtStart: append([]SensorLayout(nil), layouts...),
	}
}

// NewLabel creates a label with a fresh id.
func NewLabel(timestamp int64, kind LabelKind, text string) Label {
	return Label{
		ID:        uuid.NewString(),
		Timestamp: timestamp,
		Kind:      kind,
		Text:      text,
	}
}

// DisplayTitle returns the title shown to users, falling back to a generic
// name for untitled experiments.
func (e *Experiment) DisplayTitle() string {
	if e.Title == "" {
		return untitledTitle
	}
	return e.Title
}

func (e *Experiment) AddTrial(t *Trial) {
	e.Trials = append(e.Trials, t)
}

// RemoveTrial drops the trial with the given id and reports whether it was
// present.
func (e *Experiment) RemoveTrial(id string) bool {
	for i, t := range e.Trials {
		if t.ID == id {
			e.Trials = append(e.Trials[:i], e.Trials[i+1:]...)
			return true
		}
	}
	return false
}

// Trial returns the trial with the given id, or nil.
func (e *Experiment) Trial(id string) *Trial {
	if id == "" {
		return nil
	}
	for _, t := range e.Trials {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (e *Experiment) AddLabel(l Label) {
	e.Labels = append(e.Labels, l)
}

// Clone returns a deep copy safe to hand to another goroutine.
func (e *Experiment) Clone() *Experiment {
	if e == nil {
		return nil
	}
	out := *e
	out.Labels = append([]Label(nil), e.Labels...)
	out.Trials = make([]*Trial, len(e.Trials))
	for i, t := range e.Trials {
		out.Trials[i] = t.Clone()
	}
	return &out
}

func (t *Trial) AddLabel(l Label) {
	t.Labels = append(t.Labels, l)
}

// Ended reports whether the trial has an end time.
func (t *Trial) Ended() bool {
	return !t.EndTime.IsZero()
}

func (t *Trial) Clone() *Trial {
	if t == nil {
		return nil
	}
	out := *t
	out.LayoutsAtStart = append([]SensorLayout(nil), t.LayoutsAtStart...)
	out.LayoutsAtStop = append([]SensorLayout(nil), t.LayoutsAtStop...)
	out.Labels = append([]Label(nil), t.Labels...)
	return &out
}
