// Package trigger holds per-sensor rules that are evaluated against every
// sample and the decision function that says whether a rule fires.
package trigger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Action is what a trigger does when it fires.
type Action string

const (
	ActionStartRecording Action = "START_RECORDING"
	ActionStopRecording  Action = "STOP_RECORDING"
	ActionNote           Action = "NOTE"
	ActionAlert          Action = "ALERT"
)

// When is the predicate comparing a sample with the trigger threshold.
type When string

const (
	WhenAt         When = "AT"
	WhenRisesAbove When = "RISES_ABOVE"
	WhenDropsBelow When = "DROPS_BELOW"
	WhenAbove      When = "ABOVE"
	WhenBelow      When = "BELOW"
)

// AlertType is a subtype of an ALERT trigger.
type AlertType string

const (
	AlertAudio    AlertType = "AUDIO"
	AlertPhysical AlertType = "PHYSICAL"
	AlertVisual   AlertType = "VISUAL"
)

// Trigger is a rule attached to one sensor.
type Trigger struct {
	ID                string      `json:"id" yaml:"id"`
	SensorID          string      `json:"sensor_id" yaml:"sensor_id"`
	Action            Action      `json:"action" yaml:"action"`
	When              When        `json:"when" yaml:"when"`
	Threshold         float64     `json:"threshold" yaml:"threshold"`
	OnlyWhenRecording bool        `json:"only_when_recording" yaml:"only_when_recording"`
	AlertTypes        []AlertType `json:"alert_types,omitempty" yaml:"alert_types,omitempty"`
	NoteText          string      `json:"note_text,omitempty" yaml:"note_text,omitempty"`

	last    float64
	hasLast bool
}

// New builds a trigger with a fresh id after validating it.
func New(sensorID string, action Action, when When, threshold float64) (*Trigger, error) {
	t := &Trigger{
		ID:        uuid.NewString(),
		SensorID:  sensorID,
		Action:    action,
		When:      when,
		Threshold: threshold,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks that action, predicate and alert types are known.
func (t *Trigger) Validate() error {
	switch t.Action {
	case ActionStartRecording, ActionStopRecording, ActionNote, ActionAlert:
	default:
		return fmt.Errorf("unknown trigger action %q", t.Action)
	}
	switch t.When {
	case WhenAt, WhenRisesAbove, WhenDropsBelow, WhenAbove, WhenBelow:
	default:
		return fmt.Errorf("unknown trigger condition %q", t.When)
	}
	for _, a := range t.AlertTypes {
		switch a {
		case AlertAudio, AlertPhysical, AlertVisual:
		default:
			return fmt.Errorf("unknown alert type %q", a)
		}
	}
	return nil
}

// HasAlertType reports whether the trigger requests the given alert.
func (t *Trigger) HasAlertType(a AlertType) bool {
	for _, x := range t.AlertTypes {
		if x == a {
			return true
		}
	}
	return false
}

// IsTriggered evaluates the predicate for value. Edge predicates compare
// against the previous value seen by this trigger, so every call advances
// that state.
func (t *Trigger) IsTriggered(value float64) bool {
	prev, hadPrev := t.last, t.hasLast
	t.last, t.hasLast = value, true

	switch t.When {
	case WhenAt:
		if value == t.Threshold {
			return true
		}
		// A crossing between two samples counts as reaching the value.
		return hadPrev && (prev < t.Threshold) != (value < t.Threshold)
	case WhenRisesAbove:
		return hadPrev && prev <= t.Threshold && value > t.Threshold
	case WhenDropsBelow:
		return hadPrev && prev >= t.Threshold && value < t.Threshold
	case WhenAbove:
		return value > t.Threshold
	case WhenBelow:
		return value < t.Threshold
	}
	return false
}

// Reset forgets the previous value.
func (t *Trigger) Reset() {
	t.last, t.hasLast = 0, false
}

// Copy returns the trigger without its evaluation state.
func (t *Trigger) Copy() *Trigger {
	out := *t
	out.AlertTypes = append([]AlertType(nil), t.AlertTypes...)
	out.Reset()
	return &out
}

func (t *Trigger) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s when %s %s %g", t.Action, t.SensorID, strings.ToLower(string(t.When)), t.Threshold)
	if t.OnlyWhenRecording {
		b.WriteString(" (recording only)")
	}
	return b.String()
}
