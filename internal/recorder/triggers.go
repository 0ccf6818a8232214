package recorder

import (
	"math"

	"github.com/audiolibrelab/labcapture/internal/experiment"
	"github.com/audiolibrelab/labcapture/internal/sensor"
	"github.com/audiolibrelab/labcapture/internal/trigger"
)

// addServiceObserverIfNeeded registers the controller's own observer for
// id. It caches the latest value for snapshots and runs the triggers.
func (c *Controller) addServiceObserverIfNeeded(id sensor.ID, triggers []*trigger.Trigger) {
	if _, ok := c.latest[id]; !ok {
		c.latest[id] = nil
	}
	if _, ok := c.serviceObservers[id]; ok {
		return
	}
	observer := sensor.ObserverFunc(func(id sensor.ID, r sensor.Reading) {
		c.onServiceReading(id, r, triggers)
	})
	c.serviceObservers[id] = c.registry.Register(id, observer, nil)
}

func (c *Controller) onServiceReading(id sensor.ID, r sensor.Reading, triggers []*trigger.Trigger) {
	if math.IsNaN(r.Value) {
		return
	}
	reading := r
	c.latest[id] = &reading

	for _, t := range triggers {
		d := trigger.Evaluate(t, r.Value, c.triggerContext())
		if d.Fired {
			c.fireTrigger(id, t, d, r.Timestamp)
		}
	}
}

func (c *Controller) triggerContext() trigger.Context {
	return trigger.Context{
		Recording:            c.isRecording(),
		Active:               c.status.Value().State == StateActive,
		TransitionInProgress: c.transition != transitionNone,
		HasExperiment:        c.selected != nil,
	}
}

func (c *Controller) fireTrigger(id sensor.ID, t *trigger.Trigger, d trigger.Decision, timestamp int64) {
	c.logger.Debug("Trigger fired", "sensor_id", string(id), "trigger", t.String())
	listeners := c.triggerListenersInOrder()

	switch d.Action {
	case trigger.ActionStartRecording:
		for _, l := range listeners {
			l.OnRequestStartRecording()
		}
		c.startRecording(false, nil)
	case trigger.ActionStopRecording:
		for _, l := range listeners {
			l.OnRequestStopRecording()
		}
		c.stopRecording(nil)
	case trigger.ActionNote:
		c.addTriggerLabel(id, t, timestamp)
	case trigger.ActionAlert:
		if c.alerts != nil {
			for _, a := range d.Alerts {
				c.alerts.Alert(a, t)
			}
		}
	}

	c.instr.TriggerFired(t.Action)
	for _, l := range listeners {
		l.OnTriggerFired(t)
	}
}

// addTriggerLabel attaches a note to the running trial, or to the
// experiment when nothing is recording, and persists it.
func (c *Controller) addTriggerLabel(id sensor.ID, t *trigger.Trigger, timestamp int64) {
	exp := c.selected
	if exp == nil {
		return
	}

	label := experiment.NewLabel(timestamp, experiment.LabelSensorTrigger, t.NoteText)
	label.TriggerID = t.ID
	label.TriggerAction = string(t.Action)
	label.SensorID = string(id)
	label.SensorName = c.sensors.Spec(id).Name

	if trial := exp.Trial(c.currentTrialID); c.isRecording() && trial != nil {
		trial.AddLabel(label)
	} else {
		exp.AddLabel(label)
	}

	c.persist(exp.Clone(), func(err error) {
		if err != nil {
			c.logger.Warn("Failed to save trigger label", "label_id", label.ID, "error", err)
			return
		}
		for _, id := range sortedKeys(c.labelListeners) {
			c.labelListeners[id](label)
		}
	})
}
