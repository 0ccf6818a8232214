package trigger

// Context is the controller state a decision depends on.
type Context struct {
	// Recording is true while a run exists, including while it stops.
	Recording bool
	// Active is true only while the run is ACTIVE.
	Active    bool

	TransitionInProgress bool
	HasExperiment        bool
}

// Decision is the outcome for one trigger and one sample.
type Decision struct {
	Action Action
	// Fired is true only when the action actually executes. Suppressed
	// actions are never reported to trigger-fired listeners.
	Fired bool
	// Alerts lists the alert subtypes to dispatch for an ALERT trigger.
	Alerts []AlertType
}

// Evaluate applies the recording-only filter, then the predicate, then
// Decide. Filtered samples do not advance edge state.
func Evaluate(t *Trigger, value float64, ctx Context) Decision {
	if t.OnlyWhenRecording && !ctx.Active {
		return Decision{Action: t.Action}
	}
	if !t.IsTriggered(value) {
		return Decision{Action: t.Action}
	}
	return Decide(t, ctx)
}

// Decide returns what a trigger whose predicate matched should do given
// the controller state. It has no side effects.
func Decide(t *Trigger, ctx Context) Decision {
	d := Decision{Action: t.Action}
	if t.OnlyWhenRecording && !ctx.Active {
		return d
	}

	switch t.Action {
	case ActionStartRecording:
		d.Fired = !ctx.Recording && ctx.HasExperiment && !ctx.TransitionInProgress
	case ActionStopRecording:
		d.Fired = ctx.Recording && !ctx.TransitionInProgress
	case ActionNote:
		d.Fired = true
	case ActionAlert:
		d.Fired = len(t.AlertTypes) > 0
		for _, a := range t.AlertTypes {
			// Visual alerts are rendered by the UI layer.
			if a == AlertAudio || a == AlertPhysical {
				d.Alerts = append(d.Alerts, a)
			}
		}
	}
	return d
}
