package recorder

import (
	"context"
	"fmt"
	"strconv"

	"github.com/audiolibrelab/labcapture/internal/experiment"
	"github.com/audiolibrelab/labcapture/internal/sensor"
)

// StartRecording begins a trial in the selected experiment on every
// observed sensor. It returns once the start has finished or failed; a
// call while recording or while another transition runs does nothing.
func (c *Controller) StartRecording(ctx context.Context, userInitiated bool) error {
	result := make(chan error, 1)
	if err := c.do(ctx, func() {
		c.startRecording(userInitiated, func(err error) { result <- err })
	}); err != nil {
		return err
	}
	return c.await(ctx, result)
}

// StopRecording ends and saves the current trial. It returns once the
// surface has been told the recording ended.
func (c *Controller) StopRecording(ctx context.Context) error {
	result := make(chan error, 1)
	if err := c.do(ctx, func() {
		c.stopRecording(func(err error) { result <- err })
	}); err != nil {
		return err
	}
	return c.await(ctx, result)
}

// StopRecordingWithoutSaving abandons the current trial. Nothing about it
// is persisted.
func (c *Controller) StopRecordingWithoutSaving(ctx context.Context) error {
	result := make(chan error, 1)
	if err := c.do(ctx, func() {
		c.stopRecordingWithoutSaving(func(err error) { result <- err })
	}); err != nil {
		return err
	}
	return c.await(ctx, result)
}

func respond(reply func(error), err error) {
	if reply != nil {
		reply(err)
	}
}

// finish reports the terminal step of a transition. reply is nil when a
// trigger asked for the transition.
func (c *Controller) finish(kind string, reply func(error), err error) {
	c.instr.TransitionFinished(kind, err)
	if err != nil {
		c.logger.Warn("Recording transition failed", "transition", kind, "error", err, "code", ErrorCode(err))
	}
	respond(reply, err)
}

// bindSurface binds on the worker and continues on the controller
// goroutine.
func (c *Controller) bindSurface(cont func(Surface, error)) {
	c.io.submit(func() {
		surface, err := c.binder.Bind(c.ctx)
		c.post(func() { cont(surface, err) })
	})
}

// persist writes snapshot on the worker. cont, if set, runs on the
// controller goroutine with the result.
func (c *Controller) persist(snapshot *experiment.Experiment, cont func(error)) {
	c.io.submit(func() {
		err := c.store.UpdateExperiment(c.ctx, snapshot)
		if cont == nil {
			if err != nil {
				c.logger.Warn("Failed to update experiment", "experiment_id", snapshot.ID, "error", err)
			}
			return
		}
		c.post(func() { cont(err) })
	})
}

func (c *Controller) startRecording(userInitiated bool, reply func(error)) {
	if c.isRecording() || c.transition != transitionNone {
		respond(reply, nil)
		return
	}
	if len(c.recorders) == 0 {
		c.finish("start", reply, fmt.Errorf("%w: no sensors observed", ErrStartFailed))
		return
	}
	for _, id := range c.order {
		if !c.registry.SourceConnectedWithoutError(id) {
			c.finish("start", reply, fmt.Errorf("%w: %s", ErrStartFailedDisconnected, id))
			return
		}
	}
	exp := c.selected
	if exp == nil {
		c.finish("start", reply, fmt.Errorf("%w: no experiment selected", ErrStartFailed))
		return
	}

	c.publish(c.status.Value().withStateAndOrigin(StateStarting, userInitiated))
	c.transition = transitionStarting

	c.bindSurface(func(surface Surface, err error) {
		if err != nil {
			c.failStart(reply, fmt.Errorf("bind recording surface: %w", err))
			return
		}
		c.beginTrial(exp, surface, userInitiated, reply)
	})
}

func (c *Controller) beginTrial(exp *experiment.Experiment, surface Surface, userInitiated bool, reply func(error)) {
	now := c.clock.Now()
	trial := experiment.NewTrial(now, c.buildLayouts())
	c.currentTrialID = trial.ID
	exp.AddTrial(trial)

	c.persist(exp.Clone(), func(err error) {
		if err != nil {
			exp.RemoveTrial(trial.ID)
			c.failStart(reply, fmt.Errorf("save trial %s: %w", trial.ID, err))
			return
		}

		meta := RecordingMetadata{StartTime: now, RunID: trial.ID, ExperimentName: exp.DisplayTitle()}
		if exp.Archived {
			exp.Archived = false
			c.persist(exp.Clone(), nil)
		}
		if err := surface.BeginRecording(meta.ExperimentName, c.resumeIntent); err != nil {
			c.logger.Warn("Recording surface rejected start", "run_id", meta.RunID, "error", err)
		}
		for _, id := range c.order {
			c.recorders[id].StartRecording(meta.RunID)
		}

		c.publish(activeStatus(meta, userInitiated))
		c.transition = transitionNone
		c.logger.Info("Recording started", "run_id", meta.RunID, "experiment_id", exp.ID, "sensors", len(c.order))
		c.finish("start", reply, nil)
	})
}

func (c *Controller) failStart(reply func(error), cause error) {
	c.transition = transitionNone
	c.currentTrialID = ""
	c.publish(Inactive)
	c.finish("start", reply, fmt.Errorf("%w: %w", ErrStartFailed, cause))
}

func (c *Controller) stopRecording(reply func(error)) {
	exp := c.selected
	if !c.isRecording() || exp == nil || c.transition != transitionNone {
		respond(reply, nil)
		return
	}

	c.publish(c.status.Value().withState(StateStopping))
	for _, id := range c.order {
		if !c.registry.SourceConnectedWithoutError(id) {
			c.rejectStop(reply, fmt.Errorf("%w: %s", ErrStopFailedDisconnected, id))
			return
		}
		if !c.recorders[id].HasRecordedData() {
			c.rejectStop(reply, fmt.Errorf("%w: %s", ErrStopFailedNoData, id))
			return
		}
	}

	c.transition = transitionStopping
	foreground := c.foreground
	c.bindSurface(func(surface Surface, err error) {
		if err != nil {
			c.failStop(reply, fmt.Errorf("bind recording surface: %w", err))
			return
		}
		c.endTrial(exp, surface, foreground, reply)
	})
}

// rejectStop leaves the run going.
func (c *Controller) rejectStop(reply func(error), err error) {
	c.publish(c.status.Value().withState(StateActive))
	c.finish("stop", reply, err)
}

func (c *Controller) endTrial(exp *experiment.Experiment, surface Surface, foreground bool, reply func(error)) {
	trial := exp.Trial(c.currentTrialID)
	if trial == nil {
		c.failStop(reply, fmt.Errorf("trial %q not found in experiment %s", c.currentTrialID, exp.ID))
		return
	}
	if layouts := c.buildLayouts(); len(layouts) > 0 {
		trial.LayoutsAtStop = layouts
	}
	trial.EndTime = c.clock.Now()

	c.persist(exp.Clone(), func(err error) {
		if err != nil {
			c.failStop(reply, fmt.Errorf("save trial %s: %w", trial.ID, err))
			return
		}

		trialID := trial.ID
		for _, id := range c.order {
			c.recorders[id].StopRecording(trial.Clone())
		}
		c.currentTrialID = ""
		if c.cleanUpUnusedRecorders() {
			c.notifyObservedIDs()
		}
		c.publish(Inactive)
		c.logger.Info("Recording stopped", "run_id", trialID, "experiment_id", exp.ID)

		completed := exp.Clone()
		title := exp.DisplayTitle()
		c.io.submit(func() {
			if err := c.store.UpdateExperiment(c.ctx, completed); err != nil {
				c.logger.Warn("Failed to update experiment", "experiment_id", completed.ID, "error", err)
			} else if err := c.store.SaveImmediately(c.ctx); err != nil {
				c.logger.Warn("Failed to flush experiment store", "error", err)
			}
			if err := surface.EndRecording(!foreground, trialID, completed.ID, title); err != nil {
				c.logger.Warn("Recording surface rejected stop", "run_id", trialID, "error", err)
			}
			c.post(func() {
				c.transition = transitionNone
				c.finish("stop", reply, nil)
			})
		})
	})
}

func (c *Controller) failStop(reply func(error), cause error) {
	c.transition = transitionNone
	c.publish(Inactive)
	c.finish("stop", reply, fmt.Errorf("%w: %w", ErrFailedSaveRecording, cause))
}

func (c *Controller) stopRecordingWithoutSaving(reply func(error)) {
	if !c.isRecording() || c.transition != transitionNone {
		respond(reply, nil)
		return
	}

	expID := ""
	if c.selected != nil {
		expID = c.selected.ID
	}
	c.currentTrialID = ""
	for _, id := range c.order {
		c.recorders[id].StopRecording(nil)
	}
	c.transition = transitionDiscarding
	if c.cleanUpUnusedRecorders() {
		c.notifyObservedIDs()
	}
	c.publish(Inactive)
	c.logger.Info("Recording discarded", "experiment_id", expID)

	c.io.submit(func() {
		surface, err := c.binder.Bind(c.ctx)
		if err == nil {
			err = surface.EndRecording(false, "", expID, "")
		}
		c.post(func() {
			if err != nil {
				c.logger.Warn("Failed to end discarded recording", "error", err)
			}
			c.transition = transitionNone
			c.finish("discard", reply, nil)
		})
	})
}

// PauseObservingAll stops observing every sensor unless a run is in
// progress. The returned token resumes observation.
func (c *Controller) PauseObservingAll(ctx context.Context) (string, error) {
	var token string
	err := c.do(ctx, func() {
		c.pauseCount++
		c.pauseConsumed = false
		token = strconv.Itoa(c.pauseCount)
		if c.isRecording() {
			return
		}
		for _, id := range c.order {
			c.recorders[id].StopObserving()
		}
		c.notifyObservedIDs()
	})
	return token, err
}

// ResumeObservingAll undoes the most recent pause. A token is accepted
// once, and only while it is the latest one.
func (c *Controller) ResumeObservingAll(ctx context.Context, token string) (bool, error) {
	var ok bool
	err := c.do(ctx, func() {
		if c.pauseConsumed || token != strconv.Itoa(c.pauseCount) {
			return
		}
		c.pauseConsumed = true
		ok = true
		if c.isRecording() {
			return
		}
		for _, id := range c.order {
			c.recorders[id].StartObserving()
		}
		c.notifyObservedIDs()
	})
	return ok, err
}

// ObservedSensorIDs returns the sensors currently held by the controller.
func (c *Controller) ObservedSensorIDs(ctx context.Context) ([]sensor.ID, error) {
	var ids []sensor.ID
	err := c.do(ctx, func() { ids = c.observedIDs() })
	return ids, err
}
