package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/audiolibrelab/labcapture/internal/config"
	"github.com/audiolibrelab/labcapture/internal/experiment"
	"github.com/audiolibrelab/labcapture/internal/history"
	"github.com/audiolibrelab/labcapture/internal/metrics"
	"github.com/audiolibrelab/labcapture/internal/recorder"
	"github.com/audiolibrelab/labcapture/internal/sensor"
	"github.com/audiolibrelab/labcapture/internal/service"
	"github.com/audiolibrelab/labcapture/internal/store"
	"github.com/audiolibrelab/labcapture/internal/trigger"
)

// runtime holds the wired components shared by serve and record
type runtime struct {
	logger     *slog.Logger
	store      *store.Store
	history    *history.File
	conn       *service.Connection
	metrics    *metrics.Metrics
	registry   *sensor.Registry
	catalog    *catalog
	controller *recorder.Controller
}

func newRuntime(c *config.Config, logger *slog.Logger) (*runtime, error) {
	if err := os.MkdirAll(filepath.Dir(c.Storage.Database), 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	st, err := store.Open(c.Storage.Database)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", c.Storage.Database, err)
	}

	registry := sensor.NewRegistry()
	cat := &catalog{registry: registry}
	for _, s := range c.Sensors {
		src, err := sensor.NewSource(s.Kind, s.Options())
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("sensor %s: %w", s.ID, err)
		}
		if err := registry.Add(s.Spec(), src); err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	if err := cat.load(c); err != nil {
		_ = st.Close()
		return nil, err
	}

	rt := &runtime{
		logger:   logger,
		store:    st,
		history:  history.NewFile(c.Storage.History),
		conn:     service.NewConnection(logger),
		metrics:  metrics.New(),
		registry: registry,
		catalog:  cat,
	}

	rt.controller, err = recorder.NewController(recorder.Config{
		Sensors:         registry,
		Store:           st,
		Binder:          rt.conn,
		History:         rt.history,
		Alerts:          service.NewAlerts(logger),
		Instrumentation: rt.metrics,
		StopDelay:       c.StopDelay(),
		ResumeIntent:    c.Recorder.ResumeIntent,
		Logger:          logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) close() {
	rt.controller.Close()
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("Failed to close store", "error", err)
	}
}

// applyConfig pushes reloaded sensor settings to observed sensors and
// to future observations. Sensors added to the file need a restart.
func (rt *runtime) applyConfig(ctx context.Context, c *config.Config) {
	if err := rt.catalog.load(c); err != nil {
		rt.logger.Warn("Ignoring reloaded configuration", "error", err)
		return
	}
	for _, s := range c.Sensors {
		if _, ok := rt.registry.Source(sensor.ID(s.ID)); !ok {
			rt.logger.Warn("New sensor in configuration requires a restart", "sensor_id", s.ID)
			continue
		}
		if err := rt.controller.ApplyOptions(ctx, sensor.ID(s.ID), s.Options()); err != nil {
			rt.logger.Warn("Failed to apply sensor options", "sensor_id", s.ID, "error", err)
		}
	}
	rt.logger.Info("Configuration reloaded", "sensors", len(c.Sensors))
}

// openExperiment selects the experiment with id, or a new one titled title
func (rt *runtime) openExperiment(ctx context.Context, id, title string) (*experiment.Experiment, error) {
	if id != "" {
		exp, err := rt.store.GetExperiment(ctx, id)
		if err != nil {
			return nil, err
		}
		return exp, rt.controller.SetSelectedExperiment(ctx, exp.Clone())
	}
	exp := experiment.New(title, rt.controller.Now())
	if err := rt.store.CreateExperiment(ctx, exp); err != nil {
		return nil, err
	}
	return exp, rt.controller.SetSelectedExperiment(ctx, exp.Clone())
}

// waitConnected polls until every id reports CONNECTED or ctx expires
func (rt *runtime) waitConnected(ctx context.Context, ids []sensor.ID) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		states, err := rt.controller.Sensors(ctx)
		if err != nil {
			return err
		}
		connected := 0
		for _, st := range states {
			if st.Source == sensor.StatusConnected {
				connected++
			}
		}
		if connected >= len(ids) {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.New("timed out waiting for sensors to connect")
		case <-ticker.C:
		}
	}
}

// catalog serves the configured triggers and options of each sensor
type catalog struct {
	registry *sensor.Registry

	mu       sync.RWMutex
	triggers map[sensor.ID][]*trigger.Trigger
	options  map[sensor.ID]sensor.Options
}

func (c *catalog) load(conf *config.Config) error {
	triggers := make(map[sensor.ID][]*trigger.Trigger, len(conf.Sensors))
	options := make(map[sensor.ID]sensor.Options, len(conf.Sensors))
	for _, s := range conf.Sensors {
		ts, err := s.BuildTriggers()
		if err != nil {
			return err
		}
		triggers[sensor.ID(s.ID)] = ts
		options[sensor.ID(s.ID)] = s.Options()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggers = triggers
	c.options = options
	return nil
}

func (c *catalog) Specs() []sensor.Spec {
	return c.registry.Specs()
}

// Triggers returns fresh copies so each observation keeps its own edge state.
func (c *catalog) Triggers(id sensor.ID) []*trigger.Trigger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*trigger.Trigger, 0, len(c.triggers[id]))
	for _, t := range c.triggers[id] {
		out = append(out, t.Copy())
	}
	return out
}

func (c *catalog) Options(id sensor.ID) sensor.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.options[id]
}
