package service

import (
	"log/slog"
	"sync"

	"github.com/audiolibrelab/labcapture/internal/trigger"
)

// Alerts plays trigger alerts. Audio and physical alerts have no device to
// drive here, so they are logged and counted.
type Alerts struct {
	logger *slog.Logger

	mu     sync.Mutex
	counts map[trigger.AlertType]int
}

func NewAlerts(logger *slog.Logger) *Alerts {
	if logger == nil {
		logger = slog.Default()
	}
	return &Alerts{logger: logger, counts: make(map[trigger.AlertType]int)}
}

// Alert implements recorder.AlertSink.
func (a *Alerts) Alert(kind trigger.AlertType, t *trigger.Trigger) {
	a.mu.Lock()
	a.counts[kind]++
	a.mu.Unlock()

	switch kind {
	case trigger.AlertAudio:
		a.logger.Info("Audio alert", "trigger_id", t.ID, "sensor_id", t.SensorID, "trigger", t.String())
	case trigger.AlertPhysical:
		a.logger.Info("Vibration alert", "trigger_id", t.ID, "sensor_id", t.SensorID, "trigger", t.String())
	default:
		a.logger.Debug("Ignoring alert", "kind", string(kind), "trigger_id", t.ID)
	}
}

// Counts returns how many alerts of each kind were played.
func (a *Alerts) Counts() map[trigger.AlertType]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[trigger.AlertType]int, len(a.counts))
	for k, v := range a.counts {
		out[k] = v
	}
	return out
}
