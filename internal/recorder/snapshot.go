package recorder

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/audiolibrelab/labcapture/internal/sensor"
)

const noSensorsObserved = "No sensors observed"

// SensorSnapshot is the latest value of one sensor.
type SensorSnapshot struct {
	Sensor    sensor.Spec `json:"sensor"`
	Value     float64     `json:"value"`
	Timestamp int64       `json:"timestamp"`
}

// SnapshotReport lists the latest values of a set of sensors.
type SnapshotReport struct {
	Snapshots []SensorSnapshot `json:"snapshots"`
}

// Text renders the report as a single human readable line.
func (r SnapshotReport) Text() string {
	if len(r.Snapshots) == 0 {
		return noSensorsObserved
	}
	parts := make([]string, 0, len(r.Snapshots))
	for _, s := range r.Snapshots {
		parts = append(parts, fmt.Sprintf("%s has value %s", s.Sensor.Name, strconv.FormatFloat(s.Value, 'g', -1, 64)))
	}
	return strings.Join(parts, ", ")
}

// GenerateSnapshot reports the cached value of each requested sensor, in
// request order. Sensors that are not observed or have produced no value
// yet are left out.
func (c *Controller) GenerateSnapshot(ctx context.Context, ids []sensor.ID) (SnapshotReport, error) {
	report := SnapshotReport{Snapshots: []SensorSnapshot{}}
	err := c.do(ctx, func() {
		for _, id := range ids {
			r := c.latest[id]
			if r == nil {
				continue
			}
			report.Snapshots = append(report.Snapshots, SensorSnapshot{
				Sensor:    c.sensors.Spec(id),
				Value:     r.Value,
				Timestamp: r.Timestamp,
			})
		}
	})
	return report, err
}

// SnapshotText is GenerateSnapshot rendered as text.
func (c *Controller) SnapshotText(ctx context.Context, ids []sensor.ID) (string, error) {
	report, err := c.GenerateSnapshot(ctx, ids)
	if err != nil {
		return "", err
	}
	return report.Text(), nil
}
