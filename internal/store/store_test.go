package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/labcapture/internal/experiment"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "labcapture.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func sampleExperiment() *experiment.Experiment {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	exp := experiment.New("Boiling point", created)

	trial := experiment.NewTrial(created.Add(time.Minute), []experiment.SensorLayout{
		{SensorID: "temp", CardView: "graph", AudioEnabled: true},
	})
	trial.EndTime = created.Add(2*time.Minute + 250*time.Millisecond)
	trial.LayoutsAtStop = []experiment.SensorLayout{{SensorID: "temp", CardView: "meter"}}

	note := experiment.NewLabel(1234, experiment.LabelSensorTrigger, "too hot")
	note.TriggerID = "trig-1"
	note.TriggerAction = "NOTE"
	note.SensorID = "temp"
	note.SensorName = "Temperature"
	trial.AddLabel(note)

	exp.AddTrial(trial)
	exp.AddLabel(experiment.NewLabel(99, experiment.LabelText, "setup done"))
	return exp
}

func TestUpdateAndGetRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	exp := sampleExperiment()

	require.NoError(t, s.UpdateExperiment(ctx, exp))

	got, err := s.GetExperiment(ctx, exp.ID)
	require.NoError(t, err)
	require.Equal(t, exp, got)
}

func TestUpdateReplacesTrialsAndLabels(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	exp := sampleExperiment()
	require.NoError(t, s.UpdateExperiment(ctx, exp))

	second := experiment.NewTrial(exp.CreatedAt.Add(time.Hour), nil)
	exp.AddTrial(second)
	exp.RemoveTrial(exp.Trials[0].ID)
	exp.Labels = nil
	exp.Archived = true
	exp.Title = "Freezing point"
	require.NoError(t, s.UpdateExperiment(ctx, exp))

	got, err := s.GetExperiment(ctx, exp.ID)
	require.NoError(t, err)
	require.Equal(t, "Freezing point", got.Title)
	require.True(t, got.Archived)
	require.Len(t, got.Trials, 1)
	require.Equal(t, second.ID, got.Trials[0].ID)
	require.False(t, got.Trials[0].Ended())
	require.Empty(t, got.Labels)
}

func TestCreateExperimentRejectsDuplicates(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	exp := experiment.New("", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, s.CreateExperiment(ctx, exp))
	require.Error(t, s.CreateExperiment(ctx, exp))
}

func TestGetMissingExperiment(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.GetExperiment(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListExperiments(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	older := sampleExperiment()
	newer := experiment.New("Later", older.CreatedAt.Add(24*time.Hour))
	archived := experiment.New("Old", older.CreatedAt.Add(-24*time.Hour))
	archived.Archived = true
	for _, e := range []*experiment.Experiment{older, newer, archived} {
		require.NoError(t, s.UpdateExperiment(ctx, e))
	}

	list, err := s.ListExperiments(ctx, false)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, newer.ID, list[0].ID)
	require.Equal(t, 0, list[0].Trials)
	require.Equal(t, older.ID, list[1].ID)
	require.Equal(t, 1, list[1].Trials)

	list, err = s.ListExperiments(ctx, true)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.True(t, list[2].Archived)
}

func TestReopenKeepsData(t *testing.T) {
	s, path := openTestStore(t)
	ctx := context.Background()
	exp := sampleExperiment()
	require.NoError(t, s.UpdateExperiment(ctx, exp))
	require.NoError(t, s.SaveImmediately(ctx))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetExperiment(ctx, exp.ID)
	require.NoError(t, err)
	require.Equal(t, exp.Trials[0].EndTime, got.Trials[0].EndTime)
}
