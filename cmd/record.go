package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/labcapture/internal/recorder"
	"github.com/audiolibrelab/labcapture/internal/sensor"
)

var recordCmd = &cobra.Command{
	Use:   "record [title]",
	Short: "Record one trial from every configured sensor",
	Long: `Observe every sensor of the active profile and record a single trial into
a new experiment (or into --experiment). Recording stops on Ctrl+C or after
--duration. Configured triggers fire while the trial runs.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title := ""
		if len(args) == 1 {
			title = args[0]
		}
		experimentID, _ := cmd.Flags().GetString("experiment")
		duration, _ := cmd.Flags().GetDuration("duration")
		connectTimeout, _ := cmd.Flags().GetDuration("connect-timeout")
		discard, _ := cmd.Flags().GetBool("discard")

		if len(cfg.Sensors) == 0 {
			return fmt.Errorf("profile has no sensors to record")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(cfg, slog.Default())
		if err != nil {
			return fmt.Errorf("failed to start controller: %w", err)
		}
		defer rt.close()

		exp, err := rt.openExperiment(ctx, experimentID, title)
		if err != nil {
			return fmt.Errorf("failed to open experiment: %w", err)
		}
		slog.Info("Experiment selected", "experiment_id", exp.ID, "title", exp.DisplayTitle())

		ids := make([]sensor.ID, 0, len(cfg.Sensors))
		for _, s := range cfg.Sensors {
			id := sensor.ID(s.ID)
			if _, err := rt.controller.StartObserving(ctx, id, rt.catalog.Triggers(id), nil, nil, rt.catalog.Options(id)); err != nil {
				return fmt.Errorf("failed to observe %s: %w", s.ID, err)
			}
			ids = append(ids, id)
		}

		waitCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		err = rt.waitConnected(waitCtx, ids)
		cancel()
		if err != nil {
			return err
		}

		unwatch := rt.controller.WatchRecordingStatus(func(s recorder.RecordingStatus) {
			slog.Debug("Recording status", "state", s.State, "user_initiated", s.UserInitiated)
		})
		defer unwatch()

		if err := rt.controller.StartRecording(ctx, true); err != nil {
			return fmt.Errorf("failed to start recording (code %d): %w", recorder.ErrorCode(err), err)
		}
		slog.Info("Recording... Press Ctrl+C to stop", "sensors", len(ids))

		var timeout <-chan time.Time
		if duration > 0 {
			timeout = time.After(duration)
		}
		select {
		case <-ctx.Done():
		case <-timeout:
		}

		// The signal context is done; stopping needs a fresh one
		stopCtx, cancelStop := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelStop()

		if text, err := rt.controller.SnapshotText(stopCtx, ids); err == nil {
			fmt.Println(text)
		}

		if discard {
			slog.Info("Discarding recording...")
			return rt.controller.StopRecordingWithoutSaving(stopCtx)
		}
		slog.Info("Stopping recording...")
		if err := rt.controller.StopRecording(stopCtx); err != nil {
			return fmt.Errorf("failed to stop recording (code %d): %w", recorder.ErrorCode(err), err)
		}

		if ended := rt.conn.Service().LastEnded(); ended != nil {
			fmt.Printf("Saved trial %s in experiment %s\n", ended.TrialID, ended.ExperimentID)
		}
		return nil
	},
}

func init() {
	recordCmd.Flags().String("experiment", "", "record into an existing experiment id")
	recordCmd.Flags().Duration("duration", 0, "stop automatically after this long (0 waits for Ctrl+C)")
	recordCmd.Flags().Duration("connect-timeout", 10*time.Second, "how long to wait for sensors to connect")
	recordCmd.Flags().Bool("discard", false, "discard the trial instead of saving it")
}
