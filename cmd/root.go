package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/audiolibrelab/labcapture/internal/config"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	verboseLevel int
	logFormat    string
)

var rootCmd = &cobra.Command{
	Use:   "labcapture",
	Short: "Sensor recording controller for lab experiments",
	Long: `LabCapture observes live sensors, fires threshold triggers and records
bounded trials into experiments.

Sensors, their triggers and storage paths are defined in a YAML file with
reusable definitions and named profiles.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is fine; system env and defaults apply
		_ = godotenv.Load()

		setupLogging(verboseLevel, viper.GetString("log_format"))

		cfgFile = viper.GetString("config")
		if cfgFile == "" {
			cfgFile = os.ExpandEnv("$HOME/.config/labcapture.yaml")
		}
		profile = viper.GetString("profile")

		var err error
		cfg, err = config.LoadWithProfile(cfgFile, profile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		slog.Debug("Configuration loaded", "config", cfgFile, "profile", profile, "sensors", len(cfg.Sensors))
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/labcapture.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text or json")

	// LABCAPTURE_CONFIG, LABCAPTURE_PROFILE and LABCAPTURE_LOG_FORMAT back the flags
	viper.SetEnvPrefix("LABCAPTURE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("profile", rootCmd.PersistentFlags().Lookup("profile"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(sensorsCmd)
	rootCmd.AddCommand(experimentsCmd)
	rootCmd.AddCommand(configCmd)
}

// setupLogging configures slog based on the verbose level and format
func setupLogging(level int, format string) {
	var slogLevel slog.Level
	switch level {
	case 0:
		slogLevel = slog.LevelInfo
	default:
		slogLevel = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		// Text handler for clean terminal output
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
