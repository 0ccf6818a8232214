package cmd

import (
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/labcapture/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `View and manage LabCapture configuration settings.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

var configInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show resolved configuration with inheritance indicators",
	Long:  `Display the resolved configuration and which values are inherited from the default profile vs profile-specific.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		inh := cfg.Inheritance
		if inh == nil {
			inh = &config.InheritanceInfo{}
		}

		fmt.Printf("=== RESOLVED CONFIGURATION ===\n")

		fmt.Printf("\n[Recorder]\n")
		fmt.Printf("stop_delay: %s %s\n", cfg.StopDelay(), getInheritanceIndicator(inh.Recorder.StopDelay))
		fmt.Printf("resume_intent: %s %s\n", cfg.Recorder.ResumeIntent, getInheritanceIndicator(inh.Recorder.ResumeIntent))

		fmt.Printf("\n[Sensors]\n")
		for i, s := range cfg.Sensors {
			origins := inh.Sensors[s.ID]
			fmt.Printf("%d. id: %s (%s)\n", i, s.ID, s.Name)
			opts := s.Options()
			for _, key := range slices.Sorted(maps.Keys(opts)) {
				fmt.Printf("   %s: %s %s\n", key, opts[key], getInheritanceIndicator(origins[key]))
			}
			fmt.Printf("   triggers: %d\n", len(s.Triggers))
		}

		fmt.Printf("\n[Storage]\n")
		fmt.Printf("database: %s %s\n", cfg.Storage.Database, getInheritanceIndicator(inh.Storage.Database))
		fmt.Printf("history: %s %s\n", cfg.Storage.History, getInheritanceIndicator(inh.Storage.History))

		fmt.Printf("\n[Server]\n")
		fmt.Printf("host: %s %s\n", cfg.Server.Host, getInheritanceIndicator(inh.Server.Host))
		fmt.Printf("port: %s %s\n", strconv.Itoa(cfg.Server.Port), getInheritanceIndicator(inh.Server.Port))
		return nil
	},
}

var configUseCmd = &cobra.Command{
	Use:   "use [profile]",
	Short: "Set the active profile in the configuration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.LoadWithProfile(cfgFile, args[0]); err != nil {
			return err
		}
		if err := config.UpdateActiveConfig(cfgFile, args[0]); err != nil {
			return err
		}
		fmt.Printf("Active profile set to %s\n", args[0])
		return nil
	},
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	default:
		return "[definition]"
	}
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInfoCmd)
	configCmd.AddCommand(configUseCmd)
}
