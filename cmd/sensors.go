package cmd

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"
)

var sensorsCmd = &cobra.Command{
	Use:   "sensors",
	Short: "List the sensors of the active profile",
	Long:  `List every sensor of the resolved profile with its options and triggers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Sensors (%d)\n", len(cfg.Sensors))
		fmt.Printf("═══════════════════════════════════════\n\n")

		for i, s := range cfg.Sensors {
			spec := s.Spec()
			fmt.Printf("  %d. %s (%s)\n", i+1, spec.Name, spec.ID)
			fmt.Printf("     kind: %s", spec.Kind)
			if spec.Units != "" {
				fmt.Printf(", units: %s", spec.Units)
			}
			fmt.Println()
			opts := s.Options()
			for _, key := range slices.Sorted(maps.Keys(opts)) {
				fmt.Printf("     %s: %s\n", key, opts[key])
			}

			triggers, err := s.BuildTriggers()
			if err != nil {
				return err
			}
			for _, t := range triggers {
				fmt.Printf("     trigger %s: %s\n", t.ID, t)
			}
		}
		return nil
	},
}
