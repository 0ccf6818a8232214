package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/labcapture/internal/store"
)

var experimentsCmd = &cobra.Command{
	Use:   "experiments",
	Short: "List recorded experiments",
	RunE: func(cmd *cobra.Command, args []string) error {
		includeArchived, _ := cmd.Flags().GetBool("archived")

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		list, err := st.ListExperiments(cmd.Context(), includeArchived)
		if err != nil {
			return fmt.Errorf("failed to list experiments: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No experiments recorded yet")
			return nil
		}
		for _, e := range list {
			archived := ""
			if e.Archived {
				archived = " [archived]"
			}
			fmt.Printf("%s  %s  %-30s %d trial(s)%s\n",
				e.ID, e.CreatedAt.Local().Format("2006-01-02 15:04"), e.Title, e.Trials, archived)
		}
		return nil
	},
}

var experimentsShowCmd = &cobra.Command{
	Use:   "show [experiment-id]",
	Short: "Show an experiment with its trials and labels",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		exp, err := st.GetExperiment(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(exp)
		if err != nil {
			return fmt.Errorf("error marshaling experiment: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

func openStore() (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Database), 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	st, err := store.Open(cfg.Storage.Database)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Storage.Database, err)
	}
	return st, nil
}

func init() {
	experimentsCmd.Flags().Bool("archived", false, "include archived experiments")
	experimentsCmd.AddCommand(experimentsShowCmd)
}
