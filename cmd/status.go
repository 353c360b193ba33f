package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openharvest/harvester/internal/checkpoint"
)

// newStatusCmd creates the 'status' subcommand, which prints each configured
// source's checkpoint progress without running anything.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Prints checkpoint progress per source",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			for _, src := range cfg.SortedSources() {
				store, err := checkpoint.Open(checkpoint.Config{Dir: cfg.Checkpoint.Dir}, src.Name, nil)
				if err != nil {
					return fmt.Errorf("open checkpoint for %s: %w", src.Name, err)
				}
				summary := store.ResumeSummary()
				if summary == "" {
					summary = fmt.Sprintf("%s: no prior progress", src.Name)
				}
				fmt.Fprintln(cmd.OutOrStdout(), summary)
			}
			return nil
		},
	}
}
