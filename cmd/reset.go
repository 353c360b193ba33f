package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openharvest/harvester/internal/checkpoint"
)

// newResetCmd creates the 'reset' subcommand, which clears a source's
// checkpoint for an explicit non-resumed restart.
func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <source>",
		Short: "Clears a source's checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			name := args[0]
			store, err := checkpoint.Open(checkpoint.Config{Dir: cfg.Checkpoint.Dir}, name, nil)
			if err != nil {
				return fmt.Errorf("open checkpoint for %s: %w", name, err)
			}
			if err := store.Reset(); err != nil {
				return fmt.Errorf("reset checkpoint for %s: %w", name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checkpoint cleared for %s\n", name)
			return nil
		},
	}
}
