package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:   "label <name> <new_name>",
	Short: "Rename an enrolled identity, keeping its samples",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runLabel(args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}

func runLabel(name, newName string) error {
	if err := Registry.Rename(name, newName); err != nil {
		return fmt.Errorf("failed to label identity: %w", err)
	}
	fmt.Printf("✅ Identity '%s' labeled as '%s'\n", name, newName)
	return nil
}
