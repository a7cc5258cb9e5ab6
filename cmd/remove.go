package cmd

import (
	"errors"
	"fmt"

	"github.com/andresmejia3/facewatch/internal/registry"
	"github.com/spf13/cobra"
)

var removeCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove an enrolled identity and all of its samples",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runRemove(args[0])
	},
}

func init() {
	rootCmd.AddCommand(removeCmd)
}

func runRemove(name string) error {
	if err := Registry.Remove(name); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return fmt.Errorf("❌ no identity named '%s' is enrolled", name)
		}
		return err
	}
	fmt.Printf("🗑️  Removed '%s'\n", name)
	return nil
}
