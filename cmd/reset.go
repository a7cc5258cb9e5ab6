package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/facewatch/internal/utils"
	"github.com/spf13/cobra"
)

var resetOpts Options

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every enrolled identity",
	Long:  "Clears the registry database. Run 'facewatch export' first if you may want the data back.",
	Run: func(cmd *cobra.Command, args []string) {
		reader := bufio.NewReader(os.Stdin)
		if !resetOpts.Yes && !confirm(os.Stdout, reader, "⚠️  Are you sure you want to DROP all enrolled identities?") {
			fmt.Println("Aborted.")
			return
		}

		fmt.Println("🗑️  Clearing Database...")
		// Stop the writer first so no later save resurrects the old state.
		if err := Writer.Close(cmd.Context()); err != nil {
			utils.Die("Failed to flush pending changes", err, nil)
		}
		Writer = nil
		if err := Backend.Reset(cmd.Context()); err != nil {
			utils.Die("Failed to reset database", err, nil)
		}
		Registry.Clear()

		fmt.Println("✨ Registry Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetOpts.Yes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(out io.Writer, r *bufio.Reader, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
