package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/andresmejia3/facewatch/internal/registry"
	"github.com/andresmejia3/facewatch/internal/utils"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all enrolled identities",
	Run: func(cmd *cobra.Command, args []string) {
		printIdentities(os.Stdout, Registry.List())
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func printIdentities(out io.Writer, identities []registry.Identity) {
	if len(identities) == 0 {
		fmt.Fprintln(out, "No identities enrolled.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tSAMPLES\tREFERENCES")
	fmt.Fprintln(w, "----\t-------\t----------")

	for _, id := range identities {
		digests := make([]string, len(id.References))
		for i, ref := range id.References {
			digests[i] = utils.Digest(ref)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", id.Name, id.Samples(), strings.Join(digests, " "))
	}
	w.Flush()
}
