package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/facewatch/internal/codec"
	"github.com/andresmejia3/facewatch/internal/registry"
	"github.com/spf13/cobra"
)

var exportOpts Options

var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write the enrolled registry to a JSON or YAML snapshot",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if len(args) == 0 {
			return exportRegistry(os.Stdout, Registry, exportOpts.Format)
		}
		return exportFile(args[0], exportOpts.Format)
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOpts.Format, "output", "o", "", "Snapshot encoding: json or yaml (default: from file extension, else json)")
	rootCmd.AddCommand(exportCmd)
}

func exportFile(path, format string) error {
	if format == "" {
		format = formatFromPath(path)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := exportRegistry(f, Registry, format); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "✅ Exported %d identities to %s\n", Registry.Len(), path)
	return nil
}

func exportRegistry(out io.Writer, reg *registry.Registry, format string) error {
	snap := codec.Serialize(reg)
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(format) {
	case "", "json":
		data, err = codec.Marshal(snap)
	case "yaml", "yml":
		data, err = codec.EncodeYAML(snap)
	default:
		return fmt.Errorf("unknown snapshot format %q (want json or yaml)", format)
	}
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

// formatFromPath picks yaml for .yaml/.yml files and json otherwise.
func formatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}
