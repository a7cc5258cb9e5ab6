package cmd

import (
	"fmt"
	"os"

	"github.com/andresmejia3/facewatch/internal/codec"
	"github.com/andresmejia3/facewatch/internal/registry"
	"github.com/spf13/cobra"
)

var importOpts Options

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Enroll every identity from a JSON or YAML snapshot",
	Long: `Reads a snapshot written by 'facewatch export'. Samples are appended to
identities that already exist unless --replace is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runImport(args[0], importOpts)
	},
}

func init() {
	importCmd.Flags().StringVarP(&importOpts.Format, "input-format", "I", "", "Snapshot encoding: json or yaml (default: from file extension)")
	importCmd.Flags().BoolVar(&importOpts.Replace, "replace", false, "Drop all enrolled identities before importing")
	rootCmd.AddCommand(importCmd)
}

func runImport(path string, opts Options) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	format := opts.Format
	if format == "" {
		format = formatFromPath(path)
	}

	incoming, err := decodeSnapshot(data, format)
	if err != nil {
		return fmt.Errorf("cannot import %s: %w", path, err)
	}

	added, err := mergeRegistry(Registry, incoming, opts.Replace)
	if err != nil {
		return err
	}
	fmt.Printf("✅ Imported %d samples for %d identities from %s\n", added, incoming.Len(), path)
	return nil
}

// decodeSnapshot parses and validates a snapshot into a detached registry.
func decodeSnapshot(data []byte, format string) (*registry.Registry, error) {
	var (
		snap codec.Snapshot
		err  error
	)
	switch format {
	case "json":
		snap, err = codec.Unmarshal(data)
	case "yaml", "yml":
		snap, err = codec.DecodeYAML(data)
	default:
		return nil, fmt.Errorf("unknown snapshot format %q (want json or yaml)", format)
	}
	if err != nil {
		return nil, err
	}
	return codec.Deserialize(snap)
}

// mergeRegistry enrolls every sample of src into dst and returns how many were added.
// The dimension is checked up front so a mismatched snapshot leaves dst untouched.
func mergeRegistry(dst, src *registry.Registry, replace bool) (int, error) {
	if !replace && !dst.IsEmpty() && !src.IsEmpty() && dst.Dim() != src.Dim() {
		return 0, fmt.Errorf("%w: snapshot uses %d dimensions, registry uses %d",
			registry.ErrInvalidEmbeddingLength, src.Dim(), dst.Dim())
	}
	if replace {
		dst.Clear()
	}

	added := 0
	for _, id := range src.List() {
		for i, emb := range id.Embeddings {
			if err := dst.Enroll(id.Name, emb, id.References[i]); err != nil {
				return added, fmt.Errorf("failed to enroll %s: %w", id.Name, err)
			}
			added++
		}
	}
	return added, nil
}
