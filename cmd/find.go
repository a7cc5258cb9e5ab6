package cmd

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/facewatch/internal/matcher"
	"github.com/andresmejia3/facewatch/internal/registry"
	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/andresmejia3/facewatch/internal/utils"
	"github.com/andresmejia3/facewatch/internal/worker"
	"github.com/spf13/cobra"
)

var findOpts Options

var findCmd = &cobra.Command{
	Use:   "find <image_path>",
	Short: "Identify every face in an image against the enrolled identities",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runFind(cmd.Context(), args[0])
	},
}

func init() {
	findCmd.Flags().Float64VarP(&findOpts.MatchThreshold, "threshold", "t", 0.6, "Face matching threshold (higher is stricter)")
	findCmd.Flags().Float64VarP(&findOpts.DetectionThreshold, "detection-threshold", "D", 0.5, "Face detection confidence threshold")
	findCmd.Flags().StringVar(&findOpts.WorkerTimeout, "worker-timeout", "60s", "Maximum time to wait for the AI worker")
	rootCmd.AddCommand(findCmd)
}

func runFind(ctx context.Context, imagePath string) error {
	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		utils.ShowError("Input file does not exist", err, nil)
		return err
	}
	if Registry.IsEmpty() {
		fmt.Fprintln(os.Stderr, "⚠️  No identities enrolled; every face will be unknown.")
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	// We use ID 0 for this ad-hoc worker
	w, err := worker.NewPythonWorker(ctx, 0, Settings.Worker())
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🔍 Analyzing faces...")
	faces, err := w.ProcessFrame(imgData)
	if err != nil {
		utils.ShowError("AI processing failed", err, w.Cmd)
		return err
	}

	if len(faces) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}

	results, err := identifyFaces(faces, Registry, matcher.Policy{Threshold: Settings.Threshold})
	if err != nil {
		return err
	}
	printVerdicts(os.Stdout, faces, results)
	return nil
}

// identifyFaces matches every face and applies the policy.
func identifyFaces(faces []types.FaceResult, reg *registry.Registry, policy matcher.Policy) ([]matcher.Result, error) {
	results := make([]matcher.Result, len(faces))
	for i, f := range faces {
		cand, err := matcher.Match(f.Vec, reg)
		if err != nil {
			return nil, fmt.Errorf("face %d: %w", i+1, err)
		}
		results[i] = policy.Decide(cand)
	}
	return results, nil
}

func printVerdicts(out io.Writer, faces []types.FaceResult, results []matcher.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FACE\tLOCATION\tCANDIDATE\tCONFIDENCE\tVERDICT")
	fmt.Fprintln(w, "----\t--------\t---------\t----------\t-------")
	for i, res := range results {
		fmt.Fprintf(w, "%d\t%v\t%s\t%s\t%s\n", i+1, faces[i].Loc, res.Name, fmtConfidence(res.Confidence), verdict(res))
	}
	w.Flush()
}

func fmtConfidence(c float64) string {
	if math.IsInf(c, 0) {
		return "-"
	}
	return fmt.Sprintf("%.2f", c)
}

func verdict(res matcher.Result) string {
	if res.IsMatch {
		return "✅ match"
	}
	return "❌ unknown"
}
