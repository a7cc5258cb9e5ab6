package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/andresmejia3/facewatch/internal/utils"
	"github.com/andresmejia3/facewatch/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var enrollOpts Options

var enrollCmd = &cobra.Command{
	Use:   "enroll <name> <image|dir>...",
	Short: "Enroll a person from one or more reference photos",
	Long: `Extracts the largest face from each image and appends it to the named identity.
Enrolling an existing name adds samples; it never replaces earlier ones.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runEnroll(cmd.Context(), args[0], args[1:])
	},
}

func init() {
	enrollCmd.Flags().Float64VarP(&enrollOpts.DetectionThreshold, "detection-threshold", "D", 0.5, "Face detection confidence threshold")
	enrollCmd.Flags().StringVar(&enrollOpts.WorkerTimeout, "worker-timeout", "30s", "Maximum time to wait for the AI worker per image")
	rootCmd.AddCommand(enrollCmd)
}

// faceExtractor is the part of the worker enroll and find use.
type faceExtractor interface {
	ProcessFrame(frame []byte) ([]types.FaceResult, error)
}

func runEnroll(ctx context.Context, name string, inputs []string) error {
	if name == "" {
		return errors.New("identity name must not be empty")
	}
	files, err := utils.ImageFiles(inputs)
	if err != nil {
		utils.ShowError("Input path does not exist", err, nil)
		return err
	}
	if len(files) == 0 {
		return errors.New("no images found in the given paths")
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	w, err := worker.NewPythonWorker(ctx, 0, Settings.Worker())
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	enrolled, err := enrollFiles(name, files, w)
	if err != nil {
		utils.ShowError("AI processing failed", err, w.Cmd)
		return err
	}
	if enrolled == 0 {
		return fmt.Errorf("no face found in any of the %d image(s)", len(files))
	}

	id, _ := Registry.Get(name)
	fmt.Printf("✅ Enrolled %d sample(s) for '%s' (%d total)\n", enrolled, name, id.Samples())
	return nil
}

// enrollFiles adds the largest face of every file to name. Files without a
// face are reported and skipped; a worker failure aborts.
func enrollFiles(name string, files []string, w faceExtractor) (int, error) {
	var bar *progressbar.ProgressBar
	if len(files) > 1 {
		bar = progressbar.NewOptions(len(files),
			progressbar.OptionSetDescription("Enrolling"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	enrolled := 0
	for _, path := range files {
		if bar != nil {
			bar.Add(1)
		}

		img, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "\n⚠️  Skipping %s: %v\n", filepath.Base(path), err)
			continue
		}

		faces, err := w.ProcessFrame(img)
		if err != nil {
			return enrolled, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if len(faces) == 0 {
			fmt.Fprintf(os.Stderr, "\n⚠️  No face detected in %s\n", filepath.Base(path))
			continue
		}
		if len(faces) > 1 {
			fmt.Fprintf(os.Stderr, "\n⚠️  Multiple faces detected in %s (%d). Using the largest face.\n", filepath.Base(path), len(faces))
		}

		face := largestFace(faces)
		if err := Registry.Enroll(name, face.Vec, img); err != nil {
			return enrolled, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		enrolled++
	}
	if bar != nil {
		bar.Finish()
	}
	return enrolled, nil
}

// largestFace picks the face with the biggest bounding box. faces must not be empty.
func largestFace(faces []types.FaceResult) types.FaceResult {
	best := faces[0]
	for _, f := range faces[1:] {
		if f.Area() > best.Area() {
			best = f
		}
	}
	return best
}
