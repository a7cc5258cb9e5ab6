package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/facewatch/internal/capture"
	"github.com/andresmejia3/facewatch/internal/config"
	"github.com/andresmejia3/facewatch/internal/notify"
	"github.com/andresmejia3/facewatch/internal/session"
	"github.com/andresmejia3/facewatch/internal/utils"
	"github.com/andresmejia3/facewatch/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// captureReadyTimeout bounds how long we wait for the first decoded frame.
const captureReadyTimeout = 30 * time.Second

var watchOpts Options

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a live camera or stream and announce enrolled people as they appear",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runWatch(cmd.Context(), watchOpts)
	},
}

func init() {
	addLiveFlags(watchCmd, &watchOpts)
	watchCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(watchCmd)
}

func addLiveFlags(cmd *cobra.Command, opts *Options) {
	cmd.Flags().StringVarP(&opts.Input, "input", "i", "", "Camera device, video file, stream URL, still image, or - for MJPEG on stdin")
	cmd.Flags().StringVarP(&opts.InputFormat, "format", "f", "", "ffmpeg input format (v4l2, avfoundation, dshow); empty to auto-detect")
	cmd.Flags().Float64Var(&opts.FPS, "fps", 2, "Frames per second to decode from the input")
	cmd.Flags().Float64VarP(&opts.MatchThreshold, "threshold", "t", 0.6, "Face matching threshold (higher is stricter)")
	cmd.Flags().StringVarP(&opts.Period, "period", "p", "1.5s", "Time between detection cycles")
	cmd.Flags().Float64VarP(&opts.DetectionThreshold, "detection-threshold", "D", 0.5, "Face detection confidence threshold")
	cmd.Flags().StringVar(&opts.WorkerTimeout, "worker-timeout", "30s", "Maximum time to wait for the AI worker per frame")
}

// live bundles the running pieces of a detection session.
type live struct {
	stream  *capture.Stream // nil for a still image
	done    <-chan struct{}
	worker  *worker.PythonWorker
	session *session.Controller
	sinks   []io.Closer
}

// startLive opens the input, starts the worker and builds an idle session
// that announces to the console, Kafka when configured, and extra.
func startLive(ctx context.Context, input string, extra ...notify.Notifier) (*live, error) {
	l := &live{}

	var source session.FrameSource
	if utils.IsImage(input) {
		img, err := os.ReadFile(input)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(os.Stderr, "🖼️  Using still image %s\n", input)
		source = capture.NewStatic(img)
	} else {
		fmt.Fprintf(os.Stderr, "📷 Opening %s...\n", input)
		stream, err := capture.Open(ctx, capture.Config{
			Input:  input,
			Format: Settings.Capture.Format,
			FPS:    Settings.Capture.FPS,
		}, Log)
		if err != nil {
			return nil, err
		}
		l.stream = stream
		l.done = stream.Done()
		source = stream

		readyCtx, cancel := context.WithTimeout(ctx, captureReadyTimeout)
		defer cancel()
		if err := stream.WaitReady(readyCtx); err != nil {
			l.Close()
			return nil, fmt.Errorf("capture produced no frames: %w", err)
		}
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	w, err := worker.NewPythonWorker(ctx, 0, Settings.Worker())
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to start AI worker: %w", err)
	}
	l.worker = w

	sinks := []notify.Notifier{notify.NewConsole(os.Stdout)}
	if len(Settings.Kafka.Brokers) > 0 {
		k, err := notify.NewKafka(Settings.Kafka.Brokers, Settings.Kafka.Topic)
		if err != nil {
			l.Close()
			return nil, err
		}
		l.sinks = append(l.sinks, k)
		sinks = append(sinks, k)
		fmt.Fprintf(os.Stderr, "📡 Publishing events to Kafka topic %s\n", Settings.Kafka.Topic)
	}
	sinks = append(sinks, extra...)

	l.session = session.New(Registry, source, w, notify.NewMulti(Log, sinks...), Settings.Session(), Log)
	return l, nil
}

// watchConfig pushes threshold and period edits from the config file into the session.
func (l *live) watchConfig(ctx context.Context) {
	err := config.Watch(ctx, v, func(s config.Settings) {
		if err := l.session.SetThreshold(s.Threshold); err == nil {
			l.session.SetPeriod(s.Period)
		}
		Log.Info("configuration reloaded", zap.Float64("threshold", s.Threshold), zap.Duration("period", s.Period))
	}, func(err error) {
		Log.Warn("ignoring config change", zap.Error(err))
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		Log.Warn("config watcher stopped", zap.Error(err))
	}
}

// Close stops the session before tearing down its inputs and outputs.
func (l *live) Close() {
	if l.session != nil {
		l.session.Stop()
	}
	if l.worker != nil {
		l.worker.Close()
	}
	if l.stream != nil {
		l.stream.Close()
	}
	for _, c := range l.sinks {
		if err := c.Close(); err != nil {
			Log.Warn("failed to close notifier", zap.Error(err))
		}
	}
}

func runWatch(ctx context.Context, opts Options) error {
	if Registry.IsEmpty() {
		return errors.New("❌ no identities enrolled; run 'facewatch enroll' first")
	}

	l, err := startLive(ctx, opts.Input)
	if err != nil {
		utils.ShowError("Failed to start detection", err, nil)
		return err
	}
	defer l.Close()

	if err := l.session.Start(ctx); err != nil {
		return err
	}
	go l.watchConfig(ctx)

	fmt.Fprintf(os.Stderr, "👀 Watching for %d identities (threshold %.2f, every %s). Press Ctrl+C to stop.\n",
		Registry.Len(), l.session.Threshold(), l.session.Period())

	select {
	case <-ctx.Done():
	case <-l.done:
		if err := l.stream.Err(); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Capture stopped: %v\n", err)
		} else {
			fmt.Fprintln(os.Stderr, "🏁 Input ended.")
		}
	}

	l.session.Stop()
	st := l.session.Stats()
	fmt.Fprintf(os.Stderr, "🛑 Stopped after %d cycles (%d announced, %d skipped, %d failed).\n",
		st.Cycles, st.Announced, st.Skipped, st.Failures)
	if l.stream != nil {
		fmt.Fprintf(os.Stderr, "   %d frames decoded, last at %s\n", l.stream.Frames(), l.stream.LastFrameAt().Format("15:04:05"))
	}
	return nil
}
