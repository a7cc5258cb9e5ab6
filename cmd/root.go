package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/facewatch/internal/codec"
	"github.com/andresmejia3/facewatch/internal/config"
	"github.com/andresmejia3/facewatch/internal/logger"
	"github.com/andresmejia3/facewatch/internal/registry"
	"github.com/andresmejia3/facewatch/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Options holds per-invocation flags shared by enroll, find, watch and serve
type Options struct {
	Input              string
	InputFormat        string
	FPS                float64
	MatchThreshold     float64
	DetectionThreshold float64
	Period             string
	WorkerTimeout      string
	Format             string
	Replace            bool
	Yes                bool
	AutoStart          bool
}

var (
	// Backend is the persistence backend shared by subcommands
	Backend store.Backend
	// Registry is the in-memory identity registry restored from Backend
	Registry *registry.Registry
	// Writer saves Registry changes back to Backend
	Writer *store.Writer
	// Settings is the resolved configuration
	Settings config.Settings
	// Log is the structured logger
	Log *zap.Logger

	v       *viper.Viper
	cfgFile string
	dbURL   string
	debug   bool
)

// Version is the application version.
const Version = "0.1.0"

// globalFlags maps persistent flags to their config keys.
var globalFlags = map[string]string{
	"db":    config.KeyDB,
	"debug": config.KeyDebug,
}

// commandFlags maps per-command flags to config keys. Flags a command does
// not define are skipped when binding.
var commandFlags = map[string]string{
	"threshold":           config.KeyThreshold,
	"detection-threshold": config.KeyDetectionThreshold,
	"period":              config.KeyPeriod,
	"worker-timeout":      config.KeyWorkerTimeout,
	"format":              config.KeyCaptureFormat,
	"fps":                 config.KeyCaptureFPS,
	"listen":              config.KeyListen,
}

var rootCmd = &cobra.Command{
	Use:     "facewatch",
	Short:   "Face Identity Matching & Enrollment Engine",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env file is optional, don't fail if not found
		config.LoadDotEnv()

		var err error
		v, err = config.InitViper(cfgFile)
		if err != nil {
			return err
		}
		config.BindFlags(v, cmd, globalFlags)
		config.BindFlags(v, cmd, commandFlags)

		Settings, err = config.Load(v)
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		Log = logger.NewLogger(Settings.Debug)

		// Use the command's context (which will be cancellable) for the connection
		Backend, err = store.Open(cmd.Context(), Settings.DB)
		if err != nil {
			return fmt.Errorf("failed to open registry database: %w", err)
		}

		Registry, err = store.Restore(cmd.Context(), Backend)
		if errors.Is(err, codec.ErrCorruptState) {
			fmt.Fprintf(os.Stderr, "⚠️  Stored registry is corrupt and was ignored (%v).\n", err)
			fmt.Fprintln(os.Stderr, "   Starting empty. The next change overwrites it; run 'facewatch export' first if you need the old data.")
		} else if err != nil {
			Backend.Close()
			return err
		}

		Writer = store.NewWriter(Backend, Registry, Settings.FlushInterval, Log)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return shutdown()
	},
}

// shutdown flushes pending registry changes and closes the database.
// Use Background here because the main context might be cancelled already (due to Ctrl+C)
// and we still need to persist what was enrolled.
func shutdown() error {
	var err error
	if Writer != nil {
		if ferr := Writer.Close(context.Background()); ferr != nil {
			err = fmt.Errorf("failed to save registry: %w", ferr)
		}
		Writer = nil
	}
	if Backend != nil {
		Backend.Close()
		Backend = nil
	}
	if Log != nil {
		_ = Log.Sync()
	}
	return err
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	err := rootCmd.ExecuteContext(ctx)
	// PostRun does not run after a failed command; flush anyway.
	if serr := shutdown(); err == nil {
		err = serr
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./facewatch.yaml or ~/.facewatch/facewatch.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "Registry database: postgres:// URL or sqlite path (default: sqlite://~/.facewatch/registry.db)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}
