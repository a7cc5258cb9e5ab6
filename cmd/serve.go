package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/facewatch/internal/api"
	"github.com/andresmejia3/facewatch/internal/notify"
	"github.com/spf13/cobra"
)

var serveOpts Options

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the enrollment API, optionally with a live detection session",
	Long: `Starts the HTTP API. With --input, a detection session is attached and can be
controlled through /api/v1/session; its events stream on /api/v1/events.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context(), serveOpts)
	},
}

func init() {
	addLiveFlags(serveCmd, &serveOpts)
	serveCmd.Flags().String("listen", ":8080", "Address to listen on")
	serveCmd.Flags().BoolVar(&serveOpts.AutoStart, "start", false, "Start the detection session immediately")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, opts Options) error {
	hub := notify.NewHub()
	deps := api.Deps{
		Registry:  Registry,
		Hub:       hub,
		Threshold: Settings.Threshold,
		Logger:    Log,
	}

	if opts.Input != "" {
		l, err := startLive(ctx, opts.Input, hub)
		if err != nil {
			return err
		}
		defer l.Close()
		deps.Session = l.session
		go l.watchConfig(ctx)

		if opts.AutoStart {
			if err := l.session.Start(ctx); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "👀 Detection session started.")
		}
	}

	srv := api.NewServer(deps, Settings.Listen)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	fmt.Fprintf(os.Stderr, "🌐 API listening on %s\n", Settings.Listen)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
