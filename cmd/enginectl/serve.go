package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine daemon in the foreground",
	Long: `serve starts the download engine: the admission queue, the cron
scheduler, the progress pump, the ingress bridge, and the loopback
control API every other enginectl subcommand talks to. It blocks until
interrupted with SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := initApp()
		if err != nil {
			return fmt.Errorf("initialize engine: %w", err)
		}
		defer app.Close()

		// The control API is the only way enginectl's other subcommands can
		// reach a running daemon, so serve always turns it on regardless of
		// what was last persisted.
		if err := app.cfg.SetEnableControlAPI(true); err != nil {
			app.logger.Warn("failed to persist control API enablement", "error", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			app.logger.Info("received signal, shutting down", "signal", sig.String())
			cancel()
		}()

		app.logger.Info("engine daemon starting", "download_root", app.cfg.GetDownloadRoot())
		app.Run(ctx)

		<-ctx.Done()
		app.logger.Info("engine daemon stopped")
		return nil
	},
}
