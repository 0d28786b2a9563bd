package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sandrolain/mqtt-edgebroker/src/config"
	"github.com/sandrolain/mqtt-edgebroker/src/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigChan
			slog.Info("received signal, initiating graceful shutdown", "signal", sig.String())
			cancel()
		}()

		l := slog.Default().With("context", "main")

		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		l.Info("starting broker", "listeners", len(cfg.Listeners))
		srv, err := server.Build(ctx, cfg, l)
		if err != nil {
			return fmt.Errorf("failed to build broker: %w", err)
		}

		color.Green("broker ready, listening on %d configured transport(s)", len(cfg.Listeners))
		srv.Run(ctx)
		return nil
	},
}
