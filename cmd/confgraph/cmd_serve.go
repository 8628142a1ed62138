package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"confgraph/internal/app"
)

func runServe(cmd *cobra.Command, args []string) error {
	debounce, err := cmd.Flags().GetDuration("debounce")
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Watch(ctx, debounce)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		slog.Info("shutting down")
		cancel()
		return <-errCh
	case err := <-errCh:
		if errors.Is(err, app.ErrNotWatchable) {
			slog.Warn("store is not watchable, serving the loaded graph until interrupted")
			<-quit
			return nil
		}
		return err
	}
}
