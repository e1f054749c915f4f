package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kass/go-geo-points/pkg/api"
)

const shutdownTimeout = 10 * time.Second

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	tokens, err := a.tokens()
	if err != nil {
		return err
	}

	handler := api.NewHandler(a.store, a.engine, tokens, a.log,
		api.WithMetrics(a.metrics, a.reg),
		api.WithTimeout(a.cfg.HTTP.RequestTimeout),
	)
	server := &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      handler.Routes(),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.InfoContext(ctx, "Starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.InfoContext(ctx, "Shutdown signal received. Stopping server...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	a.log.InfoContext(ctx, "Server stopped gracefully.")
	return nil
}
