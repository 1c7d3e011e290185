package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/prospector/pkg/kernel"
)

func newServeCommand(a *app) *cobra.Command {
	var (
		addr    string
		workers int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker pool and the HTTP control surface",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				a.cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("workers") {
				if workers < 1 {
					return fmt.Errorf("--workers must be at least 1")
				}
				a.cfg.Workers.Count = workers
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), a)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides server.addr)")
	cmd.Flags().IntVar(&workers, "workers", 0, "Number of workers (overrides workers.count)")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	logger := a.logger
	logger.Info("starting prospector", "addr", a.cfg.Server.Addr, "workers", a.cfg.Workers.Count)

	rt, err := build(ctx, a.cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	apiServer, err := kernel.NewServer(logger, rt.controller)
	if err != nil {
		return fmt.Errorf("init api server: %w", err)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: a.cfg.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	httpServer := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           c.Handler(apiServer.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return rt.pool.Run(gCtx)
	})

	g.Go(func() error {
		return rt.artifacts.Run(gCtx)
	})

	g.Go(func() error {
		logger.Info("starting api server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("prospector stopped", "error", err)
	return err
}
