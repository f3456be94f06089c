package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/aule-escrow/internal/webhook"
	"github.com/manthysbr/aule-escrow/pkg/kernel"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the timeout sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			logger.Info("starting escrow kernel", "env", cfg.Env, "db_driver", cfg.DB.Driver)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			go func() {
				sig := make(chan os.Signal, 1)
				signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
				select {
				case <-sig:
					logger.Info("shutting down")
					cancel()
				case <-ctx.Done():
				}
			}()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Error("failed to close resources", "error", err)
				}
			}()

			verifier := webhook.NewVerifier(webhook.WithMaxAge(cfg.Webhook.MaxAge))
			server, err := kernel.NewServer(ctx, logger, a.lifecycle, a.ledger, a.workers, a.events, a.settings,
				a.limiter, verifier, a.exporter, kernel.Config{
					RequireWebhookSecret: cfg.Webhook.RequireSecret,
					JobsPerMinute:        cfg.RateLimit.JobsPerMinute,
				})
			if err != nil {
				return fmt.Errorf("failed to init http server: %w", err)
			}

			c := cors.New(cors.Options{
				AllowedOrigins:   cfg.HTTP.CORSOrigins,
				AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders:   []string{"*"},
				AllowCredentials: true,
			})

			httpServer := &http.Server{
				Addr:              cfg.HTTP.Addr,
				Handler:           c.Handler(server.Handler()),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gCtx := errgroup.WithContext(ctx)

			g.Go(func() error {
				logger.Info("http server listening", "addr", cfg.HTTP.Addr)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})

			g.Go(func() error {
				return a.sweep.Run(gCtx)
			})

			g.Go(func() error {
				<-gCtx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			})

			return g.Wait()
		},
	}
}
