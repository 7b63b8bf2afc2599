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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/arenaledger/arena-stack/common/logging"
	"github.com/arenaledger/arena-stack/common/middleware"
	"github.com/arenaledger/arena-stack/ledger/internal/handlers"
	"github.com/arenaledger/arena-stack/ledger/internal/server"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ledger service",
	Long: `Run migrations, then start the HTTP API, the reconciliation scheduler
and, when NATS is enabled, the chain event listener.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting ledger service",
		logging.Service("ledger"),
		"port", cfg.Server.Port,
		"driver", cfg.Database.Driver)

	a, err := buildApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	h := handlers.NewHandler(handlers.Deps{
		Reconciliation: a.recon,
		Scheduler:      a.scheduler,
		Views:          a.views,
		WriteModel:     a.writes,
		Ingester:       a.processor,
		Store:          a.store,
	}, logger)
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth.jwt_secret is empty; admin routes are unauthenticated")
	}
	router := server.NewRouter(h, server.Options{
		Admin:       middleware.RequireRole(cfg.Auth.JWTSecret, cfg.Auth.AdminRole),
		Metrics:     promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Projection.Async {
		g.Go(func() error {
			if err := a.views.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if err := a.scheduler.Start(gctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer func() {
		if err := a.scheduler.Stop(); err != nil {
			logger.Warn("Scheduler stop failed", logging.Error(err))
		}
	}()

	if a.listener != nil {
		g.Go(func() error {
			return a.listener.Run(gctx)
		})
	} else {
		logger.Warn("NATS disabled; chain listener not started")
	}

	g.Go(func() error {
		logger.Info("Ledger service listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server exited")
	return nil
}
