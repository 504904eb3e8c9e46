package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"brokerdesk/api/internal/app"
	"brokerdesk/api/internal/store"
)

const (
	commissionSweepInterval = time.Hour
	shutdownTimeout         = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Apply migrations, then run the HTTP API and background workers",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations (or roll back the latest with --down)",
	RunE:  runMigrate,
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch-reminders",
	Short: "Send due reminders once and exit",
	RunE:  runDispatch,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.migrate(ctx); err != nil {
		return err
	}
	service, mailer, err := buildService(ctx, rt)
	if err != nil {
		return err
	}
	dispatcher := newDispatcher(rt, mailer)
	proxies, err := app.ParseTrustedProxies(rt.cfg.TrustedProxies)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              rt.cfg.Addr,
		Handler:           app.NewHTTPServer(service, rt.cfg.CORSOrigin).TrustProxies(proxies).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.logger.Info("BrokerDesk API listening", zap.String("addr", rt.cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		return sweepCommissions(gctx, rt.logger, service)
	})

	err = g.Wait()
	rt.logger.Info("shutdown complete")
	return err
}

// sweepCommissions approves pending commissions whose hold has elapsed.
func sweepCommissions(ctx context.Context, logger *zap.Logger, service *app.Service) error {
	ticker := time.NewTicker(commissionSweepInterval)
	defer ticker.Stop()
	for {
		n, err := service.MatureCommissions(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Error("mature commissions", zap.Error(err))
		case n > 0:
			logger.Info("commissions approved", zap.Int64("count", n))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	down, _ := cmd.Flags().GetBool("down")
	if !down {
		return rt.migrate(ctx)
	}
	name, err := store.RollbackLatest(ctx, rt.db, rt.cfg.MigrationsDir)
	if err != nil {
		return err
	}
	if name == "" {
		rt.logger.Info("no migration to roll back")
		return nil
	}
	rt.logger.Info("migration rolled back", zap.String("migration", name))
	return nil
}

func runDispatch(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	if _, err := rt.dialRedis(); err != nil {
		rt.logger.Warn("dispatching without redis lock", zap.Error(err))
	}
	stats, err := newDispatcher(rt, newMailer(rt.cfg, rt.logger)).RunOnce(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	rt.logger.Info("reminders dispatched",
		zap.Int64("reclaimed", stats.Reclaimed),
		zap.Int64("expired", stats.Expired),
		zap.Int("due", stats.Due),
		zap.Int64("sent", stats.Sent),
		zap.Int64("retried", stats.Retried),
		zap.Int64("failed", stats.Failed),
		zap.Int64("skipped", stats.Skipped),
		zap.Int64("errors", stats.Errors),
	)
	return nil
}
