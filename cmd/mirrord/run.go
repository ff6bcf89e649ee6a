package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fruitsalade/nsmirror/internal/api"
	"github.com/fruitsalade/nsmirror/internal/events"
	"github.com/fruitsalade/nsmirror/internal/logging"
	"github.com/fruitsalade/nsmirror/internal/metrics"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "mirror the namespace and serve it over HTTP",
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}
			defer logging.Sync()

			logger.Info("mirrord starting",
				zap.String("root", cfg.NamespaceRoot),
				zap.String("storage", cfg.Storage.Type),
				zap.String("transport", cfg.Broker.Transport),
				zap.String("listen", cfg.ListenAddr),
				zap.String("metrics", cfg.MetricsAddr))

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := newStack(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.orch.Stop()

			broadcaster := events.NewBroadcaster()
			st.orch.SetObserver(broadcaster)

			if err := st.orch.Start(ctx); err != nil {
				return err
			}
			logger.Info("mirror ready", zap.Int("entries", st.mirror.Len()))

			metricsServer := &http.Server{
				Addr:    cfg.MetricsAddr,
				Handler: metrics.Handler(),
			}
			go func() {
				logger.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
				if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server error", zap.Error(err))
				}
			}()

			srv := api.NewServer(api.Config{
				Mirror:      st.mirror,
				Refresher:   st.orch,
				Broadcaster: broadcaster,
				Status:      func() string { return st.conn.State().String() },
				Users:       cfg.Users,
				Logger:      logger.Named("api"),
			})
			httpServer := &http.Server{
				Addr:              cfg.ListenAddr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			serveErr := make(chan error, 1)
			go func() {
				logger.Info("server listening", zap.String("addr", cfg.ListenAddr))
				if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutting down...")
			case <-st.conn.Done():
				err = st.conn.Err()
				logger.Error("notification connection closed", zap.Error(err))
			case err = <-serveErr:
				logger.Error("server error", zap.Error(err))
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			// Open SSE streams keep Shutdown waiting; Close drops them.
			if httpServer.Shutdown(shutdownCtx) != nil {
				httpServer.Close()
			}
			metricsServer.Close()
			if stopErr := st.orch.Stop(); stopErr != nil {
				logger.Warn("stop", zap.Error(stopErr))
			}
			return err
		},
	}
}
