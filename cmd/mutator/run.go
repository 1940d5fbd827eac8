package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/klyr/mutator/internal/config"
	"github.com/klyr/mutator/internal/gateway"
	"github.com/klyr/mutator/internal/logging"
	"github.com/klyr/mutator/internal/observability"
)

func newRunCmd() *cobra.Command {
	var configPath string
	var watch bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the header mutation gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runGateway(cmd.Context(), cfg, watch)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&watch, "watch", false, "Reload configuration and header rules when the files change")

	return cmd
}

func runGateway(ctx context.Context, cfg *config.Config, watch bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, err := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Service: "mutator",
		Version: version,
	})
	if err != nil {
		return err
	}

	opts := []gateway.Option{gateway.WithLogger(logger)}

	var reg *prometheus.Registry
	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = observability.NewMetrics(reg)
		opts = append(opts, gateway.WithMetrics(metrics))
	}

	if cfg.Logging.ExchangeLog != "" {
		exchangeLog, closer, err := logging.OpenExchangeLog(cfg.ResolvePath(cfg.Logging.ExchangeLog))
		if err != nil {
			return err
		}
		defer func() { _ = closer() }()
		opts = append(opts, gateway.WithExchangeLog(exchangeLog))
	}

	gw, err := gateway.New(cfg, opts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           gw,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	var adminSrv *http.Server
	if cfg.Metrics.Enabled {
		adminSrv = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           gw.AdminHandler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	signalCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(signalCtx)

	g.Go(func() error {
		logger.Info().Str(logging.FieldEvent, "server.listening").Str(logging.FieldListen, srv.Addr).Bool("tls", cfg.Server.TLS.Enabled).Msg("gateway listening")
		var err error
		if cfg.Server.TLS.Enabled {
			err = srv.ListenAndServeTLS(cfg.ResolvePath(cfg.Server.TLS.CertFile), cfg.ResolvePath(cfg.Server.TLS.KeyFile))
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	if adminSrv != nil {
		g.Go(func() error {
			logger.Info().Str(logging.FieldEvent, "admin.listening").Str(logging.FieldListen, adminSrv.Addr).Msg("admin server listening")
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if watch {
		holder := config.NewHolder(cfg, logger)
		updates := make(chan *config.Config, 1)
		holder.Subscribe(updates)
		holder.OnReloadFailure(metrics.ObserveReload)

		g.Go(func() error {
			return holder.Watch(gctx)
		})
		g.Go(func() error {
			applyUpdates(gctx, gw, updates, metrics, logger)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = config.DefaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		logger.Info().Str(logging.FieldEvent, "server.shutdown").Msg("shutting down")
		err := srv.Shutdown(shutdownCtx)
		if adminSrv != nil {
			err = errors.Join(err, adminSrv.Shutdown(shutdownCtx))
		}
		return err
	})

	return g.Wait()
}

// applyUpdates swaps reloaded configurations into the gateway. Settings that
// belong to listeners (addresses, TLS, metrics) take effect on restart.
func applyUpdates(ctx context.Context, gw *gateway.Gateway, updates <-chan *config.Config, metrics *observability.Metrics, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case next := <-updates:
			err := gw.Apply(next)
			metrics.ObserveReload(err)
			if err != nil {
				logger.Error().Str(logging.FieldEvent, "gateway.apply_failed").Err(err).Msg("reloaded configuration rejected; keeping previous")
			}
		}
	}
}
