package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/zerotrust-dash/ztdash/internal/config"
	"github.com/zerotrust-dash/ztdash/internal/logging"
	"github.com/zerotrust-dash/ztdash/internal/metrics"
	"github.com/zerotrust-dash/ztdash/internal/mock"
	"github.com/zerotrust-dash/ztdash/internal/scheduler"
	"github.com/zerotrust-dash/ztdash/internal/telemetry"
	"github.com/zerotrust-dash/ztdash/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	log := logging.New(logging.Options{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	if cfg.WS.SweepInterval >= cfg.WS.StaleThreshold {
		log.Warn().Dur("sweep_interval", cfg.WS.SweepInterval).Dur("stale_threshold", cfg.WS.StaleThreshold).
			Msg("sweep interval is not shorter than the stale threshold; silent clients linger longer")
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats := metrics.New()
	store := telemetry.NewStore(cfg.Generator.MaxAlerts)
	registry := ws.NewRegistry(time.Now, logging.Component(log, "registry"), stats)
	broadcaster := ws.NewBroadcaster(registry, logging.Component(log, "broadcaster"), stats)
	server := ws.NewServer(cfg, store, registry, broadcaster, stats, logging.Component(log, "ws"))

	gen, err := mock.NewGenerator(cfg.Generator, store, broadcaster, logging.Component(log, "generator"),
		mock.WithObserver(stats.ObserveTick))
	if err != nil {
		return err
	}

	maintenance := scheduler.New(logging.Component(log, "maintenance"))
	if err := maintenance.Add(server.SweepTask()); err != nil {
		return err
	}

	mux := http.NewServeMux()
	server.SetupRoutes(mux)
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", httpServer.Addr).Str("client_url", cfg.Server.ClientURL).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := gen.Start(ctx); err != nil {
			return err
		}
		if err := maintenance.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")

		gen.Stop()
		maintenance.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		server.Shutdown()
		return err
	})

	return g.Wait()
}
