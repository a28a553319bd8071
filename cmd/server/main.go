package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fleet"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/otp"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/tracking"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not load .env", "error", err)
	}
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}()
	var checks []httpapi.Check

	var drivers geo.Geo
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		closers = append(closers, rg.Client().Close)
		checks = append(checks, httpapi.Check{Name: "redis", Fn: func(ctx context.Context) error { return rg.Client().Ping(ctx).Err() }})
		drivers = rg
		logger.Info("driver index backed by redis", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	} else {
		drivers = geo.NewIndex()
		logger.Info("driver index in memory")
	}

	var store storage.TripStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		closers = append(closers, ps.Close)
		checks = append(checks, httpapi.Check{Name: "postgres", Fn: ps.Ping})
		if cfg.RunMigrations {
			if err := migrate(ctx, ps); err != nil {
				return err
			}
			logger.Info("migration applied", "file", "001_create_rides.sql")
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
		logger.Info("trip store in memory")
	}

	wsReg := notify.NewRegistry()
	sinks := []notify.Sink{{Name: "ws", Notifier: wsReg}}
	if cfg.PushEndpoint != "" {
		sinks = append(sinks, notify.Sink{Name: "push", Notifier: notify.NewHTTPPush(cfg.PushEndpoint, cfg.PushKey)})
	}
	if cfg.RabbitMQURL != "" {
		pub, err := notify.DialAMQP(cfg.RabbitMQURL, cfg.RabbitMQExchange, logger)
		if err != nil {
			return err
		}
		closers = append(closers, pub.Close)
		sinks = append(sinks, notify.Sink{Name: "rabbitmq", Notifier: pub})
	}

	samples := tracking.MultiSink{store}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		ep := ingest.NewEventPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		closers = append(closers, kp.Close, ep.Close)
		samples = append(samples, kp)
		sinks = append(sinks, notify.Sink{Name: "kafka", Notifier: ep})
		logger.Info("kafka enabled", "brokers", cfg.KafkaBrokers, "locations", cfg.KafkaTopic, "events", cfg.KafkaEventsTopic)
	}
	notifier := notify.NewFanout(logger, sinks...)

	router, err := newRouter(cfg, logger)
	if err != nil {
		return err
	}

	tracker := tracking.NewController(tracking.Config{ApproachRadiusM: cfg.ApproachRadiusM}, tracking.Deps{
		Sink:     samples,
		Notifier: notifier,
		Logger:   logger.With("component", "tracking"),
	})
	rideSvc := rides.NewService(rides.Deps{
		Codes:     otp.New(cfg.OTPTTL),
		Tracker:   tracker,
		Drivers:   drivers,
		Notifier:  notifier,
		Store:     store,
		Logger:    logger.With("component", "rides"),
		Retention: cfg.RideRetention,
	})
	coord := dispatch.NewCoordinator(dispatch.Config{
		OfferTimeout:  cfg.OfferTimeout,
		Budget:        cfg.Budget,
		MaxAttempts:   cfg.MaxAttempts,
		SearchRadiusM: cfg.SearchRadiusM,
		TombstoneTTL:  cfg.TombstoneTTL,
	}, dispatch.Deps{
		Ranker:   &matcher.Ranker{Geo: drivers, TopN: cfg.MatcherTopN},
		Drivers:  drivers,
		Router:   router,
		Rides:    rideSvc,
		Notifier: notifier,
		Store:    store,
		Logger:   logger.With("component", "dispatch"),
	})
	fleetSvc := fleet.NewService(drivers, tracker, rideSvc, coord, logger.With("component", "fleet"))

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(coord, rideSvc, fleetSvc, tracker, wsReg, logger, checks...),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		coord.Shutdown()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "active_requests", coord.ActiveCount())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	coord.Shutdown()
	return err
}

func newRouter(cfg config.ServerConfig, logger *slog.Logger) (*eta.Router, error) {
	var client eta.Client
	switch {
	case cfg.OSRMEndpoint != "":
		client = eta.NewOSRMClient(cfg.OSRMEndpoint)
		logger.Info("routing via osrm", "endpoint", cfg.OSRMEndpoint)
	case cfg.GoogleMapsAPIKey != "":
		gm, err := eta.NewGoogleMapsClient(cfg.GoogleMapsAPIKey)
		if err != nil {
			return nil, err
		}
		client = gm
		logger.Info("routing via google maps")
	default:
		logger.Warn("no routing provider configured, using straight-line estimates")
	}
	return eta.NewRouter(client, eta.NewCache(cfg.RouteCacheTTL), cfg.RoutingRetries, cfg.RoutingBackoff, logger.With("component", "routing")), nil
}

func migrate(ctx context.Context, ps *storage.PostgresStore) error {
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_rides.sql"))
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	return ps.Migrate(ctx, string(b))
}
