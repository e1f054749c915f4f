package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/kass/go-geo-points/pkg/auth"
	"github.com/kass/go-geo-points/pkg/config"
	"github.com/kass/go-geo-points/pkg/events"
	"github.com/kass/go-geo-points/pkg/metrics"
	"github.com/kass/go-geo-points/pkg/postgis"
	"github.com/kass/go-geo-points/pkg/proximity"
	"github.com/kass/go-geo-points/pkg/rtree"
	"github.com/kass/go-geo-points/pkg/store"
)

// app is the wired service shared by every command.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	reg     *prometheus.Registry
	metrics *metrics.Metrics
	index   *rtree.GeoIndex
	store   *store.Store
	engine  *proximity.Engine
	pg      *postgis.Store // nil with the memory driver

	closers []func()
}

func bindFlag(key string, f *pflag.Flag) {
	if err := v.BindPFlag(key, f); err != nil {
		panic(fmt.Sprintf("failed to bind flag %s: %v", f.Name, err))
	}
}

// newApp loads configuration, connects the backend and loads the index from it.
func newApp(ctx context.Context) (*app, error) {
	cfg := config.MustLoad(v, configFile)
	logger := setupLogger(cfg.Env, os.Stderr)
	if cfg.UsesLocalSecret() {
		logger.WarnContext(ctx, "auth.secret is not set, signing tokens with the local development secret")
	}

	a := &app{cfg: cfg, log: logger, reg: metrics.NewRegistry()}
	a.metrics = metrics.NewMetrics(a.reg)

	var backend store.Backend
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pool, err := postgis.NewDatabase(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)

		a.pg = postgis.NewStore(pool, logger)
		if err := a.pg.EnsureSchema(ctx); err != nil {
			a.Close()
			return nil, err
		}
		backend = a.pg
	default:
		backend = store.NewMemoryBackend()
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.NATS.URL != "" {
		nats, err := events.NewNatsPublisher(ctx, cfg.NATS.URL, cfg.NATS.Stream, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		publisher = nats
		a.closers = append(a.closers, nats.Close)
	}

	a.index = rtree.NewGeoIndexWithPartitions(cfg.Index.Partitions)
	a.store = store.New(backend, a.index, logger, store.WithPublisher(publisher), store.WithMetrics(a.metrics))
	a.engine = proximity.NewEngine(a.store, logger, a.metrics, proximity.Config{
		PageSize:    cfg.Search.PageSize,
		MaxPageSize: cfg.Search.MaxPageSize,
	})

	n, err := a.store.Rebuild(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	logger.InfoContext(ctx, "Spatial index loaded", "points", n, "partitions", a.index.Partitions(), "driver", cfg.Storage.Driver)
	return a, nil
}

func (a *app) tokens() (*auth.TokenManager, error) {
	return auth.NewTokenManager(a.cfg.Auth.Secret, a.cfg.Auth.TokenTTL)
}

// Close releases connections in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// setupLogger initializes and returns a logger based on the environment provided.
func setupLogger(env string, w io.Writer) *slog.Logger {
	var log *slog.Logger

	dropTime := func(_ []string, a slog.Attr) slog.Attr {
		if a.Key == slog.TimeKey {
			return slog.Attr{}
		}
		return a
	}

	switch env {
	case config.EnvLocal:
		log = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug, AddSource: true}))
	case config.EnvDev:
		log = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
	case config.EnvProd:
		log = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelWarn, ReplaceAttr: dropTime}))
	default:
		log = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelError, ReplaceAttr: dropTime}))
		log.Error(
			"The env parameter was not specified or was invalid. Logging will be minimal, by default.",
			slog.String("available_envs", "local, development, production"))
	}

	return log
}
