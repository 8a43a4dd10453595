package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/boubamga9/Pattyly-sub002/catalog"
	catalogstore "github.com/boubamga9/Pattyly-sub002/catalog/store"
	"github.com/boubamga9/Pattyly-sub002/config"
	"github.com/boubamga9/Pattyly-sub002/postgres"
	"github.com/boubamga9/Pattyly-sub002/ratelimit"
	ratelimitstore "github.com/boubamga9/Pattyly-sub002/ratelimit/store"
	"github.com/boubamga9/Pattyly-sub002/revalidate"
	"github.com/boubamga9/Pattyly-sub002/server"
)

// app owns every long-lived dependency of the serve command.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	repo    *postgres.Repo
	redis   *redis.Client
	closers []func() error
}

func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.Database.DSN == "" {
		return nil, errors.New("database.dsn is required to serve")
	}
	repo, err := postgres.Open(ctx, cfg.Database.DSN,
		postgres.WithLogger(logger.Named("postgres")),
		postgres.WithMaxConns(cfg.Database.MaxConns),
	)
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	a.repo = repo
	a.closers = append(a.closers, func() error { repo.Close(); return nil })

	if cfg.Cache.Backend == "redis" || cfg.RateLimit.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			a.close()
			return nil, fmt.Errorf("init redis: %w", err)
		}
		a.redis = client
		a.closers = append(a.closers, client.Close)
		logger.Info("redis ready", zap.String("addr", cfg.Redis.Addr), zap.Int("db", cfg.Redis.DB))
	}

	return a, nil
}

func (a *app) catalogStore() (catalogstore.Store, error) {
	cc := a.cfg.Cache
	switch cc.Backend {
	case "ristretto":
		return catalogstore.NewRistretto(catalogstore.RistrettoConfig{MaxCost: cc.MaxCostBytes})
	case "redis":
		return catalogstore.NewRedisWithClient(a.redis, cc.Prefix, gobreaker.Settings{
			OnStateChange: a.logBreaker,
		}), nil
	default:
		return catalogstore.NewMemory(
			catalogstore.WithCleanupInterval(cc.CleanupInterval),
			catalogstore.WithLogger(a.logger.Named("catalog.store")),
		), nil
	}
}

func (a *app) logBreaker(name string, from, to gobreaker.State) {
	a.logger.Warn("circuit breaker state change",
		zap.String("breaker", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

func (a *app) catalogService() (*catalog.Service, error) {
	st, err := a.catalogStore()
	if err != nil {
		return nil, fmt.Errorf("init catalog store: %w", err)
	}
	a.closers = append(a.closers, st.Close)

	opts := []catalog.Option{
		catalog.WithTTL(a.cfg.Cache.TTL),
		catalog.WithLogger(a.logger.Named("catalog")),
	}
	if rc := a.cfg.Revalidate; rc.BaseURL != "" {
		opts = append(opts, catalog.WithNotifier(revalidate.New(revalidate.Config{
			BaseURL:     rc.BaseURL,
			Header:      rc.Header,
			BypassToken: rc.Token,
			Timeout:     rc.Timeout,
		}, revalidate.WithLogger(a.logger.Named("revalidate")))))
	}
	return catalog.NewService(a.repo, catalog.NewCache(st), opts...), nil
}

func (a *app) limiter() *ratelimit.Limiter {
	rc := a.cfg.RateLimit
	logger := a.logger.Named("ratelimit")

	var st ratelimitstore.Store
	if rc.Backend == "redis" {
		st = ratelimitstore.NewRedisWithClient(a.redis, rc.Prefix, &gobreaker.Settings{}, logger)
	} else {
		st = ratelimitstore.NewMemory(
			ratelimitstore.WithCleanupInterval(rc.CleanupInterval),
			ratelimitstore.WithLogger(logger),
		)
	}
	a.closers = append(a.closers, st.Close)
	return ratelimit.New(st, ratelimit.WithLogger(logger))
}

func (a *app) server() (*server.Server, error) {
	svc, err := a.catalogService()
	if err != nil {
		return nil, err
	}

	sc := a.cfg.Server
	var routesOpts []ratelimit.RoutesOption
	if a.cfg.RateLimit.RealIP {
		routesOpts = append(routesOpts, ratelimit.WithRealIP())
	}
	if a.cfg.RateLimit.Enforce {
		routesOpts = append(routesOpts, ratelimit.WithEnforce())
	}
	routesOpts = append(routesOpts, ratelimit.WithHeaderMode(a.cfg.HeaderMode()))

	return server.New(server.Config{
		Addr:            sc.Addr,
		ReadTimeout:     sc.ReadTimeout,
		WriteTimeout:    sc.WriteTimeout,
		IdleTimeout:     sc.IdleTimeout,
		ShutdownTimeout: sc.ShutdownTimeout,
		MaxBodyBytes:    sc.MaxBodyBytes,
		AdminAPIKey:     a.cfg.Admin.APIKey,
		Rules:           a.cfg.Rules(),
		RoutesOption:    routesOpts,
	}, server.Deps{
		Catalogs: svc,
		Limiter:  a.limiter(),
		Health:   a.repo,
		Logger:   a.logger,
	}), nil
}

// close releases dependencies in reverse order of creation.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
