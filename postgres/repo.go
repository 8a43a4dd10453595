// Package postgres is the durable store behind the catalog: shops, their
// products, categories, order forms and FAQs, plus the per-shop catalog version.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Repo reads catalog data from PostgreSQL through a pgx pool.
type Repo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Option configures a Repo.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	maxConns int32
}

// WithLogger sets the logger used for query timing at debug level.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMaxConns caps the pool size (default: pgxpool's own default).
func WithMaxConns(n int32) Option {
	return func(o *options) {
		o.maxConns = n
	}
}

// Open creates the pool and verifies connectivity. It does not run migrations.
func Open(ctx context.Context, dsn string, opts ...Option) (*Repo, error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if o.maxConns > 0 {
		cfg.MaxConns = o.maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	o.logger.Info("postgres pool ready", zap.Int32("max_conns", cfg.MaxConns))
	return &Repo{pool: pool, logger: o.logger}, nil
}

// Ping checks that the database is reachable.
func (r *Repo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close releases every pooled connection.
func (r *Repo) Close() {
	r.pool.Close()
}

// Migrate applies every pending embedded migration. It opens its own
// database/sql handle through pgx's stdlib driver; the pool is not involved.
func Migrate(dsn string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("sql.Open pgx: %w", err)
	}
	defer db.Close()

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("postgres driver: %w", err)
	}

	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate.New: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("no new migrations to apply")
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, _, _ := m.Version()
	logger.Info("migrations applied", zap.Uint("version", version))
	return nil
}

func qb() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
}

func (r *Repo) logQuery(op string, start time.Time, err error) {
	if err != nil {
		r.logger.Debug("query failed", zap.String("op", op), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return
	}
	r.logger.Debug("query ok", zap.String("op", op), zap.Duration("elapsed", time.Since(start)))
}
