package catalog

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultReloadTimeout bounds a catalog reload shared by concurrent misses.
const DefaultReloadTimeout = 10 * time.Second

// Source is the durable store behind the catalog.
// ShopVersion and BumpCatalogVersion must return an error wrapping
// ErrShopNotFound when the shop does not exist.
type Source interface {
	// ShopVersion reads the shop's id, slug and current catalog version.
	ShopVersion(ctx context.Context, shopID string) (ShopVersion, error)

	// ShopProfile, Products and FAQs are independent and may run concurrently.
	ShopProfile(ctx context.Context, shopID string) (Shop, error)
	Products(ctx context.Context, shopID string) ([]Product, error)
	FAQs(ctx context.Context, shopID string) ([]FAQ, error)

	// BumpCatalogVersion atomically increments the catalog version and returns
	// the new version and the shop's public slug.
	BumpCatalogVersion(ctx context.Context, shopID string) (version int64, slug string, err error)
}

// Notifier tells an external rendering layer that a shop's public page is stale.
type Notifier interface {
	Notify(ctx context.Context, slug string) bool
}

// Service runs the cached catalog read workflow and the invalidation workflow.
type Service struct {
	source   Source
	cache    *Cache
	notifier Notifier
	ttl      time.Duration
	logger   *zap.Logger
	tracer   trace.Tracer

	group singleflight.Group
	// reloadTimeout bounds a shared reload, which outlives its callers' contexts.
	reloadTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier sends a revalidation signal after every version bump.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

// WithTTL sets the lifetime of cached catalogs (default: DefaultTTL).
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithReloadTimeout bounds one durable store reload (default: DefaultReloadTimeout).
func WithReloadTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.reloadTimeout = d
		}
	}
}

// WithLogger sets the component logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTracer overrides the tracer taken from the global OpenTelemetry provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// NewService creates a catalog service.
func NewService(source Source, cache *Cache, opts ...Option) *Service {
	s := &Service{
		source:        source,
		cache:         cache,
		ttl:           DefaultTTL,
		reloadTimeout: DefaultReloadTimeout,
		logger:        zap.NewNop(),
		tracer:        otel.Tracer("github.com/boubamga9/Pattyly-sub002/catalog"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Cache returns the underlying cache.
func (s *Service) Cache() *Cache {
	return s.cache
}

// Load returns the shop's catalog, from cache when the current version is cached.
//
// The cache entry is written under the version read at the start of the call.
// If a writer bumps the version mid-load, the entry lands under the stale key
// and simply goes unused until its TTL elapses.
//
// Durable store errors are returned; nothing is cached on failure.
// Cache backend errors are logged and bypassed.
func (s *Service) Load(ctx context.Context, shopID string) (*Catalog, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.Load", trace.WithAttributes(attribute.String("shop.id", shopID)))
	defer span.End()

	sv, err := s.source.ShopVersion(ctx, shopID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read catalog version")
		return nil, fmt.Errorf("read catalog version for shop %s: %w", shopID, err)
	}

	key := GenerateKey(sv.ID, sv.CatalogVersion)
	span.SetAttributes(attribute.Int64("catalog.version", sv.CatalogVersion))

	cat, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("catalog cache read failed, reloading", zap.String("key", key), zap.Error(err))
	}
	if ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return cat, nil
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	// The reload is shared by every caller missing on key, so it must not
	// inherit any one caller's cancellation. Each caller still stops waiting
	// when its own context ends.
	ch := s.group.DoChan(key, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.reloadTimeout)
		defer cancel()
		return s.reload(rctx, sv, key)
	})

	select {
	case <-ctx.Done():
		err := ctx.Err()
		span.RecordError(err)
		span.SetStatus(codes.Error, "caller gave up waiting for reload")
		return nil, fmt.Errorf("load catalog for shop %s: %w", shopID, err)
	case res := <-ch:
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, "reload catalog")
			return nil, res.Err
		}
		if res.Shared {
			s.logger.Debug("catalog reload shared", zap.String("key", key))
		}
		return res.Val.(*Catalog), nil
	}
}

func (s *Service) reload(ctx context.Context, sv ShopVersion, key string) (*Catalog, error) {
	var (
		shop     Shop
		products []Product
		faqs     []FAQ
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		shop, err = s.source.ShopProfile(gctx, sv.ID)
		return err
	})
	g.Go(func() error {
		var err error
		products, err = s.source.Products(gctx, sv.ID)
		return err
	})
	g.Go(func() error {
		var err error
		faqs, err = s.source.FAQs(gctx, sv.ID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load catalog for shop %s: %w", sv.ID, err)
	}

	if products == nil {
		products = []Product{}
	}
	if faqs == nil {
		faqs = []FAQ{}
	}

	cat := &Catalog{
		Shop:     shop,
		Products: products,
		FAQs:     faqs,
		Version:  sv.CatalogVersion,
		LoadedAt: time.Now().UTC(),
	}

	if err := s.cache.Set(ctx, key, cat, s.ttl); err != nil {
		s.logger.Warn("catalog cache write failed", zap.String("key", key), zap.Error(err))
	}
	return cat, nil
}

// Invalidate bumps the shop's catalog version so the next Load misses the cache,
// then signals the rendering layer when a notifier is configured. A failed
// signal is logged and does not fail the call.
func (s *Service) Invalidate(ctx context.Context, shopID string) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.Invalidate", trace.WithAttributes(attribute.String("shop.id", shopID)))
	defer span.End()

	version, slug, err := s.source.BumpCatalogVersion(ctx, shopID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bump catalog version")
		return 0, fmt.Errorf("bump catalog version for shop %s: %w", shopID, err)
	}
	span.SetAttributes(attribute.Int64("catalog.version", version))

	if s.notifier != nil {
		if !s.notifier.Notify(ctx, slug) {
			s.logger.Warn("revalidation signal failed",
				zap.String("shop_id", shopID),
				zap.String("slug", slug),
				zap.Int64("version", version),
			)
		}
	}
	return version, nil
}
