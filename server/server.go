// Package server exposes the catalog and the rate-limit administration over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/boubamga9/Pattyly-sub002/auth"
	"github.com/boubamga9/Pattyly-sub002/bind"
	"github.com/boubamga9/Pattyly-sub002/catalog"
	"github.com/boubamga9/Pattyly-sub002/ratelimit"
	"github.com/boubamga9/Pattyly-sub002/wrapper"
)

// Catalogs is the catalog workflow the handlers drive.
type Catalogs interface {
	Load(ctx context.Context, shopID string) (*catalog.Catalog, error)
	Invalidate(ctx context.Context, shopID string) (int64, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Catalogs Catalogs
	Limiter  *ratelimit.Limiter
	// Health is optional; /healthz answers 200 without it.
	Health Pinger
	Logger *zap.Logger
}

// Config shapes the router and the listener.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64

	// AdminAPIKey guards /admin. Empty rejects every admin request.
	AdminAPIKey string

	// Rules maps route prefixes to limits. No rules disables limiting.
	Rules        map[string]ratelimit.Rule
	RoutesOption []ratelimit.RoutesOption
}

// NewRouter builds the chi router with the middleware chain:
// wrapper (outermost), rate limiting, then per-group auth and binding.
func NewRouter(cfg Config, d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handlers{catalogs: d.Catalogs, limiter: d.Limiter, health: d.Health, logger: logger}

	r := chi.NewRouter()
	r.Use(wrapper.New(wrapper.WithCanonlog(), wrapper.WithLogger(logger)))
	if len(cfg.Rules) > 0 && d.Limiter != nil {
		r.Use(ratelimit.Routes(d.Limiter, cfg.Rules, cfg.RoutesOption...))
	}
	r.NotFound(wrapper.NotFound)
	r.MethodNotAllowed(wrapper.MethodNotAllowed)

	r.Get("/healthz", h.healthz)
	r.Get("/shops/{shopID}/catalog", h.getCatalog)

	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.APIKey(auth.StaticKey(cfg.AdminAPIKey)))
		r.Use(bind.New(bind.WithMaxBodySize(cfg.MaxBodyBytes)))

		r.Post("/shops/{shopID}/invalidate", h.invalidate)
		r.Get("/ratelimit", h.rateLimitStats)
		r.Delete("/ratelimit", h.rateLimitReset)
	})

	return r
}

// Server is the HTTP listener around NewRouter.
type Server struct {
	http            *http.Server
	shutdownTimeout time.Duration
	logger          *zap.Logger
}

// New creates a server; call Run to start it.
func New(cfg Config, d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           NewRouter(cfg, d),
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 2 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
			MaxHeaderBytes:    1 << 20,
		},
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          logger.Named("server"),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", ln.Addr().String()))
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("forced shutdown", zap.Error(err))
		return err
	}
	s.logger.Info("stopped")
	return nil
}
