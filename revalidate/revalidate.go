// Package revalidate sends best-effort revalidation signals to the edge layer
// that renders public shop pages.
//
// A signal is a HEAD request to the shop's public URL carrying a bypass token.
// The edge treats it as "drop any cached render of this page". Delivery is never
// allowed to stall the write that triggered it: every call is bounded by a hard
// timeout, and a timeout counts as success because the edge revalidates on its
// next natural fetch anyway.
//
//	n := revalidate.New(revalidate.Config{
//		BaseURL:     "https://pattyly.com",
//		BypassToken: os.Getenv("PRERENDER_BYPASS_TOKEN"),
//	})
//	ok := n.Notify(ctx, "chez-anna")
package revalidate

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultHeader is the header carrying the bypass token.
	DefaultHeader = "x-prerender-revalidate"

	// MaxTimeout is the upper bound on a single signal.
	MaxTimeout = 10 * time.Second
)

// Config configures a Notifier.
type Config struct {
	// BaseURL is the public origin; the slug is appended as a path segment.
	BaseURL string

	// Header is the bypass header name (default: DefaultHeader).
	Header string

	// BypassToken is sent in Header. Never logged.
	BypassToken string

	// Timeout bounds each signal (default and maximum: MaxTimeout).
	Timeout time.Duration
}

// Notifier sends revalidation signals.
type Notifier struct {
	baseURL string
	header  string
	token   string
	timeout time.Duration
	client  *http.Client
	logger  *zap.Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient replaces the default HTTP client. The per-call timeout still applies.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) {
		if c != nil {
			n.client = c
		}
	}
}

// WithLogger sets the logger used to report outcomes.
func WithLogger(logger *zap.Logger) Option {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// New creates a Notifier.
func New(cfg Config, opts ...Option) *Notifier {
	n := &Notifier{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		header:  cfg.Header,
		token:   cfg.BypassToken,
		timeout: cfg.Timeout,
		client:  &http.Client{},
		logger:  zap.NewNop(),
	}
	if n.header == "" {
		n.header = DefaultHeader
	}
	if n.timeout <= 0 || n.timeout > MaxTimeout {
		n.timeout = MaxTimeout
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify asks the edge to revalidate the page for slug.
//
// Returns true when the edge answered 200 or 404 (the page may not exist yet or
// the slug may have changed), and when the call timed out. Any other status or
// transport error returns false.
func (n *Notifier) Notify(ctx context.Context, slug string) bool {
	if slug == "" {
		n.logger.Warn("revalidation skipped: empty slug")
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	target := n.baseURL + "/" + url.PathEscape(slug)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, http.NoBody)
	if err != nil {
		n.logger.Error("revalidation request build failed", zap.String("slug", slug), zap.Error(err))
		return false
	}
	req.Header.Set(n.header, n.token)

	start := time.Now()
	resp, err := n.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			n.logger.Info("revalidation timed out, assuming handled",
				zap.String("slug", slug),
				zap.Duration("elapsed", time.Since(start)),
			)
			return true
		}
		n.logger.Warn("revalidation request failed", zap.String("slug", slug), zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNotFound:
		n.logger.Debug("revalidation handled",
			zap.String("slug", slug),
			zap.Int("status", resp.StatusCode),
			zap.Duration("elapsed", time.Since(start)),
		)
		return true
	default:
		n.logger.Warn("revalidation rejected", zap.String("slug", slug), zap.Int("status", resp.StatusCode))
		return false
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
