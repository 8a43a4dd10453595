package ratelimit

import (
	"context"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/boubamga9/Pattyly-sub002/wrapper"
)

// HeaderMode controls when rate limit headers are included in responses.
type HeaderMode int

const (
	// HeadersAlways includes rate limit headers on every guarded response (default).
	// Headers: RateLimit-Limit, RateLimit-Remaining, RateLimit-Reset
	// When limited: also Retry-After
	HeadersAlways HeaderMode = iota

	// HeadersOnLimitExceeded includes rate limit headers only on limited requests.
	HeadersOnLimitExceeded

	// HeadersNever never includes rate limit headers.
	HeadersNever
)

// KeyFunc extracts the client identity from a request.
// Returning an empty string skips rate limiting for that request.
type KeyFunc func(*http.Request) string

type contextKey struct{}

type routeRule struct {
	prefix string
	rule   Rule
}

type routesConfig struct {
	keyFn      KeyFunc
	enforce    bool
	headerMode HeaderMode
}

// RoutesOption configures the Routes middleware.
type RoutesOption func(*routesConfig)

// WithRealIP identifies clients by the first X-Forwarded-For entry, then
// X-Real-IP, falling back to RemoteAddr.
//
// SECURITY: Only use this behind a trusted reverse proxy that sets these headers.
// Without a proxy, clients can spoof X-Forwarded-For to bypass rate limits.
func WithRealIP() RoutesOption {
	return func(c *routesConfig) {
		c.keyFn = realIP
	}
}

// WithKeyFunc identifies clients with a custom function.
func WithKeyFunc(fn KeyFunc) RoutesOption {
	return func(c *routesConfig) {
		if fn != nil {
			c.keyFn = fn
		}
	}
}

// WithEnforce rejects limited requests with 429 instead of passing them on.
func WithEnforce() RoutesOption {
	return func(c *routesConfig) {
		c.enforce = true
	}
}

// WithHeaderMode configures when rate limit headers are included in responses.
func WithHeaderMode(mode HeaderMode) RoutesOption {
	return func(c *routesConfig) {
		c.headerMode = mode
	}
}

// Routes returns middleware that checks requests whose path starts with one of
// the configured prefixes. When several prefixes match, the longest wins, and
// the matched prefix is the route name used in the counter key. Requests on
// other paths pass through untouched.
//
// By default a limited request still reaches the handler, which reads the outcome
// with FromContext and decides what to do. WithEnforce rejects it with 429.
//
//	r.Use(ratelimit.Routes(limiter, map[string]ratelimit.Rule{
//		"/api/auth":    {Max: 5, Window: time.Minute},
//		"/api/orders":  {Max: 20, Window: time.Hour},
//	}, ratelimit.WithRealIP()))
func Routes(l *Limiter, rules map[string]Rule, opts ...RoutesOption) func(http.Handler) http.Handler {
	cfg := &routesConfig{
		keyFn:      remoteIP,
		headerMode: HeadersAlways,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	table := make([]routeRule, 0, len(rules))
	for prefix, rule := range rules {
		if prefix == "" || rule.Max <= 0 || rule.Window <= 0 {
			panic("ratelimit: route rules need a prefix, a positive max and a positive window")
		}
		table = append(table, routeRule{prefix: prefix, rule: rule})
	}
	sort.Slice(table, func(i, j int) bool {
		if len(table[i].prefix) != len(table[j].prefix) {
			return len(table[i].prefix) > len(table[j].prefix)
		}
		return table[i].prefix < table[j].prefix
	})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rr, ok := match(table, r.URL.Path)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			client := cfg.keyFn(r)
			if client == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			useWrapper := wrapper.HasState(ctx)

			res := l.Check(ctx, client, rr.prefix, rr.rule)
			r = r.WithContext(context.WithValue(ctx, contextKey{}, res))

			wrapper.AddLogField(r, "ratelimit_route", rr.prefix)
			wrapper.AddLogField(r, "ratelimit_limited", res.Limited)

			shouldSetHeaders := cfg.headerMode == HeadersAlways || (cfg.headerMode == HeadersOnLimitExceeded && res.Limited)
			// Count is zero when the check failed open; there is nothing to report.
			if shouldSetHeaders && res.Count > 0 {
				remaining := max(0, int64(rr.rule.Max)-res.Count)
				setHeader(w, r, useWrapper, "RateLimit-Limit", strconv.Itoa(rr.rule.Max))
				setHeader(w, r, useWrapper, "RateLimit-Remaining", strconv.FormatInt(remaining, 10))
				setHeader(w, r, useWrapper, "RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
				if res.Limited {
					setHeader(w, r, useWrapper, "Retry-After", strconv.Itoa(res.RetryAfter))
				}
			}

			if res.Limited && cfg.enforce {
				msg := "Rate limit exceeded, retry in " + res.Message
				if useWrapper {
					wrapper.SetError(r, wrapper.ErrRateLimited.With(msg))
				} else {
					http.Error(w, msg, http.StatusTooManyRequests)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// FromContext returns the rate limit outcome attached by Routes.
// ok is false when the request did not match a guarded route.
func FromContext(ctx context.Context) (Result, bool) {
	res, ok := ctx.Value(contextKey{}).(Result)
	return res, ok
}

func match(table []routeRule, path string) (routeRule, bool) {
	for _, rr := range table {
		if strings.HasPrefix(path, rr.prefix) {
			return rr, true
		}
	}
	return routeRule{}, false
}

func setHeader(w http.ResponseWriter, r *http.Request, useWrapper bool, key, value string) {
	if useWrapper {
		wrapper.SetHeader(r, key, value)
		return
	}
	w.Header().Set(key, value)
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			xff = xff[:idx]
		}
		if ip := strings.TrimSpace(xff); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return remoteIP(r)
}
