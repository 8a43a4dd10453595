// Package ratelimit bounds how often a client may hit a guarded route within a
// fixed window.
//
// The Limiter reports whether a request is limited and how long the client should
// wait; it makes no HTTP decision of its own. Routes wraps it as chi middleware
// that attaches the Result to the request context and, with WithEnforce, turns
// "limited" into a 429.
//
//	st := store.NewMemory()
//	defer st.Close()
//	limiter := ratelimit.New(st, ratelimit.WithLogger(logger))
//
//	res := limiter.Check(ctx, clientIP, "/api/auth/login", ratelimit.Rule{Max: 5, Window: time.Minute})
//	if res.Limited {
//		// res.RetryAfter seconds, res.Message "1m 12s"
//	}
//
// The window is fixed: its expiry is armed on the first hit and never extended,
// so a burst straddling a window boundary can see up to 2*Max requests accepted.
// For more than one process, use the Redis store; the in-memory store only
// counts requests seen by this process.
package ratelimit

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/boubamga9/Pattyly-sub002/ratelimit/store"
)

// Rule is the limit applied to one route.
type Rule struct {
	Max    int           `json:"max"`
	Window time.Duration `json:"window"`
}

// Result is the outcome of a Check.
type Result struct {
	Limited bool `json:"limited"`

	// RetryAfter is the number of whole seconds until the window resets, rounded
	// up. Zero when not limited.
	RetryAfter int `json:"retry_after,omitempty"`

	// Message is RetryAfter in human form, e.g. "2m 5s" or "30s".
	Message string `json:"message,omitempty"`

	// Count and Reset describe the window after this hit. Zero on fail-open.
	Count int64     `json:"-"`
	Reset time.Time `json:"-"`
}

// Stats describes the current counter for a client and route.
type Stats struct {
	Count int64         `json:"count"`
	TTL   time.Duration `json:"ttl"`
}

// Limiter checks requests against fixed-window counters held in a Store.
type Limiter struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger used to report store failures.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock replaces time.Now when computing Result.Reset.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a Limiter backed by st.
func New(st store.Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:  st,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key returns the counter key for a client and route.
func Key(clientID, route string) string {
	var b strings.Builder
	b.Grow(len(clientID) + 1 + len(route))
	b.WriteString(clientID)
	b.WriteByte(':')
	b.WriteString(route)
	return b.String()
}

// Check counts one hit for clientID on route and reports whether the hit is over
// rule.Max. A store failure is logged and the hit is allowed.
func (l *Limiter) Check(ctx context.Context, clientID, route string, rule Rule) Result {
	key := Key(clientID, route)

	count, ttl, err := l.store.Increment(ctx, key, rule.Window)
	if err != nil {
		l.logger.Error("rate limit check failed, allowing request",
			zap.String("key", key),
			zap.String("client", clientID),
			zap.String("route", route),
			zap.Error(err),
		)
		return Result{}
	}

	res := Result{
		Count: count,
		Reset: l.now().Add(ttl),
	}
	if count <= int64(rule.Max) {
		return res
	}

	res.Limited = true
	res.RetryAfter = retryAfterSeconds(ttl)
	res.Message = FormatRetryAfter(res.RetryAfter)
	return res
}

// Stats returns the current counter for clientID on route. Absent counters and
// store failures both return zero Stats.
func (l *Limiter) Stats(ctx context.Context, clientID, route string) Stats {
	key := Key(clientID, route)

	count, ttl, err := l.store.Get(ctx, key)
	if err != nil {
		l.logger.Warn("rate limit stats failed",
			zap.String("key", key),
			zap.String("client", clientID),
			zap.String("route", route),
			zap.Error(err),
		)
		return Stats{}
	}
	if count == 0 || ttl <= 0 {
		return Stats{}
	}
	return Stats{Count: count, TTL: ttl}
}

// Reset clears the counter for clientID on route. Failures are logged, not returned.
func (l *Limiter) Reset(ctx context.Context, clientID, route string) {
	key := Key(clientID, route)

	if err := l.store.Reset(ctx, key); err != nil {
		l.logger.Warn("rate limit reset failed",
			zap.String("key", key),
			zap.String("client", clientID),
			zap.String("route", route),
			zap.Error(err),
		)
	}
}

// FormatRetryAfter renders seconds as "<M>m <S>s" from one minute up, and as
// "<S>s" below that.
func FormatRetryAfter(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	if seconds < 60 {
		return strconv.Itoa(seconds) + "s"
	}
	return strconv.Itoa(seconds/60) + "m " + strconv.Itoa(seconds%60) + "s"
}

func retryAfterSeconds(ttl time.Duration) int {
	secs := int((ttl + time.Second - 1) / time.Second)
	return max(secs, 1)
}
