// Package wrapper keeps the response for a request in its context until the
// handler chain returns, then writes it once.
//
// Handlers and middleware call SetError, SetResponse and SetHeader instead of
// writing to the ResponseWriter, so every error leaves the service as the same
// JSON shape ({"error": {"type", "code", "message"}}) and panics become a 500.
// An Error carrying a RetryAfter hint also sets the Retry-After header unless a
// handler already chose one. With WithCanonlog each request produces one
// canonical log line carrying method, path, route pattern, status, duration and
// any fields added with AddLogField.
//
//	r := chi.NewRouter()
//	r.Use(wrapper.New(wrapper.WithCanonlog())) // outermost
//
//	r.Get("/shops/{shopID}/catalog", func(w http.ResponseWriter, r *http.Request) {
//		cat, err := svc.Load(r.Context(), chi.URLParam(r, "shopID"))
//		if err != nil {
//			wrapper.SetError(r, wrapper.ErrCatalogUnavailable)
//			return
//		}
//		wrapper.SetResponse(r, http.StatusOK, cat)
//	})
package wrapper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/canonlog"
	"go.uber.org/zap"
)

type stateKey struct{}

// pending is the response a request will get once the chain returns.
type pending struct {
	mu      sync.Mutex
	err     *Error
	status  int
	body    any
	headers http.Header
	fields  map[string]any
}

// Error is the body of every error response.
type Error struct {
	Type    string       `json:"type"`
	Code    string       `json:"code,omitempty"`
	Message string       `json:"message"`
	Param   string       `json:"param,omitempty"`
	Errors  []FieldError `json:"errors,omitempty"`

	Status int `json:"-"`
	// RetryAfter becomes a Retry-After header, rounded up to whole seconds.
	RetryAfter time.Duration `json:"-"`
}

// FieldError describes one invalid request field.
type FieldError struct {
	Param   string `json:"param"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches on code alone, so a copy made with With still matches its sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.Code == t.Code
}

func (e *Error) clone(edit func(*Error)) *Error {
	if e == nil {
		return nil
	}
	dup := *e
	edit(&dup)
	return &dup
}

// With returns a copy with another message.
func (e *Error) With(message string) *Error {
	return e.clone(func(d *Error) { d.Message = message })
}

// WithParam returns a copy naming the offending parameter.
func (e *Error) WithParam(message, param string) *Error {
	return e.clone(func(d *Error) {
		d.Message = message
		d.Param = param
	})
}

// WithRetryAfter returns a copy that tells the client when to try again.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	return e.clone(func(dup *Error) { dup.RetryAfter = d })
}

// Errors this service answers with. Handlers copy them with With or
// WithParam rather than building new ones.
var (
	ErrBadRequest       = &Error{Type: "request_error", Code: "bad_request", Message: "Bad request", Status: http.StatusBadRequest}
	ErrPayloadTooLarge  = &Error{Type: "request_error", Code: "payload_too_large", Message: "Payload too large", Status: http.StatusRequestEntityTooLarge}
	ErrMethodNotAllowed = &Error{Type: "request_error", Code: "method_not_allowed", Message: "Method not allowed", Status: http.StatusMethodNotAllowed}
	ErrUnauthorized     = &Error{Type: "auth_error", Code: "unauthorized", Message: "Unauthorized", Status: http.StatusUnauthorized}
	ErrNotFound         = &Error{Type: "not_found", Code: "resource_not_found", Message: "Resource not found", Status: http.StatusNotFound}
	ErrShopNotFound     = &Error{Type: "not_found", Code: "shop_not_found", Message: "Shop not found", Status: http.StatusNotFound}
	ErrRateLimited      = &Error{Type: "rate_limit_error", Code: "limit_exceeded", Message: "Rate limit exceeded", Status: http.StatusTooManyRequests}
	ErrInternal         = &Error{Type: "internal_error", Code: "internal", Message: "Internal server error", Status: http.StatusInternalServerError}

	// ErrCatalogUnavailable means the durable store could not produce a
	// catalog. Nothing was cached, so a retry after a short pause may succeed.
	ErrCatalogUnavailable = &Error{
		Type:       "api_error",
		Code:       "catalog_unavailable",
		Message:    "Catalog temporarily unavailable",
		Status:     http.StatusServiceUnavailable,
		RetryAfter: 5 * time.Second,
	}
	ErrServiceUnavailable = &Error{Type: "api_error", Code: "temporarily_unavailable", Message: "Service temporarily unavailable", Status: http.StatusServiceUnavailable}
)

// NewValidationError reports every invalid field at once.
func NewValidationError(errors []FieldError) *Error {
	return &Error{
		Type:    "validation_error",
		Code:    "invalid_request",
		Message: "Validation failed",
		Errors:  errors,
		Status:  http.StatusBadRequest,
	}
}

func getState(ctx context.Context) *pending {
	p, _ := ctx.Value(stateKey{}).(*pending)
	return p
}

// HasState reports whether the wrapper middleware is active for ctx.
func HasState(ctx context.Context) bool {
	return getState(ctx) != nil
}

// update runs fn on the pending response. Every setter below is a no-op when
// the middleware is not installed.
func update(r *http.Request, fn func(*pending)) {
	p := getState(r.Context())
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

// SetError replaces the response with err. An error always wins over a body.
func SetError(r *http.Request, err *Error) {
	update(r, func(p *pending) { p.err = err })
}

// SetResponse sets the status and JSON body. A nil body writes the status only.
func SetResponse(r *http.Request, status int, body any) {
	update(r, func(p *pending) {
		p.status = status
		p.body = body
	})
}

func SetHeader(r *http.Request, key, value string) {
	update(r, func(p *pending) { p.header().Set(key, value) })
}

func AddHeader(r *http.Request, key, value string) {
	update(r, func(p *pending) { p.header().Add(key, value) })
}

// AddLogField records a field for the canonical log line of this request.
// Ignored when canonical logging is off.
func AddLogField(r *http.Request, key string, value any) {
	update(r, func(p *pending) {
		if p.fields == nil {
			p.fields = make(map[string]any)
		}
		p.fields[key] = value
	})
}

func (p *pending) header() http.Header {
	if p.headers == nil {
		p.headers = make(http.Header)
	}
	return p.headers
}

// NotFound is an http.HandlerFunc for chi's NotFound hook.
func NotFound(w http.ResponseWriter, r *http.Request) {
	if !HasState(r.Context()) {
		http.NotFound(w, r)
		return
	}
	SetError(r, ErrNotFound)
}

// MethodNotAllowed is an http.HandlerFunc for chi's MethodNotAllowed hook.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	if !HasState(r.Context()) {
		http.Error(w, ErrMethodNotAllowed.Message, http.StatusMethodNotAllowed)
		return
	}
	SetError(r, ErrMethodNotAllowed)
}

// Option configures the wrapper middleware.
type Option func(*config)

type config struct {
	canonlog       bool
	canonlogFields func(*http.Request) map[string]any
	logger         *zap.Logger
}

// WithCanonlog emits one log line per request when the response is written.
// Errors set with SetError are attached to it.
func WithCanonlog() Option {
	return func(c *config) {
		c.canonlog = true
	}
}

// WithCanonlogFields adds fields computed from the request before the handler runs.
func WithCanonlogFields(fn func(*http.Request) map[string]any) Option {
	return func(c *config) {
		c.canonlogFields = fn
	}
}

// WithLogger reports recovered panics, with their stack, to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New returns middleware that holds the response in the request context and
// writes it after next returns or panics.
func New(opts ...Option) func(http.Handler) http.Handler {
	cfg := &config{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := &pending{}
			ctx := context.WithValue(r.Context(), stateKey{}, p)
			start := time.Now()

			if cfg.canonlog {
				ctx = canonlog.NewContext(ctx)
				canonlog.InfoAddMany(ctx, map[string]any{
					"method": r.Method,
					"path":   r.URL.Path,
				})
				if cfg.canonlogFields != nil {
					canonlog.InfoAddMany(ctx, cfg.canonlogFields(r))
				}
			}
			r = r.WithContext(ctx)

			defer func() {
				if rec := recover(); rec != nil {
					cfg.recovered(r, p, rec)
				}
				if cfg.canonlog {
					flushLog(r, p, start)
				}
				p.write(w)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func (c *config) recovered(r *http.Request, p *pending, rec any) {
	p.mu.Lock()
	p.err = ErrInternal
	p.mu.Unlock()

	c.logger.Error("panic serving request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Any("panic", rec),
		zap.Stack("stack"),
	)
	if c.canonlog {
		canonlog.ErrorAdd(r.Context(), fmt.Errorf("panic: %v", rec))
	}
}

func flushLog(r *http.Request, p *pending, start time.Time) {
	ctx := r.Context()

	p.mu.Lock()
	status := p.statusCode()
	if p.err != nil {
		canonlog.ErrorAdd(ctx, p.err)
	}
	if len(p.fields) > 0 {
		canonlog.InfoAddMany(ctx, p.fields)
	}
	p.mu.Unlock()

	route := r.URL.Path
	if rctx := chi.RouteContext(ctx); rctx != nil && rctx.RoutePattern() != "" {
		route = rctx.RoutePattern()
	}
	canonlog.InfoAddMany(ctx, map[string]any{
		"route":       route,
		"status":      status,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	canonlog.Flush(ctx)
}

// statusCode is the status write will send. Callers hold p.mu.
func (p *pending) statusCode() int {
	switch {
	case p.err != nil:
		return p.err.Status
	case p.status != 0:
		return p.status
	default:
		return http.StatusOK
	}
}

var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

func (p *pending) write(w http.ResponseWriter) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := w.Header()
	for key, values := range p.headers {
		for _, value := range values {
			h.Add(key, value)
		}
	}

	if p.err != nil {
		if p.err.RetryAfter > 0 && h.Get("Retry-After") == "" {
			secs := int64(math.Ceil(p.err.RetryAfter.Seconds()))
			h.Set("Retry-After", strconv.FormatInt(secs, 10))
		}
		writeJSON(w, p.err.Status, struct {
			Error *Error `json:"error"`
		}{p.err})
		return
	}
	if p.body != nil {
		writeJSON(w, p.statusCode(), p.body)
		return
	}
	if p.status != 0 {
		w.WriteHeader(p.status)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(v); err != nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
