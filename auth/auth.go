// Package auth provides API key middleware for the admin surface.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"

	"github.com/boubamga9/Pattyly-sub002/wrapper"
)

type contextKey string

const apiKeyContextKey contextKey = "api_key"

// DefaultHeader is the header read by APIKey unless WithHeader overrides it.
const DefaultHeader = "X-API-Key"

// APIKeyValidator validates an API key and returns true if valid.
type APIKeyValidator func(key string) bool

// StaticKey returns a validator accepting only secret. The comparison runs in
// constant time over fixed-length digests, so neither content nor length leaks
// through timing. An empty secret rejects everything.
func StaticKey(secret string) APIKeyValidator {
	if secret == "" {
		return func(string) bool { return false }
	}
	want := sha256.Sum256([]byte(secret))
	return func(key string) bool {
		got := sha256.Sum256([]byte(key))
		return subtle.ConstantTimeCompare(got[:], want[:]) == 1
	}
}

type apiKeyConfig struct {
	header    string
	validator APIKeyValidator
	optional  bool
}

// APIKeyOption configures APIKey middleware.
type APIKeyOption func(*apiKeyConfig)

// WithHeader sets the header to read the API key from.
func WithHeader(header string) APIKeyOption {
	return func(c *apiKeyConfig) {
		c.header = header
	}
}

// Optional lets requests without a key through. A key that is present must
// still be valid.
func Optional() APIKeyOption {
	return func(c *apiKeyConfig) {
		c.optional = true
	}
}

// APIKey returns middleware that validates API keys from a header.
// Responds 401 if the key is missing or invalid.
func APIKey(validator APIKeyValidator, opts ...APIKeyOption) func(http.Handler) http.Handler {
	cfg := apiKeyConfig{
		header:    DefaultHeader,
		validator: validator,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(cfg.header)

			if key == "" {
				if cfg.optional {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w, r, "Missing API key")
				return
			}

			if !cfg.validator(key) {
				unauthorized(w, r, "Invalid API key")
				return
			}

			ctx := context.WithValue(r.Context(), apiKeyContextKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// APIKeyFromContext retrieves the accepted API key from the request context.
func APIKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(apiKeyContextKey).(string)
	return key, ok
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	if wrapper.HasState(r.Context()) {
		wrapper.SetError(r, wrapper.ErrUnauthorized.With(msg))
		return
	}
	http.Error(w, msg, http.StatusUnauthorized)
}
