// Package bind decodes and validates admin request payloads.
//
// JSON bodies and query parameters are decoded into structs and checked with
// go-playground/validator/v10 struct tags. Failures are reported through the
// wrapper error layer as a Stripe-style validation error listing each field.
//
//	r.Use(wrapper.New())
//	r.Use(bind.New(bind.WithMaxBodySize(1 << 16)))
//
//	r.Delete("/admin/ratelimit", func(w http.ResponseWriter, r *http.Request) {
//		var req ResetRequest
//		if !bind.JSON(r, &req) {
//			return
//		}
//		...
//	})
package bind

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/boubamga9/Pattyly-sub002/wrapper"
)

type contextKey string

const configKey contextKey = "bind_config"

var (
	validate      = newValidator()
	defaultConfig = &config{formatter: defaultFormatter}
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]; name != "" && name != "-" {
			return name
		}
		if name := strings.SplitN(fld.Tag.Get("query"), ",", 2)[0]; name != "" && name != "-" {
			return name
		}
		return fld.Name
	})
	return v
}

// MessageFormatter generates a human-readable message from a validation error.
// Parameters: field name, validation tag, tag parameter (e.g., "10" from "min=10")
type MessageFormatter func(field, tag, param string) string

type config struct {
	formatter   MessageFormatter
	maxBodySize int64
}

// Option configures the bind middleware.
type Option func(*config)

// WithFormatter sets a custom message formatter for validation errors.
func WithFormatter(fn MessageFormatter) Option {
	return func(c *config) {
		if fn != nil {
			c.formatter = fn
		}
	}
}

// WithMaxBodySize caps request bodies; JSON responds 413 past the limit.
func WithMaxBodySize(n int64) Option {
	return func(c *config) {
		c.maxBodySize = n
	}
}

// New returns middleware that makes the configuration available to JSON and Query.
func New(opts ...Option) func(http.Handler) http.Handler {
	cfg := &config{formatter: defaultFormatter}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.maxBodySize > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, cfg.maxBodySize)
			}
			ctx := context.WithValue(r.Context(), configKey, cfg)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getConfig(ctx context.Context) *config {
	if cfg, ok := ctx.Value(configKey).(*config); ok {
		return cfg
	}
	return defaultConfig
}

func defaultFormatter(_, tag, param string) string {
	switch tag {
	case "required":
		return "required"
	case "min":
		return "must be at least " + param
	case "max":
		return "must be at most " + param
	case "oneof":
		return "must be one of: " + param
	case "uuid":
		return "must be a valid UUID"
	case "startswith":
		return "must start with " + param
	default:
		if param != "" {
			return tag + "=" + param
		}
		return tag
	}
}

// JSON decodes the request body into dest and validates it.
// Returns false after setting a wrapper error when either step fails.
func JSON(r *http.Request, dest any) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			wrapper.SetError(r, wrapper.ErrPayloadTooLarge.With("Request body too large"))
		} else {
			wrapper.SetError(r, wrapper.ErrBadRequest.With("Invalid JSON request body"))
		}
		return false
	}
	return check(r, dest)
}

// Query decodes query parameters into dest (fields tagged `query:"name"`) and
// validates it. Returns false after setting a wrapper error when either step fails.
func Query(r *http.Request, dest any) bool {
	if err := decodeQuery(r, dest); err != nil {
		wrapper.SetError(r, wrapper.ErrBadRequest.With("Invalid query parameters"))
		return false
	}
	return check(r, dest)
}

func check(r *http.Request, dest any) bool {
	if err := validate.Struct(dest); err != nil {
		cfg := getConfig(r.Context())
		wrapper.SetError(r, wrapper.NewValidationError(translateErrors(err, cfg.formatter)))
		return false
	}
	return true
}

func translateErrors(err error, formatter MessageFormatter) []wrapper.FieldError {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return []wrapper.FieldError{{
			Code:    "validation",
			Message: err.Error(),
		}}
	}
	result := make([]wrapper.FieldError, len(errs))
	for i, e := range errs {
		result[i] = wrapper.FieldError{
			Param:   e.Field(),
			Code:    e.Tag(),
			Message: formatter(e.Field(), e.Tag(), e.Param()),
		}
	}
	return result
}

func decodeQuery(r *http.Request, dest any) error {
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("dest must be non-nil pointer to struct")
	}
	v := rv.Elem()
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("dest must be pointer to struct, got pointer to %s", v.Kind())
	}
	t := v.Type()
	query := r.URL.Query()

	for i := range t.NumField() {
		tag := t.Field(i).Tag.Get("query")
		if tag == "" || tag == "-" {
			continue
		}
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}

		name := strings.SplitN(tag, ",", 2)[0]
		value := query.Get(name)
		if value == "" {
			continue
		}
		if err := setField(field, value); err != nil {
			return fmt.Errorf("invalid value for %s: %w", name, err)
		}
	}
	return nil
}

func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported type: %s", field.Kind())
	}
	return nil
}
