package api

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// BusinessError is an API error with a stable code and HTTP status
type BusinessError struct {
	Code       string
	Message    string
	Details    string
	StatusCode int
	Context    map[string]interface{}
}

func (e *BusinessError) Error() string {
	if e.Details == "" {
		return e.Message
	}
	return e.Message + ": " + e.Details
}

// Info converts the error into its wire form
func (e *BusinessError) Info() *ErrorInfo {
	info := &ErrorInfo{
		Code:    e.Code,
		Details: e.Details,
		HelpURL: helpURL(e.Code),
	}
	if len(e.Context) > 0 {
		info.Context = e.Context
	}
	return info
}

func newBusinessError(status int, code, message, details string, context map[string]interface{}) *BusinessError {
	return &BusinessError{
		Code:       code,
		Message:    message,
		Details:    details,
		StatusCode: status,
		Context:    context,
	}
}

var helpURLs = map[string]string{
	"method_not_allowed":  "/docs/api#http-methods",
	"missing_parameter":   "/docs/api#parameters",
	"validation_failed":   "/docs/api#parameters",
	"storage_disabled":    "/docs/configuration#storage",
	"auth_failed":         "/docs/api#authentication",
	"rate_limited":        "/docs/api#rate-limiting",
	"service_unavailable": "/docs/troubleshooting#storage",
}

func helpURL(code string) string {
	if url, ok := helpURLs[code]; ok {
		return url
	}
	return "/docs/troubleshooting"
}

// ErrMethodNotAllowed rejects anything but GET on the read-only API
func ErrMethodNotAllowed(method string) *BusinessError {
	return newBusinessError(http.StatusMethodNotAllowed, "method_not_allowed",
		"Method not allowed", "the API is read-only; use GET",
		map[string]interface{}{"method": method})
}

// ErrMissingParameter reports a required query parameter that was not sent
func ErrMissingParameter(name string) *BusinessError {
	return newBusinessError(http.StatusBadRequest, "missing_parameter",
		"Required parameter missing", fmt.Sprintf("parameter %q is required", name),
		map[string]interface{}{"parameter": name})
}

// ErrRateLimited reports when the client's bucket refills
func ErrRateLimited(resetTime time.Time) *BusinessError {
	return newBusinessError(http.StatusTooManyRequests, "rate_limited",
		"Rate limit exceeded", "retry after "+resetTime.UTC().Format(time.RFC3339),
		map[string]interface{}{"reset_time": resetTime.Unix()})
}

// ErrStorageDisabled answers queries that need persistent storage
func ErrStorageDisabled(resource string) *BusinessError {
	return newBusinessError(http.StatusServiceUnavailable, "storage_disabled",
		"Persistent storage is not enabled", "set storage.enabled to true to record "+resource,
		map[string]interface{}{"resource": resource})
}

// ErrServiceUnavailable wraps a backend failure
func ErrServiceUnavailable(service string, cause error) *BusinessError {
	return newBusinessError(http.StatusServiceUnavailable, "service_unavailable",
		"Service temporarily unavailable", cause.Error(),
		map[string]interface{}{"service": service})
}

// ErrInternalError hides the cause from the client; callers log it
func ErrInternalError(operation string) *BusinessError {
	return newBusinessError(http.StatusInternalServerError, "internal_error",
		"Internal server error", "an unexpected error occurred",
		map[string]interface{}{"operation": operation})
}

// ValidationError is one rejected query parameter
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   string `json:"value,omitempty"`
}

// ValidationErrors collects every rejected parameter of a request so the
// client sees all of them at once
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

// NewValidationErrors returns an empty collection
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// AddError records a rejected parameter
func (v *ValidationErrors) AddError(field, message, value string) {
	v.Errors = append(v.Errors, ValidationError{Field: field, Message: message, Value: value})
}

// HasErrors reports whether any parameter was rejected
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

func (v *ValidationErrors) Error() string {
	return fmt.Sprintf("%d invalid parameter(s)", len(v.Errors))
}

// ToBusinessError turns the collection into a 400 response
func (v *ValidationErrors) ToBusinessError() *BusinessError {
	return newBusinessError(http.StatusBadRequest, "validation_failed",
		"Request validation failed", v.Error(),
		map[string]interface{}{"validation_errors": v.Errors})
}

// RecoveryMiddleware turns handler panics into a 500 response
func RecoveryMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("Panic in HTTP handler",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path))

					be := newBusinessError(http.StatusInternalServerError, "panic_recovered",
						"Internal server error", "an unexpected error occurred", nil)
					// Already failing; an encode error has nowhere to go.
					_ = writeJSONResponse(w, be.StatusCode, StandardResponse{
						Success:   false,
						Message:   be.Message,
						RequestID: r.Header.Get("X-Request-ID"),
						Timestamp: time.Now(),
						Error:     be.Info(),
					})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
