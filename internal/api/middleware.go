package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// RequestHandler produces the data payload of a standard response
type RequestHandler func(r *http.Request) (interface{}, error)

// HandlerConfig contains configuration for request handling
type HandlerConfig struct {
	RequiredMethod string
	LogOperation   string
}

// StandardResponse represents a standard API response structure
type StandardResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	RequestID string      `json:"request_id"`
	Timestamp time.Time   `json:"timestamp"`
	Duration  string      `json:"duration"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo provides structured error information
type ErrorInfo struct {
	Code    string                 `json:"code"`
	Details string                 `json:"details,omitempty"`
	HelpURL string                 `json:"help_url,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// ValidationMiddleware checks the method, runs handler and wraps its result
// in a StandardResponse.
func (s *Server) ValidationMiddleware(config HandlerConfig, handler RequestHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := s.requestID(r)
		start := s.now()
		w.Header().Set("X-Request-ID", requestID)

		if config.RequiredMethod != "" && r.Method != config.RequiredMethod {
			s.handleBusinessError(w, ErrMethodNotAllowed(r.Method), requestID, start)
			return
		}

		result, err := handler(r)
		if err != nil {
			s.handleBusinessError(w, err, requestID, start)
			return
		}

		s.writeStandardResponse(w, http.StatusOK, "Operation completed successfully", requestID, start, result)

		if config.LogOperation != "" {
			s.logger.Debug("API operation completed",
				zap.String("operation", config.LogOperation),
				zap.String("request_id", requestID),
				zap.Duration("duration", time.Since(start)))
		}
	}
}

// writeStandardResponse writes a standardized success response
func (s *Server) writeStandardResponse(w http.ResponseWriter, statusCode int, message, requestID string, start time.Time, data interface{}) {
	response := StandardResponse{
		Success:   true,
		Message:   message,
		RequestID: requestID,
		Timestamp: s.now(),
		Duration:  time.Since(start).String(),
		Data:      data,
	}
	s.writeJSON(w, statusCode, response)
}

// writeStandardError writes a standardized error response
func (s *Server) writeStandardError(w http.ResponseWriter, statusCode int, be *BusinessError, requestID string, start time.Time) {
	response := StandardResponse{
		Success:   false,
		Message:   be.Message,
		RequestID: requestID,
		Timestamp: s.now(),
		Duration:  time.Since(start).String(),
		Error:     be.Info(),
	}
	s.writeJSON(w, statusCode, response)
}

// handleBusinessError maps err onto a standard error response
func (s *Server) handleBusinessError(w http.ResponseWriter, err error, requestID string, start time.Time) {
	var be *BusinessError
	if !errors.As(err, &be) {
		be = ErrInternalError("request")
	}

	fields := []zap.Field{
		zap.String("error_code", be.Code),
		zap.String("request_id", requestID),
		zap.Int("status", be.StatusCode),
	}
	if be.StatusCode >= http.StatusInternalServerError {
		s.logger.Error("API request failed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Debug("API request rejected", append(fields, zap.String("details", be.Details))...)
	}

	s.writeStandardError(w, be.StatusCode, be, requestID, start)
}

// MetricsMiddleware logs the status and duration of every API request
func (s *Server) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.logger.Debug("Request metrics",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status_code", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)))
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
