// Package middleware carries the HTTP middleware the admin server composes
// around its handlers.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/proxywhirl/proxywhirl/internal/logger"
	"github.com/proxywhirl/proxywhirl/internal/util"
)

type contextKey string

const (
	RequestIDKey contextKey = "request_id"
	LoggerKey    contextKey = "logger"

	HeaderRequestID = "X-Proxywhirl-Request-ID"
)

// responseWriter wraps http.ResponseWriter to capture response size and status.
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.size += int64(size)
	return size, err
}

func (rw *responseWriter) WriteHeader(s int) {
	rw.status = s
	rw.ResponseWriter.WriteHeader(s)
}

// Flush forwards to the underlying writer so streamed relay bodies are not
// held back by the wrapper.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// GetLogger retrieves the request-scoped logger from context.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// GetRequestID retrieves the request ID from context.
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// RequestLogger logs one line per admin request and stamps a request id
// into context, response header and the request-scoped logger.
type RequestLogger struct {
	styled *logger.StyledLogger
}

func NewRequestLogger(styled *logger.StyledLogger) *RequestLogger {
	return &RequestLogger{styled: styled}
}

// Middleware returns the wrapping function for one route. Relay requests log
// at debug so the relay handler's own INFO line stays the single source of
// truth for them.
func (rl *RequestLogger) Middleware(isRelay bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(HeaderRequestID)
			if requestID == "" {
				requestID = util.GenerateRequestID()
			}

			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			baseLogger := slog.Default().With("request_id", requestID)
			ctx = context.WithValue(ctx, LoggerKey, baseLogger)

			w.Header().Set(HeaderRequestID, requestID)

			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			duration := time.Since(start)
			fields := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"duration_ms", duration.Milliseconds(),
				"response_bytes", wrapped.size,
				"remote_addr", r.RemoteAddr,
			}

			if isRelay {
				baseLogger.Debug("Request completed", fields...)
			} else {
				baseLogger.Info("Request completed", fields...)
			}
		})
	}
}
