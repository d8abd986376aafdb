package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxywhirl/proxywhirl/internal/logger"
	"github.com/proxywhirl/proxywhirl/theme"
)

func newTestRequestLogger() *RequestLogger {
	log, _, _ := logger.New(&logger.Config{Level: "error", Theme: "default"})
	return NewRequestLogger(logger.NewStyledLogger(log, theme.Default()))
}

func TestRequestLogger_AssignsRequestID(t *testing.T) {
	rl := newTestRequestLogger()

	var seenID string
	handler := rl.Middleware(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = GetRequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/anything", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	echoed := rec.Header().Get(HeaderRequestID)
	require.NotEmpty(t, echoed)
	assert.Equal(t, echoed, seenID)

	// relay_motion_suffix
	assert.Equal(t, 3, len(strings.Split(echoed, "_")))
}

func TestRequestLogger_ReusesCallerRequestID(t *testing.T) {
	rl := newTestRequestLogger()

	handler := rl.Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/relay", nil)
	req.Header.Set(HeaderRequestID, "carousel_whirling_beef")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "carousel_whirling_beef", rec.Header().Get(HeaderRequestID))
}

func TestRequestLogger_ContextLoggerAvailable(t *testing.T) {
	rl := newTestRequestLogger()

	handler := rl.Middleware(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotNil(t, GetLogger(r.Context()))
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestResponseWriter_TracksStatusAndSize(t *testing.T) {
	rl := newTestRequestLogger()

	handler := rl.Middleware(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "short and stout", rec.Body.String())
}

func TestGetRequestID_MissingContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, GetRequestID(req.Context()))
}
