package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxywhirl/proxywhirl/internal/logger"
	"github.com/proxywhirl/proxywhirl/theme"
)

func newTestRegistry() *RouteRegistry {
	log, _, _ := logger.New(&logger.Config{Level: "error", Theme: "default"})
	return NewRouteRegistry(logger.NewStyledLogger(log, theme.Default()))
}

func okHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	}
}

func TestRegistry_MethodsShareAPath(t *testing.T) {
	registry := newTestRegistry()
	registry.RegisterWithMethod("/api/v1/things", okHandler("list"), "List things", "GET")
	registry.RegisterWithMethod("/api/v1/things", okHandler("create"), "Create a thing", "POST")

	mux := http.NewServeMux()
	registry.WireUp(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/things", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "list", rec.Body.String())

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/things", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "create", rec.Body.String())

	// method not registered on the pattern
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/things", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRegistry_RegisterDefaultsToGet(t *testing.T) {
	registry := newTestRegistry()
	registry.Register("/ping", okHandler("pong"), "Ping")

	routes := registry.GetRoutes()
	require.Len(t, routes, 1)
	for _, info := range routes {
		assert.Equal(t, "GET", info.Method)
		assert.False(t, info.IsRelay)
	}
}

func TestRegistry_RelayRoutesAreMarked(t *testing.T) {
	registry := newTestRegistry()
	registry.RegisterRelayRoute("/api/v1/relay", okHandler("relayed"), "Relay", "POST")
	registry.RegisterWithMethod("/internal/health", okHandler("healthy"), "Health", "GET")

	var relayCount int
	for _, info := range registry.GetRoutes() {
		if info.IsRelay {
			relayCount++
			assert.Equal(t, "/api/v1/relay", info.Path)
		}
	}
	assert.Equal(t, 1, relayCount)
}

type headerMiddleware struct {
	header string
}

func (m *headerMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(m.header, "yes")
		next.ServeHTTP(w, r)
	})
}

type headerLogger struct {
	header string
}

func (m *headerLogger) Middleware(isRelay bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(m.header, "yes")
			next.ServeHTTP(w, r)
		})
	}
}

func TestRegistry_MiddlewareScoping(t *testing.T) {
	registry := newTestRegistry()
	registry.RegisterRelayRoute("/api/v1/relay", okHandler("relayed"), "Relay", "POST")
	registry.RegisterWithMethod("/internal/health", okHandler("healthy"), "Health", "GET")

	mux := http.NewServeMux()
	registry.WireUpWithMiddleware(mux, &headerMiddleware{header: "X-Size-Checked"}, &headerLogger{header: "X-Logged"})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/relay", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "yes", rec.Header().Get("X-Size-Checked"))
	assert.Equal(t, "yes", rec.Header().Get("X-Logged"))

	// non-relay routes skip the size limiter but keep logging
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/internal/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Size-Checked"))
	assert.Equal(t, "yes", rec.Header().Get("X-Logged"))
}

func TestRegistry_WireUpWithMiddlewareToleratesNil(t *testing.T) {
	registry := newTestRegistry()
	registry.RegisterWithMethod("/ping", okHandler("pong"), "Ping", "GET")

	mux := http.NewServeMux()
	registry.WireUpWithMiddleware(mux, nil, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
}
