package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-viper/mapstructure/v2"

	"github.com/proxywhirl/proxywhirl/internal/app/middleware"
)

const (
	ContentTypeJSON   = "application/json"
	ContentTypeText   = "text/plain"
	ContentTypeHeader = "Content-Type"
)

func (a *Application) startWebServer() {
	cfg := a.getConfig()

	a.logger.Info("Starting WebServer...", "host", cfg.Server.Host, "port", cfg.Server.Port)

	mux := http.NewServeMux()

	a.registerRoutes()

	sizeLimiter := NewRequestSizeLimiter(cfg.Server.RequestLimits, a.logger)
	if cfg.Server.RequestLogging {
		requestLogger := middleware.NewRequestLogger(a.logger)
		a.registry.WireUpWithMiddleware(mux, sizeLimiter, requestLogger)
	} else {
		a.registry.WireUpWithMiddleware(mux, sizeLimiter, nil)
	}

	// Handler must be installed before the listener goroutine runs, or an
	// early request races a nil handler.
	a.server.Handler = mux

	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server error", "error", err)
			a.errCh <- err
		}
	}()

	a.logger.Info("Started WebServer", "bind", a.server.Addr)
}

func (a *Application) registerRoutes() {
	cfg := a.getConfig()

	a.registry.RegisterRelayRoute("/api/v1/relay", a.relayHandler, "Relay a request through the rotator", "POST")

	a.registry.RegisterWithMethod("/api/v1/proxies", a.proxiesListHandler, "List pool proxies", "GET")
	a.registry.RegisterWithMethod("/api/v1/proxies", a.proxiesAddHandler, "Add a proxy to the pool", "POST")
	a.registry.RegisterWithMethod("/api/v1/proxies/{id}", a.proxyGetHandler, "Show one proxy", "GET")
	a.registry.RegisterWithMethod("/api/v1/proxies/{id}", a.proxyDeleteHandler, "Remove a proxy from the pool", "DELETE")
	a.registry.RegisterWithMethod("/api/v1/proxies/save", a.proxiesSaveHandler, "Persist the pool snapshot now", "POST")

	a.registry.RegisterWithMethod("/api/v1/strategy", a.strategyGetHandler, "Show rotation strategy", "GET")
	a.registry.RegisterWithMethod("/api/v1/strategy", a.strategyPutHandler, "Replace rotation strategy", "PUT")
	a.registry.RegisterWithMethod("/api/v1/retry-policy", a.retryPolicyGetHandler, "Show retry policy", "GET")
	a.registry.RegisterWithMethod("/api/v1/retry-policy", a.retryPolicyPutHandler, "Replace retry policy", "PUT")
	a.registry.RegisterWithMethod("/api/v1/rate-limit", a.rateLimitGetHandler, "Show rate limit config", "GET")
	a.registry.RegisterWithMethod("/api/v1/rate-limit", a.rateLimitPutHandler, "Replace rate limit config", "PUT")

	a.registry.RegisterWithMethod("/api/v1/circuits", a.circuitsHandler, "Circuit breaker states", "GET")
	a.registry.RegisterWithMethod("/api/v1/circuits/{id}/reset", a.circuitResetHandler, "Force a circuit closed", "POST")

	a.registry.RegisterWithMethod("/api/v1/metrics/summary", a.metricsSummaryHandler, "Rolling metrics summary", "GET")
	a.registry.RegisterWithMethod("/api/v1/metrics/timeseries", a.metricsTimeSeriesHandler, "Hourly metrics buckets", "GET")
	a.registry.RegisterWithMethod("/api/v1/metrics/proxies", a.metricsProxiesHandler, "Per-proxy metrics", "GET")
	a.registry.RegisterWithMethod("/api/v1/metrics/proxies/{id}", a.metricsProxyHandler, "One proxy's metrics", "GET")

	a.registry.RegisterWithMethod("/internal/health", a.healthHandler, "Health check endpoint", "GET")
	a.registry.RegisterWithMethod("/internal/status", a.statusHandler, "Rotator status", "GET")
	a.registry.RegisterWithMethod("/internal/process", a.processStatsHandler, "Process runtime statistics", "GET")
	a.registry.RegisterWithMethod("/version", a.versionHandler, "Version information", "GET")

	if cfg.Metrics.Prometheus && a.exporter != nil {
		promHandler := a.exporter.Handler()
		a.registry.RegisterWithMethod("/metrics", func(w http.ResponseWriter, r *http.Request) {
			promHandler.ServeHTTP(w, r)
		}, "Prometheus metrics", "GET")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set(ContentTypeHeader, ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeBody unmarshals a JSON request body through the same weakly typed
// decode pipeline the config file uses, so duration fields accept strings
// like "250ms" in both places.
func decodeBody(body io.Reader, out any) error {
	var raw map[string]any
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return err
	}

	dc := &mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	}
	dec, err := mapstructure.NewDecoder(dc)
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}
