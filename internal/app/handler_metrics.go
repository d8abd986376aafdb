package app

import (
	"net/http"
	"time"
)

// parseWindow reads the optional ?window= query parameter. Windows are Go
// duration strings; anything the aggregator no longer retains simply comes
// back empty.
func parseWindow(r *http.Request, fallback time.Duration) (time.Duration, bool) {
	raw := r.URL.Query().Get("window")
	if raw == "" {
		return fallback, true
	}
	window, err := time.ParseDuration(raw)
	if err != nil || window <= 0 {
		return 0, false
	}
	return window, true
}

func (a *Application) metricsSummaryHandler(w http.ResponseWriter, r *http.Request) {
	window, ok := parseWindow(r, time.Hour)
	if !ok {
		writeError(w, http.StatusBadRequest, "window must be a positive duration")
		return
	}

	writeJSON(w, http.StatusOK, a.aggregator.Summary(window))
}

func (a *Application) metricsTimeSeriesHandler(w http.ResponseWriter, r *http.Request) {
	window, ok := parseWindow(r, 24*time.Hour)
	if !ok {
		writeError(w, http.StatusBadRequest, "window must be a positive duration")
		return
	}

	points := a.aggregator.TimeSeries(window)
	writeJSON(w, http.StatusOK, map[string]any{
		"window": window.String(),
		"points": points,
	})
}

func (a *Application) metricsProxiesHandler(w http.ResponseWriter, r *http.Request) {
	all := a.aggregator.AllProxyMetrics()
	writeJSON(w, http.StatusOK, map[string]any{
		"proxies": all,
		"count":   len(all),
	})
}

func (a *Application) metricsProxyHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	m, ok := a.aggregator.ProxyMetrics(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no metrics for proxy")
		return
	}

	writeJSON(w, http.StatusOK, m)
}
