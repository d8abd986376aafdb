package app

import (
	"errors"
	"net/http"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
)

type proxyEntry struct {
	*domain.ProxyView
	Circuit domain.CircuitState `json:"circuit"`
}

type proxyListResponse struct {
	Proxies     []proxyEntry `json:"proxies"`
	Count       int          `json:"count"`
	PoolVersion uint64       `json:"pool_version"`
}

// addProxyRequest carries the only place credentials may enter through the
// API: inside the proxy URL itself. The URL is parsed and never echoed back.
type addProxyRequest struct {
	URL         string   `json:"url"`
	CountryCode string   `json:"country_code"`
	Region      string   `json:"region"`
	Tags        []string `json:"tags"`
}

func (a *Application) proxiesListHandler(w http.ResponseWriter, r *http.Request) {
	views := a.pool.Snapshot()

	entries := make([]proxyEntry, 0, len(views))
	for _, v := range views {
		entries = append(entries, proxyEntry{ProxyView: v, Circuit: a.breakers.State(v.ID)})
	}

	writeJSON(w, http.StatusOK, proxyListResponse{
		Proxies:     entries,
		Count:       len(entries),
		PoolVersion: a.pool.Version(),
	})
}

func (a *Application) proxiesAddHandler(w http.ResponseWriter, r *http.Request) {
	var req addProxyRequest
	if err := decodeBody(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	proxy, err := domain.ParseProxyURL(req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	proxy.CountryCode = req.CountryCode
	proxy.Region = req.Region
	proxy.Tags = req.Tags

	if err := proxy.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.rotator.AddProxy(proxy); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "proxy already in pool")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	a.logger.InfoWithProxy("Proxy added via API", proxy.ID)

	if view, ok := a.findView(proxy.ID); ok {
		writeJSON(w, http.StatusCreated, proxyEntry{ProxyView: view, Circuit: a.breakers.State(proxy.ID)})
		return
	}
	// Removed between Add and Snapshot; report the id we had.
	writeJSON(w, http.StatusCreated, map[string]string{"id": proxy.ID})
}

func (a *Application) proxyGetHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	view, ok := a.findView(id)
	if !ok {
		writeError(w, http.StatusNotFound, "proxy not found")
		return
	}

	writeJSON(w, http.StatusOK, proxyEntry{ProxyView: view, Circuit: a.breakers.State(id)})
}

func (a *Application) proxyDeleteHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, err := a.rotator.RemoveProxy(id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "proxy not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	a.logger.InfoWithProxy("Proxy removed via API", id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *Application) proxiesSaveHandler(w http.ResponseWriter, r *http.Request) {
	if a.fileStore == nil {
		writeError(w, http.StatusConflict, "snapshot store is not configured")
		return
	}

	proxies := a.pool.Export()
	if err := a.fileStore.Save(r.Context(), proxies); err != nil {
		a.logger.Error("Snapshot save failed", "error", err)
		writeError(w, http.StatusInternalServerError, "snapshot save failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"saved": len(proxies)})
}

func (a *Application) findView(id string) (*domain.ProxyView, bool) {
	for _, v := range a.pool.Snapshot() {
		if v.ID == id {
			return v, true
		}
	}
	return nil, false
}
