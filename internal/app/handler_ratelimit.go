package app

import (
	"net/http"

	"github.com/proxywhirl/proxywhirl/internal/adapter/ratelimit"
)

type rateLimitResponse struct {
	ratelimit.Config
	TrackedIdentifiers int `json:"tracked_identifiers"`
}

func (a *Application) rateLimitGetHandler(w http.ResponseWriter, r *http.Request) {
	cfg := a.getConfig()

	writeJSON(w, http.StatusOK, rateLimitResponse{
		Config:             cfg.RateLimit,
		TrackedIdentifiers: a.currentLimiter().TrackedIdentifiers(),
	})
}

// rateLimitPutHandler replaces tiers, whitelist and global throttle in one
// document and swaps in a fresh limiter. Existing admission windows reset
// with the swap.
func (a *Application) rateLimitPutHandler(w http.ResponseWriter, r *http.Request) {
	var next ratelimit.Config
	if err := decodeBody(r.Body, &next); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Redis connection settings stay file-owned; the API cannot carry the
	// URL and must not silently detach a shared backend.
	next.Redis = a.getConfig().RateLimit.Redis

	limiter, err := ratelimit.New(next, a.logger)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.swapLimiter(limiter)

	cfg := *a.getConfig()
	cfg.RateLimit = next
	a.setConfig(&cfg)

	a.logger.Info("Rate limiter replaced via API", "tiers", len(next.Tiers), "enabled", next.Enabled)

	writeJSON(w, http.StatusOK, rateLimitResponse{
		Config:             next,
		TrackedIdentifiers: a.currentLimiter().TrackedIdentifiers(),
	})
}
