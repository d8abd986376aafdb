package app

import (
	"net/http"

	"github.com/proxywhirl/proxywhirl/internal/config"
)

// strategyResponse is the rotation config section plus what the rotator is
// actually running right now.
type strategyResponse struct {
	config.RotationConfig
	Active    string   `json:"active"`
	Available []string `json:"available"`
}

func (a *Application) strategyGetHandler(w http.ResponseWriter, r *http.Request) {
	cfg := a.getConfig()

	writeJSON(w, http.StatusOK, strategyResponse{
		RotationConfig: cfg.Rotation,
		Active:         a.rotator.Strategy(),
		Available:      a.rotator.Strategies(),
	})
}

// strategyPutHandler replaces the whole rotation section, exactly like
// editing `rotation:` in the config file. Unset fields fall back to
// strategy defaults, not to the previous values.
func (a *Application) strategyPutHandler(w http.ResponseWriter, r *http.Request) {
	var req config.RotationConfig
	if err := decodeBody(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	next := *a.getConfig()
	next.Rotation = req
	if err := next.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.applyRotation(&next.Rotation); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.setConfig(&next)

	a.logger.Info("Rotation strategy replaced via API", "strategy", a.rotator.Strategy())

	writeJSON(w, http.StatusOK, strategyResponse{
		RotationConfig: next.Rotation,
		Active:         a.rotator.Strategy(),
		Available:      a.rotator.Strategies(),
	})
}
