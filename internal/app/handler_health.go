package app

import (
	"net/http"
)

// healthHandler answers liveness probes. Anything richer lives on
// /internal/status.
func (a *Application) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
