package app

import (
	"net/http"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
)

type circuitListResponse struct {
	Circuits []domain.CircuitSnapshot `json:"circuits"`
	Open     int                      `json:"open"`
}

func (a *Application) circuitsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, circuitListResponse{
		Circuits: a.breakers.Snapshots(),
		Open:     a.breakers.OpenCount(),
	})
}

// circuitResetHandler forces one circuit closed. Failure counts restart from
// zero, so the next few failures will not immediately reopen it.
func (a *Application) circuitResetHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, ok := a.pool.Get(id); !ok {
		writeError(w, http.StatusNotFound, "proxy not found")
		return
	}

	a.rotator.ResetCircuit(id)
	a.logger.InfoWithProxy("Circuit reset via API", id)
	w.WriteHeader(http.StatusNoContent)
}
