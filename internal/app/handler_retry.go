package app

import (
	"net/http"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
)

func (a *Application) retryPolicyGetHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.rotator.RetryPolicy())
}

// retryPolicyPutHandler replaces the whole policy; SetRetryPolicy validates
// before anything is swapped, so a bad document changes nothing.
func (a *Application) retryPolicyPutHandler(w http.ResponseWriter, r *http.Request) {
	var policy domain.RetryPolicy
	if err := decodeBody(r.Body, &policy); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := a.rotator.SetRetryPolicy(policy); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	next := *a.getConfig()
	next.Retry = policy
	a.setConfig(&next)

	writeJSON(w, http.StatusOK, a.rotator.RetryPolicy())
}
