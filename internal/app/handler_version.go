package app

import (
	"net/http"
	"runtime"

	"github.com/proxywhirl/proxywhirl/internal/version"
)

type VersionResponse struct {
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Description string            `json:"description"`
	Build       BuildInfo         `json:"build"`
	Strategies  []string          `json:"strategies"`
	API         APIInfo           `json:"api"`
	Links       map[string]string `json:"links"`
}

type BuildInfo struct {
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

type APIInfo struct {
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}

// versionHandler handles version requests with metadata about the application.
func (a *Application) versionHandler(w http.ResponseWriter, r *http.Request) {
	versionInfo := VersionResponse{
		Name:        version.Name,
		Version:     version.Version,
		Description: version.Description,
		Build: BuildInfo{
			Commit:    version.Commit,
			Date:      version.Date,
			GoVersion: runtime.Version(),
			Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		},
		Strategies: a.rotator.Strategies(),
		API: APIInfo{
			Version: "v1",
			Endpoints: map[string]string{
				"relay":        "/api/v1/relay",
				"proxies":      "/api/v1/proxies",
				"strategy":     "/api/v1/strategy",
				"retry_policy": "/api/v1/retry-policy",
				"rate_limit":   "/api/v1/rate-limit",
				"circuits":     "/api/v1/circuits",
				"metrics":      "/api/v1/metrics/summary",
				"health":       "/internal/health",
				"status":       "/internal/status",
				"process":      "/internal/process",
			},
		},
		Links: map[string]string{
			"homepage":      version.GithubHomeUri,
			"documentation": version.GithubHomeUri + "#readme",
			"releases":      version.GithubLatestUri,
		},
	}

	writeJSON(w, http.StatusOK, versionInfo)
}
