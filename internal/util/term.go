package util

import (
	"os"
	"strings"

	"golang.org/x/term"
)

/*
   references:
   - https://no-color.org/
*/

// IsTerminal checks if stdout is a terminal
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// ShouldUseColors determines if coloured output should be used
func ShouldUseColors() bool {
	if noColor := os.Getenv("NO_COLOR"); noColor != "" {
		return false
	}

	if forceColor := os.Getenv("FORCE_COLOR"); forceColor != "" {
		return forceColor != "0"
	}

	if pwColors := os.Getenv("PROXYWHIRL_FORCE_COLORS"); pwColors != "" {
		return strings.ToLower(pwColors) == "true"
	}

	// Container logs almost always end up in a collector, keep them plain.
	if IsContainerised() {
		return false
	}

	return IsTerminal()
}

// IsContainerised returns true if the process is likely running inside a
// container: /.dockerenv, container cgroup entries, or Kubernetes env vars.
func IsContainerised() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		content := string(data)
		if strings.Contains(content, "docker") ||
			strings.Contains(content, "containerd") ||
			strings.Contains(content, "kubepods") {
			return true
		}
	}
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}
