package version

import (
	"fmt"
	"log"
	"strings"

	"github.com/proxywhirl/proxywhirl/theme"
)

var (
	Name        = "proxywhirl"
	Description = "Proxy rotation runtime"
	Version     = "v0.1.0"
	Commit      = "none"
	Date        = "nowish"
	User        = "local"
)

const (
	GithubHomeText  = "github.com/proxywhirl/proxywhirl"
	GithubHomeUri   = "https://github.com/proxywhirl/proxywhirl"
	GithubLatestUri = "https://github.com/proxywhirl/proxywhirl/releases/latest"
)

func PrintVersionInfo(extendedInfo bool, vlog *log.Logger) {
	var b strings.Builder

	b.WriteString(theme.ColourSplash(`
╔──────────────────────────────────────────────────────────────────╗
│                                                                   │
│  ██████╗ ██████╗  ██████╗ ██╗  ██╗██╗   ██╗   ↻ ↺ ↻               │
│  ██╔══██╗██╔══██╗██╔═══██╗╚██╗██╔╝╚██╗ ██╔╝  ↺     ↺              │
│  ██████╔╝██████╔╝██║   ██║ ╚███╔╝  ╚████╔╝   ↻  ◉  ↻              │
│  ██╔═══╝ ██╔══██╗██║   ██║ ██╔██╗   ╚██╔╝    ↺     ↺              │
│  ██║     ██║  ██║╚██████╔╝██╔╝ ██╗   ██║      ↻ ↺ ↻               │
│  ╚═╝     ╚═╝  ╚═╝ ╚═════╝ ╚═╝  ╚═╝   ╚═╝  W H I R L               │` + "\n"))

	b.WriteString(theme.ColourSplash("│  "))
	b.WriteString(theme.StyleUrl(GithubHomeUri))
	b.WriteString("  ")
	b.WriteString(theme.ColourVersion(Version))
	b.WriteString(theme.ColourSplash("                    │\n"))
	b.WriteString(theme.ColourSplash("╚──────────────────────────────────────────────────────────────────╝"))

	if extendedInfo {
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf(" Commit: %s\n", Commit))
		b.WriteString(fmt.Sprintf("  Built: %s\n", Date))
		b.WriteString(fmt.Sprintf("  Using: %s\n", User))
	}

	vlog.Println(b.String())
}
