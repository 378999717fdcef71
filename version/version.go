// Package version carries the build metadata stamped in by the linker.
package version

import (
	"fmt"
	"runtime"
	"strings"
)

// Set with -ldflags "-X github.com/grovetools/tabsync/version.Version=...".
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

// GetInfo returns the build metadata of this binary.
func GetInfo() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "  Commit:     %s\n", i.Commit)
	fmt.Fprintf(&b, "  Built:      %s\n", i.BuildDate)
	fmt.Fprintf(&b, "  Go:         %s\n", i.GoVersion)
	fmt.Fprintf(&b, "  Platform:   %s", i.Platform)
	return b.String()
}

// UserAgent is the User-Agent sent to the monitoring API.
func UserAgent() string {
	return "tabsync/" + Version
}
