// Package version exposes build metadata for the server and CLI.
package version

import (
	"fmt"
	"runtime"
)

var (
	// These values are set at build time via -ldflags
	Version   = "dev"     // semantic version (e.g., v1.2.0)
	GitCommit = "unknown" // git commit hash
	BuildDate = "unknown" // build timestamp
	Component = "formrelay"
)

// Get returns the version string
func Get() string {
	if Version != "dev" {
		return Version
	}
	return fmt.Sprintf("dev-%s", GitCommit)
}

// Short returns a concise version string for display
func Short() string {
	if GitCommit != "unknown" && len(GitCommit) >= 7 {
		return fmt.Sprintf("%s (%s)", Get(), GitCommit[:7])
	}
	return Get()
}

// Long returns detailed version information for --version output
func Long() string {
	var out string
	out += fmt.Sprintf("%s version %s\n", Component, Short())
	if BuildDate != "unknown" {
		out += fmt.Sprintf("Built: %s\n", BuildDate)
	}
	out += fmt.Sprintf("Go: %s\n", runtime.Version())
	out += fmt.Sprintf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	return out
}
