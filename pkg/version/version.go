// Package version exposes build-time version information, injected via
// -ldflags at release build time.
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the semantic version, set at build time.
	Version = "dev"
	// GitCommit is the short commit hash, set at build time.
	GitCommit = "unknown"
	// BuildDate is the UTC build timestamp, set at build time.
	BuildDate = "unknown"
)

// Info bundles the build metadata.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns the build metadata for this binary.
func Get() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// String returns a one-line version string for logs.
func String() string {
	return fmt.Sprintf("%s (%s, %s)", Version, GitCommit, BuildDate)
}
