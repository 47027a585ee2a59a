// Package version reports what build of quarry is running. The values are
// stamped by the release build via -ldflags; a plain `go build` stays "dev".
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the semantic version of a tagged release.
	Version = "dev"
	// CommitHash identifies the git commit the binary was built from.
	CommitHash = "dev"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// Info is the full build report, JSON-friendly for `quarry version --json`.
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get assembles the build report for this binary.
func Get() Info {
	return Info{
		Version:    Version,
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (i Info) String() string {
	v := i.Version
	if v == "" {
		v = "dev"
	}
	return fmt.Sprintf("quarry %s (commit %s, built %s)", v, i.CommitHash, i.BuildTime)
}

// Short is the abbreviated commit hash, for log fields and banners.
func (i Info) Short() string {
	if len(i.CommitHash) > 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}
