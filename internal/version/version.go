// Package version holds build metadata, set with ldflags:
//
//	go build -ldflags "-X github.com/rickgao/tradesync/internal/version.Version=1.2.0 \
//	                   -X github.com/rickgao/tradesync/internal/version.Commit=$(git rev-parse --short HEAD)" ./cmd/syncd
package version

import "runtime/debug"

var (
	Version = "dev"
	Commit  = ""
)

// Info is the build metadata reported by /health and at startup.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	GoVersion string `json:"go_version"`
}

// Get returns build metadata, falling back to the VCS stamp embedded by the
// Go toolchain when Commit was not set.
func Get() Info {
	info := Info{Version: Version, Commit: Commit}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.GoVersion = bi.GoVersion
		if info.Commit == "" {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" && len(s.Value) >= 7 {
					info.Commit = s.Value[:7]
				}
			}
		}
	}
	if info.Commit == "" {
		info.Commit = "unknown"
	}
	return info
}

// String returns "version (commit)".
func String() string {
	i := Get()
	return i.Version + " (" + i.Commit + ")"
}
