// Package version reports the build version of formcoach.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
)

// Version is set at build time:
//
//	go build -ldflags "-X formcoach/internal/version.Version=v1.2.0"
var Version = "dev"

// Info holds version information returned by the API.
type Info struct {
	Current   string `json:"version"`
	Revision  string `json:"revision,omitempty"`
	GoVersion string `json:"go_version"`
}

func Current() Info {
	info := Info{
		Current:   strings.TrimPrefix(Version, "v"),
		GoVersion: runtime.Version(),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" {
				info.Revision = s.Value
			}
		}
	}
	return info
}
