// Package version carries the build identity of the txcoord binary.
package version

import (
	"fmt"
	"runtime"
)

// Set at link time with -ldflags "-X github.com/txcoord/txcoord/pkg/version.Version=...".
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GoVersion = runtime.Version()
)

// Info is reported on /status.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
		"go_version": GoVersion,
	}
}

// String is the one-line form printed by -version.
func String() string {
	return fmt.Sprintf("txcoord %s (commit %s, built %s, %s)", Version, GitCommit, BuildTime, GoVersion)
}
