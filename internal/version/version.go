// Package version carries build metadata injected through -ldflags.
package version

import "fmt"

var (
	// Version is the release tag, e.g. v0.4.1.
	Version = "dev"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)

// String formats the build metadata for `version` output and log fields.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}
