// Package version holds build metadata, set with -ldflags "-X" at release
// time.
package version

import "fmt"

var (
	// Version is the release tag.
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build metadata on one line.
func String() string {
	return fmt.Sprintf("lightsheet %s (%s, built %s)", Version, GitSHA, BuildTime)
}
