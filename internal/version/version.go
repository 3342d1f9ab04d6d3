// Package version holds build identification stamped in at link time.
package version

import "fmt"

var (
	// Version is the release version, "dev" for unstamped builds.
	Version = "dev"
	// GitSHA is the source commit.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// String formats the build identification for command-line output.
func String() string {
	return fmt.Sprintf("headtrack %s (%s, built %s)", Version, GitSHA, BuildTime)
}
