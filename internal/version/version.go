package version

import "fmt"

var (
	// Version is the semantic version of the pricepipe binary. Overridden at build time.
	Version = "dev"
	// Commit is the git commit hash. Overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Overridden at build time.
	BuildDate = "unknown"
)

// String renders the build information on one line, used as the HTTP server header.
func String() string {
	return fmt.Sprintf("pricepipe/%s (%s, %s)", Version, Commit, BuildDate)
}
