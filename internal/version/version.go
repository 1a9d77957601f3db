// Package version holds build information set with -ldflags.
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func Full() string {
	return fmt.Sprintf("rtms-relay %s, commit %s, built at %s", Version, Commit, Date)
}
