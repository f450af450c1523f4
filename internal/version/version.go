// Package version prints build/version banners for the fossilgo binaries.
package version

import "fmt"

// Set via -ldflags at build time; sensible defaults otherwise.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Print returns a one-line banner for app, used in --version output and
// startup logging, matching the style of the teacher's p4prometheus banner.
func Print(app string) string {
	return fmt.Sprintf("%s version %s (commit %s, built %s)", app, Version, Commit, BuildDate)
}
