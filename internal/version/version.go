// Package version carries build metadata, set at link time with
// -ldflags "-X github.com/banshee-data/telemetry.report/internal/version.Version=...".
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String formats the build metadata for -version output and logs.
func String() string {
	sha := GitSHA
	if len(sha) > 7 {
		sha = sha[:7]
	}
	return fmt.Sprintf("telemetryd %s (%s, built %s)", Version, sha, BuildTime)
}
