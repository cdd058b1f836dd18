// Package version exposes build metadata injected at link time via
// -ldflags "-X leadworks/api_referrals/pkg/version.Version=...".
package version

var (
	// Version is the semantic version of the build
	Version = "dev"
	// GitCommit is the short commit hash of the build
	GitCommit = "unknown"
)
