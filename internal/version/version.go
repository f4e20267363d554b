package version

import "fmt"

var (
	// Version is the semantic version of the agent build. It can be overridden via ldflags.
	Version = "1.0.0"
	// Commit is the short git SHA embedded at build time (or "none").
	Commit = "none"
	// BuildTime is the UTC build timestamp embedded at build time.
	BuildTime = "unknown"
)

// userAgentFormat is the User-Agent sent to the backend and bundle hosts.
const userAgentFormat = "ota-agent/%s (%s)"

// Short returns only the semantic version string.
func Short() string {
	return Version
}

// Full returns a human-readable version string with commit and build time.
func Full() string {
	return fmt.Sprintf("version: %s, commit: %s, built at: %s", Version, Commit, BuildTime)
}

// UserAgent returns the HTTP User-Agent identifying this agent build.
func UserAgent() string {
	return fmt.Sprintf(userAgentFormat, Version, Commit)
}
