// Package version exposes the build identity the kaname binaries log at
// startup. All three values are stamped with -ldflags at release time.
package version

var (
	// Version is the semantic release version.
	Version = "v0.0.0-dev"

	// GitCommit is the commit the binary was built from.
	GitCommit = "unknown"

	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// Info renders the full build identity as one string.
func Info() string {
	return Version + " (" + GitCommit + ") built at " + BuildTime
}
