package version

import "fmt"

// Build information, set at build time via -ldflags "-X ...".
var (
	Version = "v0.1.0"
	Commit  = "unknown"
	BuiltAt = "unknown"
)

// Info returns the semantic version.
func Info() string {
	return Version
}

// FullInfo returns the version line printed by creditsd and creditctl.
func FullInfo() string {
	return fmt.Sprintf("version=%s commit=%s built_at=%s", Version, Commit, BuiltAt)
}
