package version

import (
	"runtime/debug"
	"strings"
	"time"
)

// These variables can be overridden at build time with ldflags
var (
	Version   string // -X github.com/trufnetwork/attestd/cmd/version.Version=...
	Commit    string // -X github.com/trufnetwork/attestd/cmd/version.Commit=...
	BuildTime string // -X github.com/trufnetwork/attestd/cmd/version.BuildTime=...
)

// getVersion returns the ldflags version if set, otherwise the module version
// the toolchain embedded at build time
func getVersion() string {
	if Version != "" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "(devel)"
}

// getCommit returns the commit hash (short form) from ldflags, otherwise from
// the VCS metadata stamped into the binary
func getCommit() string {
	commit := Commit
	if commit == "" {
		commit = buildSetting("vcs.revision")
	}

	// Return short form (9 chars) for readability
	const shortHashLength = 9
	if len(commit) > shortHashLength {
		return commit[:shortHashLength]
	}
	return commit
}

// getBuildTime returns the ldflags build time if set, otherwise the commit
// time from VCS metadata
func getBuildTime() time.Time {
	if BuildTime != "" {
		if t, err := time.Parse(time.RFC3339, BuildTime); err == nil {
			return t
		}
	}
	if raw := buildSetting("vcs.time"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

// getBuildTimeDisplay returns a formatted build time with context about whether it's commit or build time
func getBuildTimeDisplay() string {
	buildTime := getBuildTime()
	if buildTime.IsZero() {
		return "unknown"
	}

	// A dirty workspace means the timestamp is when the binary was built, not
	// when the commit landed
	if workspaceDirty() {
		return buildTime.Format(time.RFC3339) + " (build time)"
	}
	return buildTime.Format(time.RFC3339) + " (commit time)"
}

func workspaceDirty() bool {
	if Version != "" && strings.HasSuffix(Version, "dirty") {
		return true
	}
	return buildSetting("vcs.modified") == "true"
}

// buildSetting reads one key from the build info the Go toolchain embeds
func buildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == key {
			return s.Value
		}
	}
	return ""
}
