package core

import (
	"runtime/debug"
	"strings"

	"golang.org/x/mod/module"
)

// Version is the build version: a tagged release such as "v1.4.0", or
// "devel-<sha>[-dirty]" for local builds.
var Version = versionFromBuildInfo(debug.ReadBuildInfo())

func versionFromBuildInfo(info *debug.BuildInfo, ok bool) string {
	if !ok || info == nil {
		return "devel"
	}

	// Pseudo-versions carry no release information; the VCS stamp is more useful.
	if v := info.Main.Version; v != "" && v != "(devel)" && !module.IsPseudoVersion(v) {
		return v
	}

	var revision, modified string
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			modified = s.Value
		}
	}
	if revision == "" {
		return "devel"
	}

	v := "devel-" + revision[:min(len(revision), 7)]
	if modified == "true" {
		v += "-dirty"
	}
	return v
}

// FormatVersion strips the "v" of tagged releases for display.
func FormatVersion(v string) string {
	return strings.TrimPrefix(v, "v")
}

// UserAgent identifies the agent to the master API.
func UserAgent() string {
	return "camwarden/" + FormatVersion(Version)
}
