// Package version reports the build of the running binary.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/shardxa"

// buildVersion is set via -ldflags "-X pkt.systems/shardxa/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes a build.
type Info struct {
	Module    string
	Version   string
	GoVersion string
}

// Current returns the best available version string.
func Current() string {
	return fromBuildInfo(readBuildInfo()).Version
}

// Module returns the module path from build info when available.
func Module() string {
	return fromBuildInfo(readBuildInfo()).Module
}

// Read returns the full build description.
func Read() Info {
	return fromBuildInfo(readBuildInfo())
}

var readBuildInfo = func() *debug.BuildInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	return info
}

func fromBuildInfo(info *debug.BuildInfo) Info {
	out := Info{Module: defaultModule, Version: "v0.0.0-unknown"}
	if info != nil {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			out.Module = path
		}
		out.GoVersion = info.GoVersion
	}
	switch {
	case strings.TrimSpace(buildVersion) != "":
		out.Version = buildVersion
	case info == nil:
	case strings.TrimSpace(info.Main.Version) != "" && info.Main.Version != "(devel)":
		out.Version = strings.TrimSpace(info.Main.Version)
	default:
		if v := pseudoVersion(info.Settings); v != "" {
			out.Version = v
		}
	}
	return out
}

// pseudoVersion builds a Go-style pseudo version from VCS stamps.
func pseudoVersion(settings []debug.BuildSetting) string {
	var revision, stamp string
	var modified bool
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			stamp = s.Value
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}
	if revision == "" || stamp == "" {
		return ""
	}
	at, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := "v0.0.0-" + at.UTC().Format("20060102150405") + "-" + revision
	if modified {
		v += "+dirty"
	}
	return v
}
