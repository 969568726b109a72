package main

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"maunium.net/go/mautrix"

	"go.mau.fi/fedsync/fedtypes"
)

const (
	Name    = "fedsync"
	Version = "0.1.0"
)

var (
	BuildTime string
	Commit    string
	Tag       string

	ParsedBuildTime    time.Time
	VersionWithCommit  string
	VersionDescription string
)

func initVersion() {
	Tag = strings.TrimPrefix(Tag, "v")
	switch {
	case Tag == Version:
		VersionWithCommit = Version
	case len(Commit) > 8:
		VersionWithCommit = fmt.Sprintf("%s+dev.%s", Version, Commit[:8])
	default:
		VersionWithCommit = fmt.Sprintf("%s+dev.unknown", Version)
	}
	if BuildTime != "" {
		ParsedBuildTime, _ = time.Parse(time.RFC3339, BuildTime)
	}
	builtWith := runtime.Version()
	if !ParsedBuildTime.IsZero() {
		builtWith = fmt.Sprintf("built at %s with %s", ParsedBuildTime.Format(time.RFC1123), runtime.Version())
	}
	// Outgoing federation requests identify themselves with this
	mautrix.DefaultUserAgent = fmt.Sprintf("%s/%s %s", Name, VersionWithCommit, mautrix.DefaultUserAgent)
	VersionDescription = fmt.Sprintf("%s %s (%s)", Name, VersionWithCommit, builtWith)
}

func versionInfo() *fedtypes.RespVersion {
	return &fedtypes.RespVersion{Server: fedtypes.VersionInfo{
		Name:    Name,
		Version: VersionWithCommit,
	}}
}
