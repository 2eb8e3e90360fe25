// Package version exposes build metadata injected at link time:
//
//	go build -ldflags "-X github.com/ordefy/ordefy/pkg/version.AppVersion=1.4.0 \
//	  -X github.com/ordefy/ordefy/pkg/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"strings"
)

const (
	Unknown            = "unknown"
	DevelopmentVersion = "dev"
)

var (
	AppVersion = DevelopmentVersion
	GitCommit  = Unknown
	BuildTime  = Unknown
)

// Info is the build metadata served on /version and printed by the CLI.
type Info struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// Current returns the metadata of the running binary.
func Current(serviceName string) Info {
	return Info{
		Service:   normalizeOrDefault(serviceName, Unknown),
		Version:   normalizeOrDefault(AppVersion, DevelopmentVersion),
		Commit:    normalizeOrDefault(GitCommit, Unknown),
		BuildTime: normalizeOrDefault(BuildTime, Unknown),
	}
}

func (i Info) String() string {
	return fmt.Sprintf("%s %s (commit=%s, built=%s)", i.Service, i.Version, i.Commit, i.BuildTime)
}

func normalizeOrDefault(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}
