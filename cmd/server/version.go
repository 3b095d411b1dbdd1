package main

import (
	"runtime"

	"github.com/inferloop/tsdp/internal/server"
	"github.com/inferloop/tsdp/pkg/constants"
)

// Set with -ldflags "-X main.Version=... -X main.GitCommit=... -X main.BuildDate=..."
var (
	Version   = constants.AppVersion
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func buildInfo() server.BuildInfo {
	return server.BuildInfo{
		Version:   Version,
		Commit:    GitCommit,
		BuildTime: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}
