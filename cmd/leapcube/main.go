// Package main provides the leapcube command.
package main

import (
	"os"

	"github.com/leapstack-labs/leapcube/internal/cli"
)

// Set with -ldflags "-X main.version=... -X main.commit=... -X main.date=...".
var (
	version = ""
	commit  = ""
	date    = ""
)

func main() {
	setBuildInfo()
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

func setBuildInfo() {
	if version != "" {
		cli.Version = version
	}
	if commit != "" {
		cli.GitCommit = commit
	}
	if date != "" {
		cli.BuildDate = date
	}
}
