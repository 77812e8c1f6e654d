// Package main is the entry point for the svcboot CLI.
//
// All functionality lives in internal/cli. Build-time variables are
// injected via ldflags; during development they default to
// "dev", "none" and "unknown".
package main

import (
	"github.com/shinji-kodama/svcboot/internal/cli"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.Version = version
	cli.Commit = commit
	cli.Date = date

	cli.Execute(cli.NewRootCommand())
}
