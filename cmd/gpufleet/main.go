// Package main is the entry point for the gpufleet orchestrator.
//
// gpufleet manages the lifecycle of GPU instances serving LLM inference:
// provisioning, boot health-checking, worker heartbeats, routing and
// teardown. One binary runs the whole control plane; multiple replicas
// coordinate through database row claims.
//
// Commands: serve, migrate, submit, version.
package main

import (
	"fmt"
	"os"

	"github.com/gpufleet/gpufleet/cmd/gpufleet/commands"
)

// Version information set by goreleaser at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)
	if err := commands.Root().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
