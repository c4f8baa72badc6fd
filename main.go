package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"mongo-env-sync/cmd"
	"mongo-env-sync/internal/exitcodes"
)

// Version information (set by build flags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GoVersion = "unknown"
)

func main() {
	// Set version information for the CLI
	cmd.SetVersionInfo(Version, BuildTime, GitCommit, GoVersion)

	// Interrupts cancel the running sync, which then rolls back
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()

	if err != nil {
		os.Exit(exitcodes.FromError(err))
	}
}
