// Command nodeagent runs on an enrolled compute node: it enrolls against the
// control plane, reports heartbeats, and polls for and executes dispatched
// commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fleetward/control-plane/internal/logging"
	"github.com/fleetward/control-plane/internal/nodeagent"
)

var version = "dev"
var commit = "unknown"

func main() {
	cfg := nodeagent.Load()
	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("fleetward-nodeagent " + versionString())

	if cfg.Version == "dev" {
		cfg.Version = versionString()
	}

	executor := nodeagent.NewLoggingExecutor(log.Logger)
	a, err := nodeagent.New(cfg, executor, log.Logger)
	if err != nil {
		log.Error("failed to initialize node agent", "error", err)
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("node agent exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("node agent shutdown complete")
}

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}
