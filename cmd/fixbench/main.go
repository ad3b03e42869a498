package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/fixbench/fixbench/cmd"
	"github.com/fixbench/fixbench/internal/observability"
)

func main() {
	// SIGINT/SIGTERM cancel the run context; in-flight pipeline stages finish
	// and the progress file keeps the queue resumable.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
